package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/remux/internal/ingest/srt"
)

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(New(""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Transmux.Remux || !cfg.Transmux.Parse708Captions {
		t.Errorf("transmux defaults = %+v, want remux and 708 captions on", cfg.Transmux)
	}
	if cfg.Serve.SRTAddr != defaultSRTAddr || cfg.Serve.HTTPAddr != defaultHTTPAddr {
		t.Errorf("addrs = %q %q", cfg.Serve.SRTAddr, cfg.Serve.HTTPAddr)
	}
	if cfg.Serve.SegmentInterval != defaultSegmentInterval || cfg.Serve.SegmentWindow != defaultSegmentWindow {
		t.Errorf("segment interval/window = %v/%d", cfg.Serve.SegmentInterval, cfg.Serve.SegmentWindow)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "remux.yaml")
	body := `
transmux:
  keep_original_timestamps: true
  base_media_decode_time: 90000
serve:
  segment_interval: 4s
  segment_window: 3
  pulls:
    - address: 10.0.0.1:9000
      stream_key: cam1
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(New(path))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Transmux.KeepOriginalTimestamps || cfg.Transmux.BaseMediaDecodeTime != 90000 {
		t.Errorf("transmux = %+v", cfg.Transmux)
	}
	if cfg.Serve.SegmentInterval != 4*time.Second || cfg.Serve.SegmentWindow != 3 {
		t.Errorf("segment interval/window = %v/%d, want 4s/3", cfg.Serve.SegmentInterval, cfg.Serve.SegmentWindow)
	}
	if len(cfg.Serve.Pulls) != 1 || cfg.Serve.Pulls[0].StreamKey != "cam1" {
		t.Errorf("pulls = %+v, want one for cam1", cfg.Serve.Pulls)
	}
	// Untouched keys keep their defaults.
	if !cfg.Transmux.Remux {
		t.Error("transmux.remux lost its default")
	}
}

func TestLoad_MissingNamedFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(New(filepath.Join(t.TempDir(), "absent.yaml"))); err == nil {
		t.Error("Load succeeded with a missing config file")
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("REMUX_SERVE_SEGMENT_WINDOW", "9")
	t.Setenv("REMUX_TRANSMUX_PARTIAL", "true")
	cfg, err := Load(New(""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Serve.SegmentWindow != 9 {
		t.Errorf("segment window = %d, want 9", cfg.Serve.SegmentWindow)
	}
	if !cfg.Transmux.Partial {
		t.Error("transmux.partial not set from the environment")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() Config {
		cfg, err := Load(New(""))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return *cfg
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative bmdt", func(c *Config) { c.Transmux.BaseMediaDecodeTime = -1 }},
		{"zero interval", func(c *Config) { c.Serve.SegmentInterval = 0 }},
		{"zero window", func(c *Config) { c.Serve.SegmentWindow = 0 }},
		{"huge window", func(c *Config) { c.Serve.SegmentWindow = maxSegmentWindow + 1 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"incomplete pull", func(c *Config) { c.Serve.Pulls = []srt.PullRequest{{StreamKey: "cam1"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v, want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestTransmuxOptions(t *testing.T) {
	t.Parallel()
	cfg := Config{Transmux: TransmuxConfig{Remux: true, Partial: true, FirstSequenceNumber: 7, BaseMediaDecodeTime: 90000}}
	opts := cfg.TransmuxOptions(nil)
	if !opts.Remux || !opts.Partial || opts.FirstSequenceNumber != 7 || opts.BaseMediaDecodeTime != 90000 {
		t.Errorf("TransmuxOptions = %+v", opts)
	}
}
