// Package config loads remux configuration from defaults, an optional
// config file, REMUX_ environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zsiec/remux/internal/ingest/srt"
	"github.com/zsiec/remux/internal/transmux"
)

// EnvPrefix prefixes every environment variable, e.g. REMUX_SERVE_HTTP_ADDR.
const EnvPrefix = "REMUX"

const (
	defaultSRTAddr         = ":6000"
	defaultHTTPAddr        = ":8443"
	defaultSegmentInterval = 2 * time.Second
	defaultSegmentWindow   = 6
	defaultCertValidity    = 14 * 24 * time.Hour
	maxSegmentWindow       = 1000
)

// Config is the complete remux configuration.
type Config struct {
	Transmux TransmuxConfig `mapstructure:"transmux"`
	Serve    ServeConfig    `mapstructure:"serve"`
	Log      LogConfig      `mapstructure:"log"`
}

// TransmuxConfig mirrors transmux.Options.
type TransmuxConfig struct {
	KeepOriginalTimestamps bool   `mapstructure:"keep_original_timestamps"`
	Remux                  bool   `mapstructure:"remux"`
	Partial                bool   `mapstructure:"partial"`
	AlignGopsAtEnd         bool   `mapstructure:"align_gops_at_end"`
	BaseMediaDecodeTime    int64  `mapstructure:"base_media_decode_time"`
	FirstSequenceNumber    uint32 `mapstructure:"first_sequence_number"`
	Parse708Captions       bool   `mapstructure:"parse_708_captions"`
}

// ServeConfig configures the live ingest and segment server.
type ServeConfig struct {
	SRTAddr         string            `mapstructure:"srt_addr"`
	HTTPAddr        string            `mapstructure:"http_addr"`
	HTTP3           bool              `mapstructure:"http3"`
	SegmentInterval time.Duration     `mapstructure:"segment_interval"`
	SegmentWindow   int               `mapstructure:"segment_window"`
	CertValidity    time.Duration     `mapstructure:"cert_validity"`
	CertHosts       []string          `mapstructure:"cert_hosts"`
	Pulls           []srt.PullRequest `mapstructure:"pulls"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults installs the default of every key on v.
func SetDefaults(v *viper.Viper) {
	d := transmux.DefaultOptions()
	v.SetDefault("transmux.keep_original_timestamps", d.KeepOriginalTimestamps)
	v.SetDefault("transmux.remux", d.Remux)
	v.SetDefault("transmux.partial", d.Partial)
	v.SetDefault("transmux.align_gops_at_end", d.AlignGopsAtEnd)
	v.SetDefault("transmux.base_media_decode_time", d.BaseMediaDecodeTime)
	v.SetDefault("transmux.first_sequence_number", d.FirstSequenceNumber)
	v.SetDefault("transmux.parse_708_captions", d.Parse708Captions)

	v.SetDefault("serve.srt_addr", defaultSRTAddr)
	v.SetDefault("serve.http_addr", defaultHTTPAddr)
	v.SetDefault("serve.http3", true)
	v.SetDefault("serve.segment_interval", defaultSegmentInterval)
	v.SetDefault("serve.segment_window", defaultSegmentWindow)
	v.SetDefault("serve.cert_validity", defaultCertValidity)
	v.SetDefault("serve.cert_hosts", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a viper instance with defaults and environment binding in
// place. A non-empty path names the config file to read; otherwise
// remux.yaml is looked up in the working directory and $HOME/.remux.
func New(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("remux")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.remux")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file, if any, and decodes v into a validated
// Config. A missing file is not an error unless it was named explicitly.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Transmux.BaseMediaDecodeTime < 0 {
		return errors.New("transmux.base_media_decode_time must not be negative")
	}
	if c.Serve.SegmentInterval <= 0 {
		return errors.New("serve.segment_interval must be positive")
	}
	if c.Serve.SegmentWindow < 1 || c.Serve.SegmentWindow > maxSegmentWindow {
		return fmt.Errorf("serve.segment_window must be between 1 and %d", maxSegmentWindow)
	}
	for i, p := range c.Serve.Pulls {
		if p.Address == "" || p.StreamKey == "" {
			return fmt.Errorf("serve.pulls[%d] needs address and stream_key", i)
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}
	return nil
}

// TransmuxOptions converts the transmux section into transmux.Options.
func (c *Config) TransmuxOptions(log *slog.Logger) transmux.Options {
	t := c.Transmux
	return transmux.Options{
		BaseMediaDecodeTime:    t.BaseMediaDecodeTime,
		KeepOriginalTimestamps: t.KeepOriginalTimestamps,
		Remux:                  t.Remux,
		AlignGopsAtEnd:         t.AlignGopsAtEnd,
		FirstSequenceNumber:    t.FirstSequenceNumber,
		Partial:                t.Partial,
		Parse708Captions:       t.Parse708Captions,
		Logger:                 log,
	}
}

// ParseLevel maps a level name to its slog.Level. "warning" is accepted
// for warn.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level must be one of: debug, info, warn, error")
}
