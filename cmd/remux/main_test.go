package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	gomp4 "github.com/abema/go-mp4"
	"github.com/asticode/go-astits"

	"github.com/zsiec/remux/internal/config"
)

const videoPID = 256

// 256x192 Main profile.
var testSPS = []byte{
	0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
	0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
	0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
	0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
	0x3a, 0x8e, 0x18, 0xc9,
}

var testPPS = []byte{0x68, 0xee, 0x3c, 0x80}

func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

// writeTS writes a video-only transport stream of n frames, a keyframe
// every third, and returns its path.
func writeTS(t *testing.T, n int) string {
	t.Helper()
	var buf bytes.Buffer
	mux := astits.NewMuxer(context.Background(), &buf)
	if err := mux.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: videoPID,
		StreamType:    astits.StreamTypeH264Video,
	}); err != nil {
		t.Fatal(err)
	}
	mux.SetPCRPID(videoPID)
	for i := range n {
		key := i%3 == 0
		data := annexB([]byte{0x09, 0xF0}, []byte{0x41, 0x9a, 0x21, 0x6c})
		var af *astits.PacketAdaptationField
		if key {
			data = annexB([]byte{0x09, 0xF0}, testSPS, testPPS, []byte{0x65, 0x88, 0x84, 0x21})
			af = &astits.PacketAdaptationField{RandomAccessIndicator: true}
		}
		if _, err := mux.WriteData(&astits.MuxerData{
			PID:             videoPID,
			AdaptationField: af,
			PES: &astits.PESData{
				Header: &astits.PESHeader{
					StreamID: 224,
					OptionalHeader: &astits.PESOptionalHeader{
						MarkerBits:      2,
						PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
						PTS:             &astits.ClockReference{Base: int64(i) * 3000},
					},
				},
				Data: data,
			},
		}); err != nil {
			t.Fatalf("WriteData: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "in.ts")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// topLevelBoxes returns the types of the top-level boxes of the file.
func topLevelBoxes(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	if _, err := gomp4.ReadBoxStructure(bytes.NewReader(data), func(h *gomp4.ReadHandle) (interface{}, error) {
		types = append(types, h.BoxInfo.Type.String())
		return nil, nil
	}); err != nil {
		t.Fatalf("ReadBoxStructure(%s): %v", path, err)
	}
	return types
}

func run(t *testing.T, a *app, args ...string) error {
	t.Helper()
	if a.stderr == nil {
		a.stderr = io.Discard
	}
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.Execute()
}

func TestFileCommand(t *testing.T) {
	in := writeTS(t, 7)
	out := filepath.Join(t.TempDir(), "out.mp4")
	if err := run(t, &app{}, "file", in, "-o", out); err != nil {
		t.Fatalf("file: %v", err)
	}
	got := topLevelBoxes(t, out)
	want := []string{"ftyp", "moov", "moof", "mdat"}
	if !slices.Equal(got, want) {
		t.Errorf("boxes = %v, want %v", got, want)
	}
}

func TestFileCommand_DefaultOutput(t *testing.T) {
	in := writeTS(t, 4)
	if err := run(t, &app{}, "file", in); err != nil {
		t.Fatalf("file: %v", err)
	}
	if _, err := os.Stat(strings.TrimSuffix(in, ".ts") + ".mp4"); err != nil {
		t.Errorf("default output: %v", err)
	}
}

func TestFileCommand_Partial(t *testing.T) {
	in := writeTS(t, 7)
	dir := filepath.Join(t.TempDir(), "frags")
	if err := run(t, &app{}, "file", in, "--partial", "-o", dir); err != nil {
		t.Fatalf("file --partial: %v", err)
	}
	if got := topLevelBoxes(t, filepath.Join(dir, "video-init.mp4")); !slices.Equal(got, []string{"ftyp", "moov"}) {
		t.Errorf("init boxes = %v, want [ftyp moov]", got)
	}
	frags, err := filepath.Glob(filepath.Join(dir, "video-*.m4s"))
	if err != nil {
		t.Fatal(err)
	}
	if len(frags) == 0 {
		t.Fatal("no fragments written")
	}
	if got := topLevelBoxes(t, frags[0]); !slices.Equal(got, []string{"moof", "mdat"}) {
		t.Errorf("fragment boxes = %v, want [moof mdat]", got)
	}
}

func TestFileCommand_MissingInput(t *testing.T) {
	err := run(t, &app{}, "file", filepath.Join(t.TempDir(), "missing.ts"))
	if err == nil || !strings.Contains(err.Error(), "opening input") {
		t.Errorf("error = %v, want an opening input error", err)
	}
}

func TestFileCommand_UnknownContainer(t *testing.T) {
	in := filepath.Join(t.TempDir(), "junk.bin")
	if err := os.WriteFile(in, bytes.Repeat([]byte{0x01}, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run(t, &app{}, "file", in); err == nil {
		t.Error("file on junk input succeeded, want an error")
	}
}

func TestSetup_FlagsAndEnv(t *testing.T) {
	t.Setenv("REMUX_TRANSMUX_REMUX", "false")
	t.Setenv("REMUX_LOG_FORMAT", "json")

	a := &app{}
	_ = run(t, a, "file", filepath.Join(t.TempDir(), "missing.ts"),
		"--first-sequence-number", "7", "--keep-original-timestamps")
	if a.cfg == nil {
		t.Fatal("configuration was not loaded")
	}
	if a.cfg.Transmux.Remux {
		t.Error("Remux = true, want false from the environment")
	}
	if a.cfg.Transmux.FirstSequenceNumber != 7 {
		t.Errorf("FirstSequenceNumber = %d, want 7", a.cfg.Transmux.FirstSequenceNumber)
	}
	if !a.cfg.Transmux.KeepOriginalTimestamps {
		t.Error("KeepOriginalTimestamps = false, want true from the flag")
	}
	if a.cfg.Log.Format != "json" {
		t.Errorf("log format = %q, want json", a.cfg.Log.Format)
	}
}

func TestSetup_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remux.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run(t, &app{}, "--config", path, "file", "x.ts"); err == nil {
		t.Error("invalid log level accepted")
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		cfg       config.LogConfig
		debug     bool
		wantJSON  bool
		wantDebug bool
	}{
		{"text info", config.LogConfig{Level: "info", Format: "text"}, false, false, false},
		{"json", config.LogConfig{Level: "info", Format: "JSON"}, false, true, false},
		{"debug flag", config.LogConfig{Level: "warn", Format: "text"}, true, false, true},
		{"debug level", config.LogConfig{Level: "debug", Format: "text"}, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			log := newLogger(&buf, tt.cfg, tt.debug)
			if got := log.Enabled(context.Background(), slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			log.Warn("hello", "k", "v")
			if got := json.Valid(bytes.TrimSpace(buf.Bytes())); got != tt.wantJSON {
				t.Errorf("JSON output = %v, want %v: %s", got, tt.wantJSON, buf.String())
			}
		})
	}
}
