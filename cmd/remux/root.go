package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zsiec/remux/internal/config"
	"github.com/zsiec/remux/internal/transmux"
)

// flagKeys maps command-line flags to the configuration keys they
// override.
var flagKeys = map[string]string{
	"debug":                    "debug",
	"log-level":                "log.level",
	"log-format":               "log.format",
	"keep-original-timestamps": "transmux.keep_original_timestamps",
	"remux":                    "transmux.remux",
	"partial":                  "transmux.partial",
	"align-gops-at-end":        "transmux.align_gops_at_end",
	"base-media-decode-time":   "transmux.base_media_decode_time",
	"first-sequence-number":    "transmux.first_sequence_number",
	"parse-708":                "transmux.parse_708_captions",
	"srt-addr":                 "serve.srt_addr",
	"http-addr":                "serve.http_addr",
	"http3":                    "serve.http3",
	"segment-interval":         "serve.segment_interval",
	"segment-window":           "serve.segment_window",
}

// app is the state shared by the subcommands once configuration has been
// loaded.
type app struct {
	stderr     io.Writer
	configPath string

	v   *viper.Viper
	cfg *config.Config
	log *slog.Logger
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:     "remux",
		Short:   "Transmux MPEG-TS and AAC to fragmented MP4",
		Version: version,
		Long: `remux repackages H.264 and AAC carried in MPEG transport streams, or raw
ADTS AAC, into fragmented MP4 suitable for Media Source Extensions. CEA-608
and CEA-708 captions and ID3 timed metadata are extracted alongside.

Every flag can also be set in remux.yaml or through a REMUX_ environment
variable, e.g. REMUX_SERVE_HTTP_ADDR=:9443.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	d := transmux.DefaultOptions()
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default remux.yaml in . or $HOME/.remux)")
	pf.Bool("debug", false, "enable debug logging")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text, json)")
	pf.Bool("keep-original-timestamps", d.KeepOriginalTimestamps, "write input timestamps unchanged")
	pf.Bool("remux", d.Remux, "combine audio and video into one segment")
	pf.Bool("partial", d.Partial, "emit one fragment per frame")
	pf.Bool("align-gops-at-end", d.AlignGopsAtEnd, "align GOPs from the end of the segment")
	pf.Int64("base-media-decode-time", d.BaseMediaDecodeTime, "output timeline start in 90 kHz ticks")
	pf.Uint32("first-sequence-number", d.FirstSequenceNumber, "mfhd sequence number of the first fragment")
	pf.Bool("parse-708", d.Parse708Captions, "decode CEA-708 caption services")

	root.AddCommand(newFileCmd(a), newServeCmd(a))
	return root
}

// setup loads the configuration with the executing command's flags bound
// over it and installs the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	v := config.New(a.configPath)
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag --%s: %w", name, err)
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	a.v, a.cfg = v, cfg
	a.log = newLogger(a.stderr, cfg.Log, v.GetBool("debug"))
	slog.SetDefault(a.log)
	return nil
}

// newLogger builds the slog handler named by lc. debug forces the debug
// level. lc has already been validated.
func newLogger(w io.Writer, lc config.LogConfig, debug bool) *slog.Logger {
	level, _ := config.ParseLevel(lc.Level)
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
