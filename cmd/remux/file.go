package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zsiec/remux/internal/distribution"
	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mp4"
	"github.com/zsiec/remux/internal/mpegts"
	"github.com/zsiec/remux/internal/transmux"
)

// fileChunk is the read size of the file command: whole transport packets.
const fileChunk = mpegts.PacketSize * 348

func newFileCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "file INPUT",
		Short: "Transmux a .ts or .aac file to fragmented MP4",
		Long: `Transmux a transport stream or raw AAC file.

Without --partial the output is one MP4 file per track type: the init
segment followed by the media segment. With --remux=false video and audio
are written to separate files. With --partial OUTPUT is a directory that
receives an init segment and one .m4s fragment per frame for each track.

Caption cues and ID3 metadata, when present, are written next to the
output as .captions.json and .metadata.json.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runFile(cmd.Context(), args[0], output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, or directory with --partial (default: derived from INPUT)")
	return cmd
}

func (a *app) runFile(ctx context.Context, input, output string) error {
	f, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()

	opts := a.cfg.TransmuxOptions(a.log)
	res, err := transmuxFile(ctx, f, opts)
	if err != nil {
		return fmt.Errorf("transmuxing %s: %w", input, err)
	}
	written, err := res.write(input, output)
	if err != nil {
		return err
	}
	if len(written) == 0 {
		a.log.Warn("no media found", "input", input, "container", res.container)
		return nil
	}
	for _, p := range written {
		a.log.Info("wrote", "path", p)
	}
	a.log.Info("transmux complete",
		"input", input,
		"container", res.container,
		"files", len(written),
		"captions", len(res.cues),
		"metadata", len(res.tags),
	)
	return nil
}

// trackOutput is the init segment and media data of one output file.
type trackOutput struct {
	initSeg []byte
	data bytes.Buffer
}

// fragment is one partial-mode moof+mdat.
type fragment struct {
	typ  string
	data []byte
}

// fileResult is everything a file transmux produced.
type fileResult struct {
	container string
	partial   bool

	order  []string
	tracks map[string]*trackOutput

	fragments []fragment
	inits     map[string][]byte

	cues []distribution.Cue
	tags []distribution.Tag
}

// transmuxFile pushes all of r through a Transmuxer and collects its
// output. In partial mode every chunk is followed by a PartialFlush.
func transmuxFile(ctx context.Context, r io.Reader, opts transmux.Options) (*fileResult, error) {
	res := &fileResult{
		partial: opts.Partial,
		tracks:  make(map[string]*trackOutput),
		inits:   make(map[string][]byte),
	}
	tm := transmux.New(opts)
	ev := tm.Events()
	ev.Subscribe(event.Data, res.onData)
	ev.Subscribe(event.Caption, func(v any) {
		if c, ok := v.(*media.Caption); ok {
			res.cues = append(res.cues, distribution.CueOf(c))
		}
	})
	ev.Subscribe(event.ID3Frame, func(v any) {
		if t, ok := v.(*media.ID3Tag); ok {
			res.tags = append(res.tags, distribution.TagOf(t))
		}
	})

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf := make([]byte, fileChunk)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if perr := tm.Push(buf[:n]); perr != nil {
				return nil, perr
			}
			if opts.Partial {
				tm.PartialFlush()
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
	}
	tm.Flush()
	res.container = tm.Container()
	return res, nil
}

func (res *fileResult) onData(v any) {
	switch d := v.(type) {
	case *transmux.Segment:
		out, ok := res.tracks[d.Type]
		if !ok {
			out = &trackOutput{initSeg: d.InitSegment}
			res.tracks[d.Type] = out
			res.order = append(res.order, d.Type)
		}
		out.data.Write(d.Data)
	case *transmux.PartialData:
		typ := string(d.Type)
		if _, ok := res.inits[typ]; !ok {
			initSeg := d.Fragment.InitSegment
			if len(initSeg) == 0 {
				initSeg = mp4.InitSegment([]*media.Track{d.Fragment.Track})
			}
			res.inits[typ] = initSeg
			res.order = append(res.order, typ)
		}
		res.fragments = append(res.fragments, fragment{typ: typ, data: d.Fragment.Boxes})
	}
}

// write stores the result and returns the paths written. An empty output
// is derived from input.
func (res *fileResult) write(input, output string) ([]string, error) {
	stem := strings.TrimSuffix(input, filepath.Ext(input))
	var written []string
	var dir string

	if res.partial {
		dir = output
		if dir == "" {
			dir = stem + "_fragments"
		}
		if len(res.fragments) > 0 {
			paths, err := res.writeFragments(dir)
			if err != nil {
				return nil, err
			}
			written = append(written, paths...)
		}
		stem = filepath.Join(dir, filepath.Base(stem))
	} else {
		if output == "" {
			output = stem + ".mp4"
		}
		for _, typ := range res.order {
			p := output
			if len(res.order) > 1 {
				p = strings.TrimSuffix(output, filepath.Ext(output)) + "-" + typ + filepath.Ext(output)
			}
			out := res.tracks[typ]
			if err := writeFile(p, out.initSeg, out.data.Bytes()); err != nil {
				return nil, err
			}
			written = append(written, p)
		}
		stem = strings.TrimSuffix(output, filepath.Ext(output))
	}

	if len(res.cues) > 0 {
		p := stem + ".captions.json"
		if err := writeJSONFile(p, res.cues); err != nil {
			return nil, err
		}
		written = append(written, p)
	}
	if len(res.tags) > 0 {
		p := stem + ".metadata.json"
		if err := writeJSONFile(p, res.tags); err != nil {
			return nil, err
		}
		written = append(written, p)
	}
	return written, nil
}

func (res *fileResult) writeFragments(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	var written []string
	for _, typ := range res.order {
		p := filepath.Join(dir, typ+"-init.mp4")
		if err := writeFile(p, res.inits[typ]); err != nil {
			return nil, err
		}
		written = append(written, p)
	}
	seq := make(map[string]int)
	for _, f := range res.fragments {
		p := filepath.Join(dir, fmt.Sprintf("%s-%05d.m4s", f.typ, seq[f.typ]))
		seq[f.typ]++
		if err := writeFile(p, f.data); err != nil {
			return nil, err
		}
		written = append(written, p)
	}
	return written, nil
}

func writeFile(path string, parts ...[]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	for _, b := range parts {
		if _, err := f.Write(b); err != nil {
			f.Close()
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return writeFile(path, data, []byte("\n"))
}
