// Command srt-push publishes a transport stream file to "remux serve" over
// SRT in real time. The file is looped with its timestamps advanced on
// every pass, so the server sees one continuous timeline.
//
// Usage:
//
//	go run ./test/tools/srt-push -key cam1 input.ts
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/remux/internal/mpegts"
)

const chunkPackets = 7

func main() {
	addr := flag.String("addr", "127.0.0.1:6000", "SRT address of remux serve")
	key := flag.String("key", "", "stream key (default: file name without extension)")
	loop := flag.Bool("loop", true, "loop the file")
	frame := flag.Duration("frame", 40*time.Millisecond, "duration of one video frame, added at each loop seam")
	fallback := flag.Duration("duration", time.Minute, "pacing duration when the file carries no video timestamps")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: srt-push [flags] <file.ts>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)
	if *key == "" {
		base := filepath.Base(path)
		*key = strings.TrimSuffix(base, filepath.Ext(base))
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("reading input", "error", err)
		os.Exit(1)
	}
	p := newPusher(data, *frame, *fallback)
	slog.Info("pushing",
		"file", path,
		"packets", len(data)/mpegts.PacketSize,
		"duration", p.duration,
		"stream_id", "live/"+*key,
		"addr", *addr,
	)

	for ctx.Err() == nil {
		err := p.push(ctx, *addr, "live/"+*key, *loop)
		if err == nil || ctx.Err() != nil {
			return
		}
		slog.Warn("connection lost, reconnecting", "error", err)
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
	}
}

// pusher paces one file over SRT.
type pusher struct {
	data     []byte
	tl       timeline
	duration time.Duration
	ticks    int64
}

func newPusher(data []byte, frame, fallback time.Duration) *pusher {
	tl := scanTimeline(data)
	frameTicks := int64(frame) * 90000 / int64(time.Second)
	ticks := tl.duration(frameTicks)
	d := time.Duration(ticks) * time.Second / 90000
	if d <= 0 {
		d = fallback
	}
	return &pusher{data: data, tl: tl, duration: d, ticks: ticks}
}

// bytesPerSecond is the rate that plays the file out in real time.
func (p *pusher) bytesPerSecond() float64 {
	return float64(len(p.data)) / p.duration.Seconds()
}

// push dials addr and sends the file until ctx ends, or once when loop is
// false.
func (p *pusher) push(ctx context.Context, addr, streamID string, loop bool) error {
	cfg := srt.DefaultConfig()
	cfg.StreamID = streamID
	conn, err := srt.Dial(addr, cfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, len(p.data))
	copy(buf, p.data)
	chunk := mpegts.PacketSize * chunkPackets
	rate := p.bytesPerSecond()
	start := time.Now()
	var sent int64

	for pass := 0; ; pass++ {
		if pass > 0 {
			if !loop {
				return nil
			}
			p.tl.shift(buf, p.ticks)
			slog.Info("loop complete", "pass", pass, "sent_mb", float64(sent)/(1<<20))
		}
		for i := 0; i < len(buf); i += chunk {
			end := min(i+chunk, len(buf))
			if _, err := conn.Write(buf[i:end]); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("write: %w", err)
			}
			sent += int64(end - i)
			// Pace against the start of the session so loop seams carry no
			// burst.
			due := time.Duration(float64(sent) / rate * float64(time.Second))
			if wait := due - time.Since(start); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil
				}
			}
		}
		if p.ticks == 0 && loop {
			return errors.New("file has no video timestamps to loop on")
		}
	}
}
