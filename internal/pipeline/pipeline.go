// Package pipeline runs one live stream through a Transmuxer: it reads the
// ingest bytes, cuts segments at video random access points on a fixed
// interval and publishes the resulting fMP4 segments.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/metrics"
	"github.com/zsiec/remux/internal/mpegts"
	"github.com/zsiec/remux/internal/stream"
	"github.com/zsiec/remux/internal/transmux"
)

const (
	readSize   = 64 * 1024
	chunkQueue = 16
)

// Sink receives the segments of one stream.
type Sink interface {
	Publish(seg *transmux.Segment)
}

// Config configures a Pipeline. Stream and Metrics are optional.
type Config struct {
	Key      string
	Options  transmux.Options
	Interval time.Duration
	Sink     Sink
	Stream   *stream.Stream
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Debug holds the pipeline's forwarding counters.
type Debug struct {
	BytesPushed int64 `json:"bytesPushed"`
	Flushes     int64 `json:"flushes"`
	ForcedCuts  int64 `json:"forcedCuts"`
	Segments    int64 `json:"segments"`
	Dropped     int64 `json:"dropped"`
}

// Pipeline bridges an ingest stream and a Sink.
type Pipeline struct {
	cfg Config
	log *slog.Logger
	tm  *transmux.Transmuxer

	carry    []byte
	armed    bool
	armedAt  time.Time
	pushed   bool
	produced bool

	bytesPushed atomic.Int64
	flushes     atomic.Int64
	forcedCuts  atomic.Int64
	segments    atomic.Int64
	dropped     atomic.Int64
}

// New creates a Pipeline. The partial option is ignored: a live stream is
// always cut into full segments.
func New(cfg Config) *Pipeline {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "pipeline", "stream", cfg.Key)
	if cfg.Options.Partial {
		log.Warn("partial output is not served live, using full segments")
		cfg.Options.Partial = false
	}
	if cfg.Options.Logger == nil {
		cfg.Options.Logger = log
	}
	p := &Pipeline{cfg: cfg, log: log, tm: transmux.New(cfg.Options)}

	ev := p.tm.Events()
	ev.Subscribe(event.Data, p.onSegment)
	ev.Subscribe(event.Caption, p.onCaption)
	ev.Subscribe(event.ID3Frame, p.onID3)
	ev.Subscribe(event.TrackInfo, p.onTrackInfo)
	ev.Subscribe(event.Log, p.onLog)
	return p
}

// Transmuxer returns the pipeline's transmuxer.
func (p *Pipeline) Transmuxer() *transmux.Transmuxer { return p.tm }

// Debug returns a snapshot of the forwarding counters.
func (p *Pipeline) Debug() Debug {
	return Debug{
		BytesPushed: p.bytesPushed.Load(),
		Flushes:     p.flushes.Load(),
		ForcedCuts:  p.forcedCuts.Load(),
		Segments:    p.segments.Load(),
		Dropped:     p.dropped.Load(),
	}
}

// Run consumes input until it ends or ctx is cancelled, then flushes what
// is buffered. A read error other than EOF is returned.
func (p *Pipeline) Run(ctx context.Context, input io.Reader) error {
	chunks := make(chan []byte, chunkQueue)
	readErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		buf := make([]byte, readSize)
		for {
			n, err := input.Read(buf)
			if n > 0 {
				select {
				case chunks <- bytes.Clone(buf[:n]):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

	interval := p.cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.finish()
			return nil
		case now := <-ticker.C:
			if !p.armed {
				p.armed, p.armedAt = true, now
			}
		case c, ok := <-chunks:
			if !ok {
				p.finish()
				select {
				case err := <-readErr:
					return fmt.Errorf("pipeline: read %s: %w", p.cfg.Key, err)
				default:
					return nil
				}
			}
			p.ingest(c, interval)
		}
	}
}

// ingest pushes whole transport packets, cutting the segment before the
// first random access packet once a cut is armed. A cut that finds no
// random access point within one more interval is forced.
func (p *Pipeline) ingest(c []byte, interval time.Duration) {
	if p.tm.Container() == transmux.ContainerAAC {
		p.push(c)
		if p.armed {
			p.flush(false)
		}
		return
	}

	data := append(p.carry, c...)
	p.carry = nil
	if len(data) > 0 && data[0] != 0x47 {
		i := bytes.IndexByte(data, 0x47)
		if i < 0 {
			p.push(data)
			return
		}
		p.push(data[:i])
		data = data[i:]
	}
	whole := len(data) - len(data)%mpegts.PacketSize
	if whole < len(data) {
		p.carry = bytes.Clone(data[whole:])
	}
	data = data[:whole]

	if p.armed {
		for off := 0; off < len(data); off += mpegts.PacketSize {
			if mpegts.IsRandomAccess(data[off : off+mpegts.PacketSize]) {
				p.push(data[:off])
				p.flush(false)
				p.push(data[off:])
				return
			}
		}
	}
	p.push(data)
	if p.armed && time.Since(p.armedAt) > interval {
		p.flush(true)
	}
}

func (p *Pipeline) push(b []byte) {
	if len(b) == 0 {
		return
	}
	if err := p.tm.Push(b); err != nil {
		p.log.Warn("dropping input", "bytes", len(b), "error", err)
		if m := p.cfg.Metrics; m != nil {
			m.Diagnostics.WithLabelValues(p.cfg.Key, slog.LevelWarn.String()).Inc()
		}
		return
	}
	p.pushed = true
	p.bytesPushed.Add(int64(len(b)))
	if m := p.cfg.Metrics; m != nil {
		m.IngestBytes.WithLabelValues(p.cfg.Key).Add(float64(len(b)))
	}
}

func (p *Pipeline) flush(forced bool) {
	p.armed = false
	if !p.pushed {
		return
	}
	p.produced = false
	p.tm.Flush()
	p.pushed = false
	p.flushes.Add(1)
	if forced {
		p.forcedCuts.Add(1)
		p.log.Debug("no random access point, forced segment cut")
	}
	if !p.produced {
		p.dropped.Add(1)
		if m := p.cfg.Metrics; m != nil {
			m.DroppedSegments.WithLabelValues(p.cfg.Key).Inc()
		}
	}
}

func (p *Pipeline) finish() {
	p.push(p.carry)
	p.carry = nil
	p.flush(false)
}

func (p *Pipeline) onSegment(v any) {
	seg, ok := v.(*transmux.Segment)
	if !ok {
		return
	}
	p.produced = true
	p.segments.Add(1)
	if p.cfg.Sink != nil {
		p.cfg.Sink.Publish(seg)
	}
	if s := p.cfg.Stream; s != nil {
		s.RecordSegment(len(seg.Data))
		if seg.Info.Width > 0 {
			s.SetVideoSize(seg.Info.Width, seg.Info.Height)
		}
	}
	if m := p.cfg.Metrics; m != nil {
		m.Segments.WithLabelValues(p.cfg.Key, seg.Type).Inc()
		m.SegmentBytes.WithLabelValues(seg.Type).Observe(float64(len(seg.Data)))
	}
}

func (p *Pipeline) onCaption(v any) {
	c, ok := v.(*media.Caption)
	if !ok {
		return
	}
	if s := p.cfg.Stream; s != nil {
		s.RecordCaption()
	}
	if m := p.cfg.Metrics; m != nil {
		m.CaptionCues.WithLabelValues(p.cfg.Key, c.Stream).Inc()
	}
}

func (p *Pipeline) onID3(any) {
	if s := p.cfg.Stream; s != nil {
		s.RecordID3Frame()
	}
	if m := p.cfg.Metrics; m != nil {
		m.ID3Frames.WithLabelValues(p.cfg.Key).Inc()
	}
}

func (p *Pipeline) onTrackInfo(v any) {
	info, ok := v.(transmux.TrackInfo)
	if !ok {
		return
	}
	if s := p.cfg.Stream; s != nil {
		s.SetTracks(info.HasVideo, info.HasAudio)
	}
}

func (p *Pipeline) onLog(v any) {
	d, ok := v.(event.Diagnostic)
	if !ok {
		return
	}
	if s := p.cfg.Stream; s != nil {
		s.RecordWarning()
	}
	m := p.cfg.Metrics
	if m == nil {
		return
	}
	m.Diagnostics.WithLabelValues(p.cfg.Key, d.Level.String()).Inc()
	if d.Message == transmux.MsgKeyframeStall {
		m.KeyframeStalls.WithLabelValues(p.cfg.Key).Inc()
	}
}
