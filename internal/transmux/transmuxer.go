package transmux

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/zsiec/remux/internal/captions"
	"github.com/zsiec/remux/internal/demux"
	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/id3"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mpegts"
)

// Container kinds the Transmuxer detects.
const (
	ContainerTS  = "ts"
	ContainerAAC = "aac"
)

// aacTrackID is the track ID given to raw AAC input, which declares none.
const aacTrackID = 1

type audioSegmenter interface {
	event.Stage
	SetEarliestDTS(int64)
	SetVideoBaseMediaDecodeTime(int64)
	SetAudioAppendStart(int64)
}

// pipeline is one wiring of stages for a container kind. Stages are held
// in the graph and addressed by handle; the typed fields are the stages the
// Transmuxer controls directly.
type pipeline struct {
	kind  string
	graph event.Graph
	head  event.Handle

	rollovers []*mpegts.RolloverStream
	h264      event.Handle
	adts      event.Handle
	metadata  *id3.MetadataStream
	captions  *captions.CaptionStream
	coalesce  *CoalesceStream
	coalesceH event.Handle

	video  event.Stage
	audio  audioSegmenter
	tracks struct{ video, audio *media.Track }
}

// Transmuxer converts a transport stream or raw AAC byte stream into fMP4.
// The container is detected on the first Push after construction or after
// a Flush, and the matching pipeline is built lazily.
//
// In the default mode every Flush produces one *Segment Data event holding
// all tracks. With Options.Partial each track fragment is emitted on its own
// as *PartialData, and PartialFlush emits fragments mid-segment.
//
// Other events: TrackInfo (TrackInfo), Caption (*media.Caption), ID3Frame
// (*media.ID3Tag), VideoTimingInfo and AudioTimingInfo (TimingInfo), GopInfo
// ([]media.GopInfo), VideoSegmentTimingInfo and AudioSegmentTimingInfo
// (SegmentTimingInfo), Log (event.Diagnostic), Done, PartialDone and
// EndedTimeline.
//
// A Transmuxer is not safe for concurrent use.
type Transmuxer struct {
	event.Publisher

	opts       Options
	log        *slog.Logger
	bmdt       int64
	hasFlushed bool
	p          *pipeline

	// Full pipelines keep their tracks across a container switch.
	videoTrack *media.Track
	audioTrack *media.Track
}

// New returns a Transmuxer.
func New(opts Options) *Transmuxer {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transmuxer{
		opts:       opts,
		log:        log.With("component", "transmux"),
		bmdt:       opts.BaseMediaDecodeTime,
		hasFlushed: true,
	}
}

// Events returns the publisher the Transmuxer emits on.
func (t *Transmuxer) Events() *event.Publisher { return &t.Publisher }

// Container returns the kind of the current pipeline, or "" before the
// first Push.
func (t *Transmuxer) Container() string {
	if t.p == nil {
		return ""
	}
	return t.p.kind
}

// Edges describes the wiring of the current pipeline.
func (t *Transmuxer) Edges() []string {
	if t.p == nil {
		return nil
	}
	return t.p.graph.Edges()
}

// Push feeds a chunk of input. The pipeline may alias data until the
// segment is flushed, so callers must not reuse it.
func (t *Transmuxer) Push(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if t.hasFlushed {
		kind, err := detectContainer(data)
		if err != nil {
			return err
		}
		if t.p == nil || t.p.kind != kind {
			t.setup(kind)
		}
		t.hasFlushed = false
	}
	t.p.graph.Stage(t.p.head).Push(data)
	return nil
}

func detectContainer(data []byte) (string, error) {
	if demux.IsLikelyAAC(data) {
		return ContainerAAC, nil
	}
	if bytes.IndexByte(data, 0x47) < 0 {
		return "", fmt.Errorf("%w: no sync byte in %d bytes", ErrUnknownContainer, len(data))
	}
	return ContainerTS, nil
}

// Flush emits everything buffered and ends the segment. The next Push
// detects the container again.
func (t *Transmuxer) Flush() {
	if t.p == nil {
		return
	}
	t.hasFlushed = true
	t.p.graph.Stage(t.p.head).Flush("")
}

// PartialFlush emits complete frames without ending the segment. It only
// has an effect on partial pipelines.
func (t *Transmuxer) PartialFlush() {
	if t.p == nil {
		return
	}
	t.p.graph.Stage(t.p.head).PartialFlush("")
}

// EndTimeline flushes and marks a discontinuity.
func (t *Transmuxer) EndTimeline() {
	if t.p == nil {
		return
	}
	t.p.graph.Stage(t.p.head).EndTimeline("")
}

// Reset drops all buffered input without emitting it.
func (t *Transmuxer) Reset() {
	if t.p == nil {
		return
	}
	t.p.graph.Stage(t.p.head).Reset("")
}

// ResetCaptions clears caption state, as when seeking outside the buffered
// range.
func (t *Transmuxer) ResetCaptions() {
	if t.p != nil && t.p.captions != nil {
		t.p.captions.Reset("")
	}
}

// SetBaseMediaDecodeTime starts a new timeline at bmdt: the tracks forget
// their timeline start, timestamp unwrapping restarts and caption state is
// dropped.
func (t *Transmuxer) SetBaseMediaDecodeTime(bmdt int64) {
	if !t.opts.KeepOriginalTimestamps {
		t.bmdt = bmdt
	}
	if t.p == nil {
		return
	}
	if a := t.track(media.Audio); a != nil {
		a.ResetTimeline(t.bmdt)
	}
	if v := t.track(media.Video); v != nil {
		if vs, ok := t.p.video.(*VideoSegmentStream); ok {
			vs.ClearGopCache()
		}
		v.ResetTimeline(t.bmdt)
		if !t.opts.Partial && t.p.captions != nil {
			t.p.captions.Reset("")
		}
	}
	for _, r := range t.p.rollovers {
		r.Discontinuity()
	}
	if t.p.captions != nil {
		t.p.captions.Discontinuity()
	}
}

// SetAudioAppendStart tells the audio stream where the player's buffered
// audio ends, in 90 kHz ticks, so a gap before the video can be filled.
func (t *Transmuxer) SetAudioAppendStart(ts int64) {
	if t.p != nil && t.p.audio != nil {
		t.p.audio.SetAudioAppendStart(ts)
	}
}

// SetRemux switches between combined and per-track segments.
func (t *Transmuxer) SetRemux(remux bool) {
	t.opts.Remux = remux
	if t.p != nil && t.p.coalesce != nil {
		t.p.coalesce.SetRemux(remux)
	}
}

// AlignGopsWith makes video segments start on one of gops. Partial
// pipelines ignore it.
func (t *Transmuxer) AlignGopsWith(gops []media.GopInfo) {
	if t.p == nil {
		return
	}
	if vs, ok := t.p.video.(*VideoSegmentStream); ok {
		vs.AlignGopsWith(gops)
	}
}

func (t *Transmuxer) track(typ media.TrackType) *media.Track {
	if t.opts.Partial {
		if typ == media.Video {
			return t.p.tracks.video
		}
		return t.p.tracks.audio
	}
	if typ == media.Video {
		return t.videoTrack
	}
	return t.audioTrack
}

func (t *Transmuxer) setTrack(tr *media.Track) {
	if t.opts.Partial {
		if tr.Type == media.Video {
			t.p.tracks.video = tr
		} else {
			t.p.tracks.audio = tr
		}
		return
	}
	if tr.Type == media.Video {
		t.videoTrack = tr
	} else {
		t.audioTrack = tr
	}
}

func (t *Transmuxer) setup(kind string) {
	t.p = &pipeline{kind: kind}
	t.log.Debug("building pipeline", "container", kind, "partial", t.opts.Partial)
	if kind == ContainerAAC {
		t.setupAAC()
	} else {
		t.setupTS()
	}
	if !t.opts.Partial {
		co := t.p.coalesce.Events()
		co.Subscribe(event.Data, func(v any) { t.Emit(event.Data, v) })
		co.Subscribe(event.Caption, func(v any) { t.Emit(event.Caption, v) })
		co.Subscribe(event.ID3Frame, func(v any) { t.Emit(event.ID3Frame, v) })
		co.Subscribe(event.Done, func(v any) { t.Emit(event.Done, v) })
	}
}

// add registers a stage and forwards its diagnostics.
func (t *Transmuxer) add(name string, s event.Stage) event.Handle {
	s.Events().Subscribe(event.Log, t.relayLog)
	return t.p.graph.Add(name, s)
}

func (t *Transmuxer) relayLog(v any) {
	d, ok := v.(event.Diagnostic)
	if !ok {
		return
	}
	t.log.Log(context.Background(), d.Level, d.Message, append([]any{"stream", d.Stream}, d.Args...)...)
	t.Emit(event.Log, d)
}

func (t *Transmuxer) setupTS() {
	p := t.p
	g := &p.graph
	p.metadata = id3.NewMetadataStream(nil)
	p.captions = captions.NewCaptionStream(t.opts.Parse708Captions)
	elementary := mpegts.NewElementaryStream()
	rollover := mpegts.NewRolloverStream("")
	p.rollovers = []*mpegts.RolloverStream{rollover}

	p.head = t.add("packet", mpegts.NewPacketStream())
	parseH := t.add("parse", mpegts.NewParseStream())
	elementaryH := t.add("elementary", elementary)
	rolloverH := t.add("rollover", rollover)
	p.h264 = t.add("h264", demux.NewH264Stream())
	p.adts = t.add("adts", demux.NewAdtsStream(false))
	metadataH := t.add("metadata", p.metadata)
	captionsH := t.add("captions", p.captions)

	g.Pipe(g.Pipe(g.Pipe(p.head, parseH), elementaryH), rolloverH)
	g.Pipe(rolloverH, p.h264)
	g.Pipe(rolloverH, p.adts)
	g.Pipe(rolloverH, metadataH)
	g.Pipe(p.h264, captionsH)

	if t.opts.Partial {
		p.captions.Events().Subscribe(event.Data, t.emitPartialCaption)
		p.metadata.Events().Subscribe(event.Data, t.emitPartialMetadata)
	} else {
		p.coalesce = NewCoalesceStream(t.opts, p.metadata.DispatchType)
		p.coalesceH = t.add("coalesce", p.coalesce)
		g.Pipe(metadataH, p.coalesceH)
		g.Pipe(captionsH, p.coalesceH)
	}

	elementary.Events().Subscribe(event.Data, func(v any) {
		tl, ok := v.(*mpegts.TrackList)
		if !ok {
			return
		}
		for _, tr := range tl.Tracks {
			if t.track(tr.Type) == nil {
				tr.TimelineStartInfo.BaseMediaDecodeTime = t.bmdt
				t.setTrack(tr)
			}
		}
		if t.track(media.Video) != nil && p.video == nil {
			t.setupVideo()
		}
		if t.track(media.Audio) != nil && p.audio == nil {
			t.setupAudio()
		}
		t.Emit(event.TrackInfo, TrackInfo{
			HasAudio: t.track(media.Audio) != nil,
			HasVideo: t.track(media.Video) != nil,
		})
	})
}

func (t *Transmuxer) setupAAC() {
	p := t.p
	g := &p.graph
	p.metadata = id3.NewMetadataStream(nil)
	aac := demux.NewAacStream()
	audioRollover := mpegts.NewRolloverStream(media.Audio)
	metadataRollover := mpegts.NewRolloverStream(media.TimedMetadata)
	p.rollovers = []*mpegts.RolloverStream{audioRollover, metadataRollover}

	// The audio stream must exist before the first frame reaches it.
	aac.Events().Subscribe(event.Data, func(v any) {
		pes, ok := v.(*mpegts.PES)
		if !ok || p.audio != nil || (pes.Type != media.Audio && pes.Type != media.TimedMetadata) {
			return
		}
		if t.track(media.Audio) == nil {
			tr := media.NewTrack(aacTrackID, media.Audio, media.CodecADTS)
			tr.TimelineStartInfo.BaseMediaDecodeTime = t.bmdt
			t.setTrack(tr)
		}
		t.setupAudio()
		t.Emit(event.TrackInfo, TrackInfo{
			HasAudio: true,
			HasVideo: t.track(media.Video) != nil,
		})
	})

	p.head = t.add("aac", aac)
	audioRolloverH := t.add("audio-rollover", audioRollover)
	metadataRolloverH := t.add("metadata-rollover", metadataRollover)
	p.adts = t.add("adts", demux.NewAdtsStream(t.opts.Partial))
	metadataH := t.add("metadata", p.metadata)

	g.Pipe(g.Pipe(p.head, audioRolloverH), p.adts)
	g.Pipe(g.Pipe(p.head, metadataRolloverH), metadataH)
	p.metadata.Events().Subscribe(event.Timestamp, func(v any) {
		aac.SetTimestamp(v.(*media.ID3Frame).TimeStamp)
	})

	if t.opts.Partial {
		p.metadata.Events().Subscribe(event.Data, t.emitPartialMetadata)
		return
	}
	p.coalesce = NewCoalesceStream(t.opts, p.metadata.DispatchType)
	p.coalesceH = t.add("coalesce", p.coalesce)
	g.Pipe(metadataH, p.coalesceH)
}

func (t *Transmuxer) setupVideo() {
	p := t.p
	g := &p.graph
	track := t.track(media.Video)

	var h event.Handle
	if t.opts.Partial {
		vs := NewPartialVideoSegmentStream(track, t.opts)
		p.video = vs
		h = t.add("video-segment", vs)
		t.relayPartial(vs, media.Video)
		vs.Events().Subscribe(event.TimelineStartInfo, func(v any) {
			info := v.(media.TimelineStartInfo)
			if p.audio != nil && !t.opts.KeepOriginalTimestamps {
				p.audio.SetEarliestDTS(info.DTS - t.bmdt)
			}
		})
		vs.Events().Subscribe(event.VideoTimingInfo, func(v any) { t.Emit(event.VideoTimingInfo, v) })
		g.Pipe(p.h264, h)
		return
	}

	vs := NewVideoSegmentStream(track, t.opts)
	p.video = vs
	h = t.add("video-segment", vs)
	ev := vs.Events()
	ev.Subscribe(event.TimelineStartInfo, func(v any) {
		// Video timing takes precedence: audio adopts the video timeline
		// and drops frames from before the first video frame.
		info := v.(media.TimelineStartInfo)
		if a := t.track(media.Audio); a != nil && p.audio != nil && !t.opts.KeepOriginalTimestamps {
			a.TimelineStartInfo = info
			p.audio.SetEarliestDTS(info.DTS - t.bmdt)
		}
	})
	ev.Subscribe(event.ProcessedGopsInfo, func(v any) { t.Emit(event.GopInfo, v) })
	ev.Subscribe(event.SegmentTimingInfo, func(v any) { t.Emit(event.VideoSegmentTimingInfo, v) })
	ev.Subscribe(event.BaseMediaDecodeTime, func(v any) {
		if p.audio != nil {
			p.audio.SetVideoBaseMediaDecodeTime(v.(int64))
		}
	})
	ev.Subscribe(event.VideoTimingInfo, func(v any) { t.Emit(event.VideoTimingInfo, v) })
	g.Pipe(g.Pipe(p.h264, h), p.coalesceH)
	p.coalesce.AddTrack()
}

func (t *Transmuxer) setupAudio() {
	p := t.p
	g := &p.graph
	track := t.track(media.Audio)

	if t.opts.Partial {
		as := NewPartialAudioSegmentStream(track, t.opts)
		p.audio = as
		h := t.add("audio-segment", as)
		t.relayPartial(as, media.Audio)
		as.Events().Subscribe(event.AudioTimingInfo, func(v any) { t.Emit(event.AudioTimingInfo, v) })
		g.Pipe(p.adts, h)
		return
	}

	as := NewAudioSegmentStream(track, t.opts)
	p.audio = as
	h := t.add("audio-segment", as)
	ev := as.Events()
	ev.Subscribe(event.AudioTimingInfo, func(v any) { t.Emit(event.AudioTimingInfo, v) })
	ev.Subscribe(event.SegmentTimingInfo, func(v any) { t.Emit(event.AudioSegmentTimingInfo, v) })
	g.Pipe(g.Pipe(p.adts, h), p.coalesceH)
	p.coalesce.AddTrack()
}

// relayPartial re-emits a partial segment stream's fragments and lifecycle
// events on the Transmuxer.
func (t *Transmuxer) relayPartial(s event.Stage, typ media.TrackType) {
	ev := s.Events()
	ev.Subscribe(event.Data, func(v any) {
		t.Emit(event.Data, &PartialData{Type: typ, Fragment: v.(*TrackFragment)})
	})
	ev.Subscribe(event.Done, func(v any) { t.Emit(event.Done, v) })
	ev.Subscribe(event.PartialDone, func(v any) { t.Emit(event.PartialDone, v) })
	ev.Subscribe(event.EndedTimeline, func(v any) { t.Emit(event.EndedTimeline, v) })
}

// timelineStartPTS is the epoch captions and tags are placed against in
// partial mode: the video timeline start, or zero without video.
func (t *Transmuxer) timelineStartPTS() int64 {
	if v := t.track(media.Video); v != nil {
		return v.TimelineStartInfo.PTS
	}
	return 0
}

func (t *Transmuxer) emitPartialCaption(v any) {
	c, ok := v.(*media.Caption)
	if !ok {
		return
	}
	start := t.timelineStartPTS()
	c.StartTime = media.MetadataTSToSeconds(c.StartPTS, start, t.opts.KeepOriginalTimestamps)
	c.EndTime = media.MetadataTSToSeconds(c.EndPTS, start, t.opts.KeepOriginalTimestamps)
	t.Emit(event.Caption, c)
}

func (t *Transmuxer) emitPartialMetadata(v any) {
	tag, ok := v.(*media.ID3Tag)
	if !ok {
		return
	}
	tag.CueTime = media.MetadataTSToSeconds(tag.PTS, t.timelineStartPTS(), t.opts.KeepOriginalTimestamps)
	t.Emit(event.ID3Frame, tag)
}
