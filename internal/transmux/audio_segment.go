package transmux

import (
	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mp4"
)

// AudioSegmentStream collects the AAC frames of one audio track until a
// flush and emits them as a single moof+mdat TrackFragment. Frames before
// the earliest allowed DTS are dropped, and a gap up to the video start may
// be filled with silence.
//
// Besides Data and Done it emits SegmentTimingInfo and AudioTimingInfo for
// every non-empty segment.
type AudioSegmentStream struct {
	event.Base

	track  *media.Track
	opts   Options
	seq    uint32
	frames []*media.AudioFrame

	earliestAllowedDTS int64
	audioAppendStart   int64
	videoBMDT          int64
	hasVideoBMDT       bool
}

// NewAudioSegmentStream returns a stream building fragments for track.
func NewAudioSegmentStream(track *media.Track, opts Options) *AudioSegmentStream {
	return &AudioSegmentStream{track: track, opts: opts, seq: opts.FirstSequenceNumber}
}

// Push buffers a *media.AudioFrame and copies its configuration onto the
// track.
func (s *AudioSegmentStream) Push(v any) {
	f, ok := v.(*media.AudioFrame)
	if !ok {
		return
	}
	s.track.CollectTimestamps(f.PTS, f.DTS)
	s.track.ApplyAudioFrame(f)
	s.frames = append(s.frames, f)
}

// SetEarliestDTS drops frames decoding before dts from later segments.
func (s *AudioSegmentStream) SetEarliestDTS(dts int64) { s.earliestAllowedDTS = dts }

// SetVideoBaseMediaDecodeTime records where the video track's latest
// segment starts, in 90 kHz ticks.
func (s *AudioSegmentStream) SetVideoBaseMediaDecodeTime(bmdt int64) {
	s.videoBMDT = bmdt
	s.hasVideoBMDT = true
}

// SetAudioAppendStart records where the player's audio buffer ends, in
// 90 kHz ticks.
func (s *AudioSegmentStream) SetAudioAppendStart(ts int64) { s.audioAppendStart = ts }

// Flush emits the buffered segment. A segment whose frames were all trimmed
// still produces an empty fragment so the coalesced segment completes.
func (s *AudioSegmentStream) Flush(string) {
	if len(s.frames) == 0 {
		s.Emit(event.Done, SourceAudioSegmentStream)
		return
	}

	frames := TrimFramesByEarliestDTS(s.frames, s.track, s.earliestAllowedDTS)
	s.track.BaseMediaDecodeTime = s.track.CalculateBaseMediaDecodeTime(s.opts.KeepOriginalTimestamps)
	frames, prefixed := PrefixWithSilence(s.track, frames, s.audioAppendStart, s.videoBMDT, s.hasVideoBMDT)

	s.track.Samples = GenerateAudioSampleTable(frames)
	mdat := mp4.MDAT(ConcatenateFrameData(frames))
	s.frames = nil

	moof := mp4.MOOF(s.seq, []*media.Track{s.track})
	s.seq++
	boxes := make([]byte, 0, len(moof)+len(mdat))
	boxes = append(append(boxes, moof...), mdat...)
	s.track.ClearSegmentInfo()

	if len(frames) > 0 && s.track.SampleRate > 0 {
		duration := int64(len(frames)) * aacFrameDuration(s.track.SampleRate)
		first := frames[0]
		s.Emit(event.SegmentTimingInfo, generateSegmentTimingInfo(
			media.AudioTSToVideoTS(s.track.BaseMediaDecodeTime, s.track.SampleRate),
			first.DTS, first.PTS,
			first.DTS+duration, first.PTS+duration,
			prefixed,
		))
		s.Emit(event.AudioTimingInfo, TimingInfo{Start: first.PTS, End: first.PTS + duration, HasEnd: true})
	}

	s.Emit(event.Data, &TrackFragment{Track: s.track, Boxes: boxes})
	s.Emit(event.Done, SourceAudioSegmentStream)
}

// Reset drops buffered frames.
func (s *AudioSegmentStream) Reset(source string) {
	s.track.ClearSegmentInfo()
	s.frames = nil
	s.Emit(event.Reset, source)
}
