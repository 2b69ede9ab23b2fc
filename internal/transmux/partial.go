package transmux

import (
	"slices"

	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mp4"
)

// MsgKeyframeStall is the Log message of a video stream while it holds
// frames back waiting for a keyframe.
const MsgKeyframeStall = "waiting for keyframe before first fragment"

// PartialVideoSegmentStream emits one fragment per frame. On PartialFlush
// the newest frame is held back, as its NAL units may still be arriving;
// Flush emits everything. Nothing is emitted until a keyframe has been
// seen.
type PartialVideoSegmentStream struct {
	event.Base

	track      *media.Track
	opts       Options
	seq        uint32
	nals       []*media.NalUnit
	frameCache []*media.NalUnit
	haveSPS    bool
	havePPS    bool

	needKeyFrame    bool
	segmentStartPTS int64
	segmentEndPTS   int64
	hasSegmentStart bool
}

// NewPartialVideoSegmentStream returns a partial stream for track.
func NewPartialVideoSegmentStream(track *media.Track, opts Options) *PartialVideoSegmentStream {
	return &PartialVideoSegmentStream{track: track, opts: opts, needKeyFrame: true}
}

// Push buffers a *media.NalUnit.
func (s *PartialVideoSegmentStream) Push(v any) {
	nal, ok := v.(*media.NalUnit)
	if !ok {
		return
	}
	s.track.CollectTimestamps(nal.PTS, nal.DTS)
	if nal.Type == media.NalSPS && nal.Config != nil && !s.haveSPS {
		s.haveSPS = true
		s.track.SPS = [][]byte{nal.Data}
		s.track.ApplyVideoConfig(*nal.Config)
	}
	if nal.Type == media.NalPPS && !s.havePPS {
		s.havePPS = true
		s.track.PPS = [][]byte{nal.Data}
	}
	s.nals = append(s.nals, nal)
}

func (s *PartialVideoSegmentStream) processNals(cacheLastFrame bool) {
	nals := slices.Concat(s.frameCache, s.nals)
	s.frameCache = nil
	for len(nals) > 0 && nals[0].Type != media.NalAUD {
		nals = nals[1:]
	}
	if len(nals) == 0 {
		s.nals = nil
		return
	}

	frames := GroupNalsIntoFrames(nals)
	if cacheLastFrame {
		last := frames.Frames[len(frames.Frames)-1]
		frames.Frames = frames.Frames[:len(frames.Frames)-1]
		frames.Duration -= last.Duration
		frames.NalCount -= last.NalCount()
		frames.ByteLength -= last.ByteLength
		s.frameCache = last.Nals
	}
	if len(frames.Frames) == 0 {
		s.nals = nil
		return
	}

	s.Emit(event.TimelineStartInfo, s.track.TimelineStartInfo)

	if s.needKeyFrame {
		gops := GroupFramesIntoGops(frames)
		if !gops.Gops[0].KeyFrame() {
			gops = ExtendFirstKeyFrame(gops)
			if !gops.Gops[0].KeyFrame() {
				// Keep everything and try again once more data is in.
				held := make([]*media.NalUnit, 0, frames.NalCount+len(s.frameCache))
				for _, f := range frames.Frames {
					held = append(held, f.Nals...)
				}
				s.nals = append(held, s.frameCache...)
				s.frameCache = nil
				s.Warn("video", MsgKeyframeStall, "frames", len(frames.Frames))
				return
			}
			frames = Frames(gops)
		}
		s.needKeyFrame = false
	}

	if !s.hasSegmentStart {
		s.segmentStartPTS = frames.Frames[0].PTS
		s.segmentEndPTS = s.segmentStartPTS
		s.hasSegmentStart = true
	}
	s.segmentEndPTS += frames.Duration
	s.Emit(event.VideoTimingInfo, TimingInfo{Start: s.segmentStartPTS, End: s.segmentEndPTS, HasEnd: true})

	for _, f := range frames.Frames {
		s.track.Samples = []media.Sample{SampleForFrame(f, 0)}
		mdat := mp4.MDAT(ConcatenateNalDataForFrame(f))
		s.track.ClearSegmentInfo()
		s.track.CollectTimestamps(f.PTS, f.DTS)
		s.track.BaseMediaDecodeTime = s.track.CalculateBaseMediaDecodeTime(s.opts.KeepOriginalTimestamps)

		moof := mp4.MOOF(s.seq, []*media.Track{s.track})
		s.seq++
		boxes := make([]byte, 0, len(moof)+len(mdat))
		boxes = append(append(boxes, moof...), mdat...)
		s.Emit(event.Data, &TrackFragment{
			Track:         s.track,
			Boxes:         boxes,
			Sequence:      s.seq,
			InitSegment:   mp4.InitSegment([]*media.Track{s.track}),
			VideoFrameDTS: f.DTS,
			VideoFramePTS: f.PTS,
		})
	}
	s.nals = nil
}

// PartialFlush emits every complete frame but the newest.
func (s *PartialVideoSegmentStream) PartialFlush(string) {
	s.processNals(true)
	s.Emit(event.PartialDone, SourceVideoSegmentStream)
}

// Flush emits every buffered frame and ends the segment.
func (s *PartialVideoSegmentStream) Flush(string) {
	s.processNals(false)
	s.resetTimingAndConfig()
	s.Emit(event.Done, SourceVideoSegmentStream)
}

// EndTimeline flushes and signals the end of the timeline.
func (s *PartialVideoSegmentStream) EndTimeline(string) {
	s.Flush(SourceVideoSegmentStream)
	s.Emit(event.EndedTimeline, SourceVideoSegmentStream)
}

// Reset drops buffered NAL units and waits for a keyframe again.
func (s *PartialVideoSegmentStream) Reset(source string) {
	s.resetTimingAndConfig()
	s.frameCache = nil
	s.nals = nil
	s.needKeyFrame = true
	s.Emit(event.Reset, source)
}

func (s *PartialVideoSegmentStream) resetTimingAndConfig() {
	s.haveSPS = false
	s.havePPS = false
	s.hasSegmentStart = false
	s.segmentStartPTS = 0
	s.segmentEndPTS = 0
}

// PartialAudioSegmentStream emits a fragment of every buffered AAC frame on
// each PartialFlush or Flush.
type PartialAudioSegmentStream struct {
	event.Base

	track  *media.Track
	opts   Options
	seq    uint32
	frames []*media.AudioFrame

	earliestAllowedDTS int64
	audioAppendStart   int64
	videoBMDT          int64
	hasVideoBMDT       bool

	segmentStartPTS int64
	segmentEndPTS   int64
	hasSegmentStart bool
}

// NewPartialAudioSegmentStream returns a partial stream for track.
func NewPartialAudioSegmentStream(track *media.Track, opts Options) *PartialAudioSegmentStream {
	return &PartialAudioSegmentStream{track: track, opts: opts}
}

// Push buffers a *media.AudioFrame.
func (s *PartialAudioSegmentStream) Push(v any) {
	f, ok := v.(*media.AudioFrame)
	if !ok {
		return
	}
	s.track.CollectTimestamps(f.PTS, f.DTS)
	s.track.ApplyAudioFrame(f)
	s.frames = append(s.frames, f)
}

// SetEarliestDTS drops frames decoding before dts.
func (s *PartialAudioSegmentStream) SetEarliestDTS(dts int64) { s.earliestAllowedDTS = dts }

// SetVideoBaseMediaDecodeTime records where video starts, in 90 kHz ticks.
func (s *PartialAudioSegmentStream) SetVideoBaseMediaDecodeTime(bmdt int64) {
	s.videoBMDT = bmdt
	s.hasVideoBMDT = true
}

// SetAudioAppendStart records where the player's audio buffer ends.
func (s *PartialAudioSegmentStream) SetAudioAppendStart(ts int64) { s.audioAppendStart = ts }

func (s *PartialAudioSegmentStream) processFrames() {
	if len(s.frames) == 0 {
		return
	}
	frames := TrimFramesByEarliestDTS(s.frames, s.track, s.earliestAllowedDTS)
	if len(frames) == 0 {
		s.frames = nil
		return
	}
	s.track.BaseMediaDecodeTime = s.track.CalculateBaseMediaDecodeTime(s.opts.KeepOriginalTimestamps)
	frames, _ = PrefixWithSilence(s.track, frames, s.audioAppendStart, s.videoBMDT, s.hasVideoBMDT)

	s.track.Samples = GenerateAudioSampleTable(frames)
	mdat := mp4.MDAT(ConcatenateFrameData(frames))
	s.frames = nil

	moof := mp4.MOOF(s.seq, []*media.Track{s.track})
	s.seq++
	boxes := make([]byte, 0, len(moof)+len(mdat))
	boxes = append(append(boxes, moof...), mdat...)
	s.track.ClearSegmentInfo()

	if !s.hasSegmentStart {
		s.segmentStartPTS = frames[0].PTS
		s.segmentEndPTS = s.segmentStartPTS
		s.hasSegmentStart = true
	}
	if s.track.SampleRate > 0 {
		s.segmentEndPTS += int64(len(frames)) * media.OneSecondInTS * samplesPerAACFrame / int64(s.track.SampleRate)
	}
	s.Emit(event.AudioTimingInfo, TimingInfo{Start: s.segmentStartPTS})
	s.Emit(event.Data, &TrackFragment{Track: s.track, Boxes: boxes, Sequence: s.seq})
}

// PartialFlush emits every buffered frame.
func (s *PartialAudioSegmentStream) PartialFlush(string) {
	s.processFrames()
	s.Emit(event.PartialDone, SourceAudioSegmentStream)
}

// Flush emits every buffered frame and the final timing of the segment.
func (s *PartialAudioSegmentStream) Flush(string) {
	s.processFrames()
	s.Emit(event.AudioTimingInfo, TimingInfo{Start: s.segmentStartPTS, End: s.segmentEndPTS, HasEnd: true})
	s.resetTiming()
	s.Emit(event.Done, SourceAudioSegmentStream)
}

// EndTimeline flushes and signals the end of the timeline.
func (s *PartialAudioSegmentStream) EndTimeline(string) {
	s.Flush(SourceAudioSegmentStream)
	s.Emit(event.EndedTimeline, SourceAudioSegmentStream)
}

// Reset drops buffered frames.
func (s *PartialAudioSegmentStream) Reset(source string) {
	s.resetTiming()
	s.frames = nil
	s.Emit(event.Reset, source)
}

func (s *PartialAudioSegmentStream) resetTiming() {
	s.track.ClearSegmentInfo()
	s.hasSegmentStart = false
	s.segmentStartPTS = 0
	s.segmentEndPTS = 0
}
