package transmux

import (
	"bytes"

	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mp4"
)

const (
	// gopCacheSize is the number of trailing GOPs kept for fusion.
	gopCacheSize = 6

	// A cached GOP may be fused when it ends no more than halfSecond before
	// the new data or overlaps it by at most allowableOverlap ticks.
	halfSecond       = 45000
	allowableOverlap = 10000
)

type cachedGop struct {
	gop *media.Gop
	sps [][]byte
	pps [][]byte
}

// VideoSegmentStream collects the NAL units of one video track until a
// flush and emits them as a single moof+mdat TrackFragment. A segment must
// start with a keyframe: a GOP from an earlier segment is fused in front of
// it when one fits, otherwise the first keyframe is pulled back over the
// frames before it.
//
// Besides Data and Done it emits ProcessedGopsInfo ([]media.GopInfo),
// SegmentTimingInfo, TimingInfo as VideoTimingInfo, BaseMediaDecodeTime
// (int64) and TimelineStartInfo (media.TimelineStartInfo).
type VideoSegmentStream struct {
	event.Base

	track   *media.Track
	opts    Options
	seq     uint32
	nals    []*media.NalUnit
	gopsTo  []media.GopInfo
	cache   []cachedGop
	haveSPS bool
	havePPS bool
}

// NewVideoSegmentStream returns a stream building fragments for track.
func NewVideoSegmentStream(track *media.Track, opts Options) *VideoSegmentStream {
	return &VideoSegmentStream{track: track, opts: opts, seq: opts.FirstSequenceNumber}
}

// Push buffers a *media.NalUnit. The first SPS and PPS of the segment
// configure the track.
func (s *VideoSegmentStream) Push(v any) {
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

// AlignGopsWith sets the GOPs of another rendition that segments should
// start (or end) on.
func (s *VideoSegmentStream) AlignGopsWith(gops []media.GopInfo) {
	s.gopsTo = gops
}

// ClearGopCache forgets the GOPs kept for fusion.
func (s *VideoSegmentStream) ClearGopCache() {
	s.cache = nil
}

// Flush emits the buffered segment.
func (s *VideoSegmentStream) Flush(string) {
	for len(s.nals) > 0 && s.nals[0].Type != media.NalAUD {
		s.nals = s.nals[1:]
	}
	if len(s.nals) == 0 {
		s.resetStream()
		s.Emit(event.Done, SourceVideoSegmentStream)
		return
	}

	frames := GroupNalsIntoFrames(s.nals)
	gops := GroupFramesIntoGops(frames)

	var prepended int64
	if !gops.Gops[0].KeyFrame() {
		if fused := s.gopForFusion(s.nals[0]); fused != nil {
			prepended = fused.Duration
			gops.Prepend(fused)
		} else {
			gops = ExtendFirstKeyFrame(gops)
		}
	}
	if !gops.Gops[0].KeyFrame() {
		// Nothing decodable yet; the frames wait for the next flush.
		s.Warn("video", MsgKeyframeStall, "frames", len(frames.Frames))
		s.Emit(event.Done, SourceVideoSegmentStream)
		return
	}

	if len(s.gopsTo) > 0 {
		var aligned *media.GopList
		if s.opts.AlignGopsAtEnd {
			aligned = s.alignGopsAtEnd(gops)
		} else {
			aligned = s.alignGopsAtStart(gops)
		}
		if aligned == nil {
			s.cacheGop(gops.Gops[len(gops.Gops)-1])
			s.nals = nil
			s.resetStream()
			s.Emit(event.Done, SourceVideoSegmentStream)
			return
		}
		// GOPs were trimmed; the segment extrema come from what is left.
		s.track.ClearSegmentInfo()
		gops = aligned
	}

	s.track.CollectTimestamps(gops.PTS, gops.DTS)
	s.track.Samples = GenerateSampleTable(gops, 0)
	mdat := mp4.MDAT(ConcatenateNalData(gops))
	s.track.BaseMediaDecodeTime = s.track.CalculateBaseMediaDecodeTime(s.opts.KeepOriginalTimestamps)

	s.Emit(event.ProcessedGopsInfo, gops.Info())

	first, last := gops.Gops[0], gops.Gops[len(gops.Gops)-1]
	s.Emit(event.SegmentTimingInfo, generateSegmentTimingInfo(
		s.track.BaseMediaDecodeTime,
		first.DTS, first.PTS,
		last.DTS+last.Duration, last.PTS+last.Duration,
		prepended,
	))
	s.Emit(event.VideoTimingInfo, TimingInfo{Start: first.PTS, End: last.PTS + last.Duration, HasEnd: true})

	s.cacheGop(last)
	s.nals = nil

	s.Emit(event.BaseMediaDecodeTime, s.track.BaseMediaDecodeTime)
	s.Emit(event.TimelineStartInfo, s.track.TimelineStartInfo)

	moof := mp4.MOOF(s.seq, []*media.Track{s.track})
	s.seq++
	boxes := make([]byte, 0, len(moof)+len(mdat))
	boxes = append(append(boxes, moof...), mdat...)
	s.Emit(event.Data, &TrackFragment{Track: s.track, Boxes: boxes})

	s.resetStream()
	s.Emit(event.Done, SourceVideoSegmentStream)
}

// Reset drops buffered NAL units, the GOP cache and the alignment targets.
func (s *VideoSegmentStream) Reset(source string) {
	s.resetStream()
	s.nals = nil
	s.cache = nil
	s.gopsTo = nil
	s.Emit(event.Reset, source)
}

// resetStream forgets the segment extrema and the parameter sets, which may
// change between segments when switching renditions.
func (s *VideoSegmentStream) resetStream() {
	s.track.ClearSegmentInfo()
	s.haveSPS = false
	s.havePPS = false
}

func (s *VideoSegmentStream) cacheGop(g *media.Gop) {
	s.cache = append([]cachedGop{{gop: g, sps: s.track.SPS, pps: s.track.PPS}}, s.cache...)
	if len(s.cache) > gopCacheSize {
		s.cache = s.cache[:gopCacheSize]
	}
}

// gopForFusion returns the cached GOP ending closest before nal, among those
// with the track's current parameter sets and no earlier than the timeline
// start.
func (s *VideoSegmentStream) gopForFusion(nal *media.NalUnit) *media.Gop {
	var nearest *media.Gop
	var nearestDistance int64
	for _, c := range s.cache {
		if !sameFirst(s.track.PPS, c.pps) || !sameFirst(s.track.SPS, c.sps) {
			continue
		}
		if c.gop.DTS < s.track.TimelineStartInfo.DTS {
			continue
		}
		distance := nal.DTS - c.gop.DTS - c.gop.Duration
		if distance < -allowableOverlap || distance > halfSecond {
			continue
		}
		if nearest == nil || nearestDistance > distance {
			nearest = c.gop
			nearestDistance = distance
		}
	}
	return nearest
}

func sameFirst(a, b [][]byte) bool {
	return len(a) > 0 && len(b) > 0 && bytes.Equal(a[0], b[0])
}

// alignGopsAtStart trims gops to begin at the first GOP whose PTS matches
// an alignment target, scanning both lists from the front. It returns nil
// when every GOP would be trimmed.
func (s *VideoSegmentStream) alignGopsAtStart(gops *media.GopList) *media.GopList {
	byteLength, nalCount, duration := gops.ByteLength, gops.NalCount, gops.Duration
	alignIndex, gopIndex := 0, 0
	for alignIndex < len(s.gopsTo) && gopIndex < len(gops.Gops) {
		align, gop := s.gopsTo[alignIndex], gops.Gops[gopIndex]
		if align.PTS == gop.PTS {
			break
		}
		if gop.PTS > align.PTS {
			alignIndex++
			continue
		}
		gopIndex++
		byteLength -= gop.ByteLength
		nalCount -= gop.NalCount
		duration -= gop.Duration
	}

	if gopIndex == 0 {
		return gops
	}
	if gopIndex == len(gops.Gops) {
		return nil
	}
	rest := gops.Gops[gopIndex:]
	return &media.GopList{
		Gops:       rest,
		ByteLength: byteLength,
		NalCount:   nalCount,
		Duration:   duration,
		PTS:        rest[0].PTS,
		DTS:        rest[0].DTS,
	}
}

// alignGopsAtEnd trims gops to begin at the last GOP whose PTS matches an
// alignment target, scanning both lists from the back. GOPs after the last
// target are kept even without a match. It returns nil when nothing can be
// kept.
func (s *VideoSegmentStream) alignGopsAtEnd(gops *media.GopList) *media.GopList {
	alignIndex, gopIndex := len(s.gopsTo)-1, len(gops.Gops)-1
	alignEndIndex := -1
	matched := false
	for alignIndex >= 0 && gopIndex >= 0 {
		align, gop := s.gopsTo[alignIndex], gops.Gops[gopIndex]
		if align.PTS == gop.PTS {
			matched = true
			break
		}
		if align.PTS > gop.PTS {
			alignIndex--
			continue
		}
		if alignIndex == len(s.gopsTo)-1 {
			alignEndIndex = gopIndex
		}
		gopIndex--
	}

	if !matched && alignEndIndex < 0 {
		return nil
	}
	trim := alignEndIndex
	if matched {
		trim = gopIndex
	}
	if trim == 0 {
		return gops
	}
	aligned := &media.GopList{}
	for _, g := range gops.Gops[trim:] {
		aligned.Append(g)
	}
	aligned.PTS = aligned.Gops[0].PTS
	aligned.DTS = aligned.Gops[0].DTS
	return aligned
}
