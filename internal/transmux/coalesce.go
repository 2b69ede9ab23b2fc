package transmux

import (
	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mp4"
)

// CoalesceStream joins the fragments of every track of a segment, with the
// captions and ID3 tags seen meanwhile, into one *Segment. Audio boxes
// always precede video boxes in Segment.Data. After each Segment it emits
// every caption as Caption and every tag as ID3Frame, then Done once all
// expected tracks have been emitted.
type CoalesceStream struct {
	event.Base

	numberOfTracks int
	remux          bool
	keepOriginal   bool
	dispatchType   func() string

	pendingTracks   []*media.Track
	pendingBoxes    [][]byte
	pendingBytes    int
	pendingCaptions []*media.Caption
	pendingMetadata []*media.ID3Tag
	videoTrack      *media.Track
	audioTrack      *media.Track
	emittedTracks   int
}

// NewCoalesceStream returns a CoalesceStream. dispatchType reports the
// in-band metadata dispatch type stamped on every segment.
func NewCoalesceStream(opts Options, dispatchType func() string) *CoalesceStream {
	if dispatchType == nil {
		dispatchType = func() string { return "" }
	}
	return &CoalesceStream{
		remux:        opts.Remux,
		keepOriginal: opts.KeepOriginalTimestamps,
		dispatchType: dispatchType,
	}
}

// AddTrack raises the number of tracks a segment waits for.
func (s *CoalesceStream) AddTrack() { s.numberOfTracks++ }

// SetRemux switches between combining tracks and emitting each as it
// arrives.
func (s *CoalesceStream) SetRemux(remux bool) { s.remux = remux }

// Push buffers a *media.Caption, a *media.ID3Tag or a *TrackFragment.
func (s *CoalesceStream) Push(v any) {
	switch d := v.(type) {
	case *media.Caption:
		s.pendingCaptions = append(s.pendingCaptions, d)
	case *media.ID3Tag:
		s.pendingMetadata = append(s.pendingMetadata, d)
	case *TrackFragment:
		s.pendingTracks = append(s.pendingTracks, d.Track)
		s.pendingBytes += len(d.Boxes)
		switch d.Track.Type {
		case media.Video:
			s.videoTrack = d.Track
			s.pendingBoxes = append(s.pendingBoxes, d.Boxes)
		case media.Audio:
			s.audioTrack = d.Track
			s.pendingBoxes = append([][]byte{d.Boxes}, s.pendingBoxes...)
		}
	}
}

// Flush emits the pending segment once every expected track is in. Flushes
// from stages other than the segment streams only carry captions or
// metadata and never complete a segment on their own.
func (s *CoalesceStream) Flush(source string) {
	if len(s.pendingTracks) < s.numberOfTracks {
		if source != SourceVideoSegmentStream && source != SourceAudioSegmentStream {
			return
		}
		if s.remux {
			return
		}
		if len(s.pendingTracks) == 0 {
			// A flush without data still counts towards done, as when a
			// segment declares audio but carries none.
			s.emittedTracks++
			if s.emittedTracks >= s.numberOfTracks {
				s.Emit(event.Done, source)
				s.emittedTracks = 0
			}
			return
		}
	}

	seg := &Segment{CaptionStreams: make(map[string]bool)}
	var timelineStartPTS int64
	switch {
	case s.videoTrack != nil:
		t := s.videoTrack
		timelineStartPTS = t.TimelineStartInfo.PTS
		seg.Info = SegmentInfo{
			Width:                t.Width,
			Height:               t.Height,
			ProfileIdc:           t.ProfileIdc,
			LevelIdc:             t.LevelIdc,
			ProfileCompatibility: t.ProfileCompatibility,
			SarRatio:             t.SarRatio,
		}
	case s.audioTrack != nil:
		t := s.audioTrack
		timelineStartPTS = t.TimelineStartInfo.PTS
		seg.Info = SegmentInfo{
			AudioObjectType:        t.AudioObjectType,
			ChannelCount:           t.ChannelCount,
			SampleRate:             t.SampleRate,
			SamplingFrequencyIndex: t.SamplingFrequencyIndex,
			SampleSize:             t.SampleSize,
		}
	}

	if s.videoTrack != nil || s.audioTrack != nil {
		if len(s.pendingTracks) == 1 {
			seg.Type = string(s.pendingTracks[0].Type)
		} else {
			seg.Type = "combined"
		}
		s.emittedTracks += len(s.pendingTracks)
		seg.InitSegment = mp4.InitSegment(s.pendingTracks)

		seg.Data = make([]byte, 0, s.pendingBytes)
		for _, b := range s.pendingBoxes {
			seg.Data = append(seg.Data, b...)
		}

		for _, c := range s.pendingCaptions {
			c.StartTime = media.MetadataTSToSeconds(c.StartPTS, timelineStartPTS, s.keepOriginal)
			c.EndTime = media.MetadataTSToSeconds(c.EndPTS, timelineStartPTS, s.keepOriginal)
			seg.CaptionStreams[c.Stream] = true
			seg.Captions = append(seg.Captions, c)
		}
		seg.DispatchType = s.dispatchType()
		for _, tag := range s.pendingMetadata {
			tag.CueTime = media.MetadataTSToSeconds(tag.PTS, timelineStartPTS, s.keepOriginal)
			tag.DispatchType = seg.DispatchType
			seg.Metadata = append(seg.Metadata, tag)
		}

		s.pendingTracks = nil
		s.videoTrack = nil
		s.pendingBoxes = nil
		s.pendingCaptions = nil
		s.pendingBytes = 0
		s.pendingMetadata = nil

		s.Emit(event.Data, seg)
		for _, c := range seg.Captions {
			s.Emit(event.Caption, c)
		}
		for _, tag := range seg.Metadata {
			s.Emit(event.ID3Frame, tag)
		}
	}

	if s.emittedTracks >= s.numberOfTracks {
		s.Emit(event.Done, source)
		s.emittedTracks = 0
	}
}

// Reset drops everything pending.
func (s *CoalesceStream) Reset(source string) {
	s.pendingTracks = nil
	s.pendingBoxes = nil
	s.pendingBytes = 0
	s.pendingCaptions = nil
	s.pendingMetadata = nil
	s.videoTrack = nil
	s.emittedTracks = 0
	s.Emit(event.Reset, source)
}
