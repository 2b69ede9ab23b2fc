package mpegts

import (
	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
)

const (
	maxTS             int64 = 1 << 33
	rolloverThreshold int64 = 1 << 32
)

// HandleRollover moves value by multiples of 2^33 until it lies within 2^32
// of reference. Values above the reference are assumed to have wrapped
// backwards.
func HandleRollover(value, reference int64) int64 {
	direction := int64(1)
	if value > reference {
		direction = -1
	}
	for abs(reference-value) > rolloverThreshold {
		value += direction * maxTS
	}
	return value
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// RolloverStream unwraps PES timestamps against a reference DTS. The first
// timestamped unit seen sets the reference and each flush moves it to the
// last DTS, so consecutive segments share a continuous timeline. Track lists
// pass through untouched.
type RolloverStream struct {
	event.Base

	typ          media.TrackType
	reference    int64
	hasReference bool
	lastDTS      int64
	hasLastDTS   bool
}

// NewRolloverStream returns a stream that only handles units of typ. An
// empty typ accepts every unit.
func NewRolloverStream(typ media.TrackType) *RolloverStream {
	return &RolloverStream{typ: typ}
}

// Push consumes a *TrackList or *PES.
func (s *RolloverStream) Push(v any) {
	switch d := v.(type) {
	case *TrackList:
		s.Emit(event.Data, d)
	case *PES:
		if s.typ != "" && d.Type != s.typ {
			return
		}
		if d.HasPTS {
			if !s.hasReference {
				s.reference, s.hasReference = d.DTS, true
			}
			d.DTS = HandleRollover(d.DTS, s.reference)
			d.PTS = HandleRollover(d.PTS, s.reference)
			s.lastDTS, s.hasLastDTS = d.DTS, true
		}
		s.Emit(event.Data, d)
	}
}

// Flush carries the last DTS forward as the next reference.
func (s *RolloverStream) Flush(source string) {
	s.reference, s.hasReference = s.lastDTS, s.hasLastDTS
	s.Emit(event.Done, source)
}

// EndTimeline flushes and signals the end of the timeline.
func (s *RolloverStream) EndTimeline(source string) {
	s.Flush(source)
	s.Emit(event.EndedTimeline, source)
}

// Discontinuity forgets the reference so the next unit starts a new one.
func (s *RolloverStream) Discontinuity() {
	s.hasReference = false
	s.hasLastDTS = false
}

// Reset forgets the reference.
func (s *RolloverStream) Reset(source string) {
	s.Discontinuity()
	s.Emit(event.Reset, source)
}
