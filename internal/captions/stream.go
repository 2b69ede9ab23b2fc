package captions

import (
	"slices"

	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
)

// SourceCaptionStream is the flush source of Done events emitted by
// CaptionStream.
const SourceCaptionStream = "CaptionStream"

// CaptionStream extracts cc_data from SEI units and feeds the CEA-608 and
// CEA-708 decoders. Byte pairs are held until a flush, then sorted by PTS
// and dispatched; the decoders' cues are re-emitted as *media.Caption Data.
type CaptionStream struct {
	event.Base

	packets []ccPacket
	cc608   [4]*Cea608Stream
	cc708   *Cea708Stream

	// Segments may be fetched twice. SEI units older than latestDTS are
	// dropped; numSameDTS counts units seen at latestDTS so the duplicates
	// of exactly that many can be skipped.
	latestDTS          int64
	hasLatestDTS       bool
	ignoreNextEqualDTS bool
	numSameDTS         int

	// Active CEA-608 data channel per field, -1 while text or XDS
	// service is active.
	activeChannel [2]int
}

// NewCaptionStream returns a CaptionStream. CEA-708 decoding is enabled
// with parse708.
func NewCaptionStream(parse708 bool) *CaptionStream {
	s := &CaptionStream{
		cc608: [4]*Cea608Stream{
			NewCea608Stream(0, 0),
			NewCea608Stream(0, 1),
			NewCea608Stream(1, 0),
			NewCea608Stream(1, 1),
		},
	}
	forward := func(p any) { s.Emit(event.Data, p) }
	warn := func(p any) { s.Emit(event.Log, p) }
	for _, cc := range s.cc608 {
		cc.Events().Subscribe(event.Data, forward)
		cc.Events().Subscribe(event.Log, warn)
	}
	if parse708 {
		s.cc708 = NewCea708Stream()
		s.cc708.Events().Subscribe(event.Data, forward)
		s.cc708.Events().Subscribe(event.Log, warn)
	}
	s.resetState()
	return s
}

// Push consumes *media.NalUnit values; only SEI units are examined.
func (s *CaptionStream) Push(v any) {
	nal, ok := v.(*media.NalUnit)
	if !ok || nal.Type != media.NalSEI {
		return
	}
	msg, ok := parseSEI(nal.RBSP)
	if !ok || msg.payloadType != userDataRegisteredITUT35 {
		return
	}
	userData := parseUserData(msg)
	if userData == nil {
		return
	}

	if s.hasLatestDTS {
		if nal.DTS < s.latestDTS {
			s.ignoreNextEqualDTS = true
			return
		}
		if nal.DTS == s.latestDTS && s.ignoreNextEqualDTS {
			s.numSameDTS--
			if s.numSameDTS <= 0 {
				s.ignoreNextEqualDTS = false
			}
			return
		}
	}

	s.packets = append(s.packets, parseCaptionPackets(nal.PTS, userData)...)
	if !s.hasLatestDTS || s.latestDTS != nal.DTS {
		s.numSameDTS = 0
	}
	s.numSameDTS++
	s.latestDTS = nal.DTS
	s.hasLatestDTS = true
}

// Flush dispatches buffered byte pairs and flushes every decoder.
func (s *CaptionStream) Flush(string) {
	s.dispatch()
	for _, cc := range s.cc608 {
		cc.Flush(SourceCaptionStream)
	}
	if s.cc708 != nil {
		s.cc708.Flush(SourceCaptionStream)
	}
	s.Emit(event.Done, SourceCaptionStream)
}

// PartialFlush dispatches buffered byte pairs without finishing the segment.
func (s *CaptionStream) PartialFlush(string) {
	s.dispatch()
	s.Emit(event.PartialDone, SourceCaptionStream)
}

// Reset drops buffered pairs, the deduplication state and every decoder's
// display memory.
func (s *CaptionStream) Reset(source string) {
	s.resetState()
	s.Emit(event.Reset, source)
}

// Discontinuity forgets the deduplication state so earlier timestamps are
// accepted again.
func (s *CaptionStream) Discontinuity() {
	s.hasLatestDTS = false
	s.ignoreNextEqualDTS = false
	s.numSameDTS = 0
}

func (s *CaptionStream) resetState() {
	s.packets = nil
	s.Discontinuity()
	s.activeChannel = [2]int{-1, -1}
	for _, cc := range s.cc608 {
		cc.reset()
	}
	if s.cc708 != nil {
		s.cc708.reset()
	}
}

func (s *CaptionStream) dispatch() {
	if len(s.packets) == 0 {
		return
	}
	slices.SortStableFunc(s.packets, func(a, b ccPacket) int {
		switch {
		case a.PTS < b.PTS:
			return -1
		case a.PTS > b.PTS:
			return 1
		}
		return 0
	})
	for _, p := range s.packets {
		if p.Type < 2 {
			s.dispatch608(p)
		} else if s.cc708 != nil {
			s.cc708.Push(p)
		}
	}
	s.packets = s.packets[:0]
}

// dispatch608 routes a pair to the active data channel of its field. Data
// following an XDS or text-mode code is discarded until a caption control
// code selects a channel again.
func (s *CaptionStream) dispatch608(p ccPacket) {
	field := p.Type
	switch {
	case setsTextOrXDSActive(p.CCData):
		s.activeChannel[field] = -1
	case setsChannel1Active(p.CCData):
		s.activeChannel[field] = 0
	case setsChannel2Active(p.CCData):
		s.activeChannel[field] = 1
	}
	ch := s.activeChannel[field]
	if ch < 0 {
		return
	}
	s.cc608[field<<1+ch].Push(p)
}

func setsChannel1Active(cc uint16) bool { return cc&0x7800 == 0x1000 }

func setsChannel2Active(cc uint16) bool { return cc&0x7800 == 0x1800 }

func setsTextOrXDSActive(cc uint16) bool {
	return cc&0x7100 == 0x0100 || cc&0x78FE == 0x102A || cc&0x78FE == 0x182A
}
