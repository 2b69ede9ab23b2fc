package captions

import (
	"fmt"

	"github.com/zsiec/ccx"

	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
)

// maxCaptionServices is the number of standard CEA-708 caption services.
const maxCaptionServices = 6

type serviceState struct {
	svc      *ccx.CEA708Service
	text     string
	startPTS int64
}

// Cea708Stream reassembles DTVCC packets from cc_type 2 and 3 byte pairs
// and decodes their service blocks. A cue named SERVICEn is emitted each
// time the visible text of service n changes, spanning from when that text
// appeared until it was replaced or cleared.
type Cea708Stream struct {
	event.Base

	buf      []byte
	pts      int64
	services map[int]*serviceState
}

// NewCea708Stream returns a decoder for services 1 through 6.
func NewCea708Stream() *Cea708Stream {
	s := &Cea708Stream{}
	s.reset()
	return s
}

// Push consumes a ccPacket of type 2 or 3.
func (s *Cea708Stream) Push(v any) {
	p, ok := v.(ccPacket)
	if !ok || p.Type < 2 {
		return
	}
	if p.Type == 3 {
		s.drain()
		s.buf = s.buf[:0]
	}
	if len(s.buf) == 0 {
		s.pts = p.PTS
	}
	s.buf = append(s.buf, byte(p.CCData>>8), byte(p.CCData))
}

// drain decodes the buffered DTVCC packet once it is complete.
func (s *Cea708Stream) drain() {
	if len(s.buf) < 1 {
		return
	}
	size := ccx.DTVCCPacketSize(s.buf[0])
	if len(s.buf) < size {
		s.Warn("cea708", "dropping truncated DTVCC packet", "have", len(s.buf), "want", size)
		return
	}
	for _, block := range ccx.ParseDTVCCPacket(s.buf[:size]) {
		st := s.services[block.ServiceNum]
		if st == nil {
			continue
		}
		if !st.svc.ProcessBlock(block.Data) {
			continue
		}
		text := st.svc.DisplayText()
		if text == st.text {
			continue
		}
		s.emitCue(block.ServiceNum, st, s.pts)
		st.text = text
		st.startPTS = s.pts
	}
}

func (s *Cea708Stream) emitCue(service int, st *serviceState, end int64) {
	if st.text == "" {
		return
	}
	s.Emit(event.Data, &media.Caption{
		StartPTS: st.startPTS,
		EndPTS:   end,
		Text:     st.text,
		Stream:   fmt.Sprintf("SERVICE%d", service),
	})
}

// Flush decodes any complete buffered packet and emits Done. Text still on
// display stays pending until it changes.
func (s *Cea708Stream) Flush(source string) {
	s.drain()
	s.buf = s.buf[:0]
	s.Emit(event.Done, source)
}

// Reset drops buffered bytes and service state.
func (s *Cea708Stream) Reset(source string) {
	s.reset()
	s.Emit(event.Reset, source)
}

func (s *Cea708Stream) reset() {
	s.buf = nil
	s.pts = 0
	s.services = make(map[int]*serviceState, maxCaptionServices)
	for n := 1; n <= maxCaptionServices; n++ {
		s.services[n] = &serviceState{svc: ccx.NewCEA708Service()}
	}
}
