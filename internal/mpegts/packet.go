package mpegts

import (
	"fmt"

	"github.com/zsiec/remux/internal/event"
)

const (
	packetSize = 188
	syncByte   = 0x47
)

// PacketStream splits an arbitrarily chunked byte stream into 188-byte
// packets. A packet is emitted only when a sync byte sits at its start and at
// the start of the following packet; otherwise the scan advances one byte at
// a time. Trailing bytes are carried into the next Push.
//
// Push takes ownership of the chunk: emitted packets may alias it.
type PacketStream struct {
	event.Base
	buf []byte
}

// NewPacketStream returns an empty PacketStream.
func NewPacketStream() *PacketStream {
	return &PacketStream{buf: make([]byte, 0, packetSize)}
}

// Push consumes a chunk of transport stream bytes.
func (s *PacketStream) Push(v any) {
	chunk, ok := v.([]byte)
	if !ok {
		return
	}

	everything := chunk
	if len(s.buf) > 0 {
		everything = make([]byte, len(s.buf)+len(chunk))
		copy(everything, s.buf)
		copy(everything[len(s.buf):], chunk)
		s.buf = s.buf[:0]
	}

	start, end := 0, packetSize
	for end < len(everything) {
		if everything[start] == syncByte && everything[end] == syncByte {
			s.Emit(event.Data, everything[start:end])
			start += packetSize
			end += packetSize
			continue
		}
		start++
		end++
	}

	if start < len(everything) {
		s.buf = append(s.buf, everything[start:]...)
	}
}

// Flush emits a buffered packet if exactly one complete, synced packet is
// held. Anything else stays buffered for the next segment.
func (s *PacketStream) Flush(source string) {
	if len(s.buf) == packetSize && s.buf[0] == syncByte {
		pkt := make([]byte, packetSize)
		copy(pkt, s.buf)
		s.buf = s.buf[:0]
		s.Emit(event.Data, pkt)
	}
	s.Emit(event.Done, source)
}

// EndTimeline flushes and signals the end of the timeline.
func (s *PacketStream) EndTimeline(source string) {
	s.Flush(source)
	s.Emit(event.EndedTimeline, source)
}

// Reset drops buffered bytes.
func (s *PacketStream) Reset(source string) {
	s.buf = s.buf[:0]
	s.Emit(event.Reset, source)
}

// Buffered reports how many bytes are held for the next Push.
func (s *PacketStream) Buffered() int { return len(s.buf) }

func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != packetSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), packetSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4

	if p.Header.HasAdaptationField {
		afLen := int(buf[offset])
		if afLen > 0 && offset+1 < packetSize {
			p.Header.DiscontinuityIndicator = buf[offset+1]&0x80 != 0
		}
		offset += 1 + afLen
		if offset > packetSize {
			offset = packetSize
		}
	}

	// Payload aliases buf; PES and PSI parsing never write to it.
	p.Payload = buf[offset:]
	return p, nil
}

// PacketSize is the size of a transport stream packet.
const PacketSize = packetSize

// IsRandomAccess reports whether pkt opens a PES at a random access point:
// it is in sync, has payload_unit_start_indicator set and an adaptation
// field with random_access_indicator set.
func IsRandomAccess(pkt []byte) bool {
	if len(pkt) < 6 || pkt[0] != syncByte {
		return false
	}
	pusi := pkt[1]&0x40 != 0
	hasAF := pkt[3]&0x20 != 0
	return pusi && hasAF && pkt[4] > 0 && pkt[5]&0x40 != 0
}
