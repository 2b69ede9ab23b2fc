package main

import "github.com/zsiec/remux/internal/mpegts"

// stamp is the location of one PTS, DTS or PCR field inside a TS buffer.
type stamp struct {
	offset int
	pcr    bool
}

// timeline lists every timestamp field of a buffer and the span of its
// video presentation times in 90 kHz ticks. first is -1 when the buffer
// holds no video PES.
type timeline struct {
	stamps      []stamp
	first, last int64
}

// duration is the video span plus one frame of frameTicks.
func (tl timeline) duration(frameTicks int64) int64 {
	if tl.first < 0 {
		return 0
	}
	return tl.last - tl.first + frameTicks
}

// scanTimeline walks whole packets of data and records every PCR in an
// adaptation field and every PTS/DTS of an audio or video PES header.
func scanTimeline(data []byte) timeline {
	tl := timeline{first: -1}
	for off := 0; off+mpegts.PacketSize <= len(data); off += mpegts.PacketSize {
		pkt := data[off : off+mpegts.PacketSize]
		if pkt[0] != 0x47 {
			continue
		}
		pos := 4
		if pkt[3]&0x20 != 0 {
			afLen := int(pkt[4])
			if afLen >= 7 && pkt[5]&0x10 != 0 {
				tl.stamps = append(tl.stamps, stamp{offset: off + 6, pcr: true})
			}
			pos += 1 + afLen
		}
		if pkt[1]&0x40 == 0 || pkt[3]&0x10 == 0 || pos+14 > len(pkt) {
			continue
		}
		pes := pkt[pos:]
		if pes[0] != 0 || pes[1] != 0 || pes[2] != 1 {
			continue
		}
		sid := pes[3]
		video := sid >= 0xE0 && sid <= 0xEF
		if !video && (sid < 0xC0 || sid > 0xDF) {
			continue
		}
		flags := pes[7]
		if flags&0x80 != 0 {
			at := off + pos + 9
			tl.stamps = append(tl.stamps, stamp{offset: at})
			if video {
				pts := readPTS(data[at:])
				if tl.first < 0 || pts < tl.first {
					tl.first = pts
				}
				tl.last = max(tl.last, pts)
			}
		}
		if flags&0x40 != 0 && pos+19 <= len(pkt) {
			tl.stamps = append(tl.stamps, stamp{offset: off + pos + 14})
		}
	}
	return tl
}

// shift adds delta ticks to every field of tl in data.
func (tl timeline) shift(data []byte, delta int64) {
	for _, s := range tl.stamps {
		b := data[s.offset:]
		if s.pcr {
			writePCR(b, readPCR(b)+delta)
		} else {
			writePTS(b, readPTS(b)+delta)
		}
	}
}

func readPTS(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}

// writePTS keeps the '001x' prefix nibble of b[0] and sets the marker bits.
func writePTS(b []byte, pts int64) {
	pts &= 1<<33 - 1
	b[0] = b[0]&0xF0 | byte(pts>>29)&0x0E | 0x01
	b[1] = byte(pts >> 22)
	b[2] = byte(pts>>14)&0xFE | 0x01
	b[3] = byte(pts >> 7)
	b[4] = byte(pts<<1)&0xFE | 0x01
}

// readPCR returns the 33-bit base of a program clock reference.
func readPCR(b []byte) int64 {
	return int64(b[0])<<25 |
		int64(b[1])<<17 |
		int64(b[2])<<9 |
		int64(b[3])<<1 |
		int64(b[4]>>7)
}

// writePCR replaces the base and keeps the 9-bit extension.
func writePCR(b []byte, base int64) {
	base &= 1<<33 - 1
	ext := uint16(b[4]&0x01)<<8 | uint16(b[5])
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base&1)<<7 | 0x7E | byte(ext>>8)
	b[5] = byte(ext)
}
