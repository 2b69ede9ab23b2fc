package demux

import (
	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mpegts"
)

const id3HeaderSize = 10

// id3TagSize returns the full size of the ID3v2 tag starting at buf: the
// sync-safe body size plus the header, and the footer when flagged.
func id3TagSize(buf []byte) int {
	size := int(buf[6]&0x7F)<<21 | int(buf[7]&0x7F)<<14 | int(buf[8]&0x7F)<<7 | int(buf[9]&0x7F)
	if buf[5]&0x10 != 0 {
		return size + 2*id3HeaderSize
	}
	return size + id3HeaderSize
}

func isID3(buf []byte) bool {
	return len(buf) >= 3 && buf[0] == 'I' && buf[1] == 'D' && buf[2] == '3'
}

// id3Offset skips every complete ID3 tag at the start of data.
func id3Offset(data []byte) int {
	offset := 0
	for len(data)-offset >= id3HeaderSize && isID3(data[offset:]) {
		offset += id3TagSize(data[offset:])
	}
	return offset
}

// IsLikelyAAC reports whether data looks like a raw ADTS stream, possibly
// preceded by ID3 tags. The layer bits must be zero, which rules out MP3.
func IsLikelyAAC(data []byte) bool {
	offset := id3Offset(data)
	return len(data) >= offset+2 &&
		data[offset] == 0xFF &&
		data[offset+1]&0xF0 == 0xF0 &&
		data[offset+1]&0x16 == 0x10
}

// AacStream splits a raw AAC file into whole ID3 tags and whole ADTS frames.
// Tags are emitted as timed metadata units; frames as audio units stamped
// with the timestamp most recently set through SetTimestamp, normally taken
// from an ID3 PRIV transport stream timestamp. It emits *mpegts.PES values.
type AacStream struct {
	event.Base

	buf       []byte
	timestamp int64
}

// NewAacStream returns an AacStream starting at timestamp zero.
func NewAacStream() *AacStream {
	return &AacStream{}
}

// SetTimestamp sets the timestamp of subsequent audio units.
func (s *AacStream) SetTimestamp(ts int64) { s.timestamp = ts }

// Push consumes a chunk of the AAC file.
func (s *AacStream) Push(v any) {
	chunk, ok := v.([]byte)
	if !ok {
		return
	}
	everything := chunk
	if len(s.buf) > 0 {
		everything = make([]byte, len(s.buf)+len(chunk))
		copy(everything, s.buf)
		copy(everything[len(s.buf):], chunk)
	}

	i := 0
scan:
	for len(everything)-i >= 3 {
		rest := everything[i:]
		switch {
		case isID3(rest):
			if len(rest) < id3HeaderSize {
				break scan
			}
			size := id3TagSize(rest)
			if size > len(rest) {
				break scan
			}
			s.Emit(event.Data, &mpegts.PES{Type: media.TimedMetadata, Data: rest[:size]})
			i += size
			continue
		case rest[0] == 0xFF && rest[1]&0xF0 == 0xF0:
			if len(rest) < adtsHeaderSize {
				break scan
			}
			size := int(rest[3]&0x03)<<11 | int(rest[4])<<3 | int(rest[5]&0xE0)>>5
			if size >= adtsHeaderSize {
				if size > len(rest) {
					break scan
				}
				s.Emit(event.Data, &mpegts.PES{
					Type:   media.Audio,
					Data:   rest[:size],
					PTS:    s.timestamp,
					DTS:    s.timestamp,
					HasPTS: true,
				})
				i += size
				continue
			}
		}
		i++
	}

	s.buf = append(s.buf[:0:0], everything[i:]...)
}

// EndTimeline drops buffered bytes.
func (s *AacStream) EndTimeline(source string) {
	s.buf = nil
	s.Emit(event.EndedTimeline, source)
}

// Reset drops buffered bytes.
func (s *AacStream) Reset(source string) {
	s.buf = nil
	s.Emit(event.Reset, source)
}
