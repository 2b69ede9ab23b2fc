// Package id3 parses ID3v2 timed-metadata tags carried in transport stream
// PES packets or interleaved with raw AAC.
package id3

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mpegts"
)

// ErrMalformedFrame is returned when a frame header declares a size that
// cannot be right.
var ErrMalformedFrame = errors.New("id3: malformed frame")

const (
	headerSize      = 10
	frameHeaderSize = 10

	// Text encoding byte of frames that carry one (ID3v2.4.0 section 4).
	encodingLatin1  = 0x00
	encodingUTF16   = 0x01
	encodingUTF16BE = 0x02
	encodingUTF8    = 0x03

	// TransportStreamTimestampOwner is the PRIV owner of the frame that
	// gives the MPEG-2 timestamp of the first sample of a raw AAC stream.
	TransportStreamTimestampOwner = "com.apple.streaming.transportStreamTimestamp"
)

func syncSafe(b []byte) int {
	return int(b[0]&0x7F)<<21 | int(b[1]&0x7F)<<14 | int(b[2]&0x7F)<<7 | int(b[3]&0x7F)
}

// MetadataStream reassembles ID3 tags from timed-metadata PES units and
// emits them as *media.ID3Tag Data. A Timestamp event carrying the
// *media.ID3Frame is emitted for the transport stream timestamp PRIV frame.
type MetadataStream struct {
	event.Base

	dispatchType string
	buffer       []*mpegts.PES
	bufferSize   int
	tagSize      int
}

// NewMetadataStream returns a MetadataStream. descriptor holds the PMT
// descriptor bytes of the metadata stream, if any; they extend the
// in-band track dispatch type.
func NewMetadataStream(descriptor []byte) *MetadataStream {
	dispatchType := fmt.Sprintf("%x", mpegts.StreamTypeMetadata)
	for _, b := range descriptor {
		dispatchType += fmt.Sprintf("%02x", b)
	}
	return &MetadataStream{dispatchType: dispatchType}
}

// DispatchType returns the in-band metadata track dispatch type.
func (s *MetadataStream) DispatchType() string { return s.dispatchType }

// Push consumes timed-metadata *mpegts.PES units.
func (s *MetadataStream) Push(v any) {
	chunk, ok := v.(*mpegts.PES)
	if !ok || chunk.Type != media.TimedMetadata {
		return
	}

	// An aligned unit starts a new tag; whatever is buffered was malformed.
	if chunk.DataAlignmentIndicator {
		s.buffer = nil
		s.bufferSize = 0
	}

	if len(s.buffer) == 0 && (len(chunk.Data) < headerSize || !bytes.HasPrefix(chunk.Data, []byte("ID3"))) {
		s.Warn("id3", "skipping unrecognized metadata packet", "size", len(chunk.Data))
		return
	}

	s.buffer = append(s.buffer, chunk)
	s.bufferSize += len(chunk.Data)
	if len(s.buffer) == 1 {
		s.tagSize = syncSafe(chunk.Data[6:10]) + headerSize
	}
	if s.bufferSize < s.tagSize {
		return
	}

	first := s.buffer[0]
	data := make([]byte, 0, s.tagSize)
	for len(data) < s.tagSize && len(s.buffer) > 0 {
		d := s.buffer[0].Data
		data = append(data, d[:min(len(d), s.tagSize-len(data))]...)
		s.bufferSize -= len(d)
		s.buffer = s.buffer[1:]
	}

	tag := &media.ID3Tag{
		Data:         data,
		DispatchType: s.dispatchType,
	}
	hasPTS := first.HasPTS
	if hasPTS {
		tag.PTS, tag.DTS = first.PTS, first.DTS
	}

	frames, err := ParseFrames(data)
	if err != nil {
		s.Warn("id3", "truncating metadata parsing", "error", err, "frames", len(frames))
	}
	for _, f := range frames {
		if !f.HasTimeStamp {
			continue
		}
		// Raw AAC carries no timestamps of its own; the tag takes its
		// time from the frame.
		if !hasPTS {
			tag.PTS, tag.DTS = f.TimeStamp, f.TimeStamp
			hasPTS = true
		}
		s.Emit(event.Timestamp, f)
	}
	tag.Frames = frames
	s.Emit(event.Data, tag)
}

// Reset drops any partially buffered tag.
func (s *MetadataStream) Reset(source string) {
	s.buffer = nil
	s.bufferSize = 0
	s.tagSize = 0
	s.Emit(event.Reset, source)
}

// ParseFrames decodes the frames of a complete ID3v2 tag, header included.
// On a malformed frame it returns the frames before it along with the error.
func ParseFrames(tag []byte) ([]*media.ID3Frame, error) {
	if len(tag) < headerSize {
		return nil, fmt.Errorf("%w: tag of %d bytes", ErrMalformedFrame, len(tag))
	}
	tagSize := len(tag)
	frameStart := headerSize
	if tag[5]&0x40 != 0 {
		// Skip the extended header and clip the padding it declares.
		if len(tag) < 20 {
			return nil, fmt.Errorf("%w: truncated extended header", ErrMalformedFrame)
		}
		frameStart += 4 + syncSafe(tag[10:14])
		tagSize -= syncSafe(tag[16:20])
	}

	var frames []*media.ID3Frame
	for frameStart < tagSize {
		if frameStart+frameHeaderSize > len(tag) {
			return frames, fmt.Errorf("%w: frame header at %d beyond tag end", ErrMalformedFrame, frameStart)
		}
		frameSize := syncSafe(tag[frameStart+4 : frameStart+8])
		if frameSize < 1 {
			return frames, fmt.Errorf("%w: frame size %d at %d", ErrMalformedFrame, frameSize, frameStart)
		}
		bodyStart := frameStart + frameHeaderSize
		f := &media.ID3Frame{
			ID:   string(tag[frameStart : frameStart+4]),
			Data: tag[bodyStart:min(bodyStart+frameSize, len(tag))],
		}
		parseFrame(f)
		frames = append(frames, f)
		frameStart = bodyStart + frameSize
	}
	return frames, nil
}

func parseFrame(f *media.ID3Frame) {
	switch {
	case f.ID == "TXXX":
		if len(f.Data) == 0 {
			return
		}
		desc, value, ok := splitText(f.Data[0], f.Data[1:])
		if ok {
			f.Description = decodeText(f.Data[0], desc)
			f.Value = strings.TrimRight(decodeText(f.Data[0], value), "\x00")
		}

	case f.ID == "WXXX":
		if len(f.Data) == 0 {
			return
		}
		desc, url, ok := splitText(f.Data[0], f.Data[1:])
		if ok {
			f.Description = decodeText(f.Data[0], desc)
			f.URL = strings.TrimRight(decodeText(encodingLatin1, url), "\x00")
		}

	case f.ID == "PRIV":
		i := bytes.IndexByte(f.Data, 0)
		if i < 0 {
			f.Data = nil
			return
		}
		f.Owner = decodeText(encodingLatin1, f.Data[:i])
		f.Data = f.Data[i+1:]
		if f.Owner == TransportStreamTimestampOwner && len(f.Data) >= 8 {
			f.TimeStamp = transportStreamTimestamp(f.Data)
			f.HasTimeStamp = true
		}

	case strings.HasPrefix(f.ID, "T"):
		if len(f.Data) == 0 {
			return
		}
		f.Value = strings.TrimRight(decodeText(f.Data[0], f.Data[1:]), "\x00")
	}
}

// splitText splits b at the first string terminator of encoding enc.
func splitText(enc byte, b []byte) (head, tail []byte, ok bool) {
	if enc != encodingUTF16 && enc != encodingUTF16BE {
		i := bytes.IndexByte(b, 0)
		if i < 0 {
			return nil, nil, false
		}
		return b[:i], b[i+1:], true
	}
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			return b[:i], b[i+2:], true
		}
	}
	return nil, nil, false
}

// decodeText returns b decoded per the ID3 text encoding byte enc. Unknown
// encodings and undecodable bytes yield an empty string.
func decodeText(enc byte, b []byte) string {
	var dec *encoding.Decoder
	switch enc {
	case encodingLatin1:
		dec = charmap.ISO8859_1.NewDecoder()
	case encodingUTF16:
		dec = unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
	case encodingUTF16BE:
		dec = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	case encodingUTF8:
		return string(b)
	default:
		return ""
	}
	out, err := dec.Bytes(b)
	if err != nil {
		return ""
	}
	return string(out)
}

// transportStreamTimestamp decodes the 33-bit timestamp stored
// big-endian in the last five of eight bytes.
func transportStreamTimestamp(d []byte) int64 {
	return int64(d[3]&0x01)<<32 |
		int64(d[4])<<24 |
		int64(d[5])<<16 |
		int64(d[6])<<8 |
		int64(d[7])
}
