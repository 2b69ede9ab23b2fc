package demux

import (
	"errors"

	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mpegts"
)

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("demux: invalid ADTS header")

// AAC sample rate index table (ISO 14496-3)
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// SampleRateIndex returns the sampling_frequency_index for rate, or -1.
func SampleRateIndex(rate int) int {
	for i, r := range aacSampleRates {
		if r == rate {
			return i
		}
	}
	return -1
}

const adtsHeaderSize = 7

type adtsHeader struct {
	headerSize             int
	frameLength            int
	sampleCount            int
	audioObjectType        int
	samplingFrequencyIndex int
	sampleRate             int
	channelCount           int
}

// isADTSSync reports whether buf starts with the 12-bit sync word and
// layer 0.
func isADTSSync(buf []byte) bool {
	return len(buf) >= 2 && buf[0] == 0xFF && buf[1]&0xF6 == 0xF0
}

// parseADTSHeader reads the fixed and variable ADTS header at the start of
// buf. buf must hold at least adtsHeaderSize bytes.
func parseADTSHeader(buf []byte) (adtsHeader, error) {
	if len(buf) < adtsHeaderSize || !isADTSSync(buf) {
		return adtsHeader{}, ErrInvalidADTS
	}
	h := adtsHeader{
		headerSize:             adtsHeaderSize + int(^buf[1]&0x01)*2,
		frameLength:            int(buf[3]&0x03)<<11 | int(buf[4])<<3 | int(buf[5]&0xE0)>>5,
		sampleCount:            (int(buf[6]&0x03) + 1) * 1024,
		audioObjectType:        int(buf[2]>>6&0x03) + 1,
		samplingFrequencyIndex: int(buf[2]&0x3C) >> 2,
		channelCount:           int(buf[2]&0x01)<<2 | int(buf[3]&0xC0)>>6,
	}
	if h.samplingFrequencyIndex >= len(aacSampleRates) || h.frameLength < h.headerSize {
		return adtsHeader{}, ErrInvalidADTS
	}
	h.sampleRate = aacSampleRates[h.samplingFrequencyIndex]
	return h, nil
}

// AdtsStream unpacks ADTS frames from audio PES units. Frames may span PES
// boundaries. The n-th frame of a PES is stamped with the PES timestamps
// plus n frame durations. It emits *media.AudioFrame values holding the raw
// AAC payload without the ADTS header.
type AdtsStream struct {
	event.Base

	buf                   []byte
	frameNum              int64
	handlePartialSegments bool
}

// NewAdtsStream returns an AdtsStream. With handlePartialSegments set, the
// frame counter keeps running across PES units until the next flush, as a
// partial segment may cut a PES in several pushes.
func NewAdtsStream(handlePartialSegments bool) *AdtsStream {
	return &AdtsStream{handlePartialSegments: handlePartialSegments}
}

// Push consumes audio *mpegts.PES units.
func (s *AdtsStream) Push(v any) {
	pes, ok := v.(*mpegts.PES)
	if !s.handlePartialSegments {
		s.frameNum = 0
	}
	if !ok || pes.Type != media.Audio {
		return
	}

	buf := pes.Data
	if len(s.buf) > 0 {
		buf = make([]byte, len(s.buf)+len(pes.Data))
		copy(buf, s.buf)
		copy(buf[len(s.buf):], pes.Data)
	}

	i, skip := 0, -1
	for i+adtsHeaderSize < len(buf) {
		h, err := parseADTSHeader(buf[i:])
		if err != nil {
			if skip < 0 {
				skip = i
			}
			i++
			continue
		}
		if skip >= 0 {
			s.skipWarn(skip, i)
			skip = -1
		}
		if len(buf)-i < h.frameLength {
			break
		}

		offset := s.frameNum * int64(h.sampleCount) * media.OneSecondInTS / int64(h.sampleRate)
		s.Emit(event.Data, &media.AudioFrame{
			PTS:                    pes.PTS + offset,
			DTS:                    pes.DTS + offset,
			SampleCount:            h.sampleCount,
			AudioObjectType:        h.audioObjectType,
			ChannelCount:           h.channelCount,
			SampleRate:             h.sampleRate,
			SamplingFrequencyIndex: h.samplingFrequencyIndex,
			SampleSize:             16,
			Data:                   buf[i+h.headerSize : i+h.frameLength],
		})
		s.frameNum++
		i += h.frameLength
	}
	if skip >= 0 {
		s.skipWarn(skip, i)
	}

	s.buf = append(s.buf[:0:0], buf[i:]...)
}

func (s *AdtsStream) skipWarn(start, end int) {
	s.Warn("adts", "skipping bytes outside syncword", "start", start, "end", end, "frame", s.frameNum)
}

// Flush restarts the frame counter.
func (s *AdtsStream) Flush(source string) {
	s.frameNum = 0
	s.Emit(event.Done, source)
}

// EndTimeline drops buffered bytes.
func (s *AdtsStream) EndTimeline(source string) {
	s.buf = nil
	s.Emit(event.EndedTimeline, source)
}

// Reset drops buffered bytes.
func (s *AdtsStream) Reset(source string) {
	s.buf = nil
	s.Emit(event.Reset, source)
}
