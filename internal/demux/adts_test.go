package demux

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mpegts"
)

// buildADTS wraps payload in an ADTS header for AAC-LC.
func buildADTS(freqIdx, channels int, crc bool, payload []byte) []byte {
	headerSize := 7
	protectionAbsent := byte(1)
	if crc {
		headerSize = 9
		protectionAbsent = 0
	}
	frameLen := headerSize + len(payload)
	hdr := []byte{
		0xFF,
		0xF0 | protectionAbsent,
		1<<6 | byte(freqIdx)<<2 | byte(channels>>2)&0x01,
		byte(channels&0x03)<<6 | byte(frameLen>>11)&0x03,
		byte(frameLen >> 3),
		byte(frameLen&0x07)<<5 | 0x1F,
		0xFC,
	}
	if crc {
		hdr = append(hdr, 0x00, 0x00)
	}
	return append(hdr, payload...)
}

func TestParseADTSHeader(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		freqIdx    int
		channels   int
		crc        bool
		wantRate   int
		wantHeader int
	}{
		{"44.1kHz stereo", 4, 2, false, 44100, 7},
		{"48kHz mono", 3, 1, false, 48000, 7},
		{"48kHz 5.1 with crc", 3, 6, true, 48000, 9},
		{"8kHz stereo", 11, 2, false, 8000, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			frame := buildADTS(tt.freqIdx, tt.channels, tt.crc, make([]byte, 100))
			h, err := parseADTSHeader(frame)
			if err != nil {
				t.Fatalf("parseADTSHeader error: %v", err)
			}
			if h.sampleRate != tt.wantRate {
				t.Errorf("sampleRate = %d, want %d", h.sampleRate, tt.wantRate)
			}
			if h.channelCount != tt.channels {
				t.Errorf("channelCount = %d, want %d", h.channelCount, tt.channels)
			}
			if h.headerSize != tt.wantHeader {
				t.Errorf("headerSize = %d, want %d", h.headerSize, tt.wantHeader)
			}
			if h.frameLength != len(frame) {
				t.Errorf("frameLength = %d, want %d", h.frameLength, len(frame))
			}
			if h.audioObjectType != 2 {
				t.Errorf("audioObjectType = %d, want 2", h.audioObjectType)
			}
			if h.sampleCount != 1024 {
				t.Errorf("sampleCount = %d, want 1024", h.sampleCount)
			}
		})
	}
}

func TestParseADTSHeader_Invalid(t *testing.T) {
	t.Parallel()
	badRate := buildADTS(13, 2, false, make([]byte, 10))
	short := buildADTS(4, 2, false, nil)
	short[4], short[5] = 0, 0x1F // frame length 0
	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{0xFF, 0xF1, 0x50}},
		{"no sync", []byte{0xFF, 0xE1, 0x50, 0x80, 0x10, 0x1F, 0xFC}},
		{"mp3 layer bits", []byte{0xFF, 0xFB, 0x50, 0x80, 0x10, 0x1F, 0xFC}},
		{"reserved sample rate", badRate},
		{"frame shorter than header", short},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := parseADTSHeader(tt.data); !errors.Is(err, ErrInvalidADTS) {
				t.Errorf("error = %v, want ErrInvalidADTS", err)
			}
		})
	}
}

func TestSampleRateIndex(t *testing.T) {
	t.Parallel()
	for i, rate := range aacSampleRates {
		if got := SampleRateIndex(rate); got != i {
			t.Errorf("SampleRateIndex(%d) = %d, want %d", rate, got, i)
		}
	}
	if got := SampleRateIndex(12345); got != -1 {
		t.Errorf("SampleRateIndex(12345) = %d, want -1", got)
	}
}

func TestAdtsStream_StampsFramesWithinPES(t *testing.T) {
	t.Parallel()
	s := NewAdtsStream(false)
	frames := collect[*media.AudioFrame](s)

	var data []byte
	for i := 0; i < 3; i++ {
		data = append(data, buildADTS(3, 2, false, bytes.Repeat([]byte{byte(i + 1)}, 20))...)
	}
	s.Push(&mpegts.PES{Type: media.Audio, PTS: 90000, DTS: 90000, Data: data})

	got := *frames
	if len(got) != 3 {
		t.Fatalf("frames = %d, want 3", len(got))
	}
	for i, f := range got {
		// 1024 samples at 48kHz is 1920 ticks.
		if want := int64(90000 + i*1920); f.PTS != want || f.DTS != want {
			t.Errorf("frame %d pts/dts = %d/%d, want %d", i, f.PTS, f.DTS, want)
		}
		if len(f.Data) != 20 || f.Data[0] != byte(i+1) {
			t.Errorf("frame %d payload = % X", i, f.Data)
		}
		if f.SampleRate != 48000 || f.ChannelCount != 2 || f.SamplingFrequencyIndex != 3 || f.SampleSize != 16 {
			t.Errorf("frame %d config = %+v", i, f)
		}
	}
}

func TestAdtsStream_StripsCRC(t *testing.T) {
	t.Parallel()
	s := NewAdtsStream(false)
	frames := collect[*media.AudioFrame](s)
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	s.Push(&mpegts.PES{Type: media.Audio, Data: append(buildADTS(4, 2, true, payload), 0x00)})
	if len(*frames) != 1 || !bytes.Equal((*frames)[0].Data, payload) {
		t.Fatalf("frames = %+v, want one with payload % X", *frames, payload)
	}
}

func TestAdtsStream_FrameSpansPES(t *testing.T) {
	t.Parallel()
	s := NewAdtsStream(false)
	frames := collect[*media.AudioFrame](s)

	first := buildADTS(3, 2, false, bytes.Repeat([]byte{0x01}, 40))
	second := buildADTS(3, 2, false, bytes.Repeat([]byte{0x02}, 40))
	joined := append(append([]byte{}, first...), second...)
	cut := len(first) + 20

	s.Push(&mpegts.PES{Type: media.Audio, PTS: 1000, DTS: 1000, Data: joined[:cut]})
	if len(*frames) != 1 {
		t.Fatalf("frames after first PES = %d, want 1", len(*frames))
	}
	s.Push(&mpegts.PES{Type: media.Audio, PTS: 5000, DTS: 5000, Data: joined[cut:]})
	if len(*frames) != 2 {
		t.Fatalf("frames after second PES = %d, want 2", len(*frames))
	}
	f := (*frames)[1]
	if f.PTS != 5000 {
		t.Errorf("spanning frame pts = %d, want the second PES pts 5000", f.PTS)
	}
	if !bytes.Equal(f.Data, bytes.Repeat([]byte{0x02}, 40)) {
		t.Errorf("spanning frame payload = % X", f.Data)
	}
}

func TestAdtsStream_PartialSegmentsKeepFrameCount(t *testing.T) {
	t.Parallel()
	s := NewAdtsStream(true)
	frames := collect[*media.AudioFrame](s)
	frame := append(buildADTS(3, 2, false, make([]byte, 10)), 0x00)

	s.Push(&mpegts.PES{Type: media.Audio, Data: frame})
	s.Push(&mpegts.PES{Type: media.Audio, Data: frame[:len(frame)-1]})
	s.Push(&mpegts.PES{Type: media.Audio, Data: []byte{0x00}})
	if len(*frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(*frames))
	}
	if got := (*frames)[1].PTS; got != 1920 {
		t.Errorf("second frame pts = %d, want 1920", got)
	}

	s.Flush("test")
	s.Push(&mpegts.PES{Type: media.Audio, Data: frame})
	if got := (*frames)[2].PTS; got != 0 {
		t.Errorf("pts after flush = %d, want 0", got)
	}
}

func TestAdtsStream_SkipsGarbageWithWarning(t *testing.T) {
	t.Parallel()
	s := NewAdtsStream(false)
	frames := collect[*media.AudioFrame](s)
	var diags []event.Diagnostic
	s.Events().Subscribe(event.Log, func(p any) { diags = append(diags, p.(event.Diagnostic)) })

	data := append([]byte{0x12, 0x34, 0x56}, buildADTS(4, 2, false, make([]byte, 16))...)
	data = append(data, 0x00)
	s.Push(&mpegts.PES{Type: media.Audio, Data: data})

	if len(*frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(*frames))
	}
	if len(diags) != 1 {
		t.Fatalf("warnings = %d, want 1", len(diags))
	}
	if diags[0].Stream != "adts" {
		t.Errorf("warning stream = %q, want adts", diags[0].Stream)
	}
}

func TestAdtsStream_ResetDropsPartialFrame(t *testing.T) {
	t.Parallel()
	s := NewAdtsStream(false)
	frames := collect[*media.AudioFrame](s)
	frame := buildADTS(3, 2, false, make([]byte, 30))

	s.Push(&mpegts.PES{Type: media.Audio, Data: frame[:20]})
	s.Reset("test")
	s.Push(&mpegts.PES{Type: media.Audio, Data: append(frame[20:], 0x00)})
	if len(*frames) != 0 {
		t.Errorf("frames = %d, want 0 after reset", len(*frames))
	}
}
