package demux

import (
	"bytes"
	"testing"

	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mpegts"
)

// buildID3 returns an ID3v2.4 tag with body as its frame data.
func buildID3(body []byte) []byte {
	n := len(body)
	tag := []byte{'I', 'D', '3', 0x04, 0x00, 0x00,
		byte(n>>21) & 0x7F, byte(n>>14) & 0x7F, byte(n>>7) & 0x7F, byte(n) & 0x7F}
	return append(tag, body...)
}

func TestID3TagSize(t *testing.T) {
	t.Parallel()
	tag := buildID3(make([]byte, 300))
	if got := id3TagSize(tag); got != 310 {
		t.Errorf("id3TagSize = %d, want 310", got)
	}
	tag[5] |= 0x10 // footer present
	if got := id3TagSize(tag); got != 320 {
		t.Errorf("id3TagSize with footer = %d, want 320", got)
	}
}

func TestIsLikelyAAC(t *testing.T) {
	t.Parallel()
	adts := buildADTS(4, 2, false, make([]byte, 8))
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"adts", adts, true},
		{"id3 then adts", append(buildID3(make([]byte, 20)), adts...), true},
		{"two id3 tags then adts", append(append(buildID3(nil), buildID3([]byte{1, 2})...), adts...), true},
		{"mp3 frame", []byte{0xFF, 0xFB, 0x90, 0x64}, false},
		{"transport stream", []byte{0x47, 0x40, 0x00, 0x10}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsLikelyAAC(tt.data); got != tt.want {
				t.Errorf("IsLikelyAAC() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAacStream_SplitsTagsAndFrames(t *testing.T) {
	t.Parallel()
	tag := buildID3(bytes.Repeat([]byte{0x55}, 40))
	frame1 := buildADTS(4, 2, false, bytes.Repeat([]byte{0x01}, 30))
	frame2 := buildADTS(4, 2, false, bytes.Repeat([]byte{0x02}, 30))
	file := append(append(append([]byte{}, tag...), frame1...), frame2...)

	for _, chunk := range []int{1, 7, 64, len(file)} {
		s := NewAacStream()
		units := collect[*mpegts.PES](s)
		s.SetTimestamp(180000)
		for off := 0; off < len(file); off += chunk {
			end := min(off+chunk, len(file))
			s.Push(file[off:end])
		}

		got := *units
		if len(got) != 3 {
			t.Fatalf("chunk %d: units = %d, want 3", chunk, len(got))
		}
		if got[0].Type != media.TimedMetadata || !bytes.Equal(got[0].Data, tag) {
			t.Errorf("chunk %d: first unit = %s len %d, want the ID3 tag", chunk, got[0].Type, len(got[0].Data))
		}
		for i, want := range [][]byte{frame1, frame2} {
			u := got[i+1]
			if u.Type != media.Audio || !bytes.Equal(u.Data, want) {
				t.Errorf("chunk %d: unit %d = %s len %d", chunk, i+1, u.Type, len(u.Data))
			}
			if u.PTS != 180000 || u.DTS != 180000 || !u.HasPTS {
				t.Errorf("chunk %d: unit %d pts/dts = %d/%d", chunk, i+1, u.PTS, u.DTS)
			}
		}
	}
}

func TestAacStream_SkipsJunkBetweenFrames(t *testing.T) {
	t.Parallel()
	s := NewAacStream()
	units := collect[*mpegts.PES](s)
	frame := buildADTS(4, 2, false, make([]byte, 12))

	data := append([]byte{0x00, 0x11, 0x22}, frame...)
	data = append(data, 0x33)
	data = append(data, frame...)
	s.Push(data)
	if len(*units) != 2 {
		t.Errorf("units = %d, want 2", len(*units))
	}
}

func TestAacStream_ResetDropsPartialTag(t *testing.T) {
	t.Parallel()
	s := NewAacStream()
	units := collect[*mpegts.PES](s)
	tag := buildID3(make([]byte, 50))

	s.Push(tag[:30])
	s.Reset("test")
	s.Push(tag[30:])
	if len(*units) != 0 {
		t.Errorf("units = %d, want 0 after reset", len(*units))
	}
}
