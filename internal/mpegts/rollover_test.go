package mpegts

import (
	"testing"

	"github.com/zsiec/remux/internal/media"
)

func TestHandleRollover(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		value     int64
		reference int64
		want      int64
	}{
		{"no rollover", 90000, 0, 90000},
		{"forward wrap", 100, maxTS - 1000, maxTS + 100},
		{"backward wrap", maxTS - 100, 1000, -100},
		{"already unwrapped", maxTS + 100, maxTS - 1000, maxTS + 100},
		{"two wraps ahead", 500, 2*maxTS + 100, 2*maxTS + 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HandleRollover(tt.value, tt.reference)
			if got != tt.want {
				t.Errorf("HandleRollover(%d, %d) = %d, want %d", tt.value, tt.reference, got, tt.want)
			}
			if again := HandleRollover(got, tt.reference); again != got {
				t.Errorf("not idempotent: %d then %d", got, again)
			}
			if abs(got-tt.reference) > rolloverThreshold {
				t.Errorf("result %d more than 2^32 from reference", got)
			}
		})
	}
}

func TestRolloverStream_ReferenceCarriesAcrossFlush(t *testing.T) {
	t.Parallel()
	s := NewRolloverStream(media.Video)
	rec := record(s)

	s.Push(&PES{Type: media.Video, PTS: maxTS - 3000, DTS: maxTS - 3000, HasPTS: true})
	s.Flush("test")
	s.Push(&PES{Type: media.Video, PTS: 3000, DTS: 3000, HasPTS: true})

	if len(rec.data) != 2 {
		t.Fatalf("units = %d, want 2", len(rec.data))
	}
	if got := rec.data[1].(*PES).DTS; got != maxTS+3000 {
		t.Errorf("dts after wrap = %d, want %d", got, maxTS+3000)
	}
}

func TestRolloverStream_FiltersByType(t *testing.T) {
	t.Parallel()
	s := NewRolloverStream(media.Audio)
	rec := record(s)

	s.Push(&TrackList{})
	s.Push(&PES{Type: media.Video, HasPTS: true})
	s.Push(&PES{Type: media.Audio, HasPTS: true})
	if len(rec.data) != 2 {
		t.Fatalf("units = %d, want track list and audio", len(rec.data))
	}
	if _, ok := rec.data[0].(*TrackList); !ok {
		t.Errorf("first unit = %T, want *TrackList", rec.data[0])
	}
}

func TestRolloverStream_Discontinuity(t *testing.T) {
	t.Parallel()
	s := NewRolloverStream("")
	rec := record(s)

	s.Push(&PES{Type: media.Video, PTS: maxTS - 3000, DTS: maxTS - 3000, HasPTS: true})
	s.Discontinuity()
	s.Push(&PES{Type: media.Audio, PTS: 3000, DTS: 3000, HasPTS: true})
	if got := rec.data[1].(*PES).DTS; got != 3000 {
		t.Errorf("dts after discontinuity = %d, want 3000", got)
	}
}
