package media

import "testing"

func TestTrack_CollectTimestamps(t *testing.T) {
	t.Parallel()
	tr := NewTrack(1, Video, CodecAVC)
	tr.CollectTimestamps(3000, 1000)
	tr.CollectTimestamps(6000, 4000)
	tr.CollectTimestamps(2000, 500)

	if tr.MinSegmentDTS != 500 || tr.MaxSegmentDTS != 4000 {
		t.Errorf("segment dts = [%d,%d], want [500,4000]", tr.MinSegmentDTS, tr.MaxSegmentDTS)
	}
	if tr.MinSegmentPTS != 2000 || tr.MaxSegmentPTS != 6000 {
		t.Errorf("segment pts = [%d,%d], want [2000,6000]", tr.MinSegmentPTS, tr.MaxSegmentPTS)
	}
	if tr.TimelineStartInfo.DTS != 500 || tr.TimelineStartInfo.PTS != 2000 {
		t.Errorf("timeline start = %+v", tr.TimelineStartInfo)
	}

	tr.ClearSegmentInfo()
	if tr.HasSegmentTimestamps() {
		t.Error("segment info should be cleared")
	}
	tr.CollectTimestamps(9000, 9000)
	if tr.MinSegmentDTS != 9000 {
		t.Errorf("MinSegmentDTS = %d, want 9000", tr.MinSegmentDTS)
	}
	if tr.TimelineStartInfo.DTS != 500 {
		t.Errorf("timeline start dts = %d, want it to persist across segments", tr.TimelineStartInfo.DTS)
	}
}

func TestTrack_CalculateBaseMediaDecodeTime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		typ      TrackType
		rate     int
		anchor   int64
		start    int64
		segment  int64
		keep     bool
		wantBMDT int64
	}{
		{"video zero based", Video, 0, 0, 10000, 19000, false, 9000},
		{"video anchored", Video, 0, 90000, 10000, 19000, false, 99000},
		{"video keep original", Video, 0, 0, 10000, 19000, true, 19000},
		{"clamped at zero", Video, 0, -50000, 10000, 19000, false, 0},
		{"audio scaled", Audio, 44100, 0, 0, 90000, false, 44100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := NewTrack(1, tt.typ, "")
			tr.SampleRate = tt.rate
			tr.TimelineStartInfo = TimelineStartInfo{DTS: tt.start, HasDTS: true, BaseMediaDecodeTime: tt.anchor}
			tr.MinSegmentDTS = tt.segment
			if got := tr.CalculateBaseMediaDecodeTime(tt.keep); got != tt.wantBMDT {
				t.Errorf("CalculateBaseMediaDecodeTime() = %d, want %d", got, tt.wantBMDT)
			}
		})
	}
}

func TestClockConversions(t *testing.T) {
	t.Parallel()
	if got := AudioTSToVideoTS(44100, 44100); got != 90000 {
		t.Errorf("AudioTSToVideoTS = %d, want 90000", got)
	}
	if got := VideoTSToAudioTS(6270, 44100); got != 3072 {
		t.Errorf("VideoTSToAudioTS = %d, want 3072", got)
	}
	if got := MetadataTSToSeconds(180000, 90000, false); got != 1 {
		t.Errorf("MetadataTSToSeconds = %v, want 1", got)
	}
	if got := MetadataTSToSeconds(180000, 90000, true); got != 2 {
		t.Errorf("MetadataTSToSeconds keep = %v, want 2", got)
	}
	if got := SecondsToVideoTS(1.5); got != 135000 {
		t.Errorf("SecondsToVideoTS = %d, want 135000", got)
	}
}
