// Package media defines the data model that flows through the transmuxer:
// tracks and their timing state, NAL units grouped into frames and GOPs,
// AAC frames, fMP4 samples and caption cues.
package media

import "fmt"

// TrackType is the kind of elementary stream a Track carries.
type TrackType string

const (
	Video         TrackType = "video"
	Audio         TrackType = "audio"
	TimedMetadata TrackType = "timed-metadata"
)

// Codec identifiers as announced by the PMT.
const (
	CodecAVC  = "avc"
	CodecADTS = "adts"
)

// TimelineStartInfo anchors a track's timeline: the first observed PTS/DTS
// and the externally assigned baseMediaDecodeTime where that point lands.
type TimelineStartInfo struct {
	PTS                 int64
	DTS                 int64
	HasPTS              bool
	HasDTS              bool
	BaseMediaDecodeTime int64
}

// VideoConfig is the subset of an H.264 sequence parameter set needed to
// describe a video track.
type VideoConfig struct {
	ProfileIdc           uint8
	ProfileCompatibility uint8
	LevelIdc             uint8
	Width                int
	Height               int
	SarRatio             [2]uint32
}

// Track is one elementary stream of the program. It is created when the PMT
// is first seen and lives for one continuous timeline.
type Track struct {
	ID    int
	Type  TrackType
	Codec string

	// Duration in track timescale units; zero writes the "unknown" value.
	Duration uint32

	TimelineStartInfo   TimelineStartInfo
	BaseMediaDecodeTime int64

	MinSegmentDTS int64
	MaxSegmentDTS int64
	MinSegmentPTS int64
	MaxSegmentPTS int64
	hasSegmentDTS bool
	hasSegmentPTS bool

	// Video.
	Width                int
	Height               int
	ProfileIdc           uint8
	ProfileCompatibility uint8
	LevelIdc             uint8
	SarRatio             [2]uint32
	SPS                  [][]byte
	PPS                  [][]byte

	// Audio.
	SampleRate             int
	ChannelCount           int
	SampleSize             int
	AudioObjectType        int
	SamplingFrequencyIndex int

	Samples []Sample
}

// NewTrack returns a track of the given type with no timing observed.
func NewTrack(id int, typ TrackType, codec string) *Track {
	return &Track{ID: id, Type: typ, Codec: codec}
}

// Timescale is the number of track clock ticks per second.
func (t *Track) Timescale() uint32 {
	if t.Type == Audio && t.SampleRate > 0 {
		return uint32(t.SampleRate)
	}
	return OneSecondInTS
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.42E01E"
// or "mp4a.40.2") for MIME types and manifests.
func (t *Track) CodecString() string {
	switch t.Type {
	case Video:
		return fmt.Sprintf("avc1.%02X%02X%02X", t.ProfileIdc, t.ProfileCompatibility, t.LevelIdc)
	case Audio:
		return fmt.Sprintf("mp4a.40.%d", t.AudioObjectType)
	}
	return ""
}

// ApplyVideoConfig copies SPS-derived properties onto the track.
func (t *Track) ApplyVideoConfig(c VideoConfig) {
	t.Width = c.Width
	t.Height = c.Height
	t.ProfileIdc = c.ProfileIdc
	t.ProfileCompatibility = c.ProfileCompatibility
	t.LevelIdc = c.LevelIdc
	t.SarRatio = c.SarRatio
}

// ApplyAudioFrame copies ADTS-derived properties onto the track.
func (t *Track) ApplyAudioFrame(f *AudioFrame) {
	t.AudioObjectType = f.AudioObjectType
	t.ChannelCount = f.ChannelCount
	t.SampleRate = f.SampleRate
	t.SamplingFrequencyIndex = f.SamplingFrequencyIndex
	t.SampleSize = f.SampleSize
}

// CollectTimestamps folds one observed PTS/DTS pair into the timeline start
// and the current segment's extrema.
func (t *Track) CollectTimestamps(pts, dts int64) {
	tsi := &t.TimelineStartInfo
	if !tsi.HasPTS || pts < tsi.PTS {
		tsi.PTS = pts
		tsi.HasPTS = true
	}
	if !t.hasSegmentPTS {
		t.MinSegmentPTS, t.MaxSegmentPTS = pts, pts
		t.hasSegmentPTS = true
	} else {
		t.MinSegmentPTS = min(t.MinSegmentPTS, pts)
		t.MaxSegmentPTS = max(t.MaxSegmentPTS, pts)
	}

	if !tsi.HasDTS || dts < tsi.DTS {
		tsi.DTS = dts
		tsi.HasDTS = true
	}
	if !t.hasSegmentDTS {
		t.MinSegmentDTS, t.MaxSegmentDTS = dts, dts
		t.hasSegmentDTS = true
	} else {
		t.MinSegmentDTS = min(t.MinSegmentDTS, dts)
		t.MaxSegmentDTS = max(t.MaxSegmentDTS, dts)
	}
}

// HasSegmentTimestamps reports whether any timestamp was collected since the
// last ClearSegmentInfo.
func (t *Track) HasSegmentTimestamps() bool {
	return t.hasSegmentDTS
}

// ClearSegmentInfo forgets the current segment's extrema.
func (t *Track) ClearSegmentInfo() {
	t.MinSegmentDTS, t.MaxSegmentDTS = 0, 0
	t.MinSegmentPTS, t.MaxSegmentPTS = 0, 0
	t.hasSegmentDTS = false
	t.hasSegmentPTS = false
}

// ResetSegmentMinDTS marks the segment minimum as unknown so it can be
// recomputed from a filtered set of samples via RecordSegmentMinDTS.
func (t *Track) ResetSegmentMinDTS() {
	t.hasSegmentDTS = false
}

// RecordSegmentMinDTS lowers the segment minimum DTS (and PTS) to dts.
func (t *Track) RecordSegmentMinDTS(dts int64) {
	if !t.hasSegmentDTS || dts < t.MinSegmentDTS {
		t.MinSegmentDTS = dts
		t.hasSegmentDTS = true
	}
	t.MinSegmentPTS = t.MinSegmentDTS
}

// CalculateBaseMediaDecodeTime returns the tfdt value for the current
// segment: the timeline anchor plus the segment's distance from the timeline
// start, clamped at zero. Audio tracks are expressed in sample-rate ticks.
func (t *Track) CalculateBaseMediaDecodeTime(keepOriginalTimestamps bool) int64 {
	minSegmentDTS := t.MinSegmentDTS
	if !keepOriginalTimestamps {
		minSegmentDTS -= t.TimelineStartInfo.DTS
	}
	bmdt := t.TimelineStartInfo.BaseMediaDecodeTime + minSegmentDTS
	bmdt = max(0, bmdt)
	if t.Type == Audio {
		bmdt = VideoTSToAudioTS(bmdt, t.SampleRate)
	}
	return bmdt
}

// ResetTimeline rebases the track to a new timeline anchored at bmdt.
func (t *Track) ResetTimeline(bmdt int64) {
	t.TimelineStartInfo = TimelineStartInfo{BaseMediaDecodeTime: bmdt}
	t.ClearSegmentInfo()
}
