package transmux

import (
	"errors"
	"log/slog"

	"github.com/zsiec/remux/internal/media"
)

// Flush sources of the segment streams. CoalesceStream only completes a
// segment on a flush that comes from one of them.
const (
	SourceVideoSegmentStream = "VideoSegmentStream"
	SourceAudioSegmentStream = "AudioSegmentStream"
)

// ErrUnknownContainer is returned when the first bytes after a flush are
// neither a transport stream nor raw AAC.
var ErrUnknownContainer = errors.New("transmux: unknown container")

// Options configures the segment streams and the Transmuxer.
type Options struct {
	// BaseMediaDecodeTime is where the first segment lands on the output
	// timeline, in 90 kHz ticks.
	BaseMediaDecodeTime int64

	// KeepOriginalTimestamps writes input timestamps unchanged instead of
	// rebasing the timeline to BaseMediaDecodeTime.
	KeepOriginalTimestamps bool

	// Remux combines audio and video into one segment. Without it each
	// track is emitted as soon as it is flushed.
	Remux bool

	// AlignGopsAtEnd searches for the GOP alignment point from the end of
	// the segment rather than the start.
	AlignGopsAtEnd bool

	// FirstSequenceNumber is the mfhd sequence number of the first
	// fragment.
	FirstSequenceNumber uint32

	// Partial selects the low-latency pipeline that emits one fragment per
	// frame on PartialFlush.
	Partial bool

	// Parse708Captions enables CEA-708 decoding next to CEA-608.
	Parse708Captions bool

	Logger *slog.Logger
}

// DefaultOptions returns the options of a remuxing, full-segment
// transmuxer that decodes both caption formats.
func DefaultOptions() Options {
	return Options{Remux: true, Parse708Captions: true}
}

// TrackFragment is one track's moof+mdat.
type TrackFragment struct {
	Track *media.Track
	Boxes []byte

	// Set by the partial video stream: the fragment's sequence number,
	// the init segment of its track and the timing of its frame.
	Sequence      uint32
	InitSegment   []byte
	VideoFrameDTS int64
	VideoFramePTS int64
}

// TimingInfo is the presentation range of emitted media in 90 kHz ticks.
// HasEnd is false on the interim reports of the partial audio stream.
type TimingInfo struct {
	Start  int64
	End    int64
	HasEnd bool
}

// TimePoint is a decode and presentation timestamp pair.
type TimePoint struct {
	DTS int64
	PTS int64
}

// SegmentTimingInfo places a segment on the output timeline. Start and End
// are expressed relative to BaseMediaDecodeTime rather than the input
// clock.
type SegmentTimingInfo struct {
	Start                    TimePoint
	End                      TimePoint
	BaseMediaDecodeTime      int64
	PrependedContentDuration int64
}

func generateSegmentTimingInfo(bmdt, startDTS, startPTS, endDTS, endPTS, prepended int64) SegmentTimingInfo {
	return SegmentTimingInfo{
		Start: TimePoint{
			DTS: bmdt,
			PTS: bmdt + (startPTS - startDTS),
		},
		End: TimePoint{
			DTS: bmdt + (endDTS - startDTS),
			PTS: bmdt + (endPTS - startPTS),
		},
		BaseMediaDecodeTime:      bmdt,
		PrependedContentDuration: prepended,
	}
}

// TrackInfo announces which tracks the input carries.
type TrackInfo struct {
	HasAudio bool
	HasVideo bool
}

// SegmentInfo carries the codec properties of the segment's leading track:
// the video fields when there is video, otherwise the audio fields.
type SegmentInfo struct {
	Width                int
	Height               int
	ProfileIdc           uint8
	LevelIdc             uint8
	ProfileCompatibility uint8
	SarRatio             [2]uint32

	AudioObjectType        int
	ChannelCount           int
	SampleRate             int
	SamplingFrequencyIndex int
	SampleSize             int
}

// Segment is a coalesced output segment. Type is "video", "audio" or
// "combined".
type Segment struct {
	Type           string
	InitSegment    []byte
	Data           []byte
	Captions       []*media.Caption
	CaptionStreams map[string]bool
	Metadata       []*media.ID3Tag
	DispatchType   string
	Info           SegmentInfo
}

// PartialData is what the partial pipeline emits: one track fragment.
type PartialData struct {
	Type     media.TrackType
	Fragment *TrackFragment
}
