package transmux

import (
	"math"
	"sync"

	"github.com/zsiec/remux/internal/media"
)

// samplesPerAACFrame is the number of PCM samples coded by one AAC frame.
const samplesPerAACFrame = 1024

var (
	highSilencePrefix = []byte{33, 16, 5, 32, 164, 27}
	lowSilencePrefix  = []byte{33, 65, 108, 84, 1, 2, 4, 8, 168, 2, 4, 8, 17, 191, 252}
)

type silencePart struct {
	bytes []byte
	zeros int
}

func raw(p ...byte) silencePart { return silencePart{bytes: p} }
func zeros(n int) silencePart   { return silencePart{zeros: n} }

var silenceParts = map[int][]silencePart{
	96000: {raw(highSilencePrefix...), raw(227, 64), zeros(154), raw(56)},
	88200: {raw(highSilencePrefix...), raw(231), zeros(170), raw(56)},
	64000: {raw(highSilencePrefix...), raw(248, 192), zeros(240), raw(56)},
	48000: {raw(highSilencePrefix...), raw(255, 192), zeros(268), raw(55, 148, 128), zeros(54), raw(112)},
	44100: {raw(highSilencePrefix...), raw(255, 192), zeros(268), raw(55, 163, 128), zeros(84), raw(112)},
	32000: {raw(highSilencePrefix...), raw(255, 192), zeros(268), raw(55, 234), zeros(226), raw(112)},
	24000: {raw(highSilencePrefix...), raw(255, 192), zeros(268), raw(55, 255, 128), zeros(268), raw(111, 112), zeros(126), raw(224)},
	16000: {raw(highSilencePrefix...), raw(255, 192), zeros(268), raw(55, 255, 128), zeros(268), raw(111, 255), zeros(269), raw(223, 108), zeros(195), raw(1, 192)},
	12000: {raw(lowSilencePrefix...), zeros(268), raw(3, 127, 248), zeros(268), raw(6, 255, 240), zeros(268), raw(13, 255, 224), zeros(268), raw(27, 253, 128), zeros(259), raw(56)},
	11025: {raw(lowSilencePrefix...), zeros(268), raw(3, 127, 248), zeros(268), raw(6, 255, 240), zeros(268), raw(13, 255, 224), zeros(268), raw(27, 255, 192), zeros(268), raw(55, 175, 128), zeros(108), raw(112)},
	8000:  {raw(lowSilencePrefix...), zeros(268), raw(3, 121, 16), zeros(47), raw(7)},
}

// silentFrames returns one pre-encoded silent AAC-LC frame per supported
// sample rate.
var silentFrames = sync.OnceValue(func() map[int][]byte {
	out := make(map[int][]byte, len(silenceParts))
	for rate, parts := range silenceParts {
		var frame []byte
		for _, p := range parts {
			frame = append(frame, p.bytes...)
			frame = append(frame, make([]byte, p.zeros)...)
		}
		out[rate] = frame
	}
	return out
})

// aacFrameDuration returns the length of one AAC frame in 90 kHz ticks,
// rounded up.
func aacFrameDuration(sampleRate int) int64 {
	return int64(math.Ceil(media.OneSecondInTS * samplesPerAACFrame / float64(sampleRate)))
}

// PrefixWithSilence fills the gap between the start of the audio segment and
// the later of audioAppendStart and videoBaseMediaDecodeTime with silent
// frames. Only whole frames are inserted and never more than half a second;
// the track's base media decode time moves back by what was inserted. It
// returns the inserted duration in 90 kHz ticks. A zero audioAppendStart or
// hasVideoBMDT false disables filling.
func PrefixWithSilence(track *media.Track, frames []*media.AudioFrame, audioAppendStart int64, videoBaseMediaDecodeTime int64, hasVideoBMDT bool) ([]*media.AudioFrame, int64) {
	if len(frames) == 0 || track.SampleRate == 0 {
		return frames, 0
	}
	bmdtTS := media.AudioTSToVideoTS(track.BaseMediaDecodeTime, track.SampleRate)
	frameDuration := aacFrameDuration(track.SampleRate)

	var fillCount, fillDuration int64
	if audioAppendStart != 0 && hasVideoBMDT && videoBaseMediaDecodeTime != 0 {
		gap := bmdtTS - max(audioAppendStart, videoBaseMediaDecodeTime)
		fillCount = floorDiv(gap, frameDuration)
		fillDuration = fillCount * frameDuration
	}
	if fillCount < 1 || fillDuration > media.OneSecondInTS/2 {
		return frames, 0
	}

	silence, ok := silentFrames()[track.SampleRate]
	if !ok {
		// No pre-encoded frame for this rate; repeat real content instead.
		silence = frames[0].Data
	}
	prefix := make([]*media.AudioFrame, fillCount)
	first := frames[0]
	for i := range prefix {
		back := (fillCount - int64(i)) * frameDuration
		prefix[i] = &media.AudioFrame{
			PTS:  first.PTS - back,
			DTS:  first.DTS - back,
			Data: silence,
		}
	}
	track.BaseMediaDecodeTime -= media.VideoTSToAudioTS(fillDuration, track.SampleRate)
	return append(prefix, frames...), fillDuration
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// TrimFramesByEarliestDTS drops frames that decode before earliestAllowed
// so the audio track never needs a negative base media decode time. When
// anything is dropped the track's segment minimum is recomputed from the
// frames that remain.
func TrimFramesByEarliestDTS(frames []*media.AudioFrame, track *media.Track, earliestAllowed int64) []*media.AudioFrame {
	if track.MinSegmentDTS >= earliestAllowed {
		return frames
	}
	track.ResetSegmentMinDTS()
	kept := frames[:0:0]
	for _, f := range frames {
		if f.DTS < earliestAllowed {
			continue
		}
		track.RecordSegmentMinDTS(f.DTS)
		kept = append(kept, f)
	}
	return kept
}

// GenerateAudioSampleTable returns one constant-duration sample per frame.
func GenerateAudioSampleTable(frames []*media.AudioFrame) []media.Sample {
	samples := make([]media.Sample, len(frames))
	for i, f := range frames {
		samples[i] = media.Sample{Size: uint32(len(f.Data)), Duration: samplesPerAACFrame}
	}
	return samples
}

// ConcatenateFrameData lays out the raw AAC frames as mdat payload.
func ConcatenateFrameData(frames []*media.AudioFrame) []byte {
	n := 0
	for _, f := range frames {
		n += len(f.Data)
	}
	data := make([]byte, 0, n)
	for _, f := range frames {
		data = append(data, f.Data...)
	}
	return data
}
