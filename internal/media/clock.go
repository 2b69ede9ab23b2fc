package media

// OneSecondInTS is the MPEG-2 system clock rate used for PTS and DTS.
const OneSecondInTS = 90000

// SecondsToVideoTS converts seconds to 90 kHz ticks.
func SecondsToVideoTS(seconds float64) int64 {
	return int64(seconds * OneSecondInTS)
}

// SecondsToAudioTS converts seconds to sample-rate ticks.
func SecondsToAudioTS(seconds float64, sampleRate int) int64 {
	return int64(seconds * float64(sampleRate))
}

// VideoTSToSeconds converts 90 kHz ticks to seconds.
func VideoTSToSeconds(ts int64) float64 {
	return float64(ts) / OneSecondInTS
}

// AudioTSToSeconds converts sample-rate ticks to seconds.
func AudioTSToSeconds(ts int64, sampleRate int) float64 {
	if sampleRate == 0 {
		return 0
	}
	return float64(ts) / float64(sampleRate)
}

// AudioTSToVideoTS converts sample-rate ticks to 90 kHz ticks, truncating.
func AudioTSToVideoTS(ts int64, sampleRate int) int64 {
	if sampleRate == 0 {
		return 0
	}
	return ts * OneSecondInTS / int64(sampleRate)
}

// VideoTSToAudioTS converts 90 kHz ticks to sample-rate ticks, truncating.
func VideoTSToAudioTS(ts int64, sampleRate int) int64 {
	return ts * int64(sampleRate) / OneSecondInTS
}

// MetadataTSToSeconds converts a caption or ID3 timestamp to player seconds,
// relative to timelineStartPTS unless original timestamps are kept.
func MetadataTSToSeconds(ts, timelineStartPTS int64, keepOriginalTimestamps bool) float64 {
	if keepOriginalTimestamps {
		return VideoTSToSeconds(ts)
	}
	return VideoTSToSeconds(ts - timelineStartPTS)
}
