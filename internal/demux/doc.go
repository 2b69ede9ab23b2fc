// Package demux turns reassembled PES units into codec-level units: H.264
// NAL units (with parsed SPS configuration) from video PES and AAC frames
// from ADTS audio. AacStream additionally splits a raw ADTS file, with its
// leading ID3 tags, into audio and timed metadata units.
package demux
