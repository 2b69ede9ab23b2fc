// Package transmux turns the elementary streams recovered by the demux
// stages into fragmented MP4. Segment streams group H.264 NAL units into
// frames and GOPs or collect AAC frames, build the sample tables and emit
// moof+mdat pairs; CoalesceStream joins the tracks of a segment; the
// Transmuxer wires the whole pipeline for transport stream or raw AAC input.
package transmux

import (
	"encoding/binary"

	"github.com/zsiec/remux/internal/media"
)

// GroupNalsIntoFrames splits nals into frames at every access unit
// delimiter. nals must start with a delimiter. A frame lasts until the DTS
// of the next delimiter; the last frame borrows the duration of the one
// before it when it has none of its own.
func GroupNalsIntoFrames(nals []*media.NalUnit) *media.FrameList {
	frames := &media.FrameList{}
	current := &media.Frame{}

	for _, nal := range nals {
		if nal.Type == media.NalAUD {
			if len(current.Nals) > 0 {
				current.Duration = nal.DTS - current.DTS
				frames.Append(current)
			}
			current = &media.Frame{
				Nals:       []*media.NalUnit{nal},
				ByteLength: len(nal.Data),
				PTS:        nal.PTS,
				DTS:        nal.DTS,
			}
			continue
		}
		if nal.Type == media.NalIDR {
			current.KeyFrame = true
		}
		current.Duration = nal.DTS - current.DTS
		current.ByteLength += len(nal.Data)
		current.Nals = append(current.Nals, nal)
	}

	if len(frames.Frames) > 0 && current.Duration <= 0 {
		current.Duration = frames.Frames[len(frames.Frames)-1].Duration
	}
	frames.Append(current)
	return frames
}

// GroupFramesIntoGops splits frames into GOPs at every keyframe. The last
// GOP borrows the duration of the one before it when it has none of its own.
func GroupFramesIntoGops(frames *media.FrameList) *media.GopList {
	first := frames.Frames[0]
	gops := &media.GopList{PTS: first.PTS, DTS: first.DTS}
	current := &media.Gop{PTS: first.PTS, DTS: first.DTS}

	for _, f := range frames.Frames {
		if f.KeyFrame {
			if len(current.Frames) > 0 {
				gops.Append(current)
			}
			current = &media.Gop{
				Frames:     []*media.Frame{f},
				NalCount:   f.NalCount(),
				ByteLength: f.ByteLength,
				PTS:        f.PTS,
				DTS:        f.DTS,
				Duration:   f.Duration,
			}
			continue
		}
		current.Duration += f.Duration
		current.NalCount += f.NalCount()
		current.ByteLength += f.ByteLength
		current.Frames = append(current.Frames, f)
	}

	if len(gops.Gops) > 0 && current.Duration <= 0 {
		current.Duration = gops.Gops[len(gops.Gops)-1].Duration
	}
	gops.Append(current)
	return gops
}

// ExtendFirstKeyFrame drops a leading GOP that does not start with a
// keyframe and stretches the first frame of the next GOP back over the
// dropped time range. A list holding a single GOP is returned unchanged.
func ExtendFirstKeyFrame(gops *media.GopList) *media.GopList {
	if len(gops.Gops) < 2 || gops.Gops[0].KeyFrame() {
		return gops
	}
	dropped := gops.Gops[0]
	gops.Gops = gops.Gops[1:]
	gops.ByteLength -= dropped.ByteLength
	gops.NalCount -= dropped.NalCount

	first := gops.Gops[0].Frames[0]
	first.DTS = dropped.DTS
	first.PTS = dropped.PTS
	first.Duration += dropped.Duration
	return gops
}

// Frames flattens gops back into a frame list.
func Frames(gops *media.GopList) *media.FrameList {
	frames := &media.FrameList{}
	for _, g := range gops.Gops {
		for _, f := range g.Frames {
			frames.Append(f)
		}
	}
	frames.Duration = gops.Duration
	return frames
}

// SampleForFrame returns the sample table entry of frame. Every NAL unit is
// stored behind a four byte length.
func SampleForFrame(frame *media.Frame, dataOffset int) media.Sample {
	s := media.DefaultSample()
	s.DataOffset = dataOffset
	s.CompositionTimeOffset = int32(frame.PTS - frame.DTS)
	s.Duration = uint32(frame.Duration)
	s.Size = uint32(4*frame.NalCount() + frame.ByteLength)
	if frame.KeyFrame {
		s.Flags.DependsOn = 2
		s.Flags.IsNonSyncSample = 0
	}
	return s
}

// GenerateSampleTable returns one sample per frame of gops.
func GenerateSampleTable(gops *media.GopList, baseDataOffset int) []media.Sample {
	var samples []media.Sample
	offset := baseDataOffset
	for _, g := range gops.Gops {
		for _, f := range g.Frames {
			s := SampleForFrame(f, offset)
			offset += int(s.Size)
			samples = append(samples, s)
		}
	}
	return samples
}

// ConcatenateNalData lays out the NAL units of gops as length-prefixed mdat
// payload.
func ConcatenateNalData(gops *media.GopList) []byte {
	data := make([]byte, 0, gops.ByteLength+4*gops.NalCount)
	for _, g := range gops.Gops {
		for _, f := range g.Frames {
			data = appendNals(data, f)
		}
	}
	return data
}

// ConcatenateNalDataForFrame lays out the NAL units of a single frame.
func ConcatenateNalDataForFrame(frame *media.Frame) []byte {
	return appendNals(make([]byte, 0, frame.ByteLength+4*frame.NalCount()), frame)
}

func appendNals(data []byte, frame *media.Frame) []byte {
	for _, nal := range frame.Nals {
		data = binary.BigEndian.AppendUint32(data, uint32(len(nal.Data)))
		data = append(data, nal.Data...)
	}
	return data
}
