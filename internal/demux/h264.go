package demux

import (
	"errors"
	"fmt"
	"math"

	"github.com/zsiec/remux/internal/bits"
	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mpegts"
)

// ErrMalformedSPS is returned when a sequence parameter set ends before all
// fields the transmuxer needs have been read.
var ErrMalformedSPS = errors.New("demux: malformed SPS")

// NalByteStream splits an Annex B byte stream into NAL units. Both 3-byte
// and 4-byte start codes are recognized and trailing zero bytes before a
// start code are dropped. Units are emitted as soon as the following start
// code is seen; the last unit is held until Flush.
type NalByteStream struct {
	event.Base

	buf       []byte
	syncPoint int
}

// NewNalByteStream returns an empty NalByteStream.
func NewNalByteStream() *NalByteStream {
	return &NalByteStream{}
}

// Push appends a chunk of Annex B data and emits every NAL unit it completes.
func (s *NalByteStream) Push(v any) {
	data, ok := v.([]byte)
	if !ok {
		return
	}
	next := make([]byte, len(s.buf)+len(data))
	copy(next, s.buf)
	copy(next[len(s.buf):], data)
	s.buf = next

	buf := s.buf
	n := len(buf)

	// Advance the sync point to a start code, if necessary.
	i, found := 0, false
	for ; s.syncPoint < n-3; s.syncPoint++ {
		if buf[s.syncPoint+2] == 1 {
			i = s.syncPoint + 5
			found = true
			break
		}
	}

	for found && i < n {
		switch buf[i] {
		case 0:
			if buf[i-1] != 0 {
				i += 2
				break
			} else if buf[i-2] != 0 {
				i++
				break
			}
			if s.syncPoint+3 != i-2 {
				s.Emit(event.Data, buf[s.syncPoint+3:i-2])
			}
			// Drop trailing zeros up to the next start code.
			for {
				i++
				if i >= n || buf[i] == 1 {
					break
				}
			}
			s.syncPoint = i - 2
			i += 3
		case 1:
			if buf[i-1] != 0 || buf[i-2] != 0 {
				i += 3
				break
			}
			s.Emit(event.Data, buf[s.syncPoint+3:i-2])
			s.syncPoint = i - 2
			i += 3
		default:
			// Neither 0 nor 1, so no start code can end within the next two bytes.
			i += 3
		}
	}

	s.buf = s.buf[s.syncPoint:]
	s.syncPoint = 0
}

// Flush emits the buffered last NAL unit.
func (s *NalByteStream) Flush(source string) {
	if len(s.buf) > 3 {
		s.Emit(event.Data, s.buf[s.syncPoint+3:])
	}
	s.clear()
	s.Emit(event.Done, source)
}

// EndTimeline flushes and signals the end of the timeline.
func (s *NalByteStream) EndTimeline(source string) {
	s.Flush(source)
	s.Emit(event.EndedTimeline, source)
}

// Reset drops buffered data.
func (s *NalByteStream) Reset(source string) {
	s.clear()
	s.Emit(event.Reset, source)
}

func (s *NalByteStream) clear() {
	s.buf = nil
	s.syncPoint = 0
}

// H264Stream classifies the NAL units of video PES units. Every unit is
// stamped with the track and timestamps of the most recent PES; SEI and SPS
// units carry their unescaped RBSP, and SPS units their parsed
// configuration. It emits *media.NalUnit values.
type H264Stream struct {
	event.Base

	nals    *NalByteStream
	trackID int
	pts     int64
	dts     int64
}

// NewH264Stream returns an H264Stream.
func NewH264Stream() *H264Stream {
	s := &H264Stream{nals: NewNalByteStream()}
	ev := s.nals.Events()
	ev.Subscribe(event.Data, func(p any) { s.emitNal(p.([]byte)) })
	ev.Subscribe(event.Done, func(p any) { s.Emit(event.Done, p) })
	ev.Subscribe(event.PartialDone, func(p any) { s.Emit(event.PartialDone, p) })
	ev.Subscribe(event.Reset, func(p any) { s.Emit(event.Reset, p) })
	ev.Subscribe(event.EndedTimeline, func(p any) { s.Emit(event.EndedTimeline, p) })
	return s
}

// Push consumes video *mpegts.PES units; anything else is ignored.
func (s *H264Stream) Push(v any) {
	pes, ok := v.(*mpegts.PES)
	if !ok || pes.Type != media.Video {
		return
	}
	s.trackID = pes.TrackID
	s.pts = pes.PTS
	s.dts = pes.DTS
	s.nals.Push(pes.Data)
}

func (s *H264Stream) Flush(source string)        { s.nals.Flush(source) }
func (s *H264Stream) PartialFlush(source string) { s.nals.PartialFlush(source) }
func (s *H264Stream) EndTimeline(source string)  { s.nals.EndTimeline(source) }
func (s *H264Stream) Reset(source string)        { s.nals.Reset(source) }

func (s *H264Stream) emitNal(data []byte) {
	if len(data) == 0 {
		return
	}
	nal := &media.NalUnit{
		TrackID: s.trackID,
		PTS:     s.pts,
		DTS:     s.dts,
		Type:    media.NalTypeOf(data[0]),
		Data:    data,
	}
	switch nal.Type {
	case media.NalSEI:
		nal.RBSP = DiscardEmulationPreventionBytes(data[1:])
	case media.NalSPS:
		nal.RBSP = DiscardEmulationPreventionBytes(data[1:])
		cfg, err := ParseSPS(nal.RBSP)
		if err != nil {
			s.Warn("h264", "ignoring sequence parameter set", "error", err)
		} else {
			nal.Config = &cfg
		}
	}
	s.Emit(event.Data, nal)
}

// DiscardEmulationPreventionBytes removes the 0x03 byte of every 00 00 03
// sequence.
func DiscardEmulationPreventionBytes(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}

// Profiles whose SPS carries chroma format, bit depth and scaling matrices.
var profilesWithOptionalSPSData = map[uint8]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// Sample aspect ratios indexed by aspect_ratio_idc (Table E-1).
var sarTable = [...][2]uint32{
	{0, 0}, {1, 1}, {12, 11}, {10, 11}, {16, 11}, {40, 33}, {24, 11}, {20, 11},
	{32, 11}, {80, 33}, {18, 11}, {15, 11}, {64, 33}, {160, 99}, {4, 3}, {3, 2},
	{2, 1},
}

const extendedSAR = 255

// spsReader wraps an ExpGolomb decoder and keeps the first error, so a
// parse can read a run of fields and check once.
type spsReader struct {
	eg  *bits.ExpGolomb
	err error
}

func (r *spsReader) u(n int) uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.eg.ReadBits(n)
	r.err = err
	return v
}

func (r *spsReader) ue() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.eg.ReadUnsignedExpGolomb()
	r.err = err
	return v
}

func (r *spsReader) se() int32 {
	if r.err != nil {
		return 0
	}
	v, err := r.eg.ReadExpGolomb()
	r.err = err
	return v
}

func (r *spsReader) flag() bool { return r.u(1) == 1 }

func (r *spsReader) skipScalingList(size int) {
	lastScale, nextScale := int32(8), int32(8)
	for j := 0; j < size && r.err == nil; j++ {
		if nextScale != 0 {
			delta := r.se()
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}

// ParseSPS reads profile, level, coded size and sample aspect ratio from an
// SPS RBSP (header byte removed, emulation prevention bytes discarded).
func ParseSPS(rbsp []byte) (media.VideoConfig, error) {
	r := &spsReader{eg: bits.NewExpGolomb(rbsp)}

	profileIdc := uint8(r.u(8))
	profileCompatibility := uint8(r.u(8))
	levelIdc := uint8(r.u(8))
	r.ue() // seq_parameter_set_id

	chromaFormatIdc := uint32(1)
	separateColourPlane := false
	if profilesWithOptionalSPSData[profileIdc] {
		chromaFormatIdc = r.ue()
		if chromaFormatIdc == 3 {
			separateColourPlane = r.flag()
		}
		r.ue() // bit_depth_luma_minus8
		r.ue() // bit_depth_chroma_minus8
		r.u(1) // qpprime_y_zero_transform_bypass_flag

		// seq_scaling_matrix_present_flag
		if r.flag() {
			count := 8
			if chromaFormatIdc == 3 {
				count = 12
			}
			for i := 0; i < count; i++ {
				if !r.flag() {
					continue
				}
				if i < 6 {
					r.skipScalingList(16)
				} else {
					r.skipScalingList(64)
				}
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	switch r.ue() { // pic_order_cnt_type
	case 0:
		r.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.u(1) // delta_pic_order_always_zero_flag
		r.se() // offset_for_non_ref_pic
		r.se() // offset_for_top_to_bottom_field
		cycle := r.ue()
		for i := uint32(0); i < cycle && r.err == nil; i++ {
			r.se() // offset_for_ref_frame
		}
	}
	r.ue() // max_num_ref_frames
	r.u(1) // gaps_in_frame_num_value_allowed_flag
	picWidthInMbsMinus1 := r.ue()
	picHeightInMapUnitsMinus1 := r.ue()
	frameMbsOnly := r.u(1)
	if frameMbsOnly == 0 {
		r.u(1) // mb_adaptive_frame_field_flag
	}
	r.u(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint32
	if r.flag() { // frame_cropping_flag
		cropLeft, cropRight = r.ue(), r.ue()
		cropTop, cropBottom = r.ue(), r.ue()
	}
	if r.err != nil {
		return media.VideoConfig{}, fmt.Errorf("%w: %w", ErrMalformedSPS, r.err)
	}

	chromaArrayType := chromaFormatIdc
	if separateColourPlane {
		chromaArrayType = 0
	}
	subWidthC, subHeightC := uint32(2), uint32(2)
	switch chromaArrayType {
	case 0, 3:
		subWidthC, subHeightC = 1, 1
	case 2:
		subWidthC, subHeightC = 2, 1
	}
	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	cfg := media.VideoConfig{
		ProfileIdc:           profileIdc,
		ProfileCompatibility: profileCompatibility,
		LevelIdc:             levelIdc,
		Width:                int((picWidthInMbsMinus1+1)*16 - cropUnitX*(cropLeft+cropRight)),
		Height:               int((2-frameMbsOnly)*(picHeightInMapUnitsMinus1+1)*16 - cropUnitY*(cropTop+cropBottom)),
		SarRatio:             [2]uint32{1, 1},
	}

	// The VUI is optional; a truncated one keeps the square default.
	if !r.flag() || !r.flag() { // vui_parameters_present_flag, aspect_ratio_info_present_flag
		return cfg, nil
	}
	idc := r.u(8)
	switch {
	case idc == extendedSAR:
		w, h := r.u(16), r.u(16)
		if r.err == nil {
			cfg.SarRatio = [2]uint32{w, h}
		}
	case idc > 0 && int(idc) < len(sarTable) && r.err == nil:
		cfg.SarRatio = sarTable[idc]
	}
	// Width is reported in square pixels.
	if sar := cfg.SarRatio; sar[0] != sar[1] && sar[0] != 0 && sar[1] != 0 {
		cfg.Width = int(math.Ceil(float64(cfg.Width) * float64(sar[0]) / float64(sar[1])))
	}
	return cfg, nil
}
