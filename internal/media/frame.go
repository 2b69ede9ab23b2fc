package media

// NalUnitType is the H.264 nal_unit_type (low five bits of the NAL header).
type NalUnitType uint8

// NAL unit types the transmuxer acts on, per ITU-T H.264 Table 7-1.
const (
	NalSlice    NalUnitType = 1
	NalIDR      NalUnitType = 5
	NalSEI      NalUnitType = 6
	NalSPS      NalUnitType = 7
	NalPPS      NalUnitType = 8
	NalAUD      NalUnitType = 9
	NalFiller   NalUnitType = 12
	nalTypeMask             = 0x1F
)

// NalTypeOf returns the NAL unit type encoded in header byte b.
func NalTypeOf(b byte) NalUnitType {
	return NalUnitType(b & nalTypeMask)
}

func (t NalUnitType) String() string {
	switch t {
	case NalIDR:
		return "slice_layer_without_partitioning_rbsp_idr"
	case NalSEI:
		return "sei_rbsp"
	case NalSPS:
		return "seq_parameter_set_rbsp"
	case NalPPS:
		return "pic_parameter_set_rbsp"
	case NalAUD:
		return "access_unit_delimiter_rbsp"
	}
	return ""
}

// NalUnit is one H.264 NAL unit as found in the byte stream, stamped with
// the timestamps of the PES packet that carried it.
type NalUnit struct {
	TrackID int
	PTS     int64
	DTS     int64
	Type    NalUnitType

	// Data is the NAL unit exactly as transmitted, header byte included.
	Data []byte

	// RBSP is the payload after the header byte with emulation prevention
	// bytes removed. Only set for SEI and SPS units.
	RBSP []byte

	// Config is set on SPS units that parsed successfully.
	Config *VideoConfig
}

// Frame is one access unit: the NAL units between two access unit
// delimiters.
type Frame struct {
	Nals       []*NalUnit
	PTS        int64
	DTS        int64
	Duration   int64
	ByteLength int
	KeyFrame   bool
}

// NalCount returns the number of NAL units in the frame.
func (f *Frame) NalCount() int { return len(f.Nals) }

// FrameList is an ordered run of frames with running totals.
type FrameList struct {
	Frames     []*Frame
	ByteLength int
	NalCount   int
	Duration   int64
}

// Gop is a group of pictures: a keyframe and the frames that depend on it.
type Gop struct {
	Frames     []*Frame
	PTS        int64
	DTS        int64
	Duration   int64
	ByteLength int
	NalCount   int
}

// KeyFrame reports whether the GOP starts with a keyframe.
func (g *Gop) KeyFrame() bool {
	return len(g.Frames) > 0 && g.Frames[0].KeyFrame
}

// GopList is an ordered run of GOPs with running totals.
type GopList struct {
	Gops       []*Gop
	PTS        int64
	DTS        int64
	Duration   int64
	ByteLength int
	NalCount   int
}

// GopInfo is the externally visible summary of one emitted GOP, used for
// aligning GOPs across renditions.
type GopInfo struct {
	PTS        int64
	DTS        int64
	ByteLength int
}

// AudioFrame is one AAC raw data block lifted out of its ADTS header.
type AudioFrame struct {
	PTS                    int64
	DTS                    int64
	SampleCount            int
	AudioObjectType        int
	ChannelCount           int
	SampleRate             int
	SamplingFrequencyIndex int
	SampleSize             int
	Data                   []byte
}

// Append adds f to the list and its totals.
func (l *FrameList) Append(f *Frame) {
	l.Frames = append(l.Frames, f)
	l.ByteLength += f.ByteLength
	l.NalCount += f.NalCount()
	l.Duration += f.Duration
}

// Append adds g to the list and its totals. The list's PTS and DTS are
// left alone.
func (l *GopList) Append(g *Gop) {
	l.Gops = append(l.Gops, g)
	l.ByteLength += g.ByteLength
	l.NalCount += g.NalCount
	l.Duration += g.Duration
}

// Prepend puts g in front of the list, which now starts at g.
func (l *GopList) Prepend(g *Gop) {
	l.Gops = append([]*Gop{g}, l.Gops...)
	l.ByteLength += g.ByteLength
	l.NalCount += g.NalCount
	l.Duration += g.Duration
	l.PTS = g.PTS
	l.DTS = g.DTS
}

// Info summarizes the GOPs for alignment across renditions.
func (l *GopList) Info() []GopInfo {
	out := make([]GopInfo, len(l.Gops))
	for i, g := range l.Gops {
		out[i] = GopInfo{PTS: g.PTS, DTS: g.DTS, ByteLength: g.ByteLength}
	}
	return out
}
