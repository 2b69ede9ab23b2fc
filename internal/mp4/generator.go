package mp4

import (
	"math"

	"github.com/zsiec/remux/internal/media"
)

var (
	majorBrand   = []byte("isom")
	avc1Brand    = []byte("avc1")
	minorVersion = []byte{0, 0, 0, 1}
)

// unknownDuration marks a track or movie whose duration is not known, as is
// the case for every fragmented output.
const unknownDuration = math.MaxUint32

// dataOffsetBase is the distance from the start of a single-track moof to
// the first byte of mdat payload, excluding the trun and sdtp boxes:
// tfhd(32) + tfdt(20) + traf header(8) + mfhd(16) + moof header(8) + mdat header(8).
const dataOffsetBase = 32 + 20 + 8 + 16 + 8 + 8

// compressorName is the 32 byte Pascal string stored in avc1.
var compressorName = func() []byte {
	name := "remux-transmuxer"
	b := make([]byte, 32)
	b[0] = byte(len(name))
	copy(b[1:], name)
	return b
}()

// FTYP returns the file type box.
func FTYP() []byte {
	return ftyp().Bytes()
}

func ftyp() *Box {
	return newBox("ftyp", newFields().raw(majorBrand).raw(minorVersion).raw(majorBrand).raw(avc1Brand).bytes())
}

// MDAT wraps data in a media data box.
func MDAT(data []byte) []byte {
	return newBox("mdat", data).Bytes()
}

// MOOV returns the movie box describing tracks.
func MOOV(tracks []*media.Track) []byte {
	return moov(tracks).Bytes()
}

// MOOF returns a movie fragment box for tracks, whose Samples and
// BaseMediaDecodeTime must already describe the fragment.
func MOOF(sequenceNumber uint32, tracks []*media.Track) []byte {
	children := []*Box{mfhd(sequenceNumber)}
	for _, t := range tracks {
		children = append(children, traf(t))
	}
	return newBox("moof", nil, children...).Bytes()
}

// InitSegment returns ftyp followed by moov.
func InitSegment(tracks []*media.Track) []byte {
	ft := ftyp()
	mv := moov(tracks)
	out := make([]byte, 0, ft.Size()+mv.Size())
	out = append(out, ft.Bytes()...)
	return append(out, mv.Bytes()...)
}

func moov(tracks []*media.Track) *Box {
	children := []*Box{mvhd(unknownDuration)}
	for _, t := range tracks {
		children = append(children, trak(t))
	}
	children = append(children, mvex(tracks))
	return newBox("moov", nil, children...)
}

func mvhd(duration uint32) *Box {
	f := newFields().fullBox(0, 0).
		u32(1).                 // creation_time
		u32(2).                 // modification_time
		u32(media.OneSecondInTS). // timescale
		u32(duration).
		u32(0x00010000). // rate 1.0
		u16(0x0100).     // volume 1.0
		zeros(10)
	unityMatrix(f)
	f.zeros(24).    // pre_defined
		u32(0xFFFFFFFF) // next_track_ID
	return newBox("mvhd", f.bytes())
}

func unityMatrix(f *fields) {
	f.u32(0x00010000).u32(0).u32(0).
		u32(0).u32(0x00010000).u32(0).
		u32(0).u32(0).u32(0x40000000)
}

func trackDuration(t *media.Track) uint32 {
	if t.Duration == 0 {
		return unknownDuration
	}
	return t.Duration
}

func trak(t *media.Track) *Box {
	return newBox("trak", nil, tkhd(t), mdia(t))
}

func tkhd(t *media.Track) *Box {
	f := newFields().fullBox(0, 0x000007).
		u32(0). // creation_time
		u32(0). // modification_time
		u32(uint32(t.ID)).
		u32(0). // reserved
		u32(trackDuration(t)).
		zeros(8). // reserved
		u16(0).   // layer
		u16(0).   // alternate_group
		u16(0x0100).
		u16(0)
	unityMatrix(f)
	f.u16(uint16(t.Width)).u16(0).
		u16(uint16(t.Height)).u16(0)
	return newBox("tkhd", f.bytes())
}

func mdia(t *media.Track) *Box {
	return newBox("mdia", nil, mdhd(t), hdlr(t.Type), minf(t))
}

func mdhd(t *media.Track) *Box {
	f := newFields().fullBox(0, 0).
		u32(2). // creation_time
		u32(3). // modification_time
		u32(t.Timescale()).
		u32(trackDuration(t)).
		u16(0x55C4). // 'und' language
		u16(0)
	return newBox("mdhd", f.bytes())
}

func hdlr(typ media.TrackType) *Box {
	handler, name := "vide", "VideoHandler"
	if typ == media.Audio {
		handler, name = "soun", "SoundHandler"
	}
	f := newFields().fullBox(0, 0).
		u32(0). // pre_defined
		raw([]byte(handler)).
		zeros(12). // reserved
		raw([]byte(name)).
		u8(0)
	return newBox("hdlr", f.bytes())
}

func minf(t *media.Track) *Box {
	var header *Box
	if t.Type == media.Video {
		header = newBox("vmhd", newFields().fullBox(0, 1).u16(0).zeros(6).bytes())
	} else {
		header = newBox("smhd", newFields().fullBox(0, 0).u16(0).u16(0).bytes())
	}
	return newBox("minf", nil, header, dinf(), stbl(t))
}

func dinf() *Box {
	url := newBox("url ", newFields().fullBox(0, 1).bytes())
	dref := newBox("dref", newFields().fullBox(0, 0).u32(1).bytes(), url)
	return newBox("dinf", nil, dref)
}

func stbl(t *media.Track) *Box {
	empty := func() []byte { return newFields().fullBox(0, 0).u32(0).bytes() }
	return newBox("stbl", nil,
		stsd(t),
		newBox("stts", empty()),
		newBox("stsc", empty()),
		newBox("stsz", newFields().fullBox(0, 0).u32(0).u32(0).bytes()),
		newBox("stco", empty()),
	)
}

func stsd(t *media.Track) *Box {
	var entry *Box
	if t.Type == media.Video {
		entry = avc1(t)
	} else {
		entry = mp4a(t)
	}
	return newBox("stsd", newFields().fullBox(0, 0).u32(1).bytes(), entry)
}

func avc1(t *media.Track) *Box {
	f := newFields().
		zeros(6). // reserved
		u16(1).   // data_reference_index
		u16(0).   // pre_defined
		u16(0).   // reserved
		zeros(12). // pre_defined
		u16(uint16(t.Width)).
		u16(uint16(t.Height)).
		u32(0x00480000). // horizresolution 72 dpi
		u32(0x00480000). // vertresolution 72 dpi
		u32(0).          // reserved
		u16(1).          // frame_count
		raw(compressorName).
		u16(0x0018). // depth
		u16(0x1111)  // pre_defined
	children := []*Box{avcC(t), btrt()}
	if t.SarRatio[0] != 0 && t.SarRatio[1] != 0 {
		children = append(children, pasp(t.SarRatio))
	}
	return newBox("avc1", f.bytes(), children...)
}

func avcC(t *media.Track) *Box {
	f := newFields().
		u8(1). // configurationVersion
		u8(t.ProfileIdc).
		u8(t.ProfileCompatibility).
		u8(t.LevelIdc).
		u8(0xFF). // reserved + lengthSizeMinusOne = 3
		bits(0x7, 3).bits(uint64(len(t.SPS)), 5)
	for _, sps := range t.SPS {
		f.u16(uint16(len(sps))).raw(sps)
	}
	f.u8(uint8(len(t.PPS)))
	for _, pps := range t.PPS {
		f.u16(uint16(len(pps))).raw(pps)
	}
	return newBox("avcC", f.bytes())
}

func btrt() *Box {
	return newBox("btrt", newFields().
		u32(0x001C9C80). // bufferSizeDB
		u32(0x002DC6C0). // maxBitrate
		u32(0x002DC6C0). // avgBitrate
		bytes())
}

func pasp(sar [2]uint32) *Box {
	return newBox("pasp", newFields().u32(sar[0]).u32(sar[1]).bytes())
}

func mp4a(t *media.Track) *Box {
	f := newFields().
		zeros(6). // reserved
		u16(1).   // data_reference_index
		zeros(8). // reserved
		u16(uint16(t.ChannelCount)).
		u16(uint16(t.SampleSize)).
		u16(0). // pre_defined
		u16(0). // reserved
		u16(uint16(t.SampleRate)).
		u16(0) // samplerate is 16.16 fixed point
	return newBox("mp4a", f.bytes(), esds(t))
}

func esds(t *media.Track) *Box {
	f := newFields().fullBox(0, 0).
		u8(0x03). // ES_DescrTag
		u8(0x19).
		u16(0). // ES_ID
		u8(0).  // flags and stream priority
		u8(0x04). // DecoderConfigDescrTag
		u8(0x11).
		u8(0x40).        // objectTypeIndication: MPEG-4 audio
		u8(0x15).        // streamType audio, upStream 0, reserved 1
		u24(0x000600).   // bufferSizeDB
		u32(0x0000DAC0). // maxBitrate
		u32(0x0000DAC0). // avgBitrate
		u8(0x05).        // DecSpecificInfoTag
		u8(0x02)
	audioSpecificConfig(f, t)
	f.raw([]byte{0x06, 0x01, 0x02}) // SLConfigDescriptor
	return newBox("esds", f.bytes())
}

// audioSpecificConfig writes the two byte AudioSpecificConfig of ISO/IEC
// 14496-3 section 1.6.2.1 with an empty GASpecificConfig.
func audioSpecificConfig(f *fields, t *media.Track) {
	f.bits(uint64(t.AudioObjectType), 5).
		bits(uint64(t.SamplingFrequencyIndex), 4).
		bits(uint64(t.ChannelCount), 4).
		bits(0, 3)
}

func mvex(tracks []*media.Track) *Box {
	children := make([]*Box, 0, len(tracks))
	for _, t := range tracks {
		children = append(children, trex(t))
	}
	return newBox("mvex", nil, children...)
}

func trex(t *media.Track) *Box {
	var flags uint32 = 0x00010001
	if t.Type != media.Video {
		// Non-video samples get degradation priority 0.
		flags = 0x00010000
	}
	f := newFields().fullBox(0, 0).
		u32(uint32(t.ID)).
		u32(1). // default_sample_description_index
		u32(0). // default_sample_duration
		u32(0). // default_sample_size
		u32(flags)
	return newBox("trex", f.bytes())
}

func mfhd(sequenceNumber uint32) *Box {
	return newBox("mfhd", newFields().fullBox(0, 0).u32(sequenceNumber).bytes())
}

func traf(t *media.Track) *Box {
	tfhd := newBox("tfhd", newFields().fullBox(0, 0x00003A).
		u32(uint32(t.ID)).
		u32(1). // sample_description_index
		u32(0). // default_sample_duration
		u32(0). // default_sample_size
		u32(0). // default_sample_flags
		bytes())
	bmdt := t.BaseMediaDecodeTime
	if bmdt < 0 {
		bmdt = 0
	}
	tfdt := newBox("tfdt", newFields().fullBox(1, 0).u64(uint64(bmdt)).bytes())

	if t.Type == media.Audio {
		return newBox("traf", nil, tfhd, tfdt, audioTrun(t.Samples, dataOffsetBase))
	}
	sdtp := sdtp(t.Samples)
	return newBox("traf", nil, tfhd, tfdt, videoTrun(t.Samples, dataOffsetBase+sdtp.Size()), sdtp)
}

func sdtp(samples []media.Sample) *Box {
	f := newFields().fullBox(0, 0)
	for _, s := range samples {
		f.u8(s.Flags.DependsOn<<4 | s.Flags.IsDependedOn<<2 | s.Flags.HasRedundancy)
	}
	return newBox("sdtp", f.bytes())
}

// trun flag bits, ISO/IEC 14496-12 section 8.8.8.1.
const (
	trunDataOffsetPresent            = 0x000001
	trunSampleDurationPresent        = 0x000100
	trunSampleSizePresent            = 0x000200
	trunSampleFlagsPresent           = 0x000400
	trunSampleCompositionTimePresent = 0x000800
)

func trunHeader(f *fields, flags uint32, sampleCount int, dataOffset int) {
	f.fullBox(0, flags).
		u32(uint32(sampleCount)).
		u32(uint32(dataOffset))
}

func videoTrun(samples []media.Sample, offset int) *Box {
	offset += 8 + 12 + 16*len(samples)
	f := newFields()
	trunHeader(f, trunDataOffsetPresent|trunSampleDurationPresent|trunSampleSizePresent|
		trunSampleFlagsPresent|trunSampleCompositionTimePresent, len(samples), offset)
	for _, s := range samples {
		f.u32(s.Duration).
			u32(s.Size).
			u32(sampleFlags(s.Flags)).
			u32(uint32(s.CompositionTimeOffset))
	}
	return newBox("trun", f.bytes())
}

func audioTrun(samples []media.Sample, offset int) *Box {
	offset += 8 + 12 + 8*len(samples)
	f := newFields()
	trunHeader(f, trunDataOffsetPresent|trunSampleDurationPresent|trunSampleSizePresent, len(samples), offset)
	for _, s := range samples {
		f.u32(s.Duration).u32(s.Size)
	}
	return newBox("trun", f.bytes())
}

// sampleFlags packs flags into the 32-bit sample_flags layout:
// 4 reserved, 2 is_leading, 2 depends_on, 2 is_depended_on, 2 has_redundancy,
// 3 padding, 1 non_sync, 16 degradation_priority.
func sampleFlags(fl media.SampleFlags) uint32 {
	return uint32(fl.IsLeading&0x3)<<26 |
		uint32(fl.DependsOn&0x3)<<24 |
		uint32(fl.IsDependedOn&0x3)<<22 |
		uint32(fl.HasRedundancy&0x3)<<20 |
		uint32(fl.PaddingValue&0x7)<<17 |
		uint32(fl.IsNonSyncSample&0x1)<<16 |
		uint32(fl.DegradationPriority)
}
