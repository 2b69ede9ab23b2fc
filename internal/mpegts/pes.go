package mpegts

import (
	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
)

// pesBuffer collects the transport packets of one PES unit.
type pesBuffer struct {
	typ  media.TrackType
	data []*PESPacket
	size int
}

func (b *pesBuffer) reset() {
	b.data = b.data[:0]
	b.size = 0
}

// ElementaryStream reassembles PES packets per stream type and announces the
// program's tracks. It emits *TrackList and *PES values.
//
// A video unit is complete when the next unit starts or the segment is
// flushed. Audio and metadata units are only emitted once the buffered bytes
// cover the declared PES_packet_length; a unit cut short by the end of the
// segment stays buffered.
type ElementaryStream struct {
	event.Base

	video    pesBuffer
	audio    pesBuffer
	metadata pesBuffer

	table         *ProgramMapTable
	segmentHadPMT bool
}

// NewElementaryStream returns an empty ElementaryStream.
func NewElementaryStream() *ElementaryStream {
	return &ElementaryStream{
		video:    pesBuffer{typ: media.Video},
		audio:    pesBuffer{typ: media.Audio},
		metadata: pesBuffer{typ: media.TimedMetadata},
	}
}

// Push consumes one value from ParseStream.
func (s *ElementaryStream) Push(v any) {
	switch d := v.(type) {
	case *PATData:
		// Nothing is known until the PMT arrives.
	case *PMTData:
		s.table = d.Table
		s.segmentHadPMT = true
		s.Emit(event.Data, s.trackList())
	case *PESPacket:
		var buf *pesBuffer
		switch d.StreamType {
		case StreamTypeH264:
			buf = &s.video
		case StreamTypeADTS:
			buf = &s.audio
		case StreamTypeMetadata:
			buf = &s.metadata
		default:
			return
		}
		if d.PayloadUnitStartIndicator {
			s.flushBuffer(buf, true)
		}
		buf.data = append(buf.data, d)
		buf.size += len(d.Data)
	}
}

// Flush emits the track list if this segment carried no PMT of its own, then
// drains video, audio and metadata in that order.
func (s *ElementaryStream) Flush(source string) {
	if !s.segmentHadPMT && s.table != nil {
		s.Emit(event.Data, s.trackList())
	}
	s.segmentHadPMT = false
	s.flushBuffer(&s.video, false)
	s.flushBuffer(&s.audio, false)
	s.flushBuffer(&s.metadata, false)
	s.Emit(event.Done, source)
}

// Reset drops buffered audio and video. The program map survives a reset.
func (s *ElementaryStream) Reset(source string) {
	s.video.reset()
	s.audio.reset()
	s.Emit(event.Reset, source)
}

func (s *ElementaryStream) trackList() *TrackList {
	tl := &TrackList{}
	if s.table.HasVideo {
		tl.Tracks = append(tl.Tracks, media.NewTrack(int(s.table.Video), media.Video, media.CodecAVC))
	}
	if s.table.HasAudio {
		tl.Tracks = append(tl.Tracks, media.NewTrack(int(s.table.Audio), media.Audio, media.CodecADTS))
	}
	return tl
}

// flushBuffer assembles the buffered unit. When force is set the buffer is
// cleared even if the unit is incomplete; incomplete units are never emitted.
func (s *ElementaryStream) flushBuffer(b *pesBuffer, force bool) {
	if len(b.data) == 0 || b.size < 9 {
		return
	}

	payload := make([]byte, 0, b.size)
	for _, frag := range b.data {
		payload = append(payload, frag.Data...)
	}
	pes := &PES{Type: b.typ, TrackID: int(b.data[0].PID)}
	parsePES(payload, pes)

	flushable := b.typ == media.Video || pes.PacketLength <= b.size
	if force || flushable {
		b.reset()
	}
	if flushable {
		s.Emit(event.Data, pes)
	}
}

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// parsePES fills pes from an assembled PES unit. A unit without a start code
// continues data from a previous segment and yields no payload.
func parsePES(payload []byte, pes *PES) {
	if !isPESPayload(payload) || len(payload) < 9 {
		return
	}

	// payload[4-5]: PES_packet_length, zero for unbounded video
	// payload[6]:   marker(2) + scrambling(2) + priority(1) + alignment(1) + copyright(1) + original(1)
	// payload[7]:   PTS_DTS_indicator(2) + ESCR(1) + ES_rate(1) + DSM_trick(1) + additional_copy(1) + CRC(1) + extension(1)
	// payload[8]:   PES_header_data_length
	pes.PacketLength = 6 + (int(payload[4])<<8 | int(payload[5]))
	pes.DataAlignmentIndicator = payload[6]&0x04 != 0

	flags := payload[7]
	if flags&0xC0 != 0 && len(payload) >= 14 {
		pes.PTS = parsePTSOrDTS(payload[9:14])
		pes.DTS = pes.PTS
		pes.HasPTS = true
		if flags&0x40 != 0 && len(payload) >= 19 {
			pes.DTS = parsePTSOrDTS(payload[14:19])
		}
	}

	dataStart := 9 + int(payload[8])
	if dataStart > len(payload) {
		dataStart = len(payload)
	}
	pes.Data = payload[dataStart:]
}

// parsePTSOrDTS extracts a 33-bit timestamp from 5 PES timestamp bytes.
func parsePTSOrDTS(bs []byte) int64 {
	return int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
}
