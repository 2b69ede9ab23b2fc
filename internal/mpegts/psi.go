package mpegts

import (
	"fmt"

	"github.com/zsiec/remux/internal/event"
)

const (
	pidPAT     = 0x0000
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// ParseStream classifies packets as PAT, PMT or PES. PES packets that arrive
// before the first PMT are held and replayed, in order, once it is parsed.
// It emits *PATData, *PMTData and *PESPacket values.
type ParseStream struct {
	event.Base

	pmtPID  uint16
	hasPMT  bool
	table   *ProgramMapTable
	waiting []*Packet
}

// NewParseStream returns a ParseStream that has not seen a PAT.
func NewParseStream() *ParseStream {
	return &ParseStream{}
}

// Push consumes one 188-byte packet.
func (s *ParseStream) Push(v any) {
	buf, ok := v.([]byte)
	if !ok {
		return
	}
	p, err := parsePacket(buf)
	if err != nil {
		s.Warn("mpegts", "dropping packet", "error", err)
		return
	}

	switch {
	case p.Header.PID == pidPAT:
		for _, sec := range s.sections(p) {
			pat, ok := sec.(*PATData)
			if !ok {
				continue
			}
			if len(pat.Programs) > 0 {
				s.pmtPID = pat.Programs[0].ProgramMapID
				s.hasPMT = true
				pat.PMTPID = s.pmtPID
			}
			s.Emit(event.Data, pat)
		}
	case s.hasPMT && p.Header.PID == s.pmtPID:
		for _, sec := range s.sections(p) {
			pmt, ok := sec.(*PMTData)
			if !ok || !pmt.CurrentNext {
				// Sections announcing a future table are ignored.
				continue
			}
			s.table = buildTable(pmt)
			pmt.Table = s.table
			s.Emit(event.Data, pmt)
		}
		if s.table != nil {
			waiting := s.waiting
			s.waiting = nil
			for _, w := range waiting {
				s.processPES(w)
			}
		}
	case s.table == nil:
		s.waiting = append(s.waiting, p)
	default:
		s.processPES(p)
	}
}

// Waiting reports how many PES packets are held until a PMT arrives.
func (s *ParseStream) Waiting() int { return len(s.waiting) }

func (s *ParseStream) processPES(p *Packet) {
	s.Emit(event.Data, &PESPacket{
		PID:                       p.Header.PID,
		PayloadUnitStartIndicator: p.Header.PayloadUnitStartIndicator,
		StreamType:                s.table.streamType(p.Header.PID),
		Data:                      p.Payload,
	})
}

func (s *ParseStream) sections(p *Packet) []any {
	secs, err := parsePSI(p.Payload, p.Header.PayloadUnitStartIndicator)
	if err != nil {
		s.Warn("mpegts", "malformed PSI", "pid", p.Header.PID, "error", err)
	}
	return secs
}

// buildTable maps the first H.264 and the first ADTS stream, and every
// timed metadata stream.
func buildTable(pmt *PMTData) *ProgramMapTable {
	t := &ProgramMapTable{TimedMetadata: make(map[uint16]uint8)}
	for _, es := range pmt.ElementaryStreams {
		switch {
		case es.StreamType == StreamTypeH264 && !t.HasVideo:
			t.Video, t.HasVideo = es.ElementaryPID, true
		case es.StreamType == StreamTypeADTS && !t.HasAudio:
			t.Audio, t.HasAudio = es.ElementaryPID, true
		case es.StreamType == StreamTypeMetadata:
			t.TimedMetadata[es.ElementaryPID] = es.StreamType
		}
	}
	return t
}

// parsePSI parses the PAT and PMT sections carried by one packet payload.
// A pointer field precedes the first section when a section starts in the
// packet.
func parsePSI(payload []byte, pusi bool) ([]any, error) {
	offset := 0
	if pusi {
		if len(payload) < 1 {
			return nil, fmt.Errorf("mpegts: PSI payload too short")
		}
		offset = 1 + int(payload[0])
		if offset >= len(payload) {
			return nil, fmt.Errorf("mpegts: PSI pointer field out of range")
		}
	}

	var results []any

	for offset < len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF {
			break // stuffing bytes
		}
		if offset+3 > len(payload) {
			break
		}

		// section_syntax_indicator must be 1 for PAT/PMT.
		// Zero padding bytes will have this bit clear.
		if payload[offset+1]&0x80 == 0 {
			break
		}

		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}

		sectionData := payload[offset:sectionEnd]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(sectionData)
			if err != nil {
				return results, err
			}
			results = append(results, pat)

		case tableIDPMT:
			pmt, err := parsePMTSection(sectionData)
			if err != nil {
				return results, err
			}
			results = append(results, pmt)
		}

		offset = sectionEnd
	}

	return results, nil
}

func parsePATSection(data []byte) (*PATData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT %w", err)
	}

	// data layout:
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  transport_stream_id
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8..N-4] program entries (4 bytes each)
	// [N-4..N] CRC32

	if len(data) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short")
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	entryStart := 8
	entryEnd := 3 + sectionLength - 4
	if entryEnd > len(data)-4 {
		entryEnd = len(data) - 4
	}

	pat := &PATData{
		SectionNumber:     data[6],
		LastSectionNumber: data[7],
	}
	for i := entryStart; i+4 <= entryEnd; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		pmtPID := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])

		if programNumber == 0 {
			continue // NIT PID, skip
		}

		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  pmtPID,
		})
	}

	return pat, nil
}

func parsePMTSection(data []byte) (*PMTData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT %w", err)
	}

	// data layout:
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  program_number
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8-9]  reserved(3) + PCR_PID(13)
	// [10-11] reserved(4) + program_info_length(12)
	// [...] program descriptors
	// [...] elementary stream entries
	// [...] CRC32

	if len(data) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short")
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	sectionEnd := 3 + sectionLength

	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + programInfoLength

	pmt := &PMTData{CurrentNext: data[5]&0x01 != 0}
	for offset+5 <= sectionEnd-4 {
		streamType := data[offset]
		elementaryPID := uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2])
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])

		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			ElementaryPID: elementaryPID,
			StreamType:    streamType,
		})

		offset += 5 + esInfoLength
	}

	return pmt, nil
}
