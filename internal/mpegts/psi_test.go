package mpegts

import (
	"encoding/binary"
	"testing"
)

type esEntry struct {
	streamType uint8
	pid        uint16
}

// buildPAT constructs a valid PAT section with CRC32.
func buildPAT(tsID uint16, programs []struct{ num, pid uint16 }) []byte {
	entryLen := len(programs) * 4
	sectionLength := 5 + entryLen + 4 // 5 fixed header bytes after section_length + entries + CRC

	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPAT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F // section_syntax_indicator=1
	data[2] = byte(sectionLength)
	data[3] = byte(tsID >> 8)
	data[4] = byte(tsID)
	data[5] = 0xC1 // reserved(2) + version(0) + current_next(1)
	data[6] = 0x00 // section_number
	data[7] = 0x00 // last_section_number

	offset := 8
	for _, p := range programs {
		data[offset] = byte(p.num >> 8)
		data[offset+1] = byte(p.num)
		data[offset+2] = 0xE0 | byte(p.pid>>8)&0x1F // reserved(3) + PID
		data[offset+3] = byte(p.pid)
		offset += 4
	}

	crc := computeCRC32(data[:offset])
	binary.BigEndian.PutUint32(data[offset:], crc)
	return data
}

// buildPMT constructs a valid PMT section with CRC32.
func buildPMT(programNum uint16, pcrPID uint16, currentNext bool, streams []esEntry) []byte {
	sectionLength := 9 + 5*len(streams) + 4 // 9 fixed bytes after section_length field + ES entries + CRC

	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPMT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(programNum >> 8)
	data[4] = byte(programNum)
	data[5] = 0xC0 // reserved + version
	if currentNext {
		data[5] |= 0x01
	}
	data[6] = 0x00 // section_number
	data[7] = 0x00 // last_section_number
	data[8] = 0xE0 | byte(pcrPID>>8)&0x1F
	data[9] = byte(pcrPID)
	data[10] = 0xF0 // reserved(4) + program_info_length(12) = 0
	data[11] = 0x00

	offset := 12
	for _, s := range streams {
		data[offset] = s.streamType
		data[offset+1] = 0xE0 | byte(s.pid>>8)&0x1F
		data[offset+2] = byte(s.pid)
		data[offset+3] = 0xF0 // reserved(4) + ES_info_length(12) = 0
		data[offset+4] = 0x00
		offset += 5
	}

	crc := computeCRC32(data[:offset])
	binary.BigEndian.PutUint32(data[offset:], crc)
	return data
}

// withPointer prefixes a section with a zero pointer field.
func withPointer(section []byte) []byte {
	return append([]byte{0x00}, section...)
}

func patPacket(pmtPID uint16) []byte {
	return makeStuffedPacket(pidPAT, 0, true, withPointer(buildPAT(1, []struct{ num, pid uint16 }{{1, pmtPID}})))
}

func pmtPacket(pmtPID uint16, currentNext bool, streams ...esEntry) []byte {
	return makeStuffedPacket(pmtPID, 0, true, withPointer(buildPMT(1, 0x100, currentNext, streams)))
}

func TestParsePATSection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		programs []struct{ num, pid uint16 }
		want     int
	}{
		{"one program", []struct{ num, pid uint16 }{{1, 0x1000}}, 1},
		{"two programs", []struct{ num, pid uint16 }{{1, 0x100}, {2, 0x200}}, 2},
		{"skips NIT", []struct{ num, pid uint16 }{{0, 0x10}, {1, 0x100}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pat, err := parsePATSection(buildPAT(1, tt.programs))
			if err != nil {
				t.Fatal(err)
			}
			if len(pat.Programs) != tt.want {
				t.Fatalf("programs = %d, want %d", len(pat.Programs), tt.want)
			}
		})
	}
}

func TestParsePATSection_BadCRC(t *testing.T) {
	t.Parallel()
	data := buildPAT(1, []struct{ num, pid uint16 }{{1, 0x100}})
	data[len(data)-1] ^= 0xFF

	if _, err := parsePATSection(data); err == nil {
		t.Error("expected CRC error")
	}
}

func TestParsePMTSection_H264_AAC(t *testing.T) {
	t.Parallel()
	data := buildPMT(1, 481, true, []esEntry{{0x1B, 481}, {0x0F, 494}})

	pmt, err := parsePMTSection(data)
	if err != nil {
		t.Fatal(err)
	}
	if !pmt.CurrentNext {
		t.Error("CurrentNext should be true")
	}
	if len(pmt.ElementaryStreams) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(pmt.ElementaryStreams))
	}
	if pmt.ElementaryStreams[0].StreamType != 0x1B || pmt.ElementaryStreams[0].ElementaryPID != 481 {
		t.Errorf("stream 0 = %+v", pmt.ElementaryStreams[0])
	}
	if pmt.ElementaryStreams[1].StreamType != 0x0F || pmt.ElementaryStreams[1].ElementaryPID != 494 {
		t.Errorf("stream 1 = %+v", pmt.ElementaryStreams[1])
	}
}

func TestParsePSI_PointerFieldAndPadding(t *testing.T) {
	t.Parallel()
	section := buildPAT(1, []struct{ num, pid uint16 }{{1, 0x1000}})

	payload := []byte{0x03, 0xFF, 0xFF, 0xFF}
	payload = append(payload, section...)
	payload = append(payload, 0xFF, 0xFF, 0xFF)

	results, err := parsePSI(payload, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if _, ok := results[0].(*PATData); !ok {
		t.Fatalf("result is %T, want *PATData", results[0])
	}
}

func TestParseStream_ProgramDiscovery(t *testing.T) {
	t.Parallel()
	s := NewParseStream()
	rec := record(s)

	s.Push(patPacket(0x1000))
	s.Push(pmtPacket(0x1000, true,
		esEntry{StreamTypeH264, 0x100},
		esEntry{StreamTypeH264, 0x102},
		esEntry{StreamTypeADTS, 0x101},
		esEntry{StreamTypeMetadata, 0x103},
		esEntry{StreamTypeMetadata, 0x104},
	))

	if len(rec.data) != 2 {
		t.Fatalf("units = %d, want 2", len(rec.data))
	}
	pat := rec.data[0].(*PATData)
	if pat.PMTPID != 0x1000 {
		t.Errorf("PMT PID = 0x%X, want 0x1000", pat.PMTPID)
	}
	tbl := rec.data[1].(*PMTData).Table
	if !tbl.HasVideo || tbl.Video != 0x100 {
		t.Errorf("video = 0x%X, want first H.264 PID 0x100", tbl.Video)
	}
	if !tbl.HasAudio || tbl.Audio != 0x101 {
		t.Errorf("audio = 0x%X, want 0x101", tbl.Audio)
	}
	if len(tbl.TimedMetadata) != 2 {
		t.Errorf("timed metadata PIDs = %d, want 2", len(tbl.TimedMetadata))
	}

	s.Push(makePacket(0x101, 0, true, nil))
	s.Push(makePacket(0x102, 0, true, nil))
	pes := rec.data[2].(*PESPacket)
	if pes.StreamType != StreamTypeADTS || !pes.PayloadUnitStartIndicator {
		t.Errorf("audio packet = %+v", pes)
	}
	if st := rec.data[3].(*PESPacket).StreamType; st != 0 {
		t.Errorf("second H.264 PID resolved to 0x%X, want unknown", st)
	}
}

func TestParseStream_HoldsPESUntilPMT(t *testing.T) {
	t.Parallel()
	s := NewParseStream()
	rec := record(s)

	s.Push(patPacket(0x1000))
	s.Push(makePacket(0x100, 0, true, []byte{1}))
	s.Push(makePacket(0x100, 1, false, []byte{2}))
	if s.Waiting() != 2 {
		t.Fatalf("waiting = %d, want 2", s.Waiting())
	}

	s.Push(pmtPacket(0x1000, true, esEntry{StreamTypeH264, 0x100}))
	if s.Waiting() != 0 {
		t.Errorf("waiting = %d, want 0", s.Waiting())
	}
	if len(rec.data) != 4 {
		t.Fatalf("units = %d, want 4", len(rec.data))
	}
	for i, want := range []byte{1, 2} {
		pes := rec.data[2+i].(*PESPacket)
		if pes.StreamType != StreamTypeH264 || pes.Data[0] != want {
			t.Errorf("replayed packet %d = type 0x%X data %d", i, pes.StreamType, pes.Data[0])
		}
	}
}

func TestParseStream_IgnoresFuturePMT(t *testing.T) {
	t.Parallel()
	s := NewParseStream()
	rec := record(s)

	s.Push(patPacket(0x1000))
	s.Push(pmtPacket(0x1000, false, esEntry{StreamTypeH264, 0x100}))
	if len(rec.data) != 1 {
		t.Fatalf("units = %d, want only the PAT", len(rec.data))
	}

	s.Push(makePacket(0x100, 0, true, nil))
	if s.Waiting() != 1 {
		t.Errorf("waiting = %d, want 1 while no current PMT is known", s.Waiting())
	}
}
