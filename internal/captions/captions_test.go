package captions

import (
	"testing"

	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
)

// pair is one cc_data triplet: cc_type and the two data bytes.
type pair struct {
	ccType int
	data   uint16
}

// gaUserData builds the ATSC A/53 T.35 payload carrying pairs.
func gaUserData(pairs ...pair) []byte {
	p := []byte{countryCodeUS, 0x00, providerCodeATSC, 'G', 'A', '9', '4', userDataTypeCaption}
	p = append(p, 0x40|byte(len(pairs)), 0xFF)
	for _, cc := range pairs {
		p = append(p, 0xF8|0x04|byte(cc.ccType), byte(cc.data>>8), byte(cc.data))
	}
	return append(p, 0xFF)
}

// seiRBSP wraps payload in one user_data_registered_itu_t_t35 message.
func seiRBSP(payload []byte) []byte {
	rbsp := []byte{userDataRegisteredITUT35, byte(len(payload))}
	rbsp = append(rbsp, payload...)
	return append(rbsp, rbspTrailingBits)
}

func seiNal(pts, dts int64, pairs ...pair) *media.NalUnit {
	return &media.NalUnit{Type: media.NalSEI, PTS: pts, DTS: dts, RBSP: seiRBSP(gaUserData(pairs...))}
}

// field1 returns CC1/CC2 pairs for the given codes, each control code
// sent twice as broadcasters do.
func field1(codes ...uint16) []pair {
	var out []pair
	for _, c := range codes {
		out = append(out, pair{0, c})
		if c&0xF000 == 0x1000 {
			out = append(out, pair{0, c})
		}
	}
	return out
}

func collectCues(s event.Stage) *[]*media.Caption {
	var cues []*media.Caption
	s.Events().Subscribe(event.Data, func(p any) {
		cues = append(cues, p.(*media.Caption))
	})
	return &cues
}

const (
	rcl = 0x1420 // resume caption loading
	eoc = 0x142F // end of caption
	edm = 0x142C // erase displayed memory
	ru2 = 0x1425 // roll-up, two rows
	cr  = 0x142D // carriage return
	rdc = 0x1429 // resume direct captioning
)

func TestParseSEI(t *testing.T) {
	t.Parallel()
	payload := gaUserData(pair{0, 0x4849})
	// A buffering_period message ahead of the captions.
	rbsp := append([]byte{0x00, 0x03, 0xAA, 0xBB, 0xCC}, seiRBSP(payload)...)

	msg, ok := parseSEI(rbsp)
	if !ok {
		t.Fatal("parseSEI found no caption message")
	}
	if msg.payloadType != userDataRegisteredITUT35 || msg.payloadSize != len(payload) {
		t.Errorf("message = type %d size %d, want 4 and %d", msg.payloadType, msg.payloadSize, len(payload))
	}
	data := parseUserData(msg)
	got := parseCaptionPackets(900, data)
	if len(got) != 1 || got[0].CCData != 0x4849 || got[0].PTS != 900 || got[0].Type != 0 {
		t.Errorf("packets = %+v", got)
	}
}

func TestParseSEI_NoCaptions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		rbsp []byte
	}{
		{"empty", nil},
		{"trailing bits only", []byte{0x80}},
		{"other payload type", []byte{0x05, 0x02, 0x01, 0x02, 0x80}},
		{"t35 without GA94", seiRBSP([]byte{0xB5, 0x00, 0x31, 'D', 'T', 'G', '1', 0x03, 0x40})},
		{"truncated size", []byte{0x04}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, ok := parseSEI(tt.rbsp); ok {
				t.Error("parseSEI reported a caption message")
			}
		})
	}
}

func TestParseUserData_Rejects(t *testing.T) {
	t.Parallel()
	good := gaUserData(pair{0, 0x4142})
	tests := []struct {
		name  string
		index int
		value byte
	}{
		{"country", 0, 0xB4},
		{"provider", 2, 0x30},
		{"identifier", 5, 'B'},
		{"type code", 7, 0x04},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := append([]byte(nil), good...)
			p[tt.index] = tt.value
			if got := parseUserData(sei{payloadType: 4, payload: p}); got != nil {
				t.Errorf("parseUserData accepted bad %s", tt.name)
			}
		})
	}
}

func TestParseCaptionPackets(t *testing.T) {
	t.Parallel()
	// process_cc_data_flag clear: filler only.
	if got := parseCaptionPackets(0, []byte{0x01, 0xFF, 0xFC, 0x41, 0x42}); got != nil {
		t.Errorf("filler parsed as %+v", got)
	}
	// The middle triplet has cc_valid clear.
	data := []byte{0x43, 0xFF, 0xFC, 0x41, 0x42, 0xF8, 0x43, 0x44, 0xFF, 0x02, 0x21}
	got := parseCaptionPackets(10, data)
	if len(got) != 2 {
		t.Fatalf("packets = %d, want 2", len(got))
	}
	if got[1].Type != 3 || got[1].CCData != 0x0221 {
		t.Errorf("second packet = %+v, want DTVCC start 0x0221", got[1])
	}
}

func TestCea608_PopOn(t *testing.T) {
	t.Parallel()
	s := NewCaptionStream(false)
	cues := collectCues(s)

	s.Push(seiNal(1000, 1000, field1(rcl, 0x4849)...))
	s.Push(seiNal(2000, 2000, field1(eoc)...))
	s.Push(seiNal(5000, 5000, field1(edm)...))
	s.Flush("test")

	if len(*cues) != 1 {
		t.Fatalf("cues = %d, want 1", len(*cues))
	}
	c := (*cues)[0]
	if c.Text != "HI" || c.StartPTS != 2000 || c.EndPTS != 5000 || c.Stream != "CC1" {
		t.Errorf("cue = %+v, want HI on CC1 from 2000 to 5000", c)
	}
}

func TestCea608_RollUp(t *testing.T) {
	t.Parallel()
	s := NewCaptionStream(false)
	cues := collectCues(s)

	s.Push(seiNal(1000, 1000, field1(ru2, 0x4142)...))
	s.Push(seiNal(2000, 2000, field1(cr, 0x4344)...))
	s.Push(seiNal(3000, 3000, field1(cr)...))
	s.Flush("test")

	want := []media.Caption{
		{StartPTS: 0, EndPTS: 2000, Text: "AB", Stream: "CC1"},
		{StartPTS: 2000, EndPTS: 3000, Text: "AB\nCD", Stream: "CC1"},
	}
	if len(*cues) != len(want) {
		t.Fatalf("cues = %d, want %d", len(*cues), len(want))
	}
	for i, c := range *cues {
		if *c != want[i] {
			t.Errorf("cue %d = %+v, want %+v", i, *c, want[i])
		}
	}
}

func TestCea608_PaintOnAndCharacters(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		codes []uint16
		want  string
	}{
		{"special character", []uint16{0x1137}, "♪"},
		{"extended replaces fallback", []uint16{0x4500, 0x1221}, "É"},
		{"translated ascii", []uint16{0x2A5C}, "áé"},
		{"backspace", []uint16{0x4142, 0x1421}, "A"},
		{"italics mid-row", []uint16{0x4100, 0x112E, 0x4200}, "A <i>B</i>"},
		{"underline pac", []uint16{0x1461, 0x4100}, "<u>A</u>"},
		{"indent pac", []uint16{0x1452, 0x4100}, "A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewCaptionStream(false)
			cues := collectCues(s)
			s.Push(seiNal(100, 100, field1(append([]uint16{rdc}, tt.codes...)...)...))
			// A carriage return closes formatting and flushes the painted row.
			s.Push(seiNal(900, 900, field1(cr)...))
			s.Flush("test")
			if len(*cues) != 1 {
				t.Fatalf("cues = %d, want 1", len(*cues))
			}
			if got := (*cues)[0].Text; got != tt.want {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCea608_PACMovesRow(t *testing.T) {
	t.Parallel()
	s := NewCea608Stream(0, 0)
	s.Push(ccPacket{CCData: rcl})
	s.Push(ccPacket{CCData: 0x1140}) // row 1
	if s.row != 0 {
		t.Errorf("row = %d, want 0", s.row)
	}
	s.Push(ccPacket{CCData: 0x1340}) // row 12
	if s.row != 11 {
		t.Errorf("row = %d, want 11", s.row)
	}
	if s.mode != modePopOn {
		t.Errorf("mode = %s, want popOn", s.mode)
	}
}

func TestCea608_DuplicateControlCodesActOnce(t *testing.T) {
	t.Parallel()
	s := NewCea608Stream(0, 0)
	cues := collectCues(s)
	for _, cc := range []uint16{rdc, rdc, 0x4100, 0x1421, 0x1421, 0x4200, edm} {
		s.Push(ccPacket{CCData: cc, PTS: 10})
	}
	if len(*cues) != 1 || (*cues)[0].Text != "B" {
		t.Fatalf("cues = %+v, want one cue B", *cues)
	}
}

func TestCaptionStream_RoutesChannels(t *testing.T) {
	t.Parallel()
	s := NewCaptionStream(false)
	cues := collectCues(s)

	s.Push(seiNal(100, 100,
		// CC3 on field 2.
		pair{1, 0x1529}, pair{1, 0x1529}, pair{1, 0x4142},
		// CC2 on field 1.
		pair{0, 0x1C29}, pair{0, 0x1C29}, pair{0, 0x5859},
	))
	s.Push(seiNal(200, 200,
		pair{1, 0x152C}, pair{1, 0x152C},
		pair{0, 0x1C2C}, pair{0, 0x1C2C},
	))
	s.Flush("test")

	got := map[string]string{}
	for _, c := range *cues {
		got[c.Stream] = c.Text
	}
	if got["CC3"] != "AB" || got["CC2"] != "XY" || len(got) != 2 {
		t.Errorf("cues by stream = %v, want CC3 AB and CC2 XY", got)
	}
}

func TestCaptionStream_XDSDiscarded(t *testing.T) {
	t.Parallel()
	s := NewCaptionStream(false)
	cues := collectCues(s)
	s.Push(seiNal(100, 100,
		pair{0, rdc}, pair{0, rdc}, pair{0, 0x4100},
		pair{0, 0x0105}, pair{0, 0x5A5A}, pair{0, 0x0F1D}, // XDS packet
		pair{0, edm}, pair{0, edm},
	))
	s.Flush("test")
	if len(*cues) != 1 || (*cues)[0].Text != "A" {
		t.Fatalf("cues = %+v, want one cue A", *cues)
	}
}

func TestCaptionStream_DropsRepeatedSegment(t *testing.T) {
	t.Parallel()
	s := NewCaptionStream(false)
	cues := collectCues(s)
	segment := []*media.NalUnit{
		seiNal(1000, 1000, field1(rcl, 0x4849)...),
		seiNal(2000, 2000, field1(eoc)...),
		seiNal(3000, 3000, field1(edm)...),
	}
	for _, n := range segment {
		s.Push(n)
	}
	for _, n := range segment {
		s.Push(n)
	}
	s.Push(seiNal(4000, 4000, field1(rcl, 0x4F4B, eoc)...))
	s.Push(seiNal(5000, 5000, field1(edm)...))
	s.Flush("test")

	var texts []string
	for _, c := range *cues {
		texts = append(texts, c.Text)
	}
	if len(texts) != 2 || texts[0] != "HI" || texts[1] != "OK" {
		t.Errorf("cues = %q, want [HI OK]", texts)
	}
}

func TestCaptionStream_EmitsOneDone(t *testing.T) {
	t.Parallel()
	s := NewCaptionStream(true)
	var sources []string
	s.Events().Subscribe(event.Done, func(p any) { sources = append(sources, p.(string)) })
	s.Flush("upstream")
	if len(sources) != 1 || sources[0] != SourceCaptionStream {
		t.Errorf("done sources = %v, want [%s]", sources, SourceCaptionStream)
	}
}

func TestCaptionStream_ResetClearsDisplay(t *testing.T) {
	t.Parallel()
	s := NewCaptionStream(false)
	cues := collectCues(s)
	s.Push(seiNal(1000, 1000, field1(rdc, 0x4849)...))
	s.Flush("test")
	s.Reset("test")
	s.Push(seiNal(500, 500, field1(edm)...))
	s.Flush("test")
	if len(*cues) != 0 {
		t.Errorf("cues = %+v, want none after reset", *cues)
	}
}

func TestCea708Stream_TruncatedPacketWarns(t *testing.T) {
	t.Parallel()
	s := NewCea708Stream()
	var warnings int
	s.Events().Subscribe(event.Log, func(any) { warnings++ })

	s.Push(ccPacket{Type: 0, CCData: 0x4142})
	s.Push(ccPacket{Type: 3, CCData: 0x0300})
	s.Push(ccPacket{Type: 3, CCData: 0x0300})
	if warnings != 1 {
		t.Errorf("warnings = %d, want 1", warnings)
	}
	if len(s.buf) != 2 {
		t.Errorf("buffered = %d bytes, want 2", len(s.buf))
	}
}
