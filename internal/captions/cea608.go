package captions

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
)

// characterTranslation maps CEA-608 codes that differ from ASCII, and the
// special and extended character sets (field and channel bits masked off),
// to Unicode code points.
var characterTranslation = map[uint16]rune{
	0x002a: 0xe1,   // á
	0x005c: 0xe9,   // é
	0x005e: 0xed,   // í
	0x005f: 0xf3,   // ó
	0x0060: 0xfa,   // ú
	0x007b: 0xe7,   // ç
	0x007c: 0xf7,   // ÷
	0x007d: 0xd1,   // Ñ
	0x007e: 0xf1,   // ñ
	0x007f: 0x2588, // █
	0x0130: 0xae,   // ®
	0x0131: 0xb0,   // °
	0x0132: 0xbd,   // ½
	0x0133: 0xbf,   // ¿
	0x0134: 0x2122, // ™
	0x0135: 0xa2,   // ¢
	0x0136: 0xa3,   // £
	0x0137: 0x266a, // ♪
	0x0138: 0xe0,   // à
	0x0139: 0xa0,   // transparent space
	0x013a: 0xe8,   // è
	0x013b: 0xe2,   // â
	0x013c: 0xea,   // ê
	0x013d: 0xee,   // î
	0x013e: 0xf4,   // ô
	0x013f: 0xfb,   // û
	0x0220: 0xc1,   // Á
	0x0221: 0xc9,   // É
	0x0222: 0xd3,   // Ó
	0x0223: 0xda,   // Ú
	0x0224: 0xdc,   // Ü
	0x0225: 0xfc,   // ü
	0x0226: 0x2018, // ‘
	0x0227: 0xa1,   // ¡
	0x0228: 0x2a,   // *
	0x0229: 0x27,   // '
	0x022a: 0x2014, // —
	0x022b: 0xa9,   // ©
	0x022c: 0x2120, // ℠
	0x022d: 0x2022, // •
	0x022e: 0x201c, // “
	0x022f: 0x201d, // ”
	0x0230: 0xc0,   // À
	0x0231: 0xc2,   // Â
	0x0232: 0xc7,   // Ç
	0x0233: 0xc8,   // È
	0x0234: 0xca,   // Ê
	0x0235: 0xcb,   // Ë
	0x0236: 0xeb,   // ë
	0x0237: 0xce,   // Î
	0x0238: 0xcf,   // Ï
	0x0239: 0xef,   // ï
	0x023a: 0xd4,   // Ô
	0x023b: 0xd9,   // Ù
	0x023c: 0xf9,   // ù
	0x023d: 0xdb,   // Û
	0x023e: 0xab,   // «
	0x023f: 0xbb,   // »
	0x0320: 0xc3,   // Ã
	0x0321: 0xe3,   // ã
	0x0322: 0xcd,   // Í
	0x0323: 0xcc,   // Ì
	0x0324: 0xec,   // ì
	0x0325: 0xd2,   // Ò
	0x0326: 0xf2,   // ò
	0x0327: 0xd5,   // Õ
	0x0328: 0xf5,   // õ
	0x0329: 0x7b,   // {
	0x032a: 0x7d,   // }
	0x032b: 0x5c,   // \
	0x032c: 0x5e,   // ^
	0x032d: 0x5f,   // _
	0x032e: 0x7c,   // |
	0x032f: 0x7e,   // ~
	0x0330: 0xc4,   // Ä
	0x0331: 0xe4,   // ä
	0x0332: 0xd6,   // Ö
	0x0333: 0xf6,   // ö
	0x0334: 0xdf,   // ß
	0x0335: 0xa5,   // ¥
	0x0336: 0xa4,   // ¤
	0x0337: 0x2502, // │
	0x0338: 0xc5,   // Å
	0x0339: 0xe5,   // å
	0x033a: 0xd8,   // Ø
	0x033b: 0xf8,   // ø
	0x033c: 0x250c, // ┌
	0x033d: 0x2510, // ┐
	0x033e: 0x2514, // └
	0x033f: 0x2518, // ┘
}

func charFromCode(code uint16) string {
	if r, ok := characterTranslation[code]; ok {
		return string(r)
	}
	return string(rune(code))
}

// bottomRow is the index of the last row of the 15-row caption grid.
const bottomRow = 14

// pacRows maps the row bits of a preamble address code to a row index.
var pacRows = [bottomRow + 1]uint16{
	0x1100, 0x1120, 0x1200, 0x1220, 0x1500, 0x1520, 0x1600, 0x1620,
	0x1700, 0x1720, 0x1000, 0x1300, 0x1320, 0x1400, 0x1420,
}

type captionMode int

const (
	modePopOn captionMode = iota
	modeRollUp
	modePaintOn
)

func (m captionMode) String() string {
	switch m {
	case modePopOn:
		return "popOn"
	case modeRollUp:
		return "rollUp"
	case modePaintOn:
		return "paintOn"
	}
	return fmt.Sprintf("captionMode(%d)", int(m))
}

type displayBuffer [bottomRow + 1]string

// Cea608Stream decodes one CEA-608 data channel (CC1 through CC4) into
// caption cues. Pop-on captions are composed in non-displayed memory and
// swapped in on end-of-caption; roll-up and paint-on captions are written
// straight to displayed memory. A cue is emitted whenever displayed memory
// holding text is replaced or erased.
type Cea608Stream struct {
	event.Base

	field       int
	dataChannel int
	name        string

	// Channel dependent char0 values.
	base       byte
	ext        byte
	offsetCode byte

	resumeCaptionLoading   uint16
	endOfCaption           uint16
	rollUp2Rows            uint16
	rollUp3Rows            uint16
	rollUp4Rows            uint16
	carriageReturn         uint16
	resumeDirectCaptioning uint16
	backspace              uint16
	eraseDisplayed         uint16
	eraseNonDisplayed      uint16

	mode            captionMode
	topRow          int
	startPTS        int64
	displayed       displayBuffer
	nonDisplayed    displayBuffer
	lastControlCode uint16
	hasLastControl  bool
	column          int
	row             int
	rollUpRows      int
	formatting      []string
}

const padding = 0x0000

// NewCea608Stream returns the decoder for field (0 or 1) and data channel
// (0 or 1). Its cues are named CC1 through CC4.
func NewCea608Stream(field, dataChannel int) *Cea608Stream {
	s := &Cea608Stream{
		field:       field,
		dataChannel: dataChannel,
		name:        fmt.Sprintf("CC%d", (field<<1|dataChannel)+1),
	}

	// Only control codes differ between fields: field 2 codes are the field
	// 1 code plus one.
	var control uint16
	if dataChannel == 0 {
		s.base, s.ext, s.offsetCode = 0x10, 0x11, 0x17
		control = uint16(0x14|field) << 8
	} else {
		s.base, s.ext, s.offsetCode = 0x18, 0x19, 0x1F
		control = uint16(0x1C|field) << 8
	}
	s.resumeCaptionLoading = control | 0x20
	s.endOfCaption = control | 0x2F
	s.rollUp2Rows = control | 0x25
	s.rollUp3Rows = control | 0x26
	s.rollUp4Rows = control | 0x27
	s.carriageReturn = control | 0x2D
	s.resumeDirectCaptioning = control | 0x29
	s.backspace = control | 0x21
	s.eraseDisplayed = control | 0x2C
	s.eraseNonDisplayed = control | 0x2E

	s.reset()
	return s
}

// Name returns the caption stream name, CC1 through CC4.
func (s *Cea608Stream) Name() string { return s.name }

// Push consumes a ccPacket routed to this channel.
func (s *Cea608Stream) Push(v any) {
	p, ok := v.(ccPacket)
	if !ok {
		return
	}
	pts := p.PTS

	// Strip parity bits.
	data := p.CCData & 0x7F7F

	// Control codes are transmitted twice; act on the first.
	if s.hasLastControl && data == s.lastControlCode {
		s.hasLastControl = false
		return
	}
	if data&0xF000 == 0x1000 {
		s.lastControlCode = data
		s.hasLastControl = true
	} else if data != padding {
		s.hasLastControl = false
	}

	char0 := byte(data >> 8)
	char1 := byte(data)

	switch {
	case data == padding:
		return

	case data == s.resumeCaptionLoading:
		s.mode = modePopOn

	case data == s.endOfCaption:
		// An EOC in paint-on mode swaps memories as in pop-on mode.
		s.mode = modePopOn
		s.clearFormatting()
		s.flushDisplayed(pts)
		s.displayed, s.nonDisplayed = s.nonDisplayed, s.displayed
		s.startPTS = pts

	case data == s.rollUp2Rows:
		s.rollUpRows = 2
		s.setRollUp(pts, -1)
	case data == s.rollUp3Rows:
		s.rollUpRows = 3
		s.setRollUp(pts, -1)
	case data == s.rollUp4Rows:
		s.rollUpRows = 4
		s.setRollUp(pts, -1)

	case data == s.carriageReturn:
		s.clearFormatting()
		s.flushDisplayed(pts)
		s.shiftRowsUp()
		s.startPTS = pts

	case data == s.backspace:
		buf := s.activeBuffer()
		buf[s.row] = dropLastRune(buf[s.row])

	case data == s.eraseDisplayed:
		s.flushDisplayed(pts)
		s.displayed = displayBuffer{}

	case data == s.eraseNonDisplayed:
		s.nonDisplayed = displayBuffer{}

	case data == s.resumeDirectCaptioning:
		if s.mode != modePaintOn {
			s.flushDisplayed(pts)
			s.displayed = displayBuffer{}
		}
		s.mode = modePaintOn
		s.startPTS = pts

	case s.isSpecialCharacter(char0, char1):
		s.write(charFromCode(uint16(char0&0x03)<<8 | uint16(char1)))
		s.column++

	case s.isExtCharacter(char0, char1):
		// Extended characters follow a standard fallback character, which
		// they replace.
		buf := s.activeBuffer()
		buf[s.row] = dropLastRune(buf[s.row])
		s.write(charFromCode(uint16(char0&0x03)<<8 | uint16(char1)))
		s.column++

	case s.isMidRowCode(char0, char1):
		// Attributes are not additive, and the code occupies a space.
		s.clearFormatting()
		s.write(" ")
		s.column++
		if char1&0x0E == 0x0E {
			s.addFormatting("i")
		}
		if char1&0x01 == 0x01 {
			s.addFormatting("u")
		}

	case s.isOffsetControlCode(char0, char1):
		s.column += int(char1 & 0x03)

	case s.isPAC(char0, char1):
		row := pacRow(data & 0x1720)
		if s.mode == modeRollUp {
			// A base row too high for the window defers to the row count.
			if row-s.rollUpRows+1 < 0 {
				row = s.rollUpRows - 1
			}
			s.setRollUp(pts, row)
		}
		if row != s.row && row >= 0 && row <= bottomRow {
			// Formatting only persists within a row.
			s.clearFormatting()
			s.row = row
		}
		// Odd second bytes underline.
		if char1&0x01 != 0 && !s.hasFormatting("u") {
			s.addFormatting("u")
		}
		if data&0x10 == 0x10 {
			// Indent codes move the cursor in steps of four columns.
			s.column = int(data&0x0E>>1) * 4
		}
		if isColorPAC(char1) && char1&0x0E == 0x0E {
			// White italics is the only color attribute carried through.
			s.addFormatting("i")
		}

	case isNormalChar(char0):
		text := charFromCode(uint16(char0))
		if char1 != 0x00 {
			text += charFromCode(uint16(char1))
		}
		s.write(text)
		s.column += utf8.RuneCountInString(text)
	}
}

// Flush emits Done. Cues are emitted as display memory changes, not on
// flush.
func (s *Cea608Stream) Flush(source string) { s.Emit(event.Done, source) }

// Reset clears both memories and returns to pop-on mode.
func (s *Cea608Stream) Reset(source string) {
	s.reset()
	s.Emit(event.Reset, source)
}

func (s *Cea608Stream) reset() {
	s.mode = modePopOn
	s.topRow = 0
	s.startPTS = 0
	s.displayed = displayBuffer{}
	s.nonDisplayed = displayBuffer{}
	s.hasLastControl = false
	s.lastControlCode = 0
	s.column = 0
	s.row = bottomRow
	s.rollUpRows = 2
	s.formatting = nil
}

// flushDisplayed emits a cue for the current displayed memory, if it holds
// any text.
func (s *Cea608Stream) flushDisplayed(pts int64) {
	rows := make([]string, len(s.displayed))
	for i, row := range s.displayed {
		rows[i] = strings.TrimSpace(row)
	}
	text := strings.Trim(strings.Join(rows, "\n"), "\n")
	if text == "" {
		return
	}
	s.Emit(event.Data, &media.Caption{
		StartPTS: s.startPTS,
		EndPTS:   pts,
		Text:     text,
		Stream:   s.name,
	})
}

func (s *Cea608Stream) setRollUp(pts int64, newBaseRow int) {
	if s.mode != modeRollUp {
		s.row = bottomRow
		s.mode = modeRollUp
		// Switching to roll-up wipes both memories.
		s.flushDisplayed(pts)
		s.nonDisplayed = displayBuffer{}
		s.displayed = displayBuffer{}
	}

	if newBaseRow >= 0 && newBaseRow != s.row {
		// Move the rows on display to the new base row.
		for i := 0; i < s.rollUpRows; i++ {
			from, to := s.row-i, newBaseRow-i
			if from < 0 || to < 0 {
				break
			}
			s.displayed[to] = s.displayed[from]
			s.displayed[from] = ""
		}
	}
	if newBaseRow < 0 {
		newBaseRow = s.row
	}
	s.topRow = newBaseRow - s.rollUpRows + 1
}

func (s *Cea608Stream) shiftRowsUp() {
	// Clear rows outside the roll-up window.
	for i := 0; i < s.topRow; i++ {
		s.displayed[i] = ""
	}
	for i := s.row + 1; i <= bottomRow; i++ {
		s.displayed[i] = ""
	}
	for i := max(s.topRow, 0); i < s.row; i++ {
		s.displayed[i] = s.displayed[i+1]
	}
	s.displayed[s.row] = ""
}

// activeBuffer is the memory text is written to in the current mode.
func (s *Cea608Stream) activeBuffer() *displayBuffer {
	if s.mode == modePopOn {
		return &s.nonDisplayed
	}
	return &s.displayed
}

func (s *Cea608Stream) write(text string) {
	s.activeBuffer()[s.row] += text
}

func (s *Cea608Stream) addFormatting(format string) {
	s.formatting = append(s.formatting, format)
	s.write("<" + format + ">")
}

// clearFormatting closes every open formatting tag, innermost first.
func (s *Cea608Stream) clearFormatting() {
	if len(s.formatting) == 0 {
		return
	}
	var b strings.Builder
	for i := len(s.formatting) - 1; i >= 0; i-- {
		b.WriteString("</" + s.formatting[i] + ">")
	}
	s.formatting = nil
	s.write(b.String())
}

func (s *Cea608Stream) hasFormatting(format string) bool {
	for _, f := range s.formatting {
		if f == format {
			return true
		}
	}
	return false
}

func (s *Cea608Stream) isSpecialCharacter(char0, char1 byte) bool {
	return char0 == s.ext && char1 >= 0x30 && char1 <= 0x3F
}

func (s *Cea608Stream) isExtCharacter(char0, char1 byte) bool {
	return (char0 == s.ext+1 || char0 == s.ext+2) && char1 >= 0x20 && char1 <= 0x3F
}

func (s *Cea608Stream) isMidRowCode(char0, char1 byte) bool {
	return char0 == s.ext && char1 >= 0x20 && char1 <= 0x2F
}

func (s *Cea608Stream) isOffsetControlCode(char0, char1 byte) bool {
	return char0 == s.offsetCode && char1 >= 0x21 && char1 <= 0x23
}

func (s *Cea608Stream) isPAC(char0, char1 byte) bool {
	return char0 >= s.base && char0 < s.base+8 && char1 >= 0x40 && char1 <= 0x7F
}

func isColorPAC(char1 byte) bool {
	return (char1 >= 0x40 && char1 <= 0x4F) || (char1 >= 0x60 && char1 <= 0x7F)
}

func isNormalChar(c byte) bool {
	return c >= 0x20 && c <= 0x7F
}

// pacRow returns the row addressed by the masked PAC bits, or -1.
func pacRow(bits uint16) int {
	for i, r := range pacRows {
		if r == bits {
			return i
		}
	}
	return -1
}

func dropLastRune(s string) string {
	_, size := utf8.DecodeLastRuneInString(s)
	return s[:len(s)-size]
}
