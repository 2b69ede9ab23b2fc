// Package mp4 serializes fragmented ISO-BMFF (ISO/IEC 14496-12): the init
// segment (ftyp+moov) and media fragments (moof+mdat) for H.264 and AAC
// tracks.
package mp4

import (
	"bytes"

	"github.com/icza/bitio"
)

// BoxType is a four character box code.
type BoxType [4]byte

func (t BoxType) String() string { return string(t[:]) }

func boxType(s string) BoxType {
	var t BoxType
	copy(t[:], s)
	return t
}

// Box is a box with an opaque payload followed by child boxes.
type Box struct {
	Type     BoxType
	Payload  []byte
	Children []*Box
}

func newBox(typ string, payload []byte, children ...*Box) *Box {
	return &Box{Type: boxType(typ), Payload: payload, Children: children}
}

// Size returns the marshaled size in bytes, header included.
func (b *Box) Size() int {
	total := 8 + len(b.Payload)
	for _, c := range b.Children {
		total += c.Size()
	}
	return total
}

// Marshal writes the box and its children to w.
func (b *Box) Marshal(w *bitio.Writer) error {
	w.TryWriteBits(uint64(b.Size()), 32)
	w.TryWrite(b.Type[:])
	w.TryWrite(b.Payload)
	if w.TryError != nil {
		return w.TryError
	}
	for _, c := range b.Children {
		if err := c.Marshal(w); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the marshaled box.
func (b *Box) Bytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, b.Size()))
	w := bitio.NewWriter(buf)
	// Writes into a bytes.Buffer cannot fail and every box is byte aligned.
	_ = b.Marshal(w)
	_ = w.Close()
	return buf.Bytes()
}

// fields builds a box payload field by field.
type fields struct {
	buf bytes.Buffer
	w   *bitio.Writer
}

func newFields() *fields {
	f := &fields{}
	f.w = bitio.NewWriter(&f.buf)
	return f
}

func (f *fields) bits(v uint64, n uint8) *fields { f.w.TryWriteBits(v, n); return f }
func (f *fields) u8(v uint8) *fields           { return f.bits(uint64(v), 8) }
func (f *fields) u16(v uint16) *fields         { return f.bits(uint64(v), 16) }
func (f *fields) u24(v uint32) *fields         { return f.bits(uint64(v), 24) }
func (f *fields) u32(v uint32) *fields         { return f.bits(uint64(v), 32) }
func (f *fields) u64(v uint64) *fields         { return f.bits(v, 64) }
func (f *fields) raw(p []byte) *fields         { f.w.TryWrite(p); return f }

// zeros writes n zero bytes.
func (f *fields) zeros(n int) *fields {
	for i := 0; i < n; i++ {
		f.w.TryWriteByte(0)
	}
	return f
}

// fullBox writes the version and flags header of a FullBox.
func (f *fields) fullBox(version uint8, flags uint32) *fields {
	return f.u8(version).u24(flags)
}

func (f *fields) bytes() []byte {
	_ = f.w.Close()
	return f.buf.Bytes()
}
