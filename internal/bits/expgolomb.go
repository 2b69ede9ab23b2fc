// Package bits reads the bit-packed fields of H.264 parameter sets.
package bits

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/icza/bitio"
)

// ErrNoBytesAvailable is returned when a read needs more bits than the
// buffer holds. For a parameter set this means the NAL unit is malformed.
var ErrNoBytesAvailable = errors.New("bits: no bytes available")

// maxLeadingZeros bounds an exp-Golomb prefix; a 32-bit code never has more.
const maxLeadingZeros = 32

// ExpGolomb is a big-endian bit reader with exponential-Golomb decoding as
// used by Rec. ITU-T H.264 section 9.1.
type ExpGolomb struct {
	r    *bitio.Reader
	size int
	pos  int

	// pendingOne is set after SkipLeadingZeros has consumed the terminating
	// one bit of a prefix; that bit is still logically unread.
	pendingOne bool
}

// NewExpGolomb returns a reader over data. data is not copied.
func NewExpGolomb(data []byte) *ExpGolomb {
	return &ExpGolomb{
		r:    bitio.NewReader(bytes.NewReader(data)),
		size: len(data) * 8,
	}
}

// BitsAvailable returns the number of unread bits.
func (e *ExpGolomb) BitsAvailable() int {
	n := e.size - e.pos
	if e.pendingOne {
		n++
	}
	return n
}

// ReadBits reads n bits, n <= 32, as an unsigned big-endian value.
func (e *ExpGolomb) ReadBits(n int) (uint32, error) {
	if n < 0 || n > 32 {
		return 0, fmt.Errorf("bits: cannot read %d bits at once", n)
	}
	if n == 0 {
		return 0, nil
	}
	if n > e.BitsAvailable() {
		return 0, ErrNoBytesAvailable
	}
	var v uint64
	if e.pendingOne {
		e.pendingOne = false
		v = 1
		n--
	}
	if n > 0 {
		u, err := e.r.ReadBits(uint8(n))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNoBytesAvailable, err)
		}
		e.pos += n
		v = v<<uint(n) | u
	}
	return uint32(v), nil
}

// SkipBits discards n bits.
func (e *ExpGolomb) SkipBits(n int) error {
	for n > 0 {
		chunk := n
		if chunk > 32 {
			chunk = 32
		}
		if _, err := e.ReadBits(chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// SkipLeadingZeros consumes zero bits up to, but not including, the next
// one bit and returns how many were skipped.
func (e *ExpGolomb) SkipLeadingZeros() (int, error) {
	if e.pendingOne {
		return 0, nil
	}
	for count := 0; count <= maxLeadingZeros; count++ {
		if e.pos >= e.size {
			return count, ErrNoBytesAvailable
		}
		b, err := e.r.ReadBool()
		if err != nil {
			return count, fmt.Errorf("%w: %v", ErrNoBytesAvailable, err)
		}
		e.pos++
		if b {
			e.pendingOne = true
			return count, nil
		}
	}
	return 0, fmt.Errorf("bits: exp-Golomb prefix longer than %d bits", maxLeadingZeros)
}

// ReadUnsignedExpGolomb reads a ue(v) value.
func (e *ExpGolomb) ReadUnsignedExpGolomb() (uint32, error) {
	clz, err := e.SkipLeadingZeros()
	if err != nil {
		return 0, err
	}
	if clz == 32 {
		// 2^32-1 plus a 32-bit suffix does not fit; no valid SPS field is this wide.
		return 0, fmt.Errorf("bits: exp-Golomb value overflows 32 bits")
	}
	v, err := e.ReadBits(clz + 1)
	if err != nil {
		return 0, err
	}
	return v - 1, nil
}

// ReadExpGolomb reads an se(v) value: odd codes map to positive values and
// even codes to non-positive ones.
func (e *ExpGolomb) ReadExpGolomb() (int32, error) {
	v, err := e.ReadUnsignedExpGolomb()
	if err != nil {
		return 0, err
	}
	if v&1 == 1 {
		return int32((uint64(v) + 1) >> 1), nil
	}
	return -int32(v >> 1), nil
}

// SkipUnsignedExpGolomb discards a ue(v) value.
func (e *ExpGolomb) SkipUnsignedExpGolomb() error {
	_, err := e.ReadUnsignedExpGolomb()
	return err
}

// SkipExpGolomb discards an se(v) value.
func (e *ExpGolomb) SkipExpGolomb() error {
	_, err := e.ReadUnsignedExpGolomb()
	return err
}

// ReadBoolean reads a single bit flag.
func (e *ExpGolomb) ReadBoolean() (bool, error) {
	v, err := e.ReadBits(1)
	return v == 1, err
}

// ReadUnsignedByte reads eight bits.
func (e *ExpGolomb) ReadUnsignedByte() (uint8, error) {
	v, err := e.ReadBits(8)
	return uint8(v), err
}
