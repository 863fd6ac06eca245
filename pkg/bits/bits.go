package bits

import "fmt"

// BitField indexes pieces from the high bit of byte 0, as
// the peer wire protocol does: the first byte covers pieces
// 0-7 from high bit to low bit, the next byte 8-15, and so
// on. Spare bits of the final byte stay zero.
type BitField []byte

func (b BitField) Bytes() []byte {
	return []byte(b)
}

func (b BitField) Get(index int) bool {
	var (
		offset  = index / 8
		bitMask = byte(128 >> (index % 8))
	)

	if offset >= len(b) {
		return false
	}

	return (b[offset] & bitMask) == bitMask
}

func (b BitField) Set(index int) error {
	var (
		offset  = index / 8
		bitMask = byte(128 >> (index % 8))
	)

	if offset >= len(b) {
		return fmt.Errorf("index out of bounds: %d", index)
	}

	b[offset] |= bitMask

	return nil
}

func (b BitField) Unset(index int) error {
	var (
		offset  = index / 8
		bitMask = byte(128 >> (index % 8))
	)

	if offset >= len(b) {
		return fmt.Errorf("index out of bounds: %d", index)
	}

	b[offset] &^= bitMask
	return nil
}

// GetSum returns the total number of set (1) bits
func (b BitField) GetSum() int {
	var sum int
	for _, bt := range b {
		for i := 0; i < 8; i++ {
			bitMask := byte(128 >> i)
			if (bt & bitMask) == bitMask {
				sum++
			}
		}
	}

	return sum
}

// Indices returns the indices of the set (1) bits, in
// ascending order
func (b BitField) Indices() []int {
	var out []int
	for i := 0; i < b.Len(); i++ {
		if b.Get(i) {
			out = append(out, i)
		}
	}

	return out
}

// Len returns the number of bits in the bitfield, including
// any spare bits in the final byte
func (b BitField) Len() int {
	return len(b) * 8
}

// Ones returns an n-bit bitfield with every bit set
func Ones(n int) BitField {
	bf := NewBitField(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}

	return bf
}

func NewBitField(bits int) BitField {
	if bits%8 == 0 {
		return make([]byte, bits/8)
	}

	return make([]byte, bits/8+1)
}
