package bits_test

import (
	"testing"

	"github.com/tovrik/undertow/pkg/bits"
)

func TestIndexSet(t *testing.T) {
	for i, test := range []struct {
		bitField bits.BitField
		index    int
		want     bool
	}{
		{
			bitField: []byte{0b11111111, 0b10000000},
			index:    8,
			want:     true,
		},
		{
			bitField: []byte{0b11111111, 0b10000000},
			index:    9,
			want:     false,
		},
		{
			bitField: []byte{0b11111110, 0b10000000},
			index:    7,
			want:     false,
		},
		{
			bitField: []byte{0b11111110},
			index:    100,
			want:     false,
		},
	} {
		got := test.bitField.Get(test.index)

		if got != test.want {
			t.Errorf("%d: want %v got %v", i, test.want, got)
		}
	}
}

func TestSetUnset(t *testing.T) {
	bf := bits.NewBitField(10)

	if err := bf.Set(9); err != nil {
		t.Fatal(err)
	}

	if !bf.Get(9) {
		t.Errorf("want bit %d set", 9)
	}

	if got := bf.GetSum(); got != 1 {
		t.Errorf("GetSum: want %d got %d", 1, got)
	}

	if err := bf.Unset(9); err != nil {
		t.Fatal(err)
	}

	if bf.Get(9) {
		t.Errorf("want bit %d unset", 9)
	}

	if err := bf.Set(16); err == nil {
		t.Errorf("want out-of-bounds error for index %d", 16)
	}
}

func TestIndices(t *testing.T) {
	bf := bits.BitField{0b11001101, 0b10000000}

	want := []int{0, 1, 4, 5, 7, 8}
	got := bf.Indices()

	if len(got) != len(want) {
		t.Fatalf("want len %d got %d", len(want), len(got))
	}

	for i, index := range want {
		if got[i] != index {
			t.Errorf("%d: want %d got %d", i, index, got[i])
		}
	}
}

func TestOnes(t *testing.T) {
	bf := bits.Ones(11)

	if got := bf.GetSum(); got != 11 {
		t.Errorf("want %d bits set, got %d", 11, got)
	}

	if got := bf.Len(); got != 16 {
		t.Errorf("want len %d got %d", 16, got)
	}
}
