package varint

import (
	"bytes"
	"sort"
	"testing"
)

var boundaryValues = []uint64{
	0, 1, 240, 241, 2287, 2288, 67823, 67824,
	1<<24 - 1, 1 << 24,
	1<<32 - 1, 1 << 32,
	MaxValue,
}

var wantLen = map[uint64]int{
	0: 1, 1: 1, 240: 1, 241: 2, 2287: 2, 2288: 3, 67823: 3, 67824: 4,
	1<<24 - 1: 4, 1 << 24: 5,
	1<<32 - 1: 5, 1 << 32: 6,
	MaxValue: 9,
}

func TestBoundaryRoundTrip(t *testing.T) {
	for _, v := range boundaryValues {
		enc := Encode(nil, v)
		if got := len(enc); got != wantLen[v] {
			t.Errorf("Encode(%d): len = %d, want %d", v, got, wantLen[v])
		}
		got, n, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%d) failed: %v", v, err)
		}
		if got != v || n != len(enc) {
			t.Errorf("Decode(Encode(%d)) = (%d, %d), want (%d, %d)", v, got, n, v, len(enc))
		}
	}
}

func TestLexicographicOrderMatchesNumericOrder(t *testing.T) {
	sorted := append([]uint64{}, boundaryValues...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var encoded [][]byte
	for _, v := range sorted {
		encoded = append(encoded, Encode(nil, v))
	}
	for i := 1; i < len(encoded); i++ {
		if bytes.Compare(encoded[i-1], encoded[i]) >= 0 {
			t.Errorf("encode(%d) = %x not < encode(%d) = %x", sorted[i-1], encoded[i-1], sorted[i], encoded[i])
		}
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	enc := Encode(nil, MaxValue)
	for i := 0; i < len(enc); i++ {
		if _, _, err := Decode(enc[:i]); err == nil {
			t.Errorf("Decode(truncated to %d bytes) did not error", i)
		}
	}
}

func TestEncodeAppends(t *testing.T) {
	prefix := []byte("prefix")
	got := Encode(prefix, 67824)
	if !bytes.HasPrefix(got, prefix) {
		t.Fatalf("Encode did not preserve dst prefix: %x", got)
	}
	v, n, err := Decode(got[len(prefix):])
	if err != nil || v != 67824 || n != len(got)-len(prefix) {
		t.Errorf("round trip after prefix append failed: v=%d n=%d err=%v", v, n, err)
	}
}
