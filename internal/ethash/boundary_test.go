// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ethash

import (
	"math/big"
	"testing"
)

func TestGetBoundaryFromDiff(t *testing.T) {
	allOnes := maxBoundary

	two255 := new(big.Int).Lsh(big.NewInt(1), 255)
	var wantTwo [32]byte
	wantTwo[31] = 0x02
	var wantHalf [32]byte
	wantHalf[0] = 0x80

	set := []struct {
		name string
		diff *big.Int
		want Hash256
	}{
		{name: "difficulty one", diff: big.NewInt(1), want: allOnes},
		{name: "difficulty zero", diff: big.NewInt(0), want: allOnes},
		{name: "nil difficulty", diff: nil, want: allOnes},
		{name: "difficulty two", diff: big.NewInt(2), want: Hash256(wantHalf)},
		{name: "difficulty 2^255", diff: two255, want: Hash256(wantTwo)},
	}

	for idx, tc := range set {
		got := GetBoundaryFromDiff(tc.diff)
		if got != tc.want {
			t.Fatalf("[GetBoundaryFromDiff] #%d (%s): got %v, want %v",
				idx+1, tc.name, got, tc.want)
		}
	}
}

func TestBoundaryCompare(t *testing.T) {
	low, err := HashFromHex("00000000000000000000000000000000" +
		"00000000000000000000000000000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	high, err := HashFromHex("80000000000000000000000000000000" +
		"00000000000000000000000000000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if low.Cmp(high) >= 0 {
		t.Fatal("expected low < high")
	}
	if high.Cmp(low) <= 0 {
		t.Fatal("expected high > low")
	}
	if low.Cmp(low) != 0 {
		t.Fatal("expected equality")
	}

	if high.Upper64() != 0x8000000000000000 {
		t.Fatalf("upper64: got %016x, want 8000000000000000", high.Upper64())
	}
}

func TestHashFromBytes(t *testing.T) {
	if _, err := HashFromBytes(make([]byte, 31)); err == nil {
		t.Fatal("expected error for short input")
	}
	b := make([]byte, 32)
	b[0] = 0x11
	h, err := HashFromBytes(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h[0] != 0x11 {
		t.Fatalf("byte 0: got %02x, want 11", h[0])
	}
}
