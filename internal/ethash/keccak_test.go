// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ethash

import (
	"encoding/hex"
	"testing"
)

func TestKeccak256(t *testing.T) {
	set := []struct {
		input string
		want  string
	}{
		{
			input: "",
			want:  "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		},
		{
			input: "abc",
			want:  "4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45",
		},
	}

	for idx, tc := range set {
		got := Keccak256([]byte(tc.input))
		if got.String() != tc.want {
			t.Fatalf("[Keccak256] #%d: got %v, want %v", idx+1, got, tc.want)
		}
	}
}

func TestKeccak512(t *testing.T) {
	got := Keccak512(nil)
	want := "0eab42de4c3ceb9235fc91acffe746b29c29a8c366b7c60e4e67c466f36a4304" +
		"c00fa9caf9d87976ba469bcbe06713b435f091ef2769fb160cdab33d3670680e"
	if hex.EncodeToString(got[:]) != want {
		t.Fatalf("[Keccak512] empty input: got %x, want %v", got, want)
	}
}

// TestKeccakConcatenation asserts variadic inputs hash identically to
// their concatenation, which the seed and final hash constructions rely
// on.
func TestKeccakConcatenation(t *testing.T) {
	a := []byte("meow")
	b := []byte("pow")
	whole := Keccak256([]byte("meowpow"))
	parts := Keccak256(a, b)
	if whole != parts {
		t.Fatalf("split input digest mismatch: %v != %v", parts, whole)
	}
}
