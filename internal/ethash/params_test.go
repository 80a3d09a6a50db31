// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ethash

import (
	"testing"
)

func TestFindLargestPrime(t *testing.T) {
	set := []struct {
		upperBound uint32
		want       uint32
	}{
		{upperBound: 0, want: 0},
		{upperBound: 1, want: 0},
		{upperBound: 2, want: 2},
		{upperBound: 3, want: 3},
		{upperBound: 4, want: 3},
		{upperBound: 100, want: 97},
		{upperBound: 262144, want: 262139},
		{upperBound: 8388608, want: 8388593},
	}

	for idx, tc := range set {
		got := FindLargestPrime(tc.upperBound)
		if got != tc.want {
			t.Fatalf("[FindLargestPrime] #%d: bound %d, got %d, want %d",
				idx+1, tc.upperBound, got, tc.want)
		}
	}
}

func TestItemCounts(t *testing.T) {
	set := []struct {
		epoch     uint32
		wantLight uint32
		wantFull  uint32
	}{
		{epoch: 0, wantLight: 262139, wantFull: 8388593},
		{epoch: 1, wantLight: 264179, wantFull: 8454143},
		{epoch: 2, wantLight: 266239, wantFull: 8519647},
		{epoch: 10, wantLight: 282617, wantFull: 9043967},
		{epoch: 100, wantLight: 466919, wantFull: 14942197},
	}

	for idx, tc := range set {
		gotLight := CalcLightCacheNumItems(tc.epoch)
		if gotLight != tc.wantLight {
			t.Fatalf("[CalcLightCacheNumItems] #%d: epoch %d, got %d, "+
				"want %d", idx+1, tc.epoch, gotLight, tc.wantLight)
		}
		gotFull := CalcFullDatasetNumItems(tc.epoch)
		if gotFull != tc.wantFull {
			t.Fatalf("[CalcFullDatasetNumItems] #%d: epoch %d, got %d, "+
				"want %d", idx+1, tc.epoch, gotFull, tc.wantFull)
		}
	}
}

// TestItemCountsPrimality asserts both per-epoch item counts are prime
// for every epoch in the supported range.
func TestItemCountsPrimality(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping exhaustive primality check in short mode")
	}
	for epoch := uint32(0); epoch <= 2048; epoch++ {
		light := CalcLightCacheNumItems(epoch)
		if !isPrime(light) {
			t.Fatalf("light cache item count %d for epoch %d is not prime",
				light, epoch)
		}
		full := CalcFullDatasetNumItems(epoch)
		if !isPrime(full) {
			t.Fatalf("full dataset item count %d for epoch %d is not prime",
				full, epoch)
		}
	}
}

func TestSeedFromEpoch(t *testing.T) {
	// Epoch 0 seed is all zero bytes; epoch 1 is keccak256 of it.
	seed0 := SeedFromEpoch(0)
	if !seed0.IsZero() {
		t.Fatalf("epoch 0 seed: got %v, want all zeros", seed0)
	}

	seed1 := SeedFromEpoch(1)
	want := "290decd9548b62a8d60345a988386fc84ba6bc95484008f6362f93160ef3e563"
	if seed1.String() != want {
		t.Fatalf("epoch 1 seed: got %v, want %v", seed1, want)
	}

	seed2 := SeedFromEpoch(2)
	want = "510e4e770828ddbf7f7b00ab00a9f6adaf81c0dc9cc85f1f8249c256942d61d9"
	if seed2.String() != want {
		t.Fatalf("epoch 2 seed: got %v, want %v", seed2, want)
	}
}

func TestEpochSeedRoundTrip(t *testing.T) {
	for _, epoch := range []uint32{0, 1, 2, 5, 100, 1000} {
		seed := SeedFromEpoch(epoch)
		got, err := EpochFromSeed(seed)
		if err != nil {
			t.Fatalf("epoch %d: unexpected error %v", epoch, err)
		}
		if got != epoch {
			t.Fatalf("epoch round trip: got %d, want %d", got, epoch)
		}
	}

	// A seed matching no epoch errors.
	var bogus Hash256
	bogus[0] = 0xab
	if _, err := EpochFromSeed(bogus); err == nil {
		t.Fatal("expected error for unknown seed")
	}
}

func TestEpochFromBlock(t *testing.T) {
	set := []struct {
		block uint64
		want  uint32
	}{
		{block: 0, want: 0},
		{block: EpochLength - 1, want: 0},
		{block: EpochLength, want: 1},
		{block: 3*EpochLength + 1, want: 3},
		{block: 3*EpochLength + EpochLength - 1, want: 3},
	}

	for idx, tc := range set {
		got := EpochFromBlock(tc.block)
		if got != tc.want {
			t.Fatalf("[EpochFromBlock] #%d: block %d, got %d, want %d",
				idx+1, tc.block, got, tc.want)
		}
	}
}
