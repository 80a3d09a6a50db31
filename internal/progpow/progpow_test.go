// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package progpow

import (
	"sync"
	"testing"

	"github.com/meowcoin/meowminer/internal/ethash"
)

var (
	testCtxOnce sync.Once
	testCtx     *ethash.EpochContext
)

// testEpochContext lazily builds a shared epoch 0 context for the hash
// tests. Construction is light-cache only; dataset items are synthesized
// on demand.
func testEpochContext(t *testing.T) *ethash.EpochContext {
	t.Helper()
	testCtxOnce.Do(func() {
		testCtx = ethash.NewEpochContext(0, false)
	})
	return testCtx
}

var (
	allOnesBoundary = func() ethash.Hash256 {
		var h ethash.Hash256
		for i := range h {
			h[i] = 0xff
		}
		return h
	}()

	tinyBoundary = func() ethash.Hash256 {
		var h ethash.Hash256
		h[ethash.Hash256Size-1] = 0x01
		return h
	}()
)

func TestPeriod(t *testing.T) {
	set := []struct {
		block uint64
		want  uint64
	}{
		{block: 0, want: 0},
		{block: 9, want: 0},
		{block: 10, want: 1},
		{block: 25, want: 2},
		{block: 7500, want: 750},
	}
	for idx, tc := range set {
		if got := Period(tc.block); got != tc.want {
			t.Fatalf("[Period] #%d: block %d, got %d, want %d", idx+1,
				tc.block, got, tc.want)
		}
	}
}

func TestKiss99(t *testing.T) {
	// Reference stream from the ProgPoW specification.
	k := kiss99{z: 362436069, w: 521288629, jsr: 123456789, jcong: 380116160}
	want := []uint32{769445856, 742012328, 2121196314, 2805620942}
	for i, w := range want {
		if got := k.next(); got != w {
			t.Fatalf("kiss99 draw %d: got %d, want %d", i+1, got, w)
		}
	}
	var v uint32
	for i := 0; i < 100000-4; i++ {
		v = k.next()
	}
	if v != 941074834 {
		t.Fatalf("kiss99 100000th draw: got %d, want 941074834", v)
	}
}

func TestFillMixDeterminism(t *testing.T) {
	a := fillMix(0x123456789abcdef0, 7)
	b := fillMix(0x123456789abcdef0, 7)
	if a != b {
		t.Fatal("fillMix is not deterministic")
	}
	c := fillMix(0x123456789abcdef0, 8)
	if a == c {
		t.Fatal("fillMix ignores the lane id")
	}
}

// TestHashDeterminism asserts a full hash round is reproducible and that
// the reported mix hash matches an independent recomputation of the
// mixing loop, i.e. the result is internally consistent.
func TestHashDeterminism(t *testing.T) {
	ctx := testEpochContext(t)
	header := ethash.Keccak256([]byte("meowpow test header"))

	r1 := Hash(ctx, 0, header, 42)
	r2 := Hash(ctx, 0, header, 42)
	if r1 != r2 {
		t.Fatal("hash is not deterministic")
	}

	seed := hashSeed(header, 42)
	mix := hashMix(ctx, 0, seed)
	if mix != r1.MixHash {
		t.Fatalf("mix hash mismatch: got %v, want %v", r1.MixHash, mix)
	}
	final := hashFinal(seed, mix)
	if final != r1.FinalHash {
		t.Fatalf("final hash mismatch: got %v, want %v", r1.FinalHash, final)
	}

	// Different periods yield different programs and thus different
	// mixes.
	r3 := Hash(ctx, 1, header, 42)
	if r3.MixHash == r1.MixHash {
		t.Fatal("distinct periods produced identical mixes")
	}
}

// TestVerifyLaws asserts every computed solution satisfies both
// verification paths against the permissive boundary.
func TestVerifyLaws(t *testing.T) {
	ctx := testEpochContext(t)
	header := ethash.Keccak256([]byte("job"))

	for nonce := uint64(0); nonce < 4; nonce++ {
		r := Hash(ctx, 3, header, nonce)
		if !VerifyLight(header, r.MixHash, nonce, allOnesBoundary) {
			t.Fatalf("nonce %d: VerifyLight rejected a valid solution", nonce)
		}
		res := VerifyFull(ctx, 3, header, r.MixHash, nonce, allOnesBoundary)
		if res != Ok {
			t.Fatalf("nonce %d: VerifyFull: got %v, want Ok", nonce, res)
		}
	}
}

// TestVerifyLightReject covers the canonical rejection: a zero mix with
// a near-impossible boundary fails the final hash comparison.
func TestVerifyLightReject(t *testing.T) {
	var header ethash.Hash256
	for i := range header {
		header[i] = 0x11
	}
	var mix ethash.Hash256

	if VerifyLight(header, mix, 0, tinyBoundary) {
		t.Fatal("VerifyLight accepted an impossible solution")
	}
}

// TestVerifyFullMixMismatch asserts a corrupted mix is always reported
// as InvalidMixHash, never InvalidNonce.
func TestVerifyFullMixMismatch(t *testing.T) {
	ctx := testEpochContext(t)
	header := ethash.Keccak256([]byte("mismatch"))

	r := Hash(ctx, 0, header, 7)
	corrupt := r.MixHash
	corrupt[5] ^= 0x01

	res := VerifyFull(ctx, 0, header, corrupt, 7, allOnesBoundary)
	if res != InvalidMixHash {
		t.Fatalf("corrupt mix: got %v, want InvalidMixHash", res)
	}
	// Even against an impossible boundary the mix mismatch wins.
	res = VerifyFull(ctx, 0, header, corrupt, 7, tinyBoundary)
	if res != InvalidMixHash {
		t.Fatalf("corrupt mix, tiny boundary: got %v, want InvalidMixHash",
			res)
	}
}

// TestVerifyFullInvalidNonce asserts a correct mix that misses the
// boundary is reported as InvalidNonce.
func TestVerifyFullInvalidNonce(t *testing.T) {
	ctx := testEpochContext(t)
	header := ethash.Keccak256([]byte("nonce"))

	r := Hash(ctx, 0, header, 11)
	if r.FinalHash.Cmp(tinyBoundary) <= 0 {
		t.Skip("astronomically lucky final hash")
	}
	res := VerifyFull(ctx, 0, header, r.MixHash, 11, tinyBoundary)
	if res != InvalidNonce {
		t.Fatalf("missed boundary: got %v, want InvalidNonce", res)
	}
}

// TestSearch asserts the reference search reports exactly the nonces
// whose final hashes satisfy the boundary, in ascending nonce order.
func TestSearch(t *testing.T) {
	ctx := testEpochContext(t)
	header := ethash.Keccak256([]byte("search"))

	found := Search(ctx, 0, header, allOnesBoundary, 100, 5)
	if len(found) != 5 {
		t.Fatalf("permissive search: got %d results, want 5", len(found))
	}
	for i, f := range found {
		if f.Nonce != 100+uint64(i) {
			t.Fatalf("result %d: nonce %d out of order", i, f.Nonce)
		}
		r := Hash(ctx, 0, header, f.Nonce)
		if r.MixHash != f.MixHash {
			t.Fatalf("result %d: mix mismatch", i)
		}
	}

	if got := Search(ctx, 0, header, tinyBoundary, 0, 5); len(got) != 0 {
		t.Fatalf("impossible search: got %d results, want 0", len(got))
	}
}
