// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ethash

import (
	"math/big"
)

var (
	// two256 is 2^256, the numerator of the difficulty-to-boundary
	// conversion.
	two256 = new(big.Int).Lsh(big.NewInt(1), 256)

	// maxBoundary is the all-ones boundary corresponding to difficulty 1.
	maxBoundary = func() Hash256 {
		var h Hash256
		for i := range h {
			h[i] = 0xff
		}
		return h
	}()
)

// GetBoundaryFromDiff converts the provided difficulty to a 256-bit
// boundary, floor(2^256 / difficulty), serialized big-endian. Difficulty
// one (or less) yields the all-ones boundary. A solution is valid iff its
// final hash compares byte-wise at or below the boundary.
func GetBoundaryFromDiff(difficulty *big.Int) Hash256 {
	if difficulty == nil || difficulty.Sign() <= 0 {
		return maxBoundary
	}
	q := new(big.Int).Div(two256, difficulty)
	if q.BitLen() > 256 {
		return maxBoundary
	}

	var h Hash256
	q.FillBytes(h[:])
	return h
}

// DiffFromBoundary converts a boundary back to an approximate difficulty.
// Used for display only.
func DiffFromBoundary(boundary Hash256) *big.Int {
	b := new(big.Int).SetBytes(boundary[:])
	if b.Sign() == 0 {
		return new(big.Int)
	}
	return new(big.Int).Div(two256, b)
}
