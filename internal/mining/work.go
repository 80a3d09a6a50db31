// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"time"

	"github.com/meowcoin/meowminer/internal/ethash"
)

// WorkPackage is one mining job snapshot from the pool. Packages are
// value-copied: the authoritative copy lives in the pool manager and each
// worker holds its own snapshot.
type WorkPackage struct {
	// JobID is the pool's opaque job identifier. Not necessarily a hash.
	JobID string

	// Header is the header hash to be solved. An all-zero header is the
	// canonical "pause until new work" sentinel.
	Header ethash.Hash256

	// Seed is the epoch seed hash, when the pool provides one.
	Seed ethash.Hash256

	// Boundary is the pool share target.
	Boundary ethash.Hash256

	// BlockBoundary is the network block target, when known. The zero
	// value means not provided.
	BlockBoundary ethash.Hash256

	// Epoch is the DAG epoch, when known. Derived from Block otherwise.
	Epoch *uint32

	// Block is the block height being mined.
	Block *uint64

	// StartNonce is where the nonce scan begins.
	StartNonce uint64

	// ExtraNonceSize is the byte width of the pool-assigned nonce
	// prefix. A non-zero width means the pool has partitioned the nonce
	// space already and the farm must not re-segment it.
	ExtraNonceSize uint16

	// Algo names the proof of work algorithm for this job.
	Algo string
}

// IsPresent returns whether the package carries actual work. A zero
// header means "no work": workers idle until notified.
func (wp *WorkPackage) IsPresent() bool {
	return !wp.Header.IsZero()
}

// EffectiveBoundary returns the target to search against: the easier
// (numerically larger) of the share boundary and the block boundary when
// both are present.
func (wp *WorkPackage) EffectiveBoundary() ethash.Hash256 {
	if wp.BlockBoundary.IsZero() {
		return wp.Boundary
	}
	if wp.Boundary.Cmp(wp.BlockBoundary) < 0 {
		return wp.BlockBoundary
	}
	return wp.Boundary
}

// Solution pairs a winning nonce with the package it solves.
type Solution struct {
	// Nonce is the winning nonce.
	Nonce uint64

	// MixHash is the mix digest reported by the search.
	MixHash ethash.Hash256

	// Work is the package the solution refers to.
	Work WorkPackage

	// Tstamp is when the solution was found.
	Tstamp time.Time

	// MinerIdx is the originating worker index.
	MinerIdx uint32
}
