// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ethash

import (
	"fmt"
)

// Algorithm revision constants. These reproduce the MeowPoW deployment
// parameters bit-exactly and must never change for a given chain.
const (
	// EpochLength is the number of block heights sharing one DAG. The
	// ethereum value of 30000 is scaled for a 5 minute block time so the
	// DAG keeps the same growth rate in wall-clock terms.
	EpochLength = 7500

	// LightCacheInitSize is the light cache byte size at epoch 0.
	LightCacheInitSize = 1 << 24

	// LightCacheGrowth is the light cache byte growth per epoch.
	LightCacheGrowth = 1 << 17

	// LightCacheRounds is the number of RandMemoHash rounds applied while
	// building the light cache.
	LightCacheRounds = 3

	// LightCacheItemSize is the byte size of one light cache item.
	LightCacheItemSize = Hash512Size

	// FullDatasetInitSize is the full dataset byte size at epoch 0.
	FullDatasetInitSize = 1 << 30

	// FullDatasetGrowth is the full dataset byte growth per epoch.
	FullDatasetGrowth = 1 << 23

	// FullDatasetItemSize is the byte size of one full dataset item.
	FullDatasetItemSize = Hash1024Size

	// DatasetParents is the number of light cache parents mixed into each
	// full dataset item.
	DatasetParents = 512

	// NumDatasetAccesses is the number of dataset accesses performed by
	// the mixing loop.
	NumDatasetAccesses = 64

	// L1CacheSize is the byte size of the kernel-resident L1 slice of the
	// dataset.
	L1CacheSize = 16 * 1024

	// L1CacheWords is the number of 32-bit words in the L1 cache.
	L1CacheWords = L1CacheSize / 4

	// maxEpoch bounds the reverse seed-to-epoch search. It is far beyond
	// any reachable epoch for the chain's block time.
	maxEpoch = 32768
)

// isPrime reports whether the provided number is prime, by deterministic
// trial division. Inputs are bounded by the dataset item counts so the
// sqrt walk is cheap.
func isPrime(n uint32) bool {
	if n < 2 {
		return false
	}
	if n%2 == 0 {
		return n == 2
	}
	for d := uint32(3); d*d <= n; d += 2 {
		if n%d == 0 {
			return false
		}
	}
	return true
}

// FindLargestPrime returns the largest prime number not greater than the
// provided upper bound, or 0 when the bound is 1 or less.
func FindLargestPrime(upperBound uint32) uint32 {
	for n := upperBound; n > 1; n-- {
		if isPrime(n) {
			return n
		}
	}
	return 0
}

// CalcLightCacheNumItems returns the number of items in the light cache
// for the given epoch. The result is always prime.
func CalcLightCacheNumItems(epoch uint32) uint32 {
	upper := uint32((uint64(LightCacheInitSize) +
		uint64(LightCacheGrowth)*uint64(epoch)) / LightCacheItemSize)
	n := FindLargestPrime(upper)
	if n == 0 {
		panic(fmt.Sprintf("no prime light cache size for epoch %d", epoch))
	}
	return n
}

// CalcFullDatasetNumItems returns the number of items in the full dataset
// for the given epoch. The result is always prime.
func CalcFullDatasetNumItems(epoch uint32) uint32 {
	upper := uint32((uint64(FullDatasetInitSize) +
		uint64(FullDatasetGrowth)*uint64(epoch)) / FullDatasetItemSize)
	n := FindLargestPrime(upper)
	if n == 0 {
		panic(fmt.Sprintf("no prime dataset size for epoch %d", epoch))
	}
	return n
}

// LightCacheSize returns the byte size of a light cache with the provided
// item count.
func LightCacheSize(numItems uint32) uint64 {
	return uint64(numItems) * LightCacheItemSize
}

// FullDatasetSize returns the byte size of a full dataset with the
// provided item count.
func FullDatasetSize(numItems uint32) uint64 {
	return uint64(numItems) * FullDatasetItemSize
}

// SeedFromEpoch calculates the epoch seed hash by iterating Keccak-256
// the epoch number of times starting from an all-zero hash.
func SeedFromEpoch(epoch uint32) Hash256 {
	var seed Hash256
	for i := uint32(0); i < epoch; i++ {
		seed = Keccak256(seed[:])
	}
	return seed
}

// EpochFromSeed reverses SeedFromEpoch by iteration. It returns an error
// wrapping ErrEpochNotFound when the seed does not match any epoch within
// a sane bound.
func EpochFromSeed(seed Hash256) (uint32, error) {
	var s Hash256
	for epoch := uint32(0); epoch < maxEpoch; epoch++ {
		if s == seed {
			return epoch, nil
		}
		s = Keccak256(s[:])
	}
	desc := fmt.Sprintf("no epoch found for seed %v", seed)
	return 0, errorf(ErrEpochNotFound, desc)
}

// EpochFromBlock returns the epoch number the provided block height
// belongs to.
func EpochFromBlock(block uint64) uint32 {
	return uint32(block / EpochLength)
}
