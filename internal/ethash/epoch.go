// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ethash

import (
	"encoding/binary"
	"sync/atomic"
)

// fnv1 is the non-cryptographic FNV-1 mixing function used throughout the
// dataset generation.
func fnv1(u, v uint32) uint32 {
	return u*0x01000193 ^ v
}

// EpochContext holds the per-epoch mining context: the light cache from
// which every dataset item can be regenerated, the dataset item counts and
// optionally the lazily materialized full dataset.
//
// An EpochContext is immutable after construction except for the full
// dataset slab, whose item slots are write-once: any goroutine recomputing
// the same index produces identical bytes and publication is ordered
// through a per-item presence bitmap.
type EpochContext struct {
	EpochNumber         uint32
	LightCacheNumItems  uint32
	FullDatasetNumItems uint32

	// LightCache is read-only after construction and shared by every
	// holder of the context.
	LightCache []Hash512

	// L1Cache is the first L1CacheSize bytes of the full dataset
	// flattened into little-endian words. It is consumed by the mixing
	// loop's cache reads and copied verbatim to compute devices.
	L1Cache []uint32

	fullDataset []Hash1024
	presence    []uint32
}

// NewEpochContext builds the context for the provided epoch. When full is
// true the full dataset slab is allocated (items are generated lazily on
// first access), otherwise only the light cache is held and every dataset
// item is synthesized on demand.
//
// Construction cost is dominated by the light cache generation; prefer
// GetContext which caches built contexts per epoch.
func NewEpochContext(epoch uint32, full bool) *EpochContext {
	lightItems := CalcLightCacheNumItems(epoch)
	fullItems := CalcFullDatasetNumItems(epoch)
	return newEpochContext(epoch, lightItems, fullItems, full)
}

// newEpochContext builds a context with explicit item counts. Split from
// NewEpochContext so tests can exercise the dataset machinery on small
// primes.
func newEpochContext(epoch, lightItems, fullItems uint32, full bool) *EpochContext {
	seed := SeedFromEpoch(epoch)
	ctx := &EpochContext{
		EpochNumber:         epoch,
		LightCacheNumItems:  lightItems,
		FullDatasetNumItems: fullItems,
		LightCache:          buildLightCache(seed, lightItems),
	}
	ctx.L1Cache = ctx.buildL1Cache()
	if full {
		ctx.fullDataset = make([]Hash1024, fullItems)
		ctx.presence = make([]uint32, (fullItems+31)/32)
	}
	return ctx
}

// buildLightCache generates the light cache from the epoch seed using the
// RandMemoHash strategy: a sequential Keccak-512 fill followed by
// LightCacheRounds passes of random-access remixing.
func buildLightCache(seed Hash256, numItems uint32) []Hash512 {
	items := make([]Hash512, numItems)
	items[0] = Keccak512(seed[:])
	for i := uint32(1); i < numItems; i++ {
		items[i] = Keccak512(items[i-1][:])
	}

	for round := 0; round < LightCacheRounds; round++ {
		for i := uint32(0); i < numItems; i++ {
			// First index: previous item (wrap around).
			// Second index: random selection based on the item's first
			// word, taken before the item is overwritten.
			t := (i + numItems - 1) % numItems
			v := items[i].Word(0) % numItems
			x := xorHashes(&items[t], &items[v])
			items[i] = Keccak512(x[:])
		}
	}
	return items
}

// buildL1Cache flattens the first L1CacheSize bytes worth of dataset
// items into words.
func (ctx *EpochContext) buildL1Cache() []uint32 {
	const l1Items = L1CacheSize / FullDatasetItemSize
	words := make([]uint32, 0, L1CacheWords)
	for i := uint32(0); i < l1Items; i++ {
		item := ctx.CalcDatasetItem1024(i)
		for w := 0; w < FullDatasetItemSize/4; w++ {
			words = append(words, binary.LittleEndian.Uint32(item[w*4:]))
		}
	}
	return words
}

// LightCacheBytes returns the light cache serialized to a flat byte slice
// for device upload.
func (ctx *EpochContext) LightCacheBytes() []byte {
	out := make([]byte, 0, LightCacheSize(ctx.LightCacheNumItems))
	for i := range ctx.LightCache {
		out = append(out, ctx.LightCache[i][:]...)
	}
	return out
}

// LightCacheSize returns the byte size of this context's light cache.
func (ctx *EpochContext) LightCacheSize() uint64 {
	return LightCacheSize(ctx.LightCacheNumItems)
}

// FullDatasetSize returns the byte size of this context's full dataset.
func (ctx *EpochContext) FullDatasetSize() uint64 {
	return FullDatasetSize(ctx.FullDatasetNumItems)
}

// HasFullDataset returns whether the full dataset slab is allocated.
func (ctx *EpochContext) HasFullDataset() bool {
	return ctx.fullDataset != nil
}

// calcDatasetItem512 generates the index'th 512-bit dataset half-item by
// the deterministic FNV mix over DatasetParents light cache parents.
func (ctx *EpochContext) calcDatasetItem512(index uint32) Hash512 {
	numCache := ctx.LightCacheNumItems

	mix := ctx.LightCache[index%numCache]
	mix.SetWord(0, mix.Word(0)^index)
	mix = Keccak512(mix[:])

	const numWords = Hash512Size / 4
	for j := uint32(0); j < DatasetParents; j++ {
		t := fnv1(index^j, mix.Word(j%numWords))
		parent := &ctx.LightCache[t%numCache]
		for w := uint32(0); w < numWords; w++ {
			mix.SetWord(w, fnv1(mix.Word(w), parent.Word(w)))
		}
	}
	return Keccak512(mix[:])
}

// CalcDatasetItem1024 generates the index'th full dataset item from the
// light cache. The 1 KiB item is the concatenation of two 512-bit
// half-items.
func (ctx *EpochContext) CalcDatasetItem1024(index uint32) Hash1024 {
	var out Hash1024
	lo := ctx.calcDatasetItem512(index * 2)
	hi := ctx.calcDatasetItem512(index*2 + 1)
	copy(out[:Hash512Size], lo[:])
	copy(out[Hash512Size:], hi[:])
	return out
}

// CalcDatasetItem2048 generates two sequential full dataset items,
// the access width used by 64-bit mixing variants.
func (ctx *EpochContext) CalcDatasetItem2048(index uint32) Hash2048 {
	var out Hash2048
	lo := ctx.LookupDatasetItem1024(index * 2)
	hi := ctx.LookupDatasetItem1024(index*2 + 1)
	copy(out[:Hash1024Size], lo[:])
	copy(out[Hash1024Size:], hi[:])
	return out
}

// LookupDatasetItem1024 fetches a dataset item from the full dataset when
// allocated, synthesizing and publishing it on first access, or computes
// it directly from the light cache otherwise.
//
// Item slots are racy-write-once: concurrent goroutines may compute the
// same index, the bytes are identical, and the presence bit is set with
// release ordering only after the item bytes are in place. Readers check
// the bit with acquire ordering and recompute on miss.
func (ctx *EpochContext) LookupDatasetItem1024(index uint32) Hash1024 {
	if ctx.fullDataset == nil {
		return ctx.CalcDatasetItem1024(index)
	}

	word := &ctx.presence[index/32]
	mask := uint32(1) << (index % 32)
	if atomic.LoadUint32(word)&mask != 0 {
		return ctx.fullDataset[index]
	}

	item := ctx.CalcDatasetItem1024(index)
	ctx.fullDataset[index] = item
	for {
		old := atomic.LoadUint32(word)
		if atomic.CompareAndSwapUint32(word, old, old|mask) {
			break
		}
	}
	return item
}

// LookupDatasetItem2048 fetches the 2048-bit access-width item at the
// provided index, going through the lazy 1024-bit lookups.
func (ctx *EpochContext) LookupDatasetItem2048(index uint32) Hash2048 {
	return ctx.CalcDatasetItem2048(index)
}

// GenerateDataset eagerly materializes every item of the full dataset.
// Intended for hosts that keep a CPU-resident DAG; device miners generate
// the DAG on the device instead.
func (ctx *EpochContext) GenerateDataset() {
	if ctx.fullDataset == nil {
		return
	}
	for i := uint32(0); i < ctx.FullDatasetNumItems; i++ {
		ctx.LookupDatasetItem1024(i)
	}
}
