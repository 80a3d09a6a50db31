// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ethash

import (
	"bytes"
	"sync"
	"testing"
)

// testContext builds a context with small prime item counts so the
// dataset machinery can be exercised without epoch-scale memory.
func testContext(t *testing.T, full bool) *EpochContext {
	t.Helper()
	return newEpochContext(0, 251, 509, full)
}

// TestLightCacheFirstItem asserts the epoch 0 light cache starts with
// keccak512 of the 32 zero byte seed, bit-exactly.
func TestLightCacheFirstItem(t *testing.T) {
	seed := SeedFromEpoch(0)
	want := Keccak512(seed[:])

	cache := buildLightCache(seed, 8)
	if cache[0] != want {
		t.Fatalf("light cache slot 0: got %x, want %x", cache[0], want)
	}
}

// TestLightCacheDeterminism asserts two independent builds of the same
// epoch yield byte-identical light caches.
func TestLightCacheDeterminism(t *testing.T) {
	a := testContext(t, false)
	b := testContext(t, false)

	if a.LightCacheNumItems != b.LightCacheNumItems {
		t.Fatalf("item count mismatch: %d != %d", a.LightCacheNumItems,
			b.LightCacheNumItems)
	}
	for i := range a.LightCache {
		if a.LightCache[i] != b.LightCache[i] {
			t.Fatalf("light cache item %d differs between builds", i)
		}
	}
	if !bytes.Equal(a.LightCacheBytes(), b.LightCacheBytes()) {
		t.Fatal("serialized light caches differ")
	}
}

// TestDatasetItemConsistency asserts lazy lookups against a dataset slab
// agree with direct synthesis from the light cache.
func TestDatasetItemConsistency(t *testing.T) {
	light := testContext(t, false)
	slab := testContext(t, true)

	for _, index := range []uint32{0, 1, 2, 127, 508} {
		direct := light.CalcDatasetItem1024(index)
		lazy := slab.LookupDatasetItem1024(index)
		if direct != lazy {
			t.Fatalf("dataset item %d: slab lookup differs from synthesis",
				index)
		}
		// A second lookup serves the published slot.
		again := slab.LookupDatasetItem1024(index)
		if again != direct {
			t.Fatalf("dataset item %d: republished bytes differ", index)
		}
	}

	// 2048-bit access width concatenates sequential items.
	wide := slab.LookupDatasetItem2048(3)
	lo := light.CalcDatasetItem1024(6)
	hi := light.CalcDatasetItem1024(7)
	if !bytes.Equal(wide[:Hash1024Size], lo[:]) ||
		!bytes.Equal(wide[Hash1024Size:], hi[:]) {
		t.Fatal("2048-bit item does not concatenate sequential items")
	}
}

// TestDatasetRacyWriteOnce races many goroutines realizing the same
// dataset slots; every read must observe identical bytes.
func TestDatasetRacyWriteOnce(t *testing.T) {
	ctx := testContext(t, true)
	want := ctx.CalcDatasetItem1024(42)

	var wg sync.WaitGroup
	errCh := make(chan error, 16)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				got := ctx.LookupDatasetItem1024(42)
				if got != want {
					errCh <- errorf(ErrWrongInputLength, "torn dataset read")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
}

// TestL1Cache asserts the L1 slice mirrors the first dataset items.
func TestL1Cache(t *testing.T) {
	ctx := testContext(t, false)
	if len(ctx.L1Cache) != L1CacheWords {
		t.Fatalf("l1 cache words: got %d, want %d", len(ctx.L1Cache),
			L1CacheWords)
	}
	item0 := ctx.CalcDatasetItem1024(0)
	if ctx.L1Cache[0] != item0.Word(0) {
		t.Fatalf("l1 word 0: got %08x, want %08x", ctx.L1Cache[0],
			item0.Word(0))
	}
}

// TestContextCacheSingleFlight asserts concurrent requests for the same
// epoch share one built context, and that release drops it.
func TestContextCacheSingleFlight(t *testing.T) {
	cache := NewContextCache()

	const callers = 8
	results := make([]*EpochContext, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = cache.Get(0, false)
		}()
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent Get returned distinct contexts")
		}
	}

	for i := 0; i < callers; i++ {
		if err := cache.Release(0); err != nil {
			t.Fatalf("release %d: unexpected error %v", i, err)
		}
	}
	if err := cache.Release(0); err == nil {
		t.Fatal("expected error releasing a dropped context")
	}
}
