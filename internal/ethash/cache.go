// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ethash

import (
	"fmt"
	"sync"
)

// cacheEntry tracks one built (or in-flight) epoch context and the number
// of holders referencing it.
type cacheEntry struct {
	built chan struct{}
	ctx   *EpochContext
	full  bool
	refs  int
}

// ContextCache maps epoch numbers to shared epoch contexts. Construction
// is single-flight: concurrent requests for the same epoch wait for one
// builder. Contexts are dropped once every holder has released them.
type ContextCache struct {
	mtx     sync.Mutex
	entries map[uint32]*cacheEntry
}

// NewContextCache creates an empty context cache.
func NewContextCache() *ContextCache {
	return &ContextCache{
		entries: make(map[uint32]*cacheEntry),
	}
}

// defaultCache is the process-wide context cache shared by all workers.
var defaultCache = NewContextCache()

// GetContext returns the shared context for the provided epoch from the
// process-wide cache, building it when absent. See ContextCache.Get.
func GetContext(epoch uint32, full bool) *EpochContext {
	return defaultCache.Get(epoch, full)
}

// ReleaseContext releases a context previously obtained via GetContext.
func ReleaseContext(epoch uint32) error {
	return defaultCache.Release(epoch)
}

// Get returns the shared context for the provided epoch, building it when
// absent. When full is true and the cached context only holds the light
// cache, the context is upgraded with a dataset slab. Every successful Get
// must be paired with a Release.
func (c *ContextCache) Get(epoch uint32, full bool) *EpochContext {
	c.mtx.Lock()
	entry, ok := c.entries[epoch]
	if ok {
		entry.refs++
		c.mtx.Unlock()
		<-entry.built

		// Upgrade a light-only context when a full one is requested.
		// The light cache is kept as is; the slab itself is lazily
		// filled so the upgrade is cheap.
		if full && !entry.ctx.HasFullDataset() {
			c.mtx.Lock()
			if !entry.ctx.HasFullDataset() {
				entry.ctx.fullDataset = make([]Hash1024,
					entry.ctx.FullDatasetNumItems)
				entry.ctx.presence = make([]uint32,
					(entry.ctx.FullDatasetNumItems+31)/32)
				entry.full = true
			}
			c.mtx.Unlock()
		}
		return entry.ctx
	}

	entry = &cacheEntry{
		built: make(chan struct{}),
		full:  full,
		refs:  1,
	}
	c.entries[epoch] = entry
	c.mtx.Unlock()

	entry.ctx = NewEpochContext(epoch, full)
	close(entry.built)

	log.Debugf("Built context for epoch %d (light %d items, dataset %d "+
		"items, full=%v)", epoch, entry.ctx.LightCacheNumItems,
		entry.ctx.FullDatasetNumItems, full)
	return entry.ctx
}

// Release drops one reference to the provided epoch's context, freeing it
// once no holder remains.
func (c *ContextCache) Release(epoch uint32) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	entry, ok := c.entries[epoch]
	if !ok {
		desc := fmt.Sprintf("release of epoch %d context not held", epoch)
		return errorf(ErrContextRelease, desc)
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(c.entries, epoch)
		log.Debugf("Released context for epoch %d", epoch)
	}
	return nil
}
