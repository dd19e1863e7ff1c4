// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package objcache amortizes small-object allocation with a per-CPU
// stash of free offsets, so that most allocate/deallocate pairs never
// touch the chunk or bin directories. Blocks hold a fixed number of
// offsets and are threaded onto both a per-bin free list and a single
// global age chain per cache, a doubly linked list so the oldest
// block across every bin can be evicted in O(1).
package objcache

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/metall-go/metall/bins"
	"github.com/metall-go/metall/offset"
)

// BlockObjects is the number of offsets a single cache block holds.
// A block's byte cost for bin b is BlockObjects * bins.ToObjectSize(b).
const BlockObjects = 64

// MinBlocksPerBin is the number of blocks of its own bin that a
// cacheable bin is guaranteed room for under MaxBytes; it bounds
// MaxCacheableBin.
const MinBlocksPerBin = 2

// Config tunes the cache.
type Config struct {
	// MaxBytes is the per-cache byte budget (MAX_PER_CPU_CACHE_SIZE).
	MaxBytes int
	// CachesPerCPU multiplies runtime.NumCPU() to get the cache count.
	CachesPerCPU int
}

// DefaultConfig returns reasonable per-CPU cache tunables.
func DefaultConfig() Config {
	return Config{MaxBytes: 1 << 20, CachesPerCPU: 2}
}

type block struct {
	bin     bins.BinNo
	offsets []offset.T

	olderInBin, newerInBin *block // per-bin chain of retired (full) blocks, oldest at head
	inBinChain             bool
	older, newer           *block // global age chain (oldest at head)
}

func (b *block) full() bool  { return len(b.offsets) == BlockObjects }
func (b *block) empty() bool { return len(b.offsets) == 0 }

type perCache struct {
	mu sync.Mutex

	active               map[bins.BinNo]*block
	binOldest, binNewest map[bins.BinNo]*block // per-bin chain of retired (full) blocks
	bytes                int

	oldest, newest *block // global age chain
}

// Cache is the full per-CPU object cache for one segment allocator.
type Cache struct {
	caches          []perCache
	cfg             Config
	maxCacheableBin bins.BinNo
}

// New builds a cache sized per cfg. maxCacheableBin is the highest
// bin number the cache will hold; bins above it always bypass the
// cache.
func New(cfg Config) *Cache {
	if cfg.MaxBytes <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.CachesPerCPU <= 0 {
		cfg.CachesPerCPU = DefaultConfig().CachesPerCPU
	}
	n := runtime.NumCPU() * cfg.CachesPerCPU
	c := &Cache{
		caches: make([]perCache, n),
		cfg:    cfg,
	}
	c.maxCacheableBin = computeMaxCacheableBin(cfg.MaxBytes)
	for i := range c.caches {
		c.caches[i].active = make(map[bins.BinNo]*block)
		c.caches[i].binOldest = make(map[bins.BinNo]*block)
		c.caches[i].binNewest = make(map[bins.BinNo]*block)
	}
	return c
}

func computeMaxCacheableBin(maxBytes int) bins.BinNo {
	best := bins.BinNo(-1)
	for b := bins.BinNo(0); b < bins.NumSmallBins(); b++ {
		cost := BlockObjects * MinBlocksPerBin * int(bins.ToObjectSize(b))
		if cost > maxBytes {
			break
		}
		best = b
	}
	return best
}

// MaxCacheableBin returns the largest bin the cache will hold.
func (c *Cache) MaxCacheableBin() bins.BinNo { return c.maxCacheableBin }

// Cacheable reports whether bin b is held by the cache; bins for which
// it is false bypass the cache entirely.
func (c *Cache) Cacheable(b bins.BinNo) bool {
	return bins.IsSmallBin(b) && b <= c.maxCacheableBin
}

var roundRobin uint64

var slotPool = sync.Pool{New: func() any { return new(cacheSlot) }}

type cacheSlot struct {
	idx  int
	hits uint32
}

const reselectInterval = 4096

// pickCache approximates "CPU number" affinity without a portable
// syscall for it: sync.Pool shards its free list per-P, so a slot
// pulled from the pool tends to come back on the same P that put it
// there, giving a cheap, self-correcting approximation of per-CPU
// locality. The index is refreshed only every reselectInterval
// lookups (by Pop or Push) to amortize the pool round trip, the same "cache the CPU number for
// K subsequent lookups" idea a true per-CPU-affinity implementation
// would use, just driven by pool affinity instead of a CPU id.
func (c *Cache) pickCache() int {
	s := slotPool.Get().(*cacheSlot)
	if s.hits == 0 || s.idx >= len(c.caches) {
		s.idx = int(atomic.AddUint64(&roundRobin, 1) % uint64(len(c.caches)))
	}
	s.hits++
	if s.hits >= reselectInterval {
		s.hits = 0
	}
	idx := s.idx
	slotPool.Put(s)
	return idx
}

// Pop removes one free offset from bin b's cache, calling alloc to
// replenish the cache from the global allocator if it is empty. alloc
// must return exactly n fresh offsets for bin b. dealloc is used to
// evict the cache's oldest blocks, of any bin (via makeRoom), if admitting the
// freshly allocated block would exceed the per-cache byte budget.
func (c *Cache) Pop(b bins.BinNo, alloc func(n int) ([]offset.T, error), dealloc func([]offset.T) error) (offset.T, error) {
	if !c.Cacheable(b) {
		return offset.Null, fmt.Errorf("objcache: bin %d is not cacheable", b)
	}
	pc := &c.caches[c.pickCache()]
	pc.mu.Lock()
	defer pc.mu.Unlock()

	blk := pc.active[b]
	if blk == nil || blk.empty() {
		if next := pc.popBinChain(b); next != nil {
			pc.active[b] = next
			blk = next
		} else {
			objSize := int(bins.ToObjectSize(b))
			if err := pc.makeRoom(BlockObjects*objSize, c.cfg.MaxBytes, dealloc); err != nil {
				return offset.Null, err
			}
			fresh, err := alloc(BlockObjects)
			if err != nil {
				return offset.Null, err
			}
			nb := &block{bin: b, offsets: fresh}
			pc.linkActive(b, nb)
			pc.bytes += BlockObjects * objSize
			blk = nb
		}
	}
	o := blk.offsets[len(blk.offsets)-1]
	blk.offsets = blk.offsets[:len(blk.offsets)-1]
	pc.bytes -= int(bins.ToObjectSize(b))
	return o, nil
}

// Push returns an offset to bin b's cache, evicting the oldest blocks
// across every bin (via dealloc) until there is room.
func (c *Cache) Push(b bins.BinNo, off offset.T, dealloc func([]offset.T) error) error {
	if !c.Cacheable(b) {
		return fmt.Errorf("objcache: bin %d is not cacheable", b)
	}
	pc := &c.caches[c.pickCache()]
	pc.mu.Lock()
	defer pc.mu.Unlock()

	objSize := int(bins.ToObjectSize(b))
	if err := pc.makeRoom(objSize, c.cfg.MaxBytes, dealloc); err != nil {
		return err
	}

	blk := pc.active[b]
	if blk == nil || blk.full() {
		if blk != nil {
			pc.retireToBinChain(blk)
		}
		nb := &block{bin: b}
		pc.linkActive(b, nb)
		blk = nb
	}
	blk.offsets = append(blk.offsets, off)
	pc.bytes += objSize
	return nil
}

// retireToBinChain moves a now-full active block out of the active
// slot and onto bin b's chain of full, reusable blocks, so a later
// Pop can hand its contents out without calling the global allocator.
// The block stays on the global age chain unchanged; only eviction
// (makeRoom) removes it from there.
func (pc *perCache) retireToBinChain(blk *block) {
	blk.inBinChain = true
	blk.olderInBin = pc.binNewest[blk.bin]
	if prev := pc.binNewest[blk.bin]; prev != nil {
		prev.newerInBin = blk
	} else {
		pc.binOldest[blk.bin] = blk
	}
	pc.binNewest[blk.bin] = blk
}

// popBinChain removes and returns the oldest retired block of bin b,
// or nil if none is waiting.
func (pc *perCache) popBinChain(b bins.BinNo) *block {
	blk := pc.binOldest[b]
	if blk == nil {
		return nil
	}
	pc.unlinkBinChain(blk)
	return blk
}

func (pc *perCache) unlinkBinChain(blk *block) {
	if !blk.inBinChain {
		return
	}
	if blk.olderInBin != nil {
		blk.olderInBin.newerInBin = blk.newerInBin
	} else {
		pc.binOldest[blk.bin] = blk.newerInBin
	}
	if blk.newerInBin != nil {
		blk.newerInBin.olderInBin = blk.olderInBin
	} else {
		pc.binNewest[blk.bin] = blk.olderInBin
	}
	blk.olderInBin, blk.newerInBin = nil, nil
	blk.inBinChain = false
}

// linkActive installs blk as bin b's active block and appends it to
// the global age chain (newest at the tail).
func (pc *perCache) linkActive(b bins.BinNo, blk *block) {
	pc.active[b] = blk
	blk.older = pc.newest
	if pc.newest != nil {
		pc.newest.newer = blk
	}
	pc.newest = blk
	if pc.oldest == nil {
		pc.oldest = blk
	}
}

// makeRoom evicts the oldest blocks, oldest-first regardless of bin,
// bulk-deallocating their contents until needed bytes fit under
// maxBytes.
func (pc *perCache) makeRoom(needed, maxBytes int, dealloc func([]offset.T) error) error {
	for pc.bytes+needed > maxBytes {
		oldest := pc.oldest
		if oldest == nil {
			break
		}
		if err := dealloc(oldest.offsets); err != nil {
			return fmt.Errorf("objcache: evicting oldest block: %w", err)
		}
		pc.bytes -= len(oldest.offsets) * int(bins.ToObjectSize(oldest.bin))
		pc.unlink(oldest)
	}
	return nil
}

func (pc *perCache) unlink(blk *block) {
	if blk.older != nil {
		blk.older.newer = blk.newer
	} else {
		pc.oldest = blk.newer
	}
	if blk.newer != nil {
		blk.newer.older = blk.older
	} else {
		pc.newest = blk.older
	}
	blk.older, blk.newer = nil, nil
	if pc.active[blk.bin] == blk {
		delete(pc.active, blk.bin)
	}
	pc.unlinkBinChain(blk)
}

// Clear bulk-deallocates every cached offset in every cache and resets
// all headers. It is called before serialization so that no offsets
// remain stranded in an in-memory-only cache.
func (c *Cache) Clear(dealloc func([]offset.T) error) error {
	for i := range c.caches {
		pc := &c.caches[i]
		pc.mu.Lock()
		err := func() error {
			for blk := pc.oldest; blk != nil; blk = blk.newer {
				if len(blk.offsets) == 0 {
					continue
				}
				if err := dealloc(blk.offsets); err != nil {
					return fmt.Errorf("objcache: clearing cache %d: %w", i, err)
				}
			}
			return nil
		}()
		pc.active = make(map[bins.BinNo]*block)
		pc.binOldest = make(map[bins.BinNo]*block)
		pc.binNewest = make(map[bins.BinNo]*block)
		pc.oldest, pc.newest = nil, nil
		pc.bytes = 0
		pc.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
