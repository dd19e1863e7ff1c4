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

// Package segalloc is the single entry point for byte-level
// allocation: it chooses a bin, dispatches to the per-CPU cache or
// directly to the chunk and bin directories, and returns file pages
// to segstore once a chunk empties out.
package segalloc

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/metall-go/metall/bindir"
	"github.com/metall-go/metall/bins"
	"github.com/metall-go/metall/chunkdir"
	"github.com/metall-go/metall/objcache"
	"github.com/metall-go/metall/offset"
	"github.com/metall-go/metall/segstore"
)

// Config tunes allocator behavior.
type Config struct {
	// FreeSmallObjectSizeHint enables per-slot free_region calls when
	// a deallocated small object's neighbours are also unmarked,
	// skipped for objects smaller than 2 pages.
	FreeSmallObjectSizeHint bool
	// DisableFreeFileSpace skips free_region entirely, trading disk
	// usage for avoiding the madvise/fallocate syscalls on a hot path.
	DisableFreeFileSpace bool
	Cache                objcache.Config
}

// Allocator ties the chunk directory, bin directory, and object cache
// to a segment's backing storage.
type Allocator struct {
	seg        *segstore.Storage
	arenaBase  int64 // byte offset within seg where chunk 0 begins
	chunks     *chunkdir.Directory
	binDir     *bindir.Directory
	cache      *objcache.Cache
	cfg        Config
	binMu      []sync.Mutex
	chunkMu    sync.Mutex
	pageSize   int64
}

// New builds an allocator over seg, with chunk 0 beginning at byte
// offset arenaBase within seg's mapped region.
func New(seg *segstore.Storage, arenaBase int64, capacityBytes int64, sortedBin bool, cfg Config) *Allocator {
	return &Allocator{
		seg:       seg,
		arenaBase: arenaBase,
		chunks:    chunkdir.New(capacityBytes),
		binDir:    bindir.New(sortedBin),
		cache:     objcache.New(cfg.Cache),
		cfg:       cfg,
		binMu:     make([]sync.Mutex, bins.NumSmallBins()),
		pageSize:  int64(os.Getpagesize()),
	}
}

// Load rebuilds an allocator from previously Serialize-d chunk and bin
// directories.
func Load(seg *segstore.Storage, arenaBase int64, capacityBytes int64, sortedBin bool, cfg Config, chunkR, binR io.Reader) (*Allocator, error) {
	chunks, err := chunkdir.Deserialize(chunkR, capacityBytes)
	if err != nil {
		return nil, fmt.Errorf("segalloc: loading chunk directory: %w", err)
	}
	binDir, err := bindir.Deserialize(binR, sortedBin)
	if err != nil {
		return nil, fmt.Errorf("segalloc: loading bin directory: %w", err)
	}
	return &Allocator{
		seg:       seg,
		arenaBase: arenaBase,
		chunks:    chunks,
		binDir:    binDir,
		cache:     objcache.New(cfg.Cache),
		cfg:       cfg,
		binMu:     make([]sync.Mutex, bins.NumSmallBins()),
		pageSize:  int64(os.Getpagesize()),
	}, nil
}

func chunkOf(off offset.T) chunkdir.ChunkNo {
	return chunkdir.ChunkNo(int64(off) / bins.ChunkSize)
}

func chunkBase(c chunkdir.ChunkNo) offset.T {
	return offset.T(int64(c) * bins.ChunkSize)
}

func slotOf(off offset.T, b bins.BinNo) chunkdir.SlotNo {
	within := int64(off) % bins.ChunkSize
	return chunkdir.SlotNo(within / int64(bins.ToObjectSize(b)))
}

func slotOffset(c chunkdir.ChunkNo, b bins.BinNo, slot chunkdir.SlotNo) offset.T {
	return chunkBase(c) + offset.T(int64(slot)*int64(bins.ToObjectSize(b)))
}

// Allocate returns nbytes of fresh storage.
func (a *Allocator) Allocate(nbytes uintptr) (offset.T, error) {
	if nbytes == 0 {
		return offset.Null, fmt.Errorf("segalloc: cannot allocate zero bytes")
	}
	b := bins.ToBinNo(nbytes)
	if bins.IsSmallBin(b) {
		if a.cache.Cacheable(b) {
			return a.cache.Pop(b, func(n int) ([]offset.T, error) {
				return a.allocateSmallDirect(b, n)
			}, func(offs []offset.T) error {
				return a.deallocateSmallBatch(b, offs)
			})
		}
		offs, err := a.allocateSmallDirect(b, 1)
		if err != nil {
			return offset.Null, err
		}
		return offs[0], nil
	}
	return a.allocateLarge(b)
}

// AllocateAligned returns nbytes of storage aligned to align bytes.
// Because the canonical bin sizes are all powers of two and chunks
// are CHUNK_SIZE-aligned, an ordinary Allocate already satisfies any
// legal alignment request; this only validates the preconditions.
func (a *Allocator) AllocateAligned(nbytes, align uintptr) (offset.T, error) {
	if align < bins.MinObjectSize || align&(align-1) != 0 || align > bins.ChunkSize {
		return offset.Null, fmt.Errorf("segalloc: invalid alignment %d", align)
	}
	if nbytes%align != 0 {
		return offset.Null, fmt.Errorf("segalloc: size %d is not a multiple of alignment %d", nbytes, align)
	}
	return a.Allocate(nbytes)
}

func (a *Allocator) allocateSmallDirect(b bins.BinNo, n int) ([]offset.T, error) {
	a.binMu[b].Lock()
	defer a.binMu[b].Unlock()
	a.chunkMu.Lock()
	defer a.chunkMu.Unlock()

	out := make([]offset.T, 0, n)
	for i := 0; i < n; i++ {
		chunk, ok := a.binDir.Front(b)
		if !ok {
			c, err := a.chunks.Insert(b)
			if err != nil {
				return nil, fmt.Errorf("segalloc: allocating bin %d: %w", b, err)
			}
			if err := a.seg.Extend(a.arenaBase + int64(c+1)*bins.ChunkSize); err != nil {
				a.chunks.Erase(c)
				return nil, fmt.Errorf("segalloc: extending segment for bin %d: %w", b, err)
			}
			a.binDir.Insert(b, c)
			chunk = c
		}
		slot, err := a.chunks.FindAndMarkSlot(chunk)
		if err != nil {
			return nil, fmt.Errorf("segalloc: marking slot in chunk %d: %w", chunk, err)
		}
		out = append(out, slotOffset(chunk, b, slot))

		full, err := a.chunks.AllSlotsMarked(chunk)
		if err != nil {
			return nil, err
		}
		if full {
			a.binDir.Erase(b, chunk)
		}
	}
	return out, nil
}

func (a *Allocator) allocateLarge(b bins.BinNo) (offset.T, error) {
	a.chunkMu.Lock()
	defer a.chunkMu.Unlock()

	chunk, err := a.chunks.Insert(b)
	if err != nil {
		return offset.Null, fmt.Errorf("segalloc: allocating large bin %d: %w", b, err)
	}
	n := int64(bins.ChunksPerLargeBin(b))
	if err := a.seg.Extend(a.arenaBase + int64(chunk)*bins.ChunkSize + n*bins.ChunkSize); err != nil {
		a.chunks.Erase(chunk)
		return offset.Null, fmt.Errorf("segalloc: extending segment for large bin %d: %w", b, err)
	}
	return chunkBase(chunk), nil
}

// Deallocate returns off to the allocator.
func (a *Allocator) Deallocate(off offset.T) error {
	chunk := chunkOf(off)
	b, err := a.chunks.BinNo(chunk)
	if err != nil {
		return fmt.Errorf("segalloc: deallocating %d: %w", off, err)
	}
	if bins.IsSmallBin(b) {
		if a.cache.Cacheable(b) {
			return a.cache.Push(b, off, func(offs []offset.T) error {
				return a.deallocateSmallBatch(b, offs)
			})
		}
		return a.deallocateSmallBatch(b, []offset.T{off})
	}
	return a.deallocateLarge(chunk, b)
}

func (a *Allocator) deallocateSmallBatch(b bins.BinNo, offs []offset.T) error {
	a.binMu[b].Lock()
	defer a.binMu[b].Unlock()
	a.chunkMu.Lock()
	defer a.chunkMu.Unlock()

	for _, off := range offs {
		chunk := chunkOf(off)
		slot := slotOf(off, b)

		wasFull, err := a.chunks.AllSlotsMarked(chunk)
		if err != nil {
			return fmt.Errorf("segalloc: deallocating %d: %w", off, err)
		}
		if err := a.chunks.UnmarkSlot(chunk, slot); err != nil {
			return fmt.Errorf("segalloc: deallocating %d: %w", off, err)
		}
		if wasFull {
			a.binDir.Insert(b, chunk)
		}

		empty, err := a.chunks.AllSlotsUnmarked(chunk)
		if err != nil {
			return fmt.Errorf("segalloc: deallocating %d: %w", off, err)
		}
		if empty {
			a.binDir.Erase(b, chunk)
			if err := a.chunks.Erase(chunk); err != nil {
				return fmt.Errorf("segalloc: erasing emptied chunk %d: %w", chunk, err)
			}
			if !a.cfg.DisableFreeFileSpace {
				a.seg.FreeRegion(a.arenaBase+int64(chunkBase(chunk)), bins.ChunkSize)
			}
		} else if a.cfg.FreeSmallObjectSizeHint {
			a.freeSlotHint(chunk, b, slot)
		}
	}
	return nil
}

// freeSlotHint returns the page-aligned intersection of the just-freed
// slot with any unmarked neighbours to the OS. It is skipped for
// objects smaller than two pages, where the win rarely covers a whole
// page.
func (a *Allocator) freeSlotHint(chunk chunkdir.ChunkNo, b bins.BinNo, slot chunkdir.SlotNo) {
	objSize := int64(bins.ToObjectSize(b))
	if objSize < 2*a.pageSize {
		return
	}
	lo := int64(slot) * objSize
	hi := lo + objSize
	for lo > 0 {
		prev := chunkdir.SlotNo(lo/objSize - 1)
		marked, err := a.chunks.SlotMarked(chunk, prev)
		if err != nil || marked {
			break
		}
		lo -= objSize
	}
	slots, err := a.chunks.Slots(chunk)
	if err != nil {
		return
	}
	for hi/objSize < int64(slots) {
		next := chunkdir.SlotNo(hi / objSize)
		marked, err := a.chunks.SlotMarked(chunk, next)
		if err != nil || marked {
			break
		}
		hi += objSize
	}
	pageLo := (lo + a.pageSize - 1) / a.pageSize * a.pageSize
	pageHi := hi / a.pageSize * a.pageSize
	if pageHi <= pageLo {
		return
	}
	base := a.arenaBase + int64(chunkBase(chunk))
	a.seg.FreeRegion(base+pageLo, pageHi-pageLo)
}

func (a *Allocator) deallocateLarge(chunk chunkdir.ChunkNo, b bins.BinNo) error {
	a.chunkMu.Lock()
	defer a.chunkMu.Unlock()

	n := int64(bins.ChunksPerLargeBin(b))
	if err := a.chunks.Erase(chunk); err != nil {
		return fmt.Errorf("segalloc: erasing large chunk %d: %w", chunk, err)
	}
	if !a.cfg.DisableFreeFileSpace {
		base := a.arenaBase + int64(chunkBase(chunk))
		a.seg.FreeRegion(base, n*bins.ChunkSize)
	}
	return nil
}

// Serialize clears the object cache back to the global tables, then
// writes the chunk and bin directories.
func (a *Allocator) Serialize(chunkW, binW io.Writer) error {
	if err := a.cache.Clear(func(offs []offset.T) error {
		if len(offs) == 0 {
			return nil
		}
		b, err := a.chunks.BinNo(chunkOf(offs[0]))
		if err != nil {
			return err
		}
		return a.deallocateSmallBatch(b, offs)
	}); err != nil {
		return fmt.Errorf("segalloc: flushing object cache: %w", err)
	}
	if err := a.chunks.Serialize(chunkW); err != nil {
		return fmt.Errorf("segalloc: serializing chunk directory: %w", err)
	}
	if err := a.binDir.Serialize(binW); err != nil {
		return fmt.Errorf("segalloc: serializing bin directory: %w", err)
	}
	return nil
}
