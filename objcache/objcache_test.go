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

package objcache

import (
	"sync/atomic"
	"testing"

	"github.com/metall-go/metall/bins"
	"github.com/metall-go/metall/offset"
)

func TestPopAllocatesOnEmptyCache(t *testing.T) {
	c := New(DefaultConfig())
	b := bins.ToBinNo(16)

	var allocCalls int32
	alloc := func(n int) ([]offset.T, error) {
		atomic.AddInt32(&allocCalls, 1)
		out := make([]offset.T, n)
		for i := range out {
			out[i] = offset.T(i * 16)
		}
		return out, nil
	}

	noop := func([]offset.T) error { return nil }
	o, err := c.Pop(b, alloc, noop)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if !o.Valid() {
		t.Fatal("Pop returned an invalid offset")
	}
	if allocCalls != 1 {
		t.Fatalf("alloc called %d times, want 1", allocCalls)
	}
}

func TestPushThenPopReturnsSameOffset(t *testing.T) {
	c := New(DefaultConfig())
	b := bins.ToBinNo(16)

	dealloc := func([]offset.T) error { return nil }
	if err := c.Push(b, offset.T(4096), dealloc); err != nil {
		t.Fatalf("Push: %v", err)
	}

	var allocCalled bool
	alloc := func(n int) ([]offset.T, error) {
		allocCalled = true
		return make([]offset.T, n), nil
	}
	o, err := c.Pop(b, alloc, dealloc)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if allocCalled {
		t.Fatal("Pop should have been satisfied from the pushed block without calling alloc")
	}
	if o != offset.T(4096) {
		t.Fatalf("Pop = %d, want 4096", o)
	}
}

func TestBypassesCacheAboveMaxCacheableBin(t *testing.T) {
	c := New(Config{MaxBytes: 64, CachesPerCPU: 1})
	largeSmallBin := bins.NumSmallBins() - 1
	if c.Cacheable(largeSmallBin) {
		t.Fatalf("bin %d should not be cacheable under a 64-byte budget", largeSmallBin)
	}
}

func TestPopReusesRetiredBlockBeforeAllocating(t *testing.T) {
	c := New(DefaultConfig())
	b := bins.ToBinNo(16)
	noop := func([]offset.T) error { return nil }

	// Fill one whole block of bin b (retiring it onto the bin chain)
	// and start a second block with a single entry.
	for i := 0; i < BlockObjects+1; i++ {
		if err := c.Push(b, offset.T(i*16), noop); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	noAlloc := func(int) ([]offset.T, error) {
		t.Fatal("should not allocate while the active block still has an entry")
		return nil, nil
	}
	// Drains the lone entry in the active (second) block.
	if _, err := c.Pop(b, noAlloc, noop); err != nil {
		t.Fatalf("Pop: %v", err)
	}

	var allocCalled bool
	alloc := func(n int) ([]offset.T, error) {
		allocCalled = true
		return make([]offset.T, n), nil
	}
	// The active block is now empty; the retired, still-full first
	// block should be promoted instead of calling the allocator.
	if _, err := c.Pop(b, alloc, noop); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if allocCalled {
		t.Fatal("Pop should have promoted the retired block instead of allocating")
	}
}

func TestPopRefillAccountsBytesForMakeRoom(t *testing.T) {
	binB := bins.ToBinNo(16)
	binC := bins.ToBinNo(32)
	sizeB := int(bins.ToObjectSize(binB))
	sizeC := int(bins.ToObjectSize(binC))
	// The smallest budget under which both bins are cacheable:
	// MinBlocksPerBin whole blocks of the larger of the two.
	maxBytes := MinBlocksPerBin * BlockObjects * sizeC
	c := New(Config{MaxBytes: maxBytes, CachesPerCPU: 1})
	noop := func([]offset.T) error { return nil }

	alloc := func(n int) ([]offset.T, error) {
		out := make([]offset.T, n)
		for i := range out {
			out[i] = offset.T(i * 16)
		}
		return out, nil
	}
	// Refills bin b's active block from the allocator, then drains one
	// entry, leaving a nearly-full block resident in the cache.
	if _, err := c.Pop(binB, alloc, noop); err != nil {
		t.Fatalf("Pop: %v", err)
	}

	var deallocated []offset.T
	dealloc := func(offs []offset.T) error {
		deallocated = append(deallocated, offs...)
		return nil
	}
	// Pushing into a different bin eventually needs room the budget no
	// longer has while bin b's block is resident; if the refill above
	// had credited no bytes to the cache, these pushes would never evict.
	resident := (BlockObjects - 1) * sizeB
	pushes := (maxBytes-resident)/sizeC + 1
	for i := 0; i < pushes; i++ {
		if err := c.Push(binC, offset.T(4096+i*sizeC), dealloc); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if len(deallocated) != BlockObjects-1 {
		t.Fatalf("makeRoom evicted %d offsets, want %d", len(deallocated), BlockObjects-1)
	}
}

func TestClearDeallocatesEverything(t *testing.T) {
	c := New(DefaultConfig())
	b := bins.ToBinNo(16)
	noop := func([]offset.T) error { return nil }
	for i := 0; i < 5; i++ {
		if err := c.Push(b, offset.T(i*16), noop); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	var deallocated []offset.T
	if err := c.Clear(func(offs []offset.T) error {
		deallocated = append(deallocated, offs...)
		return nil
	}); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(deallocated) != 5 {
		t.Fatalf("Clear deallocated %d offsets, want 5", len(deallocated))
	}

	var allocCalls int
	alloc := func(n int) ([]offset.T, error) {
		allocCalls++
		return make([]offset.T, n), nil
	}
	if _, err := c.Pop(b, alloc, noop); err != nil {
		t.Fatalf("Pop after Clear: %v", err)
	}
	if allocCalls != 1 {
		t.Fatal("Pop after Clear should hit the allocator, cache should be empty")
	}
}
