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

package segalloc

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/metall-go/metall/bins"
	"github.com/metall-go/metall/segstore"
)

func newTestAllocator(t *testing.T) (*Allocator, func()) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "seg")
	capacity := int64(bins.ChunkSize) * 128
	seg, err := segstore.Create(dir, capacity)
	if err != nil {
		t.Fatalf("segstore.Create: %v", err)
	}
	a := New(seg, 0, capacity, true, Config{})
	return a, func() { seg.Release() }
}

func TestAllocateReturnsDistinctNonOverlappingOffsets(t *testing.T) {
	a, cleanup := newTestAllocator(t)
	defer cleanup()

	seen := map[int64]bool{}
	for i := 0; i < 256; i++ {
		off, err := a.Allocate(32)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		if seen[int64(off)] {
			t.Fatalf("offset %d returned twice", off)
		}
		seen[int64(off)] = true
	}
}

func TestAllocateDeallocateReuse(t *testing.T) {
	a, cleanup := newTestAllocator(t)
	defer cleanup()

	off, err := a.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Deallocate(off); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	off2, err := a.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate after free: %v", err)
	}
	if off2 != off {
		t.Fatalf("Allocate after free = %d, want reused offset %d", off2, off)
	}
}

func TestAllocateAlignedRejectsBadAlignment(t *testing.T) {
	a, cleanup := newTestAllocator(t)
	defer cleanup()

	if _, err := a.AllocateAligned(64, 3); err == nil {
		t.Fatal("non-power-of-two alignment should be rejected")
	}
	if _, err := a.AllocateAligned(100, 32); err == nil {
		t.Fatal("size not a multiple of alignment should be rejected")
	}
}

func TestAllocateAlignedYieldsAlignedOffset(t *testing.T) {
	a, cleanup := newTestAllocator(t)
	defer cleanup()

	off, err := a.AllocateAligned(256, 256)
	if err != nil {
		t.Fatalf("AllocateAligned: %v", err)
	}
	if int64(off)%256 != 0 {
		t.Fatalf("offset %d is not 256-aligned", off)
	}
}

func TestLargeAllocationDoesNotOverlapNeighbor(t *testing.T) {
	a, cleanup := newTestAllocator(t)
	defer cleanup()

	big, err := a.Allocate(uintptr(bins.ChunkSize * 2))
	if err != nil {
		t.Fatalf("Allocate large: %v", err)
	}
	next, err := a.Allocate(uintptr(bins.ChunkSize))
	if err != nil {
		t.Fatalf("Allocate next: %v", err)
	}
	if int64(next) < int64(big)+bins.ChunkSize*2 {
		t.Fatalf("next allocation at %d overlaps large allocation at %d (2 chunks)", next, big)
	}
}

func TestSerializeLoadRoundTrip(t *testing.T) {
	a, cleanup := newTestAllocator(t)
	defer cleanup()

	off, err := a.Allocate(32)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	var chunkBuf, binBuf bytes.Buffer
	if err := a.Serialize(&chunkBuf, &binBuf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "seg2")
	capacity := int64(bins.ChunkSize) * 128
	seg, err := segstore.Create(dir, capacity)
	if err != nil {
		t.Fatalf("segstore.Create: %v", err)
	}
	defer seg.Release()

	a2, err := Load(seg, 0, capacity, true, Config{}, &chunkBuf, &binBuf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := a2.Deallocate(off); err != nil {
		t.Fatalf("Deallocate after Load: %v", err)
	}
}
