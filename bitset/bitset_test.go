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

package bitset

import "testing"

func TestFindAndSetFillsInOrder(t *testing.T) {
	for _, n := range []int{1, 7, 63, 64, 65, 200, 1024, 4096} {
		b := New(n)
		seen := make([]bool, n)
		for i := 0; i < n; i++ {
			slot, ok := b.FindAndSet()
			if !ok {
				t.Fatalf("n=%d: unexpected full at i=%d", n, i)
			}
			if seen[slot] {
				t.Fatalf("n=%d: slot %d set twice", n, slot)
			}
			seen[slot] = true
			if !b.Get(slot) {
				t.Fatalf("n=%d: Get(%d) false right after set", n, slot)
			}
		}
		if _, ok := b.FindAndSet(); ok {
			t.Fatalf("n=%d: expected full bitmap to reject FindAndSet", n)
		}
		if b.PopCount() != n {
			t.Fatalf("n=%d: popcount = %d, want %d", n, b.PopCount(), n)
		}
	}
}

func TestResetReopensSlot(t *testing.T) {
	b := New(200)
	var slots []int
	for i := 0; i < 200; i++ {
		s, _ := b.FindAndSet()
		slots = append(slots, s)
	}
	b.Reset(slots[100])
	s, ok := b.FindAndSet()
	if !ok || s != slots[100] {
		t.Fatalf("expected reused slot %d, got %d ok=%v", slots[100], s, ok)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	b := New(513)
	for i := 0; i < 100; i++ {
		b.FindAndSet()
	}
	b.Reset(5)
	s := b.Serialize()
	b2, err := Deserialize(513, s)
	if err != nil {
		t.Fatal(err)
	}
	if b2.PopCount() != b.PopCount() {
		t.Fatalf("popcount mismatch: %d vs %d", b2.PopCount(), b.PopCount())
	}
	for i := 0; i < 513; i++ {
		if b.Get(i) != b2.Get(i) {
			t.Fatalf("slot %d mismatch after round-trip", i)
		}
	}
	// bitmap should still be usable after deserialize
	slot, ok := b2.FindAndSet()
	if !ok || slot != 5 {
		t.Fatalf("expected slot 5 free after round-trip, got %d ok=%v", slot, ok)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	b := New(64)
	slot, _ := b.FindAndSet()
	b.Reset(slot)
	b.Reset(slot)
}
