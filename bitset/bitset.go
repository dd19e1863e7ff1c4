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

// Package bitset implements a compact occupancy bitmap used by the
// chunk directory to track which slots in a small chunk are
// allocated. It is not internally synchronized; callers are expected
// to hold whatever per-chunk lock guards the surrounding state (the
// segment allocator's chunk mutex or bin mutex).
package bitset

import (
	"encoding/hex"
	"fmt"
	"math/bits"
)

const wordBits = 64

// MultilayerBitset is a bitmap over up to tens of thousands of slots.
// Bitmaps with 64 or fewer slots are stored as a single machine word;
// larger bitmaps keep a summary layer that records which words still
// have a free bit, so FindAndSet runs in O(log n) instead of O(n).
type MultilayerBitset struct {
	n       int
	words   []uint64
	summary []uint64 // bit set => corresponding word is not full
	count   int
}

// New creates a bitmap with n slots, all initially unset.
func New(n int) *MultilayerBitset {
	if n <= 0 {
		panic("bitset: n must be positive")
	}
	nw := (n + wordBits - 1) / wordBits
	b := &MultilayerBitset{
		n:     n,
		words: make([]uint64, nw),
	}
	if nw > 1 {
		b.summary = make([]uint64, (nw+wordBits-1)/wordBits)
		for i := range b.summary {
			b.summary[i] = ^uint64(0)
		}
		b.fixLastSummaryWord()
		b.fixLastDataWord()
	}
	return b
}

// fixLastDataWord clears the out-of-range high bits of the final data
// word so they never look "free" to FindAndSet.
func (b *MultilayerBitset) fixLastDataWord() {
	rem := b.n % wordBits
	if rem == 0 {
		return
	}
	last := len(b.words) - 1
	mask := (uint64(1) << rem) - 1
	// pretend the out-of-range bits are already set (occupied)
	b.words[last] |= ^mask
}

// fixLastSummaryWord clears the out-of-range high bits of the final
// summary word so they never look "not full" to FindAndSet.
func (b *MultilayerBitset) fixLastSummaryWord() {
	if b.summary == nil {
		return
	}
	rem := len(b.words) % wordBits
	if rem == 0 {
		return
	}
	last := len(b.summary) - 1
	mask := (uint64(1) << rem) - 1
	b.summary[last] &= mask
}

// N returns the number of slots in the bitmap.
func (b *MultilayerBitset) N() int { return b.n }

// PopCount returns the number of set bits.
func (b *MultilayerBitset) PopCount() int { return b.count }

// Get reports whether slot is set.
func (b *MultilayerBitset) Get(slot int) bool {
	b.checkSlot(slot)
	w := b.words[slot/wordBits]
	return w&(uint64(1)<<(slot%wordBits)) != 0
}

// FindAndSet returns the lowest unset slot, sets it, and updates the
// summary layer. It reports ok=false if the bitmap is entirely full.
func (b *MultilayerBitset) FindAndSet() (slot int, ok bool) {
	if b.summary == nil {
		w := b.words[0]
		avail := ^w
		if b.n < wordBits {
			avail &= (uint64(1) << b.n) - 1
		}
		if avail == 0 {
			return 0, false
		}
		bit := bits.TrailingZeros64(avail)
		b.words[0] |= uint64(1) << bit
		b.count++
		return bit, true
	}
	for si, sw := range b.summary {
		if sw == 0 {
			continue
		}
		wi := si*wordBits + bits.TrailingZeros64(sw)
		w := b.words[wi]
		avail := ^w
		bit := bits.TrailingZeros64(avail)
		b.words[wi] |= uint64(1) << bit
		if b.words[wi] == ^uint64(0) {
			b.summary[si] &^= uint64(1) << (wi % wordBits)
		}
		b.count++
		return wi*wordBits + bit, true
	}
	return 0, false
}

// Reset clears slot, marking it free again.
func (b *MultilayerBitset) Reset(slot int) {
	b.checkSlot(slot)
	wi := slot / wordBits
	bit := uint64(1) << (slot % wordBits)
	if b.words[wi]&bit == 0 {
		panic(fmt.Sprintf("bitset: double free of slot %d", slot))
	}
	wasFull := b.words[wi] == ^uint64(0)
	b.words[wi] &^= bit
	b.count--
	if wasFull && b.summary != nil {
		b.summary[wi/wordBits] |= uint64(1) << (wi % wordBits)
	}
}

func (b *MultilayerBitset) checkSlot(slot int) {
	if slot < 0 || slot >= b.n {
		panic(fmt.Sprintf("bitset: slot %d out of range [0,%d)", slot, b.n))
	}
}

// Serialize encodes the bitmap's data words as a hex string. The
// summary layer is not persisted; Deserialize rebuilds it from the
// data words and the popcount invariant.
func (b *MultilayerBitset) Serialize() string {
	buf := make([]byte, len(b.words)*8)
	for i, w := range b.words {
		for j := 0; j < 8; j++ {
			buf[i*8+j] = byte(w >> (8 * j))
		}
	}
	return hex.EncodeToString(buf)
}

// Deserialize rebuilds a MultilayerBitset with n slots from the
// string produced by Serialize.
func Deserialize(n int, s string) (*MultilayerBitset, error) {
	b := New(n)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bitset: decode: %w", err)
	}
	if len(raw) != len(b.words)*8 {
		return nil, fmt.Errorf("bitset: expected %d bytes, got %d", len(b.words)*8, len(raw))
	}
	count := 0
	for i := range b.words {
		var w uint64
		for j := 0; j < 8; j++ {
			w |= uint64(raw[i*8+j]) << (8 * j)
		}
		b.words[i] = w
		count += bits.OnesCount64(w)
	}
	// account for the sentinel high bits added by New's fixLastDataWord
	rem := n % wordBits
	if rem != 0 {
		last := len(b.words) - 1
		mask := (uint64(1) << rem) - 1
		count -= bits.OnesCount64(b.words[last] &^ mask)
	}
	b.count = count
	if b.summary != nil {
		for i := range b.summary {
			b.summary[i] = ^uint64(0)
		}
		b.fixLastSummaryWord()
		for wi, w := range b.words {
			if w == ^uint64(0) {
				b.summary[wi/wordBits] &^= uint64(1) << (wi % wordBits)
			}
		}
	}
	return b, nil
}
