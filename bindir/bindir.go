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

// Package bindir keeps, for every small bin, the ordered set of
// non-full chunks available to satisfy the next allocation from that
// bin. In sorted mode it keeps each bin's chunk list sorted with
// x/exp/slices.
package bindir

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/metall-go/metall/bins"
	"github.com/metall-go/metall/chunkdir"
)

// Directory is the non-full-chunk bin directory: per small bin, an
// ordered list of chunk numbers with spare slots.
type Directory struct {
	mu     sync.Mutex
	sorted bool
	lists  [][]chunkdir.ChunkNo
}

// New creates a directory for NumSmallBins bins. When sorted is true,
// Insert keeps each bin's list in ascending chunk-number order so
// Front always returns the lowest available chunk, biasing allocation
// toward the front of the segment.
func New(sorted bool) *Directory {
	return &Directory{
		sorted: sorted,
		lists:  make([][]chunkdir.ChunkNo, bins.NumSmallBins()),
	}
}

func (d *Directory) check(b bins.BinNo) {
	if !bins.IsSmallBin(b) {
		panic(fmt.Sprintf("bindir: bin %d is not a small bin", b))
	}
}

// Empty reports whether bin b has no non-full chunks on record.
func (d *Directory) Empty(b bins.BinNo) bool {
	d.check(b)
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lists[b]) == 0
}

// Front returns the chunk at the head of bin b's list.
func (d *Directory) Front(b bins.BinNo) (chunkdir.ChunkNo, bool) {
	d.check(b)
	d.mu.Lock()
	defer d.mu.Unlock()
	l := d.lists[b]
	if len(l) == 0 {
		return 0, false
	}
	return l[0], true
}

// Insert adds chunk c to bin b's list.
func (d *Directory) Insert(b bins.BinNo, c chunkdir.ChunkNo) {
	d.check(b)
	d.mu.Lock()
	defer d.mu.Unlock()

	l := d.lists[b]
	if d.sorted {
		idx, found := slices.BinarySearch(l, c)
		if found {
			return
		}
		d.lists[b] = slices.Insert(l, idx, c)
		return
	}
	if slices.Contains(l, c) {
		return
	}
	d.lists[b] = append(l, c)
}

// Pop removes and returns the front chunk of bin b's list.
func (d *Directory) Pop(b bins.BinNo) (chunkdir.ChunkNo, bool) {
	d.check(b)
	d.mu.Lock()
	defer d.mu.Unlock()

	l := d.lists[b]
	if len(l) == 0 {
		return 0, false
	}
	c := l[0]
	d.lists[b] = append(l[:0], l[1:]...)
	return c, true
}

// Erase removes chunk c from bin b's list, wherever it is.
func (d *Directory) Erase(b bins.BinNo, c chunkdir.ChunkNo) {
	d.check(b)
	d.mu.Lock()
	defer d.mu.Unlock()

	l := d.lists[b]
	if d.sorted {
		if idx, found := slices.BinarySearch(l, c); found {
			d.lists[b] = slices.Delete(l, idx, idx+1)
		}
		return
	}
	for i, v := range l {
		if v == c {
			d.lists[b] = append(l[:i], l[i+1:]...)
			return
		}
	}
}

// Serialize writes one line per non-empty bin: "bin_no c0 c1 c2 ...".
func (d *Directory) Serialize(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	bw := bufio.NewWriter(w)
	for b, l := range d.lists {
		if len(l) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%d", b); err != nil {
			return err
		}
		for _, c := range l {
			if _, err := fmt.Fprintf(bw, " %d", c); err != nil {
				return err
			}
		}
		if _, err := bw.WriteString("\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Deserialize rebuilds a directory of the given sortedness from r.
func Deserialize(r io.Reader, sorted bool) (*Directory, error) {
	d := New(sorted)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		bin, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bindir: parsing bin_no in %q: %w", line, err)
		}
		b := bins.BinNo(bin)
		d.check(b)
		l := make([]chunkdir.ChunkNo, 0, len(fields)-1)
		for _, f := range fields[1:] {
			c, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bindir: parsing chunk_no in %q: %w", line, err)
			}
			l = append(l, chunkdir.ChunkNo(c))
		}
		if sorted {
			slices.Sort(l)
		}
		d.lists[b] = l
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("bindir: reading: %w", err)
	}
	return d, nil
}
