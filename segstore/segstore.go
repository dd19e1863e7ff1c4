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

// Package segstore reserves a contiguous virtual-address region and
// backs it with fixed-size block files, growing the mapping on
// demand and persisting it with msync: an arbitrary, file-backed,
// growable capacity, mapped and resized one block file at a time.
package segstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/metall-go/metall/internal/mmapio"
)

// BlockSize is the granularity at which the segment grows; each
// growth step creates and maps exactly one more block file.
const BlockSize = 256 << 20 // 256 MiB

// ErrBroken is returned by every operation once a fatal I/O error has
// put the Storage in a broken, unusable state.
var ErrBroken = errors.New("segstore: storage is broken")

// ErrReadOnly is returned by mutating operations on a read-only
// Storage.
var ErrReadOnly = errors.New("segstore: storage is read-only")

// Storage is a contiguous virtual-address region backed by a
// directory of fixed-size block files.
type Storage struct {
	dir       string
	capacity  int64 // reserved VM, rounded up to a multiple of BlockSize
	base      []byte
	blocks    []*os.File
	mapped    int64
	readOnly  bool
	holePunch bool

	mu     sync.Mutex
	broken bool
}

func roundUpBlock(n int64) int64 {
	return (n + BlockSize - 1) / BlockSize * BlockSize
}

func blockPath(dir string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("block-%d", n))
}

// Create makes (or overwrites) the segment directory at dir and
// reserves virtual address space for at least capacity bytes.
func Create(dir string, capacity int64) (*Storage, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("segstore: capacity must be positive, got %d", capacity)
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("segstore: removing existing %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("segstore: creating %s: %w", dir, err)
	}
	cap := roundUpBlock(capacity)
	base, err := mmapio.ReserveAnon(int(cap))
	if err != nil {
		return nil, fmt.Errorf("segstore: reserving %d bytes: %w", cap, err)
	}
	s := &Storage{
		dir:       dir,
		capacity:  cap,
		base:      base,
		holePunch: mmapio.ProbeHolePunch(dir),
	}
	if err := s.addBlock(); err != nil {
		mmapio.Unmap(base)
		return nil, err
	}
	return s, nil
}

// Open reopens an existing segment directory, mapping every existing
// block-N file in order. capacityHint enlarges the VM reservation
// beyond the existing on-disk size if it is larger, so that a
// subsequent Extend need not reserve new address space.
func Open(dir string, capacityHint int64, readOnly bool) (*Storage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("segstore: reading %s: %w", dir, err)
	}
	n := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "block-") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "block-"))
		if err != nil {
			continue
		}
		if idx+1 > n {
			n = idx + 1
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("segstore: no block files found in %s", dir)
	}
	existing := int64(n) * BlockSize
	cap := roundUpBlock(existing)
	if capacityHint > cap {
		cap = roundUpBlock(capacityHint)
	}
	base, err := mmapio.ReserveAnon(int(cap))
	if err != nil {
		return nil, fmt.Errorf("segstore: reserving %d bytes: %w", cap, err)
	}
	s := &Storage{
		dir:      dir,
		capacity: cap,
		base:     base,
		readOnly: readOnly,
	}
	if !readOnly {
		s.holePunch = mmapio.ProbeHolePunch(dir)
	}
	for i := 0; i < n; i++ {
		if err := s.mapExisting(i); err != nil {
			s.releaseAfterFailure()
			return nil, err
		}
	}
	return s, nil
}

func (s *Storage) mapExisting(i int) error {
	f, err := os.OpenFile(blockPath(s.dir, i), flagFor(s.readOnly), 0640)
	if err != nil {
		return fmt.Errorf("segstore: open %s: %w", blockPath(s.dir, i), err)
	}
	dst := s.base[int64(i)*BlockSize : int64(i+1)*BlockSize]
	if err := mmapio.MapFile(dst, f, BlockSize, !s.readOnly); err != nil {
		f.Close()
		return fmt.Errorf("segstore: map %s: %w", blockPath(s.dir, i), err)
	}
	s.blocks = append(s.blocks, f)
	s.mapped = int64(i+1) * BlockSize
	return nil
}

func flagFor(readOnly bool) int {
	if readOnly {
		return os.O_RDONLY
	}
	return os.O_RDWR
}

// releaseAfterFailure best-effort unwinds a partially constructed
// Storage; a partial Open is always fatal to the caller, so this just
// avoids leaking mappings and fds.
func (s *Storage) releaseAfterFailure() {
	for _, f := range s.blocks {
		f.Close()
	}
	mmapio.Unmap(s.base)
}

func (s *Storage) addBlock() error {
	i := len(s.blocks)
	if int64(i+1)*BlockSize > s.capacity {
		return fmt.Errorf("segstore: growing beyond reserved capacity %d", s.capacity)
	}
	f, err := os.OpenFile(blockPath(s.dir, i), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		s.markBroken()
		return fmt.Errorf("segstore: create %s: %w", blockPath(s.dir, i), err)
	}
	if err := mmapio.Grow(f, BlockSize); err != nil {
		f.Close()
		s.markBroken()
		return fmt.Errorf("segstore: grow %s: %w", blockPath(s.dir, i), err)
	}
	dst := s.base[int64(i)*BlockSize : int64(i+1)*BlockSize]
	if err := mmapio.MapFile(dst, f, BlockSize, true); err != nil {
		f.Close()
		s.markBroken()
		return fmt.Errorf("segstore: map %s: %w", blockPath(s.dir, i), err)
	}
	s.blocks = append(s.blocks, f)
	s.mapped = int64(i+1) * BlockSize
	return nil
}

func (s *Storage) markBroken() {
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
}

func (s *Storage) checkAlive() error {
	s.mu.Lock()
	b := s.broken
	s.mu.Unlock()
	if b {
		return ErrBroken
	}
	return nil
}

// Base returns the live, mapped prefix of the reserved region.
// Application pointers are always expressed as offsets from
// Base()'s address.
func (s *Storage) Base() []byte {
	return s.base[:s.mapped]
}

// Size returns the total reserved virtual-address capacity.
func (s *Storage) Size() int64 { return s.capacity }

// MappedSize returns how much of the reservation is currently backed
// by block files.
func (s *Storage) MappedSize() int64 { return s.mapped }

// ReadOnly reports whether the storage was opened read-only.
func (s *Storage) ReadOnly() bool { return s.readOnly }

// Extend grows the mapped segment until it is at least size bytes,
// one BlockSize-sized block file at a time. It is idempotent when
// size <= MappedSize().
func (s *Storage) Extend(size int64) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	if s.readOnly {
		return ErrReadOnly
	}
	for s.mapped < size {
		if err := s.addBlock(); err != nil {
			return err
		}
	}
	return nil
}

// FreeRegion advises the OS to reclaim the pages in [offset,
// offset+length) and, if hole punching is available, returns the
// corresponding disk space to the filesystem. It is always
// best-effort: failures are reported but never fatal to the caller.
func (s *Storage) FreeRegion(offset, length int64) error {
	if length <= 0 {
		return nil
	}
	if offset < 0 || offset+length > s.mapped {
		return fmt.Errorf("segstore: free region [%d,%d) out of mapped range [0,%d)", offset, offset+length, s.mapped)
	}
	if err := mmapio.DontNeed(s.base[offset : offset+length]); err != nil {
		return fmt.Errorf("segstore: madvise: %w", err)
	}
	if !s.holePunch {
		return nil
	}
	start := offset / BlockSize
	end := (offset + length - 1) / BlockSize
	var firstErr error
	for b := start; b <= end; b++ {
		blockStart := b * BlockSize
		lo := offset
		if blockStart > lo {
			lo = blockStart
		}
		hi := offset + length
		if blockStart+BlockSize < hi {
			hi = blockStart + BlockSize
		}
		f := s.blocks[b]
		if err := mmapio.PunchHole(f, lo-blockStart, hi-lo); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sync flushes every mapped block to its backing file. When durable
// is true the call blocks until every block has actually reached
// disk (MS_SYNC); when false it only schedules writeback (MS_ASYNC)
// and returns once the requests are issued. While syncing, the
// mapping is temporarily downgraded to read-only so that a concurrent
// write (a programmer error: the caller must not mutate the segment
// concurrently with Sync) is caught by the OS instead of silently
// racing the flush.
func (s *Storage) Sync(durable bool) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	if s.readOnly {
		return nil
	}
	if err := mmapio.Protect(s.base[:s.mapped], mmapio.ProtRead); err != nil {
		s.markBroken()
		return fmt.Errorf("segstore: protect read-only for sync: %w", err)
	}
	defer mmapio.Protect(s.base[:s.mapped], mmapio.ProtRead|mmapio.ProtWrite)

	flush := mmapio.Sync
	if !durable {
		flush = mmapio.SyncAsync
	}

	workers := runtime.GOMAXPROCS(0)
	jobs := make(chan int, len(s.blocks))
	for i := range s.blocks {
		jobs <- i
	}
	close(jobs)

	errs := make(chan error, len(s.blocks))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				mem := s.base[int64(i)*BlockSize : int64(i+1)*BlockSize]
				if err := flush(mem); err != nil {
					errs <- fmt.Errorf("segstore: msync block %d: %w", i, err)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	var firstErr error
	for err := range errs {
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		s.markBroken()
	}
	return firstErr
}

// Release unmaps the segment and closes every block file. It does
// not write a properly-closed mark; that is the manager kernel's
// responsibility once every other subsystem has also been persisted.
func (s *Storage) Release() error {
	var firstErr error
	if err := mmapio.Protect(s.base, mmapio.ProtNone); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("segstore: protect none: %w", err)
	}
	if err := mmapio.Unmap(s.base); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("segstore: unmap: %w", err)
	}
	for _, f := range s.blocks {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("segstore: close %s: %w", f.Name(), err)
		}
	}
	s.blocks = nil
	s.base = nil
	return firstErr
}

// NumBlocks returns the count of currently mapped block files, sorted
// ascending by block number (there is never a gap).
func (s *Storage) NumBlocks() int { return len(s.blocks) }

// blockNumbers is exposed only for tests that want to assert on disk
// layout without reaching into unexported fields.
func blockNumbers(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var nums []int
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "block-") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "block-"))
		if err == nil {
			nums = append(nums, idx)
		}
	}
	sort.Ints(nums)
	return nums, nil
}
