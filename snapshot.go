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

package metall

import (
	"fmt"
	"os"

	"github.com/metall-go/metall/storage"
)

// Snapshot flushes m durably, then copies the entire datastore
// directory to dest via storage.ParallelCopy (reflink where
// available), mints dest a fresh UUID, and marks dest properly
// closed. Modifying m after Snapshot returns never changes any byte
// observable through a later Open of dest.
func (m *Manager) Snapshot(dest string) error {
	if m.readOnly {
		return ErrReadOnly
	}
	if err := m.Flush(true); err != nil {
		return fmt.Errorf("metall: snapshot %s: %w", dest, err)
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("metall: snapshot %s: removing existing destination: %w", dest, err)
	}
	if err := storage.ParallelCopy(m.paths.Root, dest); err != nil {
		return fmt.Errorf("metall: snapshot %s: %w", dest, err)
	}
	dp := storage.Paths{Root: dest}
	meta := storage.NewMetadata()
	if err := storage.WriteMetadata(dp, meta); err != nil {
		return fmt.Errorf("metall: snapshot %s: writing metadata: %w", dest, err)
	}
	if err := storage.WriteMark(dp, meta.UUID); err != nil {
		return fmt.Errorf("metall: snapshot %s: writing mark: %w", dest, err)
	}
	return nil
}

// Copy duplicates a closed datastore from src to dst, preserving its
// UUID (unlike Snapshot, which mints a new one). src must not be
// concurrently open for writing.
func Copy(src, dst string) error {
	sp := storage.Paths{Root: src}
	meta, err := storage.ReadMetadata(sp)
	if err != nil {
		return fmt.Errorf("metall: copy %s: %w", src, err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("metall: copy %s: removing existing destination: %w", dst, err)
	}
	if err := storage.ParallelCopy(src, dst); err != nil {
		return fmt.Errorf("metall: copy %s to %s: %w", src, dst, err)
	}
	dp := storage.Paths{Root: dst}
	if storage.HasMark(sp, meta.UUID) {
		if err := storage.WriteMark(dp, meta.UUID); err != nil {
			return fmt.Errorf("metall: copy %s: writing mark: %w", dst, err)
		}
	}
	return nil
}

// CopyAsync runs Copy on a worker goroutine, reporting its result on
// the returned channel, for callers that want to kick off a copy
// without blocking the calling goroutine.
func CopyAsync(src, dst string) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- Copy(src, dst) }()
	return ch
}

// Remove deletes an entire datastore directory tree. It does not
// require the datastore to be closed or consistent.
func Remove(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("metall: removing %s: %w", path, err)
	}
	return nil
}

// RemoveAsync runs Remove on a worker goroutine.
func RemoveAsync(path string) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- Remove(path) }()
	return ch
}

// Consistent reports whether path holds a datastore whose most recent
// open ended with Close: true after a clean Close, false between
// Create/Open and Close, and false if path holds no valid datastore
// at all. It never opens the datastore itself.
func Consistent(path string) bool {
	p := storage.Paths{Root: path}
	meta, err := storage.ReadMetadata(p)
	if err != nil {
		return false
	}
	return storage.HasMark(p, meta.UUID)
}
