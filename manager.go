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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/metall-go/metall/compr"
	"github.com/metall-go/metall/objcache"
	"github.com/metall-go/metall/objdir"
	"github.com/metall-go/metall/offset"
	"github.com/metall-go/metall/segalloc"
	"github.com/metall-go/metall/segstore"
	"github.com/metall-go/metall/storage"
)

// headerSize is the fixed, page-sized region reserved at the front of
// every segment for the kernel's own bookkeeping. Offset 0 of the
// *arena* (i.e. headerSize bytes into the segment) is where chunk 0
// begins; application offsets are always arena-relative, so reopening
// at a different base address never disturbs them, and arena offset 0
// is a valid allocation (offset.Null is -1). Nothing but alignment
// padding lives in the header today.
const headerSize = 4096

var (
	// ErrReadOnly is returned by every mutating Manager method when
	// the datastore was opened with OpenReadOnly.
	ErrReadOnly = errors.New("metall: datastore is open read-only")
	// ErrNotConsistent is returned by Open when the datastore's
	// properly-closed mark is absent: the previous session never
	// called Close, so no attempt is made to recover partial state.
	ErrNotConsistent = errors.New("metall: datastore was not properly closed")
)

// Manager owns one open datastore: its mapped segment, its allocator,
// and its three object directories. Higher-level container
// front-ends consume it through Construct/Find/Destroy and the
// Allocate family rather than touching the segment directly.
type Manager struct {
	paths    storage.Paths
	seg      *segstore.Storage
	alloc    *segalloc.Allocator
	named    *objdir.Directory
	unique   *objdir.Directory
	anon     *objdir.Directory
	meta     storage.Metadata
	readOnly bool
	opts     options

	objMu  sync.Mutex // serializes all object-directory mutations
	closed bool
}

// Create makes a fresh datastore at path with the given capacity (in
// bytes, excluding the kernel header), discarding anything already
// there. The properly-closed mark is absent until Close succeeds, so
// a process that dies between Create and Close leaves a datastore
// that a later Open correctly refuses.
func Create(path string, capacity int64, opts ...Option) (*Manager, error) {
	o := buildOptions(opts)
	if capacity <= 0 {
		capacity = o.config.DefaultCapacity
	}
	if capacity > o.config.MaxCapacity {
		return nil, fmt.Errorf("metall: capacity %d exceeds max capacity %d", capacity, o.config.MaxCapacity)
	}

	p := storage.Paths{Root: path}
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("metall: removing existing datastore at %s: %w", path, err)
	}
	if err := p.MakeDirs(); err != nil {
		return nil, fmt.Errorf("metall: %w", err)
	}

	seg, err := segstore.Create(p.Segment(), headerSize+capacity)
	if err != nil {
		return nil, fmt.Errorf("metall: creating segment: %w", err)
	}
	if err := seg.Extend(headerSize); err != nil {
		seg.Release()
		return nil, fmt.Errorf("metall: reserving header: %w", err)
	}

	alloc := segalloc.New(seg, headerSize, capacity, o.config.UseSortedBin, allocatorConfig(o.config))

	meta := storage.NewMetadata()
	if err := storage.WriteMetadata(p, meta); err != nil {
		seg.Release()
		return nil, fmt.Errorf("metall: writing metadata: %w", err)
	}

	m := &Manager{
		paths:  p,
		seg:    seg,
		alloc:  alloc,
		named:  objdir.New(false),
		unique: objdir.New(false),
		anon:   objdir.New(true),
		meta:   meta,
		opts:   o,
	}
	o.logf("metall: created datastore %s (uuid=%s, capacity=%d)", path, meta.UUID, capacity)
	return m, nil
}

// Open reopens an existing, properly-closed datastore for read-write
// access. The mark is removed for the duration of the open, so that a
// crash mid-session is indistinguishable from an unclosed Create.
func Open(path string, opts ...Option) (*Manager, error) {
	return open(path, false, opts)
}

// OpenReadOnly reopens an existing datastore without requiring (or
// clearing) the properly-closed mark, and rejects every mutating
// operation.
func OpenReadOnly(path string, opts ...Option) (*Manager, error) {
	return open(path, true, opts)
}

func open(path string, readOnly bool, opts []Option) (*Manager, error) {
	o := buildOptions(opts)
	p := storage.Paths{Root: path}

	meta, err := storage.ReadMetadata(p)
	if err != nil {
		return nil, fmt.Errorf("metall: %w", err)
	}
	if !readOnly {
		if !storage.HasMark(p, meta.UUID) {
			return nil, fmt.Errorf("metall: opening %s: %w", path, ErrNotConsistent)
		}
		if err := storage.RemoveMark(p); err != nil {
			return nil, fmt.Errorf("metall: removing mark: %w", err)
		}
	}

	seg, err := segstore.Open(p.Segment(), headerSize+o.config.DefaultCapacity, readOnly)
	if err != nil {
		return nil, fmt.Errorf("metall: opening segment: %w", err)
	}
	capacity := seg.Size() - headerSize

	m, err := loadManager(p, seg, capacity, readOnly, meta, o)
	if err != nil {
		seg.Release()
		return nil, err
	}
	o.logf("metall: opened datastore %s (uuid=%s, read_only=%v)", path, meta.UUID, readOnly)
	return m, nil
}

func loadManager(p storage.Paths, seg *segstore.Storage, capacity int64, readOnly bool, meta storage.Metadata, o options) (*Manager, error) {
	chunkR, err := readDirectoryFile(p.ChunkFile(), o.config.CompressDirectories)
	if err != nil {
		return nil, fmt.Errorf("metall: opening chunk directory: %w", err)
	}
	binR, err := readDirectoryFile(p.BinFile(), o.config.CompressDirectories)
	if err != nil {
		return nil, fmt.Errorf("metall: opening bin directory: %w", err)
	}

	alloc, err := segalloc.Load(seg, headerSize, capacity, o.config.UseSortedBin, allocatorConfig(o.config), chunkR, binR)
	if err != nil {
		return nil, fmt.Errorf("metall: loading allocator state: %w", err)
	}

	named, err := openDir(p.NamedFile(), false, o.config.CompressDirectories)
	if err != nil {
		return nil, err
	}
	unique, err := openDir(p.UniqueFile(), false, o.config.CompressDirectories)
	if err != nil {
		return nil, err
	}
	anon, err := openDir(p.AnonFile(), true, o.config.CompressDirectories)
	if err != nil {
		return nil, err
	}

	return &Manager{
		paths:    p,
		seg:      seg,
		alloc:    alloc,
		named:    named,
		unique:   unique,
		anon:     anon,
		meta:     meta,
		readOnly: readOnly,
		opts:     o,
	}, nil
}

func allocatorConfig(c storage.Config) segalloc.Config {
	return segalloc.Config{
		FreeSmallObjectSizeHint: c.FreeSmallObjectSizeHint,
		DisableFreeFileSpace:    c.DisableFreeFileSpace,
		Cache: objcache.Config{
			MaxBytes:     c.MaxPerCPUCacheSize,
			CachesPerCPU: c.NumCachesPerCPU,
		},
	}
}

// readDirectoryFile reads a serialized directory file whole and, if
// compressed was true the last time it was written, inflates it with
// compr before handing it back as a ready-to-parse reader.
func readDirectoryFile(path string, compressed bool) (io.Reader, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metall: reading %s: %w", path, err)
	}
	if compressed {
		b, err = compr.DecompressBytes(b)
		if err != nil {
			return nil, fmt.Errorf("metall: decompressing %s: %w", path, err)
		}
	}
	return bytes.NewReader(b), nil
}

func openDir(path string, anon, compressed bool) (*objdir.Directory, error) {
	r, err := readDirectoryFile(path, compressed)
	if err != nil {
		return nil, err
	}
	d, err := objdir.Deserialize(r, anon)
	if err != nil {
		return nil, fmt.Errorf("metall: deserializing %s: %w", path, err)
	}
	return d, nil
}

// Close serializes every management structure, syncs the segment
// durably, releases the virtual-address region, and writes the
// properly-closed mark. A read-only manager only releases its
// mapping: it never held the mark and has nothing to serialize.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if m.readOnly {
		return m.seg.Release()
	}
	if err := m.serializeAll(); err != nil {
		return err
	}
	if err := m.seg.Sync(true); err != nil {
		return fmt.Errorf("metall: syncing before close: %w", err)
	}
	if err := m.seg.Release(); err != nil {
		return fmt.Errorf("metall: releasing segment: %w", err)
	}
	if err := storage.WriteMark(m.paths, m.meta.UUID); err != nil {
		return fmt.Errorf("metall: writing properly-closed mark: %w", err)
	}
	m.opts.logf("metall: closed datastore %s", m.paths.Root)
	return nil
}

// Flush serializes management structures and syncs the segment
// without releasing the mapping or writing the properly-closed mark;
// the datastore remains open afterward. A read-only manager has
// nothing to flush.
func (m *Manager) Flush(durable bool) error {
	if m.readOnly {
		return nil
	}
	if err := m.serializeAll(); err != nil {
		return err
	}
	return m.seg.Sync(durable)
}

func (m *Manager) serializeAll() error {
	var chunkBuf, binBuf bytes.Buffer
	if err := m.alloc.Serialize(&chunkBuf, &binBuf); err != nil {
		return fmt.Errorf("metall: serializing allocator state: %w", err)
	}
	if err := m.writeDirectoryFile(m.paths.ChunkFile(), chunkBuf.Bytes()); err != nil {
		return err
	}
	if err := m.writeDirectoryFile(m.paths.BinFile(), binBuf.Bytes()); err != nil {
		return err
	}

	if err := m.serializeDir(m.named, m.paths.NamedFile()); err != nil {
		return err
	}
	if err := m.serializeDir(m.unique, m.paths.UniqueFile()); err != nil {
		return err
	}
	if err := m.serializeDir(m.anon, m.paths.AnonFile()); err != nil {
		return err
	}
	return nil
}

func (m *Manager) serializeDir(dir *objdir.Directory, path string) error {
	var buf bytes.Buffer
	m.objMu.Lock()
	err := dir.Serialize(&buf)
	m.objMu.Unlock()
	if err != nil {
		return fmt.Errorf("metall: serializing %s: %w", path, err)
	}
	return m.writeDirectoryFile(path, buf.Bytes())
}

// writeDirectoryFile writes b to path, compressing it with compr
// first when the datastore's Config.CompressDirectories is set. Every
// one of these files is small relative to the segment itself, so
// compressing them whole (rather than streaming) keeps the format
// simple.
func (m *Manager) writeDirectoryFile(path string, b []byte) error {
	if m.opts.config.CompressDirectories {
		b = compr.CompressBytes(b)
	}
	if err := os.WriteFile(path, b, 0640); err != nil {
		return fmt.Errorf("metall: writing %s: %w", path, err)
	}
	return nil
}

// Allocate returns nbytes of fresh, uninitialized storage.
func (m *Manager) Allocate(nbytes uintptr) (offset.T, error) {
	if m.readOnly {
		return offset.Null, ErrReadOnly
	}
	return m.alloc.Allocate(nbytes)
}

// AllocateAligned returns nbytes of storage whose offset is a
// multiple of align.
func (m *Manager) AllocateAligned(nbytes, align uintptr) (offset.T, error) {
	if m.readOnly {
		return offset.Null, ErrReadOnly
	}
	return m.alloc.AllocateAligned(nbytes, align)
}

// Deallocate returns off to the allocator.
func (m *Manager) Deallocate(off offset.T) error {
	if m.readOnly {
		return ErrReadOnly
	}
	return m.alloc.Deallocate(off)
}

// bytesAt returns the live byte slice of n bytes starting at the
// arena-relative offset off. All object-directory offsets are
// arena-relative; this is the only place that adds headerSize back in
// to index into the segment's mapped bytes.
func (m *Manager) bytesAt(off offset.T, n uintptr) []byte {
	base := m.seg.Base()
	start := headerSize + int64(off)
	return base[start : start+int64(n)]
}

// At returns a typed pointer into the live segment at the
// arena-relative offset off. The offset is the durable, on-disk form;
// At is the explicit "get(base) -> *T" step a container front-end
// performs after every Open. It panics if off is out of range, exactly
// as indexing past a slice's bounds would.
func At[T any](m *Manager, off offset.T) *T {
	if !off.Valid() {
		return nil
	}
	var zero T
	b := m.bytesAt(off, unsafe.Sizeof(zero))
	return (*T)(unsafe.Pointer(&b[0]))
}

// GetUUID returns the datastore's identity, stable across
// close/open cycles and changed on every Create and Snapshot.
func (m *Manager) GetUUID() string { return m.meta.UUID }

// GetVersion returns the on-disk format version this datastore was
// written with.
func (m *Manager) GetVersion() int { return m.meta.Version }

// GetDescription returns the user-supplied free text description, or
// "" if none was ever set.
func (m *Manager) GetDescription() (string, error) {
	b, err := os.ReadFile(m.paths.DescriptionFile())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("metall: reading description: %w", err)
	}
	return string(b), nil
}

// SetDescription overwrites the datastore's free text description.
func (m *Manager) SetDescription(text string) error {
	if m.readOnly {
		return ErrReadOnly
	}
	if err := os.WriteFile(m.paths.DescriptionFile(), []byte(text), 0640); err != nil {
		return fmt.Errorf("metall: writing description: %w", err)
	}
	return nil
}
