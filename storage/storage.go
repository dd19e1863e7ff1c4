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

// Package storage lays out a datastore directory on disk, reads and
// writes its metadata, and tracks whether it was last closed cleanly.
// Paths mirrors metall/kernel/storage.hpp's storage::get_path: one
// small helper method per well-known file, instead of scattering
// filepath.Join calls through the kernel.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Paths resolves every well-known file and directory under a
// datastore root.
type Paths struct {
	Root string
}

func (p Paths) Mds() string           { return filepath.Join(p.Root, "mds") }
func (p Paths) Core() string          { return filepath.Join(p.Mds(), "core") }
func (p Paths) Segment() string       { return filepath.Join(p.Core(), "segment") }
func (p Paths) NamedFile() string     { return filepath.Join(p.Core(), "named_object_directory") }
func (p Paths) UniqueFile() string    { return filepath.Join(p.Core(), "unique_object_directory") }
func (p Paths) AnonFile() string      { return filepath.Join(p.Core(), "anonymous_object_directory") }
func (p Paths) BinFile() string       { return filepath.Join(p.Core(), "non_full_chunk_bin") }
func (p Paths) ChunkFile() string     { return filepath.Join(p.Core(), "chunk_directory") }
func (p Paths) MetadataFile() string  { return filepath.Join(p.Core(), "manager_metadata.json") }
func (p Paths) DescriptionFile() string { return filepath.Join(p.Core(), "description") }
func (p Paths) MarkFile() string      { return filepath.Join(p.Root, "properly_closed_mark") }

// MakeDirs creates the core directory (and the root above it). The
// segment directory is not created here; segstore.Create creates it
// when it writes the first block file.
func (p Paths) MakeDirs() error {
	if err := os.MkdirAll(p.Core(), 0750); err != nil {
		return fmt.Errorf("storage: creating %s: %w", p.Core(), err)
	}
	return nil
}

// Metadata is the datastore's version and identity record.
type Metadata struct {
	UUID    string `json:"uuid"`
	Version int    `json:"version"`
}

// CurrentVersion is the major version this build writes and requires
// on open; a mismatch is treated as corruption, never as a migration
// opportunity.
const CurrentVersion = 1

// NewMetadata returns metadata for a freshly created datastore, with a
// UUID that is vanishingly unlikely to collide with any previous one.
func NewMetadata() Metadata {
	return Metadata{UUID: uuid.NewString(), Version: CurrentVersion}
}

// WriteMetadata persists m to its file atomically (write to a temp
// file, then rename).
func WriteMetadata(p Paths, m Metadata) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("storage: marshaling metadata: %w", err)
	}
	return writeFileAtomic(p.MetadataFile(), b)
}

// ReadMetadata loads and validates the datastore's metadata file.
func ReadMetadata(p Paths) (Metadata, error) {
	b, err := os.ReadFile(p.MetadataFile())
	if err != nil {
		return Metadata{}, fmt.Errorf("storage: reading metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return Metadata{}, fmt.Errorf("storage: parsing metadata: %w", err)
	}
	if m.Version != CurrentVersion {
		return Metadata{}, fmt.Errorf("storage: metadata version %d does not match %d", m.Version, CurrentVersion)
	}
	return m, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("storage: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("storage: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// WriteMark writes the properly-closed mark: an empty file whose mere
// presence certifies a clean shutdown. uuid is accepted for symmetry
// with HasMark/RemoveMark call sites that already have a Metadata in
// hand, but the mark carries no content of its own.
func WriteMark(p Paths, uuid string) error {
	return writeFileAtomic(p.MarkFile(), nil)
}

// RemoveMark deletes the mark, if present. It is not an error for the
// mark to already be absent.
func RemoveMark(p Paths) error {
	if err := os.Remove(p.MarkFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: removing mark: %w", err)
	}
	return nil
}

// HasMark reports whether the datastore was last closed cleanly.
func HasMark(p Paths, uuid string) bool {
	_, err := os.Stat(p.MarkFile())
	return err == nil
}
