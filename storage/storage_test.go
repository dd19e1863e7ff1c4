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

package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMetadataRoundTrip(t *testing.T) {
	root := t.TempDir()
	p := Paths{Root: root}
	if err := p.MakeDirs(); err != nil {
		t.Fatalf("MakeDirs: %v", err)
	}

	m := NewMetadata()
	if err := WriteMetadata(p, m); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	got, err := ReadMetadata(p)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if got != m {
		t.Fatalf("ReadMetadata = %+v, want %+v", got, m)
	}
}

func TestReadMetadataRejectsWrongVersion(t *testing.T) {
	root := t.TempDir()
	p := Paths{Root: root}
	if err := p.MakeDirs(); err != nil {
		t.Fatalf("MakeDirs: %v", err)
	}
	if err := WriteMetadata(p, Metadata{UUID: "x", Version: CurrentVersion + 1}); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	if _, err := ReadMetadata(p); err == nil {
		t.Fatal("ReadMetadata should reject a mismatched version")
	}
}

func TestMarkLifecycle(t *testing.T) {
	root := t.TempDir()
	p := Paths{Root: root}
	m := NewMetadata()

	if HasMark(p, m.UUID) {
		t.Fatal("fresh datastore should not have a mark")
	}
	if err := WriteMark(p, m.UUID); err != nil {
		t.Fatalf("WriteMark: %v", err)
	}
	if !HasMark(p, m.UUID) {
		t.Fatal("HasMark should be true after WriteMark")
	}
	if b, err := os.ReadFile(p.MarkFile()); err != nil || len(b) != 0 {
		t.Fatalf("mark file should be empty, got %q, err %v", b, err)
	}
	if err := RemoveMark(p); err != nil {
		t.Fatalf("RemoveMark: %v", err)
	}
	if HasMark(p, m.UUID) {
		t.Fatal("HasMark should be false after RemoveMark")
	}
	if err := RemoveMark(p); err != nil {
		t.Fatalf("RemoveMark on an already-absent mark should not error: %v", err)
	}
}

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ChunkSize != DefaultConfig().ChunkSize {
		t.Fatal("LoadConfig with a missing file should return the compiled-in defaults")
	}
}

func TestLoadConfigRejectsIncompatibleChunkSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metall.yaml")
	if err := os.WriteFile(path, []byte("chunkSize: 999\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig should reject a chunkSize that does not match the compiled-in constant")
	}
}

func TestLoadConfigOverridesRuntimeFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metall.yaml")
	if err := os.WriteFile(path, []byte("disableFreeFileSpace: true\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.DisableFreeFileSpace {
		t.Fatal("override should set DisableFreeFileSpace")
	}
}

func TestParallelCopyReproducesTree(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	if err := os.MkdirAll(filepath.Join(src, "core"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "core", "chunk_directory"), []byte("1 0 1\n"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "top.txt"), []byte("hello"), 0640); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "dst")
	if err := ParallelCopy(src, dst); err != nil {
		t.Fatalf("ParallelCopy: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "core", "chunk_directory"))
	if err != nil {
		t.Fatalf("reading copied file: %v", err)
	}
	if string(got) != "1 0 1\n" {
		t.Fatalf("copied content = %q", got)
	}
	got2, err := os.ReadFile(filepath.Join(dst, "top.txt"))
	if err != nil || string(got2) != "hello" {
		t.Fatalf("copied top-level file mismatch: %q, %v", got2, err)
	}
}
