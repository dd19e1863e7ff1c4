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

// Package mmapio collects the OS-specific primitives that segstore
// needs: reserving a virtual-address range, mapping block
// files into fixed addresses within it, syncing, and best-effort hole
// punching: one small file per platform behind a portable interface.
package mmapio

import "os"

// Prot is a bitmask of memory protection flags.
type Prot int

const (
	ProtNone Prot = 1 << iota
	ProtRead
	ProtWrite
)

// ReserveAnon reserves (but does not commit) n bytes of address
// space, mapped PROT_NONE. The returned slice's base address is
// stable for the life of the process; sub-ranges of it are later
// remapped in place by MapFile.
func ReserveAnon(n int) ([]byte, error) {
	return reserveAnon(n)
}

// MapFile maps length bytes of f (starting at file offset 0) at
// dst[:length], replacing whatever was mapped there before
// (MAP_FIXED semantics). dst must be a sub-slice of a region returned
// by ReserveAnon.
func MapFile(dst []byte, f *os.File, length int, writable bool) error {
	return mapFile(dst, f, length, writable)
}

// Protect changes the protection of mem in place.
func Protect(mem []byte, prot Prot) error {
	return protect(mem, prot)
}

// Unmap releases the address range. Callers that want to discard
// dirty pages cheaply should Protect(mem, ProtNone) first.
func Unmap(mem []byte) error {
	return unmap(mem)
}

// Sync flushes mem's dirty pages to the backing file and blocks until
// the write completes.
func Sync(mem []byte) error {
	return sync(mem)
}

// SyncAsync schedules mem's dirty pages for writeback without
// blocking for completion, used by segstore.Sync(durable=false).
func SyncAsync(mem []byte) error {
	return syncAsync(mem)
}

// DontNeed advises the kernel that mem's pages may be dropped
// without being written back; segstore's FreeRegion calls it before
// punching a hole in the backing file region.
func DontNeed(mem []byte) error {
	return dontNeed(mem)
}

// Grow extends f to be exactly size bytes, allocating real disk
// blocks where the platform supports it (so that a later mmap cannot
// SIGBUS on a short file).
func Grow(f *os.File, size int64) error {
	return grow(f, size)
}

// ProbeHolePunch reports whether PunchHole is likely to succeed for
// files created under dir. The probe is best-effort and is cached by
// callers; a false result just disables an optimization.
func ProbeHolePunch(dir string) bool {
	return probeHolePunch(dir)
}

// PunchHole returns the byte range [offset, offset+length) of f to
// the filesystem without changing f's apparent size. Best-effort:
// callers must not treat failure as fatal.
func PunchHole(f *os.File, offset, length int64) error {
	return punchHole(f, offset, length)
}
