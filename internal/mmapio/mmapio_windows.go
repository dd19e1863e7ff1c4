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

//go:build windows

package mmapio

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func reserveAnon(n int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(n), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, fmt.Errorf("mmapio: VirtualAlloc(reserve): %w", err)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n), nil
}

func mapFile(dst []byte, f *os.File, length int, writable bool) error {
	if len(dst) < length {
		return fmt.Errorf("mmapio: dst has %d bytes, need %d", len(dst), length)
	}
	addr := uintptr(unsafe.Pointer(&dst[0]))
	_, err := windows.VirtualAlloc(addr, uintptr(length), windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return fmt.Errorf("mmapio: VirtualAlloc(commit): %w", err)
	}
	prot := uint32(windows.PAGE_READONLY)
	if writable {
		prot = windows.PAGE_READWRITE
	}
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(length), prot, &old); err != nil {
		return fmt.Errorf("mmapio: VirtualProtect: %w", err)
	}
	return nil
}

func protect(mem []byte, prot Prot) error {
	if len(mem) == 0 {
		return nil
	}
	var p uint32 = windows.PAGE_NOACCESS
	switch {
	case prot&ProtWrite != 0:
		p = windows.PAGE_READWRITE
	case prot&ProtRead != 0:
		p = windows.PAGE_READONLY
	}
	var old uint32
	addr := uintptr(unsafe.Pointer(&mem[0]))
	return windows.VirtualProtect(addr, uintptr(len(mem)), p, &old)
}

func unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

func sync(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	return windows.FlushViewOfFile(addr, uintptr(len(mem)))
}

// syncAsync has no non-blocking equivalent of FlushViewOfFile on
// Windows, so it falls back to the blocking flush.
func syncAsync(mem []byte) error {
	return sync(mem)
}

func dontNeed(mem []byte) error {
	// no direct MADV_DONTNEED equivalent wired up for Windows yet
	return nil
}

func grow(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("mmapio: truncate %s: %w", f.Name(), err)
	}
	return nil
}

func probeHolePunch(dir string) bool { return false }

func punchHole(f *os.File, offset, length int64) error {
	return fmt.Errorf("mmapio: hole punching unsupported on windows")
}
