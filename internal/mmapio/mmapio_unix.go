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

//go:build unix

package mmapio

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func reserveAnon(n int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, n, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmapio: reserve %d bytes: %w", n, err)
	}
	return buf, nil
}

// mapFile maps f at the exact address backing dst, overwriting the
// PROT_NONE reservation in place (MAP_FIXED). x/sys/unix's high-level
// Mmap wrapper never accepts a caller-chosen address, so this goes
// through the raw mmap(2) syscall directly, the same way the syscall
// package itself implements Mmap internally.
func mapFile(dst []byte, f *os.File, length int, writable bool) error {
	if len(dst) < length {
		return fmt.Errorf("mmapio: dst has %d bytes, need %d", len(dst), length)
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	addr := uintptr(unsafe.Pointer(&dst[0]))
	flags := unix.MAP_SHARED | unix.MAP_FIXED
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length), uintptr(prot),
		uintptr(flags), uintptr(f.Fd()), 0)
	if errno != 0 {
		return fmt.Errorf("mmapio: map file %s: %w", f.Name(), errno)
	}
	return nil
}

func protect(mem []byte, prot Prot) error {
	var p int
	if prot&ProtNone != 0 {
		p = unix.PROT_NONE
	}
	if prot&ProtRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}
	if err := unix.Mprotect(mem, p); err != nil {
		return fmt.Errorf("mmapio: mprotect: %w", err)
	}
	return nil
}

func unmap(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("mmapio: munmap: %w", err)
	}
	return nil
}

func sync(mem []byte) error {
	if err := unix.Msync(mem, unix.MS_SYNC); err != nil {
		return fmt.Errorf("mmapio: msync: %w", err)
	}
	return nil
}

func syncAsync(mem []byte) error {
	if err := unix.Msync(mem, unix.MS_ASYNC); err != nil {
		return fmt.Errorf("mmapio: msync async: %w", err)
	}
	return nil
}

func dontNeed(mem []byte) error {
	return unix.Madvise(mem, unix.MADV_DONTNEED)
}
