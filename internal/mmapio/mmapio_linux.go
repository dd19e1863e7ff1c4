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

//go:build linux

package mmapio

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// grow truncates f to size and, on Linux, also fallocates the space
// so that a later mmap can never SIGBUS on a hole in a sparse file.
func grow(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("mmapio: truncate %s: %w", f.Name(), err)
	}
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		return fmt.Errorf("mmapio: fallocate %s: %w", f.Name(), err)
	}
	return nil
}

func probeHolePunch(dir string) bool {
	f, err := os.CreateTemp(dir, ".metall-holepunch-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	defer os.Remove(name)
	defer f.Close()
	const probeSize = 4096
	if err := grow(f, probeSize); err != nil {
		return false
	}
	err = unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, 0, probeSize)
	return err == nil
}

func punchHole(f *os.File, offset, length int64) error {
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
	if err != nil {
		return fmt.Errorf("mmapio: punch hole in %s: %w", filepath.Base(f.Name()), err)
	}
	return nil
}
