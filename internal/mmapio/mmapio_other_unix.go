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

//go:build unix && !linux

package mmapio

import (
	"fmt"
	"os"
)

// grow just truncates on non-Linux unix platforms; there is no
// portable fallocate equivalent in x/sys/unix for them.
func grow(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("mmapio: truncate %s: %w", f.Name(), err)
	}
	return nil
}

func probeHolePunch(dir string) bool { return false }

func punchHole(f *os.File, offset, length int64) error {
	return fmt.Errorf("mmapio: hole punching unsupported on this platform")
}
