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

// Package reflink copies a single file by sharing its physical blocks
// copy-on-write where the filesystem supports it (Linux FICLONE,
// Darwin clonefile), falling back to a plain byte-for-byte copy
// everywhere else. It backs storage.ParallelCopy's per-file workers.
package reflink

import (
	"fmt"
	"io"
	"os"
)

// Copy clones src to dst. It always tries the platform reflink
// primitive first and transparently falls back to copying bytes; the
// caller cannot tell which path was taken, and should not rely on
// dst sharing blocks with src. An existing dst is removed first and
// replaced.
func Copy(src, dst string) error {
	os.Remove(dst)
	if err := clone(src, dst); err == nil {
		return nil
	}
	return copyBytes(src, dst)
}

func copyBytes(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("reflink: open %s: %w", src, err)
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return fmt.Errorf("reflink: stat %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return fmt.Errorf("reflink: create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("reflink: copy %s -> %s: %w", src, dst, err)
	}
	return nil
}
