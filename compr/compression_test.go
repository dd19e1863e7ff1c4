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

package compr

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestZstdRoundTrip(t *testing.T) {
	comp, decomp := Zstd(zstd.SpeedDefault)
	if comp.Name() != "zstd" || decomp.Name() != "zstd" {
		t.Fatalf("unexpected codec names %q, %q", comp.Name(), decomp.Name())
	}

	src := bytes.Repeat([]byte("chunk_no bin_no type_code\n"), 500)
	packed := comp.Compress(src, nil)
	if len(packed) >= len(src) {
		t.Fatalf("compressed size %d not smaller than source %d", len(packed), len(src))
	}

	got, err := decomp.Decompress(packed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Fatal("round trip mismatch")
	}
}

func TestCompressBytesRoundTrip(t *testing.T) {
	src := []byte("named_object_directory entry line")
	packed := CompressBytes(src)
	got, err := DecompressBytes(packed)
	if err != nil {
		t.Fatalf("DecompressBytes: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Fatal("round trip mismatch")
	}
}
