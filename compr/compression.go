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

// Package compr wraps zstd for the one thing the rest of this module
// needs compressed: the serialized chunk/bin/object-directory files a
// datastore writes on close. It keeps a simple Compressor/Decompressor interface
// shape but drops the s2 codec, which nothing in this module's
// storage format calls for.
package compr

import (
	"fmt"
	"runtime"

	"github.com/klauspost/compress/zstd"
)

// Compressor describes the interface CompressBytes needs a compression
// algorithm to implement.
type Compressor interface {
	Name() string
	Compress(src, dst []byte) []byte
}

// Decompressor is the interface DecompressBytes uses to invert
// Compressor.
type Decompressor interface {
	Name() string
	Decompress(src []byte) ([]byte, error)
}

type zstdCompressor struct {
	enc *zstd.Encoder
}

func (z zstdCompressor) Compress(src, dst []byte) []byte { return z.enc.EncodeAll(src, dst) }
func (z zstdCompressor) Name() string                    { return "zstd" }

type zstdDecompressor struct {
	dec *zstd.Decoder
}

func (z zstdDecompressor) Name() string { return "zstd" }

func (z zstdDecompressor) Decompress(src []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("compr: zstd decode: %w", err)
	}
	return out, nil
}

var sharedDecoder *zstd.Decoder

func init() {
	d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	sharedDecoder = d
}

// Zstd returns a Compressor/Decompressor pair backed by zstd at the
// given encoder level (zstd.SpeedDefault, zstd.SpeedBetterCompression,
// ...).
func Zstd(level zstd.EncoderLevel) (Compressor, Decompressor) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	return zstdCompressor{enc}, zstdDecompressor{sharedDecoder}
}

// CompressBytes is a convenience wrapper around Zstd(zstd.SpeedDefault)
// for one-shot directory-file compression.
func CompressBytes(src []byte) []byte {
	c, _ := Zstd(zstd.SpeedDefault)
	return c.Compress(src, nil)
}

// DecompressBytes inverts CompressBytes.
func DecompressBytes(src []byte) ([]byte, error) {
	return zstdDecompressor{sharedDecoder}.Decompress(src)
}
