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

// Package objdir implements the named, unique, and anonymous object
// directories as one generic directory type keyed two ways at once,
// by a primary key and by byte offset, the same dual-map shape a
// read-through cache uses to track entries both by key and by backing
// location, generalized here from cache entries to allocation records.
package objdir

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/dchest/siphash"

	"github.com/metall-go/metall/offset"
)

// typeHashK0, typeHashK1 key the type-identity hash used by the
// unique-object directory. They need not be secret or randomized:
// their only job is to map a Go type name onto a stable uint64 across
// runs of the same process family, and siphash gives good bit
// dispersion over short strings for that.
const (
	typeHashK0 = 0x6d6574616c6c2d67
	typeHashK1 = 0x6f2d7369706861
)

// TypeIDHash computes the stable identifier used to key the unique
// object directory by Go type name.
func TypeIDHash(typeName string) uint64 {
	return siphash.Hash(typeHashK0, typeHashK1, []byte(typeName))
}

// Record describes one allocation tracked by a directory. ElemSize
// lets Destroy operations reconstruct the byte slice an in-place
// destructor needs without the kernel ever naming the element's Go
// type again after construction. TypeName is whatever string the
// in-place interface implementation supplied at construct time; the
// directory stores it verbatim and never calls reflect itself.
// TypeHash is TypeName's siphash; the kernel keys the unique directory
// by this hash rendered as text rather than by the raw name.
type Record struct {
	Key         string
	TypeName    string
	TypeHash    uint64
	Offset      offset.T
	Length      int
	ElemSize    int
	Description string
}

// Directory is a named, unique, or anonymous object directory.
type Directory struct {
	mu       sync.Mutex
	anon     bool
	byKey    map[string]*Record
	byOffset map[offset.T]*Record
}

// New creates an empty directory. anon marks an anonymous directory,
// whose records carry their offset rendered as text as their key (the
// caller sets that key); serialization is the same for every kind.
func New(anon bool) *Directory {
	return &Directory{
		anon:     anon,
		byKey:    make(map[string]*Record),
		byOffset: make(map[offset.T]*Record),
	}
}

// Insert records rec under rec.Key. It fails if rec.Key or rec.Offset
// is already present.
func (d *Directory) Insert(rec Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byKey[rec.Key]; ok {
		return fmt.Errorf("objdir: key %q already exists", rec.Key)
	}
	if _, ok := d.byOffset[rec.Offset]; ok {
		return fmt.Errorf("objdir: offset %d already exists", rec.Offset)
	}
	r := rec
	d.byKey[rec.Key] = &r
	d.byOffset[rec.Offset] = &r
	return nil
}

// Find looks up a record by its primary key.
func (d *Directory) Find(key string) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.byKey[key]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// FindByOffset looks up a record by the offset it was constructed at.
func (d *Directory) FindByOffset(off offset.T) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.byOffset[off]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Count reports 1 if key is present, 0 otherwise (keys are unique).
func (d *Directory) Count(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byKey[key]; ok {
		return 1
	}
	return 0
}

// CountByOffset reports 1 if off is present, 0 otherwise.
func (d *Directory) CountByOffset(off offset.T) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byOffset[off]; ok {
		return 1
	}
	return 0
}

// Erase removes the record keyed by key, if present.
func (d *Directory) Erase(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.byKey[key]
	if !ok {
		return false
	}
	delete(d.byKey, key)
	delete(d.byOffset, r.Offset)
	return true
}

// EraseByOffset removes the record at off, if present.
func (d *Directory) EraseByOffset(off offset.T) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.byOffset[off]
	if !ok {
		return false
	}
	delete(d.byOffset, off)
	delete(d.byKey, r.Key)
	return true
}

// SetDescription updates the description of the record keyed by key.
func (d *Directory) SetDescription(key, text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.byKey[key]
	if !ok {
		return false
	}
	r.Description = text
	return true
}

// Entries returns a snapshot of every record, in no particular order,
// copied under the directory's lock.
func (d *Directory) Entries() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, 0, len(d.byKey))
	for _, r := range d.byKey {
		out = append(out, *r)
	}
	return out
}

// Clear empties the directory.
func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byKey = make(map[string]*Record)
	d.byOffset = make(map[offset.T]*Record)
}

// Serialize writes one record per line: key type_name type_hash offset
// length elem_size base64(description), with "-" standing in for an
// empty key, type name or description. An anonymous directory's key
// is already its offset rendered as text, so its key field and offset
// field are written redundantly but are always consistent.
func (d *Directory) Serialize(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	bw := bufio.NewWriter(w)
	for _, r := range d.byKey {
		enc := base64.StdEncoding.EncodeToString([]byte(r.Description))
		if enc == "" {
			enc = "-"
		}
		key := r.Key
		if key == "" {
			key = "-"
		}
		typeName := r.TypeName
		if typeName == "" {
			typeName = "-"
		}
		if _, err := fmt.Fprintf(bw, "%s %s %d %d %d %d %s\n", key, typeName, r.TypeHash, r.Offset, r.Length, r.ElemSize, enc); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Deserialize rebuilds a directory from r.
func Deserialize(r io.Reader, anon bool) (*Directory, error) {
	d := New(anon)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 7 {
			return nil, fmt.Errorf("objdir: malformed line %q", line)
		}
		key := fields[0]
		if key == "-" {
			key = ""
		}
		typeName := fields[1]
		if typeName == "-" {
			typeName = ""
		}
		typeHash, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("objdir: parsing type_hash in %q: %w", line, err)
		}
		off, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("objdir: parsing offset in %q: %w", line, err)
		}
		length, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("objdir: parsing length in %q: %w", line, err)
		}
		elemSize, err := strconv.Atoi(fields[5])
		if err != nil {
			return nil, fmt.Errorf("objdir: parsing elem_size in %q: %w", line, err)
		}
		var descBytes []byte
		if fields[6] != "-" {
			descBytes, err = base64.StdEncoding.DecodeString(fields[6])
			if err != nil {
				return nil, fmt.Errorf("objdir: parsing description in %q: %w", line, err)
			}
		}
		rec := &Record{Key: key, TypeName: typeName, TypeHash: typeHash, Offset: offset.T(off), Length: length, ElemSize: elemSize, Description: string(descBytes)}
		d.byKey[key] = rec
		d.byOffset[rec.Offset] = rec
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("objdir: reading: %w", err)
	}
	return d, nil
}
