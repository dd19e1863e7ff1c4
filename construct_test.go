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

package metall

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"
)

// counter is a trivial InPlace implementation: an array of uint64s
// initialized to a fixed fill value, used to exercise Construct/Find/
// Destroy without pulling in a real container type.
type counter struct{ fill uint64 }

func (counter) TypeName() string { return "metall_test.counter" }

func (c counter) Construct(dst []byte, n int) error {
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(dst[i*8:], c.fill)
	}
	return nil
}

func (counter) Destroy(dst []byte, n int) error { return nil }

func newManagerForTest(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ds")
	m, err := Create(path, testCapacity())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestConstructFindDestroy(t *testing.T) {
	m := newManagerForTest(t)

	off, n, err := Construct[uint64](m, "counters", 4, false, counter{fill: 0xaa})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if n != 4 {
		t.Fatalf("Construct returned n=%d, want 4", n)
	}

	foundOff, foundN, ok := Find(m, "counters")
	if !ok || foundOff != off || foundN != n {
		t.Fatalf("Find = (%d, %d, %v), want (%d, %d, true)", foundOff, foundN, ok, off, n)
	}

	dst := m.bytesAt(off, 32)
	for i := 0; i < 4; i++ {
		if got := binary.LittleEndian.Uint64(dst[i*8:]); got != 0xaa {
			t.Fatalf("element %d = %#x, want 0xaa", i, got)
		}
	}

	destroyed, err := Destroy(m, "counters", counter{})
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !destroyed {
		t.Fatalf("Destroy reported not found")
	}
	if _, _, ok := Find(m, "counters"); ok {
		t.Fatalf("Find succeeded after Destroy")
	}
}

func TestConstructRejectsDuplicateName(t *testing.T) {
	m := newManagerForTest(t)

	if _, _, err := Construct[uint64](m, "x", 1, false, counter{}); err != nil {
		t.Fatalf("first Construct: %v", err)
	}
	if _, _, err := Construct[uint64](m, "x", 1, false, counter{}); !errors.Is(err, ErrExists) {
		t.Fatalf("second Construct = %v, want ErrExists", err)
	}
}

func TestConstructTryFindReturnsExisting(t *testing.T) {
	m := newManagerForTest(t)

	off1, n1, err := Construct[uint64](m, "x", 3, true, counter{fill: 1})
	if err != nil {
		t.Fatalf("first Construct: %v", err)
	}
	off2, n2, err := Construct[uint64](m, "x", 3, true, counter{fill: 2})
	if err != nil {
		t.Fatalf("second Construct with tryFind: %v", err)
	}
	if off1 != off2 || n1 != n2 {
		t.Fatalf("tryFind Construct returned (%d, %d), want existing (%d, %d)", off2, n2, off1, n1)
	}

	// The second Construct must not have run its constructor again:
	// the fill value should still be 1.
	dst := m.bytesAt(off1, 8)
	if got := binary.LittleEndian.Uint64(dst); got != 1 {
		t.Fatalf("existing allocation overwritten: got %#x, want 1", got)
	}
}

func TestConstructUniqueAllowsOnlyOnePerType(t *testing.T) {
	m := newManagerForTest(t)

	off, _, err := ConstructUnique[uint64](m, 2, false, counter{fill: 9})
	if err != nil {
		t.Fatalf("ConstructUnique: %v", err)
	}

	foundOff, _, ok := FindUnique(m, counter{}.TypeName())
	if !ok || foundOff != off {
		t.Fatalf("FindUnique = (%d, %v), want (%d, true)", foundOff, ok, off)
	}

	if _, _, err := ConstructUnique[uint64](m, 2, false, counter{fill: 9}); !errors.Is(err, ErrExists) {
		t.Fatalf("second ConstructUnique = %v, want ErrExists", err)
	}
}

func TestConstructAnonymousIsNotFindable(t *testing.T) {
	m := newManagerForTest(t)

	off, n, err := ConstructAnonymous[uint64](m, 2, counter{fill: 5})
	if err != nil {
		t.Fatalf("ConstructAnonymous: %v", err)
	}

	if name, ok := m.GetInstanceName(off); ok {
		t.Fatalf("GetInstanceName on anonymous object = %q, want not found", name)
	}
	if gotN, ok := m.GetInstanceLength(off); !ok || gotN != n {
		t.Fatalf("GetInstanceLength = (%d, %v), want (%d, true)", gotN, ok, n)
	}
	wantType := counter{}.TypeName()
	if typ, ok := m.GetInstanceType(off); !ok || typ != wantType {
		t.Fatalf("GetInstanceType = (%q, %v), want (%q, true)", typ, ok, wantType)
	}

	destroyed, err := DestroyByOffset(m, off, counter{})
	if err != nil {
		t.Fatalf("DestroyByOffset: %v", err)
	}
	if !destroyed {
		t.Fatalf("DestroyByOffset reported not found")
	}
}

func TestInstanceDescriptionRoundTrip(t *testing.T) {
	m := newManagerForTest(t)

	off, _, err := Construct[uint64](m, "x", 1, false, counter{})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}

	ok, err := m.SetInstanceDescription("x", "a vector of degree counts")
	if err != nil {
		t.Fatalf("SetInstanceDescription: %v", err)
	}
	if !ok {
		t.Fatalf("SetInstanceDescription reported not found")
	}

	got, ok := m.GetInstanceDescription(off)
	if !ok || got != "a vector of degree counts" {
		t.Fatalf("GetInstanceDescription = (%q, %v), want (%q, true)", got, ok, "a vector of degree counts")
	}
}

func TestMutationsRejectedOnReadOnlyDatastore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ds")
	m, err := Create(path, testCapacity())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer ro.Close()

	if _, _, err := Construct[uint64](ro, "x", 1, false, counter{}); err != ErrReadOnly {
		t.Fatalf("Construct on read-only manager = %v, want ErrReadOnly", err)
	}
}
