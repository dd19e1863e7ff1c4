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

package objdir

import (
	"bytes"
	"testing"

	"github.com/metall-go/metall/offset"
)

func TestInsertRejectsDuplicateKey(t *testing.T) {
	d := New(false)
	if err := d.Insert(Record{Key: "x", Offset: 8, Length: 4, ElemSize: 4}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := d.Insert(Record{Key: "x", Offset: 16, Length: 4, ElemSize: 4}); err == nil {
		t.Fatal("duplicate key insert should fail")
	}
}

func TestInsertRejectsDuplicateOffset(t *testing.T) {
	d := New(false)
	if err := d.Insert(Record{Key: "x", Offset: 8, Length: 4, ElemSize: 4}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := d.Insert(Record{Key: "y", Offset: 8, Length: 4, ElemSize: 4}); err == nil {
		t.Fatal("duplicate offset insert should fail")
	}
}

func TestFindAndFindByOffset(t *testing.T) {
	d := New(false)
	d.Insert(Record{Key: "widget", TypeName: "Widget", TypeHash: 42, Offset: offset.T(100), Length: 3, ElemSize: 8, Description: "a widget"})

	r, ok := d.Find("widget")
	if !ok || r.Offset != 100 {
		t.Fatalf("Find = %+v, %v", r, ok)
	}
	r2, ok := d.FindByOffset(100)
	if !ok || r2.Key != "widget" {
		t.Fatalf("FindByOffset = %+v, %v", r2, ok)
	}
}

func TestEraseByOffsetRemovesBothIndexes(t *testing.T) {
	d := New(false)
	d.Insert(Record{Key: "widget", TypeHash: 42, Offset: offset.T(100), Length: 3, ElemSize: 8})
	if !d.EraseByOffset(100) {
		t.Fatal("EraseByOffset should succeed")
	}
	if d.Count("widget") != 0 {
		t.Fatal("key index should be cleared by EraseByOffset")
	}
}

func TestSetDescription(t *testing.T) {
	d := New(false)
	d.Insert(Record{Key: "widget", Offset: 0, Length: 1, ElemSize: 8})
	if !d.SetDescription("widget", "updated") {
		t.Fatal("SetDescription should succeed for an existing key")
	}
	r, _ := d.Find("widget")
	if r.Description != "updated" {
		t.Fatalf("Description = %q, want %q", r.Description, "updated")
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	d := New(false)
	d.Insert(Record{Key: "a", TypeName: "A", TypeHash: 1, Offset: 0, Length: 4, ElemSize: 8, Description: "first"})
	d.Insert(Record{Key: "b", TypeName: "B", TypeHash: 2, Offset: 16, Length: 8, ElemSize: 8})

	var buf bytes.Buffer
	if err := d.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	d2, err := Deserialize(&buf, false)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	r, ok := d2.Find("a")
	if !ok || r.Description != "first" || r.Length != 4 || r.TypeName != "A" {
		t.Fatalf("Find(a) after round trip = %+v, %v", r, ok)
	}
	if d2.Count("b") != 1 {
		t.Fatal("b should be present after round trip")
	}
}

func TestTypeIDHashIsStable(t *testing.T) {
	h1 := TypeIDHash("widget")
	h2 := TypeIDHash("widget")
	if h1 != h2 {
		t.Fatal("TypeIDHash must be deterministic for the same type name")
	}
	if h1 == TypeIDHash("gadget") {
		t.Fatal("different type names should (almost certainly) hash differently")
	}
}
