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

import "fmt"

// Attribute is one entry returned by Attributes: a read-only snapshot
// of one named or unique object's bookkeeping.
type Attribute struct {
	Name        string
	TypeName    string
	Offset      int64
	Length      int
	Description string
}

// Attributes opens path read-only, collects every named and unique
// object's attributes, and closes it again, without the caller ever
// needing write access: inspecting a datastore's contents without
// taking a writer lock on it.
func Attributes(path string) ([]Attribute, error) {
	m, err := OpenReadOnly(path)
	if err != nil {
		return nil, fmt.Errorf("metall: attributes %s: %w", path, err)
	}
	defer m.Close()

	var out []Attribute
	for _, rec := range m.named.Entries() {
		out = append(out, Attribute{
			Name:        rec.Key,
			TypeName:    rec.TypeName,
			Offset:      int64(rec.Offset),
			Length:      rec.Length,
			Description: rec.Description,
		})
	}
	for _, rec := range m.unique.Entries() {
		out = append(out, Attribute{
			Name:        rec.TypeName,
			TypeName:    rec.TypeName,
			Offset:      int64(rec.Offset),
			Length:      rec.Length,
			Description: rec.Description,
		})
	}
	return out, nil
}
