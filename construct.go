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
	"errors"
	"fmt"
	"strconv"
	"unsafe"

	"github.com/metall-go/metall/objdir"
	"github.com/metall-go/metall/offset"
)

// ErrExists is returned, wrapped (test it with errors.Is), by Construct
// and ConstructUnique when tryFind is false and key is already taken,
// and by ConstructAnonymous when the allocated offset is already
// recorded.
var ErrExists = errors.New("metall: name already exists")

// InPlace is the type-erasure boundary between the kernel and a
// container front-end's constructors: the kernel allocates raw bytes
// and calls Construct/Destroy over them without ever naming T itself
// via reflection.
// TypeName is used both as the unique directory's key and as the
// recorded type identity returned by GetInstanceType.
type InPlace interface {
	TypeName() string
	Construct(dst []byte, n int) error
	Destroy(dst []byte, n int) error
}

func elemSize[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// Construct allocates n*sizeof(T) bytes, records them under key in the
// named-object directory, and runs ip's in-place constructor over
// them. If tryFind is true and key already exists, the existing
// allocation is returned unconstructed and untouched.
func Construct[T any](m *Manager, key string, n int, tryFind bool, ip InPlace) (offset.T, int, error) {
	return m.construct(m.named, key, n, tryFind, ip, elemSize[T]())
}

// ConstructUnique is Construct keyed by ip's type identity rather than
// a user string: at most one unique object per T may exist.
func ConstructUnique[T any](m *Manager, n int, tryFind bool, ip InPlace) (offset.T, int, error) {
	return m.construct(m.unique, uniqueKey(ip.TypeName()), n, tryFind, ip, elemSize[T]())
}

// ConstructAnonymous allocates and constructs without recording any
// name; the only way to find it again is GetInstanceLength/Type or
// DestroyByOffset on the returned offset.
func ConstructAnonymous[T any](m *Manager, n int, ip InPlace) (offset.T, int, error) {
	return m.constructAnon(n, ip, elemSize[T]())
}

func uniqueKey(typeName string) string {
	return strconv.FormatUint(objdir.TypeIDHash(typeName), 36)
}

func (m *Manager) construct(dir *objdir.Directory, key string, n int, tryFind bool, ip InPlace, elemSize int) (offset.T, int, error) {
	if m.readOnly {
		return offset.Null, 0, ErrReadOnly
	}
	if n <= 0 {
		return offset.Null, 0, fmt.Errorf("metall: construct %q: count must be positive, got %d", key, n)
	}

	m.objMu.Lock()
	defer m.objMu.Unlock()

	if tryFind {
		if rec, ok := dir.Find(key); ok {
			return rec.Offset, rec.Length, nil
		}
	} else if _, ok := dir.Find(key); ok {
		return offset.Null, 0, fmt.Errorf("metall: construct %q: %w", key, ErrExists)
	}

	off, err := m.alloc.Allocate(uintptr(n * elemSize))
	if err != nil {
		return offset.Null, 0, fmt.Errorf("metall: allocating %q: %w", key, err)
	}

	rec := objdir.Record{
		Key:      key,
		TypeName: ip.TypeName(),
		TypeHash: objdir.TypeIDHash(ip.TypeName()),
		Offset:   off,
		Length:   n,
		ElemSize: elemSize,
	}
	if err := dir.Insert(rec); err != nil {
		m.alloc.Deallocate(off)
		return offset.Null, 0, fmt.Errorf("metall: construct %q: %w", key, ErrExists)
	}

	dst := m.bytesAt(off, uintptr(n*elemSize))
	if err := ip.Construct(dst, n); err != nil {
		dir.Erase(key)
		m.alloc.Deallocate(off)
		return offset.Null, 0, fmt.Errorf("metall: constructing %q: %w", key, err)
	}
	return off, n, nil
}

func (m *Manager) constructAnon(n int, ip InPlace, elemSize int) (offset.T, int, error) {
	if m.readOnly {
		return offset.Null, 0, ErrReadOnly
	}
	if n <= 0 {
		return offset.Null, 0, fmt.Errorf("metall: construct anonymous: count must be positive, got %d", n)
	}

	off, err := m.alloc.Allocate(uintptr(n * elemSize))
	if err != nil {
		return offset.Null, 0, fmt.Errorf("metall: allocating anonymous object: %w", err)
	}

	m.objMu.Lock()
	rec := objdir.Record{
		Key:      strconv.FormatInt(int64(off), 10),
		TypeName: ip.TypeName(),
		TypeHash: objdir.TypeIDHash(ip.TypeName()),
		Offset:   off,
		Length:   n,
		ElemSize: elemSize,
	}
	err = m.anon.Insert(rec)
	m.objMu.Unlock()
	if err != nil {
		m.alloc.Deallocate(off)
		return offset.Null, 0, fmt.Errorf("metall: construct anonymous: %w: %v", ErrExists, err)
	}

	dst := m.bytesAt(off, uintptr(n*elemSize))
	if err := ip.Construct(dst, n); err != nil {
		m.objMu.Lock()
		m.anon.EraseByOffset(off)
		m.objMu.Unlock()
		m.alloc.Deallocate(off)
		return offset.Null, 0, fmt.Errorf("metall: constructing anonymous object: %w", err)
	}
	return off, n, nil
}

// Find looks up a named object, returning its offset and element
// count. The boolean is false if key was never constructed (or was
// destroyed).
func Find(m *Manager, key string) (offset.T, int, bool) {
	rec, ok := m.named.Find(key)
	if !ok {
		return offset.Null, 0, false
	}
	return rec.Offset, rec.Length, true
}

// FindUnique looks up the unique object of the type identified by
// typeName (normally ip.TypeName() for some InPlace ip of that type).
func FindUnique(m *Manager, typeName string) (offset.T, int, bool) {
	rec, ok := m.unique.Find(uniqueKey(typeName))
	if !ok {
		return offset.Null, 0, false
	}
	return rec.Offset, rec.Length, true
}

// Destroy removes key from the named-object directory, runs ip's
// destructor over its bytes, and deallocates them. It reports false
// (with a nil error) if key does not exist.
func Destroy(m *Manager, key string, ip InPlace) (bool, error) {
	return m.destroyKeyed(m.named, key, ip)
}

// DestroyUnique is Destroy for the unique object of the type
// identified by typeName.
func DestroyUnique(m *Manager, typeName string, ip InPlace) (bool, error) {
	return m.destroyKeyed(m.unique, uniqueKey(typeName), ip)
}

// DestroyByOffset destroys whichever named, unique, or anonymous
// object lives at off.
func DestroyByOffset(m *Manager, off offset.T, ip InPlace) (bool, error) {
	if m.readOnly {
		return false, ErrReadOnly
	}
	for _, dir := range m.directories() {
		m.objMu.Lock()
		rec, ok := dir.FindByOffset(off)
		if ok {
			dir.EraseByOffset(off)
		}
		m.objMu.Unlock()
		if !ok {
			continue
		}
		return true, m.finishDestroy(rec, ip)
	}
	return false, nil
}

func (m *Manager) destroyKeyed(dir *objdir.Directory, key string, ip InPlace) (bool, error) {
	if m.readOnly {
		return false, ErrReadOnly
	}
	m.objMu.Lock()
	rec, ok := dir.Find(key)
	if ok {
		dir.Erase(key)
	}
	m.objMu.Unlock()
	if !ok {
		return false, nil
	}
	return true, m.finishDestroy(rec, ip)
}

func (m *Manager) finishDestroy(rec objdir.Record, ip InPlace) error {
	dst := m.bytesAt(rec.Offset, uintptr(rec.Length*rec.ElemSize))
	if err := ip.Destroy(dst, rec.Length); err != nil {
		return fmt.Errorf("metall: destroying %q: %w", rec.Key, err)
	}
	if err := m.alloc.Deallocate(rec.Offset); err != nil {
		return fmt.Errorf("metall: deallocating %q: %w", rec.Key, err)
	}
	return nil
}

func (m *Manager) directories() [3]*objdir.Directory {
	return [3]*objdir.Directory{m.named, m.unique, m.anon}
}

// GetInstanceName returns the name off was constructed with, if it
// lives in the named-object directory.
func (m *Manager) GetInstanceName(off offset.T) (string, bool) {
	rec, ok := m.named.FindByOffset(off)
	if !ok {
		return "", false
	}
	return rec.Key, true
}

// GetInstanceLength returns the element count off was constructed
// with, searching all three directories.
func (m *Manager) GetInstanceLength(off offset.T) (int, bool) {
	for _, dir := range m.directories() {
		if rec, ok := dir.FindByOffset(off); ok {
			return rec.Length, true
		}
	}
	return 0, false
}

// GetInstanceType returns the TypeName off was constructed with,
// searching all three directories.
func (m *Manager) GetInstanceType(off offset.T) (string, bool) {
	for _, dir := range m.directories() {
		if rec, ok := dir.FindByOffset(off); ok {
			return rec.TypeName, true
		}
	}
	return "", false
}

// SetInstanceDescription attaches a free-form description to the
// named object stored under key, overwriting any previous one. It
// reports false if key does not exist.
func (m *Manager) SetInstanceDescription(key, text string) (bool, error) {
	if m.readOnly {
		return false, ErrReadOnly
	}
	m.objMu.Lock()
	defer m.objMu.Unlock()
	return m.named.SetDescription(key, text), nil
}

// GetInstanceDescription returns the description previously attached
// by SetInstanceDescription, searching all three directories.
func (m *Manager) GetInstanceDescription(off offset.T) (string, bool) {
	for _, dir := range m.directories() {
		if rec, ok := dir.FindByOffset(off); ok {
			return rec.Description, rec.Description != ""
		}
	}
	return "", false
}
