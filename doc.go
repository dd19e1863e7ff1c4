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

// Package metall is the manager kernel: it owns a datastore's segment,
// allocator, and object directories, and is the only package that
// ties lifecycle (create/open/close), allocation, and naming together.
// A Manager owns a segment and a set of directories and exposes a
// small surface that higher-level container front-ends build on
// without reaching into internals.
package metall
