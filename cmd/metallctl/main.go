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

// metallctl is a small CLI over the metall kernel: one function per
// subcommand, flag.Parse up front, then a switch on args[0].
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/metall-go/metall"
)

var dashv bool

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func logf(f string, args ...interface{}) {
	if !dashv {
		return
	}
	if f[len(f)-1] != '\n' {
		f += "\n"
	}
	fmt.Fprintf(os.Stderr, f, args...)
}

// entry point for 'metallctl create <path> <capacity-bytes>'
func create(path string, capacity int64) {
	m, err := metall.Create(path, capacity)
	if err != nil {
		exitf("create: %s\n", err)
	}
	logf("created %s, uuid=%s", path, m.GetUUID())
	if err := m.Close(); err != nil {
		exitf("closing after create: %s\n", err)
	}
}

// entry point for 'metallctl ls <path>'
func ls(path string) {
	attrs, err := metall.Attributes(path)
	if err != nil {
		exitf("ls: %s\n", err)
	}
	for _, a := range attrs {
		fmt.Printf("%s\t%s\t%d\t%d\t%s\n", a.Name, a.TypeName, a.Offset, a.Length, a.Description)
	}
}

// entry point for 'metallctl snapshot <path> <dest>'
func snapshot(path, dest string) {
	m, err := metall.Open(path)
	if err != nil {
		exitf("opening %s: %s\n", path, err)
	}
	defer m.Close()
	if err := m.Snapshot(dest); err != nil {
		exitf("snapshot: %s\n", err)
	}
	logf("snapshotted %s -> %s", path, dest)
}

// entry point for 'metallctl gc <path>' — open a datastore, flush it
// durably and close it again, returning any free pages to the filesystem on
// the way (the allocator already does this on every deallocate; gc is
// useful after a long session where many objects were destroyed
// while the cache held on to some of their blocks).
func gc(path string) {
	m, err := metall.Open(path)
	if err != nil {
		exitf("opening %s: %s\n", path, err)
	}
	defer m.Close()
	if err := m.Flush(true); err != nil {
		exitf("gc: %s\n", err)
	}
	logf("flushed %s", path)
}

func consistent(path string) {
	if metall.Consistent(path) {
		fmt.Println("consistent")
		return
	}
	fmt.Println("inconsistent")
	os.Exit(1)
}

func remove(path string) {
	if err := metall.Remove(path); err != nil {
		exitf("remove: %s\n", err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "    %s create <path> <capacity-bytes>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        create a new datastore\n")
	fmt.Fprintf(os.Stderr, "    %s ls <path>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        list named and unique objects\n")
	fmt.Fprintf(os.Stderr, "    %s snapshot <path> <dest>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        copy a datastore to dest with a fresh UUID\n")
	fmt.Fprintf(os.Stderr, "    %s gc <path>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        open, flush, and close a datastore\n")
	fmt.Fprintf(os.Stderr, "    %s consistent <path>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        check the properly-closed mark without opening\n")
	fmt.Fprintf(os.Stderr, "    %s remove <path>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        delete a datastore\n")
	fmt.Fprintf(os.Stderr, "flag usage:\n")
	flag.Usage()
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		if len(args) != 3 {
			exitf("usage: create <path> <capacity-bytes>\n")
		}
		cap, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			exitf("invalid capacity %q: %s\n", args[2], err)
		}
		create(args[1], cap)
	case "ls":
		if len(args) != 2 {
			exitf("usage: ls <path>\n")
		}
		ls(args[1])
	case "snapshot":
		if len(args) != 3 {
			exitf("usage: snapshot <path> <dest>\n")
		}
		snapshot(args[1], args[2])
	case "gc":
		if len(args) != 2 {
			exitf("usage: gc <path>\n")
		}
		gc(args[1])
	case "consistent":
		if len(args) != 2 {
			exitf("usage: consistent <path>\n")
		}
		consistent(args[1])
	case "remove":
		if len(args) != 2 {
			exitf("usage: remove <path>\n")
		}
		remove(args[1])
	default:
		usage()
		os.Exit(1)
	}
}
