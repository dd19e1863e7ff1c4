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

package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/metall-go/metall/internal/reflink"
)

// ParallelCopy copies the directory tree rooted at src to dst, one
// goroutine per file bounded by runtime.GOMAXPROCS(0). Each file is
// copied with internal/reflink, so a copy-on-write filesystem makes
// this nearly free; elsewhere it falls back to a plain byte copy.
func ParallelCopy(src, dst string) error {
	type job struct{ srcPath, dstPath string }
	var jobs []job

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0750)
		}
		jobs = append(jobs, job{path, target})
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: walking %s: %w", src, err)
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(jobs) && len(jobs) > 0 {
		workers = len(jobs)
	}
	if workers == 0 {
		return nil
	}

	queue := make(chan job, len(jobs))
	for _, j := range jobs {
		queue <- j
	}
	close(queue)

	errs := make(chan error, len(jobs))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				if err := reflink.Copy(j.srcPath, j.dstPath); err != nil {
					errs <- fmt.Errorf("storage: copying %s: %w", j.srcPath, err)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		return err
	}
	return nil
}
