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
	"log"

	"github.com/metall-go/metall/storage"
)

// Logger is the minimal logging interface the manager accepts; any
// *log.Logger satisfies it, and a nil Logger falls back to the
// standard library's default logger instead of going silent.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Config re-exports storage.Config, the Go stand-in for Metall's
// compile-time bundled_constants (see storage/config.go).
type Config = storage.Config

// DefaultConfig returns the compiled-in tunable defaults.
func DefaultConfig() Config { return storage.DefaultConfig() }

// LoadConfig reads a YAML override file (see storage.LoadConfig).
func LoadConfig(path string) (Config, error) { return storage.LoadConfig(path) }

// Option configures Create/Open/OpenReadOnly.
type Option func(*options)

type options struct {
	logger Logger
	config Config
}

// WithLogger attaches a Logger that receives lifecycle diagnostics
// (create/open/close). The default is the standard library's log
// package, matching dcache.Cache's "nil Logger means use log.Printf"
// convention.
func WithLogger(l Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithConfig overrides the datastore's tunable constants. Omit this
// option to use DefaultConfig().
func WithConfig(c Config) Option {
	return func(o *options) { o.config = c }
}

func buildOptions(opts []Option) options {
	o := options{config: DefaultConfig()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (o options) logf(format string, args ...interface{}) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
