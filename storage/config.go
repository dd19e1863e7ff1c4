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
	"os"
	"runtime"

	"sigs.k8s.io/yaml"

	"github.com/metall-go/metall/bins"
	"github.com/metall-go/metall/objcache"
	"github.com/metall-go/metall/segstore"
)

// Config holds the datastore's tunable constants as ordinary Go
// fields with an optional YAML override file read by LoadConfig.
// ChunkSize and BlockSize cannot actually be changed this way, they
// are baked into the bins and segstore packages at compile time, so a
// mismatching override is rejected rather than silently ignored.
type Config struct {
	ChunkSize               int  `json:"chunkSize,omitempty"`
	BlockSize               int  `json:"blockSize,omitempty"`
	MaxCapacity             int64 `json:"maxCapacity,omitempty"`
	DefaultCapacity         int64 `json:"defaultCapacity,omitempty"`
	MaxPerCPUCacheSize      int  `json:"maxPerCpuCacheSize,omitempty"`
	NumCachesPerCPU         int  `json:"numCachesPerCpu,omitempty"`
	DisableConcurrency      bool `json:"disableConcurrency,omitempty"`
	DisableFreeFileSpace    bool `json:"disableFreeFileSpace,omitempty"`
	UseSortedBin            bool `json:"useSortedBin,omitempty"`
	FreeSmallObjectSizeHint bool `json:"freeSmallObjectSizeHint,omitempty"`
	CompressDirectories     bool `json:"compressDirectories,omitempty"`
}

// DefaultMaxCapacity is the default ceiling on datastore capacity
// (128 TiB).
const DefaultMaxCapacity = 128 << 40

// DefaultCapacityLinux and DefaultCapacityOther are the
// platform-dependent default capacities (8 TiB / 4 TiB).
const (
	DefaultCapacityLinux = 8 << 40
	DefaultCapacityOther = 4 << 40
)

// DefaultConfig returns the compiled-in tunable defaults.
func DefaultConfig() Config {
	cap := int64(DefaultCapacityOther)
	if runtime.GOOS == "linux" {
		cap = DefaultCapacityLinux
	}
	return Config{
		ChunkSize:          bins.ChunkSize,
		BlockSize:          segstore.BlockSize,
		MaxCapacity:        DefaultMaxCapacity,
		DefaultCapacity:    cap,
		MaxPerCPUCacheSize: objcache.DefaultConfig().MaxBytes,
		NumCachesPerCPU:    objcache.DefaultConfig().CachesPerCPU,
		UseSortedBin:       true,
	}
}

// LoadConfig reads a YAML override file and merges it onto
// DefaultConfig. A missing file is not an error: it simply yields the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("storage: reading config %s: %w", path, err)
	}
	var override Config
	if err := yaml.Unmarshal(b, &override); err != nil {
		return Config{}, fmt.Errorf("storage: parsing config %s: %w", path, err)
	}
	if err := mergeCompileTimeFields(&cfg, override); err != nil {
		return Config{}, err
	}
	mergeRuntimeFields(&cfg, override)
	return cfg, nil
}

func mergeCompileTimeFields(cfg *Config, override Config) error {
	if override.ChunkSize != 0 && override.ChunkSize != cfg.ChunkSize {
		return fmt.Errorf("storage: config requests chunkSize %d, but this build is compiled for %d", override.ChunkSize, cfg.ChunkSize)
	}
	if override.BlockSize != 0 && override.BlockSize != cfg.BlockSize {
		return fmt.Errorf("storage: config requests blockSize %d, but this build is compiled for %d", override.BlockSize, cfg.BlockSize)
	}
	return nil
}

func mergeRuntimeFields(cfg *Config, override Config) {
	if override.MaxCapacity != 0 {
		cfg.MaxCapacity = override.MaxCapacity
	}
	if override.DefaultCapacity != 0 {
		cfg.DefaultCapacity = override.DefaultCapacity
	}
	if override.MaxPerCPUCacheSize != 0 {
		cfg.MaxPerCPUCacheSize = override.MaxPerCPUCacheSize
	}
	if override.NumCachesPerCPU != 0 {
		cfg.NumCachesPerCPU = override.NumCachesPerCPU
	}
	cfg.DisableConcurrency = override.DisableConcurrency
	cfg.DisableFreeFileSpace = override.DisableFreeFileSpace
	cfg.FreeSmallObjectSizeHint = override.FreeSmallObjectSizeHint
	cfg.CompressDirectories = override.CompressDirectories
	if override.UseSortedBin {
		cfg.UseSortedBin = true
	}
}
