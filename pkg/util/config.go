// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/huandu/go-clone"
)

// AggrOptions tunes the radix partitioned aggregation.
type AggrOptions struct {
	Threads          int `toml:"threads"`
	InitialRadixBits int `toml:"initialRadixBits"`
	MaxRadixBits     int `toml:"maxRadixBits"`
	//bits added by one repartition
	RepartitionBits      int     `toml:"repartitionBits"`
	RepartitionMinGroups int     `toml:"repartitionMinGroups"`
	SkewFactor           float64 `toml:"skewFactor"`
	//empty or "0" means no budget
	PartitionMemoryLimit string `toml:"partitionMemoryLimit"`
	InitialCapacity      int    `toml:"initialCapacity"`
	ScanTaskSize         int    `toml:"scanTaskSize"`
	DisableAbandon       bool   `toml:"disableAbandon"`
}

type MemoryOptions struct {
	//empty or "0" means no limit
	Limit         string `toml:"limit"`
	BlockSize     string `toml:"blockSize"`
	TempDir       string `toml:"tempDir"`
	CompressSpill bool   `toml:"compressSpill"`
}

type LogOptions struct {
	Level       string   `toml:"level"`
	Encoding    string   `toml:"encoding"`
	Development bool     `toml:"development"`
	OutputPaths []string `toml:"outputPaths"`
}

type DebugOptions struct {
	PrintResult       bool `toml:"printResult"`
	PrintPlan         bool `toml:"printPlan"`
	MaxOutputRowCount int  `toml:"maxOutputRowCount"`
}

// WorkloadOptions describes the input fed by the tester.
type WorkloadOptions struct {
	//gen, csv, parquet
	Format string `toml:"format"`
	Path   string `toml:"path"`
	//column types of csv and parquet files
	Types  []string `toml:"types"`
	Comma  string   `toml:"comma"`
	Header bool     `toml:"header"`
	//generator
	Rows         int    `toml:"rows"`
	Keys         int    `toml:"keys"`
	KeyColumns   int    `toml:"keyColumns"`
	Seed         int64  `toml:"seed"`
	Distribution string `toml:"distribution"`
	//query
	Groups  []int    `toml:"groups"`
	Aggrs   []string `toml:"aggrs"`
	Sets    string   `toml:"sets"`
	Sources int      `toml:"sources"`
}

type Config struct {
	Aggr     AggrOptions     `toml:"aggr"`
	Memory   MemoryOptions   `toml:"memory"`
	Log      LogOptions      `toml:"log"`
	Debug    DebugOptions    `toml:"debug"`
	Workload WorkloadOptions `toml:"workload"`
}

func DefaultConfig() *Config {
	return &Config{
		Aggr: AggrOptions{
			Threads:              runtime.GOMAXPROCS(0),
			InitialRadixBits:     4,
			MaxRadixBits:         10,
			RepartitionBits:      2,
			RepartitionMinGroups: 64 * 1024,
			SkewFactor:           4,
			InitialCapacity:      2 * DefaultVectorSize,
			ScanTaskSize:         64 * 1024,
		},
		Memory: MemoryOptions{
			BlockSize: "256KiB",
		},
		Log: LogOptions{
			Level:    "info",
			Encoding: "console",
		},
		Workload: WorkloadOptions{
			Format:       "gen",
			Rows:         1000000,
			Keys:         100,
			KeyColumns:   1,
			Seed:         1,
			Distribution: "uniform",
			Groups:       []int{0},
			Aggrs:        []string{"sum(1)", "count_star()"},
			Sources:      8,
		},
	}
}

// LoadConfig decodes a toml file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Clone() *Config {
	return clone.Clone(cfg).(*Config)
}

func (cfg *Config) Validate() error {
	aggr := &cfg.Aggr
	if aggr.Threads <= 0 {
		aggr.Threads = 1
	}
	if aggr.InitialRadixBits < 0 || aggr.MaxRadixBits > 16 {
		return errors.Newf("radix bits out of range [0,16]: initial %d max %d",
			aggr.InitialRadixBits, aggr.MaxRadixBits)
	}
	if aggr.InitialRadixBits > aggr.MaxRadixBits {
		return errors.Newf("initial radix bits %d exceed max radix bits %d",
			aggr.InitialRadixBits, aggr.MaxRadixBits)
	}
	if aggr.RepartitionBits <= 0 {
		aggr.RepartitionBits = 1
	}
	if aggr.SkewFactor < 1 {
		aggr.SkewFactor = 1
	}
	if aggr.ScanTaskSize <= 0 {
		aggr.ScanTaskSize = DefaultVectorSize
	}
	if _, err := aggr.PartitionMemoryLimitBytes(); err != nil {
		return err
	}
	if _, err := cfg.Memory.LimitBytes(); err != nil {
		return err
	}
	if _, err := cfg.Memory.BlockSizeBytes(); err != nil {
		return err
	}
	return nil
}

func (aggr *AggrOptions) PartitionMemoryLimitBytes() (int64, error) {
	return parseBytes(aggr.PartitionMemoryLimit, "aggr.partitionMemoryLimit")
}

func (mem *MemoryOptions) LimitBytes() (int64, error) {
	return parseBytes(mem.Limit, "memory.limit")
}

func (mem *MemoryOptions) BlockSizeBytes() (int64, error) {
	sz, err := parseBytes(mem.BlockSize, "memory.blockSize")
	if err != nil {
		return 0, err
	}
	if sz == 0 {
		sz = 256 * 1024
	}
	return sz, nil
}

func parseBytes(s string, name string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	sz, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", name, s)
	}
	if sz < 0 {
		return 0, errors.Newf("invalid %s %q", name, s)
	}
	return sz, nil
}

func BytesSize(sz int64) string {
	return units.BytesSize(float64(sz))
}
