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

// Package source produces input batches for the aggregation operator:
// synthetic rows, csv files and parquet files.
package source

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/util"
)

// Source fills a batch per call to Next. An empty batch marks the end.
type Source interface {
	Types() []common.LType
	Next(ctx context.Context, out *chunk.Chunk) error
	Close() error
}

// ParseTypes parses type names like "bigint,varchar,decimal(10,2)".
func ParseTypes(names []string) ([]common.LType, error) {
	ret := make([]common.LType, 0, len(names))
	for _, name := range names {
		typ, err := common.ParseLType(strings.ToLower(strings.TrimSpace(name)))
		if err != nil {
			return nil, err
		}
		ret = append(ret, typ)
	}
	return ret, nil
}

// Open builds n sources for the workload. Generated rows are split into
// n disjoint ranges. A file is read by a single source.
func Open(opts *util.WorkloadOptions, n int) ([]Source, error) {
	switch opts.Format {
	case "", "gen":
		gen := &GenOptions{
			Rows:         int64(opts.Rows),
			Keys:         int64(opts.Keys),
			KeyColumns:   opts.KeyColumns,
			Seed:         opts.Seed,
			Distribution: opts.Distribution,
		}
		return gen.Split(n)
	case "csv", "parquet":
		types, err := ParseTypes(opts.Types)
		if err != nil {
			return nil, err
		}
		var src Source
		if opts.Format == "csv" {
			src, err = OpenCSV(opts.Path, types, opts.Comma, opts.Header)
		} else {
			src, err = OpenParquet(opts.Path, types)
		}
		if err != nil {
			return nil, err
		}
		return []Source{src}, nil
	default:
		return nil, errors.Newf("unsupported workload format %q", opts.Format)
	}
}

// CloseAll closes every source and keeps the first error.
func CloseAll(sources []Source) error {
	var ret error
	for _, src := range sources {
		if err := src.Close(); err != nil && ret == nil {
			ret = err
		}
	}
	return ret
}
