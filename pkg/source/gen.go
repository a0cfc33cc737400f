package source

import (
	"context"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/twmb/murmur3"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/util"
)

// GenOptions describes a synthetic table of KeyColumns BIGINT key columns
// followed by one BIGINT value column. Every cell is a function of
// (Seed, row, column), so any split of the rows yields the same table.
type GenOptions struct {
	Rows       int64
	Keys       int64
	KeyColumns int
	Seed       int64
	//uniform or skewed
	Distribution string
}

func (opts *GenOptions) validate() error {
	if opts.Rows < 0 {
		return errors.Newf("invalid rows %d", opts.Rows)
	}
	if opts.Keys <= 0 {
		return errors.Newf("invalid keys %d", opts.Keys)
	}
	if opts.KeyColumns <= 0 {
		opts.KeyColumns = 1
	}
	switch opts.Distribution {
	case "":
		opts.Distribution = "uniform"
	case "uniform", "skewed":
	default:
		return errors.Newf("unsupported distribution %q", opts.Distribution)
	}
	return nil
}

// Split cuts the rows into n sources of adjacent ranges.
func (opts *GenOptions) Split(n int) ([]Source, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	n = max(n, 1)
	ret := make([]Source, 0, n)
	for i := 0; i < n; i++ {
		begin := opts.Rows * int64(i) / int64(n)
		end := opts.Rows * int64(i+1) / int64(n)
		ret = append(ret, &Generator{_opts: *opts, _pos: begin, _end: end})
	}
	return ret, nil
}

// Generator produces rows [_pos, _end) of the synthetic table.
type Generator struct {
	_opts GenOptions
	_pos  int64
	_end  int64
}

func NewGenerator(opts GenOptions, begin, end int64) (*Generator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Generator{_opts: opts, _pos: begin, _end: end}, nil
}

func (gen *Generator) Types() []common.LType {
	ret := make([]common.LType, gen._opts.KeyColumns+1)
	for i := range ret {
		ret[i] = common.BigintType()
	}
	return ret
}

func (gen *Generator) Next(ctx context.Context, out *chunk.Chunk) error {
	n := min(int64(util.DefaultVectorSize), gen._end-gen._pos)
	if n <= 0 {
		out.SetCard(0)
		return nil
	}
	for col := 0; col <= gen._opts.KeyColumns; col++ {
		data := chunk.GetSliceInPhyFormatFlat[int64](out.Data[col])
		for i := int64(0); i < n; i++ {
			data[i] = gen._opts.Cell(gen._pos+i, col)
		}
	}
	gen._pos += n
	out.SetCard(int(n))
	return nil
}

func (gen *Generator) Close() error {
	return nil
}

// Cell returns the value of column col in row.
func (opts *GenOptions) Cell(row int64, col int) int64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(row))
	binary.LittleEndian.PutUint64(buf[8:], uint64(col))
	h := murmur3.SeedSum64(uint64(opts.Seed), buf[:])
	if col == opts.KeyColumns {
		return int64(h%2001) - 1000
	}
	if opts.Distribution == "skewed" {
		u := float64(h>>11) / (1 << 53)
		return min(int64(u*u*u*float64(opts.Keys)), opts.Keys-1)
	}
	return int64(h % uint64(opts.Keys))
}
