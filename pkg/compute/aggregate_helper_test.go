package compute

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/storage"
	"github.com/daviszhen/radixagg/pkg/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func bigintTypes(n int) []common.LType {
	ret := make([]common.LType, n)
	for i := range ret {
		ret[i] = common.BigintType()
	}
	return ret
}

func newBigintChunk(cols ...[]int64) *chunk.Chunk {
	n := len(cols[0])
	ret := &chunk.Chunk{}
	ret.Init(bigintTypes(len(cols)), max(n, util.DefaultVectorSize))
	for i, col := range cols {
		copy(chunk.GetSliceInPhyFormatFlat[int64](ret.Data[i]), col)
	}
	ret.SetCard(n)
	return ret
}

func hashChunk(groups *chunk.Chunk) *chunk.Vector {
	hashes := chunk.NewFlatVector(common.HashType(), max(groups.Card(), util.DefaultVectorSize))
	groups.Hash(hashes)
	return hashes
}

func seq(begin, end int64) []int64 {
	ret := make([]int64, 0, end-begin)
	for i := begin; i < end; i++ {
		ret = append(ret, i)
	}
	return ret
}

func genKey(row, keys int64) int64 {
	return (row*7919 + row/3) % keys
}

func genVal(row int64) int64 {
	return row%1000 - 300
}

// genSource produces rows [begin, end) as (key, value) batches.
type genSource struct {
	_pos  int64
	_end  int64
	_keys int64
}

func newGenSource(begin, end, keys int64) *genSource {
	return &genSource{_pos: begin, _end: end, _keys: keys}
}

func (src *genSource) Types() []common.LType {
	return bigintTypes(2)
}

func (src *genSource) Next(ctx context.Context, out *chunk.Chunk) error {
	n := min(int64(util.DefaultVectorSize), src._end-src._pos)
	if n <= 0 {
		out.SetCard(0)
		return nil
	}
	keys := chunk.GetSliceInPhyFormatFlat[int64](out.Data[0])
	vals := chunk.GetSliceInPhyFormatFlat[int64](out.Data[1])
	for i := int64(0); i < n; i++ {
		row := src._pos + i
		keys[i] = genKey(row, src._keys)
		vals[i] = genVal(row)
	}
	src._pos += n
	out.SetCard(int(n))
	return nil
}

// splitSources cuts rows into n sources of uneven sizes.
func splitSources(rows, keys int64, n int) []BatchSource {
	ret := make([]BatchSource, 0, n)
	begin := int64(0)
	for i := 0; i < n; i++ {
		end := rows * int64(i+1) * int64(i+2) / int64(n*(n+1))
		if i == n-1 {
			end = rows
		}
		ret = append(ret, newGenSource(begin, end, keys))
		begin = end
	}
	return ret
}

func sumCountAggrs(t *testing.T) []*AggrObject {
	sum, err := GetAggrFunction("sum", []common.LType{common.BigintType()})
	require.NoError(t, err)
	cnt, err := GetAggrFunction("count_star", nil)
	require.NoError(t, err)
	return []*AggrObject{NewAggrObject(sum, false), NewAggrObject(cnt, false)}
}

func testAggrOptions() util.AggrOptions {
	cfg := util.DefaultConfig().Aggr
	cfg.Threads = 4
	return cfg
}

type groupResult struct {
	sum   int64
	count int64
}

func referenceSumCount(rows, keys int64) map[int64]groupResult {
	ret := make(map[int64]groupResult)
	for row := int64(0); row < rows; row++ {
		key := genKey(row, keys)
		res := ret[key]
		res.sum += genVal(row)
		res.count++
		ret[key] = res
	}
	return ret
}

// collectSumCount reads (key, sum, count) rows.
func collectSumCount(t *testing.T, res *chunk.Chunk) map[int64]groupResult {
	ret := make(map[int64]groupResult)
	for i := 0; i < res.Card(); i++ {
		row := res.Row(i)
		_, dup := ret[row[0].I64]
		require.False(t, dup, "duplicate group %d", row[0].I64)
		ret[row[0].I64] = groupResult{sum: row[1].I64, count: row[2].I64}
	}
	return ret
}

func newSumCountAggr(t *testing.T, cfg util.AggrOptions, mgr *storage.BufferManager) *HashAggr {
	aggr, err := NewHashAggr(
		[]common.LType{common.BigintType()},
		sumCountAggrs(t),
		nil,
		nil,
		cfg,
		mgr)
	require.NoError(t, err)
	return aggr
}

// sinkAll sinks and combines every source on its own goroutine.
func sinkAll(aggr *HashAggr, gstate *HashAggrGlobalSinkState, sources []BatchSource) error {
	eg, ctx := errgroup.WithContext(context.Background())
	for _, src := range sources {
		eg.Go(func() error {
			lstate := aggr.GetLocalSinkState(gstate)
			batch := &chunk.Chunk{}
			batch.Init(src.Types(), util.DefaultVectorSize)
			for {
				batch.Reset()
				if err := src.Next(ctx, batch); err != nil {
					_ = lstate.Close()
					return err
				}
				if batch.Card() == 0 {
					break
				}
				if err := aggr.Sink(gstate, lstate, batch); err != nil {
					_ = lstate.Close()
					return err
				}
			}
			return aggr.Combine(gstate, lstate)
		})
	}
	return eg.Wait()
}

// scanAll reads the finalized result with readers goroutines.
func scanAll(t *testing.T, aggr *HashAggr, gstate *HashAggrGlobalSinkState, readers int) *chunk.Chunk {
	gsrc := aggr.GetGlobalSourceState(gstate)
	defer gsrc.Close()
	result := &chunk.Chunk{}
	result.Init(aggr.Types(), util.DefaultVectorSize)
	var lock sync.Mutex
	eg := errgroup.Group{}
	for i := 0; i < readers; i++ {
		eg.Go(func() error {
			lsrc := aggr.GetLocalSourceState()
			output := &chunk.Chunk{}
			output.Init(aggr.Types(), util.DefaultVectorSize)
			for {
				output.Reset()
				res, err := aggr.GetData(gstate, gsrc, lsrc, output)
				if err != nil {
					return err
				}
				if res == Done {
					return nil
				}
				lock.Lock()
				result.Append(output)
				lock.Unlock()
			}
		})
	}
	require.NoError(t, eg.Wait())
	return result
}
