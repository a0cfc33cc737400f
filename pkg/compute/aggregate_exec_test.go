package compute

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/storage"
	"github.com/daviszhen/radixagg/pkg/util"
)

// chunkSource replays prepared batches.
type chunkSource struct {
	_chunks []*chunk.Chunk
	_pos    int
}

func (src *chunkSource) Types() []common.LType {
	return src._chunks[0].Types()
}

func (src *chunkSource) Next(ctx context.Context, out *chunk.Chunk) error {
	if src._pos >= len(src._chunks) {
		out.SetCard(0)
		return nil
	}
	out.Append(src._chunks[src._pos])
	src._pos++
	return nil
}

// abSources feeds (row%3, row%2, 1) for rows [0,rows) from n sources.
func abSources(rows, n int) []BatchSource {
	ret := make([]BatchSource, n)
	for i := range ret {
		ret[i] = &chunkSource{}
	}
	for begin := 0; begin < rows; begin += 100 {
		end := min(begin+100, rows)
		var a, b, v []int64
		for row := begin; row < end; row++ {
			a = append(a, int64(row%3))
			b = append(b, int64(row%2))
			v = append(v, 1)
		}
		src := ret[(begin/100)%n].(*chunkSource)
		src._chunks = append(src._chunks, newBigintChunk(a, b, v))
	}
	return ret
}

func newAbAggr(t *testing.T, mgr *storage.BufferManager, sets []GroupingSet, groupingFuncs [][]int) *HashAggr {
	aggr, err := NewHashAggr(
		bigintTypes(2),
		sumCountAggrs(t),
		sets,
		groupingFuncs,
		testAggrOptions(),
		mgr)
	require.NoError(t, err)
	return aggr
}

// rowStrings renders the result rows as "v1/v2/...".
func rowStrings(res *chunk.Chunk) map[string]int {
	ret := make(map[string]int)
	for i := 0; i < res.Card(); i++ {
		vals := res.Row(i)
		strs := make([]string, len(vals))
		for j, val := range vals {
			strs[j] = val.String()
		}
		ret[strings.Join(strs, "/")]++
	}
	return ret
}

func TestRunParallel(t *testing.T) {
	const rows, keys = 1000000, 100
	mgr := storage.NewUnlimitedBufferManager()
	aggr := newSumCountAggr(t, testAggrOptions(), mgr)
	res, err := RunParallel(context.Background(), aggr, splitSources(rows, keys, 8))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, referenceSumCount(rows, keys), collectSumCount(t, res))
	assert.Equal(t, int64(0), mgr.Used())
}

func TestRunParallel_MemoryLimit(t *testing.T) {
	const rows, keys = 300000, 60000
	cfg := testAggrOptions()
	cfg.PartitionMemoryLimit = "32KiB"
	mgr, err := storage.NewBufferManager(util.MemoryOptions{
		Limit:     "32MiB",
		BlockSize: "8KiB",
		TempDir:   t.TempDir(),
	})
	require.NoError(t, err)
	defer mgr.Close()
	aggr := newSumCountAggr(t, cfg, mgr)
	res, err := RunParallel(context.Background(), aggr, splitSources(rows, keys, 16))
	require.NoError(t, err)
	assert.Equal(t, referenceSumCount(rows, keys), collectSumCount(t, res))
	assert.LessOrEqual(t, mgr.Peak(), mgr.Limit())
	assert.Equal(t, int64(0), mgr.Used())
	assert.Equal(t, 0, mgr.SpillFileCount())
}

func TestRunParallel_Cube(t *testing.T) {
	sets := CubeGroupingSets(2)
	require.Len(t, sets, 4)
	aggr := newAbAggr(t, storage.NewUnlimitedBufferManager(), sets, [][]int{{0, 1}})
	assert.Len(t, aggr.Types(), 5)

	res, err := RunParallel(context.Background(), aggr, abSources(600, 3))
	require.NoError(t, err)
	want := map[string]int{
		"NULL/NULL/600/600/3": 1,
		"NULL/0/300/300/2":    1,
		"NULL/1/300/300/2":    1,
		"0/NULL/200/200/1":    1,
		"1/NULL/200/200/1":    1,
		"2/NULL/200/200/1":    1,
	}
	for a := 0; a < 3; a++ {
		for b := 0; b < 2; b++ {
			want[fmt.Sprintf("%d/%d/100/100/0", a, b)] = 1
		}
	}
	assert.Equal(t, want, rowStrings(res))
}

func TestRunParallel_Rollup(t *testing.T) {
	aggr := newAbAggr(t, storage.NewUnlimitedBufferManager(), RollupGroupingSets(2), [][]int{{0}, {1}})
	res, err := RunParallel(context.Background(), aggr, abSources(600, 2))
	require.NoError(t, err)
	want := map[string]int{
		"NULL/NULL/600/600/1/1": 1,
		"0/NULL/200/200/0/1":    1,
		"1/NULL/200/200/0/1":    1,
		"2/NULL/200/200/0/1":    1,
	}
	for a := 0; a < 3; a++ {
		for b := 0; b < 2; b++ {
			want[fmt.Sprintf("%d/%d/100/100/0/0", a, b)] = 1
		}
	}
	assert.Equal(t, want, rowStrings(res))
}

func TestRunParallel_EmptyGroupingSet(t *testing.T) {
	const rows = 5000
	aggr, err := NewHashAggr(
		bigintTypes(1),
		sumCountAggrs(t),
		[]GroupingSet{NewGroupingSet()},
		nil,
		testAggrOptions(),
		storage.NewUnlimitedBufferManager())
	require.NoError(t, err)
	res, err := RunParallel(context.Background(), aggr, splitSources(rows, 10, 3))
	require.NoError(t, err)
	require.Equal(t, 1, res.Card())

	sum := int64(0)
	for row := int64(0); row < rows; row++ {
		sum += genVal(row)
	}
	row := res.Row(0)
	assert.True(t, row[0].IsNull)
	assert.Equal(t, sum, row[1].I64)
	assert.Equal(t, int64(rows), row[2].I64)
}

func TestRunParallel_EmptyInput(t *testing.T) {
	emptySources := func(n int) []BatchSource {
		ret := make([]BatchSource, n)
		for i := range ret {
			ret[i] = &chunkSource{_chunks: []*chunk.Chunk{newBigintChunk(nil, nil, nil)}}
		}
		return ret
	}
	mgr := storage.NewUnlimitedBufferManager()

	//only the grand total survives
	aggr := newAbAggr(t, mgr, CubeGroupingSets(2), [][]int{{0, 1}})
	res, err := RunParallel(context.Background(), aggr, emptySources(3))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"NULL/NULL/NULL/0/3": 1}, rowStrings(res))

	aggr = newAbAggr(t, mgr, []GroupingSet{NewGroupingSet()}, nil)
	gstate := aggr.GetGlobalSinkState()
	require.NoError(t, sinkAll(aggr, gstate, emptySources(2)))
	require.NoError(t, aggr.Finalize(context.Background(), gstate))
	assert.Equal(t, 1, aggr.Count(gstate))
	res = scanAll(t, aggr, gstate, 3)
	assert.Equal(t, map[string]int{"NULL/NULL/NULL/0": 1}, rowStrings(res))
	require.NoError(t, aggr.Close(gstate))

	aggr = newAbAggr(t, mgr, nil, nil)
	res, err = RunParallel(context.Background(), aggr, emptySources(2))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Card())
	assert.Equal(t, int64(0), mgr.Used())
}

func TestRunParallel_FilterAggregate(t *testing.T) {
	sum, err := GetAggrFunction("sum", []common.LType{common.BigintType()})
	require.NoError(t, err)
	cnt, err := GetAggrFunction("count_star", nil)
	require.NoError(t, err)
	aggr, err := NewHashAggr(
		bigintTypes(1),
		[]*AggrObject{NewAggrObject(sum, true), NewAggrObject(cnt, false)},
		nil,
		nil,
		testAggrOptions(),
		storage.NewUnlimitedBufferManager())
	require.NoError(t, err)
	require.Equal(t,
		[]common.LType{common.BigintType(), common.BigintType(), common.BooleanType()},
		aggr.InputTypes())

	//key 0 passes every row, key 1 only even values, key 2 none
	batch := &chunk.Chunk{}
	batch.Init(aggr.InputTypes(), util.DefaultVectorSize)
	for i := 0; i < 300; i++ {
		key := int64(i % 3)
		val := int64(i)
		pass := key == 0 || (key == 1 && val%2 == 0)
		batch.Data[0].SetValue(i, &chunk.Value{Typ: common.BigintType(), I64: key})
		batch.Data[1].SetValue(i, &chunk.Value{Typ: common.BigintType(), I64: val})
		batch.Data[2].SetValue(i, &chunk.Value{Typ: common.BooleanType(), Bool: pass})
	}
	batch.SetCard(300)

	res, err := RunParallel(context.Background(), aggr,
		[]BatchSource{&chunkSource{_chunks: []*chunk.Chunk{batch}}})
	require.NoError(t, err)
	want := map[string]int{}
	sums := [3]int64{}
	for i := 0; i < 300; i++ {
		if i%3 == 0 || (i%3 == 1 && i%2 == 0) {
			sums[i%3] += int64(i)
		}
	}
	want[fmt.Sprintf("0/%d/100", sums[0])] = 1
	want[fmt.Sprintf("1/%d/100", sums[1])] = 1
	want["2/NULL/100"] = 1
	assert.Equal(t, want, rowStrings(res))
}

func TestRunParallel_VarcharKeys(t *testing.T) {
	cnt, err := GetAggrFunction("count_star", nil)
	require.NoError(t, err)
	types := []common.LType{common.VarcharType()}
	aggr, err := NewHashAggr(types, []*AggrObject{NewAggrObject(cnt, false)},
		nil, nil, testAggrOptions(), storage.NewUnlimitedBufferManager())
	require.NoError(t, err)

	var sources []BatchSource
	for s := 0; s < 4; s++ {
		src := &chunkSource{}
		for b := 0; b < 5; b++ {
			batch := &chunk.Chunk{}
			batch.Init(types, util.DefaultVectorSize)
			for i := 0; i < 1000; i++ {
				val := &chunk.Value{Typ: common.VarcharType(), Str: fmt.Sprintf("key-%03d", i%250)}
				if i%250 == 0 {
					val.IsNull = true
				}
				batch.Data[0].SetValue(i, val)
			}
			batch.SetCard(1000)
			src._chunks = append(src._chunks, batch)
		}
		sources = append(sources, src)
	}

	res, err := RunParallel(context.Background(), aggr, sources)
	require.NoError(t, err)
	want := map[string]int{"NULL/80": 1}
	for i := 1; i < 250; i++ {
		want[fmt.Sprintf("key-%03d/80", i)] = 1
	}
	assert.Equal(t, want, rowStrings(res))
}

func TestRunParallel_KernelFailure(t *testing.T) {
	util.OpenFaults(util.FAULTS_SCOPE_AGGR)
	defer util.CloseFaults(util.FAULTS_SCOPE_AGGR)
	var calls atomic.Int64
	util.RegisterFault(util.FAULTS_SCOPE_AGGR, util.FaultKernelUpdate, 0, nil,
		func([]string) error {
			if calls.Add(1) == 50 {
				return errors.New("injected kernel failure")
			}
			return nil
		})

	mgr := storage.NewUnlimitedBufferManager()
	aggr := newSumCountAggr(t, testAggrOptions(), mgr)
	res, err := RunParallel(context.Background(), aggr, splitSources(200000, 1000, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injected kernel failure")
	assert.Nil(t, res)
	assert.Equal(t, int64(0), mgr.Used())
}

func TestRunParallel_SumOverflow(t *testing.T) {
	mgr := storage.NewUnlimitedBufferManager()
	aggr := newSumCountAggr(t, testAggrOptions(), mgr)
	batch := newBigintChunk([]int64{7, 7}, []int64{math.MaxInt64, math.MaxInt64})
	res, err := RunParallel(context.Background(), aggr,
		[]BatchSource{&chunkSource{_chunks: []*chunk.Chunk{batch}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSumOverflow))
	assert.Nil(t, res)
	assert.Equal(t, int64(0), mgr.Used())
}

func TestRunParallel_Canceled(t *testing.T) {
	mgr := storage.NewUnlimitedBufferManager()
	aggr := newSumCountAggr(t, testAggrOptions(), mgr)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := RunParallel(ctx, aggr, splitSources(100000, 100, 2))
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
	assert.Equal(t, int64(0), mgr.Used())
}

func TestNewHashAggr_InvalidGroupingSet(t *testing.T) {
	_, err := NewHashAggr(bigintTypes(2), sumCountAggrs(t),
		[]GroupingSet{NewGroupingSet(0, 2)}, nil,
		testAggrOptions(), storage.NewUnlimitedBufferManager())
	assert.Error(t, err)
}

func TestHashAggr_Explain(t *testing.T) {
	mgr := storage.NewUnlimitedBufferManager()
	aggr := newAbAggr(t, mgr, RollupGroupingSets(2), [][]int{{0, 1}})
	gstate := aggr.GetGlobalSinkState()
	require.NoError(t, sinkAll(aggr, gstate, abSources(1000, 2)))
	require.NoError(t, aggr.Finalize(context.Background(), gstate))

	out := aggr.Explain(gstate)
	for _, want := range []string{"HashAggr:", "groupTypes:", "aggregates:", "groupingFuncs:",
		"partitions", "{0,1}", "{}", "memory:"} {
		assert.Contains(t, out, want)
	}
	assert.Equal(t, 10, aggr.Count(gstate))
	require.NoError(t, aggr.Close(gstate))
	assert.Equal(t, int64(0), mgr.Used())
}
