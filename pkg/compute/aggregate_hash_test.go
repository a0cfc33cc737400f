package compute

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/storage"
	"github.com/daviszhen/radixagg/pkg/util"
)

func newSumCountTable(t *testing.T, mgr *storage.BufferManager) *GroupedAggrHashTable {
	table, err := NewGroupedAggrHashTable(bigintTypes(1), sumCountAggrs(t), 0, mgr)
	require.NoError(t, err)
	return table
}

// addKeys aggregates (key, key) for every key.
func addKeys(t *testing.T, table *GroupedAggrHashTable, keys []int64) (int, error) {
	state := NewAggrHTAppendState()
	newGroups := 0
	for begin := 0; begin < len(keys); begin += util.DefaultVectorSize {
		end := min(begin+util.DefaultVectorSize, len(keys))
		groups := newBigintChunk(keys[begin:end])
		payload := newBigintChunk(keys[begin:end])
		n, err := table.AddChunk(state, groups, hashChunk(groups), payload, nil)
		if err != nil {
			return newGroups, err
		}
		newGroups += n
	}
	return newGroups, nil
}

func scanSumCount(t *testing.T, table *GroupedAggrHashTable) map[int64]groupResult {
	result := &chunk.Chunk{}
	result.Init(bigintTypes(3), util.DefaultVectorSize)
	ret := make(map[int64]groupResult)
	state := NewAggrHTScanState(0, table.Count())
	for !state.Done() {
		result.Reset()
		n, err := table.Scan(state, result)
		require.NoError(t, err)
		require.Greater(t, n, 0)
		for k, v := range collectSumCount(t, result) {
			_, dup := ret[k]
			require.False(t, dup)
			ret[k] = v
		}
	}
	return ret
}

func TestGroupedAggrHashTable_Resize(t *testing.T) {
	mgr := storage.NewUnlimitedBufferManager()
	table := newSumCountTable(t, mgr)
	initCap := table.Capacity()

	keys := seq(0, 10000)
	newGroups, err := addKeys(t, table, keys)
	require.NoError(t, err)
	assert.Equal(t, 10000, newGroups)
	newGroups, err = addKeys(t, table, keys)
	require.NoError(t, err)
	assert.Equal(t, 0, newGroups)

	assert.Equal(t, 10000, table.Count())
	assert.Equal(t, int64(20000), table.RowCount())
	assert.Greater(t, table.Capacity(), initCap)
	assert.LessOrEqual(t, table.Count(), table.ResizeThreshold())
	table.Verify()

	res := scanSumCount(t, table)
	require.Len(t, res, 10000)
	for _, key := range keys {
		assert.Equal(t, groupResult{sum: 2 * key, count: 2}, res[key])
	}

	table.Close()
	table.Close()
	assert.Equal(t, int64(0), mgr.Used())
}

func TestGroupedAggrHashTable_OutOfMemory(t *testing.T) {
	mgr, err := storage.NewBufferManager(util.MemoryOptions{Limit: "96KiB", BlockSize: "4KiB"})
	require.NoError(t, err)
	table := newSumCountTable(t, mgr)

	inserted := int64(0)
	for i := 0; i < 100; i++ {
		_, err = addKeys(t, table, seq(inserted, inserted+200))
		if err != nil {
			break
		}
		inserted += 200
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrOutOfMemory))
	assert.Greater(t, inserted, int64(0))

	//the failed batch left no trace
	table.Verify()
	assert.Equal(t, int(inserted), table.Count())
	assert.Equal(t, inserted, table.RowCount())
	assert.LessOrEqual(t, mgr.Used(), mgr.Limit())

	res := scanSumCount(t, table)
	require.Len(t, res, int(inserted))
	for key := int64(0); key < inserted; key++ {
		assert.Equal(t, groupResult{sum: key, count: 1}, res[key])
	}

	table.Close()
	assert.Equal(t, int64(0), mgr.Used())
}

func TestGroupedAggrHashTable_MaterializeCombineBlock(t *testing.T) {
	mgr := storage.NewUnlimitedBufferManager()
	src := newSumCountTable(t, mgr)
	_, err := addKeys(t, src, seq(0, 100))
	require.NoError(t, err)
	_, err = addKeys(t, src, seq(0, 50))
	require.NoError(t, err)

	blks := src.Materialize(30)
	src.Close()
	require.Len(t, blks, 4)
	groups := 0
	rows := int64(0)
	for _, blk := range blks {
		assert.LessOrEqual(t, blk.Count(), 30)
		groups += blk.Count()
		rows += blk.RowCount()
	}
	assert.Equal(t, 100, groups)
	assert.Equal(t, int64(150), rows)

	dst := newSumCountTable(t, mgr)
	_, err = addKeys(t, dst, seq(90, 110))
	require.NoError(t, err)
	for _, blk := range blks {
		require.NoError(t, dst.CombineBlock(blk))
		require.NoError(t, blk.release(mgr))
	}
	dst.Verify()
	assert.Equal(t, 110, dst.Count())
	assert.Equal(t, int64(170), dst.RowCount())

	res := scanSumCount(t, dst)
	for key := int64(0); key < 110; key++ {
		cnt := int64(0)
		if key < 50 {
			cnt++
		}
		if key < 100 {
			cnt++
		}
		if key >= 90 {
			cnt++
		}
		assert.Equal(t, groupResult{sum: cnt * key, count: cnt}, res[key], "key %d", key)
	}
	dst.Close()
	assert.Equal(t, int64(0), mgr.Used())
}

func TestGroupedAggrHashTable_Combine(t *testing.T) {
	mgr := storage.NewUnlimitedBufferManager()
	lhs := newSumCountTable(t, mgr)
	rhs := newSumCountTable(t, mgr)
	_, err := addKeys(t, lhs, seq(0, 3000))
	require.NoError(t, err)
	_, err = addKeys(t, rhs, seq(1500, 4500))
	require.NoError(t, err)

	require.NoError(t, lhs.Combine(rhs))
	rhs.Close()
	lhs.Verify()
	assert.Equal(t, 4500, lhs.Count())
	assert.Equal(t, int64(6000), lhs.RowCount())

	res := scanSumCount(t, lhs)
	for key := int64(0); key < 4500; key++ {
		cnt := int64(1)
		if key >= 1500 && key < 3000 {
			cnt = 2
		}
		assert.Equal(t, groupResult{sum: cnt * key, count: cnt}, res[key])
	}
	lhs.Close()
	assert.Equal(t, int64(0), mgr.Used())
}

func TestGroupedAggrHashTable_NullAndVarcharKeys(t *testing.T) {
	mgr := storage.NewUnlimitedBufferManager()
	cnt, err := GetAggrFunction("count_star", nil)
	require.NoError(t, err)
	groupTypes := []common.LType{common.VarcharType(), common.BigintType()}
	table, err := NewGroupedAggrHashTable(groupTypes, []*AggrObject{NewAggrObject(cnt, false)}, 0, mgr)
	require.NoError(t, err)
	defer table.Close()

	groups := &chunk.Chunk{}
	groups.Init(groupTypes, util.DefaultVectorSize)
	strs := []string{"a", "", "a", "bb", "", "a"}
	for i, s := range strs {
		str := &chunk.Value{Typ: common.VarcharType(), Str: s}
		num := &chunk.Value{Typ: common.BigintType(), I64: 1}
		//rows 1 and 4 are NULL, not the empty string
		if i == 1 || i == 4 {
			str.IsNull = true
		}
		//row 5 differs only in the second column
		if i == 5 {
			num.IsNull = true
		}
		groups.Data[0].SetValue(i, str)
		groups.Data[1].SetValue(i, num)
	}
	groups.SetCard(len(strs))
	payload := &chunk.Chunk{}
	payload.Init(nil, util.DefaultVectorSize)
	payload.SetCard(len(strs))

	newGroups, err := table.AddChunk(NewAggrHTAppendState(), groups, hashChunk(groups), payload, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, newGroups)

	result := &chunk.Chunk{}
	result.Init([]common.LType{common.VarcharType(), common.BigintType(), common.BigintType()}, util.DefaultVectorSize)
	n, err := table.Scan(NewAggrHTScanState(0, table.Count()), result)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	got := make(map[string]int64)
	for i := 0; i < n; i++ {
		row := result.Row(i)
		got[row[0].String()+"/"+row[1].String()] = row[2].I64
	}
	assert.Equal(t, map[string]int64{
		"a/1":    2,
		"NULL/1": 2,
		"bb/1":   1,
		"a/NULL": 1,
	}, got)
}

func TestGroupedAggrHashTable_KeyRoundTrip(t *testing.T) {
	mgr := storage.NewUnlimitedBufferManager()
	cnt, err := GetAggrFunction("count_star", nil)
	require.NoError(t, err)
	groupTypes := []common.LType{
		common.BigintType(),
		common.BooleanType(),
		common.TinyintType(),
		common.SmallintType(),
		common.IntegerType(),
		common.UbigintType(),
		common.FloatType(),
		common.DoubleType(),
		common.DecimalType(19, 0),
		common.DecimalType(19, 4),
		common.DateType(),
		common.VarcharType(),
	}
	dec := func(s string) common.Decimal {
		d, err := common.ParseDecimal(s)
		require.NoError(t, err)
		return d
	}
	type keyRow struct {
		b    bool
		i8   int64
		i16  int64
		i32  int64
		u64  uint64
		f32  float64
		f64  float64
		d0   common.Decimal
		d4   common.Decimal
		day  int64
		str  string
		null bool
	}
	rows := []keyRow{
		{true, math.MaxInt8, math.MaxInt16, math.MaxInt32, math.MaxUint64, 1.5, math.MaxFloat64,
			dec("9999999999999999999"), dec("999999999999999.9999"), 19000, "max", false},
		{false, math.MinInt8, math.MinInt16, math.MinInt32, 0, -2.25, -math.SmallestNonzeroFloat64,
			dec("-9999999999999999999"), dec("-999999999999999.9999"), -1, "", false},
		{true, 0, 0, 0, math.MaxInt64 + 1, 0.5, 0.1,
			dec("9223372036854775808"), dec("0.0001"), 0, "19 digits", false},
		{false, -1, 7, 42, 12345, 3, 1e300,
			dec("-9223372036854775809"), dec("-0.0050"), 20000, "\x00bin", false},
		{null: true},
	}
	groups := &chunk.Chunk{}
	groups.Init(groupTypes, util.DefaultVectorSize)
	for i, r := range rows {
		vals := []*chunk.Value{
			{I64: int64(i)},
			{Bool: r.b},
			{I64: r.i8},
			{I64: r.i16},
			{I64: r.i32},
			{U64: r.u64},
			{F64: r.f32},
			{F64: r.f64},
			{Dec: r.d0},
			{Dec: r.d4},
			{I64: r.day},
			{Str: r.str},
		}
		for j, val := range vals {
			val.Typ = groupTypes[j]
			val.IsNull = r.null && j > 0
			groups.Data[j].SetValue(i, val)
		}
	}
	groups.SetCard(len(rows))
	payload := &chunk.Chunk{}
	payload.Init(nil, util.DefaultVectorSize)
	payload.SetCard(len(rows))

	table, err := NewGroupedAggrHashTable(groupTypes, []*AggrObject{NewAggrObject(cnt, false)}, 0, mgr)
	require.NoError(t, err)
	defer table.Close()
	newGroups, err := table.AddChunk(NewAggrHTAppendState(), groups, hashChunk(groups), payload, nil)
	require.NoError(t, err)
	require.Equal(t, len(rows), newGroups)
	//same keys again
	newGroups, err = table.AddChunk(NewAggrHTAppendState(), groups, hashChunk(groups), payload, nil)
	require.NoError(t, err)
	require.Equal(t, 0, newGroups)

	result := &chunk.Chunk{}
	result.Init(append(groupTypes, common.BigintType()), util.DefaultVectorSize)
	n, err := table.Scan(NewAggrHTScanState(0, table.Count()), result)
	require.NoError(t, err)
	require.Equal(t, len(rows), n)
	for i := 0; i < n; i++ {
		got := result.Row(i)
		id := int(got[0].I64)
		require.Less(t, id, len(rows))
		for j := range groupTypes {
			want := groups.Data[j].GetValue(id)
			assert.True(t, want.Equal(got[j]), "row %d column %d: want %v got %v", id, j, want, got[j])
		}
		assert.Equal(t, int64(2), got[len(groupTypes)].I64)
	}
}
