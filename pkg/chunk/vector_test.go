package chunk

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/radixagg/pkg/common"
)

func newInt32FlatVector(cnt int, fill func(i int) int32, null func(i int) bool) *Vector {
	vec := NewFlatVector(common.IntegerType(), cnt)
	data := GetSliceInPhyFormatFlat[int32](vec)
	for i := 0; i < cnt; i++ {
		data[i] = fill(i)
		if null != nil && null(i) {
			SetNullInPhyFormatFlat(vec, uint64(i), true)
		}
	}
	return vec
}

func hashOf(vec *Vector, cnt int) []uint64 {
	res := NewFlatVector(common.HashType(), cnt)
	HashTypeSwitch(vec, res, nil, cnt, false)
	return append([]uint64{}, GetSliceInPhyFormatFlat[uint64](res)[:cnt]...)
}

func TestVector_ConstAndFlatHashAlike(t *testing.T) {
	cnt := 100
	flat := newInt32FlatVector(cnt, func(int) int32 { return 7 }, nil)
	cons := NewConstVector(common.IntegerType())
	cons.SetValue(0, NewInt64Value(common.IntegerType(), 7))

	assert.Equal(t, hashOf(flat, cnt), hashOf(cons, cnt))
}

func TestVector_NullHash(t *testing.T) {
	cnt := 10
	vec := newInt32FlatVector(cnt,
		func(i int) int32 { return int32(i) },
		func(i int) bool { return i%2 == 0 })
	hashes := hashOf(vec, cnt)
	for i := 0; i < cnt; i++ {
		if i%2 == 0 {
			assert.Equal(t, uint64(NULL_HASH), hashes[i])
		} else {
			assert.NotEqual(t, uint64(NULL_HASH), hashes[i])
		}
	}
}

func TestVector_FloatNormalization(t *testing.T) {
	vec := NewFlatVector(common.DoubleType(), 4)
	data := GetSliceInPhyFormatFlat[float64](vec)
	data[0] = 0
	data[1] = math.Copysign(0, -1)
	data[2] = math.NaN()
	data[3] = math.Float64frombits(0x7ff8000000000001)
	hashes := hashOf(vec, 4)
	assert.Equal(t, hashes[0], hashes[1])
	assert.Equal(t, hashes[2], hashes[3])
}

func TestVector_DecimalHashIgnoresTrailingZeros(t *testing.T) {
	a, err := common.ParseDecimal("1.50")
	require.NoError(t, err)
	b, err := common.ParseDecimal("1.5")
	require.NoError(t, err)
	typ := common.DecimalType(10, 2)
	vec := NewFlatVector(typ, 2)
	vec.SetValue(0, &Value{Typ: typ, Dec: a})
	vec.SetValue(1, &Value{Typ: typ, Dec: b})
	hashes := hashOf(vec, 2)
	assert.Equal(t, hashes[0], hashes[1])
}

func TestVector_Flatten(t *testing.T) {
	vec := NewConstVector(common.VarcharType())
	vec.SetValue(0, &Value{Typ: common.VarcharType(), Str: "abc"})
	vec.Flatten(5)
	require.True(t, vec.PhyFormat().IsFlat())
	for i := 0; i < 5; i++ {
		assert.Equal(t, "abc", vec.GetValue(i).Str)
	}

	null := NewConstVector(common.BigintType())
	SetNullInPhyFormatConst(null, true)
	null.Flatten(3)
	for i := 0; i < 3; i++ {
		assert.True(t, null.GetValue(i).IsNull)
	}
}

func TestChunk_SliceAndAppend(t *testing.T) {
	typs := []common.LType{common.IntegerType(), common.VarcharType()}
	src := &Chunk{}
	src.Init(typs, 8)
	for i := 0; i < 8; i++ {
		src.Data[0].SetValue(i, NewInt64Value(common.IntegerType(), int64(i)))
		src.Data[1].SetValue(i, &Value{Typ: common.VarcharType(), Str: string(rune('a' + i))})
	}
	src.SetCard(8)

	sel := NewSelectVector(3)
	sel.SetIndex(0, 1)
	sel.SetIndex(1, 4)
	sel.SetIndex(2, 7)
	sliced := &Chunk{}
	sliced.Init(typs, 3)
	sliced.Slice(src, sel, 3, 0)
	require.Equal(t, 3, sliced.Card())
	assert.Equal(t, int64(4), sliced.Data[0].GetValue(1).I64)
	assert.Equal(t, "h", sliced.Data[1].GetValue(2).Str)

	acc := &Chunk{}
	acc.Init(typs, 4)
	acc.Append(src)
	acc.Append(sliced)
	require.Equal(t, 11, acc.Card())
	assert.Equal(t, int64(7), acc.Data[0].GetValue(7).I64)
	assert.Equal(t, "b", acc.Data[1].GetValue(8).Str)
}

func TestChunk_HashColumnsOrderMatters(t *testing.T) {
	typs := []common.LType{common.IntegerType(), common.IntegerType()}
	c := &Chunk{}
	c.Init(typs, 2)
	c.Data[0].SetValue(0, NewInt64Value(common.IntegerType(), 1))
	c.Data[1].SetValue(0, NewInt64Value(common.IntegerType(), 2))
	c.Data[0].SetValue(1, NewInt64Value(common.IntegerType(), 2))
	c.Data[1].SetValue(1, NewInt64Value(common.IntegerType(), 1))
	c.SetCard(2)
	res := NewFlatVector(common.HashType(), 2)
	c.Hash(res)
	hashes := GetSliceInPhyFormatFlat[uint64](res)
	assert.NotEqual(t, hashes[0], hashes[1])
}

func TestChunk_SaveToWriter(t *testing.T) {
	c := &Chunk{}
	c.Init([]common.LType{common.VarcharType(), common.BigintType()}, 8)
	c.Data[0].SetValue(0, &Value{Typ: common.VarcharType(), Str: "a"})
	c.Data[1].SetValue(0, &Value{Typ: common.BigintType(), I64: 4})
	c.Data[0].SetValue(1, &Value{Typ: common.VarcharType(), IsNull: true})
	c.Data[1].SetValue(1, &Value{Typ: common.BigintType(), I64: -1})
	c.SetCard(2)

	var sb strings.Builder
	require.NoError(t, c.SaveToWriter(&sb))
	assert.Equal(t, "a\t4\nNULL\t-1\n", sb.String())
}

func TestVector_SliceReusesBuffers(t *testing.T) {
	src := newInt32FlatVector(16, func(i int) int32 { return int32(i * 10) }, func(i int) bool { return i == 3 })
	sel := NewSelectVector(4)
	for i, idx := range []int{3, 5, 7, 9} {
		sel.SetIndex(i, idx)
	}
	vec := NewFlatVector(common.IntegerType(), 1)
	vec.Slice(src, sel, 4)
	assert.True(t, vec.GetValue(0).IsNull)
	assert.Equal(t, int64(90), vec.GetValue(3).I64)
	first := &vec.Data[0]

	for i, idx := range []int{0, 1, 2} {
		sel.SetIndex(i, idx)
	}
	vec.Slice(src, sel, 3)
	assert.Same(t, first, &vec.Data[0])
	for i := 0; i < 3; i++ {
		val := vec.GetValue(i)
		assert.False(t, val.IsNull)
		assert.Equal(t, int64(i*10), val.I64)
	}

	allValid := newInt32FlatVector(4, func(i int) int32 { return int32(-i) }, nil)
	vec.Slice(allValid, sel, 3)
	assert.True(t, vec.Mask.AllValid())
	assert.Equal(t, int64(-2), vec.GetValue(2).I64)
}
