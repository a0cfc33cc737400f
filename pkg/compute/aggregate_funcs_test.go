package compute

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/util"
)

func newState(kernel AggrKernel) []byte {
	state := make([]byte, util.AlignValue8(kernel.StateSize()))
	kernel.Init(state)
	return state
}

func TestAggrKernels(t *testing.T) {
	//rows 0,2 go to state a, rows 1,3 to state b. row 1 is NULL.
	input := chunk.NewBigintFlatVector([]int64{5, 100, 7, 3}, 4)
	chunk.SetNullInPhyFormatFlat(input, 1, true)

	tests := []struct {
		name  string
		args  []common.LType
		a     *chunk.Value
		b     *chunk.Value
		final *chunk.Value
	}{
		{"sum", []common.LType{common.BigintType()},
			&chunk.Value{I64: 12}, &chunk.Value{I64: 3}, &chunk.Value{I64: 15}},
		{"min", []common.LType{common.BigintType()},
			&chunk.Value{I64: 5}, &chunk.Value{I64: 3}, &chunk.Value{I64: 3}},
		{"max", []common.LType{common.BigintType()},
			&chunk.Value{I64: 7}, &chunk.Value{I64: 3}, &chunk.Value{I64: 7}},
		{"count", []common.LType{common.BigintType()},
			&chunk.Value{I64: 2}, &chunk.Value{I64: 1}, &chunk.Value{I64: 3}},
		{"count_star", nil,
			&chunk.Value{I64: 2}, &chunk.Value{I64: 2}, &chunk.Value{I64: 4}},
		{"avg", []common.LType{common.BigintType()},
			&chunk.Value{F64: 6}, &chunk.Value{F64: 3}, &chunk.Value{F64: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fun, err := GetAggrFunction(tt.name, tt.args)
			require.NoError(t, err)
			kernel := fun.Kernel()
			a, b := newState(kernel), newState(kernel)
			var inputs []*chunk.Vector
			if len(tt.args) > 0 {
				inputs = []*chunk.Vector{input}
			}
			require.NoError(t, kernel.Update(inputs, [][]byte{a, b, a, b}, nil, 4))

			result := chunk.NewFlatVector(fun.ReturnType(), 2)
			require.NoError(t, kernel.Finalize([][]byte{a, b}, result, 0, 2))
			tt.a.Typ, tt.b.Typ = fun.ReturnType(), fun.ReturnType()
			assert.True(t, tt.a.Equal(result.GetValue(0)), "got %v", result.GetValue(0))
			assert.True(t, tt.b.Equal(result.GetValue(1)), "got %v", result.GetValue(1))

			require.NoError(t, kernel.Combine([][]byte{b}, [][]byte{a}, 1))
			require.NoError(t, kernel.Finalize([][]byte{a}, result, 0, 1))
			tt.final.Typ = fun.ReturnType()
			assert.True(t, tt.final.Equal(result.GetValue(0)), "got %v", result.GetValue(0))
			kernel.Destroy([][]byte{a, b}, 2)
		})
	}
}

func TestAggrKernels_SimpleUpdate(t *testing.T) {
	fun, err := GetAggrFunction("sum", []common.LType{common.IntegerType()})
	require.NoError(t, err)
	assert.Equal(t, common.LTID_BIGINT, fun.ReturnType().Id)
	kernel := fun.Kernel()
	state := newState(kernel)

	input := chunk.NewConstVector(common.IntegerType())
	input.SetValue(0, &chunk.Value{Typ: common.IntegerType(), I64: 4})
	require.NoError(t, kernel.SimpleUpdate([]*chunk.Vector{input}, state, 10))

	result := chunk.NewFlatVector(fun.ReturnType(), 1)
	require.NoError(t, kernel.Finalize([][]byte{state}, result, 0, 1))
	assert.Equal(t, int64(40), result.GetValue(0).I64)
}

func TestAggrKernels_EmptyIsNull(t *testing.T) {
	for _, name := range []string{"sum", "min", "max", "avg"} {
		fun, err := GetAggrFunction(name, []common.LType{common.DoubleType()})
		require.NoError(t, err)
		kernel := fun.Kernel()
		state := newState(kernel)
		result := chunk.NewFlatVector(fun.ReturnType(), 1)
		require.NoError(t, kernel.Finalize([][]byte{state}, result, 0, 1))
		assert.True(t, result.GetValue(0).IsNull, name)
	}
}

func TestAggrKernels_SumOverflow(t *testing.T) {
	fun, err := GetAggrFunction("sum", []common.LType{common.BigintType()})
	require.NoError(t, err)
	kernel := fun.Kernel()
	state := newState(kernel)
	input := chunk.NewBigintFlatVector([]int64{math.MaxInt64, 1}, 2)
	err = kernel.SimpleUpdate([]*chunk.Vector{input}, state, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSumOverflow))

	a, b := newState(kernel), newState(kernel)
	require.NoError(t, kernel.SimpleUpdate([]*chunk.Vector{input}, a, 1))
	require.NoError(t, kernel.SimpleUpdate([]*chunk.Vector{input}, b, 1))
	err = kernel.Combine([][]byte{b}, [][]byte{a}, 1)
	assert.True(t, errors.Is(err, ErrSumOverflow))
}

func TestAggrKernels_Decimal(t *testing.T) {
	typ := common.DecimalType(10, 2)
	fun, err := GetAggrFunction("sum", []common.LType{typ})
	require.NoError(t, err)
	assert.Equal(t, common.DecimalMaxWidth, fun.ReturnType().Width)
	assert.Equal(t, 2, fun.ReturnType().Scale)

	kernel := fun.Kernel()
	state := newState(kernel)
	input := chunk.NewFlatVector(typ, 3)
	for i, s := range []string{"1.25", "2.50", "-0.75"} {
		dec, err := common.ParseDecimal(s)
		require.NoError(t, err)
		input.SetValue(i, &chunk.Value{Typ: typ, Dec: dec})
	}
	require.NoError(t, kernel.SimpleUpdate([]*chunk.Vector{input}, state, 3))
	result := chunk.NewFlatVector(fun.ReturnType(), 1)
	require.NoError(t, kernel.Finalize([][]byte{state}, result, 0, 1))
	want, err := common.ParseDecimal("3.00")
	require.NoError(t, err)
	got := result.GetValue(0).Dec
	assert.True(t, want.Equal(&got), "got %v", got)
}

func TestGetAggrFunction_Errors(t *testing.T) {
	_, err := GetAggrFunction("median", []common.LType{common.BigintType()})
	assert.Error(t, err)
	_, err = GetAggrFunction("sum", nil)
	assert.Error(t, err)
	_, err = GetAggrFunction("avg", []common.LType{common.VarcharType()})
	assert.Error(t, err)
	_, err = GetAggrFunction("count_star", []common.LType{common.BigintType()})
	assert.Error(t, err)
}
