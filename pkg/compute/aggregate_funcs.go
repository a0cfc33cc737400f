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

package compute

import (
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/util"
)

// ErrSumOverflow is returned by integer sums leaving the int64 range.
var ErrSumOverflow = errors.New("sum out of range")

// AggrKernel is the capability set of one aggregate function. States are
// 8-byte aligned slices of StateSize bytes owned by the caller.
//
// Update feeds row sel[i] of inputs into states[sel[i]] for i in [0,count).
// A nil sel selects rows [0,count).
type AggrKernel interface {
	StateSize() int
	Init(state []byte)
	Update(inputs []*chunk.Vector, states [][]byte, sel *chunk.SelectVector, count int) error
	SimpleUpdate(inputs []*chunk.Vector, state []byte, count int) error
	Combine(source, target [][]byte, count int) error
	Finalize(states [][]byte, result *chunk.Vector, offset int, count int) error
	Destroy(states [][]byte, count int)
}

type AggrFunction struct {
	_name    string
	_args    []common.LType
	_retType common.LType
	_kernel  AggrKernel
}

func NewAggrFunction(
	name string,
	args []common.LType,
	retType common.LType,
	kernel AggrKernel,
) *AggrFunction {
	return &AggrFunction{
		_name:    name,
		_args:    args,
		_retType: retType,
		_kernel:  kernel,
	}
}

func (fun *AggrFunction) Name() string {
	return fun._name
}

func (fun *AggrFunction) Args() []common.LType {
	return fun._args
}

func (fun *AggrFunction) ReturnType() common.LType {
	return fun._retType
}

func (fun *AggrFunction) Kernel() AggrKernel {
	return fun._kernel
}

// GetAggrFunction resolves a built-in aggregate by name and argument types.
func GetAggrFunction(name string, args []common.LType) (*AggrFunction, error) {
	switch name {
	case "count_star":
		if len(args) != 0 {
			break
		}
		return NewAggrFunction(name, nil, common.BigintType(), &countAggr{_star: true}), nil
	case "count":
		if len(args) != 1 {
			break
		}
		return NewAggrFunction(name, args, common.BigintType(), &countAggr{}), nil
	case "sum":
		if len(args) != 1 {
			break
		}
		return GetSumAggr(args[0])
	case "avg":
		if len(args) != 1 {
			break
		}
		return GetAvgAggr(args[0])
	case "min", "max":
		if len(args) != 1 {
			break
		}
		return GetMinMaxAggr(name, args[0])
	default:
		return nil, errors.Newf("unknown aggregate function %s", name)
	}
	return nil, errors.Newf("aggregate function %s does not take %d arguments", name, len(args))
}

func GetSumAggr(arg common.LType) (*AggrFunction, error) {
	switch arg.GetInternalType() {
	case common.INT32:
		kernel := UnaryAggregate[int64, int32](SumOp[int64, int32]{}, &Int64Int32Add{}, &Int64Op{})
		return NewAggrFunction("sum", []common.LType{arg}, common.BigintType(), kernel), nil
	case common.INT64:
		kernel := UnaryAggregate[int64, int64](SumOp[int64, int64]{}, &Int64Add{}, &Int64Op{})
		return NewAggrFunction("sum", []common.LType{arg}, common.BigintType(), kernel), nil
	case common.DOUBLE:
		kernel := UnaryAggregate[float64, float64](SumOp[float64, float64]{}, &DoubleAdd{}, &DoubleOp{})
		return NewAggrFunction("sum", []common.LType{arg}, common.DoubleType(), kernel), nil
	case common.DECIMAL:
		kernel := UnaryAggregate[common.Decimal, common.Decimal](SumOp[common.Decimal, common.Decimal]{}, &DecimalAdd{}, &DecimalOp{})
		return NewAggrFunction("sum", []common.LType{arg},
			common.DecimalType(common.DecimalMaxWidth, arg.Scale), kernel), nil
	default:
		return nil, errors.Newf("sum does not support %s", arg)
	}
}

func GetAvgAggr(arg common.LType) (*AggrFunction, error) {
	switch arg.GetInternalType() {
	case common.INT32:
		kernel := UnaryAggregate[float64, int32](AvgOp[int32]{}, &DoubleInt32Add{}, &DoubleOp{})
		return NewAggrFunction("avg", []common.LType{arg}, common.DoubleType(), kernel), nil
	case common.INT64:
		kernel := UnaryAggregate[float64, int64](AvgOp[int64]{}, &DoubleInt64Add{}, &DoubleOp{})
		return NewAggrFunction("avg", []common.LType{arg}, common.DoubleType(), kernel), nil
	case common.DOUBLE:
		kernel := UnaryAggregate[float64, float64](AvgOp[float64]{}, &DoubleAdd{}, &DoubleOp{})
		return NewAggrFunction("avg", []common.LType{arg}, common.DoubleType(), kernel), nil
	default:
		return nil, errors.Newf("avg does not support %s", arg)
	}
}

func GetMinMaxAggr(name string, arg common.LType) (*AggrFunction, error) {
	isMax := name == "max"
	var kernel AggrKernel
	switch arg.GetInternalType() {
	case common.INT32:
		kernel = UnaryAggregate[int32, int32](MinMaxOp[int32]{_max: isMax}, &AssignAdd[int32]{}, &Int32Op{})
	case common.INT64:
		kernel = UnaryAggregate[int64, int64](MinMaxOp[int64]{_max: isMax}, &AssignAdd[int64]{}, &Int64Op{})
	case common.DOUBLE:
		kernel = UnaryAggregate[float64, float64](MinMaxOp[float64]{_max: isMax}, &AssignAdd[float64]{}, &DoubleOp{})
	case common.DECIMAL:
		kernel = UnaryAggregate[common.Decimal, common.Decimal](MinMaxOp[common.Decimal]{_max: isMax}, &AssignAdd[common.Decimal]{}, &DecimalOp{})
	default:
		return nil, errors.Newf("%s does not support %s", name, arg)
	}
	return NewAggrFunction(name, []common.LType{arg}, arg, kernel), nil
}

type StateType int

const (
	STATE_SUM StateType = iota
	STATE_AVG
	STATE_MAX
	STATE_MIN
)

// State is the in-arena state of the unary aggregates. It never holds Go
// pointers.
type State[T any] struct {
	_typ   StateType
	_isset bool
	_value T
	_count uint64
}

func (state *State[T]) SetIsset(b bool) {
	state._isset = b
}

func (state *State[T]) SetValue(val T) {
	state._value = val
}

func (state *State[T]) GetIsset() bool {
	return state._isset
}

func (state *State[T]) GetValue() T {
	return state._value
}

type TypeOp[T any] interface {
	Add(*T, *T) error
	Less(*T, *T) bool
	Greater(*T, *T) bool
}

type AddOp[ResultT any, InputT any] interface {
	AddNumber(*State[ResultT], *InputT, TypeOp[ResultT]) error
	Assign(*State[ResultT], *InputT)
}

type AggrOp[ResultT any, InputT any] interface {
	Init(*State[ResultT])
	Combine(*State[ResultT], *State[ResultT], TypeOp[ResultT]) error
	Operation(*State[ResultT], *InputT, AddOp[ResultT, InputT], TypeOp[ResultT]) error
	Finalize(*State[ResultT], *ResultT, *AggrFinalizeData)
	IgnoreNull() bool
}

type AggrFinalizeData struct {
	_result    *chunk.Vector
	_resultIdx int
}

func (data *AggrFinalizeData) ReturnNull() {
	chunk.SetNullInPhyFormatFlat(data._result, uint64(data._resultIdx), true)
}

type SumOp[ResultT any, InputT any] struct {
}

func (SumOp[ResultT, InputT]) Init(s *State[ResultT]) {
	var val ResultT
	s._typ = STATE_SUM
	s._isset = false
	s.SetValue(val)
}

func (SumOp[ResultT, InputT]) Combine(src, target *State[ResultT], top TypeOp[ResultT]) error {
	if !src._isset {
		return nil
	}
	if !target._isset {
		*target = *src
		return nil
	}
	return top.Add(&target._value, &src._value)
}

func (SumOp[ResultT, InputT]) Operation(
	s *State[ResultT],
	input *InputT,
	aop AddOp[ResultT, InputT],
	top TypeOp[ResultT]) error {
	s.SetIsset(true)
	return aop.AddNumber(s, input, top)
}

func (SumOp[ResultT, InputT]) Finalize(
	s *State[ResultT],
	target *ResultT,
	data *AggrFinalizeData) {
	if !s.GetIsset() {
		data.ReturnNull()
	} else {
		*target = s.GetValue()
	}
}

func (SumOp[ResultT, InputT]) IgnoreNull() bool {
	return true
}

type AvgOp[InputT any] struct {
}

func (AvgOp[InputT]) Init(s *State[float64]) {
	s._typ = STATE_AVG
	s._count = 0
	s._value = 0
}

func (AvgOp[InputT]) Combine(src, target *State[float64], top TypeOp[float64]) error {
	target._count += src._count
	return top.Add(&target._value, &src._value)
}

func (AvgOp[InputT]) Operation(
	s *State[float64],
	input *InputT,
	aop AddOp[float64, InputT],
	top TypeOp[float64]) error {
	s._count++
	return aop.AddNumber(s, input, top)
}

func (AvgOp[InputT]) Finalize(
	s *State[float64],
	target *float64,
	data *AggrFinalizeData) {
	if s._count == 0 {
		data.ReturnNull()
	} else {
		*target = s._value / float64(s._count)
	}
}

func (AvgOp[InputT]) IgnoreNull() bool {
	return true
}

type MinMaxOp[T any] struct {
	_max bool
}

func (op MinMaxOp[T]) Init(s *State[T]) {
	var val T
	if op._max {
		s._typ = STATE_MAX
	} else {
		s._typ = STATE_MIN
	}
	s._isset = false
	s.SetValue(val)
}

func (op MinMaxOp[T]) better(lhs, rhs *T, top TypeOp[T]) bool {
	if op._max {
		return top.Greater(lhs, rhs)
	}
	return top.Less(lhs, rhs)
}

func (op MinMaxOp[T]) Combine(src, target *State[T], top TypeOp[T]) error {
	if !src._isset {
		return nil
	}
	if !target._isset || op.better(&src._value, &target._value, top) {
		target._isset = true
		target._value = src._value
	}
	return nil
}

func (op MinMaxOp[T]) Operation(
	s *State[T],
	input *T,
	aop AddOp[T, T],
	top TypeOp[T]) error {
	if !s._isset || op.better(input, &s._value, top) {
		aop.Assign(s, input)
		s.SetIsset(true)
	}
	return nil
}

func (op MinMaxOp[T]) Finalize(
	s *State[T],
	target *T,
	data *AggrFinalizeData) {
	if !s.GetIsset() {
		data.ReturnNull()
	} else {
		*target = s.GetValue()
	}
}

func (MinMaxOp[T]) IgnoreNull() bool {
	return true
}

type Int64Add struct {
}

func (*Int64Add) AddNumber(s *State[int64], input *int64, top TypeOp[int64]) error {
	return top.Add(&s._value, input)
}

func (*Int64Add) Assign(s *State[int64], input *int64) {
	s._value = *input
}

type Int64Int32Add struct {
}

func (*Int64Int32Add) AddNumber(s *State[int64], input *int32, top TypeOp[int64]) error {
	val := int64(*input)
	return top.Add(&s._value, &val)
}

func (*Int64Int32Add) Assign(s *State[int64], input *int32) {
	s._value = int64(*input)
}

type DoubleAdd struct {
}

func (*DoubleAdd) AddNumber(s *State[float64], input *float64, top TypeOp[float64]) error {
	return top.Add(&s._value, input)
}

func (*DoubleAdd) Assign(s *State[float64], input *float64) {
	s._value = *input
}

type DoubleInt32Add struct {
}

func (*DoubleInt32Add) AddNumber(s *State[float64], input *int32, top TypeOp[float64]) error {
	val := float64(*input)
	return top.Add(&s._value, &val)
}

func (*DoubleInt32Add) Assign(s *State[float64], input *int32) {
	s._value = float64(*input)
}

type DoubleInt64Add struct {
}

func (*DoubleInt64Add) AddNumber(s *State[float64], input *int64, top TypeOp[float64]) error {
	val := float64(*input)
	return top.Add(&s._value, &val)
}

func (*DoubleInt64Add) Assign(s *State[float64], input *int64) {
	s._value = float64(*input)
}

type DecimalAdd struct {
}

func (*DecimalAdd) AddNumber(s *State[common.Decimal], input *common.Decimal, top TypeOp[common.Decimal]) error {
	return top.Add(&s._value, input)
}

func (*DecimalAdd) Assign(s *State[common.Decimal], input *common.Decimal) {
	s._value = *input
}

type AssignAdd[T any] struct {
}

func (*AssignAdd[T]) AddNumber(s *State[T], input *T, top TypeOp[T]) error {
	return top.Add(&s._value, input)
}

func (*AssignAdd[T]) Assign(s *State[T], input *T) {
	s._value = *input
}

type Int32Op struct {
}

func (*Int32Op) Add(lhs, rhs *int32) error {
	res := int64(*lhs) + int64(*rhs)
	if res > math.MaxInt32 || res < math.MinInt32 {
		return ErrSumOverflow
	}
	*lhs = int32(res)
	return nil
}

func (*Int32Op) Less(lhs, rhs *int32) bool {
	return *lhs < *rhs
}

func (*Int32Op) Greater(lhs, rhs *int32) bool {
	return *lhs > *rhs
}

type Int64Op struct {
}

func (*Int64Op) Add(lhs, rhs *int64) error {
	a, b := *lhs, *rhs
	res := a + b
	if (a > 0 && b > 0 && res < 0) || (a < 0 && b < 0 && res >= 0) {
		return errors.Wrapf(ErrSumOverflow, "%d + %d", a, b)
	}
	*lhs = res
	return nil
}

func (*Int64Op) Less(lhs, rhs *int64) bool {
	return *lhs < *rhs
}

func (*Int64Op) Greater(lhs, rhs *int64) bool {
	return *lhs > *rhs
}

type DoubleOp struct {
}

func (*DoubleOp) Add(lhs, rhs *float64) error {
	*lhs += *rhs
	return nil
}

func (*DoubleOp) Less(lhs, rhs *float64) bool {
	return *lhs < *rhs
}

func (*DoubleOp) Greater(lhs, rhs *float64) bool {
	return *lhs > *rhs
}

type DecimalOp struct {
}

func (*DecimalOp) Add(lhs, rhs *common.Decimal) error {
	return lhs.Add(lhs, rhs)
}

func (*DecimalOp) Less(lhs, rhs *common.Decimal) bool {
	return lhs.Less(lhs, rhs)
}

func (*DecimalOp) Greater(lhs, rhs *common.Decimal) bool {
	return lhs.Greater(lhs, rhs)
}

// unaryAggregate adapts an AggrOp to the AggrKernel interface.
type unaryAggregate[ResultT any, InputT any] struct {
	_aop   AggrOp[ResultT, InputT]
	_addOp AddOp[ResultT, InputT]
	_top   TypeOp[ResultT]
}

func UnaryAggregate[ResultT any, InputT any](
	aop AggrOp[ResultT, InputT],
	addOp AddOp[ResultT, InputT],
	top TypeOp[ResultT],
) AggrKernel {
	return &unaryAggregate[ResultT, InputT]{
		_aop:   aop,
		_addOp: addOp,
		_top:   top,
	}
}

func (ua *unaryAggregate[ResultT, InputT]) StateSize() int {
	var val State[ResultT]
	return int(unsafe.Sizeof(val))
}

func (ua *unaryAggregate[ResultT, InputT]) Init(state []byte) {
	ua._aop.Init(util.Load[State[ResultT]](state))
}

func (ua *unaryAggregate[ResultT, InputT]) Update(
	inputs []*chunk.Vector,
	states [][]byte,
	sel *chunk.SelectVector,
	count int,
) error {
	util.AssertFunc(len(inputs) == 1)
	var idata chunk.UnifiedFormat
	inputs[0].ToUnifiedFormat(len(states), &idata)
	inputSlice := chunk.GetSliceInPhyFormatUnifiedFormat[InputT](&idata)
	ignoreNull := ua._aop.IgnoreNull()
	for i := 0; i < count; i++ {
		ridx := sel.GetIndex(i)
		iidx := idata.Sel.GetIndex(ridx)
		if ignoreNull && !idata.Mask.RowIsValid(uint64(iidx)) {
			continue
		}
		err := ua._aop.Operation(
			util.Load[State[ResultT]](states[ridx]),
			&inputSlice[iidx],
			ua._addOp,
			ua._top)
		if err != nil {
			return err
		}
	}
	return nil
}

func (ua *unaryAggregate[ResultT, InputT]) SimpleUpdate(
	inputs []*chunk.Vector,
	state []byte,
	count int,
) error {
	util.AssertFunc(len(inputs) == 1)
	var idata chunk.UnifiedFormat
	inputs[0].ToUnifiedFormat(count, &idata)
	inputSlice := chunk.GetSliceInPhyFormatUnifiedFormat[InputT](&idata)
	s := util.Load[State[ResultT]](state)
	ignoreNull := ua._aop.IgnoreNull()
	for i := 0; i < count; i++ {
		iidx := idata.Sel.GetIndex(i)
		if ignoreNull && !idata.Mask.RowIsValid(uint64(iidx)) {
			continue
		}
		if err := ua._aop.Operation(s, &inputSlice[iidx], ua._addOp, ua._top); err != nil {
			return err
		}
	}
	return nil
}

func (ua *unaryAggregate[ResultT, InputT]) Combine(source, target [][]byte, count int) error {
	for i := 0; i < count; i++ {
		err := ua._aop.Combine(
			util.Load[State[ResultT]](source[i]),
			util.Load[State[ResultT]](target[i]),
			ua._top)
		if err != nil {
			return err
		}
	}
	return nil
}

func (ua *unaryAggregate[ResultT, InputT]) Finalize(
	states [][]byte,
	result *chunk.Vector,
	offset int,
	count int,
) error {
	resultSlice := chunk.GetSliceInPhyFormatFlat[ResultT](result)
	data := &AggrFinalizeData{_result: result}
	for i := 0; i < count; i++ {
		data._resultIdx = offset + i
		ua._aop.Finalize(
			util.Load[State[ResultT]](states[i]),
			&resultSlice[offset+i],
			data)
	}
	return nil
}

func (ua *unaryAggregate[ResultT, InputT]) Destroy([][]byte, int) {
}

// countAggr implements count(x) and count(*). The state is an int64.
type countAggr struct {
	_star bool
}

func (ca *countAggr) StateSize() int {
	return 8
}

func (ca *countAggr) Init(state []byte) {
	*util.Load[int64](state) = 0
}

func (ca *countAggr) Update(
	inputs []*chunk.Vector,
	states [][]byte,
	sel *chunk.SelectVector,
	count int,
) error {
	if ca._star {
		for i := 0; i < count; i++ {
			*util.Load[int64](states[sel.GetIndex(i)]) += 1
		}
		return nil
	}
	util.AssertFunc(len(inputs) == 1)
	var idata chunk.UnifiedFormat
	inputs[0].ToUnifiedFormat(len(states), &idata)
	for i := 0; i < count; i++ {
		ridx := sel.GetIndex(i)
		if idata.RowIsValid(ridx) {
			*util.Load[int64](states[ridx]) += 1
		}
	}
	return nil
}

func (ca *countAggr) SimpleUpdate(inputs []*chunk.Vector, state []byte, count int) error {
	cnt := count
	if !ca._star {
		util.AssertFunc(len(inputs) == 1)
		if inputs[0].PhyFormat().IsConst() {
			if chunk.IsNullInPhyFormatConst(inputs[0]) {
				cnt = 0
			}
		} else {
			cnt = inputs[0].Mask.CountValid(count)
		}
	}
	*util.Load[int64](state) += int64(cnt)
	return nil
}

func (ca *countAggr) Combine(source, target [][]byte, count int) error {
	for i := 0; i < count; i++ {
		*util.Load[int64](target[i]) += *util.Load[int64](source[i])
	}
	return nil
}

func (ca *countAggr) Finalize(states [][]byte, result *chunk.Vector, offset int, count int) error {
	resultSlice := chunk.GetSliceInPhyFormatFlat[int64](result)
	for i := 0; i < count; i++ {
		resultSlice[offset+i] = *util.Load[int64](states[i])
	}
	return nil
}

func (ca *countAggr) Destroy([][]byte, int) {
}
