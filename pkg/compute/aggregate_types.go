package compute

import (
	"fmt"
	"strings"

	"github.com/tidwall/btree"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/util"
)

type OperatorResult int

const (
	InvalidOpResult OperatorResult = 0
	HaveMoreOutput  OperatorResult = 1
	Done            OperatorResult = 2
)

func (res OperatorResult) String() string {
	switch res {
	case HaveMoreOutput:
		return "HaveMoreOutput"
	case Done:
		return "Done"
	default:
		return "InvalidOpResult"
	}
}

func intLess(a, b int) bool {
	return a < b
}

// GroupingSet is an ordered set of group column indices.
type GroupingSet struct {
	_set *btree.BTreeG[int]
}

func NewGroupingSet(ids ...int) GroupingSet {
	gs := GroupingSet{_set: btree.NewBTreeG[int](intLess)}
	for _, id := range ids {
		gs.insert(id)
	}
	return gs
}

func (gs GroupingSet) insert(id int) {
	gs._set.Set(id)
}

func (gs GroupingSet) find(id int) bool {
	if gs._set == nil {
		return false
	}
	_, ok := gs._set.Get(id)
	return ok
}

func (gs GroupingSet) empty() bool {
	return gs.count() == 0
}

func (gs GroupingSet) ordered() []int {
	ret := make([]int, 0, gs.count())
	if gs._set == nil {
		return ret
	}
	gs._set.Scan(func(id int) bool {
		ret = append(ret, id)
		return true
	})
	return ret
}

func (gs GroupingSet) count() int {
	if gs._set == nil {
		return 0
	}
	return gs._set.Len()
}

func (gs GroupingSet) String() string {
	ids := gs.ordered()
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = fmt.Sprintf("%d", id)
	}
	return "{" + strings.Join(strs, ",") + "}"
}

// CubeGroupingSets returns every subset of n group columns, largest first.
func CubeGroupingSets(n int) []GroupingSet {
	util.Assertf(n < 16, "cube over %d columns", n)
	ret := make([]GroupingSet, 0, 1<<n)
	for mask := (1 << n) - 1; mask >= 0; mask-- {
		set := NewGroupingSet()
		for i := 0; i < n; i++ {
			if mask&(1<<(n-1-i)) != 0 {
				set.insert(i)
			}
		}
		ret = append(ret, set)
	}
	return ret
}

// RollupGroupingSets returns the n+1 prefixes of n group columns.
func RollupGroupingSets(n int) []GroupingSet {
	ret := make([]GroupingSet, 0, n+1)
	for l := n; l >= 0; l-- {
		set := NewGroupingSet()
		for i := 0; i < l; i++ {
			set.insert(i)
		}
		ret = append(ret, set)
	}
	return ret
}

type AggrObject struct {
	_name        string
	_func        *AggrFunction
	_childCount  int
	_payloadSize int
	//a BOOLEAN payload column follows the arguments
	_filter  bool
	_retType common.LType
}

func NewAggrObject(fun *AggrFunction, hasFilter bool) *AggrObject {
	ret := new(AggrObject)
	ret._name = fun.Name()
	ret._func = fun
	ret._childCount = len(fun.Args())
	ret._filter = hasFilter
	ret._retType = fun.ReturnType()
	ret._payloadSize = util.AlignValue8(fun.Kernel().StateSize())
	return ret
}

// PayloadCount is the number of payload columns the aggregate consumes.
func (aggr *AggrObject) PayloadCount() int {
	if aggr._filter {
		return aggr._childCount + 1
	}
	return aggr._childCount
}

func (aggr *AggrObject) Name() string {
	return aggr._name
}

func (aggr *AggrObject) kernel() AggrKernel {
	return aggr._func.Kernel()
}

// GroupedAggrData describes the input of a grouped aggregation: the group
// columns come first, then the payload columns of every aggregate.
type GroupedAggrData struct {
	_groupTypes      []common.LType
	_groupingFuncs   [][]int //GROUPING functions
	_aggregates      []*AggrObject
	_payloadTypes    []common.LType
	_aggrReturnTypes []common.LType
}

func NewGroupedAggrData(
	groupTypes []common.LType,
	aggregates []*AggrObject,
	groupingFuncs [][]int,
) *GroupedAggrData {
	gad := &GroupedAggrData{}
	gad.InitGroupby(groupTypes, aggregates, groupingFuncs)
	return gad
}

func (gad *GroupedAggrData) InitGroupby(
	groupTypes []common.LType,
	aggregates []*AggrObject,
	groupingFuncs [][]int,
) {
	gad._groupTypes = common.CopyLTypes(groupTypes...)
	gad._aggregates = aggregates
	gad._groupingFuncs = groupingFuncs
	gad._payloadTypes = nil
	gad._aggrReturnTypes = nil
	for _, aggr := range aggregates {
		gad._payloadTypes = append(gad._payloadTypes, aggr._func.Args()...)
		if aggr._filter {
			gad._payloadTypes = append(gad._payloadTypes, common.BooleanType())
		}
		gad._aggrReturnTypes = append(gad._aggrReturnTypes, aggr._retType)
	}
	for _, fun := range groupingFuncs {
		for _, idx := range fun {
			util.Assertf(idx < len(groupTypes), "grouping function refers to group %d", idx)
		}
	}
}

func (gad *GroupedAggrData) GroupCount() int {
	return len(gad._groupTypes)
}

func (gad *GroupedAggrData) InputTypes() []common.LType {
	ret := common.CopyLTypes(gad._groupTypes...)
	return append(ret, gad._payloadTypes...)
}

// OutputTypes is the layout produced by GetData: group columns, aggregates,
// grouping values.
func (gad *GroupedAggrData) OutputTypes() []common.LType {
	ret := common.CopyLTypes(gad._groupTypes...)
	ret = append(ret, gad._aggrReturnTypes...)
	for range gad._groupingFuncs {
		ret = append(ret, common.BigintType())
	}
	return ret
}

type AggrHTAppendState struct {
	_htOffsets          []uint64
	_hashSalts          []uint16
	_groupCompareVector *chunk.SelectVector
	_noMatchVector      *chunk.SelectVector
	_newGroups          *chunk.SelectVector
	_addresses          [][]byte
	_states             [][]byte
	_srcStates          [][]byte
	_filterSel          *chunk.SelectVector
	_hashes             []uint64
	_keys               [][]byte
	_encoder            keyEncoder
}

func NewAggrHTAppendState() *AggrHTAppendState {
	ret := new(AggrHTAppendState)
	ret.ensure(util.DefaultVectorSize)
	return ret
}

func (state *AggrHTAppendState) ensure(count int) {
	if len(state._htOffsets) >= count {
		return
	}
	count = int(util.NextPowerOfTwo(uint64(count)))
	state._htOffsets = make([]uint64, count)
	state._hashSalts = make([]uint16, count)
	state._groupCompareVector = chunk.NewSelectVector(count)
	state._noMatchVector = chunk.NewSelectVector(count)
	state._newGroups = chunk.NewSelectVector(count)
	state._addresses = make([][]byte, count)
	state._states = make([][]byte, count)
	state._srcStates = make([][]byte, count)
	state._filterSel = chunk.NewSelectVector(count)
	state._hashes = make([]uint64, count)
	state._keys = make([][]byte, count)
}

// AggrHTScanState scans the groups [_position, _end) of a table.
type AggrHTScanState struct {
	_position int
	_end      int
	//reused by Scan
	_states     [][]byte
	_aggrStates [][]byte
}

func NewAggrHTScanState(begin, end int) *AggrHTScanState {
	return &AggrHTScanState{_position: begin, _end: end}
}

// Reset moves the scan to [begin, end) and keeps the buffers.
func (state *AggrHTScanState) Reset(begin, end int) {
	state._position = begin
	state._end = end
}

func (state *AggrHTScanState) Done() bool {
	return state._position >= state._end
}
