package compute

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/storage"
	"github.com/daviszhen/radixagg/pkg/util"
)

// HashAggr evaluates the aggregates over every grouping set. The input
// batches hold the group columns followed by the payload columns.
type HashAggr struct {
	_types           []common.LType
	_groupedAggrData *GroupedAggrData
	_groupingSets    []GroupingSet
	_groupings       []*HashAggrGroupingData
	_config          util.AggrOptions
	_bufMgr          *storage.BufferManager
}

type HashAggrGroupingData struct {
	_tableData *RadixPartitionedHashTable
}

func NewHashAggr(
	groupTypes []common.LType,
	aggrs []*AggrObject,
	groupingSets []GroupingSet,
	groupingFuncs [][]int,
	cfg util.AggrOptions,
	bufMgr *storage.BufferManager,
) (*HashAggr, error) {
	ha := &HashAggr{
		_groupingSets: groupingSets,
		_config:       cfg,
		_bufMgr:       bufMgr,
	}

	//group by all columns by default
	if len(ha._groupingSets) == 0 {
		set := NewGroupingSet()
		for i := 0; i < len(groupTypes); i++ {
			set.insert(i)
		}
		ha._groupingSets = append(ha._groupingSets, set)
	}

	ha._groupedAggrData = NewGroupedAggrData(groupTypes, aggrs, groupingFuncs)
	ha._types = ha._groupedAggrData.OutputTypes()

	for i, set := range ha._groupingSets {
		for _, idx := range set.ordered() {
			if idx < 0 || idx >= len(groupTypes) {
				return nil, errors.Newf("grouping set %d refers to group %d of %d", i, idx, len(groupTypes))
			}
		}
		table, err := NewRadixPartitionedHashTable(set, ha._groupedAggrData, cfg, bufMgr)
		if err != nil {
			return nil, err
		}
		ha._groupings = append(ha._groupings, &HashAggrGroupingData{_tableData: table})
	}
	return ha, nil
}

// Types is the output layout: groups, aggregates, grouping values.
func (haggr *HashAggr) Types() []common.LType {
	return haggr._types
}

// InputTypes is the layout expected by Sink.
func (haggr *HashAggr) InputTypes() []common.LType {
	return haggr._groupedAggrData.InputTypes()
}

type HashAggrGlobalSinkState struct {
	_groupingStates []*RadixHTGlobalSinkState
}

func (gstate *HashAggrGlobalSinkState) Grouping(i int) *RadixHTGlobalSinkState {
	return gstate._groupingStates[i]
}

type HashAggrLocalSinkState struct {
	_groupingStates []*RadixHTLocalSinkState
	_payload        chunk.Chunk
}

func (haggr *HashAggr) GetGlobalSinkState() *HashAggrGlobalSinkState {
	gstate := &HashAggrGlobalSinkState{}
	for _, grouping := range haggr._groupings {
		gstate._groupingStates = append(gstate._groupingStates,
			grouping._tableData.GetGlobalSinkState())
	}
	return gstate
}

func (haggr *HashAggr) GetLocalSinkState(gstate *HashAggrGlobalSinkState) *HashAggrLocalSinkState {
	lstate := &HashAggrLocalSinkState{}
	for i, grouping := range haggr._groupings {
		lstate._groupingStates = append(lstate._groupingStates,
			grouping._tableData.GetLocalSinkState(gstate._groupingStates[i]))
	}
	lstate._payload.Init(haggr._groupedAggrData._payloadTypes, util.DefaultVectorSize)
	return lstate
}

// Close releases the local states that were not combined.
func (lstate *HashAggrLocalSinkState) Close() error {
	var err error
	for _, state := range lstate._groupingStates {
		if !state._combined {
			err = errors.CombineErrors(err, state.Close())
		}
	}
	return err
}

// Sink feeds one batch to every grouping set.
func (haggr *HashAggr) Sink(
	gstate *HashAggrGlobalSinkState,
	lstate *HashAggrLocalSinkState,
	data *chunk.Chunk,
) error {
	util.AssertFunc(data.ColumnCount() == len(haggr._groupedAggrData._groupTypes)+len(haggr._groupedAggrData._payloadTypes))
	payload := &lstate._payload
	offset := len(haggr._groupedAggrData._groupTypes)
	for i := 0; i < len(haggr._groupedAggrData._payloadTypes); i++ {
		payload.Data[i].Reference(data.Data[offset+i])
	}
	payload.SetCap(max(payload.Cap(), data.Card()))
	payload.SetCard(data.Card())

	for i, grouping := range haggr._groupings {
		err := grouping._tableData.Sink(
			gstate._groupingStates[i],
			lstate._groupingStates[i],
			data,
			payload,
			nil,
		)
		if err != nil {
			return errors.Wrapf(err, "grouping set %s", grouping._tableData.GroupingSet())
		}
	}
	return nil
}

// Combine merges the local state of every grouping set.
func (haggr *HashAggr) Combine(
	gstate *HashAggrGlobalSinkState,
	lstate *HashAggrLocalSinkState,
) error {
	for i, grouping := range haggr._groupings {
		err := grouping._tableData.Combine(gstate._groupingStates[i], lstate._groupingStates[i])
		if err != nil {
			return errors.CombineErrors(
				errors.Wrapf(err, "grouping set %s", grouping._tableData.GroupingSet()),
				lstate.Close())
		}
	}
	return nil
}

func (haggr *HashAggr) Finalize(ctx context.Context, gstate *HashAggrGlobalSinkState) error {
	for i, grouping := range haggr._groupings {
		if err := grouping._tableData.Finalize(ctx, gstate._groupingStates[i]); err != nil {
			return errors.Wrapf(err, "grouping set %s", grouping._tableData.GroupingSet())
		}
	}
	return nil
}

func (haggr *HashAggr) SetMultiScan(gstate *HashAggrGlobalSinkState) {
	for i, grouping := range haggr._groupings {
		grouping._tableData.SetMultiScan(gstate._groupingStates[i])
	}
}

// Count is the number of result rows over all grouping sets.
func (haggr *HashAggr) Count(gstate *HashAggrGlobalSinkState) int {
	cnt := 0
	for i, grouping := range haggr._groupings {
		cnt += grouping._tableData.Count(gstate._groupingStates[i])
	}
	return cnt
}

type HashAggrGlobalSourceState struct {
	_groupingStates []*RadixHTGlobalSourceState
}

// Close destroys the states left unread.
func (gsrc *HashAggrGlobalSourceState) Close() {
	for _, state := range gsrc._groupingStates {
		state.Close()
	}
}

type HashAggrLocalSourceState struct {
	_groupingIdx    int
	_groupingStates []*RadixHTLocalSourceState
}

func (haggr *HashAggr) GetGlobalSourceState(gstate *HashAggrGlobalSinkState) *HashAggrGlobalSourceState {
	gsrc := &HashAggrGlobalSourceState{}
	for i, grouping := range haggr._groupings {
		gsrc._groupingStates = append(gsrc._groupingStates,
			grouping._tableData.GetGlobalSourceState(gstate._groupingStates[i]))
	}
	return gsrc
}

func (haggr *HashAggr) GetLocalSourceState() *HashAggrLocalSourceState {
	lsrc := &HashAggrLocalSourceState{}
	for _, grouping := range haggr._groupings {
		lsrc._groupingStates = append(lsrc._groupingStates,
			grouping._tableData.GetLocalSourceState())
	}
	return lsrc
}

// GetData drains the grouping sets in order.
func (haggr *HashAggr) GetData(
	gstate *HashAggrGlobalSinkState,
	gsrc *HashAggrGlobalSourceState,
	lsrc *HashAggrLocalSourceState,
	output *chunk.Chunk,
) (OperatorResult, error) {
	for lsrc._groupingIdx < len(haggr._groupings) {
		i := lsrc._groupingIdx
		res, err := haggr._groupings[i]._tableData.GetData(
			gstate._groupingStates[i],
			gsrc._groupingStates[i],
			lsrc._groupingStates[i],
			output,
		)
		if err != nil {
			return InvalidOpResult, err
		}
		if res == HaveMoreOutput {
			return res, nil
		}
		lsrc._groupingIdx++
	}
	output.SetCard(0)
	return Done, nil
}

func (haggr *HashAggr) Close(gstate *HashAggrGlobalSinkState) error {
	var err error
	for i, grouping := range haggr._groupings {
		err = errors.CombineErrors(err, grouping._tableData.Close(gstate._groupingStates[i]))
	}
	return err
}

// BatchSource produces input batches. Next fills out with the next rows;
// an empty batch marks the end.
type BatchSource interface {
	Types() []common.LType
	Next(ctx context.Context, out *chunk.Chunk) error
}

// RunParallel sinks every source on its own goroutine, finalizes and reads
// the result back with the configured number of goroutines. Nothing is
// returned on error.
func RunParallel(ctx context.Context, aggr *HashAggr, sources []BatchSource) (*chunk.Chunk, error) {
	return runParallel(ctx, aggr, sources, nil)
}

// RunParallelExplain is RunParallel that also returns the partition tree
// right after finalize.
func RunParallelExplain(ctx context.Context, aggr *HashAggr, sources []BatchSource) (*chunk.Chunk, string, error) {
	var explain string
	ret, err := runParallel(ctx, aggr, sources, func(gstate *HashAggrGlobalSinkState) {
		explain = aggr.Explain(gstate)
	})
	return ret, explain, err
}

func runParallel(
	ctx context.Context,
	aggr *HashAggr,
	sources []BatchSource,
	onFinalize func(*HashAggrGlobalSinkState),
) (ret *chunk.Chunk, err error) {
	gstate := aggr.GetGlobalSinkState()
	defer func() {
		if cerr := aggr.Close(gstate); cerr != nil {
			util.Error("close aggregate", zap.Error(cerr))
		}
	}()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, src := range sources {
		eg.Go(func() (err error) {
			lstate := aggr.GetLocalSinkState(gstate)
			defer func() {
				if r := recover(); r != nil {
					err = util.ConvertPanicError(r)
				}
				if err != nil {
					_ = lstate.Close()
				}
			}()
			batch := &chunk.Chunk{}
			batch.Init(src.Types(), util.DefaultVectorSize)
			for {
				if err = egCtx.Err(); err != nil {
					return err
				}
				batch.Reset()
				if err = src.Next(egCtx, batch); err != nil {
					return errors.Wrap(err, "read batch")
				}
				if batch.Card() == 0 {
					break
				}
				if err = aggr.Sink(gstate, lstate, batch); err != nil {
					return err
				}
			}
			return aggr.Combine(gstate, lstate)
		})
	}
	if err = eg.Wait(); err != nil {
		return nil, err
	}
	if err = aggr.Finalize(ctx, gstate); err != nil {
		return nil, err
	}
	if onFinalize != nil {
		onFinalize(gstate)
	}

	gsrc := aggr.GetGlobalSourceState(gstate)
	defer gsrc.Close()
	result := &chunk.Chunk{}
	result.Init(aggr.Types(), util.DefaultVectorSize)
	var lock sync.Mutex
	eg, egCtx = errgroup.WithContext(ctx)
	for i := 0; i < max(aggr._config.Threads, 1); i++ {
		eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = util.ConvertPanicError(r)
				}
			}()
			lsrc := aggr.GetLocalSourceState()
			output := &chunk.Chunk{}
			output.Init(aggr.Types(), util.DefaultVectorSize)
			for {
				if err = egCtx.Err(); err != nil {
					return err
				}
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
	if err = eg.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
