package compute

import (
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/daviszhen/radixagg/pkg/storage"
	"github.com/daviszhen/radixagg/pkg/util"
)

// MaterializedBlock holds flattened groups: hash, encoded key, raw partial
// states and contributing row count per group. A spilled block keeps only
// its spill file until loaded again.
type MaterializedBlock struct {
	_count      int
	_stateWidth int
	_hashes     []uint64
	//key i is _keys[_keyEnds[i-1]:_keyEnds[i]]
	_keyEnds []uint32
	_keys    []byte
	_states  []byte
	_rows    []int64

	//bytes reserved in the buffer manager
	_reserved int
	_spill    *storage.SpillFile
	_rowSum   int64
}

func newMaterializedBlock(capacity int, stateWidth int) *MaterializedBlock {
	return &MaterializedBlock{
		_stateWidth: stateWidth,
		_hashes:     make([]uint64, 0, capacity),
		_keyEnds:    make([]uint32, 0, capacity),
		_states:     make([]byte, 0, capacity*stateWidth),
		_rows:       make([]int64, 0, capacity),
	}
}

func (blk *MaterializedBlock) append(hash uint64, key []byte, states []byte, rows int64) {
	blk._hashes = append(blk._hashes, hash)
	blk._keys = append(blk._keys, key...)
	blk._keyEnds = append(blk._keyEnds, uint32(len(blk._keys)))
	blk._states = append(blk._states, states...)
	blk._rows = append(blk._rows, rows)
	blk._rowSum += rows
	blk._count++
}

func (blk *MaterializedBlock) Count() int {
	return blk._count
}

// RowCount is the number of input rows behind the groups of the block.
func (blk *MaterializedBlock) RowCount() int64 {
	return blk._rowSum
}

func (blk *MaterializedBlock) Spilled() bool {
	return blk._spill != nil
}

// Size is the in-memory footprint of the block.
func (blk *MaterializedBlock) Size() int {
	return blk._count*(8+4+8) + len(blk._keys) + len(blk._states)
}

func (blk *MaterializedBlock) key(i int) []byte {
	begin := uint32(0)
	if i > 0 {
		begin = blk._keyEnds[i-1]
	}
	return blk._keys[begin:blk._keyEnds[i]]
}

func (blk *MaterializedBlock) states(i int) []byte {
	return blk._states[i*blk._stateWidth : (i+1)*blk._stateWidth]
}

func (blk *MaterializedBlock) serialize(w io.Writer) error {
	if err := util.Write[int64](int64(blk._count), w); err != nil {
		return err
	}
	if err := util.Write[int64](int64(blk._stateWidth), w); err != nil {
		return err
	}
	if err := util.WriteSlice[uint64](blk._hashes, w); err != nil {
		return err
	}
	if err := util.WriteSlice[uint32](blk._keyEnds, w); err != nil {
		return err
	}
	if err := util.WriteBytes(blk._keys, w); err != nil {
		return err
	}
	if err := util.WriteBytes(blk._states, w); err != nil {
		return err
	}
	return util.WriteSlice[int64](blk._rows, w)
}

func (blk *MaterializedBlock) deserialize(r io.Reader) error {
	var count, stateWidth int64
	if err := util.Read[int64](&count, r); err != nil {
		return err
	}
	if err := util.Read[int64](&stateWidth, r); err != nil {
		return err
	}
	hashes, err := util.ReadSlice[uint64](r)
	if err != nil {
		return err
	}
	keyEnds, err := util.ReadSlice[uint32](r)
	if err != nil {
		return err
	}
	keys, err := util.ReadBytes(r)
	if err != nil {
		return err
	}
	states, err := util.ReadBytes(r)
	if err != nil {
		return err
	}
	rows, err := util.ReadSlice[int64](r)
	if err != nil {
		return err
	}
	if int(count) != blk._count || int(stateWidth) != blk._stateWidth ||
		len(hashes) != blk._count || len(keyEnds) != blk._count ||
		len(rows) != blk._count || len(states) != blk._count*blk._stateWidth {
		return errors.Newf("corrupted spilled block: %d groups, expect %d", count, blk._count)
	}
	blk._hashes = hashes
	blk._keyEnds = keyEnds
	blk._keys = keys
	blk._states = states
	blk._rows = rows
	return nil
}

// admit accounts the block in the buffer manager or spills it when memory
// is short. Queued blocks never take the upper half of a limited memory;
// it stays for the hash tables.
func (blk *MaterializedBlock) admit(mgr *storage.BufferManager) error {
	sz := blk.Size()
	if mgr.Limit() > 0 && mgr.Used()+int64(sz) > mgr.Limit()/2 {
		return blk.spill(mgr)
	}
	err := mgr.Reserve(sz)
	if err == nil {
		blk._reserved = sz
		return nil
	}
	if !errors.Is(err, storage.ErrOutOfMemory) {
		return err
	}
	return blk.spill(mgr)
}

func (blk *MaterializedBlock) spill(mgr *storage.BufferManager) error {
	util.AssertFunc(!blk.Spilled())
	sf, err := mgr.Spill(blk.serialize)
	if err != nil {
		return errors.Wrapf(err, "spill block of %d groups", blk._count)
	}
	blk._spill = sf
	blk._hashes = nil
	blk._keyEnds = nil
	blk._keys = nil
	blk._states = nil
	blk._rows = nil
	if blk._reserved > 0 {
		mgr.Release(blk._reserved)
		blk._reserved = 0
	}
	return nil
}

// load reads a spilled block back. The memory is not accounted; the block
// is released right after it is consumed.
func (blk *MaterializedBlock) load() error {
	if !blk.Spilled() {
		return nil
	}
	err := blk._spill.Load(blk.deserialize)
	if err != nil {
		return err
	}
	err = blk._spill.Remove()
	blk._spill = nil
	return err
}

// release gives back memory and the spill file of the block.
func (blk *MaterializedBlock) release(mgr *storage.BufferManager) error {
	if blk._reserved > 0 {
		mgr.Release(blk._reserved)
		blk._reserved = 0
	}
	var err error
	if blk._spill != nil {
		err = blk._spill.Remove()
		blk._spill = nil
	}
	blk._hashes = nil
	blk._keyEnds = nil
	blk._keys = nil
	blk._states = nil
	blk._rows = nil
	return err
}

// split distributes the groups of a loaded block over 2^(newBits-oldBits)
// children by the partition bits of their hashes.
func (blk *MaterializedBlock) split(oldBits, newBits int) []*MaterializedBlock {
	util.AssertFunc(!blk.Spilled())
	util.AssertFunc(newBits > oldBits)
	fanout := 1 << (newBits - oldBits)
	mask := uint64(fanout - 1)
	children := make([]*MaterializedBlock, fanout)
	for i := 0; i < blk._count; i++ {
		child := (blk._hashes[i] >> (64 - newBits)) & mask
		if children[child] == nil {
			children[child] = newMaterializedBlock(blk._count/fanout+1, blk._stateWidth)
		}
		children[child].append(blk._hashes[i], blk.key(i), blk.states(i), blk._rows[i])
	}
	return children
}

// MaterializedAggregateData is the queue of blocks of an abandoned
// partition.
type MaterializedAggregateData struct {
	_blocks []*MaterializedBlock
	_rows   int64
	_groups int
}

func (data *MaterializedAggregateData) Append(blks ...*MaterializedBlock) {
	for _, blk := range blks {
		if blk == nil || blk.Count() == 0 {
			continue
		}
		data._blocks = append(data._blocks, blk)
		data._rows += blk.RowCount()
		data._groups += blk.Count()
	}
}

func (data *MaterializedAggregateData) Blocks() []*MaterializedBlock {
	return data._blocks
}

func (data *MaterializedAggregateData) RowCount() int64 {
	return data._rows
}

// GroupCount is an upper bound of the distinct groups in the queue.
func (data *MaterializedAggregateData) GroupCount() int {
	return data._groups
}

func (data *MaterializedAggregateData) SpilledBlocks() int {
	cnt := 0
	for _, blk := range data._blocks {
		if blk.Spilled() {
			cnt++
		}
	}
	return cnt
}

func (data *MaterializedAggregateData) SizeInBytes() int64 {
	sz := int64(0)
	for _, blk := range data._blocks {
		sz += int64(blk._reserved)
	}
	return sz
}

func (data *MaterializedAggregateData) release(mgr *storage.BufferManager) error {
	var err error
	for _, blk := range data._blocks {
		if blk != nil {
			err = errors.CombineErrors(err, blk.release(mgr))
		}
	}
	data._blocks = nil
	data._rows = 0
	data._groups = 0
	return err
}

type PartitionState int

const (
	PARTITION_AGGREGATED PartitionState = iota
	PARTITION_ABANDONED
)

func (ps PartitionState) String() string {
	switch ps {
	case PARTITION_AGGREGATED:
		return "aggregated"
	case PARTITION_ABANDONED:
		return "abandoned"
	default:
		return "invalid"
	}
}

// AggregatePartition is either aggregated, holding a live table (nil while
// nothing arrived), or abandoned, holding a queue of materialized blocks.
type AggregatePartition struct {
	_lock  sync.Mutex
	_state PartitionState
	_table *GroupedAggrHashTable
	_data  *MaterializedAggregateData
}

func NewAggregatePartition() *AggregatePartition {
	return &AggregatePartition{_state: PARTITION_AGGREGATED}
}

func (part *AggregatePartition) State() PartitionState {
	return part._state
}

func (part *AggregatePartition) Table() *GroupedAggrHashTable {
	return part._table
}

func (part *AggregatePartition) Data() *MaterializedAggregateData {
	return part._data
}

func (part *AggregatePartition) IsAbandoned() bool {
	return part._state == PARTITION_ABANDONED
}

// GroupCount is exact for aggregated partitions and an upper bound for
// abandoned ones.
func (part *AggregatePartition) GroupCount() int {
	switch part._state {
	case PARTITION_AGGREGATED:
		if part._table == nil {
			return 0
		}
		return part._table.Count()
	default:
		return part._data.GroupCount()
	}
}

func (part *AggregatePartition) RowCount() int64 {
	switch part._state {
	case PARTITION_AGGREGATED:
		if part._table == nil {
			return 0
		}
		return part._table.RowCount()
	default:
		return part._data.RowCount()
	}
}

func (part *AggregatePartition) SizeInBytes() int64 {
	switch part._state {
	case PARTITION_AGGREGATED:
		if part._table == nil {
			return 0
		}
		return part._table.SizeInBytes()
	default:
		return part._data.SizeInBytes()
	}
}

// abandon turns an aggregated partition into an abandoned one. The live
// table is materialized into the queue.
func (part *AggregatePartition) abandon(mgr *storage.BufferManager, blockGroups int) error {
	if part._state == PARTITION_ABANDONED {
		return nil
	}
	part._data = &MaterializedAggregateData{}
	part._state = PARTITION_ABANDONED
	if part._table == nil {
		return nil
	}
	table := part._table
	part._table = nil
	return part.appendTable(mgr, table, blockGroups)
}

// appendTable materializes table into the queue of an abandoned partition.
func (part *AggregatePartition) appendTable(
	mgr *storage.BufferManager,
	table *GroupedAggrHashTable,
	blockGroups int,
) error {
	util.AssertFunc(part._state == PARTITION_ABANDONED)
	blks := table.Materialize(blockGroups)
	table.Close()
	return part.appendBlocks(mgr, blks)
}

func (part *AggregatePartition) appendBlocks(mgr *storage.BufferManager, blks []*MaterializedBlock) error {
	util.AssertFunc(part._state == PARTITION_ABANDONED)
	for _, blk := range blks {
		if blk == nil {
			continue
		}
		if blk._reserved == 0 && !blk.Spilled() {
			if err := blk.admit(mgr); err != nil {
				return err
			}
		}
		part._data.Append(blk)
	}
	return nil
}

// reaggregate turns an abandoned partition back into an aggregated one by
// combining its blocks into a fresh table.
func (part *AggregatePartition) reaggregate(
	ctx context.Context,
	newTable func(estimate int) (*GroupedAggrHashTable, error),
	mgr *storage.BufferManager,
) error {
	util.AssertFunc(part._state == PARTITION_ABANDONED)
	data := part._data
	table, err := newTable(data.GroupCount())
	if err != nil {
		return err
	}
	for i, blk := range data._blocks {
		if err = ctx.Err(); err != nil {
			break
		}
		if err = blk.load(); err != nil {
			break
		}
		if err = table.CombineBlock(blk); err != nil {
			break
		}
		if err = blk.release(mgr); err != nil {
			break
		}
		data._blocks[i] = nil
	}
	if err != nil {
		table.Close()
		return err
	}
	util.Debug("partition reaggregated",
		zap.Int("blocks", len(data._blocks)),
		zap.Int("groups", table.Count()),
		zap.Int64("rows", table.RowCount()),
		util.GoID())
	part._data = nil
	part._table = table
	part._state = PARTITION_AGGREGATED
	return nil
}

// close releases everything the partition owns.
func (part *AggregatePartition) close(mgr *storage.BufferManager) error {
	if part._table != nil {
		part._table.Close()
		part._table = nil
	}
	if part._data != nil {
		return part._data.release(mgr)
	}
	return nil
}
