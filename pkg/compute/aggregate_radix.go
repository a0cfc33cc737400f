package compute

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/storage"
	"github.com/daviszhen/radixagg/pkg/util"
)

// upper bound of the initial capacity of a re-aggregated table
const maxEstimateGroups = 1 << 20

var errPartitionBudget = errors.New("partition memory budget exceeded")

// abandonable reports whether err is solved by abandoning a partition.
func abandonable(err error) bool {
	return errors.Is(err, storage.ErrOutOfMemory) || errors.Is(err, errPartitionBudget)
}

// partitionIndex picks the partition from the high bits of the hash.
func partitionIndex(hash uint64, radixBits int) int {
	if radixBits == 0 {
		return 0
	}
	return int(hash >> (64 - radixBits))
}

// RadixPartitionedHashTable aggregates one grouping set. Goroutines sink
// into their own local state, merge it into the shared global state once,
// and read the finalized groups back partition by partition.
type RadixPartitionedHashTable struct {
	_groupingSet     GroupingSet
	//columns of the grouping set in ascending order
	_groupCols       []int
	_nullGroups      []int
	_groupedAggrData *GroupedAggrData
	_groupTypes      []common.LType
	_groupingValues  []*chunk.Value
	_config          util.AggrOptions
	//0 means no budget
	_partitionLimit int64
	_bufMgr         *storage.BufferManager
	//groups per materialized block
	_blockGroups int
}

func NewRadixPartitionedHashTable(
	groupingSet GroupingSet,
	aggrData *GroupedAggrData,
	cfg util.AggrOptions,
	bufMgr *storage.BufferManager,
) (*RadixPartitionedHashTable, error) {
	limit, err := cfg.PartitionMemoryLimitBytes()
	if err != nil {
		return nil, err
	}
	if cfg.InitialRadixBits < 0 || cfg.MaxRadixBits > 16 || cfg.InitialRadixBits > cfg.MaxRadixBits {
		return nil, errors.Newf("invalid radix bits: initial %d max %d",
			cfg.InitialRadixBits, cfg.MaxRadixBits)
	}
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.GOMAXPROCS(0)
	}
	if cfg.RepartitionBits <= 0 {
		cfg.RepartitionBits = 1
	}
	if cfg.SkewFactor < 1 {
		cfg.SkewFactor = 1
	}
	if cfg.ScanTaskSize <= 0 {
		cfg.ScanTaskSize = util.DefaultVectorSize
	}
	if cfg.InitialCapacity <= 0 {
		cfg.InitialCapacity = util.DefaultVectorSize
	}

	rpht := &RadixPartitionedHashTable{
		_groupingSet:     groupingSet,
		_groupCols:       groupingSet.ordered(),
		_groupedAggrData: aggrData,
		_config:          cfg,
		_partitionLimit:  limit,
		_bufMgr:          bufMgr,
	}

	for i := 0; i < aggrData.GroupCount(); i++ {
		if !groupingSet.find(i) {
			rpht._nullGroups = append(rpht._nullGroups, i)
		}
	}

	if groupingSet.empty() {
		//fake a single group with a constant value
		rpht._groupTypes = append(rpht._groupTypes, common.TinyintType())
	} else {
		for _, ent := range rpht._groupCols {
			util.AssertFunc(ent < aggrData.GroupCount())
			rpht._groupTypes = append(rpht._groupTypes, aggrData._groupTypes[ent])
		}
	}
	rpht.SetGroupingValues()

	rowWidth := NewAggrRowLayout(aggrData._aggregates)._rowWidth
	rpht._blockGroups = max(bufMgr.BlockSize()/(rowWidth+16), util.DefaultVectorSize)
	return rpht, nil
}

// SetGroupingValues computes the constant of every GROUPING function for
// this grouping set.
func (rpht *RadixPartitionedHashTable) SetGroupingValues() {
	rpht._groupingValues = nil
	for _, group := range rpht._groupedAggrData._groupingFuncs {
		util.AssertFunc(len(group) < 64)
		groupingValue := int64(0)
		for i, gval := range group {
			if !rpht._groupingSet.find(gval) {
				//do not group on this value
				groupingValue += 1 << (len(group) - (i + 1))
			}
		}
		rpht._groupingValues = append(rpht._groupingValues,
			&chunk.Value{
				Typ: common.BigintType(),
				I64: groupingValue,
			})
	}
}

func (rpht *RadixPartitionedHashTable) GroupingSet() GroupingSet {
	return rpht._groupingSet
}

func (rpht *RadixPartitionedHashTable) newTable(estimate int) (*GroupedAggrHashTable, error) {
	return NewGroupedAggrHashTable(
		rpht._groupTypes,
		rpht._groupedAggrData._aggregates,
		min(estimate, maxEstimateGroups),
		rpht._bufMgr,
	)
}

// RadixHTGlobalSinkState is shared by all goroutines of one aggregation.
type RadixHTGlobalSinkState struct {
	//write locked only to change the partition array
	_lock       sync.RWMutex
	_radixBits  int
	_partitions []*AggregatePartition

	_rowsSunk     atomic.Int64
	_combined     atomic.Int64
	_abandons     atomic.Int64
	_repartitions int

	_multiScan bool
	_finalized bool
	_scanned   bool
}

func (rpht *RadixPartitionedHashTable) GetGlobalSinkState() *RadixHTGlobalSinkState {
	gstate := &RadixHTGlobalSinkState{
		_radixBits: rpht._config.InitialRadixBits,
	}
	gstate._partitions = make([]*AggregatePartition, 1<<gstate._radixBits)
	for i := range gstate._partitions {
		gstate._partitions[i] = NewAggregatePartition()
	}
	return gstate
}

func (gstate *RadixHTGlobalSinkState) RadixBits() int {
	gstate._lock.RLock()
	defer gstate._lock.RUnlock()
	return gstate._radixBits
}

func (gstate *RadixHTGlobalSinkState) Partitions() []*AggregatePartition {
	gstate._lock.RLock()
	defer gstate._lock.RUnlock()
	return gstate._partitions
}

// RowsSunk is the number of input rows passed to Sink.
func (gstate *RadixHTGlobalSinkState) RowsSunk() int64 {
	return gstate._rowsSunk.Load()
}

// RowCount is the number of input rows held by the partitions.
func (gstate *RadixHTGlobalSinkState) RowCount() int64 {
	gstate._lock.RLock()
	defer gstate._lock.RUnlock()
	cnt := int64(0)
	for _, part := range gstate._partitions {
		part._lock.Lock()
		cnt += part.RowCount()
		part._lock.Unlock()
	}
	return cnt
}

// Abandons counts the partitions abandoned locally or globally.
func (gstate *RadixHTGlobalSinkState) Abandons() int64 {
	return gstate._abandons.Load()
}

func (gstate *RadixHTGlobalSinkState) Repartitions() int {
	gstate._lock.RLock()
	defer gstate._lock.RUnlock()
	return gstate._repartitions
}

func (gstate *RadixHTGlobalSinkState) Finalized() bool {
	return gstate._finalized
}

// RadixHTLocalSinkState is owned by one goroutine.
type RadixHTLocalSinkState struct {
	_radixBits int
	_tables    []*GroupedAggrHashTable
	//blocks of the partitions abandoned during sink
	_abandoned [][]*MaterializedBlock

	_appendState *AggrHTAppendState
	_groupChunk  chunk.Chunk
	_hashes      *chunk.Vector
	_partGroups  chunk.Chunk
	_partHashes  *chunk.Vector
	_partPayload chunk.Chunk
	_partOffsets []int
	_partSel     []int

	_bufMgr   *storage.BufferManager
	_rows     int64
	_combined bool
}

func (rpht *RadixPartitionedHashTable) GetLocalSinkState(gstate *RadixHTGlobalSinkState) *RadixHTLocalSinkState {
	bits := gstate.RadixBits()
	lstate := &RadixHTLocalSinkState{
		_radixBits:   bits,
		_tables:      make([]*GroupedAggrHashTable, 1<<bits),
		_abandoned:   make([][]*MaterializedBlock, 1<<bits),
		_appendState: NewAggrHTAppendState(),
		_hashes:      chunk.NewFlatVector(common.HashType(), util.DefaultVectorSize),
		_partHashes:  chunk.NewFlatVector(common.HashType(), util.DefaultVectorSize),
		_bufMgr:      rpht._bufMgr,
	}
	lstate._groupChunk.Init(rpht._groupTypes, util.DefaultVectorSize)
	lstate._partGroups.Init(rpht._groupTypes, util.DefaultVectorSize)
	lstate._partPayload.Init(rpht._groupedAggrData._payloadTypes, util.DefaultVectorSize)
	return lstate
}

// RowCount is the number of input rows this local state received.
func (lstate *RadixHTLocalSinkState) RowCount() int64 {
	return lstate._rows
}

// Close releases whatever was not merged into the global state.
func (lstate *RadixHTLocalSinkState) Close() error {
	var err error
	for p, table := range lstate._tables {
		if table != nil {
			table.Close()
			lstate._tables[p] = nil
		}
	}
	for p, blks := range lstate._abandoned {
		for _, blk := range blks {
			err = errors.CombineErrors(err, blk.release(lstate._bufMgr))
		}
		lstate._abandoned[p] = nil
	}
	return err
}

// PopulateGroupChunk references the columns of the grouping set.
func (rpht *RadixPartitionedHashTable) PopulateGroupChunk(groupChunk, input *chunk.Chunk) {
	if rpht._groupingSet.empty() {
		groupChunk.Data[0].ReferenceValue(&chunk.Value{
			Typ: common.TinyintType(),
		})
	} else {
		for i, idx := range rpht._groupCols {
			groupChunk.Data[i].Reference(input.Data[idx])
		}
	}
	groupChunk.SetCap(max(groupChunk.Cap(), input.Card()))
	groupChunk.SetCard(input.Card())
}

// Sink aggregates input into the local state. payload holds the arguments
// of the aggregates; filter lists the aggregates to update, nil means all.
func (rpht *RadixPartitionedHashTable) Sink(
	gstate *RadixHTGlobalSinkState,
	lstate *RadixHTLocalSinkState,
	input *chunk.Chunk,
	payload *chunk.Chunk,
	filter []int,
) error {
	util.Assertf(!lstate._combined, "sink into a combined local state")
	count := input.Card()
	if count == 0 {
		return nil
	}
	util.AssertFunc(payload.Card() == count)
	rpht.PopulateGroupChunk(&lstate._groupChunk, input)
	if lstate._hashes.Cap() < count {
		lstate._hashes = chunk.NewFlatVector(common.HashType(), count)
	}
	lstate._groupChunk.Hash(lstate._hashes)
	gstate._rowsSunk.Add(int64(count))
	lstate._rows += int64(count)

	if lstate._radixBits == 0 {
		return rpht.sinkPartition(gstate, lstate, 0, &lstate._groupChunk, lstate._hashes, payload, filter)
	}

	//counting sort of the rows by partition
	partCnt := len(lstate._tables)
	if len(lstate._partOffsets) < partCnt+1 {
		lstate._partOffsets = make([]int, partCnt+1)
	}
	offsets := lstate._partOffsets[:partCnt+1]
	clear(offsets)
	hashes := chunk.GetSliceInPhyFormatFlat[uint64](lstate._hashes)
	for i := 0; i < count; i++ {
		offsets[partitionIndex(hashes[i], lstate._radixBits)+1]++
	}
	for p := 1; p <= partCnt; p++ {
		offsets[p] += offsets[p-1]
	}
	if cap(lstate._partSel) < count {
		lstate._partSel = make([]int, count)
	}
	perm := lstate._partSel[:count]
	for i := 0; i < count; i++ {
		p := partitionIndex(hashes[i], lstate._radixBits)
		perm[offsets[p]] = i
		offsets[p]++
	}
	begin := 0
	for p := 0; p < partCnt; p++ {
		end := offsets[p]
		n := end - begin
		if n == 0 {
			continue
		}
		if n == count {
			return rpht.sinkPartition(gstate, lstate, p, &lstate._groupChunk, lstate._hashes, payload, filter)
		}
		sel := &chunk.SelectVector{SelVec: perm[begin:end]}
		lstate._partGroups.Slice(&lstate._groupChunk, sel, n, 0)
		lstate._partHashes.Slice(lstate._hashes, sel, n)
		lstate._partPayload.Slice(payload, sel, n, 0)
		err := rpht.sinkPartition(gstate, lstate, p, &lstate._partGroups, lstate._partHashes, &lstate._partPayload, filter)
		if err != nil {
			return err
		}
		begin = end
	}
	return nil
}

func (rpht *RadixPartitionedHashTable) sinkPartition(
	gstate *RadixHTGlobalSinkState,
	lstate *RadixHTLocalSinkState,
	p int,
	groups *chunk.Chunk,
	hashes *chunk.Vector,
	payload *chunk.Chunk,
	filter []int,
) error {
	estimate := rpht._config.InitialCapacity
	if len(lstate._abandoned[p]) != 0 {
		estimate = 0
	}
	err := rpht.addToLocal(lstate, p, groups, hashes, payload, filter, estimate)
	if err == nil {
		//keep the local table within the partition budget
		table := lstate._tables[p]
		if rpht.ShouldCombine(0, table.SizeInBytes()) {
			return nil
		}
		gstate._abandons.Add(1)
		return rpht.abandonLocal(lstate, p)
	}
	if !errors.Is(err, storage.ErrOutOfMemory) || rpht._config.DisableAbandon {
		return err
	}
	util.Debug("abandon local partition",
		zap.Int("partition", p),
		zap.Int("radixBits", lstate._radixBits),
		zap.Error(err),
		util.GoID())
	gstate._abandons.Add(1)
	if err = rpht.abandonLocal(lstate, p); err != nil {
		return err
	}
	err = rpht.addToLocal(lstate, p, groups, hashes, payload, filter, 0)
	if err == nil || !errors.Is(err, storage.ErrOutOfMemory) {
		return err
	}
	//other goroutines took the memory. free every local table.
	for q, table := range lstate._tables {
		if table == nil {
			continue
		}
		gstate._abandons.Add(1)
		if err = rpht.abandonLocal(lstate, q); err != nil {
			return err
		}
	}
	err = rpht.addToLocal(lstate, p, groups, hashes, payload, filter, 0)
	if err != nil {
		return errors.Wrapf(err, "partition %d: no memory for a minimal table", p)
	}
	return nil
}

func (rpht *RadixPartitionedHashTable) addToLocal(
	lstate *RadixHTLocalSinkState,
	p int,
	groups *chunk.Chunk,
	hashes *chunk.Vector,
	payload *chunk.Chunk,
	filter []int,
	estimate int,
) error {
	table := lstate._tables[p]
	if table == nil {
		var err error
		table, err = rpht.newTable(estimate)
		if err != nil {
			return err
		}
		lstate._tables[p] = table
	}
	_, err := table.AddChunk(lstate._appendState, groups, hashes, payload, filter)
	return err
}

// abandonLocal moves the table of a local partition into its queue.
func (rpht *RadixPartitionedHashTable) abandonLocal(lstate *RadixHTLocalSinkState, p int) error {
	table := lstate._tables[p]
	if table == nil {
		return nil
	}
	lstate._tables[p] = nil
	blks := table.Materialize(rpht._blockGroups)
	table.Close()
	for i, blk := range blks {
		if err := blk.admit(rpht._bufMgr); err != nil {
			for _, rest := range blks[i:] {
				_ = rest.release(rpht._bufMgr)
			}
			return errors.Wrapf(err, "abandon local partition %d", p)
		}
		lstate._abandoned[p] = append(lstate._abandoned[p], blk)
	}
	return nil
}

// Combine merges the local state into the global state. It is called once
// per local state and may run concurrently with other Combine calls.
func (rpht *RadixPartitionedHashTable) Combine(
	gstate *RadixHTGlobalSinkState,
	lstate *RadixHTLocalSinkState,
) (err error) {
	util.Assertf(!lstate._combined, "local sink state combined twice")
	util.Assertf(!gstate._finalized, "combine after finalize")
	lstate._combined = true
	defer func() {
		if err != nil {
			err = errors.CombineErrors(err, lstate.Close())
		}
	}()

	for {
		if err = rpht.RequiresRepartitioning(gstate, lstate); err != nil {
			return err
		}
		gstate._lock.RLock()
		if lstate._radixBits == gstate._radixBits {
			break
		}
		gstate._lock.RUnlock()
	}
	defer gstate._lock.RUnlock()

	for p, part := range gstate._partitions {
		table, queue := lstate._tables[p], lstate._abandoned[p]
		lstate._tables[p], lstate._abandoned[p] = nil, nil
		if err = rpht.CombinePartition(gstate, part, table, queue); err != nil {
			return errors.Wrapf(err, "combine partition %d", p)
		}
	}
	gstate._combined.Add(1)
	util.Debug("local state combined",
		zap.Int64("rows", lstate._rows),
		zap.Int("radixBits", lstate._radixBits),
		util.GoID())
	return nil
}

// RequiresRepartitioning raises the radix bits of the global state when
// its partitions got skewed or too big, then brings the local state to the
// global radix bits.
func (rpht *RadixPartitionedHashTable) RequiresRepartitioning(
	gstate *RadixHTGlobalSinkState,
	lstate *RadixHTLocalSinkState,
) error {
	gstate._lock.Lock()
	if rpht.skewed(gstate, lstate) {
		newBits := min(gstate._radixBits+rpht._config.RepartitionBits, rpht._config.MaxRadixBits)
		if err := rpht.repartitionGlobal(gstate, newBits); err != nil {
			gstate._lock.Unlock()
			return err
		}
	}
	bits := gstate._radixBits
	gstate._lock.Unlock()

	if lstate._radixBits < bits {
		return rpht.repartitionLocal(lstate, bits)
	}
	return nil
}

// skewed estimates the partitions after merging the local state. The local
// groups of a partition spread evenly over its global children.
func (rpht *RadixPartitionedHashTable) skewed(
	gstate *RadixHTGlobalSinkState,
	lstate *RadixHTLocalSinkState,
) bool {
	if gstate._radixBits >= rpht._config.MaxRadixBits {
		return false
	}
	shift := gstate._radixBits - lstate._radixBits
	if shift < 0 {
		return false
	}
	spread := 1 << shift
	total := 0
	maxGroups := 0
	maxBytes := int64(0)
	for p, part := range gstate._partitions {
		groups := part.GroupCount()
		bytes := part.SizeInBytes()
		lp := p >> shift
		if table := lstate._tables[lp]; table != nil {
			groups += table.Count() / spread
			bytes += table.SizeInBytes() / int64(spread)
		}
		for _, blk := range lstate._abandoned[lp] {
			groups += blk.Count() / spread
			bytes += int64(blk._reserved / spread)
		}
		total += groups
		maxGroups = max(maxGroups, groups)
		maxBytes = max(maxBytes, bytes)
	}
	mean := float64(total) / float64(len(gstate._partitions))
	if maxGroups > rpht._config.RepartitionMinGroups &&
		float64(maxGroups) > rpht._config.SkewFactor*mean {
		return true
	}
	return rpht._partitionLimit > 0 && maxBytes > rpht._partitionLimit/2
}

// ShouldCombine decides if a partition may grow to hold both sizes.
func (rpht *RadixPartitionedHashTable) ShouldCombine(globalBytes, localBytes int64) bool {
	if rpht._partitionLimit == 0 || rpht._config.DisableAbandon {
		return true
	}
	return globalBytes+localBytes <= rpht._partitionLimit
}

// CombinePartition merges a local table and the local queue into the
// global partition. The array read lock must be held.
func (rpht *RadixPartitionedHashTable) CombinePartition(
	gstate *RadixHTGlobalSinkState,
	part *AggregatePartition,
	local *GroupedAggrHashTable,
	queue []*MaterializedBlock,
) (err error) {
	part._lock.Lock()
	defer part._lock.Unlock()

	if local != nil && local.Count() == 0 {
		local.Close()
		local = nil
	}
	if local != nil {
		if err = rpht.combineTable(gstate, part, local); err != nil {
			for _, blk := range queue {
				_ = blk.release(rpht._bufMgr)
			}
			return err
		}
	}
	for i, blk := range queue {
		if err = rpht.feedBlock(gstate, part, blk); err != nil {
			for _, rest := range queue[i+1:] {
				_ = rest.release(rpht._bufMgr)
			}
			return err
		}
	}
	return nil
}

// combineTable merges the local table into the partition. The local table
// is consumed in every case.
func (rpht *RadixPartitionedHashTable) combineTable(
	gstate *RadixHTGlobalSinkState,
	part *AggregatePartition,
	local *GroupedAggrHashTable,
) error {
	if part._state == PARTITION_AGGREGATED {
		if part._table == nil {
			if rpht.ShouldCombine(0, local.SizeInBytes()) {
				part._table = local
				return nil
			}
		} else if rpht.ShouldCombine(part._table.SizeInBytes(), local.SizeInBytes()) {
			err := part._table.Combine(local)
			if err == nil {
				local.Close()
				return nil
			}
			if !abandonable(err) || rpht._config.DisableAbandon {
				local.Close()
				return err
			}
		}
		if err := rpht.abandonPartition(gstate, part); err != nil {
			local.Close()
			return err
		}
	}
	return part.appendTable(rpht._bufMgr, local, rpht._blockGroups)
}

// feedBlock merges a block into the partition or queues it. The block is
// consumed in every case.
func (rpht *RadixPartitionedHashTable) feedBlock(
	gstate *RadixHTGlobalSinkState,
	part *AggregatePartition,
	blk *MaterializedBlock,
) error {
	if part._state == PARTITION_AGGREGATED {
		err := rpht.combineBlockInto(part, blk)
		if err == nil {
			return blk.release(rpht._bufMgr)
		}
		if !abandonable(err) || rpht._config.DisableAbandon {
			_ = blk.release(rpht._bufMgr)
			return err
		}
		if err = rpht.abandonPartition(gstate, part); err != nil {
			_ = blk.release(rpht._bufMgr)
			return err
		}
	}
	return part.appendBlocks(rpht._bufMgr, []*MaterializedBlock{blk})
}

func (rpht *RadixPartitionedHashTable) combineBlockInto(part *AggregatePartition, blk *MaterializedBlock) error {
	var size int64
	if part._table != nil {
		size = part._table.SizeInBytes()
	}
	if !rpht.ShouldCombine(size, int64(blk.Size())) {
		return errPartitionBudget
	}
	if err := blk.load(); err != nil {
		return err
	}
	if part._table == nil {
		table, err := rpht.newTable(blk.Count())
		if err != nil {
			return err
		}
		part._table = table
	}
	return part._table.CombineBlock(blk)
}

func (rpht *RadixPartitionedHashTable) abandonPartition(gstate *RadixHTGlobalSinkState, part *AggregatePartition) error {
	groups := part.GroupCount()
	if err := part.abandon(rpht._bufMgr, rpht._blockGroups); err != nil {
		return errors.Wrap(err, "abandon partition")
	}
	gstate._abandons.Add(1)
	util.Debug("abandon partition",
		zap.Int("groups", groups),
		zap.Int("blocks", len(part._data.Blocks())),
		zap.Int("spilled", part._data.SpilledBlocks()),
		util.GoID())
	return nil
}

// splitBlocks distributes blocks over 2^(newBits-oldBits) children. The
// source blocks are released.
func (rpht *RadixPartitionedHashTable) splitBlocks(
	blks []*MaterializedBlock,
	oldBits, newBits int,
) ([][]*MaterializedBlock, error) {
	children := make([][]*MaterializedBlock, 1<<(newBits-oldBits))
	var err error
	for i, blk := range blks {
		if err = blk.load(); err != nil {
			for _, rest := range blks[i:] {
				_ = rest.release(rpht._bufMgr)
			}
			break
		}
		for c, child := range blk.split(oldBits, newBits) {
			if child != nil {
				children[c] = append(children[c], child)
			}
		}
		if err = blk.release(rpht._bufMgr); err != nil {
			for _, rest := range blks[i+1:] {
				_ = rest.release(rpht._bufMgr)
			}
			break
		}
	}
	if err != nil {
		for _, list := range children {
			for _, blk := range list {
				_ = blk.release(rpht._bufMgr)
			}
		}
		return nil, err
	}
	return children, nil
}

// repartitionGlobal splits every global partition into its children. The
// array write lock must be held.
func (rpht *RadixPartitionedHashTable) repartitionGlobal(gstate *RadixHTGlobalSinkState, newBits int) error {
	oldBits := gstate._radixBits
	util.AssertFunc(newBits > oldBits)
	fanout := 1 << (newBits - oldBits)
	parts := make([]*AggregatePartition, 1<<newBits)
	for i := range parts {
		parts[i] = NewAggregatePartition()
	}
	var err error
	for p, part := range gstate._partitions {
		if err != nil {
			_ = part.close(rpht._bufMgr)
			continue
		}
		err = rpht.splitPartition(gstate, part, parts[p*fanout:(p+1)*fanout], oldBits, newBits)
	}
	if err != nil {
		for _, part := range parts {
			_ = part.close(rpht._bufMgr)
		}
		return errors.Wrapf(err, "repartition from %d to %d bits", oldBits, newBits)
	}
	gstate._partitions = parts
	gstate._radixBits = newBits
	gstate._repartitions++
	util.Info("aggregate repartitioned",
		zap.Int("oldBits", oldBits),
		zap.Int("newBits", newBits),
		zap.String("memory", util.BytesSize(rpht._bufMgr.Used())),
		util.GoID())
	return nil
}

// splitPartition moves the groups of part into its children. Aggregated
// groups stay aggregated when memory allows, abandoned groups stay queued.
func (rpht *RadixPartitionedHashTable) splitPartition(
	gstate *RadixHTGlobalSinkState,
	part *AggregatePartition,
	children []*AggregatePartition,
	oldBits, newBits int,
) error {
	var blks []*MaterializedBlock
	abandoned := part._state == PARTITION_ABANDONED
	if abandoned {
		blks = part._data.Blocks()
		part._data = nil
	} else if part._table != nil {
		blks = part._table.Materialize(rpht._blockGroups)
		part._table.Close()
		part._table = nil
	}
	part._state = PARTITION_AGGREGATED
	split, err := rpht.splitBlocks(blks, oldBits, newBits)
	if err != nil {
		return err
	}
	for c, list := range split {
		child := children[c]
		if abandoned {
			if err = child.abandon(rpht._bufMgr, rpht._blockGroups); err == nil {
				err = child.appendBlocks(rpht._bufMgr, list)
			}
		} else {
			for _, blk := range list {
				if err = rpht.feedBlock(gstate, child, blk); err != nil {
					break
				}
			}
		}
		if err != nil {
			rpht.releaseBlocks(split...)
			return err
		}
	}
	return nil
}

// releaseBlocks releases blocks that may already be released.
func (rpht *RadixPartitionedHashTable) releaseBlocks(lists ...[]*MaterializedBlock) {
	for _, list := range lists {
		for _, blk := range list {
			_ = blk.release(rpht._bufMgr)
		}
	}
}

// repartitionLocal splits the local partitions to newBits.
func (rpht *RadixPartitionedHashTable) repartitionLocal(lstate *RadixHTLocalSinkState, newBits int) error {
	oldBits := lstate._radixBits
	fanout := 1 << (newBits - oldBits)
	oldTables, oldQueues := lstate._tables, lstate._abandoned
	lstate._tables = make([]*GroupedAggrHashTable, 1<<newBits)
	lstate._abandoned = make([][]*MaterializedBlock, 1<<newBits)
	lstate._radixBits = newBits

	var err error
	for p := range oldTables {
		var blks []*MaterializedBlock
		if oldTables[p] != nil {
			blks = oldTables[p].Materialize(rpht._blockGroups)
			oldTables[p].Close()
			oldTables[p] = nil
		}
		if err != nil {
			rpht.releaseBlocks(blks, oldQueues[p])
			continue
		}
		err = rpht.splitLocalPartition(lstate, p*fanout, blks, oldQueues[p], oldBits, newBits)
	}
	if err != nil {
		return errors.Wrapf(err, "repartition local state from %d to %d bits", oldBits, newBits)
	}
	return nil
}

// splitLocalPartition puts the live groups of a local partition back into
// tables and keeps its queued groups queued.
func (rpht *RadixPartitionedHashTable) splitLocalPartition(
	lstate *RadixHTLocalSinkState,
	base int,
	blks, queue []*MaterializedBlock,
	oldBits, newBits int,
) error {
	live, err := rpht.splitBlocks(blks, oldBits, newBits)
	if err != nil {
		rpht.releaseBlocks(queue)
		return err
	}
	queued, err := rpht.splitBlocks(queue, oldBits, newBits)
	if err != nil {
		rpht.releaseBlocks(live...)
		return err
	}
	for c := range live {
		for _, blk := range live[c] {
			if err = rpht.feedLocal(lstate, base+c, blk); err != nil {
				break
			}
		}
		if err != nil {
			break
		}
		for _, blk := range queued[c] {
			if err = blk.admit(rpht._bufMgr); err != nil {
				break
			}
			lstate._abandoned[base+c] = append(lstate._abandoned[base+c], blk)
		}
		if err != nil {
			break
		}
	}
	if err != nil {
		rpht.releaseBlocks(live...)
		rpht.releaseBlocks(queued...)
	}
	return err
}

// feedLocal merges a block into a local table, abandoning the local
// partition when memory is short. The block is consumed.
func (rpht *RadixPartitionedHashTable) feedLocal(lstate *RadixHTLocalSinkState, p int, blk *MaterializedBlock) error {
	var err error
	if lstate._tables[p] == nil {
		lstate._tables[p], err = rpht.newTable(blk.Count())
	}
	if err == nil {
		err = lstate._tables[p].CombineBlock(blk)
	}
	if err == nil {
		return blk.release(rpht._bufMgr)
	}
	if !errors.Is(err, storage.ErrOutOfMemory) || rpht._config.DisableAbandon {
		_ = blk.release(rpht._bufMgr)
		return err
	}
	if err = rpht.abandonLocal(lstate, p); err != nil {
		_ = blk.release(rpht._bufMgr)
		return err
	}
	if err = blk.admit(rpht._bufMgr); err != nil {
		_ = blk.release(rpht._bufMgr)
		return err
	}
	lstate._abandoned[p] = append(lstate._abandoned[p], blk)
	return nil
}

// Finalize aggregates the abandoned partitions again and freezes all
// tables. Partitions are processed in parallel.
func (rpht *RadixPartitionedHashTable) Finalize(ctx context.Context, gstate *RadixHTGlobalSinkState) error {
	util.Assertf(!gstate._finalized, "aggregate finalized twice")
	gstate._lock.Lock()
	defer gstate._lock.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(rpht._config.Threads, 1))
	for p, part := range gstate._partitions {
		eg.Go(func() error {
			if part.IsAbandoned() {
				if err := part.reaggregate(egCtx, rpht.newTable, rpht._bufMgr); err != nil {
					return errors.Wrapf(err, "finalize partition %d", p)
				}
			}
			if part._table != nil {
				part._table.Finalize()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	gstate._finalized = true

	groups := 0
	for _, part := range gstate._partitions {
		groups += part.GroupCount()
	}
	util.Info("aggregate finalized",
		zap.Int("groups", groups),
		zap.Int64("rows", gstate._rowsSunk.Load()),
		zap.Int("partitions", len(gstate._partitions)),
		zap.Int("radixBits", gstate._radixBits),
		zap.Int("repartitions", gstate._repartitions),
		zap.Int64("abandons", gstate._abandons.Load()),
		zap.String("peakMemory", util.BytesSize(rpht._bufMgr.Peak())),
	)
	return nil
}

// Count is the number of result groups.
func (rpht *RadixPartitionedHashTable) Count(gstate *RadixHTGlobalSinkState) int {
	util.Assertf(gstate._finalized, "count before finalize")
	cnt := 0
	for _, part := range gstate._partitions {
		cnt += part.GroupCount()
	}
	if rpht.emptyInputGroup(gstate) {
		cnt++
	}
	return cnt
}

// emptyInputGroup reports whether the empty grouping set saw no input. Its
// result is still one row of initial states.
func (rpht *RadixPartitionedHashTable) emptyInputGroup(gstate *RadixHTGlobalSinkState) bool {
	return rpht._groupingSet.empty() && gstate.RowsSunk() == 0
}

// SetMultiScan keeps the states alive after scanning so that the result
// can be read more than once.
func (rpht *RadixPartitionedHashTable) SetMultiScan(gstate *RadixHTGlobalSinkState) {
	util.Assertf(!gstate._scanned, "multi scan set after scanning")
	gstate._multiScan = true
}

type aggrScanTask struct {
	_partition int
	_begin     int
	_end       int
}

// RadixHTGlobalSourceState hands out scan tasks to the readers.
type RadixHTGlobalSourceState struct {
	_gstate      *RadixHTGlobalSinkState
	_tasks       []aggrScanTask
	_cursor      atomic.Int64
	_destructive bool
	//scanned up to, per task
	_progress []atomic.Int64
	//unfinished tasks, per partition
	_pending   []atomic.Int64
	_closeOnce sync.Once
	//one row of initial states is not handed out yet
	_emptyGroup atomic.Bool
}

func (rpht *RadixPartitionedHashTable) GetGlobalSourceState(gstate *RadixHTGlobalSinkState) *RadixHTGlobalSourceState {
	util.Assertf(gstate._finalized, "scan before finalize")
	util.Assertf(gstate._multiScan || !gstate._scanned, "result scanned twice")
	gstate._scanned = true
	gsrc := &RadixHTGlobalSourceState{
		_gstate:      gstate,
		_destructive: !gstate._multiScan,
		_pending:     make([]atomic.Int64, len(gstate._partitions)),
	}
	taskSize := rpht._config.ScanTaskSize
	for p, part := range gstate._partitions {
		if part._table == nil || part._table.Count() == 0 {
			continue
		}
		if gsrc._destructive {
			part._table.setScanDestroys()
		}
		for begin := 0; begin < part._table.Count(); begin += taskSize {
			gsrc._tasks = append(gsrc._tasks, aggrScanTask{
				_partition: p,
				_begin:     begin,
				_end:       min(begin+taskSize, part._table.Count()),
			})
			gsrc._pending[p].Add(1)
		}
	}
	gsrc._emptyGroup.Store(rpht.emptyInputGroup(gstate))
	gsrc._progress = make([]atomic.Int64, len(gsrc._tasks))
	for i, task := range gsrc._tasks {
		gsrc._progress[i].Store(int64(task._begin))
	}
	return gsrc
}

// Close destroys the states no reader got to in destructive mode. No
// GetData may run concurrently.
func (gsrc *RadixHTGlobalSourceState) Close() {
	gsrc._closeOnce.Do(func() {
		if !gsrc._destructive {
			return
		}
		parts := gsrc._gstate._partitions
		for i, task := range gsrc._tasks {
			if gsrc._pending[task._partition].Load() <= 0 {
				continue
			}
			pos := int(gsrc._progress[i].Load())
			parts[task._partition]._table.DestroyRange(pos, task._end)
		}
		for p := range gsrc._pending {
			if gsrc._pending[p].Load() > 0 {
				gsrc._pending[p].Store(0)
				parts[p]._table.Close()
			}
		}
	})
}

// finishTask closes the table once its last task is done in destructive
// mode.
func (gsrc *RadixHTGlobalSourceState) finishTask(t int) {
	if !gsrc._destructive {
		return
	}
	p := gsrc._tasks[t]._partition
	if gsrc._pending[p].Add(-1) == 0 {
		gsrc._gstate._partitions[p]._table.Close()
	}
}

// RadixHTLocalSourceState is owned by one reader.
type RadixHTLocalSourceState struct {
	_task      int
	_scanState AggrHTScanState
	_scanChunk chunk.Chunk
}

func (rpht *RadixPartitionedHashTable) GetLocalSourceState() *RadixHTLocalSourceState {
	lsrc := &RadixHTLocalSourceState{_task: -1}
	scanTypes := common.CopyLTypes(rpht._groupTypes...)
	scanTypes = append(scanTypes, rpht._groupedAggrData._aggrReturnTypes...)
	lsrc._scanChunk.Init(scanTypes, util.DefaultVectorSize)
	return lsrc
}

// GetData reads the next batch of groups into output. output stays valid
// until the next call with the same local state.
func (rpht *RadixPartitionedHashTable) GetData(
	gstate *RadixHTGlobalSinkState,
	gsrc *RadixHTGlobalSourceState,
	lsrc *RadixHTLocalSourceState,
	output *chunk.Chunk,
) (OperatorResult, error) {
	util.Assertf(gstate._finalized, "get data before finalize")
	if gsrc._emptyGroup.CompareAndSwap(true, false) {
		if err := rpht.scanEmptyGroup(&lsrc._scanChunk); err != nil {
			return InvalidOpResult, err
		}
		rpht.fillOutput(&lsrc._scanChunk, output, 1)
		return HaveMoreOutput, nil
	}
	for {
		if lsrc._task < 0 {
			idx := int(gsrc._cursor.Add(1) - 1)
			if idx >= len(gsrc._tasks) {
				output.SetCard(0)
				return Done, nil
			}
			task := gsrc._tasks[idx]
			lsrc._task = idx
			lsrc._scanState.Reset(task._begin, task._end)
		}
		if lsrc._scanState.Done() {
			gsrc.finishTask(lsrc._task)
			lsrc._task = -1
			continue
		}

		task := gsrc._tasks[lsrc._task]
		table := gstate._partitions[task._partition]._table
		begin := lsrc._scanState._position
		lsrc._scanChunk.Reset()
		cnt, err := table.Scan(&lsrc._scanState, &lsrc._scanChunk)
		if err != nil {
			return InvalidOpResult, err
		}
		if gsrc._destructive {
			table.DestroyRange(begin, begin+cnt)
		}
		gsrc._progress[lsrc._task].Store(int64(lsrc._scanState._position))
		if lsrc._scanState.Done() {
			gsrc.finishTask(lsrc._task)
			lsrc._task = -1
		}
		rpht.fillOutput(&lsrc._scanChunk, output, cnt)
		return HaveMoreOutput, nil
	}
}

// scanEmptyGroup finalizes one row of initial states into scanChunk.
func (rpht *RadixPartitionedHashTable) scanEmptyGroup(scanChunk *chunk.Chunk) error {
	gad := rpht._groupedAggrData
	layout := NewAggrRowLayout(gad._aggregates)
	states := make([]byte, max(layout._stateWidth, 8))
	scanChunk.Reset()
	aggrStates := make([][]byte, 1)
	for i, aggr := range gad._aggregates {
		aggrStates[0] = layout.aggrState(states, i)
		aggr.kernel().Init(aggrStates[0])
		err := aggr.kernel().Finalize(aggrStates, scanChunk.Data[len(rpht._groupTypes)+i], 0, 1)
		aggr.kernel().Destroy(aggrStates, 1)
		if err != nil {
			return errors.Wrapf(err, "aggregate %s", aggr._name)
		}
	}
	scanChunk.SetCard(1)
	return nil
}

// fillOutput lays out group columns, aggregates and grouping values.
func (rpht *RadixPartitionedHashTable) fillOutput(scanChunk, output *chunk.Chunk, cnt int) {
	gad := rpht._groupedAggrData
	output.SetCap(max(output.Cap(), cnt))
	output.SetCard(cnt)
	for i, ent := range rpht._groupCols {
		output.Data[ent].Reference(scanChunk.Data[i])
	}
	for _, ent := range rpht._nullGroups {
		output.Data[ent].ReferenceValue(chunk.NewNullValue(gad._groupTypes[ent]))
	}
	util.AssertFunc(rpht._groupingSet.count()+len(rpht._nullGroups) == gad.GroupCount())
	for i := 0; i < len(gad._aggregates); i++ {
		output.Data[gad.GroupCount()+i].Reference(scanChunk.Data[len(rpht._groupTypes)+i])
	}
	util.AssertFunc(len(gad._groupingFuncs) == len(rpht._groupingValues))
	for i, val := range rpht._groupingValues {
		output.Data[gad.GroupCount()+len(gad._aggregates)+i].ReferenceValue(val)
	}
}

// Close releases all partitions of the global state.
func (rpht *RadixPartitionedHashTable) Close(gstate *RadixHTGlobalSinkState) error {
	gstate._lock.Lock()
	defer gstate._lock.Unlock()
	var err error
	for _, part := range gstate._partitions {
		err = errors.CombineErrors(err, part.close(rpht._bufMgr))
	}
	return err
}
