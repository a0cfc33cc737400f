package compute

import (
	"bytes"
	"fmt"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/storage"
	"github.com/daviszhen/radixagg/pkg/util"
)

const (
	LOAD_FACTOR = 1.5
	HASH_WIDTH  = 8
	//_pageOffset is 16 bits
	maxTuplesPerPage = math.MaxUint16 + 1
)

type aggrHTEntry struct {
	_salt       uint16
	_pageOffset uint16
	//0 means empty
	_pageNr uint32
}

func (ent *aggrHTEntry) String() string {
	return fmt.Sprintf("salt:%d offset:%d nr:%d", ent._salt, ent._pageOffset, ent._pageNr)
}

// aggrRowHeader heads every group row. The key bytes live in the key heap.
type aggrRowHeader struct {
	_hash      uint64
	_keyPage   uint32
	_keyOffset uint32
	_keyLen    uint32
	_pad       uint32
	//input rows aggregated into this group
	_rows int64
}

var (
	aggrEntrySize     int
	aggrRowHeaderSize int
)

func init() {
	aggrEntrySize = int(unsafe.Sizeof(aggrHTEntry{}))
	aggrRowHeaderSize = int(unsafe.Sizeof(aggrRowHeader{}))
}

// AggrRowLayout is the layout of one group row: the header followed by
// the 8-byte aligned states of the aggregates.
type AggrRowLayout struct {
	_aggregates   []*AggrObject
	_stateOffsets []int
	_stateWidth   int
	_rowWidth     int
}

func NewAggrRowLayout(aggregates []*AggrObject) *AggrRowLayout {
	layout := &AggrRowLayout{_aggregates: aggregates}
	offset := 0
	for _, aggr := range aggregates {
		layout._stateOffsets = append(layout._stateOffsets, offset)
		offset += aggr._payloadSize
	}
	layout._stateWidth = offset
	layout._rowWidth = aggrRowHeaderSize + offset
	return layout
}

func (layout *AggrRowLayout) header(row []byte) *aggrRowHeader {
	return util.Load[aggrRowHeader](row)
}

// states returns the state area of a row.
func (layout *AggrRowLayout) states(row []byte) []byte {
	return row[aggrRowHeaderSize:layout._rowWidth]
}

// aggrState returns the state of the i-th aggregate inside a state area.
func (layout *AggrRowLayout) aggrState(states []byte, i int) []byte {
	off := layout._stateOffsets[i]
	return states[off : off+layout._aggregates[i]._payloadSize]
}

// GroupedAggrHashTable maps group keys to aggregate states. Rows are stored
// densely in pages obtained from the buffer manager; entries address them
// by page number and row offset so that resizing only rebuilds the entries.
// It is not safe for concurrent use.
type GroupedAggrHashTable struct {
	_layout     *AggrRowLayout
	_groupTypes []common.LType
	_bufMgr     *storage.BufferManager

	_capacity        int
	_bitmask         uint64
	_hashPrefixShift uint64
	_entriesHdl      *storage.BufferHandle
	_entries         []aggrHTEntry

	_pageSize      int
	_tuplesPerPage int
	_rowPages      []*storage.BufferHandle
	_count         int

	_heapPages []*storage.BufferHandle
	_heapUsed  int
	_heapBytes int

	//input rows aggregated
	_rows int64

	_finalized bool
	//states were moved out or destroyed already
	_statesReleased bool
	//the scanner destroys the states it finalized
	_scanDestroys bool
	_closed       bool
}

func NewGroupedAggrHashTable(
	groupTypes []common.LType,
	aggrObjs []*AggrObject,
	initCap int,
	bufMgr *storage.BufferManager,
) (*GroupedAggrHashTable, error) {
	ret := new(GroupedAggrHashTable)
	ret._bufMgr = bufMgr
	ret._groupTypes = groupTypes
	ret._layout = NewAggrRowLayout(aggrObjs)
	ret._hashPrefixShift = (HASH_WIDTH - 4) * 8

	ret._tuplesPerPage = bufMgr.BlockSize() / ret._layout._rowWidth
	ret._tuplesPerPage = min(max(ret._tuplesPerPage, 1), maxTuplesPerPage)
	ret._pageSize = ret._tuplesPerPage * ret._layout._rowWidth

	if err := ret.Resize(CapacityForEstimate(initCap)); err != nil {
		return nil, err
	}
	return ret, nil
}

// CapacityForEstimate sizes the entry array for an expected group count.
func CapacityForEstimate(estimate int) int {
	need := uint64(float64(max(estimate, 1)) * LOAD_FACTOR)
	return int(max(util.NextPowerOfTwo(need), util.DefaultVectorSize))
}

func (aht *GroupedAggrHashTable) Count() int {
	return aht._count
}

func (aht *GroupedAggrHashTable) Capacity() int {
	return aht._capacity
}

func (aht *GroupedAggrHashTable) ResizeThreshold() int {
	return int(float64(aht._capacity) / LOAD_FACTOR)
}

// RowCount is the number of input rows aggregated into the table.
func (aht *GroupedAggrHashTable) RowCount() int64 {
	return aht._rows
}

func (aht *GroupedAggrHashTable) SizeInBytes() int64 {
	sz := int64(len(aht._rowPages)) * int64(aht._pageSize)
	sz += int64(aht._capacity * aggrEntrySize)
	for _, page := range aht._heapPages {
		sz += int64(page.Size())
	}
	return sz
}

func (aht *GroupedAggrHashTable) rowAt(pageNr uint32, pageOffset uint16) []byte {
	page := aht._rowPages[pageNr-1].Ptr()
	off := int(pageOffset) * aht._layout._rowWidth
	return page[off : off+aht._layout._rowWidth]
}

func (aht *GroupedAggrHashTable) row(idx int) []byte {
	page := aht._rowPages[idx/aht._tuplesPerPage].Ptr()
	off := (idx % aht._tuplesPerPage) * aht._layout._rowWidth
	return page[off : off+aht._layout._rowWidth]
}

func (aht *GroupedAggrHashTable) rowKey(row []byte) []byte {
	header := aht._layout.header(row)
	heap := aht._heapPages[header._keyPage].Ptr()
	return heap[header._keyOffset : header._keyOffset+header._keyLen]
}

// reserve makes room for count more groups whose keys take keyBytes, so
// that inserting them cannot fail halfway.
func (aht *GroupedAggrHashTable) reserve(count int, keyBytes int) error {
	if aht._count+count > aht.ResizeThreshold() {
		newCap := aht._capacity * 2
		for aht._count+count > int(float64(newCap)/LOAD_FACTOR) {
			newCap *= 2
		}
		if err := aht.Resize(newCap); err != nil {
			return err
		}
	}
	for len(aht._rowPages)*aht._tuplesPerPage < aht._count+count {
		page, err := aht._bufMgr.Allocate(aht._pageSize)
		if err != nil {
			return errors.Wrapf(err, "allocate row page %d", len(aht._rowPages))
		}
		aht._rowPages = append(aht._rowPages, page)
	}
	if len(aht._heapPages) == 0 ||
		aht._heapPages[len(aht._heapPages)-1].Size()-aht._heapUsed < keyBytes {
		sz := max(aht._bufMgr.BlockSize(), keyBytes)
		page, err := aht._bufMgr.Allocate(sz)
		if err != nil {
			return errors.Wrapf(err, "allocate key heap page %d", len(aht._heapPages))
		}
		aht._heapPages = append(aht._heapPages, page)
		aht._heapUsed = 0
	}
	return nil
}

// appendRow stores a new group and initializes its states.
func (aht *GroupedAggrHashTable) appendRow(hash uint64, key []byte) (uint32, uint16, []byte) {
	idx := aht._count
	pageNr := uint32(idx/aht._tuplesPerPage + 1)
	pageOffset := uint16(idx % aht._tuplesPerPage)
	row := aht.rowAt(pageNr, pageOffset)
	aht._count++

	heapIdx := len(aht._heapPages) - 1
	heap := aht._heapPages[heapIdx].Ptr()
	copy(heap[aht._heapUsed:], key)

	header := aht._layout.header(row)
	header._hash = hash
	header._keyPage = uint32(heapIdx)
	header._keyOffset = uint32(aht._heapUsed)
	header._keyLen = uint32(len(key))
	header._rows = 0
	aht._heapUsed += len(key)
	aht._heapBytes += len(key)

	states := aht._layout.states(row)
	for i, aggr := range aht._layout._aggregates {
		aggr.kernel().Init(aht._layout.aggrState(states, i))
	}
	return pageNr, pageOffset, row
}

func keysSize(keys [][]byte) int {
	sz := 0
	for _, key := range keys {
		sz += len(key)
	}
	return sz
}

// findOrCreate looks up count keys in batch. On return state._addresses[i]
// is the row of key i; the result is the number of new groups whose
// indices are in state._newGroups.
func (aht *GroupedAggrHashTable) findOrCreate(
	state *AggrHTAppendState,
	hashes []uint64,
	keys [][]byte,
	count int,
) (int, error) {
	util.AssertFunc(!aht._finalized && !aht._closed)
	if count == 0 {
		return 0, nil
	}
	state.ensure(count)
	if err := aht.reserve(count, keysSize(keys[:count])); err != nil {
		return 0, err
	}

	htOffsets := state._htOffsets
	hashSalts := state._hashSalts
	for i := 0; i < count; i++ {
		htOffsets[i] = hashes[i] & aht._bitmask
		hashSalts[i] = uint16(hashes[i] >> aht._hashPrefixShift)
	}

	var selVec *chunk.SelectVector
	newGroupCount := 0
	remainingEntries := count
	for remainingEntries > 0 {
		needCompareCount := 0
		noMatchCount := 0

		for i := 0; i < remainingEntries; i++ {
			idx := selVec.GetIndex(i)
			htEntry := &aht._entries[htOffsets[idx]]
			if htEntry._pageNr == 0 {
				//empty cell
				pageNr, pageOffset, row := aht.appendRow(hashes[idx], keys[idx])
				htEntry._pageNr = pageNr
				htEntry._pageOffset = pageOffset
				htEntry._salt = hashSalts[idx]
				state._addresses[idx] = row

				state._newGroups.SetIndex(newGroupCount, idx)
				newGroupCount++
			} else if htEntry._salt == hashSalts[idx] {
				//salt equal. need compare again
				state._groupCompareVector.SetIndex(needCompareCount, idx)
				needCompareCount++
			} else {
				state._noMatchVector.SetIndex(noMatchCount, idx)
				noMatchCount++
			}
		}

		for j := 0; j < needCompareCount; j++ {
			idx := state._groupCompareVector.GetIndex(j)
			htEntry := &aht._entries[htOffsets[idx]]
			row := aht.rowAt(htEntry._pageNr, htEntry._pageOffset)
			if aht._layout.header(row)._hash == hashes[idx] &&
				bytes.Equal(aht.rowKey(row), keys[idx]) {
				state._addresses[idx] = row
			} else {
				state._noMatchVector.SetIndex(noMatchCount, idx)
				noMatchCount++
			}
		}

		for i := 0; i < noMatchCount; i++ {
			idx := state._noMatchVector.GetIndex(i)
			htOffsets[idx]++
			if htOffsets[idx] >= uint64(aht._capacity) {
				htOffsets[idx] = 0
			}
		}

		selVec = state._noMatchVector
		remainingEntries = noMatchCount
	}
	return newGroupCount, nil
}

// FindOrCreateGroups finds or creates the groups of the rows in groups.
// hashes must be a flat UBIGINT vector. The rows are left in
// state._addresses.
func (aht *GroupedAggrHashTable) FindOrCreateGroups(
	state *AggrHTAppendState,
	groups *chunk.Chunk,
	hashes *chunk.Vector,
) (int, error) {
	util.AssertFunc(groups.ColumnCount() == len(aht._groupTypes))
	util.AssertFunc(hashes.Typ().Id == common.HashType().Id)
	count := groups.Card()
	state.ensure(count)
	state._encoder.encode(groups, count, state._keys)
	return aht.findOrCreate(
		state,
		chunk.GetSliceInPhyFormatFlat[uint64](hashes),
		state._keys,
		count)
}

// AddChunk aggregates the payload of the rows in groups. filter lists the
// aggregates to update; nil means all.
func (aht *GroupedAggrHashTable) AddChunk(
	state *AggrHTAppendState,
	groups *chunk.Chunk,
	hashes *chunk.Vector,
	payload *chunk.Chunk,
	filter []int,
) (int, error) {
	count := groups.Card()
	if count == 0 {
		return 0, nil
	}
	newGroups, err := aht.FindOrCreateGroups(state, groups, hashes)
	if err != nil {
		return 0, err
	}
	for i := 0; i < count; i++ {
		aht._layout.header(state._addresses[i])._rows++
	}
	aht._rows += int64(count)

	singleGroup := allConstant(groups)
	payloadIdx := 0
	filterIdx := 0
	for i, aggr := range aht._layout._aggregates {
		if filter != nil {
			if filterIdx >= len(filter) || i < filter[filterIdx] {
				payloadIdx += aggr.PayloadCount()
				continue
			}
			util.AssertFunc(i == filter[filterIdx])
			filterIdx++
		}
		if err = util.FireFault(util.FAULTS_SCOPE_AGGR, util.FaultKernelUpdate); err != nil {
			return 0, errors.Wrapf(err, "aggregate %s", aggr._name)
		}
		inputs := payload.Data[payloadIdx : payloadIdx+aggr._childCount]
		if aggr._filter {
			sel, cnt := filterRows(payload.Data[payloadIdx+aggr._childCount], count, state._filterSel)
			for j := 0; j < count; j++ {
				state._states[j] = aht._layout.aggrState(aht._layout.states(state._addresses[j]), i)
			}
			err = aggr.kernel().Update(inputs, state._states[:count], sel, cnt)
		} else if singleGroup {
			err = aggr.kernel().SimpleUpdate(inputs,
				aht._layout.aggrState(aht._layout.states(state._addresses[0]), i), count)
		} else {
			for j := 0; j < count; j++ {
				state._states[j] = aht._layout.aggrState(aht._layout.states(state._addresses[j]), i)
			}
			err = aggr.kernel().Update(inputs, state._states[:count], nil, count)
		}
		if err != nil {
			return 0, errors.Wrapf(err, "aggregate %s", aggr._name)
		}
		payloadIdx += aggr.PayloadCount()
	}
	return newGroups, nil
}

func allConstant(groups *chunk.Chunk) bool {
	for _, vec := range groups.Data {
		if !vec.PhyFormat().IsConst() {
			return false
		}
	}
	return true
}

// filterRows selects the rows whose BOOLEAN filter value is true.
func filterRows(filter *chunk.Vector, count int, sel *chunk.SelectVector) (*chunk.SelectVector, int) {
	var uni chunk.UnifiedFormat
	filter.ToUnifiedFormat(count, &uni)
	vals := chunk.GetSliceInPhyFormatUnifiedFormat[bool](&uni)
	cnt := 0
	for i := 0; i < count; i++ {
		idx := uni.Sel.GetIndex(i)
		if uni.Mask.RowIsValid(uint64(idx)) && vals[idx] {
			sel.SetIndex(cnt, i)
			cnt++
		}
	}
	return sel, cnt
}

// combineRows merges count source groups given by hashes, keys, source
// states and row counts.
func (aht *GroupedAggrHashTable) combineRows(
	state *AggrHTAppendState,
	hashes []uint64,
	keys [][]byte,
	srcStates [][]byte,
	rows []int64,
	count int,
) error {
	if _, err := aht.findOrCreate(state, hashes, keys, count); err != nil {
		return err
	}
	for j := 0; j < count; j++ {
		aht._layout.header(state._addresses[j])._rows += rows[j]
		aht._rows += rows[j]
	}
	for i, aggr := range aht._layout._aggregates {
		for j := 0; j < count; j++ {
			state._srcStates[j] = aht._layout.aggrState(srcStates[j], i)
			state._states[j] = aht._layout.aggrState(aht._layout.states(state._addresses[j]), i)
		}
		err := aggr.kernel().Combine(state._srcStates[:count], state._states[:count], count)
		if err != nil {
			return errors.Wrapf(err, "aggregate %s", aggr._name)
		}
	}
	return nil
}

// Combine merges all groups of other into aht. Memory for the worst case is
// reserved upfront so that a refusal leaves both tables untouched. The
// states of other are consumed.
func (aht *GroupedAggrHashTable) Combine(other *GroupedAggrHashTable) error {
	util.AssertFunc(!aht._finalized && !other._statesReleased)
	util.AssertFunc(aht._layout._rowWidth == other._layout._rowWidth)
	if other.Count() == 0 {
		return nil
	}
	if err := aht.reserve(other.Count(), other._heapBytes); err != nil {
		return err
	}
	state := NewAggrHTAppendState()
	hashes := make([]uint64, util.DefaultVectorSize)
	keys := make([][]byte, util.DefaultVectorSize)
	srcStates := make([][]byte, util.DefaultVectorSize)
	rows := make([]int64, util.DefaultVectorSize)
	for begin := 0; begin < other.Count(); begin += util.DefaultVectorSize {
		n := min(util.DefaultVectorSize, other.Count()-begin)
		for i := 0; i < n; i++ {
			row := other.row(begin + i)
			header := other._layout.header(row)
			hashes[i] = header._hash
			keys[i] = other.rowKey(row)
			srcStates[i] = other._layout.states(row)
			rows[i] = header._rows
		}
		if err := aht.combineRows(state, hashes, keys, srcStates, rows, n); err != nil {
			return err
		}
	}
	other._statesReleased = true
	return nil
}

// CombineBlock merges the groups of a materialized block into aht.
func (aht *GroupedAggrHashTable) CombineBlock(blk *MaterializedBlock) error {
	util.AssertFunc(!aht._finalized)
	util.AssertFunc(!blk.Spilled())
	util.AssertFunc(blk._stateWidth == aht._layout._stateWidth)
	if blk.Count() == 0 {
		return nil
	}
	if err := aht.reserve(blk.Count(), len(blk._keys)); err != nil {
		return err
	}
	state := NewAggrHTAppendState()
	keys := make([][]byte, util.DefaultVectorSize)
	srcStates := make([][]byte, util.DefaultVectorSize)
	for begin := 0; begin < blk.Count(); begin += util.DefaultVectorSize {
		n := min(util.DefaultVectorSize, blk.Count()-begin)
		for i := 0; i < n; i++ {
			keys[i] = blk.key(begin + i)
			srcStates[i] = blk.states(begin + i)
		}
		err := aht.combineRows(state,
			blk._hashes[begin:begin+n],
			keys,
			srcStates,
			blk._rows[begin:begin+n],
			n)
		if err != nil {
			return err
		}
	}
	return nil
}

// Materialize flattens the groups into blocks of at most maxGroups groups.
// The states move into the blocks.
func (aht *GroupedAggrHashTable) Materialize(maxGroups int) []*MaterializedBlock {
	util.AssertFunc(!aht._statesReleased)
	maxGroups = max(maxGroups, 1)
	var ret []*MaterializedBlock
	for begin := 0; begin < aht.Count(); begin += maxGroups {
		n := min(maxGroups, aht.Count()-begin)
		blk := newMaterializedBlock(n, aht._layout._stateWidth)
		for i := 0; i < n; i++ {
			row := aht.row(begin + i)
			header := aht._layout.header(row)
			blk.append(header._hash, aht.rowKey(row), aht._layout.states(row), header._rows)
		}
		ret = append(ret, blk)
	}
	aht._statesReleased = true
	return ret
}

// Scan finalizes the groups of the scan range into result, at most one
// vector at a time. result holds the group columns followed by the
// aggregate results.
func (aht *GroupedAggrHashTable) Scan(state *AggrHTScanState, result *chunk.Chunk) (int, error) {
	util.AssertFunc(!aht._statesReleased)
	util.AssertFunc(state._end <= aht.Count())
	n := min(state._end-state._position, util.DefaultVectorSize)
	if n <= 0 {
		result.SetCard(0)
		return 0, nil
	}
	groupCnt := len(aht._groupTypes)
	if cap(state._states) < n {
		state._states = make([][]byte, util.DefaultVectorSize)
		state._aggrStates = make([][]byte, util.DefaultVectorSize)
	}
	states := state._states[:n]
	for i := 0; i < n; i++ {
		row := aht.row(state._position + i)
		if err := decodeKey(aht.rowKey(row), result.Data[:groupCnt], i); err != nil {
			return 0, err
		}
		states[i] = aht._layout.states(row)
	}
	aggrStates := state._aggrStates[:n]
	for i, aggr := range aht._layout._aggregates {
		for j := 0; j < n; j++ {
			aggrStates[j] = aht._layout.aggrState(states[j], i)
		}
		if err := aggr.kernel().Finalize(aggrStates, result.Data[groupCnt+i], 0, n); err != nil {
			return 0, errors.Wrapf(err, "aggregate %s", aggr._name)
		}
	}
	state._position += n
	result.SetCard(n)
	return n, nil
}

// DestroyRange destroys the states of the groups [begin, end).
func (aht *GroupedAggrHashTable) DestroyRange(begin, end int) {
	if begin >= end || aht._statesReleased {
		return
	}
	states := make([][]byte, 0, util.DefaultVectorSize)
	for i, aggr := range aht._layout._aggregates {
		for pos := begin; pos < end; pos += util.DefaultVectorSize {
			n := min(util.DefaultVectorSize, end-pos)
			states = states[:0]
			for j := 0; j < n; j++ {
				states = append(states, aht._layout.aggrState(aht._layout.states(aht.row(pos+j)), i))
			}
			aggr.kernel().Destroy(states, n)
		}
	}
}

// setScanDestroys hands the destruction of the states to the scanner.
func (aht *GroupedAggrHashTable) setScanDestroys() {
	aht._scanDestroys = true
}

func (aht *GroupedAggrHashTable) Resize(size int) error {
	util.AssertFunc(!aht._finalized)
	util.AssertFunc(size >= util.DefaultVectorSize)
	util.AssertFunc(util.IsPowerOfTwo(uint64(size)))
	util.AssertFunc(size >= aht._capacity)

	hdl, err := aht._bufMgr.Allocate(size * aggrEntrySize)
	if err != nil {
		return errors.Wrapf(err, "resize hash table to %d", size)
	}
	entries := util.ToSlice[aggrHTEntry](hdl.Ptr(), aggrEntrySize)
	bitmask := uint64(size - 1)
	for i := 0; i < aht._count; i++ {
		row := aht.row(i)
		hash := aht._layout.header(row)._hash
		entIdx := hash & bitmask
		for entries[entIdx]._pageNr > 0 {
			entIdx++
			if entIdx >= uint64(size) {
				entIdx = 0
			}
		}
		htEnt := &entries[entIdx]
		htEnt._salt = uint16(hash >> aht._hashPrefixShift)
		htEnt._pageNr = uint32(i/aht._tuplesPerPage + 1)
		htEnt._pageOffset = uint16(i % aht._tuplesPerPage)
	}

	aht._entriesHdl.Close()
	aht._entriesHdl = hdl
	aht._entries = entries
	aht._capacity = size
	aht._bitmask = bitmask
	return nil
}

func (aht *GroupedAggrHashTable) Verify() {
	count := 0
	for i := 0; i < aht._capacity; i++ {
		hEnt := aht._entries[i]
		if hEnt._pageNr > 0 {
			util.AssertFunc(int(hEnt._pageOffset) < aht._tuplesPerPage)
			util.AssertFunc(int(hEnt._pageNr) <= len(aht._rowPages))
			row := aht.rowAt(hEnt._pageNr, hEnt._pageOffset)
			hash := aht._layout.header(row)._hash
			util.AssertFunc(uint64(hEnt._salt) == (hash>>aht._hashPrefixShift)&math.MaxUint16)
			count++
		}
	}
	util.AssertFunc(count == aht.Count())
}

// Finalize forbids further inserts.
func (aht *GroupedAggrHashTable) Finalize() {
	aht._finalized = true
}

// Close destroys the states that are still owned and gives all memory back.
func (aht *GroupedAggrHashTable) Close() {
	if aht._closed {
		return
	}
	if !aht._statesReleased && !aht._scanDestroys {
		aht.DestroyRange(0, aht._count)
	}
	aht._statesReleased = true
	aht._closed = true
	aht._entriesHdl.Close()
	aht._entriesHdl = nil
	aht._entries = nil
	for _, page := range aht._rowPages {
		page.Close()
	}
	aht._rowPages = nil
	for _, page := range aht._heapPages {
		page.Close()
	}
	aht._heapPages = nil
}
