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
	"fmt"
	"strings"

	"github.com/xlab/treeprint"

	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/util"
)

func WriteMapTree[K comparable, V any](tree treeprint.Tree, m map[K]V) {
	for k, v := range m {
		tree.AddNode(fmt.Sprintf("%v : %v", k, v))
	}
}

func listTypesToTree(tree treeprint.Tree, types []common.LType) {
	strs := make([]string, len(types))
	for i, typ := range types {
		strs[i] = typ.String()
	}
	tree.AddNode(strings.Join(strs, ","))
}

func listAggrsToTree(tree treeprint.Tree, aggrs []*AggrObject) {
	for i, aggr := range aggrs {
		meta := fmt.Sprintf("%d", i)
		if aggr._filter {
			meta += " filter"
		}
		tree.AddMetaNode(meta, fmt.Sprintf("%s -> %v", aggr._name, aggr._retType))
	}
}

func (part *AggregatePartition) Print(tree treeprint.Tree) {
	part._lock.Lock()
	defer part._lock.Unlock()
	switch part._state {
	case PARTITION_AGGREGATED:
		if part._table == nil {
			tree.AddNode("empty")
			return
		}
		tree.AddMetaNode("groups", part._table.Count())
		tree.AddMetaNode("rows", part._table.RowCount())
		tree.AddMetaNode("capacity", part._table.Capacity())
		tree.AddMetaNode("bytes", util.BytesSize(part._table.SizeInBytes()))
	case PARTITION_ABANDONED:
		tree.AddMetaNode("blocks", len(part._data.Blocks()))
		tree.AddMetaNode("spilled", part._data.SpilledBlocks())
		tree.AddMetaNode("groups", part._data.GroupCount())
		tree.AddMetaNode("rows", part._data.RowCount())
		tree.AddMetaNode("bytes", util.BytesSize(part._data.SizeInBytes()))
	}
}

// Print lists the non-empty partitions of a global state.
func (rpht *RadixPartitionedHashTable) Print(tree treeprint.Tree, gstate *RadixHTGlobalSinkState) {
	gstate._lock.RLock()
	defer gstate._lock.RUnlock()
	tree.AddMetaNode("groupingSet", rpht._groupingSet.String())
	tree.AddMetaNode("radixBits", gstate._radixBits)
	tree.AddMetaNode("repartitions", gstate._repartitions)
	tree.AddMetaNode("abandons", gstate._abandons.Load())
	tree.AddMetaNode("rowsSunk", gstate._rowsSunk.Load())
	tree.AddMetaNode("finalized", gstate._finalized)
	parts := tree.AddBranch("partitions")
	empty := 0
	for p, part := range gstate._partitions {
		if part._state == PARTITION_AGGREGATED && part._table == nil {
			empty++
			continue
		}
		part.Print(parts.AddMetaBranch(p, part._state.String()))
	}
	if empty > 0 {
		parts.AddMetaNode("empty", empty)
	}
}

// Explain prints the state of every grouping set.
func (haggr *HashAggr) Explain(gstate *HashAggrGlobalSinkState) string {
	tree := treeprint.NewWithRoot("HashAggr:")
	listTypesToTree(tree.AddBranch("groupTypes:"), haggr._groupedAggrData._groupTypes)
	listAggrsToTree(tree.AddBranch("aggregates:"), haggr._groupedAggrData._aggregates)
	if len(haggr._groupedAggrData._groupingFuncs) > 0 {
		funcs := make(map[int]string)
		for i, fun := range haggr._groupedAggrData._groupingFuncs {
			funcs[i] = fmt.Sprintf("%v", fun)
		}
		WriteMapTree(tree.AddBranch("groupingFuncs:"), funcs)
	}
	for i, grouping := range haggr._groupings {
		sub := tree.AddMetaBranch(i, "grouping")
		grouping._tableData.Print(sub, gstate._groupingStates[i])
	}
	stats := tree.AddBranch("memory:")
	stats.AddMetaNode("used", util.BytesSize(haggr._bufMgr.Used()))
	stats.AddMetaNode("peak", util.BytesSize(haggr._bufMgr.Peak()))
	stats.AddMetaNode("spillFiles", haggr._bufMgr.SpillFileCount())
	stats.AddMetaNode("spilled", util.BytesSize(haggr._bufMgr.SpilledBytes()))
	return tree.String()
}
