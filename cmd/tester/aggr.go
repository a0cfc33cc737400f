package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/compute"
	"github.com/daviszhen/radixagg/pkg/source"
	"github.com/daviszhen/radixagg/pkg/storage"
	"github.com/daviszhen/radixagg/pkg/util"
)

// workload is the aggregation built from the workload options.
type workload struct {
	groupTypes    []common.LType
	aggrs         []*compute.AggrObject
	sets          []compute.GroupingSet
	groupingFuncs [][]int
	//source column of every input column
	inputCols []int
}

func buildWorkload(opts *util.WorkloadOptions, srcTypes []common.LType) (*workload, error) {
	wl := &workload{}
	colType := func(col int) (common.LType, error) {
		if col < 0 || col >= len(srcTypes) {
			return common.LType{}, errors.Newf("column %d out of range [0,%d)", col, len(srcTypes))
		}
		return srcTypes[col], nil
	}
	for _, col := range opts.Groups {
		typ, err := colType(col)
		if err != nil {
			return nil, err
		}
		wl.groupTypes = append(wl.groupTypes, typ)
		wl.inputCols = append(wl.inputCols, col)
	}
	if len(opts.Aggrs) == 0 {
		return nil, errors.New("no aggregates")
	}
	for _, desc := range opts.Aggrs {
		name, args, err := parseAggr(desc)
		if err != nil {
			return nil, err
		}
		argTypes := make([]common.LType, 0, len(args))
		for _, col := range args {
			typ, err := colType(col)
			if err != nil {
				return nil, errors.Wrapf(err, "aggregate %s", desc)
			}
			argTypes = append(argTypes, typ)
		}
		fun, err := compute.GetAggrFunction(name, argTypes)
		if err != nil {
			return nil, err
		}
		wl.aggrs = append(wl.aggrs, compute.NewAggrObject(fun, false))
		wl.inputCols = append(wl.inputCols, args...)
	}
	var err error
	wl.sets, wl.groupingFuncs, err = parseSets(opts.Sets, len(opts.Groups))
	if err != nil {
		return nil, err
	}
	return wl, nil
}

// parseAggr splits "sum(1)" into the name and the argument columns.
func parseAggr(desc string) (string, []int, error) {
	desc = strings.TrimSpace(desc)
	lp := strings.IndexByte(desc, '(')
	if lp <= 0 || !strings.HasSuffix(desc, ")") {
		return "", nil, errors.Newf("invalid aggregate %q", desc)
	}
	name := strings.ToLower(strings.TrimSpace(desc[:lp]))
	var args []int
	for _, field := range strings.Split(desc[lp+1:len(desc)-1], ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		col, err := strconv.Atoi(field)
		if err != nil {
			return "", nil, errors.Wrapf(err, "invalid aggregate %q", desc)
		}
		args = append(args, col)
	}
	return name, args, nil
}

// parseSets accepts "", "cube", "rollup" or lists of group positions
// separated by ';'. cube and rollup add GROUPING over every group.
func parseSets(desc string, groups int) ([]compute.GroupingSet, [][]int, error) {
	allGroups := make([]int, groups)
	for i := range allGroups {
		allGroups[i] = i
	}
	switch strings.ToLower(strings.TrimSpace(desc)) {
	case "":
		return nil, nil, nil
	case "cube":
		return compute.CubeGroupingSets(groups), [][]int{allGroups}, nil
	case "rollup":
		return compute.RollupGroupingSets(groups), [][]int{allGroups}, nil
	}
	var sets []compute.GroupingSet
	for _, part := range strings.Split(desc, ";") {
		var ids []int
		for _, field := range strings.Split(part, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			idx, err := strconv.Atoi(field)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "invalid grouping sets %q", desc)
			}
			ids = append(ids, idx)
		}
		sets = append(sets, compute.NewGroupingSet(ids...))
	}
	return sets, [][]int{allGroups}, nil
}

// projectSource rearranges the source columns into the aggregate input.
type projectSource struct {
	_src   source.Source
	_cols  []int
	_types []common.LType
	_batch chunk.Chunk
}

func newProjectSource(src source.Source, cols []int) *projectSource {
	ret := &projectSource{_src: src, _cols: cols}
	srcTypes := src.Types()
	for _, col := range cols {
		ret._types = append(ret._types, srcTypes[col])
	}
	ret._batch.Init(srcTypes, util.DefaultVectorSize)
	return ret
}

func (proj *projectSource) Types() []common.LType {
	return proj._types
}

func (proj *projectSource) Next(ctx context.Context, out *chunk.Chunk) error {
	proj._batch.Reset()
	if err := proj._src.Next(ctx, &proj._batch); err != nil {
		return err
	}
	out.ReferenceIndice(&proj._batch, proj._cols)
	return nil
}

func runAggr(ctx context.Context, cfg *util.Config, w io.Writer) (err error) {
	mgr, err := storage.NewBufferManager(cfg.Memory)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, mgr.Close())
	}()

	sources, err := source.Open(&cfg.Workload, cfg.Workload.Sources)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, source.CloseAll(sources))
	}()

	wl, err := buildWorkload(&cfg.Workload, sources[0].Types())
	if err != nil {
		return err
	}
	aggr, err := compute.NewHashAggr(wl.groupTypes, wl.aggrs, wl.sets, wl.groupingFuncs, cfg.Aggr, mgr)
	if err != nil {
		return err
	}
	inputs := make([]compute.BatchSource, len(sources))
	for i, src := range sources {
		inputs[i] = newProjectSource(src, wl.inputCols)
	}

	start := time.Now()
	res, explain, err := compute.RunParallelExplain(ctx, aggr, inputs)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if cfg.Debug.PrintPlan {
		fmt.Fprintln(w, explain)
	}
	rows := res.Card()
	if cfg.Debug.PrintResult {
		if cfg.Debug.MaxOutputRowCount > 0 {
			res.SetCard(min(rows, cfg.Debug.MaxOutputRowCount))
		}
		if err = res.SaveToWriter(w); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "%d rows in %v\n", rows, elapsed)
	util.Info("aggregation done",
		zap.Int("rows", rows),
		zap.Duration("elapsed", elapsed),
		zap.String("peak", util.BytesSize(mgr.Peak())),
		zap.String("spilled", util.BytesSize(mgr.SpilledBytes())))
	return nil
}
