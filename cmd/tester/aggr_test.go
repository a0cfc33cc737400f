package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/util"
)

func TestParseAggr(t *testing.T) {
	name, args, err := parseAggr(" SUM(1) ")
	require.NoError(t, err)
	assert.Equal(t, "sum", name)
	assert.Equal(t, []int{1}, args)

	name, args, err = parseAggr("count_star()")
	require.NoError(t, err)
	assert.Equal(t, "count_star", name)
	assert.Empty(t, args)

	for _, bad := range []string{"sum", "(1)", "sum(a)", "sum(1"} {
		_, _, err = parseAggr(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseSets(t *testing.T) {
	sets, funcs, err := parseSets("", 2)
	require.NoError(t, err)
	assert.Nil(t, sets)
	assert.Nil(t, funcs)

	sets, funcs, err = parseSets("cube", 2)
	require.NoError(t, err)
	assert.Len(t, sets, 4)
	assert.Equal(t, [][]int{{0, 1}}, funcs)

	sets, _, err = parseSets("rollup", 3)
	require.NoError(t, err)
	assert.Len(t, sets, 4)

	sets, _, err = parseSets("0,1; 1 ;", 2)
	require.NoError(t, err)
	require.Len(t, sets, 3)
	assert.Equal(t, "{0,1}", sets[0].String())
	assert.Equal(t, "{1}", sets[1].String())
	assert.Equal(t, "{}", sets[2].String())

	_, _, err = parseSets("0,x", 2)
	assert.Error(t, err)
}

func TestBuildWorkload(t *testing.T) {
	types := []common.LType{common.BigintType(), common.VarcharType(), common.BigintType()}
	opts := &util.WorkloadOptions{
		Groups: []int{1},
		Aggrs:  []string{"sum(2)", "count_star()", "max(0)"},
	}
	wl, err := buildWorkload(opts, types)
	require.NoError(t, err)
	assert.Equal(t, []common.LType{common.VarcharType()}, wl.groupTypes)
	assert.Len(t, wl.aggrs, 3)
	assert.Equal(t, []int{1, 2, 0}, wl.inputCols)

	opts.Aggrs = []string{"sum(5)"}
	_, err = buildWorkload(opts, types)
	assert.Error(t, err)

	opts.Aggrs = nil
	_, err = buildWorkload(opts, types)
	assert.Error(t, err)
}

func TestRunAggr(t *testing.T) {
	cfg := util.DefaultConfig()
	cfg.Aggr.Threads = 2
	cfg.Memory.TempDir = t.TempDir()
	cfg.Workload.Rows = 20000
	cfg.Workload.Keys = 50
	cfg.Workload.KeyColumns = 2
	cfg.Workload.Groups = []int{0, 1}
	cfg.Workload.Aggrs = []string{"sum(2)", "count_star()"}
	cfg.Workload.Sets = "rollup"
	cfg.Workload.Sources = 3
	cfg.Debug.PrintPlan = true
	cfg.Debug.PrintResult = true
	cfg.Debug.MaxOutputRowCount = 5
	require.NoError(t, cfg.Validate())

	var out bytes.Buffer
	require.NoError(t, runAggr(context.Background(), cfg, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Contains(t, out.String(), "HashAggr:")
	assert.Contains(t, lines[len(lines)-1], "rows in")
}

func TestRunAggr_CSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,1\nb,2\na,3\n,4\n"), 0644))
	cfg := util.DefaultConfig()
	cfg.Workload.Format = "csv"
	cfg.Workload.Path = path
	cfg.Workload.Types = []string{"varchar", "bigint"}
	cfg.Workload.Groups = []int{0}
	cfg.Workload.Aggrs = []string{"sum(1)"}
	cfg.Debug.PrintResult = true
	require.NoError(t, cfg.Validate())

	var out bytes.Buffer
	require.NoError(t, runAggr(context.Background(), cfg, &out))
	got := out.String()
	assert.Contains(t, got, "a\t4\n")
	assert.Contains(t, got, "b\t2\n")
	assert.Contains(t, got, "\t4\n")
	assert.Contains(t, got, "3 rows in")

	//only the first row is printed, the count covers all of them
	cfg.Debug.MaxOutputRowCount = 1
	out.Reset()
	require.NoError(t, runAggr(context.Background(), cfg, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "3 rows in")
}
