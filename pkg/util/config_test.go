package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tester.toml")
	content := `
[aggr]
threads = 3
maxRadixBits = 8
partitionMemoryLimit = "64MiB"

[memory]
limit = "1GiB"

[workload]
groups = [0, 1]
aggrs = ["avg(2)"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Aggr.Threads)
	assert.Equal(t, 8, cfg.Aggr.MaxRadixBits)
	//untouched keys keep the defaults
	assert.Equal(t, 4, cfg.Aggr.InitialRadixBits)
	assert.Equal(t, "256KiB", cfg.Memory.BlockSize)
	assert.Equal(t, []int{0, 1}, cfg.Workload.Groups)
	assert.Equal(t, []string{"avg(2)"}, cfg.Workload.Aggrs)

	limit, err := cfg.Aggr.PartitionMemoryLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(64<<20), limit)
	limit, err = cfg.Memory.LimitBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), limit)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Aggr.Threads = 0
	cfg.Aggr.RepartitionBits = 0
	cfg.Aggr.ScanTaskSize = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Aggr.Threads)
	assert.Equal(t, 1, cfg.Aggr.RepartitionBits)
	assert.Equal(t, DefaultVectorSize, cfg.Aggr.ScanTaskSize)

	bad := DefaultConfig()
	bad.Aggr.InitialRadixBits = 12
	bad.Aggr.MaxRadixBits = 6
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Aggr.MaxRadixBits = 17
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Memory.Limit = "lots"
	assert.Error(t, bad.Validate())
}

func TestConfig_Clone(t *testing.T) {
	cfg := DefaultConfig()
	cp := cfg.Clone()
	cp.Workload.Groups[0] = 5
	cp.Workload.Aggrs = append(cp.Workload.Aggrs, "max(1)")
	cp.Aggr.Threads = 99
	assert.Equal(t, 0, cfg.Workload.Groups[0])
	assert.Len(t, cfg.Workload.Aggrs, 2)
	assert.NotEqual(t, 99, cfg.Aggr.Threads)
}

func TestMemoryOptions_BlockSizeDefault(t *testing.T) {
	opts := MemoryOptions{}
	sz, err := opts.BlockSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(256*1024), sz)
}

func TestFireFault(t *testing.T) {
	assert.NoError(t, FireFault(FAULTS_SCOPE_MEM, FaultAllocate))

	OpenFaults(FAULTS_SCOPE_MEM)
	defer CloseFaults(FAULTS_SCOPE_MEM)
	injected := errors.New("injected")
	RegisterFault(FAULTS_SCOPE_MEM, FaultAllocate, 2, nil, func([]string) error {
		return injected
	})
	assert.ErrorIs(t, FireFault(FAULTS_SCOPE_MEM, FaultAllocate), injected)
	assert.ErrorIs(t, FireFault(FAULTS_SCOPE_MEM, FaultAllocate), injected)
	//fired twice, then removed
	assert.NoError(t, FireFault(FAULTS_SCOPE_MEM, FaultAllocate))
	assert.Nil(t, CheckFault(FAULTS_SCOPE_MEM, FaultAllocate))
	assert.NoError(t, FireFault(FAULTS_SCOPE_MEM, FaultSpill))
}
