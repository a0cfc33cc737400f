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

package storage

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	treemap "github.com/liyue201/gostl/ds/map"
	"go.uber.org/zap"

	"github.com/daviszhen/radixagg/pkg/util"
)

// ErrOutOfMemory is returned when an allocation would exceed the memory
// limit of the BufferManager.
var ErrOutOfMemory = errors.New("out of memory")

// BufferManager hands out memory under a global limit and owns the spill
// files written when memory is short.
type BufferManager struct {
	_limit     int64
	_blockSize int
	_used      atomic.Int64
	_peak      atomic.Int64
	_tempId    atomic.Uint64

	_tempDir  string
	_compress bool
	_tempLock sync.Mutex
	//lazily created under _tempDir
	_spillDir     string
	_spills       *treemap.Map[uint64, *SpillFile]
	_spilledBytes atomic.Int64
}

func NewBufferManager(opts util.MemoryOptions) (*BufferManager, error) {
	limit, err := opts.LimitBytes()
	if err != nil {
		return nil, err
	}
	blockSize, err := opts.BlockSizeBytes()
	if err != nil {
		return nil, err
	}
	ret := &BufferManager{
		_limit:     limit,
		_blockSize: int(blockSize),
		_tempDir:   opts.TempDir,
		_compress:  opts.CompressSpill,
		_spills: treemap.New[uint64, *SpillFile](func(a, b uint64) int {
			if a < b {
				return -1
			} else if a > b {
				return 1
			}
			return 0
		}),
	}
	return ret, nil
}

// NewUnlimitedBufferManager is a manager without memory limit.
func NewUnlimitedBufferManager() *BufferManager {
	mgr, err := NewBufferManager(util.MemoryOptions{CompressSpill: true})
	if err != nil {
		panic(err)
	}
	return mgr
}

func (mgr *BufferManager) BlockSize() int {
	return mgr._blockSize
}

func (mgr *BufferManager) Limit() int64 {
	return mgr._limit
}

func (mgr *BufferManager) Used() int64 {
	return mgr._used.Load()
}

func (mgr *BufferManager) Peak() int64 {
	return mgr._peak.Load()
}

// Reserve accounts sz bytes against the limit without allocating.
func (mgr *BufferManager) Reserve(sz int) error {
	if err := util.FireFault(util.FAULTS_SCOPE_MEM, util.FaultAllocate); err != nil {
		return errors.Wrapf(err, "reserve %d bytes", sz)
	}
	for {
		used := mgr._used.Load()
		next := used + int64(sz)
		if mgr._limit > 0 && next > mgr._limit {
			return errors.Wrapf(ErrOutOfMemory, "reserve %s, used %s, limit %s",
				util.BytesSize(int64(sz)),
				util.BytesSize(used),
				util.BytesSize(mgr._limit))
		}
		if mgr._used.CompareAndSwap(used, next) {
			for {
				peak := mgr._peak.Load()
				if next <= peak || mgr._peak.CompareAndSwap(peak, next) {
					break
				}
			}
			return nil
		}
	}
}

func (mgr *BufferManager) Release(sz int) {
	left := mgr._used.Add(-int64(sz))
	util.Assertf(left >= 0, "release %d bytes makes usage negative", sz)
}

// Allocate returns a zeroed buffer of sz bytes.
func (mgr *BufferManager) Allocate(sz int) (*BufferHandle, error) {
	err := mgr.Reserve(sz)
	if err != nil {
		return nil, err
	}
	return &BufferHandle{
		_mgr:  mgr,
		_id:   mgr._tempId.Add(1),
		_data: make([]byte, sz),
	}, nil
}

// Close removes the spill files that are still registered.
func (mgr *BufferManager) Close() error {
	mgr._tempLock.Lock()
	files := make([]*SpillFile, 0, mgr._spills.Size())
	mgr._spills.Traversal(func(key uint64, value *SpillFile) bool {
		files = append(files, value)
		return true
	})
	mgr._tempLock.Unlock()
	var err error
	for _, file := range files {
		err = errors.CombineErrors(err, file.Remove())
	}
	if mgr._spillDir != "" {
		err = errors.CombineErrors(err, os.RemoveAll(mgr._spillDir))
		util.Debug("buffer manager closed",
			zap.String("spillDir", mgr._spillDir),
			zap.String("peak", util.BytesSize(mgr.Peak())))
	}
	return err
}

// BufferHandle owns one allocation. Close gives the memory back.
type BufferHandle struct {
	_mgr  *BufferManager
	_id   uint64
	_data []byte
}

func (handle *BufferHandle) Ptr() []byte {
	return handle._data
}

func (handle *BufferHandle) Size() int {
	return len(handle._data)
}

func (handle *BufferHandle) Close() {
	if handle == nil || handle._mgr == nil {
		return
	}
	handle._mgr.Release(len(handle._data))
	handle._mgr = nil
	handle._data = nil
}
