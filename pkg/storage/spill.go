package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/daviszhen/radixagg/pkg/util"
)

// SpillFile is data moved out of memory into the temp directory.
type SpillFile struct {
	_mgr      *BufferManager
	_id       uint64
	_path     string
	_fileSize int64
	_rawSize  int64
}

func (sf *SpillFile) Path() string {
	return sf._path
}

func (sf *SpillFile) FileSize() int64 {
	return sf._fileSize
}

func (sf *SpillFile) RawSize() int64 {
	return sf._rawSize
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (mgr *BufferManager) spillDir() (string, error) {
	mgr._tempLock.Lock()
	defer mgr._tempLock.Unlock()
	if mgr._spillDir != "" {
		return mgr._spillDir, nil
	}
	base := mgr._tempDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", errors.Wrapf(err, "create temp dir %s", base)
	}
	dir, err := os.MkdirTemp(base, "radixagg-")
	if err != nil {
		return "", errors.Wrapf(err, "create spill dir under %s", base)
	}
	mgr._spillDir = dir
	return dir, nil
}

// Spill writes the output of write into a new spill file. The file is
// registered until Remove or Close.
func (mgr *BufferManager) Spill(write func(w io.Writer) error) (ret *SpillFile, err error) {
	if err = util.FireFault(util.FAULTS_SCOPE_MEM, util.FaultSpill); err != nil {
		return nil, errors.Wrap(err, "spill")
	}
	dir, err := mgr.spillDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.spill", uuid.New().String()))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "create spill file %s", path)
	}
	defer func() {
		if err != nil {
			_ = file.Close()
			_ = os.Remove(path)
		}
	}()

	fileCounter := &countingWriter{w: file}
	bufWriter := bufio.NewWriter(fileCounter)
	rawCounter := &countingWriter{}
	var enc *zstd.Encoder
	if mgr._compress {
		enc, err = zstd.NewWriter(bufWriter, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		rawCounter.w = enc
	} else {
		rawCounter.w = bufWriter
	}
	if err = write(rawCounter); err != nil {
		if enc != nil {
			_ = enc.Close()
		}
		return nil, errors.Wrapf(err, "write spill file %s", path)
	}
	if enc != nil {
		if err = enc.Close(); err != nil {
			return nil, err
		}
	}
	if err = bufWriter.Flush(); err != nil {
		return nil, err
	}
	if err = file.Close(); err != nil {
		return nil, err
	}

	ret = &SpillFile{
		_mgr:      mgr,
		_id:       mgr._tempId.Add(1),
		_path:     path,
		_fileSize: fileCounter.n,
		_rawSize:  rawCounter.n,
	}
	mgr._tempLock.Lock()
	mgr._spills.Insert(ret._id, ret)
	mgr._tempLock.Unlock()
	mgr._spilledBytes.Add(ret._rawSize)
	util.Debug("spill file written",
		zap.String("path", path),
		zap.String("raw", util.BytesSize(ret._rawSize)),
		zap.String("file", util.BytesSize(ret._fileSize)))
	return ret, nil
}

// Load streams the content of the spill file to read.
func (sf *SpillFile) Load(read func(r io.Reader) error) error {
	file, err := os.Open(sf._path)
	if err != nil {
		return errors.Wrapf(err, "open spill file %s", sf._path)
	}
	defer file.Close()
	var reader io.Reader = bufio.NewReader(file)
	if sf._mgr._compress {
		dec, err := zstd.NewReader(reader, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return err
		}
		defer dec.Close()
		reader = dec
	}
	if err = read(reader); err != nil {
		return errors.Wrapf(err, "read spill file %s", sf._path)
	}
	return nil
}

// Remove deletes the file and forgets it.
func (sf *SpillFile) Remove() error {
	mgr := sf._mgr
	mgr._tempLock.Lock()
	_, err := mgr._spills.Get(sf._id)
	if err == nil {
		mgr._spills.Erase(sf._id)
	}
	mgr._tempLock.Unlock()
	if err != nil {
		//removed already
		return nil
	}
	if err = os.Remove(sf._path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove spill file %s", sf._path)
	}
	return nil
}

func (mgr *BufferManager) SpillFileCount() int {
	mgr._tempLock.Lock()
	defer mgr._tempLock.Unlock()
	return mgr._spills.Size()
}

func (mgr *BufferManager) SpilledBytes() int64 {
	return mgr._spilledBytes.Load()
}
