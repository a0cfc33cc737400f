package source

import (
	"context"

	"github.com/cockroachdb/errors"
	pqLocal "github.com/xitongsys/parquet-go-source/local"
	pqReader "github.com/xitongsys/parquet-go/reader"
	pqSource "github.com/xitongsys/parquet-go/source"
	"go.uber.org/zap"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/util"
)

// ParquetSource reads the leaf columns of a parquet file. Column i of the
// batch is leaf column i of the file.
type ParquetSource struct {
	_path   string
	_types  []common.LType
	_file   pqSource.ParquetFile
	_reader *pqReader.ParquetReader
	_total  int64
	_rows   int64
}

func OpenParquet(path string, types []common.LType) (*ParquetSource, error) {
	if len(types) == 0 {
		return nil, errors.Newf("no column types for %s", path)
	}
	file, err := pqLocal.NewLocalFileReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open parquet %s", path)
	}
	reader, err := pqReader.NewParquetColumnReader(file, 1)
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "read parquet footer %s", path)
	}
	if cols := len(reader.SchemaHandler.ValueColumns); cols < len(types) {
		reader.ReadStop()
		_ = file.Close()
		return nil, errors.Newf("parquet %s has %d columns, want %d", path, cols, len(types))
	}
	return &ParquetSource{
		_path:   path,
		_types:  types,
		_file:   file,
		_reader: reader,
		_total:  reader.GetNumRows(),
	}, nil
}

func (src *ParquetSource) Types() []common.LType {
	return src._types
}

func (src *ParquetSource) Next(ctx context.Context, out *chunk.Chunk) error {
	n := min(int64(util.DefaultVectorSize), src._total-src._rows)
	if n <= 0 {
		out.SetCard(0)
		return nil
	}
	for j, typ := range src._types {
		values, _, _, err := src._reader.ReadColumnByIndex(int64(j), n)
		if err != nil {
			return errors.Wrapf(err, "read column %d of %s", j, src._path)
		}
		if int64(len(values)) != n {
			return errors.Newf("column %d of %s has %d values, want %d",
				j, src._path, len(values), n)
		}
		vec := out.Data[j]
		for i, field := range values {
			val, err := parquetColToValue(field, typ)
			if err != nil {
				return errors.Wrapf(err, "column %d of %s", j, src._path)
			}
			vec.SetValue(i, val)
		}
	}
	src._rows += n
	out.SetCard(int(n))
	return nil
}

func (src *ParquetSource) Close() error {
	if src._reader == nil {
		return nil
	}
	util.Debug("parquet source closed",
		zap.String("path", src._path),
		zap.Int64("rows", src._rows))
	src._reader.ReadStop()
	src._reader = nil
	return src._file.Close()
}

func parquetColToValue(field any, typ common.LType) (*chunk.Value, error) {
	val := &chunk.Value{Typ: typ}
	if field == nil {
		val.IsNull = true
		return val, nil
	}
	switch typ.Id {
	case common.LTID_BOOLEAN:
		if b, ok := field.(bool); ok {
			val.Bool = b
			return val, nil
		}
	case common.LTID_TINYINT, common.LTID_SMALLINT,
		common.LTID_INTEGER, common.LTID_BIGINT, common.LTID_DATE:
		switch v := field.(type) {
		case int32:
			val.I64 = int64(v)
			return val, nil
		case int64:
			val.I64 = v
			return val, nil
		}
	case common.LTID_UBIGINT:
		switch v := field.(type) {
		case int32:
			val.U64 = uint64(uint32(v))
			return val, nil
		case int64:
			val.U64 = uint64(v)
			return val, nil
		}
	case common.LTID_FLOAT, common.LTID_DOUBLE:
		switch v := field.(type) {
		case float32:
			val.F64 = float64(v)
			return val, nil
		case float64:
			val.F64 = v
			return val, nil
		}
	case common.LTID_DECIMAL:
		//unscaled integer with the column scale
		var unscaled int64
		switch v := field.(type) {
		case int32:
			unscaled = int64(v)
		case int64:
			unscaled = v
		default:
			return nil, errors.Newf("unsupported parquet value %T for %v", field, typ)
		}
		neg := unscaled < 0
		if neg {
			unscaled = -unscaled
		}
		dec, err := common.DecimalFromParts(neg, uint64(unscaled), typ.Scale)
		if err != nil {
			return nil, err
		}
		val.Dec = dec
		return val, nil
	case common.LTID_VARCHAR:
		if s, ok := field.(string); ok {
			val.Str = s
			return val, nil
		}
	}
	return nil, errors.Newf("unsupported parquet value %T for %v", field, typ)
}
