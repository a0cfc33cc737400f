package source

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/util"
)

// CSVSource reads a delimited text file. Field i is column i.
// NULL is written as the literal NULL; an empty field is also NULL
// except for VARCHAR columns.
type CSVSource struct {
	_path   string
	_types  []common.LType
	_file   *os.File
	_reader *csv.Reader
	_rows   int64
}

func OpenCSV(path string, types []common.LType, comma string, header bool) (*CSVSource, error) {
	if len(types) == 0 {
		return nil, errors.Newf("no column types for %s", path)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open csv %s", path)
	}
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = len(types)
	reader.ReuseRecord = true
	if comma != "" {
		reader.Comma = []rune(comma)[0]
	}
	if header {
		if _, err = reader.Read(); err != nil && !errors.Is(err, io.EOF) {
			_ = file.Close()
			return nil, errors.Wrapf(err, "read header of %s", path)
		}
	}
	return &CSVSource{
		_path:   path,
		_types:  types,
		_file:   file,
		_reader: reader,
	}, nil
}

func (src *CSVSource) Types() []common.LType {
	return src._types
}

func (src *CSVSource) Next(ctx context.Context, out *chunk.Chunk) error {
	rowCount := 0
	for rowCount < util.DefaultVectorSize {
		line, err := src._reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return errors.Wrapf(err, "read %s", src._path)
		}
		for j, field := range line {
			val, err := fieldToValue(field, src._types[j])
			if err != nil {
				line, _ := src._reader.FieldPos(j)
				return errors.Wrapf(err, "%s:%d column %d", src._path, line, j)
			}
			out.Data[j].SetValue(rowCount, val)
		}
		rowCount++
	}
	src._rows += int64(rowCount)
	out.SetCard(rowCount)
	return nil
}

func (src *CSVSource) Close() error {
	if src._file == nil {
		return nil
	}
	util.Debug("csv source closed",
		zap.String("path", src._path),
		zap.Int64("rows", src._rows))
	err := src._file.Close()
	src._file = nil
	return err
}

func fieldToValue(field string, typ common.LType) (*chunk.Value, error) {
	var err error
	val := &chunk.Value{Typ: typ}
	if field == "NULL" || (field == "" && typ.Id != common.LTID_VARCHAR) {
		val.IsNull = true
		return val, nil
	}
	switch typ.Id {
	case common.LTID_BOOLEAN:
		val.Bool, err = strconv.ParseBool(field)
	case common.LTID_TINYINT, common.LTID_SMALLINT,
		common.LTID_INTEGER, common.LTID_BIGINT:
		val.I64, err = strconv.ParseInt(field, 10, 64)
	case common.LTID_UBIGINT:
		val.U64, err = strconv.ParseUint(field, 10, 64)
	case common.LTID_FLOAT, common.LTID_DOUBLE:
		val.F64, err = strconv.ParseFloat(field, 64)
	case common.LTID_DECIMAL:
		val.Dec, err = common.ParseDecimal(field)
	case common.LTID_DATE:
		var d time.Time
		d, err = time.Parse(time.DateOnly, field)
		val.I64 = d.Unix() / (24 * 3600)
	case common.LTID_VARCHAR:
		val.Str = field
	default:
		return nil, errors.Newf("unsupported csv column type %v", typ)
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}
