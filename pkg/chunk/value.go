package chunk

import (
	"fmt"
	"math"
	"time"

	"github.com/daviszhen/radixagg/pkg/common"
)

type Value struct {
	Typ    common.LType
	IsNull bool
	//value
	Bool bool
	I64  int64
	U64  uint64
	F64  float64
	Str  string
	Dec  common.Decimal
}

func (val Value) String() string {
	if val.IsNull {
		return "NULL"
	}
	switch val.Typ.Id {
	case common.LTID_TINYINT, common.LTID_SMALLINT,
		common.LTID_INTEGER, common.LTID_BIGINT:
		return fmt.Sprintf("%d", val.I64)
	case common.LTID_BOOLEAN:
		return fmt.Sprintf("%v", val.Bool)
	case common.LTID_VARCHAR:
		return val.Str
	case common.LTID_DECIMAL:
		return val.Dec.String()
	case common.LTID_DATE:
		return time.Unix(val.I64*24*3600, 0).UTC().Format(time.DateOnly)
	case common.LTID_UBIGINT, common.LTID_POINTER:
		return fmt.Sprintf("%d", val.U64)
	case common.LTID_DOUBLE, common.LTID_FLOAT:
		return fmt.Sprintf("%v", val.F64)
	default:
		panic("usp")
	}
}

// Equal compares two values of the same type. NULL equals NULL.
func (val *Value) Equal(o *Value) bool {
	if val.IsNull || o.IsNull {
		return val.IsNull == o.IsNull
	}
	switch val.Typ.GetInternalType() {
	case common.BOOL:
		return val.Bool == o.Bool
	case common.INT8, common.INT16, common.INT32, common.INT64, common.DATE:
		return val.I64 == o.I64
	case common.UINT64:
		return val.U64 == o.U64
	case common.FLOAT, common.DOUBLE:
		return val.F64 == o.F64 || math.IsNaN(val.F64) && math.IsNaN(o.F64)
	case common.DECIMAL:
		return val.Dec.Equal(&o.Dec)
	case common.VARCHAR:
		return val.Str == o.Str
	default:
		panic("usp")
	}
}

func NewInt64Value(typ common.LType, v int64) *Value {
	return &Value{Typ: typ, I64: v}
}

func NewNullValue(typ common.LType) *Value {
	return &Value{Typ: typ, IsNull: true}
}
