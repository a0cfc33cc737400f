package common

import (
	"fmt"
)

type LType struct {
	Id    LTypeId
	PTyp  PhyType
	Width int
	Scale int
}

func MakeLType(id LTypeId) LType {
	ret := LType{Id: id}
	ret.PTyp = ret.GetInternalType()
	return ret
}

// DecimalMaxWidth is the precision of the 64-bit decimal coefficient.
const DecimalMaxWidth = 19

func DecimalType(width, scale int) LType {
	ret := MakeLType(LTID_DECIMAL)
	ret.Width = width
	ret.Scale = scale
	return ret
}

func BigintType() LType {
	return MakeLType(LTID_BIGINT)
}

func IntegerType() LType {
	return MakeLType(LTID_INTEGER)
}

func HashType() LType {
	return MakeLType(LTID_UBIGINT)
}

func UbigintType() LType {
	return MakeLType(LTID_UBIGINT)
}

func FloatType() LType {
	return MakeLType(LTID_FLOAT)
}

func DoubleType() LType {
	return MakeLType(LTID_DOUBLE)
}

func TinyintType() LType {
	return MakeLType(LTID_TINYINT)
}

func SmallintType() LType {
	return MakeLType(LTID_SMALLINT)
}

func VarcharType() LType {
	return MakeLType(LTID_VARCHAR)
}

func DateType() LType {
	return MakeLType(LTID_DATE)
}

func BooleanType() LType {
	return MakeLType(LTID_BOOLEAN)
}

func CopyLTypes(typs ...LType) []LType {
	ret := make([]LType, 0, len(typs))
	ret = append(ret, typs...)
	return ret
}

func (lt LType) Equal(o LType) bool {
	if lt.Id != o.Id {
		return false
	}
	switch lt.Id {
	case LTID_DECIMAL:
		return lt.Width == o.Width && lt.Scale == o.Scale
	default:
	}
	return true
}

func (lt LType) GetInternalType() PhyType {
	switch lt.Id {
	case LTID_BOOLEAN:
		return BOOL
	case LTID_TINYINT:
		return INT8
	case LTID_SMALLINT:
		return INT16
	case LTID_NULL, LTID_INTEGER:
		return INT32
	case LTID_DATE:
		return DATE
	case LTID_BIGINT:
		return INT64
	case LTID_UBIGINT, LTID_POINTER:
		return UINT64
	case LTID_FLOAT:
		return FLOAT
	case LTID_DOUBLE:
		return DOUBLE
	case LTID_DECIMAL:
		return DECIMAL
	case LTID_VARCHAR:
		return VARCHAR
	case LTID_INVALID:
		return INVALID
	default:
		panic(fmt.Sprintf("usp logical type %d", lt.Id))
	}
}

func (lt LType) String() string {
	if lt.Id == LTID_DECIMAL {
		return fmt.Sprintf("DECIMAL(%d,%d)", lt.Width, lt.Scale)
	}
	return fmt.Sprintf("%v", lt.PTyp)
}

// ParseLType accepts the type names used in workload descriptions.
func ParseLType(name string) (LType, error) {
	var width, scale int
	if n, _ := fmt.Sscanf(name, "decimal(%d,%d)", &width, &scale); n == 2 {
		return DecimalType(width, scale), nil
	}
	switch name {
	case "boolean", "bool":
		return BooleanType(), nil
	case "tinyint":
		return TinyintType(), nil
	case "smallint":
		return SmallintType(), nil
	case "integer", "int":
		return IntegerType(), nil
	case "bigint":
		return BigintType(), nil
	case "ubigint":
		return UbigintType(), nil
	case "float":
		return FloatType(), nil
	case "double":
		return DoubleType(), nil
	case "varchar", "string":
		return VarcharType(), nil
	case "date":
		return DateType(), nil
	}
	return LType{}, fmt.Errorf("unsupported type %q", name)
}
