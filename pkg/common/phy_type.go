package common

import (
	"fmt"
	"unsafe"
)

type PhyType int

const (
	NA      PhyType = 0
	BOOL    PhyType = 1
	INT8    PhyType = 3
	INT16   PhyType = 5
	INT32   PhyType = 7
	UINT64  PhyType = 8
	INT64   PhyType = 9
	FLOAT   PhyType = 11
	DOUBLE  PhyType = 12
	VARCHAR PhyType = 200
	DATE    PhyType = 207
	DECIMAL PhyType = 209

	INVALID PhyType = 255
)

var (
	BoolSize    = 1
	Int8Size    = 1
	Int16Size   = 2
	Int32Size   = 4
	Int64Size   = 8
	Float32Size = 4
	DecimalSize = int(unsafe.Sizeof(Decimal{}))
)

var pTypeToStr = map[PhyType]string{
	NA:      "NA",
	BOOL:    "BOOL",
	INT8:    "INT8",
	INT16:   "INT16",
	INT32:   "INT32",
	UINT64:  "UINT64",
	INT64:   "INT64",
	FLOAT:   "FLOAT",
	DOUBLE:  "DOUBLE",
	VARCHAR: "VARCHAR",
	DATE:    "DATE",
	DECIMAL: "DECIMAL",
	INVALID: "INVALID",
}

func (pt PhyType) String() string {
	if s, has := pTypeToStr[pt]; has {
		return s
	}
	panic(fmt.Sprintf("usp %d", pt))
}

// Size is the width of one value in a flat vector. VARCHAR values do not
// live in the fixed-width buffer and report 0.
func (pt PhyType) Size() int {
	switch pt {
	case BOOL:
		return BoolSize
	case INT8:
		return Int8Size
	case INT16:
		return Int16Size
	case INT32, DATE:
		return Int32Size
	case INT64, UINT64:
		return Int64Size
	case FLOAT:
		return Float32Size
	case DOUBLE:
		return Int64Size
	case DECIMAL:
		return DecimalSize
	case VARCHAR, NA:
		return 0
	default:
		panic(fmt.Sprintf("usp %v", pt))
	}
}

func (pt PhyType) IsVarchar() bool {
	return pt == VARCHAR
}
