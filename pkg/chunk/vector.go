package chunk

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/util"
)

// Vector is one column of a Chunk. Fixed width values live in Data,
// VARCHAR values in Strs. A constant vector holds a single value.
type Vector struct {
	_PhyFormat PhyFormat
	_Typ       common.LType
	Data       []byte
	Strs       []string
	Mask       *util.Bitmap
	_Cap       int

	//owned by Slice and reused across calls
	_sliceData []byte
	_sliceStrs []string
	_sliceMask util.Bitmap
}

func NewVector(lTyp common.LType, cap int) *Vector {
	vec := &Vector{
		_PhyFormat: PF_FLAT,
		_Typ:       lTyp,
		Mask:       &util.Bitmap{},
	}
	vec.Init(cap)
	return vec
}

func NewFlatVector(lTyp common.LType, cap int) *Vector {
	return NewVector(lTyp, cap)
}

func NewConstVector(lTyp common.LType) *Vector {
	vec := NewVector(lTyp, 1)
	vec.SetPhyFormat(PF_CONST)
	return vec
}

func (vec *Vector) Init(cap int) {
	vec.Mask.Reset()
	vec._Cap = cap
	pTyp := vec.Typ().GetInternalType()
	if pTyp.IsVarchar() {
		vec.Data = nil
		vec.Strs = make([]string, cap)
		return
	}
	vec.Strs = nil
	vec.Data = make([]byte, cap*pTyp.Size())
}

func (vec *Vector) Typ() common.LType {
	return vec._Typ
}

func (vec *Vector) Cap() int {
	return vec._Cap
}

func (vec *Vector) PhyFormat() PhyFormat {
	return vec._PhyFormat
}

func (vec *Vector) SetPhyFormat(pf PhyFormat) {
	vec._PhyFormat = pf
}

func (vec *Vector) Reference(other *Vector) {
	util.AssertFunc(vec.Typ().Equal(other.Typ()))
	vec._PhyFormat = other._PhyFormat
	vec.Data = other.Data
	vec.Strs = other.Strs
	vec.Mask = other.Mask
	vec._Cap = other._Cap
}

// ReferenceValue turns vec into a constant vector of val.
func (vec *Vector) ReferenceValue(val *Value) {
	util.AssertFunc(vec.Typ().Id == val.Typ.Id)
	vec.Mask = &util.Bitmap{}
	vec.Init(1)
	vec.SetPhyFormat(PF_CONST)
	vec.SetValue(0, val)
}

func (vec *Vector) Reset() {
	vec._PhyFormat = PF_FLAT
	vec.Mask = &util.Bitmap{}
	if vec._Cap < util.DefaultVectorSize {
		vec.Init(util.DefaultVectorSize)
	}
}

func (vec *Vector) GetValue(idx int) *Value {
	if vec.PhyFormat().IsConst() {
		idx = 0
	}
	if !vec.Mask.RowIsValid(uint64(idx)) {
		return &Value{
			Typ:    vec.Typ(),
			IsNull: true,
		}
	}
	ret := &Value{Typ: vec.Typ()}
	pTyp := vec.Typ().GetInternalType()
	switch pTyp {
	case common.BOOL:
		ret.Bool = util.ToSlice[bool](vec.Data, pTyp.Size())[idx]
	case common.INT8:
		ret.I64 = int64(util.ToSlice[int8](vec.Data, pTyp.Size())[idx])
	case common.INT16:
		ret.I64 = int64(util.ToSlice[int16](vec.Data, pTyp.Size())[idx])
	case common.INT32, common.DATE:
		ret.I64 = int64(util.ToSlice[int32](vec.Data, pTyp.Size())[idx])
	case common.INT64:
		ret.I64 = util.ToSlice[int64](vec.Data, pTyp.Size())[idx]
	case common.UINT64:
		ret.U64 = util.ToSlice[uint64](vec.Data, pTyp.Size())[idx]
	case common.FLOAT:
		ret.F64 = float64(util.ToSlice[float32](vec.Data, pTyp.Size())[idx])
	case common.DOUBLE:
		ret.F64 = util.ToSlice[float64](vec.Data, pTyp.Size())[idx]
	case common.DECIMAL:
		ret.Dec = util.ToSlice[common.Decimal](vec.Data, pTyp.Size())[idx]
	case common.VARCHAR:
		ret.Str = vec.Strs[idx]
	default:
		panic(fmt.Sprintf("usp %v", pTyp))
	}
	return ret
}

func (vec *Vector) SetValue(idx int, val *Value) {
	util.AssertFunc(val.Typ.GetInternalType() == vec.Typ().GetInternalType())
	vec.Mask.Set(uint64(idx), !val.IsNull)
	if val.IsNull {
		return
	}
	pTyp := vec.Typ().GetInternalType()
	switch pTyp {
	case common.BOOL:
		util.ToSlice[bool](vec.Data, pTyp.Size())[idx] = val.Bool
	case common.INT8:
		util.ToSlice[int8](vec.Data, pTyp.Size())[idx] = int8(val.I64)
	case common.INT16:
		util.ToSlice[int16](vec.Data, pTyp.Size())[idx] = int16(val.I64)
	case common.INT32, common.DATE:
		util.ToSlice[int32](vec.Data, pTyp.Size())[idx] = int32(val.I64)
	case common.INT64:
		util.ToSlice[int64](vec.Data, pTyp.Size())[idx] = val.I64
	case common.UINT64:
		util.ToSlice[uint64](vec.Data, pTyp.Size())[idx] = val.U64
	case common.FLOAT:
		util.ToSlice[float32](vec.Data, pTyp.Size())[idx] = float32(val.F64)
	case common.DOUBLE:
		util.ToSlice[float64](vec.Data, pTyp.Size())[idx] = val.F64
	case common.DECIMAL:
		util.ToSlice[common.Decimal](vec.Data, pTyp.Size())[idx] = val.Dec
	case common.VARCHAR:
		vec.Strs[idx] = val.Str
	default:
		panic(fmt.Sprintf("usp %v", pTyp))
	}
}

func (vec *Vector) Print(rowCount int) {
	for j := 0; j < rowCount; j++ {
		fmt.Println(vec.GetValue(j))
	}
	fmt.Println()
}

func (vec *Vector) Print2(prefix string, rowCount int) {
	fields := make([]zap.Field, 0, rowCount)
	for j := 0; j < rowCount; j++ {
		fields = append(fields, zap.String("", vec.GetValue(j).String()))
	}
	util.Info(prefix, fields...)
}

// Flatten expands a constant vector into cnt flat rows.
func (vec *Vector) Flatten(cnt int) {
	if vec.PhyFormat().IsFlat() {
		return
	}
	val := vec.GetValue(0)
	vec.Mask = &util.Bitmap{}
	vec.Init(max(util.DefaultVectorSize, cnt))
	vec._PhyFormat = PF_FLAT
	if val.IsNull {
		for i := 0; i < cnt; i++ {
			vec.Mask.SetInvalid(uint64(i))
		}
		return
	}
	pTyp := vec.Typ().GetInternalType()
	if pTyp.IsVarchar() {
		util.Fill(vec.Strs, cnt, val.Str)
		return
	}
	vec.SetValue(0, val)
	sz := pTyp.Size()
	for i := 1; i < cnt; i++ {
		copy(vec.Data[i*sz:(i+1)*sz], vec.Data[:sz])
	}
}

func (vec *Vector) ToUnifiedFormat(count int, output *UnifiedFormat) {
	output.PTypSize = vec.Typ().GetInternalType().Size()
	output.Data = vec.Data
	output.Strs = vec.Strs
	output.Mask = vec.Mask
	switch vec.PhyFormat() {
	case PF_CONST:
		output.Sel = ZeroSelectVector(count, &output.InterSel)
	case PF_FLAT:
		output.InterSel.SelVec = nil
		output.Sel = &output.InterSel
	default:
		panic("usp")
	}
}

// Copy copies rows [srcOffset, srcCount) of src, picked through sel, to dst
// from dstOffset on. dst must be flat and large enough.
func Copy(src, dst *Vector, sel *SelectVector, srcCount int, srcOffset, dstOffset int) {
	util.AssertFunc(dst.PhyFormat().IsFlat())
	util.AssertFunc(dstOffset+srcCount-srcOffset <= dst.Cap())
	isConst := src.PhyFormat().IsConst()
	pTyp := src.Typ().GetInternalType()
	sz := pTyp.Size()
	for i := srcOffset; i < srcCount; i++ {
		sIdx := 0
		if !isConst {
			sIdx = sel.GetIndex(i)
		}
		dIdx := dstOffset + i - srcOffset
		if !src.Mask.RowIsValid(uint64(sIdx)) {
			dst.Mask.SetInvalid(uint64(dIdx))
			continue
		}
		dst.Mask.SetValid(uint64(dIdx))
		if pTyp.IsVarchar() {
			dst.Strs[dIdx] = src.Strs[sIdx]
		} else {
			copy(dst.Data[dIdx*sz:(dIdx+1)*sz], src.Data[sIdx*sz:(sIdx+1)*sz])
		}
	}
}

// Slice makes vec a flat copy of the count rows of other selected by sel.
// The copy lives in buffers of vec that the next Slice overwrites.
func (vec *Vector) Slice(other *Vector, sel *SelectVector, count int) {
	if other.PhyFormat().IsConst() {
		vec.Reference(other)
		return
	}
	n := max(count, 1)
	vec._PhyFormat = PF_FLAT
	vec._Cap = n
	pTyp := vec.Typ().GetInternalType()
	if pTyp.IsVarchar() {
		if cap(vec._sliceStrs) < n {
			vec._sliceStrs = make([]string, n)
		}
		vec.Strs = vec._sliceStrs[:n]
		vec.Data = nil
	} else {
		sz := n * pTyp.Size()
		if cap(vec._sliceData) < sz {
			vec._sliceData = make([]byte, sz)
		}
		vec.Data = vec._sliceData[:sz]
		vec.Strs = nil
	}
	bits := vec._sliceMask.Bits[:0]
	if !other.Mask.AllValid() {
		for i := 0; i < util.EntryCount(n); i++ {
			bits = append(bits, 0xFF)
		}
	}
	vec._sliceMask.Bits = bits
	vec.Mask = &vec._sliceMask
	Copy(other, vec, sel, count, 0, 0)
}

func GetSliceInPhyFormatFlat[T any](vec *Vector) []T {
	util.AssertFunc(vec.PhyFormat().IsFlat())
	return util.ToSlice[T](vec.Data, vec.Typ().GetInternalType().Size())
}

func IsNullInPhyFormatConst(vec *Vector) bool {
	util.AssertFunc(vec.PhyFormat().IsConst())
	return !vec.Mask.RowIsValid(0)
}

func SetNullInPhyFormatConst(vec *Vector, null bool) {
	util.AssertFunc(vec.PhyFormat().IsConst())
	vec.Mask.Set(0, !null)
}

func SetNullInPhyFormatFlat(vec *Vector, idx uint64, null bool) {
	util.AssertFunc(vec.PhyFormat().IsFlat())
	vec.Mask.Set(idx, !null)
}

func NewBigintFlatVector(v []int64, sz int) *Vector {
	vec := NewFlatVector(common.BigintType(), sz)
	data := GetSliceInPhyFormatFlat[int64](vec)
	copy(data, v)
	return vec
}
