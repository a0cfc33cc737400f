package compute

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/daviszhen/radixagg/pkg/chunk"
	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/util"
)

// Group keys are normalized into byte strings. Per column: one validity
// byte, then for valid values the little endian fixed width value or, for
// VARCHAR, a uint32 length and the bytes. Floats are normalized and
// decimals trimmed so that equal values encode equally.
const (
	keyNull  byte = 0
	keyValid byte = 1
)

type keyEncoder struct {
	_buf  []byte
	_ends []int
	_uni  []chunk.UnifiedFormat
}

// encode normalizes the first count rows of groups into keys.
func (enc *keyEncoder) encode(groups *chunk.Chunk, count int, keys [][]byte) {
	if cap(enc._ends) < count {
		enc._ends = make([]int, count)
	}
	enc._ends = enc._ends[:count]
	if len(enc._uni) < groups.ColumnCount() {
		enc._uni = make([]chunk.UnifiedFormat, groups.ColumnCount())
	}
	for col := 0; col < groups.ColumnCount(); col++ {
		groups.Data[col].ToUnifiedFormat(count, &enc._uni[col])
	}
	enc._buf = enc._buf[:0]
	for i := 0; i < count; i++ {
		for col := 0; col < groups.ColumnCount(); col++ {
			enc._buf = appendKeyValue(enc._buf, groups.Data[col].Typ(), &enc._uni[col], i)
		}
		enc._ends[i] = len(enc._buf)
	}
	begin := 0
	for i := 0; i < count; i++ {
		keys[i] = enc._buf[begin:enc._ends[i]:enc._ends[i]]
		begin = enc._ends[i]
	}
}

func appendKeyValue(buf []byte, typ common.LType, uni *chunk.UnifiedFormat, row int) []byte {
	idx := uni.Sel.GetIndex(row)
	if !uni.Mask.RowIsValid(uint64(idx)) {
		return append(buf, keyNull)
	}
	buf = append(buf, keyValid)
	pTyp := typ.GetInternalType()
	switch pTyp {
	case common.BOOL:
		if chunk.GetSliceInPhyFormatUnifiedFormat[bool](uni)[idx] {
			return append(buf, 1)
		}
		return append(buf, 0)
	case common.INT8:
		return append(buf, byte(chunk.GetSliceInPhyFormatUnifiedFormat[int8](uni)[idx]))
	case common.INT16:
		return binary.LittleEndian.AppendUint16(buf,
			uint16(chunk.GetSliceInPhyFormatUnifiedFormat[int16](uni)[idx]))
	case common.INT32, common.DATE:
		return binary.LittleEndian.AppendUint32(buf,
			uint32(chunk.GetSliceInPhyFormatUnifiedFormat[int32](uni)[idx]))
	case common.INT64:
		return binary.LittleEndian.AppendUint64(buf,
			uint64(chunk.GetSliceInPhyFormatUnifiedFormat[int64](uni)[idx]))
	case common.UINT64:
		return binary.LittleEndian.AppendUint64(buf,
			chunk.GetSliceInPhyFormatUnifiedFormat[uint64](uni)[idx])
	case common.FLOAT:
		val := chunk.GetSliceInPhyFormatUnifiedFormat[float32](uni)[idx]
		norm := float32(chunk.NormalizeFloat64(float64(val)))
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(norm))
	case common.DOUBLE:
		val := chunk.GetSliceInPhyFormatUnifiedFormat[float64](uni)[idx]
		return binary.LittleEndian.AppendUint64(buf,
			math.Float64bits(chunk.NormalizeFloat64(val)))
	case common.DECIMAL:
		neg, coef, scale := chunk.GetSliceInPhyFormatUnifiedFormat[common.Decimal](uni)[idx].Canonical()
		if neg {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.LittleEndian.AppendUint64(buf, coef)
		return append(buf, byte(scale))
	case common.VARCHAR:
		str := uni.Strs[idx]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(str)))
		return append(buf, str...)
	default:
		panic(fmt.Sprintf("usp group key type %v", pTyp))
	}
}

// decodeKey writes the values of key into row of the vectors.
func decodeKey(key []byte, vecs []*chunk.Vector, row int) error {
	pos := 0
	for _, vec := range vecs {
		if pos >= len(key) {
			return errors.AssertionFailedf("group key too short: %d bytes", len(key))
		}
		valid := key[pos] == keyValid
		pos++
		if !valid {
			chunk.SetNullInPhyFormatFlat(vec, uint64(row), true)
			continue
		}
		chunk.SetNullInPhyFormatFlat(vec, uint64(row), false)
		pTyp := vec.Typ().GetInternalType()
		switch pTyp {
		case common.BOOL:
			chunk.GetSliceInPhyFormatFlat[bool](vec)[row] = key[pos] != 0
			pos++
		case common.INT8:
			chunk.GetSliceInPhyFormatFlat[int8](vec)[row] = int8(key[pos])
			pos++
		case common.INT16:
			chunk.GetSliceInPhyFormatFlat[int16](vec)[row] = int16(binary.LittleEndian.Uint16(key[pos:]))
			pos += 2
		case common.INT32, common.DATE:
			chunk.GetSliceInPhyFormatFlat[int32](vec)[row] = int32(binary.LittleEndian.Uint32(key[pos:]))
			pos += 4
		case common.INT64:
			chunk.GetSliceInPhyFormatFlat[int64](vec)[row] = int64(binary.LittleEndian.Uint64(key[pos:]))
			pos += 8
		case common.UINT64:
			chunk.GetSliceInPhyFormatFlat[uint64](vec)[row] = binary.LittleEndian.Uint64(key[pos:])
			pos += 8
		case common.FLOAT:
			chunk.GetSliceInPhyFormatFlat[float32](vec)[row] = math.Float32frombits(binary.LittleEndian.Uint32(key[pos:]))
			pos += 4
		case common.DOUBLE:
			chunk.GetSliceInPhyFormatFlat[float64](vec)[row] = math.Float64frombits(binary.LittleEndian.Uint64(key[pos:]))
			pos += 8
		case common.DECIMAL:
			neg := key[pos] != 0
			coef := binary.LittleEndian.Uint64(key[pos+1:])
			scale := int(key[pos+9])
			pos += 10
			dec, err := common.DecimalFromParts(neg, coef, scale)
			if err != nil {
				return errors.Wrap(err, "decode decimal group key")
			}
			chunk.GetSliceInPhyFormatFlat[common.Decimal](vec)[row] = dec
		case common.VARCHAR:
			l := int(binary.LittleEndian.Uint32(key[pos:]))
			pos += 4
			vec.Strs[row] = string(key[pos : pos+l])
			pos += l
		default:
			panic(fmt.Sprintf("usp group key type %v", pTyp))
		}
	}
	util.Assertf(pos == len(key), "group key has %d trailing bytes", len(key)-pos)
	return nil
}
