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

package chunk

import (
	"math"

	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/util"
)

const (
	NULL_HASH = 0xbf58476d1ce4e5b9
)

func murmurhash64(x uint64) uint64 {
	x ^= x >> 32
	x *= 0xd6e8feb86659fd93
	x ^= x >> 32
	x *= 0xd6e8feb86659fd93
	x ^= x >> 32
	return x
}

func murmurhash32(x uint32) uint64 {
	return murmurhash64(uint64(x))
}

func CombineHashScalar(a, b uint64) uint64 {
	return (a * 0xbf58476d1ce4e5b9) ^ b
}

// NormalizeFloat64 folds -0 into 0 and every NaN into one NaN so that
// equal keys hash and compare alike.
func NormalizeFloat64(v float64) float64 {
	if v == 0 {
		return 0
	}
	if math.IsNaN(v) {
		return math.NaN()
	}
	return v
}

func hashBool(v bool) uint64 {
	if v {
		return murmurhash32(1)
	}
	return murmurhash32(0)
}

func hashInt8(v int8) uint64 {
	return murmurhash32(uint32(v))
}

func hashInt16(v int16) uint64 {
	return murmurhash32(uint32(v))
}

func hashInt32(v int32) uint64 {
	return murmurhash32(uint32(v))
}

func hashInt64(v int64) uint64 {
	return murmurhash64(uint64(v))
}

func hashUint64(v uint64) uint64 {
	return murmurhash64(v)
}

func hashFloat32(v float32) uint64 {
	return murmurhash64(math.Float64bits(NormalizeFloat64(float64(v))))
}

func hashFloat64(v float64) uint64 {
	return murmurhash64(math.Float64bits(NormalizeFloat64(v)))
}

func hashDecimal(v common.Decimal) uint64 {
	neg, coef, scale := v.Canonical()
	n := uint64(0)
	if neg {
		n = 1
	}
	return murmurhash64(n) ^ murmurhash64(coef) ^ murmurhash64(uint64(scale))
}

func hashString(v string) uint64 {
	return util.HashString(v)
}

// HashTypeSwitch writes the hash of each row of input into the flat result.
func HashTypeSwitch(
	input, result *Vector,
	rsel *SelectVector,
	count int,
	hasRsel bool,
) {
	hashTypeSwitch(input, result, rsel, count, hasRsel, false)
}

// CombineHashTypeSwitch mixes the hash of each row of input into hashes.
func CombineHashTypeSwitch(
	hashes *Vector,
	input *Vector,
	rsel *SelectVector,
	count int,
	hasRsel bool,
) {
	hashTypeSwitch(input, hashes, rsel, count, hasRsel, true)
}

func hashTypeSwitch(
	input, result *Vector,
	rsel *SelectVector,
	count int,
	hasRsel bool,
	combine bool,
) {
	util.AssertFunc(result.Typ().Id == common.LTID_UBIGINT)
	util.AssertFunc(result.PhyFormat().IsFlat())
	var data UnifiedFormat
	input.ToUnifiedFormat(count, &data)
	resData := GetSliceInPhyFormatFlat[uint64](result)
	switch input.Typ().GetInternalType() {
	case common.BOOL:
		TightLoopHash[bool](GetSliceInPhyFormatUnifiedFormat[bool](&data), resData, rsel, count, &data, hasRsel, combine, hashBool)
	case common.INT8:
		TightLoopHash[int8](GetSliceInPhyFormatUnifiedFormat[int8](&data), resData, rsel, count, &data, hasRsel, combine, hashInt8)
	case common.INT16:
		TightLoopHash[int16](GetSliceInPhyFormatUnifiedFormat[int16](&data), resData, rsel, count, &data, hasRsel, combine, hashInt16)
	case common.INT32, common.DATE:
		TightLoopHash[int32](GetSliceInPhyFormatUnifiedFormat[int32](&data), resData, rsel, count, &data, hasRsel, combine, hashInt32)
	case common.INT64:
		TightLoopHash[int64](GetSliceInPhyFormatUnifiedFormat[int64](&data), resData, rsel, count, &data, hasRsel, combine, hashInt64)
	case common.UINT64:
		TightLoopHash[uint64](GetSliceInPhyFormatUnifiedFormat[uint64](&data), resData, rsel, count, &data, hasRsel, combine, hashUint64)
	case common.FLOAT:
		TightLoopHash[float32](GetSliceInPhyFormatUnifiedFormat[float32](&data), resData, rsel, count, &data, hasRsel, combine, hashFloat32)
	case common.DOUBLE:
		TightLoopHash[float64](GetSliceInPhyFormatUnifiedFormat[float64](&data), resData, rsel, count, &data, hasRsel, combine, hashFloat64)
	case common.DECIMAL:
		TightLoopHash[common.Decimal](GetSliceInPhyFormatUnifiedFormat[common.Decimal](&data), resData, rsel, count, &data, hasRsel, combine, hashDecimal)
	case common.VARCHAR:
		TightLoopHash[string](data.Strs, resData, rsel, count, &data, hasRsel, combine, hashString)
	default:
		panic("Unknown input type")
	}
}

func TightLoopHash[T any](
	ldata []T,
	resultData []uint64,
	rsel *SelectVector,
	count int,
	data *UnifiedFormat,
	hasRsel bool,
	combine bool,
	hashFun func(T) uint64,
) {
	mask := data.Mask
	for i := 0; i < count; i++ {
		ridx := i
		if hasRsel {
			ridx = rsel.GetIndex(i)
		}
		idx := data.Sel.GetIndex(ridx)
		var h uint64
		if !mask.AllValid() && !mask.RowIsValid(uint64(idx)) {
			h = NULL_HASH
		} else {
			h = hashFun(ldata[idx])
		}
		if combine {
			resultData[ridx] = CombineHashScalar(resultData[ridx], h)
		} else {
			resultData[ridx] = h
		}
	}
}
