package chunk

import (
	"github.com/daviszhen/radixagg/pkg/util"
)

// UnifiedFormat is a read view over a flat or constant vector. Row i
// lives at Sel.GetIndex(i).
type UnifiedFormat struct {
	Sel      *SelectVector
	Data     []byte
	Strs     []string
	Mask     *util.Bitmap
	InterSel SelectVector
	PTypSize int
}

func GetSliceInPhyFormatUnifiedFormat[T any](uni *UnifiedFormat) []T {
	return util.ToSlice[T](uni.Data, uni.PTypSize)
}

func (uni *UnifiedFormat) RowIsValid(i int) bool {
	return uni.Mask.RowIsValid(uint64(uni.Sel.GetIndex(i)))
}
