package util

import (
	"unsafe"
)

// Load reinterprets the head of an arena slice as *T. Callers keep the
// slice 8-byte aligned and at least unsafe.Sizeof(T) long; T must not hold
// Go pointers.
func Load[T any](data []byte) *T {
	return (*T)(unsafe.Pointer(unsafe.SliceData(data)))
}

func ToSlice[T any](data []byte, pSize int) []T {
	slen := len(data) / pSize
	if slen == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), slen)
}

func Fill[T any](data []T, count int, val T) {
	for i := 0; i < count; i++ {
		data[i] = val
	}
}
