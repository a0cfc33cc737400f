package util

import (
	"unsafe"

	"github.com/twmb/murmur3"
)

func HashString(s string) uint64 {
	return murmur3.Sum64(UnsafeStringToBytes(s))
}

func UnsafeStringToBytes(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
