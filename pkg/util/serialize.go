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

package util

import (
	"io"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// Write emits the in-memory bytes of value. T must be a fixed-size type
// without pointers.
func Write[T any](value T, w io.Writer) error {
	cnt := int(unsafe.Sizeof(value))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&value)), cnt)
	return WriteData(buf, w)
}

func WriteData(buf []byte, w io.Writer) error {
	_, err := w.Write(buf)
	return err
}

func WriteString(s string, w io.Writer) error {
	err := Write[uint32](uint32(len(s)), w)
	if err != nil {
		return err
	}
	if len(s) > 0 {
		return WriteData(UnsafeStringToBytes(s), w)
	}
	return nil
}

// WriteBytes writes a length prefixed byte slice.
func WriteBytes(data []byte, w io.Writer) error {
	err := Write[uint32](uint32(len(data)), w)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		return WriteData(data, w)
	}
	return nil
}

func WriteSlice[T any](data []T, w io.Writer) error {
	err := Write[uint32](uint32(len(data)), w)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var zero T
	sz := int(unsafe.Sizeof(zero)) * len(data)
	return WriteData(unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), sz), w)
}

func Read[T any](value *T, r io.Reader) error {
	cnt := int(unsafe.Sizeof(*value))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(value)), cnt)
	return ReadData(buf, r)
}

func ReadData(buf []byte, r io.Reader) error {
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return errors.Wrapf(err, "read %d bytes", len(buf))
	}
	return nil
}

func ReadString(r io.Reader) (string, error) {
	data, err := ReadBytes(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func ReadBytes(r io.Reader) ([]byte, error) {
	var l uint32
	err := Read[uint32](&l, r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, l)
	if l > 0 {
		err = ReadData(buf, r)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func ReadSlice[T any](r io.Reader) ([]T, error) {
	var l uint32
	err := Read[uint32](&l, r)
	if err != nil {
		return nil, err
	}
	ret := make([]T, l)
	if l == 0 {
		return ret, nil
	}
	var zero T
	sz := int(unsafe.Sizeof(zero)) * int(l)
	err = ReadData(unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(ret))), sz), r)
	if err != nil {
		return nil, err
	}
	return ret, nil
}
