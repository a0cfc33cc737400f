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
	"fmt"
	"os"
	"runtime"

	"github.com/cockroachdb/errors"
)

const (
	DefaultVectorSize = 2048
)

func AlignValue8(value int) int {
	return (value + 7) & (^7)
}

// AssertFunc panics when the protocol or layout invariant b does not hold.
func AssertFunc(b bool) {
	if !b {
		panic(errors.AssertionFailedf("assertion failed"))
	}
}

// Assertf is AssertFunc with a formatted reason.
func Assertf(b bool, format string, args ...any) {
	if !b {
		panic(errors.AssertionFailedf(format, args...))
	}
}

func FileIsValid(path string) bool {
	stat, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !stat.IsDir()
}

// ConvertPanicError turns a recovered panic into an error. Errors raised
// through panic keep their identity so errors.Is still works on them.
func ConvertPanicError(v interface{}) error {
	if err, ok := v.(error); ok {
		return errors.Wrapf(err, "panic: %+v", Callers(3))
	}
	return fmt.Errorf("panic %v: %+v", v, Callers(3))
}

type Stack []uintptr

// Callers makes the depth customizable.
func Callers(depth int) *Stack {
	const numFrames = 32
	var pcs [numFrames]uintptr
	n := runtime.Callers(2+depth, pcs[:])
	var st Stack = pcs[0:n]
	return &st
}

func (s *Stack) Format(st fmt.State, verb rune) {
	frames := runtime.CallersFrames(*s)
	for {
		frame, more := frames.Next()
		fmt.Fprintf(st, "\n%s\n\t%s:%d", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
}

func NextPowerOfTwo(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}

func IsPowerOfTwo(v uint64) bool {
	return (v & (v - 1)) == 0
}
