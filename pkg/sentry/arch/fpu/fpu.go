// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fpu provides basic floating point helpers.
package fpu

import (
	"encoding/binary"
)

// StateSize is the size in bytes of the x86 FXSAVE area.
const StateSize = 512

const (
	// fcwOffset is the offset in bytes of the x87 control word.
	fcwOffset = 0

	// mxcsrOffset is the offset in bytes of the MXCSR field from the start of
	// the FXSAVE area. (Intel SDM Vol. 1, Table 10-2 "Format of an FXSAVE
	// Area")
	mxcsrOffset = 24

	// mxcsrMaskOffset is the offset in bytes of the MXCSR_MASK field from the
	// start of the FXSAVE area.
	mxcsrMaskOffset = 28

	// initFCW is the x87 control word after FNINIT.
	initFCW = 0x37f

	// initMXCSR is the MXCSR value after reset.
	initMXCSR = 0x1f80

	// mxcsrMask covers the MXCSR bits that may be set.
	mxcsrMask = 0xffff
)

// State represents floating point state.
//
// This is a simple byte slice, but may have architecture-specific methods
// attached to it.
type State []byte

// NewState returns an initialized floating point state.
func NewState() State {
	s := make(State, StateSize)
	s.Reset()
	return s
}

// Fork creates and returns an identical copy of the floating point state.
func (s *State) Fork() State {
	n := make(State, len(*s))
	copy(n, *s)
	return n
}

// Reset resets s to its initial state.
func (s *State) Reset() {
	f := *s
	clear(f)
	binary.LittleEndian.PutUint16(f[fcwOffset:], initFCW)
	binary.LittleEndian.PutUint32(f[mxcsrOffset:], initMXCSR)
	binary.LittleEndian.PutUint32(f[mxcsrMaskOffset:], mxcsrMask)
}

// MXCSR returns the SSE control and status register.
func (s State) MXCSR() uint32 {
	return binary.LittleEndian.Uint32(s[mxcsrOffset:])
}

// SetMXCSR sets MXCSR, clearing reserved bits.
func (s State) SetMXCSR(v uint32) {
	binary.LittleEndian.PutUint32(s[mxcsrOffset:], v&mxcsrMask)
}
