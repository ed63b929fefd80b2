// Copyright 2018 The gVisor Authors.
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

// Package arch provides the saved machine state of an execution context.
package arch

import (
	"fmt"

	"github.com/mohae/deepcopy"
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/sentry/arch/fpu"
)

// Registers is the x86-64 general purpose register file.
type Registers struct {
	R15    uint64
	R14    uint64
	R13    uint64
	R12    uint64
	Rbp    uint64
	Rbx    uint64
	R11    uint64
	R10    uint64
	R9     uint64
	R8     uint64
	Rax    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rip    uint64
	Eflags uint64
	Rsp    uint64
}

const (
	// eflagsIF is the interrupt enable flag.
	eflagsIF = 1 << 9

	// eflagsReserved is bit 1, which always reads as one.
	eflagsReserved = 1 << 1
)

// State contains the complete saved machine state of a context: what a
// context switch saves and restores.
type State struct {
	// Regs is the general purpose register file.
	Regs Registers

	// FPState is the FXSAVE area.
	FPState fpu.State

	// FSBase is the thread pointer.
	FSBase uint64
}

// NewState returns a State with a reset FPU and interrupts enabled.
func NewState() *State {
	return &State{
		Regs:    Registers{Eflags: eflagsReserved | eflagsIF},
		FPState: fpu.NewState(),
	}
}

// Fork creates and returns an identical copy of the state. Nothing is shared
// with s.
func (s *State) Fork() *State {
	return deepcopy.Copy(s).(*State)
}

// CopyFrom overwrites s with the contents of other without sharing any
// memory with it.
func (s *State) CopyFrom(other *State) {
	s.Regs = other.Regs
	s.FSBase = other.FSBase
	if len(s.FPState) != len(other.FPState) {
		s.FPState = make(fpu.State, len(other.FPState))
	}
	copy(s.FPState, other.FPState)
}

// IP returns the current instruction pointer.
func (s *State) IP() hostarch.Addr {
	return hostarch.Addr(s.Regs.Rip)
}

// SetIP sets the current instruction pointer.
func (s *State) SetIP(v hostarch.Addr) {
	s.Regs.Rip = uint64(v)
}

// Stack returns the current stack pointer.
func (s *State) Stack() hostarch.Addr {
	return hostarch.Addr(s.Regs.Rsp)
}

// SetStack sets the current stack pointer.
func (s *State) SetStack(v hostarch.Addr) {
	s.Regs.Rsp = uint64(v)
}

// Return returns the current syscall return value.
func (s *State) Return() uintptr {
	return uintptr(s.Regs.Rax)
}

// SetReturn sets the syscall return value.
func (s *State) SetReturn(v uintptr) {
	s.Regs.Rax = uint64(v)
}

// Reset clears all registers and the FPU state, then sets the entry point and
// stack, as for a freshly executed image.
func (s *State) Reset(entry, stack hostarch.Addr) {
	s.Regs = Registers{Eflags: eflagsReserved | eflagsIF}
	s.FSBase = 0
	if s.FPState == nil {
		s.FPState = fpu.NewState()
	} else {
		s.FPState.Reset()
	}
	s.SetIP(entry)
	s.SetStack(stack)
}

// String implements fmt.Stringer.String.
func (s *State) String() string {
	return fmt.Sprintf("rip=%#x rsp=%#x rax=%#x", s.Regs.Rip, s.Regs.Rsp, s.Regs.Rax)
}
