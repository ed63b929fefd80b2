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

package pagetables

import (
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/sentry/pgalloc"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new, zeroed table frame.
	NewPTEs() (hostarch.Frame, error)

	// LookupPTEs looks up PTEs by frame.
	LookupPTEs(f hostarch.Frame) PTEs

	// FreePTEs releases a table frame. The table must be empty.
	FreePTEs(f hostarch.Frame)
}

// MemoryFileAllocator is an Allocator that takes table frames from physical
// memory.
type MemoryFileAllocator struct {
	mf *pgalloc.MemoryFile
}

// NewMemoryFileAllocator returns an allocator backed by mf.
func NewMemoryFileAllocator(mf *pgalloc.MemoryFile) *MemoryFileAllocator {
	return &MemoryFileAllocator{mf: mf}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *MemoryFileAllocator) NewPTEs() (hostarch.Frame, error) {
	return a.mf.Allocate()
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *MemoryFileAllocator) LookupPTEs(f hostarch.Frame) PTEs {
	return PTEs{b: a.mf.Bytes(f)}
}

// FreePTEs implements Allocator.FreePTEs.
func (a *MemoryFileAllocator) FreePTEs(f hostarch.Frame) {
	a.mf.Deallocate(f)
}
