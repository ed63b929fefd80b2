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

package mm

import (
	"fmt"

	"mkern.dev/mkern/pkg/cleanup"
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/refs"
	"mkern.dev/mkern/pkg/sentry/pgalloc"
)

// SharedMemory is a set of frames that may be mapped into several address
// spaces at once. It owns its frames and frees them when the last reference
// is dropped.
type SharedMemory struct {
	refs.AtomicRefCount

	mf     *pgalloc.MemoryFile
	frames []hostarch.Frame
}

// NewSharedMemory allocates a zeroed shared object of the given number of
// pages, holding one reference for the caller.
func NewSharedMemory(mf *pgalloc.MemoryFile, pages uint64) (*SharedMemory, error) {
	if pages == 0 {
		panic("NewSharedMemory with zero pages")
	}
	s := &SharedMemory{mf: mf, frames: make([]hostarch.Frame, 0, pages)}
	cu := cleanup.Make(s.release)
	defer cu.Clean()
	for i := uint64(0); i < pages; i++ {
		f, err := mf.Allocate()
		if err != nil {
			return nil, err
		}
		s.frames = append(s.frames, f)
	}
	cu.Release()
	return s, nil
}

// DecRef drops a reference, freeing every frame when the last one is gone.
func (s *SharedMemory) DecRef() {
	s.DecRefWithDestructor(s.release)
}

func (s *SharedMemory) release() {
	for _, f := range s.frames {
		s.mf.Deallocate(f)
	}
	s.frames = nil
}

// Size returns the size of s in bytes.
func (s *SharedMemory) Size() uint64 {
	return uint64(len(s.frames)) * hostarch.PageSize
}

// Frames returns the frames backing s, in order.
func (s *SharedMemory) Frames() []hostarch.Frame {
	return s.frames
}

// mapInto maps every frame of s into mm starting at start. On failure nothing
// is left mapped.
//
// Preconditions: mm.mu must be locked. The range has no translations.
func (s *SharedMemory) mapInto(mm *MemoryManager, start hostarch.Addr, perms hostarch.AccessType) error {
	var cu cleanup.Cleanup
	defer cu.Clean()
	for i, f := range s.frames {
		addr := start + hostarch.Addr(uint64(i)*hostarch.PageSize)
		if err := mm.pt.Map(addr, f, mapOpts(perms)); err != nil {
			return err
		}
		cu.Add(func() { mm.unmapPageLocked(addr, false) })
	}
	cu.Release()
	return nil
}

// String implements fmt.Stringer.String.
func (s *SharedMemory) String() string {
	return fmt.Sprintf("shm{pages=%d, refs=%d}", len(s.frames), s.ReadRefs())
}
