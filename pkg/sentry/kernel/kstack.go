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

package kernel

import (
	"fmt"

	"mkern.dev/mkern/pkg/cleanup"
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/sentry/pgalloc"
)

// KernelStack is the kernel stack of a context. It is exclusively owned by
// the context and released when the context is reaped.
type KernelStack struct {
	mf     *pgalloc.MemoryFile
	frames []hostarch.Frame
}

func newKernelStack(mf *pgalloc.MemoryFile, pages int) (*KernelStack, error) {
	if pages <= 0 {
		panic(fmt.Sprintf("kernel stack of %d pages", pages))
	}
	s := &KernelStack{mf: mf, frames: make([]hostarch.Frame, 0, pages)}
	cu := cleanup.Make(s.Release)
	defer cu.Clean()
	for i := 0; i < pages; i++ {
		f, err := mf.Allocate()
		if err != nil {
			return nil, err
		}
		s.frames = append(s.frames, f)
	}
	cu.Release()
	return s, nil
}

// Frames returns the frames backing the stack, lowest first.
func (s *KernelStack) Frames() []hostarch.Frame {
	return s.frames
}

// Size returns the size of the stack in bytes.
func (s *KernelStack) Size() uint64 {
	return uint64(len(s.frames)) * hostarch.PageSize
}

// Release frees the stack's frames. It must be called at most once.
func (s *KernelStack) Release() {
	for _, f := range s.frames {
		s.mf.Deallocate(f)
	}
	s.frames = nil
}
