// Copyright 2024 The gVisor Authors.
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

package pgalloc

import (
	"fmt"

	"mkern.dev/mkern/pkg/hostarch"
)

// Bytes returns the contents of fr through the direct map. The returned
// slice aliases physical memory and is exactly one page long.
func (f *MemoryFile) Bytes(fr hostarch.Frame) []byte {
	if uint64(fr) >= f.frames {
		panic(fmt.Sprintf("%v beyond the end of physical memory (%d frames)", fr, f.frames))
	}
	off := uint64(fr) * hostarch.PageSize
	return f.mem[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Zero fills fr with zeroes.
func (f *MemoryFile) Zero(fr hostarch.Frame) {
	clear(f.Bytes(fr))
}

// CopyFrame copies the contents of src into dst.
func (f *MemoryFile) CopyFrame(dst, src hostarch.Frame) {
	copy(f.Bytes(dst), f.Bytes(src))
}
