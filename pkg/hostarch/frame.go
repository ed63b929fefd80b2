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

package hostarch

import "fmt"

// PhysAddr is a physical address.
type PhysAddr uint64

// Frame is the index of a physical page frame: PhysAddr / PageSize.
type Frame uint64

// FrameOf returns the frame containing p.
func FrameOf(p PhysAddr) Frame {
	return Frame(p >> PageShift)
}

// Addr returns the physical address of the first byte of f.
func (f Frame) Addr() PhysAddr {
	return PhysAddr(f) << PageShift
}

// String implements fmt.Stringer.String.
func (f Frame) String() string {
	return fmt.Sprintf("frame %d (%#x)", uint64(f), uint64(f.Addr()))
}

// PageOffset returns the offset of p into its frame.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p) & (PageSize - 1)
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// FrameRange is a range of frames [Start, End).
type FrameRange struct {
	Start Frame
	End   Frame
}

// Length returns the number of frames in the range.
func (r FrameRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if r contains f.
func (r FrameRange) Contains(f Frame) bool {
	return r.Start <= f && f < r.End
}

// FrameRangeOf returns the smallest frame range covering the physical bytes
// [start, start+length).
func FrameRangeOf(start PhysAddr, length uint64) FrameRange {
	end := uint64(start) + length
	return FrameRange{
		Start: FrameOf(start),
		End:   Frame((end + PageSize - 1) >> PageShift),
	}
}
