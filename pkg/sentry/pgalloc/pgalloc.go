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

// Package pgalloc contains the physical frame allocator.
//
// Physical memory is a single anonymous host mapping. Frames are identified
// by index; frame contents are only reachable through MemoryFile.Bytes, which
// plays the role of the kernel's direct map.
package pgalloc

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"mkern.dev/mkern/pkg/bitmap"
	"mkern.dev/mkern/pkg/errors/linuxerr"
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/log"
	"mkern.dev/mkern/pkg/metric"
	"mkern.dev/mkern/pkg/sync"
)

// LowMemoryLimit is the end of the legacy low-memory area. Frames below it are
// never handed out.
const LowMemoryLimit = 1 << 20

var (
	framesAllocated = metric.MustCreateNewUint64Metric("/pgalloc/frames_allocated", "Number of physical frames allocated.")
	framesFreed     = metric.MustCreateNewUint64Metric("/pgalloc/frames_freed", "Number of physical frames freed.")
	allocFailures   = metric.MustCreateNewUint64Metric("/pgalloc/alloc_failures", "Number of frame allocations that failed for lack of memory.")
)

var oomLog = log.BasicRateLimitedLogger(time.Second)

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// Size is the amount of physical memory in bytes. It must be a multiple
	// of hostarch.PageSize and larger than LowMemoryLimit.
	Size uint64

	// Reserved lists additional frame ranges that must never be allocated,
	// typically the kernel image.
	Reserved []hostarch.FrameRange
}

// MemoryFile is the physical memory of the machine together with the frame
// allocator that tracks it.
type MemoryFile struct {
	// mem is the host mapping backing physical memory. It is immutable after
	// construction.
	mem []byte

	// frames is the total number of frames. Immutable.
	frames uint64

	// mu protects the fields below.
	mu sync.Mutex

	// used has a bit set for every frame that is allocated or reserved.
	used bitmap.Bitmap

	// reserved has a bit set for every reserved frame. Immutable after
	// construction.
	reserved bitmap.Bitmap
}

// NewMemoryFile creates a MemoryFile.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.Size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("memory size %#x is not page-aligned", opts.Size)
	}
	if opts.Size <= LowMemoryLimit {
		return nil, fmt.Errorf("memory size %#x leaves nothing above the low memory limit %#x", opts.Size, LowMemoryLimit)
	}
	mem, err := unix.Mmap(-1, 0, int(opts.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of physical memory: %w", opts.Size, err)
	}
	frames := opts.Size / hostarch.PageSize
	f := &MemoryFile{
		mem:      mem,
		frames:   frames,
		used:     bitmap.New(frames),
		reserved: bitmap.New(frames),
	}
	f.reserve(hostarch.FrameRange{Start: 0, End: LowMemoryLimit / hostarch.PageSize})
	for _, r := range opts.Reserved {
		f.reserve(r)
	}
	log.Debugf("Physical memory: %d frames, %d reserved", frames, f.reserved.Count())
	return f, nil
}

func (f *MemoryFile) reserve(r hostarch.FrameRange) {
	f.used.AddRange(uint64(r.Start), uint64(r.End))
	f.reserved.AddRange(uint64(r.Start), uint64(r.End))
}

// Close releases the host mapping. No frame may be used afterwards.
func (f *MemoryFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mem == nil {
		return nil
	}
	err := unix.Munmap(f.mem)
	f.mem = nil
	return err
}

// Allocate returns the lowest free frame, zeroed, and marks it used. It
// returns ENOMEM if every frame is in use.
func (f *MemoryFile) Allocate() (hostarch.Frame, error) {
	f.mu.Lock()
	i, ok := f.used.FirstZero(0)
	if !ok {
		used := f.used.Count()
		f.mu.Unlock()
		allocFailures.Increment()
		oomLog.Warningf("Out of physical frames (%d of %d in use)", used, f.frames)
		return 0, linuxerr.ENOMEM
	}
	f.used.Add(i)
	f.mu.Unlock()

	fr := hostarch.Frame(i)
	f.Zero(fr)
	framesAllocated.Increment()
	return fr, nil
}

// Deallocate marks fr free.
//
// Precondition: fr was returned by Allocate and has not been deallocated
// since. Violations panic; they indicate a lifetime bug in the caller.
func (f *MemoryFile) Deallocate(fr hostarch.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := uint64(fr)
	if i >= f.frames {
		panic(fmt.Sprintf("deallocating %v beyond the end of physical memory (%d frames)", fr, f.frames))
	}
	if f.reserved.IsSet(i) {
		panic(fmt.Sprintf("deallocating reserved %v", fr))
	}
	if !f.used.Remove(i) {
		panic(fmt.Sprintf("double free of %v", fr))
	}
	framesFreed.Increment()
}

// IsAllocated reports whether fr is currently allocated (not free and not
// reserved).
func (f *MemoryFile) IsAllocated(fr hostarch.Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := uint64(fr)
	return i < f.frames && f.used.IsSet(i) && !f.reserved.IsSet(i)
}

// TotalFrames returns the number of frames of physical memory.
func (f *MemoryFile) TotalFrames() uint64 {
	return f.frames
}

// UsedFrames returns the number of allocated frames, excluding reserved ones.
func (f *MemoryFile) UsedFrames() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used.Count() - f.reserved.Count()
}

// FreeFrames returns the number of frames available to Allocate.
func (f *MemoryFile) FreeFrames() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames - f.used.Count()
}

// ReservedFrames returns the number of frames that are never allocated.
func (f *MemoryFile) ReservedFrames() uint64 {
	return f.reserved.Count()
}
