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
	"mkern.dev/mkern/pkg/errors/linuxerr"
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/ring0/pagetables"
	"mkern.dev/mkern/pkg/sentry/limits"
)

// HandleFault handles a fault on addr for an access of type at. A missing
// page in a region whose permissions allow the access is populated with a
// zeroed frame. Any other fault is EFAULT.
func (mm *MemoryManager) HandleFault(addr hostarch.Addr, at hostarch.AccessType) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.handleFaultLocked(addr, at, false)
}

// handleFaultLocked is HandleFault with permission checks optionally
// skipped.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) handleFaultLocked(addr hostarch.Addr, at hostarch.AccessType, ignorePermissions bool) error {
	v := mm.findLocked(addr)
	if v == nil || (!ignorePermissions && !v.Perms.SupersetOf(at)) {
		userFaults.Increment()
		faultLog.Warningf("Unhandled %v fault at %v", at, addr)
		return linuxerr.EFAULT
	}
	page := addr.RoundDown()
	if _, _, ok := mm.pt.Translate(page); ok {
		// Already populated; the fault was on a stale translation.
		return nil
	}
	if !v.private() {
		// Shared regions are always fully mapped.
		panic("fault on missing page of a shared region")
	}
	if err := mm.populatePageLocked(page, v.Perms); err != nil {
		return err
	}
	pageFaults.Increment()
	return nil
}

// MapPage maps frame at addr, which must lie within a private region. The
// region takes ownership of frame: it is freed when the region is removed,
// unless it is first taken back with UnmapPage.
//
// MapPage panics if addr already has a translation.
func (mm *MemoryManager) MapPage(addr hostarch.Addr, frame hostarch.Frame, opts pagetables.MapOpts) error {
	if !addr.IsPageAligned() {
		return linuxerr.EINVAL
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	v := mm.findLocked(addr)
	if v == nil {
		return linuxerr.EFAULT
	}
	if !v.private() {
		return linuxerr.EINVAL
	}
	return mm.pt.Map(addr, frame, opts)
}

// UnmapPage removes the translation at addr and returns the frame that was
// backing it. Ownership of the frame passes to the caller. Pages of shared
// regions are never returned.
func (mm *MemoryManager) UnmapPage(addr hostarch.Addr) (hostarch.Frame, bool) {
	if !pagetables.IsCanonical(addr) {
		return 0, false
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if v := mm.findLocked(addr); v != nil && !v.private() {
		return 0, false
	}
	return mm.unmapPageLocked(addr.RoundDown(), false)
}

// Translate returns the physical address and flags addr translates to.
func (mm *MemoryManager) Translate(addr hostarch.Addr) (hostarch.PhysAddr, pagetables.MapOpts, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.pt.Translate(addr)
}

// GrowLast moves the end of the last region below the mmap base to newEnd,
// which is rounded up to a page. That region is the heap and must be
// Anonymous.
//
// Growing populates the new pages, unless the region is demand paged, and
// leaves nothing mapped on failure. Shrinking unmaps and frees exactly the
// pages beyond newEnd.
func (mm *MemoryManager) GrowLast(newEnd hostarch.Addr) error {
	end, ok := newEnd.RoundUp()
	if !ok {
		return linuxerr.ENOMEM
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var last *vma
	mm.regions.DescendLessOrEqual(&vma{Region: Region{Range: hostarch.AddrRange{Start: mm.mmapBase - 1}}}, func(v *vma) bool {
		last = v
		return false
	})
	if last == nil || last.Kind != Anonymous {
		return linuxerr.EINVAL
	}
	if err := mm.resizeLocked(last, end); err != nil {
		return err
	}
	if last == mm.heapLocked() {
		mm.brk.End = end
	}
	return nil
}

// resizeLocked moves v's end to end.
//
// Preconditions: mm.mu must be locked. end is page-aligned.
func (mm *MemoryManager) resizeLocked(v *vma, end hostarch.Addr) error {
	switch {
	case end <= v.Range.Start:
		return linuxerr.EINVAL

	case end > v.Range.End:
		grow := hostarch.AddrRange{Start: v.Range.End, End: end}
		if grow.End > hostarch.MaxUserAddr {
			return linuxerr.ENOMEM
		}
		if mm.overlapsLocked(grow) {
			return ErrOverlap
		}
		if err := mm.checkASLocked(grow.Length()); err != nil {
			return err
		}
		if !v.Demand {
			if err := mm.populateLocked(grow, v.Perms); err != nil {
				return err
			}
		}
		v.Range.End = end
		mm.usageAS += grow.Length()

	case end < v.Range.End:
		shrink := hostarch.AddrRange{Start: end, End: v.Range.End}
		mm.unmapLocked(v, shrink)
		v.Range.End = end
		mm.usageAS -= shrink.Length()
	}
	return nil
}

// BrkSetup sets mm's brk address to addr and its brk size to 0. Any existing
// heap is unmapped.
func (mm *MemoryManager) BrkSetup(addr hostarch.Addr) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if v := mm.heapLocked(); v != nil {
		mm.removeLocked(v)
	}
	mm.brk = hostarch.AddrRange{Start: addr, End: addr}
}

// heapLocked returns the vma backing the heap, or nil if the heap is empty.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) heapLocked() *vma {
	start := mm.brk.Start.MustRoundUp()
	if v := mm.findLocked(start); v != nil && v.Range.Start == start && v.Hint == heapHint {
		return v
	}
	return nil
}

const heapHint = "[heap]"

// Brk implements the semantics of Linux's brk(2), except that it returns an
// error on failure. Brk(0) returns the current break.
func (mm *MemoryManager) Brk(addr hostarch.Addr) (hostarch.Addr, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if addr == 0 {
		return mm.brk.End, nil
	}
	if addr < mm.brk.Start {
		return mm.brk.End, linuxerr.EINVAL
	}
	if uint64(addr-mm.brk.Start) > mm.limits.Get(limits.Data).Cur {
		return mm.brk.End, linuxerr.ENOMEM
	}

	start := mm.brk.Start.MustRoundUp()
	newbrkpg, ok := addr.RoundUp()
	if !ok {
		return mm.brk.End, linuxerr.EFAULT
	}

	heap := mm.heapLocked()
	switch {
	case heap == nil && newbrkpg > start:
		r := Region{
			Range: hostarch.AddrRange{Start: start, End: newbrkpg},
			Perms: hostarch.ReadWrite,
			Kind:  Anonymous,
			Hint:  heapHint,
		}
		if err := validRange(r.Range); err != nil {
			return mm.brk.End, err
		}
		if err := mm.addRegionLocked(r, nil); err != nil {
			return mm.brk.End, err
		}
	case heap != nil && newbrkpg == start:
		mm.removeLocked(heap)
	case heap != nil:
		if err := mm.resizeLocked(heap, newbrkpg); err != nil {
			return mm.brk.End, err
		}
	}
	mm.brk.End = addr
	return addr, nil
}

// MapStack allocates the initial user stack of size bytes, ending at
// StackTop, and returns its range.
func (mm *MemoryManager) MapStack(size uint64) (hostarch.AddrRange, error) {
	sz, ok := hostarch.PageRoundUp(size)
	if !ok || sz == 0 || sz > uint64(StackTop-mm.mmapBase) {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	ar := hostarch.AddrRange{Start: StackTop - hostarch.Addr(sz), End: StackTop}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.addRegionLocked(Region{Range: ar, Perms: hostarch.ReadWrite, Kind: Anonymous, Hint: "[stack]"}, nil); err != nil {
		return hostarch.AddrRange{}, err
	}
	return ar, nil
}
