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
	"mkern.dev/mkern/pkg/errors/linuxerr"
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/ring0/pagetables"
	"mkern.dev/mkern/pkg/sentry/limits"
)

// mapOpts returns the translation flags for a user page with perms.
func mapOpts(perms hostarch.AccessType) pagetables.MapOpts {
	return pagetables.MapOpts{AccessType: perms, User: true}
}

// validRange returns EINVAL unless ar is a non-empty, page-aligned range
// within the user address space.
func validRange(ar hostarch.AddrRange) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		return linuxerr.EINVAL
	}
	if ar.Start < MinUserAddr || ar.End > hostarch.MaxUserAddr {
		return linuxerr.EINVAL
	}
	return nil
}

// findLocked returns the vma containing addr, or nil.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) findLocked(addr hostarch.Addr) *vma {
	var found *vma
	mm.regions.DescendLessOrEqual(&vma{Region: Region{Range: hostarch.AddrRange{Start: addr}}}, func(v *vma) bool {
		if v.Range.Contains(addr) {
			found = v
		}
		return false
	})
	return found
}

// overlapsLocked returns true if any vma intersects ar.
//
// Preconditions: mm.mu must be locked. ar.Length() != 0.
func (mm *MemoryManager) overlapsLocked(ar hostarch.AddrRange) bool {
	overlaps := false
	mm.regions.DescendLessOrEqual(&vma{Region: Region{Range: hostarch.AddrRange{Start: ar.End - 1}}}, func(v *vma) bool {
		overlaps = v.Range.End > ar.Start
		return false
	})
	return overlaps
}

// checkASLocked returns ENOMEM if growing the address space by length bytes
// would exceed the address space limit.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) checkASLocked(length uint64) error {
	if limit := mm.limits.Get(limits.AS).Cur; limit != limits.Infinity && mm.usageAS+length > limit {
		return linuxerr.ENOMEM
	}
	return nil
}

// insertLocked adds v to the region set.
//
// Preconditions: mm.mu must be locked. v does not overlap any vma.
func (mm *MemoryManager) insertLocked(v *vma) {
	if old, ok := mm.regions.ReplaceOrInsert(v); ok {
		panic(fmt.Sprintf("vma %v replaced %v", v.Range, old.Range))
	}
	mm.usageAS += v.Range.Length()
}

// deleteLocked removes v from the region set. It does not touch v's
// translations.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) deleteLocked(v *vma) {
	if _, ok := mm.regions.Delete(v); !ok {
		panic(fmt.Sprintf("vma %v not in region set", v.Range))
	}
	mm.usageAS -= v.Range.Length()
}

// populatePageLocked backs the page at addr with a fresh zeroed frame.
//
// Preconditions: mm.mu must be locked. addr is page-aligned and has no
// translation.
func (mm *MemoryManager) populatePageLocked(addr hostarch.Addr, perms hostarch.AccessType) error {
	f, err := mm.mf.Allocate()
	if err != nil {
		return err
	}
	if err := mm.pt.Map(addr, f, mapOpts(perms)); err != nil {
		mm.mf.Deallocate(f)
		return err
	}
	return nil
}

// populateLocked backs every page of ar with a fresh zeroed frame. On failure
// every page populated by this call is released again.
//
// Preconditions: mm.mu must be locked. ar is page-aligned and has no
// translations.
func (mm *MemoryManager) populateLocked(ar hostarch.AddrRange, perms hostarch.AccessType) error {
	var cu cleanup.Cleanup
	defer cu.Clean()
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		if err := mm.populatePageLocked(addr, perms); err != nil {
			return err
		}
		done := addr
		cu.Add(func() { mm.unmapPageLocked(done, true) })
	}
	cu.Release()
	return nil
}

// unmapPageLocked removes the translation of the page at addr, if any, and
// invalidates it. If free is true, the frame is returned to the MemoryFile.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) unmapPageLocked(addr hostarch.Addr, free bool) (hostarch.Frame, bool) {
	f, ok := mm.pt.Unmap(addr)
	if !ok {
		return 0, false
	}
	mm.tlb.Invalidate(mm.pt, addr)
	if free {
		mm.mf.Deallocate(f)
	}
	return f, true
}

// unmapLocked removes every translation in ar, which must lie within v.
// Frames owned by v are freed.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) unmapLocked(v *vma, ar hostarch.AddrRange) {
	var present []hostarch.Addr
	mm.pt.Walk(ar, func(addr hostarch.Addr, _ hostarch.Frame, _ pagetables.MapOpts) {
		present = append(present, addr)
	})
	for _, addr := range present {
		mm.unmapPageLocked(addr, v.private())
	}
}

// AddRegion adds an eagerly populated private region covering ar. kind must
// be Anonymous or Image; shared regions are added with AddShared.
//
// It returns EINVAL if ar is empty or not page-aligned, ErrOverlap if ar
// intersects an existing region, and ENOMEM if frames run out, in which case
// nothing is left mapped.
func (mm *MemoryManager) AddRegion(ar hostarch.AddrRange, perms hostarch.AccessType, kind RegionKind) error {
	if kind == Shared {
		return linuxerr.EINVAL
	}
	if err := validRange(ar); err != nil {
		return err
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.addRegionLocked(Region{Range: ar, Perms: perms, Kind: kind}, nil)
}

// addRegionLocked validates and inserts r. Private regions that are not
// demand paged are populated; shared regions map shm's frames.
//
// Preconditions: mm.mu must be locked. r.Range is valid.
func (mm *MemoryManager) addRegionLocked(r Region, shm *SharedMemory) error {
	if mm.overlapsLocked(r.Range) {
		return ErrOverlap
	}
	if err := mm.checkASLocked(r.Range.Length()); err != nil {
		return err
	}
	v := &vma{Region: r, shm: shm}
	switch {
	case shm != nil:
		if err := shm.mapInto(mm, r.Range.Start, r.Perms); err != nil {
			return err
		}
	case !r.Demand:
		if err := mm.populateLocked(r.Range, r.Perms); err != nil {
			return err
		}
	}
	mm.insertLocked(v)
	return nil
}

// AddShared maps all of shm at addr. The region holds a reference on shm
// until it is removed.
func (mm *MemoryManager) AddShared(addr hostarch.Addr, shm *SharedMemory, perms hostarch.AccessType) error {
	ar, ok := addr.ToRange(shm.Size())
	if !ok {
		return linuxerr.EINVAL
	}
	if err := validRange(ar); err != nil {
		return err
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	shm.IncRef()
	if err := mm.addRegionLocked(Region{Range: ar, Perms: perms, Kind: Shared}, shm); err != nil {
		shm.DecRef()
		return err
	}
	return nil
}

// removeLocked unmaps and deletes v, dropping its shared memory reference if
// any.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) removeLocked(v *vma) {
	mm.unmapLocked(v, v.Range)
	mm.deleteLocked(v)
	if v.shm != nil {
		v.shm.DecRef()
	}
}

// RemoveRegion removes the region starting at addr. Its translations are
// invalidated and its private frames freed.
func (mm *MemoryManager) RemoveRegion(addr hostarch.Addr) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	v := mm.findLocked(addr)
	if v == nil || v.Range.Start != addr {
		return linuxerr.EINVAL
	}
	mm.removeLocked(v)
	return nil
}

// splitLocked splits the private vma containing addr so that a vma boundary
// falls at addr. It returns EINVAL if addr falls inside a shared region.
//
// Preconditions: mm.mu must be locked. addr is page-aligned.
func (mm *MemoryManager) splitLocked(addr hostarch.Addr) error {
	v := mm.findLocked(addr)
	if v == nil || v.Range.Start == addr {
		return nil
	}
	if !v.private() {
		return linuxerr.EINVAL
	}
	hi := &vma{Region: v.Region}
	hi.Range.Start = addr
	mm.deleteLocked(v)
	v.Range.End = addr
	mm.insertLocked(v)
	mm.insertLocked(hi)
	return nil
}

// vmasInLocked returns the vmas intersecting ar in ascending order.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) vmasInLocked(ar hostarch.AddrRange) []*vma {
	var vs []*vma
	if v := mm.findLocked(ar.Start); v != nil {
		vs = append(vs, v)
	}
	mm.regions.AscendRange(&vma{Region: Region{Range: hostarch.AddrRange{Start: ar.Start + 1}}}, &vma{Region: Region{Range: hostarch.AddrRange{Start: ar.End}}}, func(v *vma) bool {
		vs = append(vs, v)
		return true
	})
	return vs
}

// MMapOpts specifies a new anonymous mapping.
type MMapOpts struct {
	// Length is the length of the mapping, rounded up to a page.
	Length uint64

	// Addr is the placement hint, or the exact address if Fixed.
	Addr hostarch.Addr

	// Fixed requires the mapping to be placed at Addr. Any existing mapping
	// there is an error, not replaced.
	Fixed bool

	// Perms are the permissions of the new region.
	Perms hostarch.AccessType

	// Precommit populates the whole mapping immediately instead of on
	// first access.
	Precommit bool

	// Hint is the region's descriptive name.
	Hint string
}

// MMap establishes an anonymous mapping. Without Fixed, the mapping is
// placed in the lowest gap at or above both Addr and the mmap base.
func (mm *MemoryManager) MMap(opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 {
		return 0, linuxerr.EINVAL
	}
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	if opts.Fixed && !opts.Addr.IsPageAligned() {
		return 0, linuxerr.EINVAL
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	var ar hostarch.AddrRange
	if opts.Fixed {
		ar, ok = opts.Addr.ToRange(length)
		if !ok {
			return 0, linuxerr.EINVAL
		}
		if err := validRange(ar); err != nil {
			return 0, err
		}
	} else {
		start := max(opts.Addr.RoundDown(), mm.mmapBase)
		ar, ok = mm.findGapLocked(start, length)
		if !ok {
			return 0, linuxerr.ENOMEM
		}
	}
	r := Region{
		Range:  ar,
		Perms:  opts.Perms,
		Kind:   Anonymous,
		Demand: !opts.Precommit,
		Hint:   opts.Hint,
	}
	if err := mm.addRegionLocked(r, nil); err != nil {
		return 0, err
	}
	return ar.Start, nil
}

// findGapLocked returns the lowest free range of length bytes starting at or
// above start.
//
// Preconditions: mm.mu must be locked. start and length are page-aligned.
func (mm *MemoryManager) findGapLocked(start hostarch.Addr, length uint64) (hostarch.AddrRange, bool) {
	if v := mm.findLocked(start); v != nil {
		start = v.Range.End
	}
	mm.regions.AscendGreaterOrEqual(&vma{Region: Region{Range: hostarch.AddrRange{Start: start}}}, func(v *vma) bool {
		if uint64(v.Range.Start-start) >= length {
			return false
		}
		start = v.Range.End
		return true
	})
	ar, ok := start.ToRange(length)
	if !ok || ar.End > hostarch.MaxUserAddr {
		return hostarch.AddrRange{}, false
	}
	return ar, true
}

// MUnmap removes every mapping in [addr, addr+length). Partially covered
// private regions are split; shared regions can only be unmapped whole.
func (mm *MemoryManager) MUnmap(addr hostarch.Addr, length uint64) error {
	if length == 0 || !addr.IsPageAligned() {
		return linuxerr.EINVAL
	}
	la, ok := hostarch.PageRoundUp(length)
	if !ok {
		return linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(la)
	if !ok {
		return linuxerr.EINVAL
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.splitLocked(ar.Start); err != nil {
		return err
	}
	if err := mm.splitLocked(ar.End); err != nil {
		return err
	}
	for _, v := range mm.vmasInLocked(ar) {
		mm.removeLocked(v)
	}
	return nil
}

// MProtect changes the permissions of [addr, addr+length), which must be
// entirely covered by regions. Present translations are updated in place and
// invalidated.
func (mm *MemoryManager) MProtect(addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	if !addr.IsPageAligned() {
		return linuxerr.EINVAL
	}
	if length == 0 {
		return nil
	}
	la, ok := hostarch.PageRoundUp(length)
	if !ok {
		return linuxerr.ENOMEM
	}
	ar, ok := addr.ToRange(la)
	if !ok {
		return linuxerr.ENOMEM
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	// Check coverage before changing anything.
	next := ar.Start
	for _, v := range mm.vmasInLocked(ar) {
		if v.Range.Start > next {
			return linuxerr.ENOMEM
		}
		next = v.Range.End
	}
	if next < ar.End {
		return linuxerr.ENOMEM
	}

	if err := mm.splitLocked(ar.Start); err != nil {
		return err
	}
	if err := mm.splitLocked(ar.End); err != nil {
		return err
	}
	for _, v := range mm.vmasInLocked(ar) {
		v.Perms = perms
		var present []hostarch.Addr
		mm.pt.Walk(v.Range, func(addr hostarch.Addr, _ hostarch.Frame, _ pagetables.MapOpts) {
			present = append(present, addr)
		})
		for _, addr := range present {
			mm.pt.Protect(addr, mapOpts(perms))
			mm.tlb.Invalidate(mm.pt, addr)
		}
	}
	return nil
}
