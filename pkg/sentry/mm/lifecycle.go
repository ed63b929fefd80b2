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
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/ring0/pagetables"
)

// CloneFor returns a copy of mm for a new context, with one user.
//
// Private regions are copied eagerly into new frames; pages that were never
// populated stay unpopulated. Shared regions take a new reference and map
// the same frames. On failure nothing allocated by CloneFor remains.
func (mm *MemoryManager) CloneFor() (*MemoryManager, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	mm2, err := NewMemoryManager(Opts{
		MemoryFile: mm.mf,
		TLB:        mm.tlb,
		Limits:     mm.limits,
		MmapBase:   mm.mmapBase,
	})
	if err != nil {
		return nil, err
	}
	if err := mm.cloneIntoLocked(mm2); err != nil {
		mm2.DecUsers()
		return nil, err
	}
	return mm2, nil
}

// cloneIntoLocked copies mm's regions into the empty mm2.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) cloneIntoLocked(mm2 *MemoryManager) error {
	mm2.mu.Lock()
	defer mm2.mu.Unlock()
	mm2.brk = mm.brk

	var err error
	mm.regions.Ascend(func(v *vma) bool {
		v2 := &vma{Region: v.Region, shm: v.shm}
		if v.shm != nil {
			v.shm.IncRef()
			if err = v.shm.mapInto(mm2, v.Range.Start, v.Perms); err != nil {
				v.shm.DecRef()
				return false
			}
			mm2.insertLocked(v2)
			return true
		}
		// Insert first so that a partial copy is released by destroy.
		mm2.insertLocked(v2)
		err = mm.copyPagesLocked(mm2, v.Range)
		return err == nil
	})
	return err
}

// copyPagesLocked copies every present page of mm in ar into fresh frames
// mapped at the same addresses in mm2.
//
// Preconditions: mm.mu and mm2.mu must be locked.
func (mm *MemoryManager) copyPagesLocked(mm2 *MemoryManager, ar hostarch.AddrRange) error {
	type page struct {
		addr  hostarch.Addr
		frame hostarch.Frame
		opts  pagetables.MapOpts
	}
	var pages []page
	mm.pt.Walk(ar, func(addr hostarch.Addr, f hostarch.Frame, opts pagetables.MapOpts) {
		pages = append(pages, page{addr, f, opts})
	})
	for _, p := range pages {
		f, err := mm.mf.Allocate()
		if err != nil {
			return err
		}
		mm.mf.CopyFrame(f, p.frame)
		if err := mm2.pt.Map(p.addr, f, p.opts); err != nil {
			mm.mf.Deallocate(f)
			return err
		}
	}
	return nil
}
