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

// Package pagetables provides a generic implementation of 4-level x86-64
// style page tables.
//
// Tables live in physical frames obtained from an Allocator. The page tables
// record translations only; they never own the frames that leaves point to.
package pagetables

import (
	"fmt"

	"mkern.dev/mkern/pkg/hostarch"
)

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// root is the top-level (PML4) table.
	root hostarch.Frame

	// tables is the number of table frames in use, including root.
	tables int
}

// New returns new PageTables.
func New(a Allocator) (*PageTables, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, err
	}
	return &PageTables{Allocator: a, root: root, tables: 1}, nil
}

// Root returns the frame holding the top-level table. This is the value the
// CPU loads to activate these tables.
func (p *PageTables) Root() hostarch.Frame {
	return p.root
}

// TablesInUse returns the number of table frames currently allocated,
// including the root.
func (p *PageTables) TablesInUse() int {
	return p.tables
}

func checkAddr(addr hostarch.Addr) {
	if !addr.IsPageAligned() {
		panic(fmt.Sprintf("page table address %v is not page-aligned", addr))
	}
	if !IsCanonical(addr) {
		panic(fmt.Sprintf("page table address %v is not canonical", addr))
	}
}

// Map installs a translation from the page at addr to frame.
//
// Missing intermediate tables are allocated and zeroed. If that allocation
// fails, the tables allocated by this call are released and the error is
// returned.
//
// Precondition: addr is page-aligned and canonical, and no translation exists
// for it. A translation that already exists must be removed with Unmap first;
// Map panics rather than orphan the old frame.
func (p *PageTables) Map(addr hostarch.Addr, frame hostarch.Frame, opts MapOpts) error {
	checkAddr(addr)

	// The first entry this call installs, so a failure can be undone by
	// clearing it and freeing the chain of tables below it.
	var (
		undoTable PTEs
		undoIndex = -1
		created   []hostarch.Frame
	)
	table := p.root
	for level := topLevel; level > 0; level-- {
		ptes := p.Allocator.LookupPTEs(table)
		i := index(addr, level)
		e := ptes.Get(i)
		if !e.Valid() {
			next, err := p.Allocator.NewPTEs()
			if err != nil {
				if undoIndex >= 0 {
					undoTable.Put(undoIndex, 0)
				}
				for j := len(created) - 1; j >= 0; j-- {
					p.Allocator.FreePTEs(created[j])
					p.tables--
				}
				return err
			}
			p.tables++
			if undoIndex < 0 {
				undoTable, undoIndex = ptes, i
			}
			created = append(created, next)
			e = makeTable(next)
			ptes.Put(i, e)
		}
		table = e.Frame()
	}

	leaf := p.Allocator.LookupPTEs(table)
	i := index(addr, 0)
	if old := leaf.Get(i); old.Valid() {
		panic(fmt.Sprintf("mapping %v at %v over existing translation to %v", frame, addr, old.Frame()))
	}
	leaf.Put(i, makeLeaf(frame, opts))
	return nil
}

// walkPath returns the tables from the root down to the leaf table covering
// addr. ok is false if an intermediate table is missing; nothing is
// allocated in that case.
func (p *PageTables) walkPath(addr hostarch.Addr) (path [levels]hostarch.Frame, ok bool) {
	table := p.root
	for level := topLevel; level > 0; level-- {
		path[level] = table
		e := p.Allocator.LookupPTEs(table).Get(index(addr, level))
		if !e.Valid() {
			return path, false
		}
		table = e.Frame()
	}
	path[0] = table
	return path, true
}

// Unmap removes the translation for the page at addr and returns the frame it
// pointed to. Intermediate tables left empty are freed. ok is false if there
// was no translation.
//
// The caller owns the returned frame and is responsible for invalidating any
// cached translation if these tables are active.
func (p *PageTables) Unmap(addr hostarch.Addr) (frame hostarch.Frame, ok bool) {
	checkAddr(addr)
	path, ok := p.walkPath(addr)
	if !ok {
		return 0, false
	}
	leaf := p.Allocator.LookupPTEs(path[0])
	i := index(addr, 0)
	e := leaf.Get(i)
	if !e.Valid() {
		return 0, false
	}
	leaf.Put(i, 0)

	// Free tables that became empty, bottom up. The root is never freed.
	for level := 0; level < topLevel; level++ {
		if !p.Allocator.LookupPTEs(path[level]).Empty() {
			break
		}
		p.Allocator.LookupPTEs(path[level+1]).Put(index(addr, level+1), 0)
		p.Allocator.FreePTEs(path[level])
		p.tables--
	}
	return e.Frame(), true
}

// Translate looks up the page containing addr. It never allocates.
func (p *PageTables) Translate(addr hostarch.Addr) (phys hostarch.PhysAddr, opts MapOpts, ok bool) {
	if !IsCanonical(addr) {
		return 0, MapOpts{}, false
	}
	page := addr.RoundDown()
	path, ok := p.walkPath(page)
	if !ok {
		return 0, MapOpts{}, false
	}
	e := p.Allocator.LookupPTEs(path[0]).Get(index(page, 0))
	if !e.Valid() {
		return 0, MapOpts{}, false
	}
	return e.Frame().Addr() + hostarch.PhysAddr(addr.PageOffset()), e.Opts(), true
}

// Protect changes the options of the existing translation for the page at
// addr. It returns false if there is no translation.
func (p *PageTables) Protect(addr hostarch.Addr, opts MapOpts) bool {
	checkAddr(addr)
	path, ok := p.walkPath(addr)
	if !ok {
		return false
	}
	leaf := p.Allocator.LookupPTEs(path[0])
	i := index(addr, 0)
	e := leaf.Get(i)
	if !e.Valid() {
		return false
	}
	e.Set(opts)
	leaf.Put(i, e)
	return true
}

// Release frees all tables.
//
// Precondition: no translation remains. Releasing tables that still map a
// frame would lose track of that frame, so Release panics instead.
func (p *PageTables) Release() {
	p.release(p.root, topLevel, 0)
	p.Allocator.FreePTEs(p.root)
	p.tables--
	p.root = 0
}

func (p *PageTables) release(table hostarch.Frame, level int, base hostarch.Addr) {
	ptes := p.Allocator.LookupPTEs(table)
	for i := 0; i < entriesPerPage; i++ {
		e := ptes.Get(i)
		if !e.Valid() {
			continue
		}
		addr := canonicalize(base | hostarch.Addr(uint64(i)<<shift(level)))
		if level == 0 {
			panic(fmt.Sprintf("releasing page tables with live translation %v -> %v", addr, e.Frame()))
		}
		p.release(e.Frame(), level-1, addr)
		ptes.Put(i, 0)
		p.Allocator.FreePTEs(e.Frame())
		p.tables--
	}
}
