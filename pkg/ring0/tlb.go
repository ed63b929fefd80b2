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

package ring0

import (
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/ring0/pagetables"
)

// LoadPageTables makes pt the active translation root and flushes the
// translation cache. A nil pt leaves no tables active.
func (c *CPU) LoadPageTables(pt *pagetables.PageTables) {
	c.pageTables = pt
	c.FlushTLB()
}

// PageTables returns the active page tables.
func (c *CPU) PageTables() *pagetables.PageTables {
	return c.pageTables
}

// FlushTLB drops every cached translation.
func (c *CPU) FlushTLB() {
	clear(c.tlb)
	tlbFlushes.Increment()
}

// Invalidate drops the cached translation of the page containing addr, if pt
// is the active page tables. Changes to inactive tables need no invalidation
// since their translations are never cached.
func (c *CPU) Invalidate(pt *pagetables.PageTables, addr hostarch.Addr) {
	if pt != c.pageTables {
		return
	}
	delete(c.tlb, addr.RoundDown())
	tlbInvalidations.Increment()
}

// Translate translates addr through the active page tables, consulting the
// translation cache first.
//
// A cached translation is returned even if the tables have since changed and
// the page was not invalidated.
func (c *CPU) Translate(addr hostarch.Addr) (hostarch.PhysAddr, pagetables.MapOpts, bool) {
	if c.pageTables == nil {
		return 0, pagetables.MapOpts{}, false
	}
	page := addr.RoundDown()
	if e, ok := c.tlb[page]; ok {
		return e.frame.Addr() + hostarch.PhysAddr(addr.PageOffset()), e.opts, true
	}
	phys, opts, ok := c.pageTables.Translate(page)
	if !ok {
		return 0, pagetables.MapOpts{}, false
	}
	c.tlb[page] = tlbEntry{frame: hostarch.FrameOf(phys), opts: opts}
	return phys + hostarch.PhysAddr(addr.PageOffset()), opts, true
}

// CachedTranslations returns the number of cached translations.
func (c *CPU) CachedTranslations() int {
	return len(c.tlb)
}
