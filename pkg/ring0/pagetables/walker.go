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

package pagetables

import (
	"mkern.dev/mkern/pkg/hostarch"
)

const (
	// levels is the depth of the table hierarchy: PML4, PDPT, PD, PT.
	levels = 4

	// topLevel is the level of the root table.
	topLevel = levels - 1

	// levelBits is the number of address bits each level resolves.
	levelBits = 9

	// addrBits is the number of significant virtual address bits.
	addrBits = hostarch.PageShift + levels*levelBits
)

// shift returns the address shift for entries of a table at level.
func shift(level int) uint {
	return hostarch.PageShift + uint(level)*levelBits
}

// index returns the entry index for addr in a table at level.
func index(addr hostarch.Addr, level int) int {
	return int((uint64(addr) >> shift(level)) & (entriesPerPage - 1))
}

// IsCanonical returns true if addr is canonical: bits 47 through 63 are all
// equal.
func IsCanonical(addr hostarch.Addr) bool {
	top := uint64(addr) >> (addrBits - 1)
	return top == 0 || top == (1<<(64-addrBits+1))-1
}

// canonicalize sign-extends bit 47.
func canonicalize(addr hostarch.Addr) hostarch.Addr {
	if uint64(addr)&(1<<(addrBits-1)) != 0 {
		return addr | ^hostarch.Addr((1<<addrBits)-1)
	}
	return addr
}

// Visitor is called for each present translation found by Walk.
type Visitor func(addr hostarch.Addr, frame hostarch.Frame, opts MapOpts)

// Walk calls fn for every present translation of a page in ar, in ascending
// address order. Missing intermediate tables are skipped without allocating.
//
// fn must not modify the page tables.
func (p *PageTables) Walk(ar hostarch.AddrRange, fn Visitor) {
	if ar.Start >= ar.End {
		return
	}
	p.walk(p.root, topLevel, 0, ar.Start.RoundDown(), ar.End, fn)
}

func (p *PageTables) walk(table hostarch.Frame, level int, base, start, end hostarch.Addr, fn Visitor) {
	ptes := p.Allocator.LookupPTEs(table)
	size := hostarch.Addr(1) << shift(level)
	for i := 0; i < entriesPerPage; i++ {
		lo := canonicalize(base | hostarch.Addr(uint64(i)<<shift(level)))
		hi := lo + size
		if hi < lo {
			hi = ^hostarch.Addr(0)
		}
		if hi <= start || lo >= end {
			continue
		}
		e := ptes.Get(i)
		if !e.Valid() {
			continue
		}
		if level == 0 {
			fn(lo, e.Frame(), e.Opts())
			continue
		}
		p.walk(e.Frame(), level-1, lo, start, end, fn)
	}
}
