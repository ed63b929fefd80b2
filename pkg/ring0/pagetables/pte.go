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
	"encoding/binary"
	"fmt"

	"mkern.dev/mkern/pkg/hostarch"
)

// Entry bits.
const (
	present        = 0x001
	writable       = 0x002
	user           = 0x004
	accessed       = 0x020
	dirty          = 0x040
	executeDisable = 1 << 63
)

const (
	entriesPerPage = 512
	entrySize      = 8
)

// addressMask covers bits 12 through 51 of an entry.
const addressMask = 0x000ffffffffff000

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions. Read access is implied by presence.
	AccessType hostarch.AccessType

	// User indicates the page is a user page.
	User bool
}

// PTE is a page table entry.
type PTE uint64

// Clear clears this PTE.
func (p *PTE) Clear() {
	*p = 0
}

// Valid returns true iff this entry is present.
func (p PTE) Valid() bool {
	return p&present != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid.
func (p PTE) Opts() MapOpts {
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    p.Valid(),
			Write:   p&writable != 0,
			Execute: p&executeDisable == 0,
		},
		User: p&user != 0,
	}
}

// Frame returns the frame this entry points to.
func (p PTE) Frame() hostarch.Frame {
	return hostarch.FrameOf(hostarch.PhysAddr(p & addressMask))
}

// Set sets this PTE value.
//
// This does not change the frame, only the options.
func (p *PTE) Set(opts MapOpts) {
	v := (*p & addressMask) | present | accessed
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.User {
		v |= user
	}
	*p = v
}

// makeLeaf returns a present leaf entry for frame with the given options.
func makeLeaf(frame hostarch.Frame, opts MapOpts) PTE {
	p := PTE(uint64(frame.Addr()) & addressMask)
	p.Set(opts)
	return p
}

// makeTable returns an entry pointing at a next-level table. Intermediate
// entries are permissive; the leaf decides the effective access.
func makeTable(frame hostarch.Frame) PTE {
	return PTE(uint64(frame.Addr())&addressMask) | present | writable | user | accessed
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if !p.Valid() {
		return "-"
	}
	return fmt.Sprintf("%v %s user=%t", p.Frame(), p.Opts().AccessType, p&user != 0)
}

// PTEs is one page table: a frame viewed as 512 little-endian entries.
type PTEs struct {
	b []byte
}

// Get returns entry i.
func (t PTEs) Get(i int) PTE {
	return PTE(binary.LittleEndian.Uint64(t.b[i*entrySize:]))
}

// Put stores entry i.
func (t PTEs) Put(i int, p PTE) {
	binary.LittleEndian.PutUint64(t.b[i*entrySize:], uint64(p))
}

// Empty returns true if no entry in the table is present.
func (t PTEs) Empty() bool {
	for i := 0; i < entriesPerPage; i++ {
		if t.Get(i).Valid() {
			return false
		}
	}
	return true
}
