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

package kernel

import (
	"fmt"

	"mkern.dev/mkern/pkg/cleanup"
	"mkern.dev/mkern/pkg/errors/linuxerr"
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/log"
	"mkern.dev/mkern/pkg/sentry/mm"
)

// Segment is a loadable part of an Image.
type Segment struct {
	// Addr is where the segment is loaded. It must be page-aligned.
	Addr hostarch.Addr

	// Data is copied to Addr. The rest of the segment is zero-filled.
	Data []byte

	// MemSize is the size of the segment in memory. It is rounded up to a
	// page and must be at least len(Data).
	MemSize uint64

	// Perms are the segment's permissions.
	Perms hostarch.AccessType
}

// Image is a program to execute.
type Image struct {
	// Entry is the initial instruction pointer. It must lie in an
	// executable segment.
	Entry hostarch.Addr

	// Segments are loaded in order and must not overlap.
	Segments []Segment

	// StackSize is the size of the initial stack. If zero, the kernel's
	// configured stack size is used.
	StackSize uint64
}

// load builds a new address space holding img and returns it with its stack
// range.
func (k *Kernel) load(c *Context, img *Image) (*mm.MemoryManager, hostarch.AddrRange, error) {
	m, err := mm.NewMemoryManager(k.mmOpts(c.Limits()))
	if err != nil {
		return nil, hostarch.AddrRange{}, err
	}
	cu := cleanup.Make(m.DecUsers)
	defer cu.Clean()

	var (
		end       hostarch.Addr
		entryOK   bool
		ignoreOpt = mm.IOOpts{IgnorePermissions: true}
	)
	for i, seg := range img.Segments {
		if !seg.Addr.IsPageAligned() || seg.MemSize < uint64(len(seg.Data)) {
			return nil, hostarch.AddrRange{}, linuxerr.EINVAL
		}
		size, ok := hostarch.PageRoundUp(seg.MemSize)
		if !ok || size == 0 {
			return nil, hostarch.AddrRange{}, linuxerr.EINVAL
		}
		ar, ok := seg.Addr.ToRange(size)
		if !ok {
			return nil, hostarch.AddrRange{}, linuxerr.EINVAL
		}
		if err := m.AddRegion(ar, seg.Perms, mm.Image); err != nil {
			return nil, hostarch.AddrRange{}, fmt.Errorf("segment %d at %v: %w", i, ar, err)
		}
		if _, err := m.CopyOut(ar.Start, seg.Data, ignoreOpt); err != nil {
			return nil, hostarch.AddrRange{}, err
		}
		if seg.Perms.Execute && ar.Contains(img.Entry) {
			entryOK = true
		}
		if ar.End > end {
			end = ar.End
		}
	}
	if !entryOK {
		return nil, hostarch.AddrRange{}, linuxerr.EINVAL
	}
	m.BrkSetup(end)

	stackSize := img.StackSize
	if stackSize == 0 {
		stackSize = k.cfg.StackSize
	}
	stack, err := m.MapStack(stackSize)
	if err != nil {
		return nil, hostarch.AddrRange{}, err
	}
	cu.Release()
	return m, stack, nil
}

// Exec replaces the address space of c, the current context, with a new one
// holding img, and resets the live registers to start img. The file table
// and limits are kept. If Exec fails, c is unchanged.
func (c *Context) Exec(img *Image) error {
	c.assertCurrent()
	k := c.k

	m, stack, err := k.load(c, img)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.mm
	c.mm = m
	c.mu.Unlock()

	k.cpu.LoadPageTables(m.PageTables())
	if old != nil {
		old.DecUsers()
	}
	k.cpu.Registers.Reset(img.Entry, stack.End)
	log.Debugf("Context %v executed image: entry %v, stack %v", c, img.Entry, stack)
	return nil
}
