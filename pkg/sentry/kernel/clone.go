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
	"mkern.dev/mkern/pkg/errors/linuxerr"
	"mkern.dev/mkern/pkg/sentry/mm"
)

// CloneFlags control what a cloned context shares with its parent.
type CloneFlags uint32

const (
	// CloneVM shares the address space instead of copying it.
	CloneVM CloneFlags = 1 << iota

	// CloneFiles shares the file table instead of copying it.
	CloneFiles
)

// Clone creates a child of c, the current context, that runs entry, and
// makes it Runnable. It returns the child.
//
// The child starts with a copy of c's live registers, except that its
// return register is 0. Unless flags say otherwise, the child gets a copy of
// c's address space and file table; resource limits are always copied.
func (c *Context) Clone(name string, entry EntryFunc, flags CloneFlags) (*Context, error) {
	c.assertCurrent()
	k := c.k

	var m *mm.MemoryManager
	if flags&CloneVM != 0 {
		m = c.MemoryManager()
		if !m.IncUsers() {
			return nil, linuxerr.ESRCH
		}
	} else {
		var err error
		if m, err = c.MemoryManager().CloneFor(); err != nil {
			return nil, err
		}
	}

	var fds *FDTable
	if flags&CloneFiles != 0 {
		fds = c.FDTable()
		fds.IncRef()
	} else {
		fds = c.FDTable().Fork()
	}

	regs := k.cpu.Registers.Fork()
	regs.SetReturn(0)

	child, err := k.NewContext(ContextConfig{
		Name:          name,
		Parent:        c,
		Entry:         entry,
		MemoryManager: m,
		FDTable:       fds,
		Limits:        c.Limits().GetCopy(),
		Registers:     regs,
	})
	if err != nil {
		return nil, err
	}
	child.Unblock()
	return child, nil
}
