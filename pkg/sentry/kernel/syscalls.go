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
	"time"

	"mkern.dev/mkern/pkg/errors/linuxerr"
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/sentry/mm"
)

// This file holds the system call surface used by context entry functions.
// Every call is a preemption point on return.

// GetPID returns c's id.
func (c *Context) GetPID() ContextID {
	return c.id
}

// Brk implements brk(2).
func (c *Context) Brk(addr hostarch.Addr) (hostarch.Addr, error) {
	c.assertCurrent()
	defer c.CheckInterrupts()
	return c.MemoryManager().Brk(addr)
}

// Mmap maps length bytes of anonymous memory, demand paged, and returns its
// address. If fixed is true, the mapping is placed at exactly addr;
// otherwise addr is a hint.
func (c *Context) Mmap(addr hostarch.Addr, length uint64, perms hostarch.AccessType, fixed bool) (hostarch.Addr, error) {
	c.assertCurrent()
	defer c.CheckInterrupts()
	return c.MemoryManager().MMap(mm.MMapOpts{
		Addr:   addr,
		Length: length,
		Perms:  perms,
		Fixed:  fixed,
	})
}

// Munmap implements munmap(2).
func (c *Context) Munmap(addr hostarch.Addr, length uint64) error {
	c.assertCurrent()
	defer c.CheckInterrupts()
	return c.MemoryManager().MUnmap(addr, length)
}

// Mprotect implements mprotect(2).
func (c *Context) Mprotect(addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	c.assertCurrent()
	defer c.CheckInterrupts()
	return c.MemoryManager().MProtect(addr, length, perms)
}

// Open opens handle number of scheme and installs it in the lowest free
// descriptor.
func (c *Context) Open(scheme string, number uint64) (int32, error) {
	c.assertCurrent()
	defer c.CheckInterrupts()
	f := NewSchemeFile(scheme, number)
	defer f.DecRef()
	return c.FDTable().AddFile(f)
}

// Close implements close(2).
func (c *Context) Close(fd int32) error {
	c.assertCurrent()
	defer c.CheckInterrupts()
	f := c.FDTable().RemoveFile(fd)
	if f == nil {
		return linuxerr.EBADF
	}
	f.DecRef()
	return nil
}

// Dup2 implements dup2(2).
func (c *Context) Dup2(oldfd, newfd int32) (int32, error) {
	c.assertCurrent()
	defer c.CheckInterrupts()
	fds := c.FDTable()
	f := fds.GetFile(oldfd)
	if f == nil {
		return -1, linuxerr.EBADF
	}
	defer f.DecRef()
	if oldfd == newfd {
		return newfd, nil
	}
	prev, err := fds.InsertFile(newfd, f)
	if err != nil {
		return -1, err
	}
	if prev != nil {
		prev.DecRef()
	}
	return newfd, nil
}

// Nanosleep implements nanosleep(2).
func (c *Context) Nanosleep(d time.Duration) error {
	if d < 0 {
		return linuxerr.EINVAL
	}
	c.Sleep(d)
	return nil
}
