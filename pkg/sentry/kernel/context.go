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

	"mkern.dev/mkern/pkg/ring0/pagetables"
	"mkern.dev/mkern/pkg/sentry/arch"
	"mkern.dev/mkern/pkg/sentry/limits"
	"mkern.dev/mkern/pkg/sentry/mm"
	"mkern.dev/mkern/pkg/sync"
)

// ContextID is a context identifier.
type ContextID int32

const (
	// IdleID is the id of the idle context. It is also the parent of
	// contexts created without one.
	IdleID ContextID = 0

	// MaxContextID bounds context ids. Allocation wraps back to 1 when it
	// reaches MaxContextID.
	MaxContextID ContextID = 65536
)

// Status is the scheduling status of a context.
type Status int

// Context statuses.
const (
	// Blocked contexts are not eligible to run. New contexts start Blocked.
	Blocked Status = iota

	// Runnable contexts may be selected by the scheduler.
	Runnable

	// Exited is terminal. Exited contexts are reaped by the next context
	// to resume.
	Exited
)

// String implements fmt.Stringer.String.
func (s Status) String() string {
	switch s {
	case Blocked:
		return "blocked"
	case Runnable:
		return "runnable"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// EntryFunc is the code run by a context. Returning from it exits the
// context with status 0.
type EntryFunc func(c *Context)

// Context is an execution context: the kernel's representation of a
// process or thread.
//
// Each context other than the idle context is associated with a goroutine,
// called the context goroutine, which is started the first time the context
// is switched to. Only the goroutine holding the CPU executes kernel code;
// the others are parked in Switch.
//
// Fields that are "owned by the CPU holder" may only be accessed by the
// goroutine currently holding the CPU, without locking.
type Context struct {
	// The following fields are immutable after the context is registered.
	k     *Kernel
	id    ContextID
	name  string
	entry EntryFunc

	// run receives the CPU baton. It has capacity 1 so that the sender
	// never waits for the receiver to park.
	run chan struct{}

	// started is true once the context goroutine exists. Owned by the CPU
	// holder.
	started bool

	// regs is the saved machine state. It is meaningless while the context
	// holds the CPU: the live state is then in ring0.CPU.Registers. Owned by
	// the CPU holder.
	regs *arch.State

	// slice is the number of timer ticks left before the context is
	// preempted. Owned by the CPU holder.
	slice int

	// childExit is notified whenever a child of this context exits.
	childExit WaitCondition

	// mu protects the fields below.
	mu sync.Mutex

	// parent becomes IdleID when the parent is reaped first.
	parent ContextID

	status   Status
	exitCode int

	// If killed is true, the context exits with killCode the next time it
	// passes a preemption point.
	killed   bool
	killCode int

	limits  *limits.LimitSet
	mm      *mm.MemoryManager
	fdTable *FDTable
	kstack  *KernelStack
}

func newContext(id ContextID, name string, parent ContextID) *Context {
	return &Context{
		id:     id,
		name:   name,
		parent: parent,
		run:    make(chan struct{}, 1),
		regs:   arch.NewState(),
		status: Blocked,
	}
}

// ID returns the context's id.
func (c *Context) ID() ContextID {
	return c.id
}

// Name returns the context's name.
func (c *Context) Name() string {
	return c.name
}

// Parent returns the id of the context's parent. The parent may no longer
// exist.
func (c *Context) Parent() ContextID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parent
}

// Kernel returns the kernel the context belongs to.
func (c *Context) Kernel() *Kernel {
	return c.k
}

// Status returns the context's status.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ExitCode returns the context's exit code and whether it has exited.
func (c *Context) ExitCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode, c.status == Exited
}

// Registers returns the context's saved machine state. It is only
// meaningful while the context does not hold the CPU.
func (c *Context) Registers() *arch.State {
	return c.regs
}

// MemoryManager returns the context's address space. It is nil once the
// context has been reaped, and always nil for the idle context.
func (c *Context) MemoryManager() *mm.MemoryManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mm
}

// FDTable returns the context's file table.
func (c *Context) FDTable() *FDTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fdTable
}

// Limits returns the context's resource limits.
func (c *Context) Limits() *limits.LimitSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// KernelStack returns the context's kernel stack.
func (c *Context) KernelStack() *KernelStack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kstack
}

func (c *Context) pageTables() *pagetables.PageTables {
	if m := c.MemoryManager(); m != nil {
		return m.PageTables()
	}
	return nil
}

// setStatusLocked transitions the context to s.
//
// Preconditions: c.mu must be locked.
func (c *Context) setStatusLocked(s Status) {
	if c.status == Exited {
		panic(fmt.Sprintf("context %v: transition from %v to %v", c, c.status, s))
	}
	if c.id == IdleID && s != Runnable {
		panic(fmt.Sprintf("idle context cannot become %v", s))
	}
	c.status = s
}

// Unblock makes a Blocked context Runnable. It returns false, and does
// nothing, if the context was not Blocked.
func (c *Context) Unblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != Blocked {
		return false
	}
	c.setStatusLocked(Runnable)
	return true
}

// kill requests that c exit with code. A Blocked context is made Runnable
// so that it can observe the request. It returns false if c has already
// exited. A context killed twice exits with the first code.
func (c *Context) kill(code int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == Exited {
		return false
	}
	if c.killed {
		return true
	}
	c.killed = true
	c.killCode = code
	if c.status == Blocked {
		c.setStatusLocked(Runnable)
	}
	return true
}

// pendingKill returns the exit code requested by kill, if any.
func (c *Context) pendingKill() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killCode, c.killed
}

// release drops the resources exclusively owned by an exited context.
func (c *Context) release() {
	c.mu.Lock()
	m, fds, ks := c.mm, c.fdTable, c.kstack
	c.mm, c.fdTable, c.kstack = nil, nil, nil
	c.mu.Unlock()

	if m != nil {
		m.DecUsers()
	}
	if fds != nil {
		fds.DecRef()
	}
	if ks != nil {
		ks.Release()
	}
}

// String implements fmt.Stringer.String.
func (c *Context) String() string {
	return fmt.Sprintf("%d(%s)", c.id, c.name)
}
