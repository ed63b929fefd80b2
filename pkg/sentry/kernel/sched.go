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

	"mkern.dev/mkern/pkg/log"
)

// assertCurrent panics if c does not hold the CPU.
func (c *Context) assertCurrent() {
	if cur := c.k.current.Load(); cur != c {
		panic(fmt.Sprintf("context %v used from %v", c, cur))
	}
}

// Switch runs the scheduler: it switches to the context selected by
// ContextList.Next and returns when c is scheduled again. If no other
// context is Runnable, c continues.
func (c *Context) Switch() {
	c.assertCurrent()
	g := c.k.cpu.DisableInterrupts()
	c.switchLocked(c.k.contexts.Next(c))
	g.Restore()
}

// Yield delivers pending interrupts and then gives up the CPU to the next
// Runnable context, if any.
func (c *Context) Yield() {
	c.assertCurrent()
	c.interrupted()
	c.Switch()
}

// CheckInterrupts is a preemption point: it delivers pending interrupts and
// switches away if c's time slice is used up.
func (c *Context) CheckInterrupts() {
	c.assertCurrent()
	c.interrupted()
	if c.k.needResched {
		c.Switch()
	}
}

// interrupted delivers pending interrupts and acts on kill requests.
func (c *Context) interrupted() {
	k := c.k
	k.cpu.DeliverInterrupts()
	if k.stopping.Load() {
		k.killAll(ExitKilled)
	}
	if code, ok := c.pendingKill(); ok {
		c.Exit(code)
	}
}

// Block marks c Blocked and switches away. It returns once c has been made
// Runnable again by Unblock and scheduled, or immediately (after exiting) if
// c has been killed.
func (c *Context) Block() {
	c.assertCurrent()
	if c == c.k.idle {
		panic("idle context cannot block")
	}
	if code, ok := c.pendingKill(); ok {
		c.Exit(code)
	}
	g := c.k.cpu.DisableInterrupts()
	c.mu.Lock()
	c.setStatusLocked(Blocked)
	c.mu.Unlock()
	c.switchLocked(c.k.contexts.Next(c))
	g.Restore()
}

// switchLocked switches from c, the current context, to next and returns
// when c is next scheduled. If c was killed in the meantime, it exits
// instead of returning.
//
// Preconditions: interrupts are disabled.
func (c *Context) switchLocked(next *Context) {
	k := c.k
	if next == c {
		c.slice = k.cfg.TimeSlice
		k.needResched = false
		return
	}
	k.handOff(c, next)
	c.park()
	if code, ok := c.pendingKill(); ok && c != k.idle {
		c.Exit(code)
	}
}

// handOff saves the live machine state into prev, loads next's, switches
// page tables if the address space differs and passes the CPU to next. It
// returns without waiting; the caller must park or exit.
//
// Preconditions: interrupts are disabled; prev is the current context.
func (k *Kernel) handOff(prev, next *Context) {
	if s := next.Status(); s != Runnable {
		panic(fmt.Sprintf("switching from %v into %v, which is %v", prev, next, s))
	}
	prev.regs.CopyFrom(k.cpu.Registers)
	k.cpu.Registers.CopyFrom(next.regs)
	if pt := next.pageTables(); pt != k.cpu.PageTables() {
		k.cpu.LoadPageTables(pt)
	}
	next.slice = k.cfg.TimeSlice
	k.needResched = false
	k.current.Store(next)
	contextSwitches.Increment()

	if !next.started {
		next.started = true
		go next.start()
	}
	next.run <- struct{}{}
}

// park waits for the CPU to be handed back to c, then reaps contexts that
// exited in the meantime.
func (c *Context) park() {
	<-c.run
	c.k.reap()
}

// start is the body of the context goroutine.
func (c *Context) start() {
	c.park()
	defer c.exitSwitch()

	c.k.cpu.EnableInterrupts()
	if code, ok := c.pendingKill(); ok {
		c.Exit(code)
	}
	c.entry(c)
}

// exitSwitch passes the CPU on for the last time. It runs deferred on the
// context goroutine after the entry function has returned or Exit has been
// called, while c still holds the CPU.
func (c *Context) exitSwitch() {
	k := c.k
	k.cpu.DisableInterrupts()
	if c.Status() != Exited {
		k.recordExit(c, 0)
	}
	k.handOff(c, k.contexts.Next(c))
}

// reap removes Exited contexts from the registry and releases their
// resources. It is called by every context as it resumes.
func (k *Kernel) reap() {
	for _, c := range k.contexts.contexts() {
		if c.Status() != Exited || c == k.current.Load() {
			continue
		}
		k.contexts.Remove(c.id)
		c.release()
		k.orphanChildren(c)
		contextsReaped.Increment()
		log.Debugf("Reaped context %v", c)
	}
}
