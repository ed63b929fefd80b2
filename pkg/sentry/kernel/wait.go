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
	"mkern.dev/mkern/pkg/waiter"
)

// WaitCondition blocks contexts until it is notified. The zero value is
// ready to use.
//
// A notification only wakes contexts that are already waiting; it is not
// remembered. Since only the CPU holder runs kernel code, a context that
// checks its condition and then calls Wait cannot miss a notification in
// between.
type WaitCondition struct {
	queue waiter.Queue
}

// Wait blocks c, the current context, until the condition is notified or c
// is killed.
func (w *WaitCondition) Wait(c *Context) {
	e := waiter.NewFunctionEntry(waiter.EventIn, func(waiter.EventMask) {
		c.Unblock()
	})
	w.queue.EventRegister(&e)
	defer w.queue.EventUnregister(&e)
	c.Block()
}

// Notify wakes every waiting context and returns how many were waiting.
func (w *WaitCondition) Notify() int {
	return w.queue.Notify(waiter.EventIn)
}

// HasWaiters returns true if any context is waiting.
func (w *WaitCondition) HasWaiters() bool {
	return !w.queue.IsEmpty()
}

// Sleep blocks c, the current context, for at least d as measured by the
// kernel clock. It polls the clock and yields in between, so other Runnable
// contexts run while c sleeps.
func (c *Context) Sleep(d time.Duration) {
	c.assertCurrent()
	clock := c.k.cfg.Clock
	deadline := clock.Now().Add(d)
	for clock.Now().Before(deadline) {
		c.Yield()
	}
}

// Wait blocks c until its child with the given id has exited, then returns
// the child's exit code. It returns ECHILD if id is not a child of c or its
// exit code has already been collected.
func (c *Context) Wait(child ContextID) (int, error) {
	c.assertCurrent()
	k := c.k
	for {
		k.exitMu.Lock()
		if rec, ok := k.exits[child]; ok && rec.parent == c.id {
			delete(k.exits, child)
			k.exitMu.Unlock()
			return rec.code, nil
		}
		k.exitMu.Unlock()

		if ch := k.contexts.Get(child); ch == nil || ch.Parent() != c.id {
			return 0, linuxerr.ECHILD
		}
		c.childExit.Wait(c)
	}
}
