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
	"runtime"

	"mkern.dev/mkern/pkg/log"
)

// Exit terminates c, the current context, with the given exit code. It does
// not return. Deferred calls of the context goroutine run before the CPU is
// passed on; c's resources are released when the next context resumes.
func (c *Context) Exit(code int) {
	c.assertCurrent()
	if c == c.k.idle {
		panic("idle context cannot exit")
	}
	c.k.cpu.DisableInterrupts()
	c.k.recordExit(c, code)
	runtime.Goexit()
}

// recordExit marks c Exited, makes its exit code available to its parent's
// Wait and notifies the parent. Contexts whose parent is idle leave no
// record; init's code is kept for ExitStatus instead. If c is init, every
// other context is killed.
func (k *Kernel) recordExit(c *Context, code int) {
	c.mu.Lock()
	c.setStatusLocked(Exited)
	c.exitCode = code
	parentID := c.parent
	c.mu.Unlock()

	k.exitMu.Lock()
	if parentID != IdleID {
		k.exits[c.id] = exitRecord{parent: parentID, code: code}
	}
	isInit := c == k.init
	if isInit {
		k.initExit = &code
	}
	k.exitMu.Unlock()

	log.Debugf("Context %v exited with status %d", c, code)
	if parent := k.contexts.Get(parentID); parent != nil && parentID != IdleID {
		parent.childExit.Notify()
	}
	if isInit {
		k.killAll(ExitKilled)
	}
}

// orphanChildren runs once c has been reaped. It forgets the exit statuses
// of c's children and hands its live children to idle, so that a context
// that later reuses c's id cannot collect them.
func (k *Kernel) orphanChildren(c *Context) {
	k.exitMu.Lock()
	defer k.exitMu.Unlock()
	for id, rec := range k.exits {
		if rec.parent == c.id {
			delete(k.exits, id)
		}
	}
	for _, child := range k.contexts.contexts() {
		child.mu.Lock()
		if child.parent == c.id {
			child.parent = IdleID
		}
		child.mu.Unlock()
	}
}
