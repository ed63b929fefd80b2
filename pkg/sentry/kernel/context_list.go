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

	"mkern.dev/mkern/pkg/errors/linuxerr"
	"mkern.dev/mkern/pkg/sync"
)

// ContextList is the registry of all contexts.
//
// Contexts occupy slots. A context takes the first free slot when it is
// registered and keeps it until it is removed; the scheduler scans slots in
// order.
type ContextList struct {
	// max is the maximum number of registered contexts, including the idle
	// context. Immutable.
	max int

	// mu protects the fields below.
	mu sync.RWMutex

	// slots holds registered contexts. Free slots are nil.
	slots []*Context

	// byID maps ids of registered contexts to their slot.
	byID map[ContextID]int

	// nextID is where the next id search starts.
	nextID ContextID
}

// NewContextList returns a registry holding only the idle context, which
// occupies slot 0. max bounds the number of registered contexts, including
// the idle context.
func NewContextList(max int) *ContextList {
	if max < 2 {
		panic(fmt.Sprintf("context list of size %d has no room beyond idle", max))
	}
	idle := newContext(IdleID, "kidle", IdleID)
	idle.status = Runnable
	return &ContextList{
		max:    max,
		slots:  []*Context{idle},
		byID:   map[ContextID]int{IdleID: 0},
		nextID: 1,
	}
}

// allocIDLocked returns an unused id.
//
// Preconditions: l.mu must be locked for writing.
func (l *ContextList) allocIDLocked() (ContextID, error) {
	for i := ContextID(1); i < MaxContextID; i++ {
		id := l.nextID
		l.nextID++
		if l.nextID >= MaxContextID {
			l.nextID = 1
		}
		if _, ok := l.byID[id]; !ok {
			return id, nil
		}
	}
	return 0, linuxerr.EAGAIN
}

// New registers a new Blocked context and returns it. The returned context
// is not yet usable; the caller finishes initializing it before it is made
// Runnable.
//
// It returns EAGAIN if the registry is full or no id is free.
func (l *ContextList) New(name string, parent ContextID) (*Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.byID) >= l.max {
		return nil, linuxerr.EAGAIN
	}
	id, err := l.allocIDLocked()
	if err != nil {
		return nil, err
	}
	c := newContext(id, name, parent)

	slot := len(l.slots)
	for i, s := range l.slots {
		if s == nil {
			slot = i
			break
		}
	}
	if slot == len(l.slots) {
		l.slots = append(l.slots, c)
	} else {
		l.slots[slot] = c
	}
	l.byID[id] = slot
	return c, nil
}

// Get returns the context with the given id, or nil.
func (l *ContextList) Get(id ContextID) *Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if slot, ok := l.byID[id]; ok {
		return l.slots[slot]
	}
	return nil
}

// Idle returns the idle context.
func (l *ContextList) Idle() *Context {
	return l.Get(IdleID)
}

// Len returns the number of registered contexts, including the idle
// context.
func (l *ContextList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

// Remove unregisters the context with the given id and frees its slot. It
// returns false if no such context is registered.
//
// The idle context can never be removed.
func (l *ContextList) Remove(id ContextID) bool {
	if id == IdleID {
		panic("removing the idle context")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.byID[id]
	if !ok {
		return false
	}
	l.slots[slot] = nil
	delete(l.byID, id)
	return true
}

// contexts returns the registered contexts in slot order.
func (l *ContextList) contexts() []*Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cs := make([]*Context, 0, len(l.byID))
	for _, c := range l.slots {
		if c != nil {
			cs = append(cs, c)
		}
	}
	return cs
}

// ContextInfo describes a registered context.
type ContextInfo struct {
	ID     ContextID
	Name   string
	Parent ContextID
	Status Status
}

// Snapshot returns a description of every registered context in slot
// order.
func (l *ContextList) Snapshot() []ContextInfo {
	cs := l.contexts()
	infos := make([]ContextInfo, 0, len(cs))
	for _, c := range cs {
		infos = append(infos, ContextInfo{
			ID:     c.id,
			Name:   c.name,
			Parent: c.Parent(),
			Status: c.Status(),
		})
	}
	return infos
}

// Next returns the context to run after cur.
//
// It scans the slots after cur's, wrapping around, for the first Runnable
// context other than cur and the idle context. If there is none, cur is
// selected again if it is Runnable, and the idle context otherwise. There is
// no priority.
//
// Next panics if the registry has no idle context.
func (l *ContextList) Next(cur *Context) *Context {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.byID) == 0 {
		panic("no contexts to run")
	}
	idleSlot, ok := l.byID[IdleID]
	if !ok {
		panic("context list has no idle context")
	}
	idle := l.slots[idleSlot]

	start := -1
	if cur != nil {
		if slot, ok := l.byID[cur.id]; ok && l.slots[slot] == cur {
			start = slot
		}
	}
	n := len(l.slots)
	for i := 1; i <= n; i++ {
		c := l.slots[(start+i+n)%n]
		if c == nil || c == cur || c == idle {
			continue
		}
		if c.Status() == Runnable {
			return c
		}
	}
	if cur != nil && cur.Status() == Runnable {
		return cur
	}
	return idle
}
