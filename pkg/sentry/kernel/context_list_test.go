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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"mkern.dev/mkern/pkg/errors/linuxerr"
)

func mustNew(t *testing.T, l *ContextList, name string) *Context {
	t.Helper()
	c, err := l.New(name, IdleID)
	if err != nil {
		t.Fatalf("New(%q): %v", name, err)
	}
	return c
}

func expectPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", what)
		}
	}()
	fn()
}

func TestNext(t *testing.T) {
	l := NewContextList(8)
	idle := l.Idle()
	a := mustNew(t, l, "a")
	b := mustNew(t, l, "b")

	// Nothing is Runnable yet.
	if got := l.Next(idle); got != idle {
		t.Errorf("Next(idle) with nothing runnable = %v, want idle", got)
	}
	if got := l.Next(a); got != idle {
		t.Errorf("Next(a) with a blocked = %v, want idle", got)
	}

	a.Unblock()
	b.Unblock()
	for _, tc := range []struct {
		cur  *Context
		want *Context
	}{
		{idle, a},
		{a, b},
		{b, a},
	} {
		if got := l.Next(tc.cur); got != tc.want {
			t.Errorf("Next(%v) = %v, want %v", tc.cur, got, tc.want)
		}
	}

	// With a blocked, b keeps running and a is never selected.
	a.mu.Lock()
	a.setStatusLocked(Blocked)
	a.mu.Unlock()
	for i := 0; i < 3; i++ {
		if got := l.Next(b); got != b {
			t.Fatalf("Next(b) with a blocked = %v, want b", got)
		}
	}

	// Once b blocks as well, only idle remains.
	b.mu.Lock()
	b.setStatusLocked(Blocked)
	b.mu.Unlock()
	if got := l.Next(b); got != idle {
		t.Errorf("Next(b) with everything blocked = %v, want idle", got)
	}
}

func TestNextWrapsAroundFreedSlots(t *testing.T) {
	l := NewContextList(8)
	a := mustNew(t, l, "a")
	b := mustNew(t, l, "b")
	c := mustNew(t, l, "c")
	for _, ctx := range []*Context{a, b, c} {
		ctx.Unblock()
	}
	if !l.Remove(b.ID()) {
		t.Fatalf("Remove(%v) = false", b)
	}
	if l.Remove(b.ID()) {
		t.Errorf("second Remove(%v) = true", b)
	}
	if got := l.Next(a); got != c {
		t.Errorf("Next(a) = %v, want c", got)
	}
	if got := l.Next(c); got != a {
		t.Errorf("Next(c) = %v, want a", got)
	}

	// d reuses b's slot and is scanned between a and c.
	d := mustNew(t, l, "d")
	d.Unblock()
	if got := l.Next(a); got != d {
		t.Errorf("Next(a) = %v, want d", got)
	}
	// A removed context resumes the scan from the start.
	if got := l.Next(b); got != a {
		t.Errorf("Next(removed b) = %v, want a", got)
	}
}

func TestNextPanics(t *testing.T) {
	expectPanic(t, "Next on an empty list", func() {
		var l ContextList
		l.Next(nil)
	})
	expectPanic(t, "Next without idle", func() {
		l := &ContextList{max: 4, byID: make(map[ContextID]int), nextID: 1}
		c, err := l.New("orphan", IdleID)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		c.Unblock()
		l.Next(c)
	})
}

func TestRemoveIdlePanics(t *testing.T) {
	l := NewContextList(2)
	expectPanic(t, "Remove(IdleID)", func() {
		l.Remove(IdleID)
	})
}

func TestContextIDs(t *testing.T) {
	l := NewContextList(4)
	a := mustNew(t, l, "a")
	if a.ID() != 1 {
		t.Errorf("first id = %d, want 1", a.ID())
	}

	l.nextID = MaxContextID - 1
	b := mustNew(t, l, "b")
	if b.ID() != MaxContextID-1 {
		t.Errorf("id before wrap = %d, want %d", b.ID(), MaxContextID-1)
	}
	// 1 is still taken by a.
	c := mustNew(t, l, "c")
	if c.ID() != 2 {
		t.Errorf("id after wrap = %d, want 2", c.ID())
	}

	if _, err := l.New("d", IdleID); !errors.Is(err, linuxerr.EAGAIN) {
		t.Errorf("New on a full list: got %v, want EAGAIN", err)
	}
	l.Remove(a.ID())
	d := mustNew(t, l, "d")
	if d.ID() != 3 {
		t.Errorf("id after remove = %d, want 3", d.ID())
	}
}

func TestStatusTransitions(t *testing.T) {
	l := NewContextList(4)
	a := mustNew(t, l, "a")
	if got := a.Status(); got != Blocked {
		t.Fatalf("new context status = %v, want %v", got, Blocked)
	}
	if !a.Unblock() {
		t.Fatalf("Unblock of a blocked context = false")
	}
	if a.Unblock() {
		t.Errorf("Unblock of a runnable context = true")
	}

	a.mu.Lock()
	a.setStatusLocked(Exited)
	a.mu.Unlock()
	if a.Unblock() {
		t.Errorf("Unblock of an exited context = true")
	}
	if a.kill(1) {
		t.Errorf("kill of an exited context = true")
	}
	expectPanic(t, "leaving Exited", func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.setStatusLocked(Runnable)
	})
	expectPanic(t, "blocking idle", func() {
		idle := l.Idle()
		idle.mu.Lock()
		defer idle.mu.Unlock()
		idle.setStatusLocked(Blocked)
	})
}

func TestKillUnblocks(t *testing.T) {
	l := NewContextList(4)
	a := mustNew(t, l, "a")
	if !a.kill(9) {
		t.Fatalf("kill = false")
	}
	if got := a.Status(); got != Runnable {
		t.Errorf("status after kill = %v, want %v", got, Runnable)
	}
	if code, ok := a.pendingKill(); !ok || code != 9 {
		t.Errorf("pendingKill = (%d, %t), want (9, true)", code, ok)
	}
	if a.kill(10) {
		t.Errorf("second kill = true")
	}
}

func TestSnapshot(t *testing.T) {
	l := NewContextList(8)
	a := mustNew(t, l, "a")
	b, err := l.New("b", a.ID())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Unblock()

	want := []ContextInfo{
		{ID: IdleID, Name: "kidle", Parent: IdleID, Status: Runnable},
		{ID: a.ID(), Name: "a", Parent: IdleID, Status: Blocked},
		{ID: b.ID(), Name: "b", Parent: a.ID(), Status: Runnable},
	}

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			if diff := cmp.Diff(want, l.Snapshot()); diff != "" {
				t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
			}
			return nil
		})
	}
	g.Wait()
}
