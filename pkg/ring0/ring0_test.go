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

package ring0

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/ring0/pagetables"
	"mkern.dev/mkern/pkg/sentry/pgalloc"
)

func TestInterruptGuardNests(t *testing.T) {
	c := NewCPU()
	c.EnableInterrupts()

	outer := c.DisableInterrupts()
	inner := c.DisableInterrupts()
	if c.InterruptsEnabled() {
		t.Fatalf("interrupts enabled inside guard")
	}
	inner.Restore()
	if c.InterruptsEnabled() {
		t.Errorf("inner Restore enabled interrupts")
	}
	outer.Restore()
	if !c.InterruptsEnabled() {
		t.Errorf("outer Restore did not enable interrupts")
	}
}

func TestDeliverInterrupts(t *testing.T) {
	c := NewCPU()
	var got []Vector
	handler := func(v Vector) {
		if c.InterruptsEnabled() {
			t.Errorf("handler for %v ran with interrupts enabled", v)
		}
		got = append(got, v)
		if v == Device {
			c.Raise(Timer)
		}
	}
	c.SetHandler(Timer, handler)
	c.SetHandler(Device, handler)

	c.Raise(Device)
	c.Raise(Keyboard) // No handler.
	if n := c.DeliverInterrupts(); n != 0 {
		t.Errorf("DeliverInterrupts with interrupts disabled: delivered %d", n)
	}
	if !c.Pending() {
		t.Fatalf("vectors lost while interrupts disabled")
	}

	c.EnableInterrupts()
	if n := c.DeliverInterrupts(); n != 2 {
		t.Errorf("DeliverInterrupts: delivered %d, want 2", n)
	}
	if diff := cmp.Diff([]Vector{Device, Timer}, got); diff != "" {
		t.Errorf("delivery order mismatch (-want +got):\n%s", diff)
	}
	if c.Pending() {
		t.Errorf("vectors still pending after delivery")
	}
	if !c.InterruptsEnabled() {
		t.Errorf("interrupts left disabled after delivery")
	}
}

func TestHaltWakesOnRaise(t *testing.T) {
	c := NewCPU()
	go c.Raise(Timer)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Halt(ctx); err != nil {
		t.Fatalf("Halt: %v", err)
	}

	cancel()
	c.EnableInterrupts()
	c.DeliverInterrupts()
	if err := c.Halt(ctx); err == nil {
		t.Errorf("Halt after cancel: got nil error")
	}
}

func TestRunTimer(t *testing.T) {
	c := NewCPU()
	ticks := 0
	c.SetHandler(Timer, func(Vector) { ticks++ })
	c.EnableInterrupts()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- c.RunTimer(ctx, time.Millisecond, Timer) }()

	deadline, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	for ticks < 3 {
		if err := c.Halt(deadline); err != nil {
			t.Fatalf("timer never fired: %v", err)
		}
		c.DeliverInterrupts()
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("RunTimer: %v", err)
	}
}

func TestTLB(t *testing.T) {
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Size: pgalloc.LowMemoryLimit + 16*hostarch.PageSize})
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	defer mf.Close()
	a := pagetables.NewMemoryFileAllocator(mf)
	active, err := pagetables.New(a)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	other, err := pagetables.New(a)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	opts := pagetables.MapOpts{AccessType: hostarch.ReadWrite, User: true}

	c := NewCPU()
	c.LoadPageTables(active)
	if err := active.Map(0x5000, 300, opts); err != nil {
		t.Fatalf("Map: %v", err)
	}
	phys, _, ok := c.Translate(0x5010)
	if !ok || phys != hostarch.Frame(300).Addr()+0x10 {
		t.Fatalf("Translate(0x5010): got (%v, %t)", phys, ok)
	}

	// Unmapping without invalidation leaves a stale translation.
	active.Unmap(0x5000)
	if _, _, ok := c.Translate(0x5000); !ok {
		t.Errorf("stale translation missing before invalidation")
	}
	// Invalidating on inactive tables does nothing.
	c.Invalidate(other, 0x5000)
	if _, _, ok := c.Translate(0x5000); !ok {
		t.Errorf("Invalidate on inactive tables dropped the translation")
	}
	c.Invalidate(active, 0x5abc)
	if _, _, ok := c.Translate(0x5000); ok {
		t.Errorf("Translate(0x5000) after Invalidate: still present")
	}

	if err := active.Map(0x6000, 301, opts); err != nil {
		t.Fatalf("Map: %v", err)
	}
	c.Translate(0x6000)
	c.LoadPageTables(other)
	if got := c.CachedTranslations(); got != 0 {
		t.Errorf("CachedTranslations after LoadPageTables: got %d, want 0", got)
	}
	if _, _, ok := c.Translate(0x6000); ok {
		t.Errorf("Translate through other tables found the active mapping")
	}
	active.Unmap(0x6000)
	active.Release()
	other.Release()
}
