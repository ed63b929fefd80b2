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
	"fmt"
	"math/bits"

	"mkern.dev/mkern/pkg/log"
)

// Vector is an interrupt vector.
type Vector uint8

// Vectors.
const (
	PageFault Vector = 14
	Timer     Vector = 32
	Keyboard  Vector = 33
	Device    Vector = 34

	// NumVectors is the number of vectors that can be pending at once.
	NumVectors = 64
)

// String implements fmt.Stringer.String.
func (v Vector) String() string {
	switch v {
	case PageFault:
		return "PageFault"
	case Timer:
		return "Timer"
	case Keyboard:
		return "Keyboard"
	case Device:
		return "Device"
	default:
		return fmt.Sprintf("Vector(%d)", uint8(v))
	}
}

// Handler services an interrupt. It always runs with interrupts disabled.
type Handler func(v Vector)

// InterruptGuard remembers the interrupt flag as it was before
// DisableInterrupts.
type InterruptGuard struct {
	cpu     *CPU
	enabled bool
}

// DisableInterrupts clears the interrupt flag and returns a guard that
// restores it.
//
// Guards nest: the innermost Restore leaves interrupts disabled if they were
// already disabled when the guard was taken.
func (c *CPU) DisableInterrupts() InterruptGuard {
	return InterruptGuard{cpu: c, enabled: c.interrupts.Swap(false)}
}

// Restore reinstates the interrupt flag saved in g.
func (g InterruptGuard) Restore() {
	g.cpu.interrupts.Store(g.enabled)
}

// Enabled returns the flag saved in g.
func (g InterruptGuard) Enabled() bool {
	return g.enabled
}

// EnableInterrupts sets the interrupt flag.
func (c *CPU) EnableInterrupts() {
	c.interrupts.Store(true)
}

// InterruptsEnabled returns the interrupt flag.
func (c *CPU) InterruptsEnabled() bool {
	return c.interrupts.Load()
}

// SetHandler installs fn for v, replacing any previous handler. A nil fn
// removes the handler.
func (c *CPU) SetHandler(v Vector, fn Handler) {
	if v >= NumVectors {
		panic(fmt.Sprintf("vector %v out of range", v))
	}
	c.handlersMu.Lock()
	c.handlers[v] = fn
	c.handlersMu.Unlock()
}

// Raise marks v pending and wakes a halted CPU. It may be called from any
// goroutine.
func (c *CPU) Raise(v Vector) {
	if v >= NumVectors {
		panic(fmt.Sprintf("vector %v out of range", v))
	}
	c.pending.Or(1 << v)
	c.Wake()
}

// Pending returns true if any vector is pending.
func (c *CPU) Pending() bool {
	return c.pending.Load() != 0
}

// DeliverInterrupts runs the handlers of all pending vectors in ascending
// order, with interrupts disabled. It does nothing if interrupts are
// disabled. Vectors raised by a handler are delivered before returning.
//
// It returns the number of vectors delivered.
func (c *CPU) DeliverInterrupts() int {
	if !c.InterruptsEnabled() {
		return 0
	}
	n := 0
	for {
		mask := c.pending.Swap(0)
		if mask == 0 {
			return n
		}
		g := c.DisableInterrupts()
		for mask != 0 {
			v := Vector(bits.TrailingZeros64(mask))
			mask &^= 1 << v
			c.handlersMu.Lock()
			fn := c.handlers[v]
			c.handlersMu.Unlock()
			if fn == nil {
				log.Debugf("Spurious interrupt %v", v)
				continue
			}
			fn(v)
			n++
			interruptsDelivered.Increment()
		}
		g.Restore()
	}
}

// Wake unblocks a goroutine in Halt. It may be called from any goroutine.
func (c *CPU) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Halt blocks until the CPU is woken or ctx is done, and returns ctx.Err() in
// the latter case. It returns immediately if a vector is already pending.
func (c *CPU) Halt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Pending() {
		return nil
	}
	select {
	case <-c.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
