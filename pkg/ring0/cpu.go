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

// Package ring0 simulates the processor the kernel runs on.
//
// A CPU has a live register file, an interrupt enable flag, an active set of
// page tables with a translation cache, and a pending interrupt mask. Exactly
// one goroutine holds the CPU at a time; all methods except Raise, Wake and
// Halt must only be called by the holder.
package ring0

import (
	"sync/atomic"

	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/metric"
	"mkern.dev/mkern/pkg/ring0/pagetables"
	"mkern.dev/mkern/pkg/sentry/arch"
	"mkern.dev/mkern/pkg/sync"
)

var (
	interruptsDelivered = metric.MustCreateNewUint64Metric("/ring0/interrupts_delivered", "Number of interrupt handlers run.")
	tlbFlushes          = metric.MustCreateNewUint64Metric("/ring0/tlb_flushes", "Number of full translation cache flushes.")
	tlbInvalidations    = metric.MustCreateNewUint64Metric("/ring0/tlb_invalidations", "Number of single page translation cache invalidations.")
)

// tlbEntry is a cached translation for one page.
type tlbEntry struct {
	frame hostarch.Frame
	opts  pagetables.MapOpts
}

// CPU is a simulated processor.
type CPU struct {
	// Registers is the live machine state. A context switch saves it into
	// the outgoing context and loads the incoming one into it.
	Registers *arch.State

	// interrupts is the interrupt enable flag.
	interrupts atomic.Bool

	// pending is the mask of raised, undelivered vectors.
	pending atomic.Uint64

	// wake is signalled by Raise and Wake.
	wake chan struct{}

	// handlersMu protects handlers.
	handlersMu sync.Mutex
	handlers   [NumVectors]Handler

	// pageTables is the active translation root.
	pageTables *pagetables.PageTables

	// tlb caches translations of pageTables only.
	tlb map[hostarch.Addr]tlbEntry
}

// NewCPU returns a CPU with interrupts disabled and no page tables loaded.
func NewCPU() *CPU {
	return &CPU{
		Registers: arch.NewState(),
		wake:      make(chan struct{}, 1),
		tlb:       make(map[hostarch.Addr]tlbEntry),
	}
}
