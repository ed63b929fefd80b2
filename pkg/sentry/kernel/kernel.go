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

// Package kernel provides execution contexts and the scheduler that switches
// between them.
//
// The kernel runs hosted: one simulated CPU is passed between goroutines,
// one per context, so that exactly one context executes kernel code at a
// time. The idle context runs on the goroutine that calls Kernel.Run.
//
// Lock order:
//
//	ContextList.mu
//		Context.mu
//
//	Kernel.exitMu
//		ContextList.mu
package kernel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"mkern.dev/mkern/pkg/cleanup"
	"mkern.dev/mkern/pkg/errors/linuxerr"
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/log"
	"mkern.dev/mkern/pkg/metric"
	"mkern.dev/mkern/pkg/ring0"
	"mkern.dev/mkern/pkg/ring0/pagetables"
	"mkern.dev/mkern/pkg/sentry/arch"
	"mkern.dev/mkern/pkg/sentry/ktime"
	"mkern.dev/mkern/pkg/sentry/limits"
	"mkern.dev/mkern/pkg/sentry/mm"
	"mkern.dev/mkern/pkg/sentry/pgalloc"
	"mkern.dev/mkern/pkg/sync"
)

// Defaults for zero Config fields.
const (
	DefaultMemorySize       = 64 << 20
	DefaultTimerPeriod      = 10 * time.Millisecond
	DefaultTimeSlice        = 4
	DefaultMaxContexts      = 1024
	DefaultKernelStackPages = 16
	DefaultStackSize        = 64 << 10
)

// ExitKilled is the exit code of a context killed by the kernel itself,
// e.g. because init exited.
const ExitKilled = 128 + 9

var (
	contextSwitches = metric.MustCreateNewUint64Metric("/kernel/context_switches", "Number of context switches.")
	contextsCreated = metric.MustCreateNewUint64Metric("/kernel/contexts_created", "Number of contexts created.")
	contextsReaped  = metric.MustCreateNewUint64Metric("/kernel/contexts_reaped", "Number of exited contexts reaped.")
	timerTicks      = metric.MustCreateNewUint64Metric("/kernel/timer_ticks", "Number of timer interrupts handled.")
)

// Config configures a Kernel.
type Config struct {
	// MemorySize is the size of physical memory in bytes.
	MemorySize uint64

	// TimerPeriod is the period of the timer interrupt.
	TimerPeriod time.Duration

	// TimeSlice is the number of timer ticks a context runs before it is
	// preempted at its next preemption point.
	TimeSlice int

	// MaxContexts bounds the number of contexts, including the idle
	// context.
	MaxContexts int

	// KernelStackPages is the size of each context's kernel stack.
	KernelStackPages int

	// StackSize is the size of the user stack mapped by Exec.
	StackSize uint64

	// Limits are the resource limits of contexts created without a parent.
	// Each context gets its own copy.
	Limits *limits.LimitSet

	// Clock is the clock used by Sleep.
	Clock ktime.Clock
}

func (c *Config) setDefaults() {
	if c.MemorySize == 0 {
		c.MemorySize = DefaultMemorySize
	}
	if c.TimerPeriod == 0 {
		c.TimerPeriod = DefaultTimerPeriod
	}
	if c.TimeSlice == 0 {
		c.TimeSlice = DefaultTimeSlice
	}
	if c.MaxContexts == 0 {
		c.MaxContexts = DefaultMaxContexts
	}
	if c.KernelStackPages == 0 {
		c.KernelStackPages = DefaultKernelStackPages
	}
	if c.StackSize == 0 {
		c.StackSize = DefaultStackSize
	}
	if c.Limits == nil {
		c.Limits = limits.NewLinuxLimitSet()
	}
	if c.Clock == nil {
		c.Clock = ktime.NewMonotonicClock()
	}
}

// exitRecord is an exit status not yet collected by Wait.
type exitRecord struct {
	parent ContextID
	code   int
}

// Kernel is the kernel: physical memory, the CPU and the context registry.
type Kernel struct {
	// The following fields are immutable after New.
	cfg      Config
	mf       *pgalloc.MemoryFile
	cpu      *ring0.CPU
	contexts *ContextList
	idle     *Context

	// current is the context holding the CPU. It is nil until Run.
	current atomic.Pointer[Context]

	// running is set by Run.
	running atomic.Bool

	// stopping is set when Run's context is cancelled. Contexts are killed
	// at their next preemption point.
	stopping atomic.Bool

	// needResched is set by the timer when the current context's time slice
	// is used up. Owned by the CPU holder.
	needResched bool

	// exitMu protects the fields below.
	exitMu sync.Mutex

	// exits holds exit statuses not yet collected by Wait.
	exits map[ContextID]exitRecord

	// init is the first context, created by CreateInit.
	init *Context

	// initExit is init's exit code, once it has exited.
	initExit *int
}

// New returns a Kernel with the given configuration. The caller must call
// Release when done with it.
func New(cfg Config) (*Kernel, error) {
	cfg.setDefaults()
	if cfg.TimeSlice < 0 || cfg.MaxContexts < 2 || cfg.KernelStackPages < 0 {
		return nil, fmt.Errorf("invalid kernel configuration: %+v", cfg)
	}
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Size: cfg.MemorySize})
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		cfg:      cfg,
		mf:       mf,
		cpu:      ring0.NewCPU(),
		contexts: NewContextList(cfg.MaxContexts),
		exits:    make(map[ContextID]exitRecord),
	}
	k.idle = k.contexts.Idle()
	k.idle.k = k
	k.idle.started = true
	k.idle.limits = cfg.Limits
	k.cpu.SetHandler(ring0.Timer, k.tick)
	return k, nil
}

// Release frees physical memory. The kernel must not be running.
func (k *Kernel) Release() {
	k.mf.Close()
}

// MemoryFile returns physical memory.
func (k *Kernel) MemoryFile() *pgalloc.MemoryFile {
	return k.mf
}

// CPU returns the CPU.
func (k *Kernel) CPU() *ring0.CPU {
	return k.cpu
}

// Contexts returns the context registry.
func (k *Kernel) Contexts() *ContextList {
	return k.contexts
}

// Clock returns the clock used by Sleep.
func (k *Kernel) Clock() ktime.Clock {
	return k.cfg.Clock
}

// Config returns the kernel's configuration, with defaults applied.
func (k *Kernel) Config() Config {
	return k.cfg
}

// Current returns the context holding the CPU, or nil before Run.
func (k *Kernel) Current() *Context {
	return k.current.Load()
}

// FrameAlloc allocates a zeroed physical frame.
func (k *Kernel) FrameAlloc() (hostarch.Frame, error) {
	return k.mf.Allocate()
}

// FrameFree frees a frame returned by FrameAlloc or Unmap.
func (k *Kernel) FrameFree(f hostarch.Frame) {
	k.mf.Deallocate(f)
}

// Map maps frame at addr in c's address space. addr must lie within one of
// c's regions, which takes ownership of frame.
func (k *Kernel) Map(c *Context, addr hostarch.Addr, frame hostarch.Frame, opts pagetables.MapOpts) error {
	m := c.MemoryManager()
	if m == nil {
		return linuxerr.ESRCH
	}
	return m.MapPage(addr, frame, opts)
}

// Unmap removes the translation of addr in c's address space and returns
// the frame, whose ownership passes to the caller.
func (k *Kernel) Unmap(c *Context, addr hostarch.Addr) (hostarch.Frame, bool) {
	m := c.MemoryManager()
	if m == nil {
		return 0, false
	}
	return m.UnmapPage(addr)
}

// Translate looks up addr in c's address space.
func (k *Kernel) Translate(c *Context, addr hostarch.Addr) (hostarch.PhysAddr, pagetables.MapOpts, bool) {
	m := c.MemoryManager()
	if m == nil {
		return 0, pagetables.MapOpts{}, false
	}
	return m.Translate(addr)
}

func (k *Kernel) mmOpts(ls *limits.LimitSet) mm.Opts {
	return mm.Opts{
		MemoryFile: k.mf,
		TLB:        k.cpu,
		Limits:     ls,
	}
}

// ContextConfig defines the configuration of a new Context.
type ContextConfig struct {
	// Name is the context's name.
	Name string

	// Parent is the new context's parent. If nil, the idle context is the
	// parent.
	Parent *Context

	// Entry is the code the context runs.
	Entry EntryFunc

	// MemoryManager is the new context's address space. A user must be held
	// on it, which is transferred to NewContext whether or not it succeeds.
	// If nil, an empty address space is created.
	MemoryManager *mm.MemoryManager

	// FDTable is the new context's file table. A reference must be held on
	// it, which is transferred to NewContext whether or not it succeeds. If
	// nil, an empty table is created.
	FDTable *FDTable

	// Limits are the new context's resource limits. If nil, a copy of the
	// parent's limits, or of the kernel's, is used.
	Limits *limits.LimitSet

	// Registers is the initial machine state. If nil, a reset state is used.
	Registers *arch.State
}

// NewContext creates a Blocked context defined by cfg.
//
// NewContext does not start the returned context; the caller must call
// Context.Unblock.
func (k *Kernel) NewContext(cfg ContextConfig) (*Context, error) {
	c, err := k.newContext(&cfg)
	if err != nil {
		if cfg.MemoryManager != nil {
			cfg.MemoryManager.DecUsers()
		}
		if cfg.FDTable != nil {
			cfg.FDTable.DecRef()
		}
		return nil, err
	}
	return c, nil
}

// newContext is a helper for NewContext that only takes ownership of parts
// of cfg if it succeeds.
func (k *Kernel) newContext(cfg *ContextConfig) (*Context, error) {
	if cfg.Entry == nil {
		panic("NewContext without an entry point")
	}
	parent := IdleID
	ls := cfg.Limits
	if cfg.Parent != nil {
		parent = cfg.Parent.id
		if ls == nil {
			ls = cfg.Parent.Limits().GetCopy()
		}
	}
	if ls == nil {
		ls = k.cfg.Limits.GetCopy()
	}
	if cfg.MemoryManager == nil {
		m, err := mm.NewMemoryManager(k.mmOpts(ls))
		if err != nil {
			return nil, err
		}
		cfg.MemoryManager = m
	}
	if cfg.FDTable == nil {
		cfg.FDTable = NewFDTable(ls)
	}
	regs := cfg.Registers
	if regs == nil {
		regs = arch.NewState()
	}

	ks, err := newKernelStack(k.mf, k.cfg.KernelStackPages)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(ks.Release)
	defer cu.Clean()

	c, err := k.contexts.New(cfg.Name, parent)
	if err != nil {
		return nil, err
	}
	cu.Release()

	c.k = k
	c.entry = cfg.Entry
	c.regs = regs
	c.mu.Lock()
	c.limits = ls
	c.mm = cfg.MemoryManager
	c.fdTable = cfg.FDTable
	c.kstack = ks
	c.mu.Unlock()

	contextsCreated.Increment()
	log.Debugf("Created context %v, parent %d", c, parent)
	return c, nil
}

// CreateInit creates the init context and makes it Runnable. Run returns
// once init has exited and every other context has been reaped.
func (k *Kernel) CreateInit(name string, entry EntryFunc) (*Context, error) {
	k.exitMu.Lock()
	defer k.exitMu.Unlock()
	if k.init != nil {
		return nil, linuxerr.EEXIST
	}
	c, err := k.NewContext(ContextConfig{Name: name, Entry: entry})
	if err != nil {
		return nil, err
	}
	k.init = c
	c.Unblock()
	return c, nil
}

// ExitStatus returns init's exit code once it has exited.
func (k *Kernel) ExitStatus() (int, bool) {
	k.exitMu.Lock()
	defer k.exitMu.Unlock()
	if k.initExit == nil {
		return 0, false
	}
	return *k.initExit, true
}

// Kill requests that the context with the given id exit with code. The
// context exits the next time it passes a preemption point; if it is
// Blocked, it is made Runnable first.
//
// It returns ESRCH if there is no such live context and EPERM for the idle
// context.
func (k *Kernel) Kill(id ContextID, code int) error {
	if id == IdleID {
		return linuxerr.EPERM
	}
	c := k.contexts.Get(id)
	if c == nil || !c.kill(code) {
		return linuxerr.ESRCH
	}
	return nil
}

// killAll kills every context but idle.
func (k *Kernel) killAll(code int) {
	for _, c := range k.contexts.contexts() {
		if c != k.idle {
			c.kill(code)
		}
	}
}

// tick is the timer interrupt handler.
func (k *Kernel) tick(ring0.Vector) {
	timerTicks.Increment()
	c := k.current.Load()
	if c == nil || c == k.idle {
		return
	}
	c.slice--
	if c.slice <= 0 {
		k.needResched = true
	}
}

// Run runs the kernel: it starts the timer and runs the idle context on the
// calling goroutine until init has exited and every other context has been
// reaped.
//
// If ctx is cancelled, every context is killed; Run returns ctx.Err() once
// they have all been reaped.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.running.CompareAndSwap(false, true) {
		return fmt.Errorf("kernel is already running")
	}

	runCtx, stop := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return k.cpu.RunTimer(gctx, k.cfg.TimerPeriod, ring0.Timer)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			k.stopping.Store(true)
			k.cpu.Wake()
		case <-gctx.Done():
		}
		return nil
	})

	log.Infof("Kernel running: %d frames free, timer period %v, time slice %d", k.mf.FreeFrames(), k.cfg.TimerPeriod, k.cfg.TimeSlice)
	k.idleLoop(runCtx)
	stop()
	if err := g.Wait(); err != nil {
		return err
	}
	if k.stopping.Load() {
		return ctx.Err()
	}
	return nil
}

// idleLoop runs the idle context until there is nothing left to run.
func (k *Kernel) idleLoop(ctx context.Context) {
	idle := k.idle
	k.current.Store(idle)
	k.cpu.LoadPageTables(nil)
	for {
		k.cpu.EnableInterrupts()
		k.cpu.DeliverInterrupts()
		if k.stopping.Load() {
			k.killAll(ExitKilled)
		}

		if next := k.contexts.Next(idle); next != idle {
			g := k.cpu.DisableInterrupts()
			idle.switchLocked(next)
			g.Restore()
			continue
		}

		if k.contexts.Len() == 1 {
			if _, ok := k.ExitStatus(); ok || k.stopping.Load() {
				k.cpu.DisableInterrupts()
				return
			}
		}
		k.cpu.Halt(ctx)
	}
}
