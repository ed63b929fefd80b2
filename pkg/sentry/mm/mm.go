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

// Package mm provides a memory management subsystem: the per-context set of
// regions and the frames backing them.
//
// Lock order:
//
//	MemoryManager.mu
//		pgalloc.MemoryFile.mu
package mm

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"mkern.dev/mkern/pkg/errors"
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/log"
	"mkern.dev/mkern/pkg/metric"
	"mkern.dev/mkern/pkg/ring0/pagetables"
	"mkern.dev/mkern/pkg/sentry/limits"
	"mkern.dev/mkern/pkg/sentry/pgalloc"
	"mkern.dev/mkern/pkg/sync"
)

// Address space layout.
const (
	// MinUserAddr is the lowest mappable address. Page zero is never mapped.
	MinUserAddr hostarch.Addr = hostarch.PageSize

	// DefaultMmapBase is where MMap starts looking for free space.
	DefaultMmapBase hostarch.Addr = 0x100000000000

	// StackTop is the address just above the initial user stack.
	StackTop hostarch.Addr = 0x7ffffffff000
)

// ErrOverlap is returned when a new region would intersect an existing one.
var ErrOverlap = errors.New(unix.EEXIST, "region overlaps an existing region")

var (
	pageFaults = metric.MustCreateNewUint64Metric("/mm/page_faults", "Number of pages populated on demand.")
	userFaults = metric.MustCreateNewUint64Metric("/mm/user_faults", "Number of accesses rejected with EFAULT.")
	faultLog   = log.BasicRateLimitedLogger(time.Second)
)

// TLB invalidates cached translations. It is implemented by ring0.CPU.
type TLB interface {
	// Invalidate drops any cached translation of addr through pt.
	Invalidate(pt *pagetables.PageTables, addr hostarch.Addr)
}

type noTLB struct{}

// Invalidate implements TLB.Invalidate.
func (noTLB) Invalidate(*pagetables.PageTables, hostarch.Addr) {}

// RegionKind is the backing kind of a region.
type RegionKind int

// Region kinds.
const (
	// Anonymous regions are private zero-filled memory.
	Anonymous RegionKind = iota

	// Image regions hold a loaded program segment. They are private.
	Image

	// Shared regions map a reference-counted SharedMemory.
	Shared
)

// String implements fmt.Stringer.String.
func (k RegionKind) String() string {
	switch k {
	case Anonymous:
		return "anon"
	case Image:
		return "image"
	case Shared:
		return "shared"
	default:
		return fmt.Sprintf("RegionKind(%d)", int(k))
	}
}

// Region describes a contiguous, page-aligned range of an address space.
type Region struct {
	// Range is the virtual address range covered. It is never empty.
	Range hostarch.AddrRange

	// Perms are the permissions user accesses are checked against.
	Perms hostarch.AccessType

	// Kind is the backing kind.
	Kind RegionKind

	// Demand is true if pages are populated on first access rather than
	// when the region is created.
	Demand bool

	// Hint is a descriptive name, e.g. "[heap]".
	Hint string
}

// vma is a region in the region set.
//
// Every present translation in a private vma's range refers to a frame owned
// by the vma. Translations in a Shared vma refer to frames owned by shm.
type vma struct {
	Region
	shm *SharedMemory
}

func (v *vma) private() bool {
	return v.shm == nil
}

func vmaLess(a, b *vma) bool {
	return a.Range.Start < b.Range.Start
}

// Opts configures a MemoryManager.
type Opts struct {
	// MemoryFile provides frames. It is required.
	MemoryFile *pgalloc.MemoryFile

	// TLB is notified of every translation removed or changed. May be nil.
	TLB TLB

	// Limits bounds the address space and heap size. May be nil.
	Limits *limits.LimitSet

	// MmapBase overrides DefaultMmapBase if non-zero.
	MmapBase hostarch.Addr
}

// MemoryManager implements a virtual address space.
type MemoryManager struct {
	// The following fields are immutable.
	mf       *pgalloc.MemoryFile
	tlb      TLB
	limits   *limits.LimitSet
	mmapBase hostarch.Addr

	// users is the number of contexts using this address space. When users
	// reaches zero, the address space is destroyed.
	users atomic.Int32

	// mu protects all fields below.
	mu sync.Mutex

	// pt is the address space's translations. It is nil once destroyed.
	pt *pagetables.PageTables

	// regions is the set of regions, ordered by start address.
	regions *btree.BTreeG[*vma]

	// usageAS is the total length of all regions.
	usageAS uint64

	// brk is the program break. brk.Start is fixed at BrkSetup; brk.End
	// moves with Brk.
	brk hostarch.AddrRange
}

// NewMemoryManager returns a MemoryManager with no regions and one user.
func NewMemoryManager(opts Opts) (*MemoryManager, error) {
	if opts.MemoryFile == nil {
		panic("NewMemoryManager without a MemoryFile")
	}
	pt, err := pagetables.New(pagetables.NewMemoryFileAllocator(opts.MemoryFile))
	if err != nil {
		return nil, err
	}
	mm := &MemoryManager{
		mf:       opts.MemoryFile,
		tlb:      opts.TLB,
		limits:   opts.Limits,
		mmapBase: opts.MmapBase,
		pt:       pt,
		regions:  btree.NewG(8, vmaLess),
	}
	if mm.tlb == nil {
		mm.tlb = noTLB{}
	}
	if mm.limits == nil {
		mm.limits = limits.NewLimitSet()
	}
	if mm.mmapBase == 0 {
		mm.mmapBase = DefaultMmapBase
	}
	mm.users.Store(1)
	return mm, nil
}

// PageTables returns the address space's translations, or nil if it has
// been destroyed.
func (mm *MemoryManager) PageTables() *pagetables.PageTables {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.pt
}

// IncUsers increments mm's user count and returns true. If the user count is
// already zero, IncUsers does nothing and returns false.
func (mm *MemoryManager) IncUsers() bool {
	for {
		users := mm.users.Load()
		if users == 0 {
			return false
		}
		if mm.users.CompareAndSwap(users, users+1) {
			return true
		}
	}
}

// DecUsers decrements mm's user count. If the user count reaches 0, all
// mappings in mm are unmapped and their frames freed.
func (mm *MemoryManager) DecUsers() {
	if users := mm.users.Add(-1); users > 0 {
		return
	} else if users < 0 {
		panic(fmt.Sprintf("Invalid MemoryManager.users: %d", users))
	}
	mm.destroy()
}

// Users returns the current user count.
func (mm *MemoryManager) Users() int32 {
	return mm.users.Load()
}

func (mm *MemoryManager) destroy() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.regions.Ascend(func(v *vma) bool {
		mm.unmapLocked(v, v.Range)
		if v.shm != nil {
			v.shm.DecRef()
		}
		return true
	})
	mm.regions.Clear(false)
	mm.usageAS = 0
	mm.pt.Release()
	mm.pt = nil
}

// Regions returns a snapshot of the regions in ascending address order.
func (mm *MemoryManager) Regions() []Region {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	rs := make([]Region, 0, mm.regions.Len())
	mm.regions.Ascend(func(v *vma) bool {
		rs = append(rs, v.Region)
		return true
	})
	return rs
}

// VirtualMemorySize returns the total length of all regions.
func (mm *MemoryManager) VirtualMemorySize() uint64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.usageAS
}

// ResidentSetSize returns the number of bytes of present translations.
func (mm *MemoryManager) ResidentSetSize() uint64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.pt == nil {
		return 0
	}
	var n uint64
	mm.pt.Walk(hostarch.AddrRange{Start: 0, End: hostarch.MaxUserAddr}, func(hostarch.Addr, hostarch.Frame, pagetables.MapOpts) {
		n += hostarch.PageSize
	})
	return n
}

// String implements fmt.Stringer.String.
func (mm *MemoryManager) String() string {
	return fmt.Sprintf("mm{regions=%d, vsz=%#x}", len(mm.Regions()), mm.VirtualMemorySize())
}
