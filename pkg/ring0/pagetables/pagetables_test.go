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

package pagetables

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"mkern.dev/mkern/pkg/errors/linuxerr"
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/sentry/pgalloc"
)

// Bytes covered by one entry at each level.
const (
	pteSize = 1 << 12
	pmdSize = 1 << 21
	pudSize = 1 << 30
	pgdSize = 1 << 39
)

type mapping struct {
	start hostarch.Addr
	frame hostarch.Frame
	opts  MapOpts
}

func newTestTables(t *testing.T, frames uint64) (*PageTables, *pgalloc.MemoryFile) {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Size: pgalloc.LowMemoryLimit + frames*hostarch.PageSize})
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	t.Cleanup(func() { mf.Close() })
	pt, err := New(NewMemoryFileAllocator(mf))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return pt, mf
}

func checkMappings(t *testing.T, pt *PageTables, want []mapping) {
	t.Helper()
	var got []mapping
	pt.Walk(hostarch.AddrRange{Start: 0, End: hostarch.MaxUserAddr}, func(addr hostarch.Addr, frame hostarch.Frame, opts MapOpts) {
		got = append(got, mapping{addr, frame, opts})
	})
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(mapping{})); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

var (
	rw   = MapOpts{AccessType: hostarch.ReadWrite, User: true}
	ro   = MapOpts{AccessType: hostarch.Read, User: true}
	rx   = MapOpts{AccessType: hostarch.ReadExec, User: true}
	kern = MapOpts{AccessType: hostarch.ReadWrite}
)

func TestMapTranslateUnmap(t *testing.T) {
	pt, _ := newTestTables(t, 16)
	const frame = hostarch.Frame(300)
	if err := pt.Map(0x1000, frame, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}

	phys, opts, ok := pt.Translate(0x1234)
	if !ok {
		t.Fatalf("Translate(0x1234) after Map: not present")
	}
	if want := frame.Addr() + 0x234; phys != want {
		t.Errorf("Translate(0x1234): got %v, want %v", phys, want)
	}
	if !opts.AccessType.Write || !opts.User || opts.AccessType.Execute {
		t.Errorf("Translate(0x1234): got opts %+v, want rw- user", opts)
	}

	got, ok := pt.Unmap(0x1000)
	if !ok || got != frame {
		t.Errorf("Unmap(0x1000): got (%v, %t), want (%v, true)", got, ok, frame)
	}
	if _, _, ok := pt.Translate(0x1000); ok {
		t.Errorf("Translate(0x1000) after Unmap: still present")
	}
	if got := pt.TablesInUse(); got != 1 {
		t.Errorf("TablesInUse after unmapping everything: got %d, want 1", got)
	}
}

func TestLazyIntermediateTables(t *testing.T) {
	pt, mf := newTestTables(t, 32)
	base := mf.UsedFrames()

	// Lookups never allocate.
	if _, _, ok := pt.Translate(0x400000); ok {
		t.Errorf("Translate on empty tables: present")
	}
	if _, ok := pt.Unmap(0x400000); ok {
		t.Errorf("Unmap on empty tables: present")
	}
	if mf.UsedFrames() != base {
		t.Errorf("lookups allocated %d frames", mf.UsedFrames()-base)
	}

	// First mapping needs PDPT, PD and PT.
	if err := pt.Map(0x400000, 500, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := mf.UsedFrames() - base; got != 3 {
		t.Errorf("first Map allocated %d tables, want 3", got)
	}
	// A neighbour in the same PT needs nothing new.
	if err := pt.Map(0x401000, 501, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	// A page in another PD entry needs one new PT.
	if err := pt.Map(0x400000+pmdSize, 502, ro); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := pt.TablesInUse(); got != 5 {
		t.Errorf("TablesInUse: got %d, want 5", got)
	}

	checkMappings(t, pt, []mapping{
		{0x400000, 500, MapOpts{AccessType: hostarch.ReadWrite, User: true}},
		{0x401000, 501, MapOpts{AccessType: hostarch.ReadWrite, User: true}},
		{0x400000 + pmdSize, 502, MapOpts{AccessType: hostarch.Read, User: true}},
	})

	for _, addr := range []hostarch.Addr{0x400000, 0x401000, 0x400000 + pmdSize} {
		if _, ok := pt.Unmap(addr); !ok {
			t.Errorf("Unmap(%v): not present", addr)
		}
	}
	if got := mf.UsedFrames(); got != base {
		t.Errorf("UsedFrames after unmapping everything: got %d, want %d", got, base)
	}
	pt.Release()
	if got := mf.UsedFrames(); got != base-1 {
		t.Errorf("UsedFrames after Release: got %d, want %d", got, base-1)
	}
}

func TestMapOverExistingPanics(t *testing.T) {
	pt, _ := newTestTables(t, 16)
	if err := pt.Map(0x1000, 300, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("second Map(0x1000) did not panic")
		}
	}()
	pt.Map(0x1000, 301, rw)
}

func TestMapBadAddressPanics(t *testing.T) {
	for _, addr := range []hostarch.Addr{0x1001, hostarch.MaxUserAddr} {
		t.Run(addr.String(), func(t *testing.T) {
			pt, _ := newTestTables(t, 16)
			defer func() {
				if recover() == nil {
					t.Errorf("Map(%v) did not panic", addr)
				}
			}()
			pt.Map(addr, 300, rw)
		})
	}
}

func TestMapOutOfMemoryRollsBack(t *testing.T) {
	// Root plus two frames: the PT allocation fails.
	pt, mf := newTestTables(t, 3)
	base := mf.UsedFrames()
	err := pt.Map(0x1000, 300, rw)
	if !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("Map with no memory for tables: got %v, want ENOMEM", err)
	}
	if got := mf.UsedFrames(); got != base {
		t.Errorf("failed Map leaked %d frames", got-base)
	}
	if got := pt.TablesInUse(); got != 1 {
		t.Errorf("TablesInUse after failed Map: got %d, want 1", got)
	}
	if _, _, ok := pt.Translate(0x1000); ok {
		t.Errorf("failed Map left a translation")
	}
}

func TestProtect(t *testing.T) {
	pt, _ := newTestTables(t, 16)
	if err := pt.Map(0x7000, 300, rx); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !pt.Protect(0x7000, rw) {
		t.Fatalf("Protect(0x7000): not present")
	}
	_, opts, _ := pt.Translate(0x7000)
	if diff := cmp.Diff(MapOpts{AccessType: hostarch.ReadWrite, User: true}, opts); diff != "" {
		t.Errorf("opts after Protect mismatch (-want +got):\n%s", diff)
	}
	if pt.Protect(0x8000, rw) {
		t.Errorf("Protect(0x8000) on a missing page: got true")
	}
}

func TestKernelHalf(t *testing.T) {
	pt, _ := newTestTables(t, 16)
	const kaddr = hostarch.Addr(0xffff800000200000)
	if err := pt.Map(kaddr, 400, kern); err != nil {
		t.Fatalf("Map(%v): %v", kaddr, err)
	}
	phys, opts, ok := pt.Translate(kaddr + 8)
	if !ok || phys != hostarch.Frame(400).Addr()+8 || opts.User {
		t.Errorf("Translate(%v): got (%v, %+v, %t)", kaddr+8, phys, opts, ok)
	}
	var seen []hostarch.Addr
	pt.Walk(hostarch.AddrRange{Start: kaddr, End: kaddr + pgdSize/2}, func(addr hostarch.Addr, _ hostarch.Frame, _ MapOpts) {
		seen = append(seen, addr)
	})
	if diff := cmp.Diff([]hostarch.Addr{kaddr}, seen); diff != "" {
		t.Errorf("Walk over the kernel half mismatch (-want +got):\n%s", diff)
	}
	if _, _, ok := pt.Translate(0x0000900000000000); ok {
		t.Errorf("Translate of a non-canonical address succeeded")
	}
}

func TestReleaseWithLiveMappingPanics(t *testing.T) {
	pt, _ := newTestTables(t, 16)
	if err := pt.Map(0x1000, 300, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Release with a live mapping did not panic")
		}
	}()
	pt.Release()
}

func TestSparseWalk(t *testing.T) {
	pt, _ := newTestTables(t, 64)
	addrs := []hostarch.Addr{0x1000, pudSize, pudSize + 3*pteSize, 2 * pgdSize}
	var want []mapping
	for i, addr := range addrs {
		if err := pt.Map(addr, hostarch.Frame(300+i), ro); err != nil {
			t.Fatalf("Map(%v): %v", addr, err)
		}
		want = append(want, mapping{addr, hostarch.Frame(300 + i), MapOpts{AccessType: hostarch.Read, User: true}})
	}
	checkMappings(t, pt, want)

	var inRange []hostarch.Addr
	pt.Walk(hostarch.AddrRange{Start: pudSize, End: pudSize + 4*pteSize}, func(addr hostarch.Addr, _ hostarch.Frame, _ MapOpts) {
		inRange = append(inRange, addr)
	})
	if diff := cmp.Diff([]hostarch.Addr{pudSize, pudSize + 3*pteSize}, inRange); diff != "" {
		t.Errorf("ranged Walk mismatch (-want +got):\n%s", diff)
	}
}
