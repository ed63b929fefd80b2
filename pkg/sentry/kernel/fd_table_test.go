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
	"runtime"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"mkern.dev/mkern/pkg/errors/linuxerr"
	"mkern.dev/mkern/pkg/sentry/limits"
)

const (
	// maxFD is the maximum FD to try to create in the map.
	//
	// This number of open files has been seen in the wild.
	maxFD = 2 * 1024
)

func runTest(t testing.TB, fn func(fdTable *FDTable, file *SchemeFile, limitSet *limits.LimitSet)) {
	t.Helper() // Don't show in stacks.

	// Create the limits.
	limitSet := limits.NewLimitSet()
	limitSet.Set(limits.NumberOfFiles, limits.Limit{Cur: maxFD, Max: maxFD}, true)

	// Create a test file.
	file := NewSchemeFile("test", 0)

	// Create the table.
	fdTable := NewFDTable(limitSet)

	// Run the test.
	fn(fdTable, file, limitSet)
}

// TestFDTableMany allocates maxFD FDs, i.e. maxes out the FDTable, until there
// is no room, then makes sure that InsertFile works and also that if we
// remove one and add one that works too.
func TestFDTableMany(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *SchemeFile, _ *limits.LimitSet) {
		for i := 0; i < maxFD; i++ {
			if _, err := fdTable.AddFile(file); err != nil {
				t.Fatalf("Allocated %v FDs but wanted to allocate %v", i, maxFD)
			}
		}

		if _, err := fdTable.AddFile(file); !errors.Is(err, linuxerr.EMFILE) {
			t.Fatalf("fdTable.AddFile(f) in full map: got %v, wanted EMFILE", err)
		}

		prev, err := fdTable.InsertFile(1, file)
		if err != nil {
			t.Fatalf("fdTable.InsertFile(1, f): got %v, wanted nil", err)
		}
		prev.DecRef()

		i := int32(2)
		fdTable.RemoveFile(i).DecRef()
		if fd, err := fdTable.AddFile(file); err != nil || fd != i {
			t.Fatalf("fdTable.AddFile(f) after removing %d: got (%d, %v), want (%d, nil)", i, fd, err, i)
		}
	})
}

func TestFDTableOverLimit(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *SchemeFile, _ *limits.LimitSet) {
		if _, err := fdTable.InsertFile(maxFD, file); !errors.Is(err, linuxerr.EBADF) {
			t.Fatalf("fdTable.InsertFile(maxFD, f): got %v, wanted EBADF", err)
		}
		if _, err := fdTable.InsertFile(-1, file); !errors.Is(err, linuxerr.EBADF) {
			t.Fatalf("fdTable.InsertFile(-1, f): got %v, wanted EBADF", err)
		}

		if prev, err := fdTable.InsertFile(maxFD-1, file); err != nil || prev != nil {
			t.Fatalf("fdTable.InsertFile(maxFD-1, f): got (%v, %v), wanted (nil, nil)", prev, err)
		}

		if fd, err := fdTable.AddFile(file); err != nil || fd != 0 {
			t.Fatalf("Adding an FD to a sparse map: got (%d, %v), want (0, nil)", fd, err)
		}
	})
}

// TestFDTable does a set of simple tests to make sure simple adds, removes,
// GetFiles, and DecRefs work. The ordering is just weird enough that a
// table-driven approach seemed clumsy.
func TestFDTable(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *SchemeFile, limitSet *limits.LimitSet) {
		// Cap the limit at one.
		limitSet.Set(limits.NumberOfFiles, limits.Limit{Cur: 1, Max: maxFD}, true)

		if _, err := fdTable.AddFile(file); err != nil {
			t.Fatalf("Adding an FD to an empty 1-size map: got %v, want nil", err)
		}

		if _, err := fdTable.AddFile(file); err == nil {
			t.Fatalf("Adding an FD to a filled 1-size map: got nil, wanted an error")
		}

		// Remove the previous limit.
		limitSet.Set(limits.NumberOfFiles, limits.Limit{Cur: maxFD, Max: maxFD}, true)

		if fd, err := fdTable.AddFile(file); err != nil {
			t.Fatalf("Adding an FD to a resized map: got %v, want nil", err)
		} else if fd != 1 {
			t.Fatalf("Added an FD to a resized map: got %v, want 1", fd)
		}

		prev, err := fdTable.InsertFile(1, file)
		if err != nil {
			t.Fatalf("Replacing FD 1 via fdTable.InsertFile(1, f): got %v, wanted nil", err)
		}
		if prev != File(file) {
			t.Fatalf("Replacing FD 1: got previous file %v, wanted %v", prev, file)
		}
		prev.DecRef()

		if ref := fdTable.GetFile(1); ref == nil {
			t.Fatalf("fdTable.GetFile(1): got nil, wanted %v", file)
		} else {
			ref.DecRef()
		}

		if ref := fdTable.GetFile(2); ref != nil {
			t.Fatalf("fdTable.GetFile(2): got a %v, wanted nil", ref)
		}

		ref := fdTable.RemoveFile(1)
		if ref == nil {
			t.Fatalf("fdTable.RemoveFile(1) for an existing FD: failed, want success")
		}
		ref.DecRef()

		if ref := fdTable.RemoveFile(1); ref != nil {
			t.Fatalf("fdTable.RemoveFile(1) for a removed FD: got success, want failure")
		}

		if got, want := fdTable.GetFDs(), []int32{0}; !cmp.Equal(got, want) {
			t.Fatalf("fdTable.GetFDs(): got %v, want %v", got, want)
		}
	})
}

func TestFDTableReferences(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *SchemeFile, _ *limits.LimitSet) {
		for i := 0; i < 3; i++ {
			if _, err := fdTable.AddFile(file); err != nil {
				t.Fatalf("fdTable.AddFile(f): %v", err)
			}
		}
		if got, want := file.ReadRefs(), int64(4); got != want {
			t.Fatalf("refs after 3 adds: got %d, want %d", got, want)
		}

		fork := fdTable.Fork()
		if got, want := file.ReadRefs(), int64(7); got != want {
			t.Fatalf("refs after Fork: got %d, want %d", got, want)
		}
		if diff := cmp.Diff(fdTable.GetFDs(), fork.GetFDs()); diff != "" {
			t.Errorf("forked table descriptors mismatch (-parent +fork):\n%s", diff)
		}

		fork.RemoveFile(0).DecRef()
		ref := fdTable.GetFile(0)
		if ref == nil {
			t.Fatalf("removing from the fork removed from the parent")
		}
		ref.DecRef()

		fork.DecRef()
		fdTable.DecRef()
		if file.Closed() {
			t.Fatalf("file closed while the test still holds a reference")
		}
		if got, want := file.ReadRefs(), int64(1); got != want {
			t.Fatalf("refs after dropping both tables: got %d, want %d", got, want)
		}
		file.DecRef()
		if !file.Closed() {
			t.Fatalf("file not closed after its last reference was dropped")
		}
	})
}

func BenchmarkFDLookupAndDecRef(b *testing.B) {
	b.StopTimer() // Setup.

	runTest(b, func(fdTable *FDTable, file *SchemeFile, _ *limits.LimitSet) {
		var fds []int32
		for i := 0; i < 5; i++ {
			fd, err := fdTable.AddFile(file)
			if err != nil {
				b.Fatalf("fdTable.AddFile: got %v, wanted nil", err)
			}
			fds = append(fds, fd)
		}

		b.StartTimer() // Benchmark.
		for i := 0; i < b.N; i++ {
			tf := fdTable.GetFile(fds[i%len(fds)])
			tf.DecRef()
		}
	})
}

func BenchmarkFDLookupAndDecRefConcurrent(b *testing.B) {
	b.StopTimer() // Setup.

	runTest(b, func(fdTable *FDTable, file *SchemeFile, _ *limits.LimitSet) {
		var fds []int32
		for i := 0; i < 5; i++ {
			fd, err := fdTable.AddFile(file)
			if err != nil {
				b.Fatalf("fdTable.AddFile: got %v, wanted nil", err)
			}
			fds = append(fds, fd)
		}

		concurrency := runtime.GOMAXPROCS(0)
		if concurrency < 4 {
			concurrency = 4
		}
		each := b.N / concurrency

		b.StartTimer() // Benchmark.
		var wg sync.WaitGroup
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < each; i++ {
					tf := fdTable.GetFile(fds[i%len(fds)])
					tf.DecRef()
				}
			}()
		}
		wg.Wait()
	})
}
