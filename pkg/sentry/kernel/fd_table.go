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
	"bytes"
	"fmt"
	"math"
	"sync/atomic"

	"mkern.dev/mkern/pkg/errors/linuxerr"
	"mkern.dev/mkern/pkg/refs"
	"mkern.dev/mkern/pkg/sentry/limits"
	"mkern.dev/mkern/pkg/sync"
)

// FDTable is used to manage File references.
//
// An FDTable is shared by contexts cloned with CloneFiles; it is released
// when its last reference is dropped.
type FDTable struct {
	refs.AtomicRefCount

	// limits bounds the descriptor numbers. Immutable.
	limits *limits.LimitSet

	// mu protects below.
	mu sync.Mutex

	// used contains the number of non-nil entries. It must be accessed
	// atomically. It may be read atomically without holding mu (but not
	// written).
	used atomic.Int32

	// files is indexed by descriptor. Holes are nil and reusable.
	files []File
}

// NewFDTable allocates a new, empty FDTable. Descriptors are bounded by the
// NumberOfFiles limit in ls.
func NewFDTable(ls *limits.LimitSet) *FDTable {
	return &FDTable{limits: ls}
}

// end returns the first descriptor beyond the limit.
func (f *FDTable) end() int32 {
	lim := f.limits.Get(limits.NumberOfFiles).Cur
	if lim == limits.Infinity || lim > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(lim)
}

// get returns the file at fd. Precondition: f.mu must be locked.
func (f *FDTable) get(fd int32) File {
	if fd < 0 || int(fd) >= len(f.files) {
		return nil
	}
	return f.files[fd]
}

// set installs file at fd, taking a table reference on file, and returns the
// previous occupant with the table's reference still held.
//
// Precondition: f.mu must be locked.
func (f *FDTable) set(fd int32, file File) File {
	if int(fd) >= len(f.files) {
		if file == nil {
			return nil
		}
		files := make([]File, fd+1, max(int(fd)+1, 2*len(f.files)))
		copy(files, f.files)
		f.files = files
	}
	orig := f.files[fd]
	f.files[fd] = file
	if file != nil {
		file.IncRef()
	}
	switch {
	case orig == nil && file != nil:
		f.used.Add(1)
	case orig != nil && file == nil:
		f.used.Add(-1)
	}
	return orig
}

// destroy removes all of the file descriptors from the table.
func (f *FDTable) destroy() {
	f.mu.Lock()
	files := f.files
	f.files = nil
	f.used.Store(0)
	f.mu.Unlock()
	for _, file := range files {
		if file != nil {
			file.DecRef()
		}
	}
}

// DecRef implements RefCounter.DecRef with destructor f.destroy.
func (f *FDTable) DecRef() {
	f.DecRefWithDestructor(f.destroy)
}

// Size returns the number of open descriptors.
func (f *FDTable) Size() int {
	return int(f.used.Load())
}

// AddFile installs file in the lowest free descriptor and returns it. The
// table takes its own reference on file.
//
// It returns EMFILE if every descriptor allowed by the NumberOfFiles limit
// is in use.
func (f *FDTable) AddFile(file File) (int32, error) {
	end := f.end()

	f.mu.Lock()
	defer f.mu.Unlock()

	for fd := int32(0); fd < end; fd++ {
		if f.get(fd) == nil {
			f.set(fd, file)
			return fd, nil
		}
	}
	return -1, linuxerr.EMFILE
}

// InsertFile installs file at fd, as for dup2(2). If fd was already in use,
// the previous file is returned and the caller inherits the table's
// reference on it.
//
// It returns EBADF if fd is negative or beyond the NumberOfFiles limit.
func (f *FDTable) InsertFile(fd int32, file File) (File, error) {
	if fd < 0 || fd >= f.end() {
		return nil, linuxerr.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set(fd, file), nil
}

// GetFile returns a reference to the file at fd, or nil if no file is
// installed there.
//
// N.B. Callers are required to use DecRef when they are done.
func (f *FDTable) GetFile(fd int32) File {
	f.mu.Lock()
	defer f.mu.Unlock()
	file := f.get(fd)
	if file != nil {
		file.IncRef()
	}
	return file
}

// RemoveFile removes fd from the table and returns its file, or nil if fd
// was not in use. Removing a descriptor twice is not an error.
//
// N.B. Callers are required to use DecRef when they are done.
func (f *FDTable) RemoveFile(fd int32) File {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.get(fd) == nil {
		return nil
	}
	return f.set(fd, nil)
}

// GetFDs returns the descriptors in use, in ascending order.
func (f *FDTable) GetFDs() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	fds := make([]int32, 0, f.used.Load())
	for fd, file := range f.files {
		if file != nil {
			fds = append(fds, int32(fd))
		}
	}
	return fds
}

// Fork returns an independent FDTable holding the same files at the same
// descriptors.
func (f *FDTable) Fork() *FDTable {
	clone := NewFDTable(f.limits)

	f.mu.Lock()
	defer f.mu.Unlock()
	for fd, file := range f.files {
		if file != nil {
			// set takes the clone's reference.
			clone.set(int32(fd), file)
		}
	}
	return clone
}

// String is a stringer for FDTable.
func (f *FDTable) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b bytes.Buffer
	for fd, file := range f.files {
		if file != nil {
			fmt.Fprintf(&b, "\tfd:%d => %v\n", fd, file)
		}
	}
	return b.String()
}
