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
	"sync/atomic"

	"mkern.dev/mkern/pkg/refs"
)

// File is an open file description. The kernel only manages its lifetime;
// I/O is implemented by the scheme that created it.
type File interface {
	// IncRef takes a reference on the file.
	IncRef()

	// DecRef drops a reference. The file is closed when the last reference
	// is dropped.
	DecRef()
}

// SchemeFile is a file opened on a scheme: a handle number in the namespace
// of the named scheme.
type SchemeFile struct {
	refs.AtomicRefCount

	// Scheme is the name of the scheme, e.g. "debug".
	Scheme string

	// Number is the scheme-local handle.
	Number uint64

	closed atomic.Bool
}

// NewSchemeFile returns a SchemeFile with one reference.
func NewSchemeFile(scheme string, number uint64) *SchemeFile {
	return &SchemeFile{Scheme: scheme, Number: number}
}

// DecRef implements File.DecRef.
func (f *SchemeFile) DecRef() {
	f.DecRefWithDestructor(func() {
		f.closed.Store(true)
	})
}

// Closed returns true once the last reference has been dropped.
func (f *SchemeFile) Closed() bool {
	return f.closed.Load()
}

// String implements fmt.Stringer.String.
func (f *SchemeFile) String() string {
	return fmt.Sprintf("%s:%d", f.Scheme, f.Number)
}
