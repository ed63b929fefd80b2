// Copyright 2020 The gVisor Authors.
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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// rollback records the order in which cleaners ran.
type rollback struct {
	ran []string
}

func (r *rollback) step(name string) func() {
	return func() { r.ran = append(r.ran, name) }
}

func TestCleanRunsInReverse(t *testing.T) {
	var r rollback
	func() {
		cu := Make(r.step("table"))
		defer cu.Clean()
		cu.Add(r.step("frame"))
		cu.Add(r.step("mapping"))
	}()
	if diff := cmp.Diff([]string{"mapping", "frame", "table"}, r.ran); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	var r rollback
	var undo func()
	func() {
		cu := Make(r.step("table"))
		defer cu.Clean()
		cu.Add(r.step("frame"))
		undo = cu.Release()
	}()
	if len(r.ran) != 0 {
		t.Fatalf("cleanup ran after Release: %v", r.ran)
	}

	undo()
	if diff := cmp.Diff([]string{"frame", "table"}, r.ran); diff != "" {
		t.Errorf("released cleanup mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanTwice(t *testing.T) {
	var r rollback
	cu := Make(r.step("once"))
	cu.Clean()
	cu.Clean()
	if len(r.ran) != 1 {
		t.Errorf("cleaner ran %d times, want 1", len(r.ran))
	}
}
