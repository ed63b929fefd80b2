// Copyright 2024 The gVisor Authors.
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

package hostarch

import (
	"testing"
)

func TestRounding(t *testing.T) {
	for _, tc := range []struct {
		addr     Addr
		down, up Addr
	}{
		{addr: 0, down: 0, up: 0},
		{addr: 1, down: 0, up: PageSize},
		{addr: PageSize, down: PageSize, up: PageSize},
		{addr: PageSize + 17, down: PageSize, up: 2 * PageSize},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown(): got %v, want %v", tc.addr, got, tc.down)
		}
		if got, ok := tc.addr.RoundUp(); !ok || got != tc.up {
			t.Errorf("%v.RoundUp(): got (%v, %t), want (%v, true)", tc.addr, got, ok, tc.up)
		}
	}
	if _, ok := (^Addr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address should wrap")
	}
}

func TestAddrRange(t *testing.T) {
	a := AddrRange{0x1000, 0x3000}
	for _, tc := range []struct {
		other AddrRange
		want  bool
	}{
		{AddrRange{0x0, 0x1000}, false},
		{AddrRange{0x0, 0x1001}, true},
		{AddrRange{0x2000, 0x2000 + PageSize}, true},
		{AddrRange{0x3000, 0x4000}, false},
		{AddrRange{0x0, 0x10000}, true},
	} {
		if got := a.Overlaps(tc.other); got != tc.want {
			t.Errorf("%v.Overlaps(%v): got %t, want %t", a, tc.other, got, tc.want)
		}
	}
	if got := a.Pages(); got != 2 {
		t.Errorf("%v.Pages(): got %d, want 2", a, got)
	}
	if _, ok := Addr(^uintptr(0) - 1).ToRange(PageSize); ok {
		t.Errorf("ToRange should report overflow")
	}
}

func TestAccessType(t *testing.T) {
	if got := ReadWrite.String(); got != "rw-" {
		t.Errorf("ReadWrite.String(): got %q, want %q", got, "rw-")
	}
	if !AnyAccess.SupersetOf(ReadWrite) {
		t.Errorf("rwx should be a superset of rw-")
	}
	if Read.SupersetOf(Write) {
		t.Errorf("r-- should not be a superset of -w-")
	}
}

func TestFrame(t *testing.T) {
	f := FrameOf(0x5123)
	if f != 5 {
		t.Errorf("FrameOf(0x5123): got %d, want 5", f)
	}
	if got := f.Addr(); got != 0x5000 {
		t.Errorf("Frame(5).Addr(): got %v, want 0x5000", got)
	}
	r := FrameRangeOf(0x100000, 0x1001)
	if r.Start != 0x100 || r.End != 0x102 {
		t.Errorf("FrameRangeOf: got %+v, want [0x100, 0x102)", r)
	}
}
