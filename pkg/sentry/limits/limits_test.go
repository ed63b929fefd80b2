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

package limits

import (
	"math"
	"testing"

	"mkern.dev/mkern/pkg/errors/linuxerr"
)

func TestSet(t *testing.T) {
	testCases := []struct {
		limit       Limit
		privileged  bool
		expectedErr error
	}{
		{limit: Limit{Cur: 50, Max: 50}, privileged: false, expectedErr: nil},
		{limit: Limit{Cur: 20, Max: 50}, privileged: false, expectedErr: nil},
		{limit: Limit{Cur: 20, Max: 60}, privileged: false, expectedErr: linuxerr.EPERM},
		{limit: Limit{Cur: 60, Max: 50}, privileged: false, expectedErr: linuxerr.EINVAL},
		{limit: Limit{Cur: 11, Max: 10}, privileged: false, expectedErr: linuxerr.EINVAL},
		{limit: Limit{Cur: 20, Max: 60}, privileged: true, expectedErr: nil},
	}

	ls := NewLimitSet()
	for _, tc := range testCases {
		if _, err := ls.Set(1, tc.limit, tc.privileged); err != tc.expectedErr {
			t.Fatalf("Tried to set Limit to %+v and privilege %t: got %v, wanted %v", tc.limit, tc.privileged, err, tc.expectedErr)
		}
	}
}

func TestGetDefaultsToInfinity(t *testing.T) {
	ls := NewLimitSet()
	if got := ls.Get(NumberOfFiles); got.Cur != Infinity || got.Max != Infinity {
		t.Errorf("Get on empty set: got %+v, want infinite", got)
	}
	if got := ls.GetCapped(NumberOfFiles, 64); got != 64 {
		t.Errorf("GetCapped: got %d, want 64", got)
	}
	ls.SetUnchecked(NumberOfFiles, Limit{Cur: 8, Max: 8})
	if got := ls.GetCapped(NumberOfFiles, 64); got != 8 {
		t.Errorf("GetCapped: got %d, want 8", got)
	}
}

func TestGetCopy(t *testing.T) {
	ls := NewLinuxLimitSet()
	c := ls.GetCopy()
	c.SetUnchecked(NumberOfFiles, Limit{Cur: 1, Max: 1})
	if got := ls.Get(NumberOfFiles).Cur; got != 1024 {
		t.Errorf("copy shares data with the original: nofile=%d", got)
	}
}

func TestHostLimitSet(t *testing.T) {
	ls, err := NewHostLimitSet()
	if err != nil {
		t.Fatalf("NewHostLimitSet: %v", err)
	}
	if got := ls.Get(NumberOfFiles); got.Cur == 0 || got.Cur > got.Max {
		t.Errorf("host nofile limit: got %+v", got)
	}
}

func TestCappedInt(t *testing.T) {
	if got := CappedInt(Infinity); got != math.MaxInt {
		t.Errorf("CappedInt(Infinity): got %d", got)
	}
	if got := CappedInt(7); got != 7 {
		t.Errorf("CappedInt(7): got %d", got)
	}
}
