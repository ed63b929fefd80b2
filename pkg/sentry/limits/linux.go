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
	"fmt"

	"golang.org/x/sys/unix"
)

// rlimInfinity is RLIM_INFINITY as stored in struct rlimit.
const rlimInfinity = ^uint64(0)

// FromLinuxResource maps host resources to LimitTypes.
var FromLinuxResource = map[int]LimitType{
	unix.RLIMIT_CPU:     CPU,
	unix.RLIMIT_FSIZE:   FileSize,
	unix.RLIMIT_DATA:    Data,
	unix.RLIMIT_STACK:   Stack,
	unix.RLIMIT_CORE:    Core,
	unix.RLIMIT_RSS:     Rss,
	unix.RLIMIT_NPROC:   ProcessCount,
	unix.RLIMIT_NOFILE:  NumberOfFiles,
	unix.RLIMIT_MEMLOCK: MemoryPagesLocked,
	unix.RLIMIT_AS:      AS,
}

// FromLinux maps host rlimit values to Limits, being careful to handle
// infinities.
func FromLinux(rl uint64) uint64 {
	if rl == rlimInfinity {
		return Infinity
	}
	return rl
}

// ToLinux maps Limits to host rlimit values, being careful to handle
// infinities.
func ToLinux(l uint64) uint64 {
	if l == Infinity {
		return rlimInfinity
	}
	return l
}

// NewLinuxLimitSet returns a LimitSet whose values match the default
// rlimits in Linux.
func NewLinuxLimitSet() *LimitSet {
	ls := NewLimitSet()
	for _, rlt := range FromLinuxResource {
		ls.SetUnchecked(rlt, Limit{Cur: Infinity, Max: Infinity})
	}
	// Based on the Linux 3.12.0 init_rlimits.
	ls.SetUnchecked(Stack, Limit{Cur: 8 * 1024 * 1024, Max: Infinity})
	ls.SetUnchecked(Core, Limit{Cur: 0, Max: Infinity})
	ls.SetUnchecked(NumberOfFiles, Limit{Cur: 1024, Max: 4096})
	ls.SetUnchecked(MemoryPagesLocked, Limit{Cur: 64 * 1024, Max: 64 * 1024})
	return ls
}

// NewHostLimitSet returns a LimitSet populated from the host process's
// rlimits.
func NewHostLimitSet() (*LimitSet, error) {
	ls := NewLimitSet()
	for res, rlt := range FromLinuxResource {
		var rl unix.Rlimit
		if err := unix.Getrlimit(res, &rl); err != nil {
			return nil, fmt.Errorf("getrlimit(%v): %w", rlt, err)
		}
		ls.SetUnchecked(rlt, Limit{Cur: FromLinux(rl.Cur), Max: FromLinux(rl.Max)})
	}
	return ls, nil
}
