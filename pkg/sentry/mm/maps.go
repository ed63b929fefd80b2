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

package mm

import (
	"bytes"
	"fmt"
	"strings"
)

// Maps returns a description of mm's regions in the format of
// /proc/[pid]/maps, one line per region.
func (mm *MemoryManager) Maps() string {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var b bytes.Buffer
	mm.regions.Ascend(func(v *vma) bool {
		b.Write(mm.vmaMapsEntryLocked(v))
		return true
	})
	return b.String()
}

// vmaMapsEntryLocked returns a maps entry for v, including the trailing
// newline.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) vmaMapsEntryLocked(v *vma) []byte {
	private := "p"
	if !v.private() {
		private = "s"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%08x-%08x %s%s %-6s ", uint64(v.Range.Start), uint64(v.Range.End), v.Perms, private, v.Kind)

	s := v.Hint
	if s == "" && v.Demand {
		s = "[demand]"
	}
	if s != "" {
		// Per linux, we pad until the 74th character.
		if pad := 73 - b.Len(); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(s)
	}
	b.WriteString("\n")
	return b.Bytes()
}
