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
	"mkern.dev/mkern/pkg/errors/linuxerr"
	"mkern.dev/mkern/pkg/hostarch"
)

// IOOpts controls the behavior of user memory I/O.
type IOOpts struct {
	// If IgnorePermissions is true, application-defined memory protections
	// set by mmap(2) or mprotect(2) will be ignored. The range must still
	// be covered by regions.
	IgnorePermissions bool
}

// checkIORangeLocked returns the range [addr, addr+length) if every byte of
// it lies in a region allowing at. Otherwise it returns EFAULT. It never
// allocates.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) checkIORangeLocked(addr hostarch.Addr, length uint64, at hostarch.AccessType, opts IOOpts) (hostarch.AddrRange, error) {
	ar, ok := addr.ToRange(length)
	if !ok || ar.End > hostarch.MaxUserAddr {
		userFaults.Increment()
		return hostarch.AddrRange{}, linuxerr.EFAULT
	}
	for next := ar.Start; next < ar.End; {
		v := mm.findLocked(next)
		if v == nil || (!opts.IgnorePermissions && !v.Perms.SupersetOf(at)) {
			userFaults.Increment()
			faultLog.Warningf("Rejected %v access to %v", at, ar)
			return hostarch.AddrRange{}, linuxerr.EFAULT
		}
		next = v.Range.End
	}
	return ar, nil
}

// withPagesLocked calls fn with the direct-map bytes of each page fragment
// of ar in order, faulting in missing pages. It returns the number of bytes
// passed to fn.
//
// Preconditions: mm.mu must be locked. ar was validated by
// checkIORangeLocked.
func (mm *MemoryManager) withPagesLocked(ar hostarch.AddrRange, at hostarch.AccessType, opts IOOpts, fn func(b []byte)) (int, error) {
	done := 0
	for addr := ar.Start; addr < ar.End; {
		page := addr.RoundDown()
		phys, _, ok := mm.pt.Translate(page)
		if !ok {
			if err := mm.handleFaultLocked(page, at, opts.IgnorePermissions); err != nil {
				return done, err
			}
			phys, _, _ = mm.pt.Translate(page)
		}
		off := addr.PageOffset()
		n := min(hostarch.PageSize-off, uint64(ar.End-addr))
		fn(mm.mf.Bytes(hostarch.FrameOf(phys))[off : off+n])
		done += int(n)
		addr += hostarch.Addr(n)
	}
	return done, nil
}

// CopyOut copies src to the user address addr. The whole range is validated
// before anything is copied.
func (mm *MemoryManager) CopyOut(addr hostarch.Addr, src []byte, opts IOOpts) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	ar, err := mm.checkIORangeLocked(addr, uint64(len(src)), hostarch.Write, opts)
	if err != nil {
		return 0, err
	}
	return mm.withPagesLocked(ar, hostarch.Write, opts, func(b []byte) {
		src = src[copy(b, src):]
	})
}

// CopyIn copies len(dst) bytes from the user address addr to dst. The whole
// range is validated before anything is copied.
func (mm *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte, opts IOOpts) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	ar, err := mm.checkIORangeLocked(addr, uint64(len(dst)), hostarch.Read, opts)
	if err != nil {
		return 0, err
	}
	return mm.withPagesLocked(ar, hostarch.Read, opts, func(b []byte) {
		dst = dst[copy(dst, b):]
	})
}

// ZeroOut zeroes toZero bytes at the user address addr.
func (mm *MemoryManager) ZeroOut(addr hostarch.Addr, toZero int64, opts IOOpts) (int64, error) {
	if toZero < 0 {
		return 0, linuxerr.EINVAL
	}
	if toZero == 0 {
		return 0, nil
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	ar, err := mm.checkIORangeLocked(addr, uint64(toZero), hostarch.Write, opts)
	if err != nil {
		return 0, err
	}
	n, err := mm.withPagesLocked(ar, hostarch.Write, opts, func(b []byte) {
		clear(b)
	})
	return int64(n), err
}
