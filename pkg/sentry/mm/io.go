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
	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
)

// CopyOut copies src to the process's memory at addr. It returns the number
// of bytes copied, and EFAULT if some byte of the range is unmapped or not
// writable. Bytes before the faulting page are still copied.
func (mm *MemoryManager) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	done := 0
	for done < len(src) {
		va := addr + hostarch.Addr(done)
		pa, opts, ok := mm.pt.Lookup(va)
		if !ok || !opts.AccessType.Write {
			return done, linuxerr.EFAULT
		}
		page := mm.mf.Bytes(pa)
		done += copy(page[va.PageOffset():], src[done:])
	}
	return done, nil
}

// CopyIn copies from the process's memory at addr into dst. It returns the
// number of bytes copied, and EFAULT if some byte of the range is unmapped.
func (mm *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	done := 0
	for done < len(dst) {
		va := addr + hostarch.Addr(done)
		pa, _, ok := mm.pt.Lookup(va)
		if !ok {
			return done, linuxerr.EFAULT
		}
		page := mm.mf.Bytes(pa)
		done += copy(dst[done:], page[va.PageOffset():])
	}
	return done, nil
}

// Translate returns the frame mapped at addr and the access it permits.
func (mm *MemoryManager) Translate(addr hostarch.Addr) (pa uint64, at hostarch.AccessType, ok bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	phys, opts, ok := mm.pt.Lookup(addr)
	if !ok {
		return 0, hostarch.NoAccess, false
	}
	return uint64(phys) + addr.PageOffset(), opts.AccessType, true
}
