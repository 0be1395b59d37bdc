// Copyright 2025 The gVisor Authors.
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
	"fmt"

	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/log"
	"github.com/tinyvisor/shmsys/pkg/ring0/pagetables"
	"github.com/tinyvisor/shmsys/pkg/sentry/pgalloc"
)

// FreeID marks an unused attachment slot.
const FreeID = -1

// Attachment records one shared region mapped into a process.
type Attachment struct {
	// ID is the region id, or FreeID if the slot is unused.
	ID int32

	// Key is the region's key at attach time.
	Key int32

	// Addr is the page-aligned start of the mapping.
	Addr hostarch.Addr

	// Pages is the number of pages mapped.
	Pages uint64

	// Perms is the access granted to the mapping.
	Perms hostarch.AccessType
}

var freeAttachment = Attachment{ID: FreeID, Key: FreeID}

// Range returns the address range covered by a.
func (a *Attachment) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: a.Addr, End: a.End()}
}

// End returns the first address after the mapping.
func (a *Attachment) End() hostarch.Addr {
	return a.Addr + hostarch.Addr(a.Pages<<hostarch.PageShift)
}

// FindAvailableLocked returns the lowest address at or above HeapLimit at
// which length bytes fit between existing attachments. It returns ENOMEM if
// the range would reach KernBase.
//
// Preconditions: mm.mu must be locked. length must be page-aligned and
// non-zero.
func (mm *MemoryManager) FindAvailableLocked(length uint64) (hostarch.Addr, error) {
	candidate := mm.opts.Layout.HeapLimit
	mm.index.Ascend(func(a *Attachment) bool {
		if end, ok := candidate.AddLength(length); ok && end <= a.Addr {
			return false
		}
		if e := a.End(); e > candidate {
			candidate = e
		}
		return true
	})
	if end, ok := candidate.AddLength(length); !ok || end >= mm.opts.Layout.KernBase {
		return 0, linuxerr.ENOMEM
	}
	return candidate, nil
}

// OverlappingLocked returns copies of the attachments intersecting ar, in
// ascending address order.
//
// Precondition: mm.mu must be locked.
func (mm *MemoryManager) OverlappingLocked(ar hostarch.AddrRange) []Attachment {
	var out []Attachment
	mm.index.AscendLessThan(&Attachment{Addr: ar.End}, func(a *Attachment) bool {
		if a.Range().Overlaps(ar) {
			out = append(out, *a)
		}
		return true
	})
	return out
}

// FindLocked returns the attachment starting exactly at addr.
//
// Precondition: mm.mu must be locked.
func (mm *MemoryManager) FindLocked(addr hostarch.Addr) (Attachment, bool) {
	a, ok := mm.index.Get(&Attachment{Addr: addr})
	if !ok {
		return Attachment{}, false
	}
	return *a, true
}

// AttachmentsLocked returns copies of all attachments in ascending address
// order.
//
// Precondition: mm.mu must be locked.
func (mm *MemoryManager) AttachmentsLocked() []Attachment {
	out := make([]Attachment, 0, mm.index.Len())
	mm.index.Ascend(func(a *Attachment) bool {
		out = append(out, *a)
		return true
	})
	return out
}

// Attachments returns copies of all attachments in ascending address order.
func (mm *MemoryManager) Attachments() []Attachment {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.AttachmentsLocked()
}

// HasFreeSlotLocked returns true if another attachment can be recorded.
//
// Precondition: mm.mu must be locked.
func (mm *MemoryManager) HasFreeSlotLocked() bool {
	return mm.index.Len() < len(mm.slots)
}

func (mm *MemoryManager) freeSlotLocked() *Attachment {
	for i := range mm.slots {
		if mm.slots[i].ID == FreeID {
			return &mm.slots[i]
		}
	}
	return nil
}

// InsertLocked maps frames at att.Addr with att.Perms and records att in a
// free slot. It returns EMFILE if every slot is in use. If a page-table
// entry cannot be installed, entries installed so far are removed and the
// error is returned.
//
// Preconditions: mm.mu must be locked. len(frames) == att.Pages. att's range
// must not overlap an existing attachment.
func (mm *MemoryManager) InsertLocked(att Attachment, frames []pgalloc.PhysAddr) error {
	if uint64(len(frames)) != att.Pages || att.ID == FreeID {
		panic(fmt.Sprintf("invalid attachment %+v with %d frames", att, len(frames)))
	}
	slot := mm.freeSlotLocked()
	if slot == nil {
		return linuxerr.EMFILE
	}
	opts := pagetables.MapOpts{AccessType: att.Perms, User: true}
	for i, pa := range frames {
		addr := att.Addr + hostarch.Addr(i)*hostarch.PageSize
		if err := mm.pt.Map(addr, opts, pa); err != nil {
			for j := 0; j < i; j++ {
				mm.pt.Unmap(att.Addr + hostarch.Addr(j)*hostarch.PageSize)
			}
			return err
		}
	}
	*slot = att
	mm.index.ReplaceOrInsert(slot)
	return nil
}

// RemoveLocked removes the attachment starting exactly at addr and unmaps
// its pages. The frames are not freed. It returns ENOENT if no attachment
// starts at addr.
//
// If some page of the attachment had no entry, the remaining pages are still
// unmapped and the slot is still cleared, but EFAULT is returned along with
// the removed attachment.
//
// Precondition: mm.mu must be locked.
func (mm *MemoryManager) RemoveLocked(addr hostarch.Addr) (Attachment, error) {
	slot, ok := mm.index.Delete(&Attachment{Addr: addr})
	if !ok {
		return Attachment{}, linuxerr.ENOENT
	}
	att := *slot
	*slot = freeAttachment
	var err error
	for i := uint64(0); i < att.Pages; i++ {
		va := att.Addr + hostarch.Addr(i<<hostarch.PageShift)
		if _, uerr := mm.pt.Unmap(va); uerr != nil {
			log.Warningf("Shared memory %d attached at %v has no mapping at %v", att.ID, att.Addr, va)
			err = linuxerr.EFAULT
		}
	}
	return att, err
}
