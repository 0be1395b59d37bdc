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

// Package mm provides a process's view of memory: its page tables, its
// private pages and the set of shared memory attachments mapped into it.
//
// Lock order:
//
//	shm.Registry.mu
//		MemoryManager.mu
package mm

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/tinyvisor/shmsys/pkg/abi/linux"
	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/log"
	"github.com/tinyvisor/shmsys/pkg/ring0/pagetables"
	"github.com/tinyvisor/shmsys/pkg/sentry/pgalloc"
)

// DefaultAttachSlots is the default number of attachment slots per process.
const DefaultAttachSlots = linux.SHMSEG

// Layout describes the part of the address space in which shared regions
// may be attached: [HeapLimit, KernBase). Addresses below HeapLimit hold
// the process's private memory.
type Layout struct {
	HeapLimit hostarch.Addr
	KernBase  hostarch.Addr
}

// DefaultLayout returns the default address space layout.
func DefaultLayout() Layout {
	return Layout{
		HeapLimit: linux.HEAPLIMIT,
		KernBase:  linux.KERNBASE,
	}
}

// Options configures a MemoryManager.
type Options struct {
	// AttachSlots is the capacity of the attachment set. If zero,
	// DefaultAttachSlots is used.
	AttachSlots int

	// Layout is the address space layout. If zero, DefaultLayout is used.
	Layout Layout
}

// privatePage is a frame owned by a single process.
type privatePage struct {
	addr hostarch.Addr
	pa   pgalloc.PhysAddr
}

// MemoryManager implements a process's address space.
type MemoryManager struct {
	// mf provides frames for page tables and private memory. Immutable.
	mf *pgalloc.MemoryFile

	// opts is the configuration mm was created with. Immutable.
	opts Options

	// mu protects the fields below.
	mu sync.Mutex

	// pt holds every mapping of the process.
	pt *pagetables.PageTables

	// slots is the fixed-capacity attachment set. Free slots have ID
	// FreeID. The slice is never resized, so pointers into it are stable.
	slots []Attachment

	// index orders the occupied slots by address.
	index *btree.BTreeG[*Attachment]

	// private lists frames owned by this process, in mapping order.
	private []privatePage

	// released is set by Release.
	released bool
}

func attachmentLess(a, b *Attachment) bool {
	return a.Addr < b.Addr
}

// NewMemoryManager returns a MemoryManager with empty page tables and no
// attachments.
func NewMemoryManager(mf *pgalloc.MemoryFile, opts Options) (*MemoryManager, error) {
	if opts.AttachSlots == 0 {
		opts.AttachSlots = DefaultAttachSlots
	}
	if opts.Layout == (Layout{}) {
		opts.Layout = DefaultLayout()
	}
	if opts.AttachSlots < 0 {
		return nil, fmt.Errorf("invalid attachment slot count %d", opts.AttachSlots)
	}
	l := opts.Layout
	if !l.HeapLimit.IsPageAligned() || !l.KernBase.IsPageAligned() || l.HeapLimit >= l.KernBase || l.KernBase > pagetables.MaxAddr {
		return nil, fmt.Errorf("invalid layout [%v, %v)", l.HeapLimit, l.KernBase)
	}
	pt, err := pagetables.New(mf)
	if err != nil {
		return nil, err
	}
	mm := &MemoryManager{
		mf:    mf,
		opts:  opts,
		pt:    pt,
		slots: make([]Attachment, opts.AttachSlots),
		index: btree.NewG(8, attachmentLess),
	}
	for i := range mm.slots {
		mm.slots[i] = freeAttachment
	}
	return mm, nil
}

// Layout returns mm's address space layout.
func (mm *MemoryManager) Layout() Layout {
	return mm.opts.Layout
}

// Lock locks mm's attachment state. Callers that read or modify attachments
// with the *Locked methods must hold it.
func (mm *MemoryManager) Lock() {
	mm.mu.Lock()
}

// Unlock unlocks mm's attachment state.
func (mm *MemoryManager) Unlock() {
	mm.mu.Unlock()
}

// MapPrivate allocates zeroed frames owned by mm and maps them read-write at
// ar. ar must be page-aligned, non-empty and lie in (0, HeapLimit).
func (mm *MemoryManager) MapPrivate(ar hostarch.AddrRange) error {
	if !ar.IsPageAligned() || ar.Start == 0 || ar.Start >= ar.End || ar.End > mm.opts.Layout.HeapLimit {
		return linuxerr.EINVAL
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		if _, _, ok := mm.pt.Lookup(addr); ok {
			return linuxerr.EEXIST
		}
	}
	n := len(mm.private)
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		if err := mm.mapPrivatePageLocked(addr, nil); err != nil {
			mm.unmapPrivateFromLocked(n)
			return err
		}
	}
	return nil
}

// mapPrivatePageLocked maps a new private frame at addr, filled from src if
// src is not nil.
//
// Precondition: mm.mu must be locked.
func (mm *MemoryManager) mapPrivatePageLocked(addr hostarch.Addr, src []byte) error {
	pa, err := mm.mf.Allocate()
	if err != nil {
		return err
	}
	if src != nil {
		copy(mm.mf.Bytes(pa), src)
	}
	if err := mm.pt.Map(addr, pagetables.MapOpts{AccessType: hostarch.ReadWrite, User: true}, pa); err != nil {
		mm.mf.Free(pa)
		return err
	}
	mm.private = append(mm.private, privatePage{addr: addr, pa: pa})
	return nil
}

// unmapPrivateFromLocked unmaps and frees private pages from index n on.
//
// Precondition: mm.mu must be locked.
func (mm *MemoryManager) unmapPrivateFromLocked(n int) {
	for _, p := range mm.private[n:] {
		if _, err := mm.pt.Unmap(p.addr); err != nil {
			panic(fmt.Sprintf("private page %v not mapped", p.addr))
		}
		mm.mf.Free(p.pa)
	}
	mm.private = mm.private[:n]
}

// Fork returns a new MemoryManager with copies of mm's private pages.
// Attachments are not copied; the shm registry re-attaches them.
func (mm *MemoryManager) Fork() (*MemoryManager, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	child, err := NewMemoryManager(mm.mf, mm.opts)
	if err != nil {
		return nil, err
	}
	for _, p := range mm.private {
		if err := child.mapPrivatePageLocked(p.addr, mm.mf.Bytes(p.pa)); err != nil {
			child.Release()
			return nil, err
		}
	}
	return child, nil
}

// Release frees mm's private pages and page tables. Every attachment must
// have been detached first. mm must not be used afterward.
func (mm *MemoryManager) Release() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.released {
		return
	}
	if n := mm.index.Len(); n != 0 {
		panic(fmt.Sprintf("MemoryManager released with %d live attachments", n))
	}
	mm.unmapPrivateFromLocked(0)
	mm.pt.Release()
	mm.released = true
	log.Debugf("Released address space")
}
