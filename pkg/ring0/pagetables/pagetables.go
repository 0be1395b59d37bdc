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

// Package pagetables provides a simulated two-level x86 page table.
//
// The directory and every page-table page live in frames of the physical
// allocator, and entries are stored in those frames in the hardware layout:
// a 32-bit word holding the frame address and the low flag bits.
package pagetables

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/sentry/pgalloc"
)

// Page table entry flags.
const (
	present  = 0x001
	writable = 0x002
	user     = 0x004

	flagsMask = hostarch.PageSize - 1
)

const (
	pdxShift   = 22
	ptxShift   = hostarch.PageShift
	entries    = 1024
	entrySize  = 4
	entryMask  = entries - 1
	tableBytes = entries * entrySize

	// MaxAddr is the end of the addressable range.
	MaxAddr = hostarch.Addr(1) << 32
)

// Allocator supplies the frames holding page-table pages.
type Allocator interface {
	// Allocate returns a zeroed frame.
	Allocate() (pgalloc.PhysAddr, error)

	// Free releases a frame returned by Allocate.
	Free(pgalloc.PhysAddr)

	// Bytes returns the contents of an allocated frame.
	Bytes(pgalloc.PhysAddr) []byte
}

// MapOpts are options for a mapping.
type MapOpts struct {
	// AccessType defines permissions. Read is implied by every entry, so
	// only Write is recorded.
	AccessType hostarch.AccessType

	// User indicates the page is user-accessible.
	User bool
}

// PageTables is a two-level page table.
//
// PageTables is not safe for concurrent use. The owning MemoryManager
// serializes access.
type PageTables struct {
	alloc Allocator

	// root is the page directory frame.
	root pgalloc.PhysAddr
}

// New returns new PageTables with an empty directory.
func New(a Allocator) (*PageTables, error) {
	root, err := a.Allocate()
	if err != nil {
		return nil, err
	}
	return &PageTables{alloc: a, root: root}, nil
}

func pdx(addr hostarch.Addr) int {
	return int(addr>>pdxShift) & entryMask
}

func ptx(addr hostarch.Addr) int {
	return int(addr>>ptxShift) & entryMask
}

func readEntry(table []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(table[i*entrySize:])
}

func writeEntry(table []byte, i int, e uint32) {
	binary.LittleEndian.PutUint32(table[i*entrySize:], e)
}

func checkAddr(addr hostarch.Addr) {
	if !addr.IsPageAligned() || addr >= MaxAddr {
		panic(fmt.Sprintf("invalid page address %v", addr))
	}
}

// walk returns the page-table page covering addr and the index of addr's
// entry in it. If the page-table page does not exist and alloc is set, it is
// allocated; otherwise walk returns a nil table.
func (p *PageTables) walk(addr hostarch.Addr, alloc bool) ([]byte, int, error) {
	dir := p.alloc.Bytes(p.root)[:tableBytes]
	pde := readEntry(dir, pdx(addr))
	if pde&present == 0 {
		if !alloc {
			return nil, 0, nil
		}
		pt, err := p.alloc.Allocate()
		if err != nil {
			return nil, 0, err
		}
		// Permissions are enforced at the leaf, so directory entries are
		// as permissive as possible.
		pde = uint32(pt) | present | writable | user
		writeEntry(dir, pdx(addr), pde)
	}
	table := p.alloc.Bytes(pgalloc.PhysAddr(pde &^ flagsMask))[:tableBytes]
	return table, ptx(addr), nil
}

// Map installs a mapping of the page at addr to the frame physical.
//
// Mapping over a present entry is a kernel bug and panics. Map returns
// ENOMEM if a page-table page is needed and none can be allocated.
func (p *PageTables) Map(addr hostarch.Addr, opts MapOpts, physical pgalloc.PhysAddr) error {
	checkAddr(addr)
	if physical == 0 || physical%hostarch.PageSize != 0 || uint64(physical) >= uint64(MaxAddr) {
		panic(fmt.Sprintf("invalid frame %v for %v", physical, addr))
	}
	table, i, err := p.walk(addr, true)
	if err != nil {
		return err
	}
	if readEntry(table, i)&present != 0 {
		panic("remap")
	}
	e := uint32(physical) | present
	if opts.AccessType.Write {
		e |= writable
	}
	if opts.User {
		e |= user
	}
	writeEntry(table, i, e)
	return nil
}

// Unmap clears the entry for the page at addr and returns the frame it
// mapped. It returns EFAULT if no entry is present.
func (p *PageTables) Unmap(addr hostarch.Addr) (pgalloc.PhysAddr, error) {
	checkAddr(addr)
	table, i, _ := p.walk(addr, false)
	if table == nil {
		return 0, linuxerr.EFAULT
	}
	e := readEntry(table, i)
	if e&present == 0 {
		return 0, linuxerr.EFAULT
	}
	writeEntry(table, i, 0)
	return pgalloc.PhysAddr(e &^ flagsMask), nil
}

// Lookup returns the frame and options mapped at the page containing addr.
// ok is false if there is no mapping.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical pgalloc.PhysAddr, opts MapOpts, ok bool) {
	if addr >= MaxAddr {
		return 0, MapOpts{}, false
	}
	table, i, _ := p.walk(addr.RoundDown(), false)
	if table == nil {
		return 0, MapOpts{}, false
	}
	e := readEntry(table, i)
	if e&present == 0 {
		return 0, MapOpts{}, false
	}
	return pgalloc.PhysAddr(e &^ flagsMask), entryOpts(e), true
}

func entryOpts(e uint32) MapOpts {
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:  true,
			Write: e&writable != 0,
		},
		User: e&user != 0,
	}
}

// Walk calls fn for every present entry in ascending address order.
func (p *PageTables) Walk(fn func(addr hostarch.Addr, physical pgalloc.PhysAddr, opts MapOpts)) {
	dir := p.alloc.Bytes(p.root)[:tableBytes]
	for d := 0; d < entries; d++ {
		pde := readEntry(dir, d)
		if pde&present == 0 {
			continue
		}
		table := p.alloc.Bytes(pgalloc.PhysAddr(pde &^ flagsMask))[:tableBytes]
		for t := 0; t < entries; t++ {
			e := readEntry(table, t)
			if e&present == 0 {
				continue
			}
			addr := hostarch.Addr(d)<<pdxShift | hostarch.Addr(t)<<ptxShift
			fn(addr, pgalloc.PhysAddr(e&^flagsMask), entryOpts(e))
		}
	}
}

// Release frees the directory and every page-table page. Frames referenced by
// leaf entries are not freed. p must not be used afterward.
func (p *PageTables) Release() {
	if p.root == 0 {
		return
	}
	dir := p.alloc.Bytes(p.root)[:tableBytes]
	for d := 0; d < entries; d++ {
		if pde := readEntry(dir, d); pde&present != 0 {
			p.alloc.Free(pgalloc.PhysAddr(pde &^ flagsMask))
		}
	}
	p.alloc.Free(p.root)
	p.root = 0
}
