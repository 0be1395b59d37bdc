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

// Package pgalloc contains the physical page allocator of the simulated
// machine.
//
// A MemoryFile owns an anonymous host mapping that stands in for physical
// memory. Frames are handed out one page at a time from a free list, in the
// manner of a small kernel's kalloc, and are named by PhysAddr.
package pgalloc

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/log"
)

// PhysAddr is a simulated physical address.
type PhysAddr uint64

// String implements fmt.Stringer.String.
func (pa PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(pa))
}

// DefaultBase is the physical address of the first frame. It is non-zero so
// that the zero PhysAddr never names a frame.
const DefaultBase PhysAddr = 0x100000

// junk is written over freed frames so stale readers see garbage rather than
// old contents.
const junk = 0x01

// MemoryFile is a fixed pool of page frames.
type MemoryFile struct {
	// base is the physical address of mem[0]. Immutable.
	base PhysAddr

	// mem backs every frame. Immutable after construction except for frame
	// contents.
	mem []byte

	// mu protects the fields below.
	mu sync.Mutex

	// free is a stack of free frames.
	free []PhysAddr

	// inUse has one bit per frame, set while the frame is allocated.
	inUse []uint64

	// released is set by Destroy.
	released bool
}

// MemoryFileOpts holds options to NewMemoryFile.
type MemoryFileOpts struct {
	// Pages is the number of frames. It must be positive.
	Pages int

	// Base is the physical address of the first frame. If zero, DefaultBase
	// is used.
	Base PhysAddr
}

// NewMemoryFile creates a MemoryFile with opts.Pages frames.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.Pages <= 0 {
		return nil, fmt.Errorf("invalid frame count %d", opts.Pages)
	}
	base := opts.Base
	if base == 0 {
		base = DefaultBase
	}
	if base%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("frame base %v is not page-aligned", base)
	}
	mem, err := unix.Mmap(-1, 0, opts.Pages*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d frames: %w", opts.Pages, err)
	}
	f := &MemoryFile{
		base:  base,
		mem:   mem,
		free:  make([]PhysAddr, 0, opts.Pages),
		inUse: make([]uint64, (opts.Pages+63)/64),
	}
	// Push in descending order so the lowest frame is handed out first.
	for i := opts.Pages - 1; i >= 0; i-- {
		f.free = append(f.free, base+PhysAddr(i*hostarch.PageSize))
	}
	log.Debugf("Physical memory: %d frames at [%v, %v)", opts.Pages, base, base+PhysAddr(len(mem)))
	return f, nil
}

// index returns the frame number of pa, panicking if pa does not name a
// frame of f.
func (f *MemoryFile) index(pa PhysAddr) int {
	if pa < f.base || pa%hostarch.PageSize != 0 || uint64(pa-f.base) >= uint64(len(f.mem)) {
		panic(fmt.Sprintf("physical address %v is not a frame of [%v, %v)", pa, f.base, f.base+PhysAddr(len(f.mem))))
	}
	return int((pa - f.base) >> hostarch.PageShift)
}

// Allocate returns a zeroed frame. It returns ENOMEM if no frame is free.
func (f *MemoryFile) Allocate() (PhysAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		panic("Allocate from a destroyed MemoryFile")
	}
	n := len(f.free)
	if n == 0 {
		return 0, linuxerr.ENOMEM
	}
	pa := f.free[n-1]
	f.free = f.free[:n-1]
	i := f.index(pa)
	f.inUse[i/64] |= 1 << (i % 64)
	clear(f.frame(i))
	return pa, nil
}

// Free returns pa to the pool. Freeing a frame that is not allocated panics.
func (f *MemoryFile) Free(pa PhysAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.index(pa)
	if f.inUse[i/64]&(1<<(i%64)) == 0 {
		panic(fmt.Sprintf("double free of frame %v", pa))
	}
	f.inUse[i/64] &^= 1 << (i % 64)
	fr := f.frame(i)
	for j := range fr {
		fr[j] = junk
	}
	f.free = append(f.free, pa)
}

func (f *MemoryFile) frame(i int) []byte {
	off := i * hostarch.PageSize
	return f.mem[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Bytes returns the contents of the allocated frame pa. The slice aliases
// the frame and is valid until the frame is freed.
func (f *MemoryFile) Bytes(pa PhysAddr) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.index(pa)
	if f.inUse[i/64]&(1<<(i%64)) == 0 {
		panic(fmt.Sprintf("access to free frame %v", pa))
	}
	return f.frame(i)
}

// FreePages returns the number of free frames.
func (f *MemoryFile) FreePages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.free)
}

// TotalPages returns the number of frames in f.
func (f *MemoryFile) TotalPages() int {
	return len(f.mem) / hostarch.PageSize
}

// Destroy releases the host mapping backing f. f must not be used afterward.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return
	}
	f.released = true
	if err := unix.Munmap(f.mem); err != nil {
		log.Warningf("Failed to unmap physical memory: %v", err)
	}
	f.mem = nil
}
