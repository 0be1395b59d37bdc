// Copyright 2018 Google LLC
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

// Package kernel provides the processes of a small teaching kernel: their
// address spaces, their lifecycle, and the system call entry point.
//
// Lock order (outermost locks must be taken first):
//
//	Process.mu
//	  shm.Registry.mu
//	    mm.MemoryManager.mu
package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/log"
	"github.com/tinyvisor/shmsys/pkg/sentry/kernel/shm"
	"github.com/tinyvisor/shmsys/pkg/sentry/mm"
	"github.com/tinyvisor/shmsys/pkg/sentry/pgalloc"
)

const (
	// DefaultPhysPages is enough frames to fill every shared memory
	// segment at its maximum size, plus room for page tables and private
	// memory.
	DefaultPhysPages = 2 * shm.DefaultRegions * shm.DefaultRegions

	// DefaultPrivatePages is the number of private pages mapped into each
	// new process.
	DefaultPrivatePages = 4

	// UserBase is where private memory starts. Page zero is never mapped.
	UserBase hostarch.Addr = hostarch.PageSize
)

// Config configures a Kernel. Zero fields take their defaults.
type Config struct {
	// PhysPages is the number of physical frames.
	PhysPages int

	// Regions is the shared memory segment table capacity.
	Regions int

	// AttachSlots is the number of attachments each process may hold.
	AttachSlots int

	// HeapLimit is the lowest address of the shared memory window.
	HeapLimit hostarch.Addr

	// KernBase is the first address past the shared memory window.
	KernBase hostarch.Addr

	// PrivatePages is the number of private pages mapped at UserBase in
	// each new process. It is -1 for none.
	PrivatePages int

	// Clock is the kernel clock. If nil, time.Now is used.
	Clock func() time.Time

	// Registerer receives the kernel's metrics. If nil, they are not
	// exported.
	Registerer prometheus.Registerer
}

// Kernel owns physical memory, the shared memory registry and the process
// table.
type Kernel struct {
	// mf is the physical memory arena. mf is immutable.
	mf *pgalloc.MemoryFile

	// shm is the shared memory registry. shm is immutable.
	shm *shm.Registry

	// mmOpts configures each process's address space. mmOpts is immutable.
	mmOpts mm.Options

	// private is the range of private memory in each new process. It is
	// empty if processes get no private memory. private is immutable.
	private hostarch.AddrRange

	// ctx carries the kernel and its memory file. ctx is immutable.
	ctx context.Context

	// processes maps live pids to processes.
	processes cmap.ConcurrentMap[int32, *Process]

	// lastPID is the most recently allocated pid.
	lastPID atomic.Int32
}

// New returns a Kernel configured by cfg.
func New(cfg Config) (*Kernel, error) {
	if cfg.PhysPages == 0 {
		cfg.PhysPages = DefaultPhysPages
	}
	if cfg.PrivatePages == 0 {
		cfg.PrivatePages = DefaultPrivatePages
	}
	layout := mm.DefaultLayout()
	if cfg.HeapLimit != 0 {
		layout.HeapLimit = cfg.HeapLimit
	}
	if cfg.KernBase != 0 {
		layout.KernBase = cfg.KernBase
	}

	var private hostarch.AddrRange
	if cfg.PrivatePages > 0 {
		end, ok := UserBase.AddLength(uint64(cfg.PrivatePages) << hostarch.PageShift)
		if !ok || end > layout.HeapLimit {
			return nil, fmt.Errorf("%d private pages do not fit below heap limit %v", cfg.PrivatePages, layout.HeapLimit)
		}
		private = hostarch.AddrRange{Start: UserBase, End: end}
	}

	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Pages: cfg.PhysPages})
	if err != nil {
		return nil, fmt.Errorf("creating memory file: %w", err)
	}
	k := &Kernel{
		mf: mf,
		shm: shm.NewRegistry(shm.Options{
			Regions:    cfg.Regions,
			Clock:      cfg.Clock,
			Registerer: cfg.Registerer,
		}),
		mmOpts: mm.Options{
			AttachSlots: cfg.AttachSlots,
			Layout:      layout,
		},
		private: private,
		processes: cmap.NewWithCustomShardingFunction[int32, *Process](func(pid int32) uint32 {
			return uint32(pid)
		}),
	}
	k.ctx = pgalloc.WithMemoryFile(context.WithValue(context.Background(), CtxKernel, k), mf)

	// Validate the layout once so that process creation cannot fail on it.
	m, err := mm.NewMemoryManager(mf, k.mmOpts)
	if err != nil {
		mf.Destroy()
		return nil, err
	}
	m.Release()

	log.Infof("Kernel started: %d frames, shared window [%v, %v), %d private pages per process",
		cfg.PhysPages, layout.HeapLimit, layout.KernBase, private.Pages())
	return k, nil
}

// MemoryFile returns the kernel's physical memory.
func (k *Kernel) MemoryFile() *pgalloc.MemoryFile {
	return k.mf
}

// ShmRegistry returns the kernel's shared memory registry.
func (k *Kernel) ShmRegistry() *shm.Registry {
	return k.shm
}

// SupervisorContext returns a context.Context carrying the kernel, for work
// not done on behalf of a particular process.
func (k *Kernel) SupervisorContext() context.Context {
	return k.ctx
}

// PrivateRange returns the range of private memory mapped into new processes.
func (k *Kernel) PrivateRange() hostarch.AddrRange {
	return k.private
}

// newMemoryManager returns an address space holding only private memory.
func (k *Kernel) newMemoryManager() (*mm.MemoryManager, error) {
	m, err := mm.NewMemoryManager(k.mf, k.mmOpts)
	if err != nil {
		return nil, err
	}
	if k.private.Length() != 0 {
		if err := m.MapPrivate(k.private); err != nil {
			m.Release()
			return nil, err
		}
	}
	return m, nil
}

// CreateProcess creates a process with a fresh address space and no parent.
func (k *Kernel) CreateProcess() (*Process, error) {
	m, err := k.newMemoryManager()
	if err != nil {
		return nil, err
	}
	p := &Process{k: k, pid: k.lastPID.Add(1)}
	p.mm.Store(m)
	p.ctx = context.WithValue(k.ctx, CtxProcess, p)
	k.processes.Set(p.pid, p)
	log.Debugf("Created process %d", p.pid)
	return p, nil
}

// Process returns the live process with the given pid, or nil.
func (k *Kernel) Process(pid int32) *Process {
	p, ok := k.processes.Get(pid)
	if !ok {
		return nil
	}
	return p
}

// Processes returns all live processes ordered by pid.
func (k *Kernel) Processes() []*Process {
	ps := make([]*Process, 0, k.processes.Count())
	for item := range k.processes.IterBuffered() {
		ps = append(ps, item.Val)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].pid < ps[j].pid })
	return ps
}

// Destroy exits every live process and releases physical memory. Segments
// that were never removed keep their frames until the arena is unmapped.
func (k *Kernel) Destroy() {
	for _, p := range k.Processes() {
		if err := p.Exit(); err != nil {
			log.Warningf("Exiting process %d: %v", p.pid, err)
		}
	}
	k.mf.Destroy()
}
