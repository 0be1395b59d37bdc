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

package kernel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/log"
	"github.com/tinyvisor/shmsys/pkg/sentry/mm"
)

// Process is a single-threaded user process. It implements shm.Process.
//
// A process's system calls, Fork, Exec and Exit must not run concurrently
// with each other; distinct processes may run concurrently.
type Process struct {
	// k is the owning kernel. k is immutable.
	k *Kernel

	// pid is the process id. pid is immutable.
	pid int32

	// ppid is the parent's pid, or 0. ppid is immutable.
	ppid int32

	// ctx carries k and the process. ctx is immutable.
	ctx context.Context

	// mm is the current address space. It is replaced by Exec.
	mm atomic.Pointer[mm.MemoryManager]

	// mu serializes Fork, Exec and Exit.
	mu sync.Mutex

	// exited is set by Exit. exited is protected by mu.
	exited bool
}

// PID returns the process id.
func (p *Process) PID() int32 {
	return p.pid
}

// PPID returns the parent's process id, or 0 for a process created by the
// kernel.
func (p *Process) PPID() int32 {
	return p.ppid
}

// Kernel returns the kernel p runs in.
func (p *Process) Kernel() *Kernel {
	return p.k
}

// MemoryManager returns p's address space.
func (p *Process) MemoryManager() *mm.MemoryManager {
	return p.mm.Load()
}

// Context returns a context.Context carrying p and its kernel.
func (p *Process) Context() context.Context {
	return p.ctx
}

// Exited returns true once p has exited.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// CopyInBytes copies len(dst) bytes from p's memory at addr.
func (p *Process) CopyInBytes(addr hostarch.Addr, dst []byte) (int, error) {
	return p.MemoryManager().CopyIn(addr, dst)
}

// CopyOutBytes copies src into p's memory at addr.
func (p *Process) CopyOutBytes(addr hostarch.Addr, src []byte) (int, error) {
	return p.MemoryManager().CopyOut(addr, src)
}

// Fork creates a child of p. The child gets a copy of p's private memory
// and shares every segment p has attached, at the same addresses and with
// the same access.
func (p *Process) Fork() (*Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil, linuxerr.ESRCH
	}

	cm, err := p.MemoryManager().Fork()
	if err != nil {
		return nil, err
	}
	child := &Process{k: p.k, pid: p.k.lastPID.Add(1), ppid: p.pid}
	child.mm.Store(cm)
	child.ctx = context.WithValue(p.k.ctx, CtxProcess, child)
	if err := p.k.shm.Fork(p.ctx, p, child); err != nil {
		cm.Release()
		return nil, err
	}
	p.k.processes.Set(child.pid, child)
	log.Debugf("Process %d forked %d", p.pid, child.pid)
	return child, nil
}

// Exec replaces p's address space with a fresh one. Every attachment is
// detached first.
func (p *Process) Exec() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return linuxerr.ESRCH
	}

	nm, err := p.k.newMemoryManager()
	if err != nil {
		return err
	}
	old := p.MemoryManager()
	err = p.k.shm.DetachAll(p.ctx, p)
	old.Release()
	p.mm.Store(nm)
	log.Debugf("Process %d exec'd", p.pid)
	return err
}

// Exit detaches every attachment, releases p's address space and removes p
// from the process table. The returned error reports a detach that found
// its mappings damaged; p has exited regardless.
func (p *Process) Exit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return linuxerr.ESRCH
	}

	err := p.k.shm.DetachAll(p.ctx, p)
	p.MemoryManager().Release()
	p.exited = true
	p.k.processes.Remove(p.pid)
	log.Debugf("Process %d exited", p.pid)
	return err
}
