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

package linux

import (
	"github.com/tinyvisor/shmsys/pkg/abi/linux"
	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/sentry/arch"
	"github.com/tinyvisor/shmsys/pkg/sentry/kernel"
	"github.com/tinyvisor/shmsys/pkg/sentry/kernel/shm"
)

const (
	shmgetFlags = linux.IPC_CREAT | linux.IPC_EXCL | linux.SHM_PERM_MASK
	shmatFlags  = linux.SHM_RDONLY | linux.SHM_RND | linux.SHM_REMAP | linux.SHM_EXEC
)

// Shmget implements shmget(2).
func Shmget(p *kernel.Process, args arch.SyscallArguments) (uintptr, error) {
	key := shm.Key(args[0].Int())
	size := args[1].Int()
	flag := args[2].Int()

	if flag&^shmgetFlags != 0 {
		return 0, linuxerr.EINVAL
	}
	if size <= 0 {
		return 0, linuxerr.EINVAL
	}
	perm := shm.PermUnset
	if mode := uint16(flag & linux.SHM_PERM_MASK); mode != 0 {
		var ok bool
		if perm, ok = shm.PermFromMode(mode); !ok {
			return 0, linuxerr.EINVAL
		}
	}
	opts := shm.GetOpts{
		Create:    flag&linux.IPC_CREAT == linux.IPC_CREAT,
		Exclusive: flag&linux.IPC_EXCL == linux.IPC_EXCL,
		Perm:      perm,
	}

	r := p.Kernel().ShmRegistry()
	id, err := r.FindOrCreate(p.Context(), p.PID(), key, uint64(size), opts)
	if err != nil {
		return 0, err
	}
	return uintptr(id), nil
}

// Shmat implements shmat(2).
func Shmat(p *kernel.Process, args arch.SyscallArguments) (uintptr, error) {
	id := shm.ID(args[0].Int())
	addr := args[1].Pointer()
	flag := args[2].Int()

	if flag&^shmatFlags != 0 {
		return 0, linuxerr.EINVAL
	}
	opts := shm.AttachOpts{
		Execute:  flag&linux.SHM_EXEC == linux.SHM_EXEC,
		Readonly: flag&linux.SHM_RDONLY == linux.SHM_RDONLY,
		Round:    flag&linux.SHM_RND == linux.SHM_RND,
		Remap:    flag&linux.SHM_REMAP == linux.SHM_REMAP,
	}

	r := p.Kernel().ShmRegistry()
	addr, err := r.Attach(p.Context(), p, id, addr, opts)
	if err != nil {
		return 0, err
	}
	return uintptr(addr), nil
}

// Shmdt implements shmdt(2).
func Shmdt(p *kernel.Process, args arch.SyscallArguments) (uintptr, error) {
	addr := args[0].Pointer()
	r := p.Kernel().ShmRegistry()
	return 0, r.Detach(p.Context(), p, addr)
}

// Shmctl implements shmctl(2).
func Shmctl(p *kernel.Process, args arch.SyscallArguments) (uintptr, error) {
	id := shm.ID(args[0].Int())
	cmd := args[1].Int()
	buf := args[2].Pointer()

	r := p.Kernel().ShmRegistry()
	switch cmd {
	case linux.SHM_STAT, linux.IPC_STAT:
		ds, err := r.IPCStat(p.Context(), id)
		if err != nil {
			return 0, err
		}
		if err := copyOutShmidDS(p, buf, ds); err != nil {
			return 0, err
		}
		if cmd == linux.SHM_STAT {
			// "A successful SHM_STAT operation returns the identifier of the
			// shared memory segment whose index was given in shmid."
			//  - man shmctl(2)
			return uintptr(id), nil
		}
		return 0, nil

	case linux.IPC_SET:
		var ds linux.ShmidDS
		if err := copyInShmidDS(p, buf, &ds); err != nil {
			return 0, err
		}
		return 0, r.Set(p.Context(), id, &ds)

	case linux.IPC_RMID:
		return 0, r.MarkDestroyed(p.Context(), id)

	default:
		return 0, linuxerr.EINVAL
	}
}

func copyOutShmidDS(p *kernel.Process, addr hostarch.Addr, ds *linux.ShmidDS) error {
	b := make([]byte, ds.SizeBytes())
	ds.MarshalBytes(b)
	_, err := p.CopyOutBytes(addr, b)
	return err
}

func copyInShmidDS(p *kernel.Process, addr hostarch.Addr, ds *linux.ShmidDS) error {
	b := make([]byte, ds.SizeBytes())
	if _, err := p.CopyInBytes(addr, b); err != nil {
		return err
	}
	ds.UnmarshalBytes(b)
	return nil
}
