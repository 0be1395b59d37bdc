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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyvisor/shmsys/pkg/abi/linux"
	"github.com/tinyvisor/shmsys/pkg/errors"
	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/sentry/kernel"
)

const page = hostarch.PageSize

// bufAddr is a scratch buffer in private memory.
const bufAddr = uintptr(kernel.UserBase)

func newTestProcess(t *testing.T) *kernel.Process {
	t.Helper()
	k, err := kernel.New(kernel.Config{PhysPages: 512})
	if err != nil {
		t.Fatalf("kernel.New got err %v want nil", err)
	}
	t.Cleanup(k.Destroy)
	p, err := k.CreateProcess()
	if err != nil {
		t.Fatalf("CreateProcess got err %v want nil", err)
	}
	return p
}

func mustCall(t *testing.T, p *kernel.Process, sysno uintptr, args ...uintptr) uintptr {
	t.Helper()
	rv, err := Call(p, sysno, args...)
	if err != nil {
		t.Fatalf("Call(%d, %#x) got err %v want nil", sysno, args, err)
	}
	return uintptr(rv)
}

func checkCall(t *testing.T, want *errors.Error, p *kernel.Process, sysno uintptr, args ...uintptr) {
	t.Helper()
	rv, err := Call(p, sysno, args...)
	if rv != -1 || !linuxerr.Equals(want, err) {
		t.Errorf("Call(%d, %#x) got (%d, %v) want (-1, %v)", sysno, args, rv, err, want)
	}
}

// arg sign-extends v the way a 32-bit register holds it.
func arg(v int32) uintptr {
	return uintptr(uint32(v))
}

func readShmidDS(t *testing.T, p *kernel.Process) *linux.ShmidDS {
	t.Helper()
	var ds linux.ShmidDS
	b := make([]byte, ds.SizeBytes())
	if _, err := p.CopyInBytes(kernel.UserBase, b); err != nil {
		t.Fatalf("CopyInBytes got err %v want nil", err)
	}
	ds.UnmarshalBytes(b)
	return &ds
}

func writeShmidDS(t *testing.T, p *kernel.Process, ds *linux.ShmidDS) {
	t.Helper()
	b := make([]byte, ds.SizeBytes())
	ds.MarshalBytes(b)
	if _, err := p.CopyOutBytes(kernel.UserBase, b); err != nil {
		t.Fatalf("CopyOutBytes got err %v want nil", err)
	}
}

func TestShmgetFlagDecoding(t *testing.T) {
	p := newTestProcess(t)
	id := mustCall(t, p, SysShmget, 10, page, linux.IPC_CREAT|linux.RW_SHM)

	for _, tc := range []struct {
		name string
		key  int32
		size int32
		flag int32
		want *errors.Error
	}{
		{"unknown flag bit", 11, page, linux.IPC_CREAT | linux.RW_SHM | 0100, linuxerr.EINVAL},
		{"write-only mode", 11, page, linux.IPC_CREAT | 02, linuxerr.EINVAL},
		{"all mode bits", 11, page, linux.IPC_CREAT | 07, linuxerr.EINVAL},
		{"zero size", 11, 0, linux.IPC_CREAT | linux.RW_SHM, linuxerr.EINVAL},
		{"negative size", 11, -page, linux.IPC_CREAT | linux.RW_SHM, linuxerr.EINVAL},
		{"free key", -1, page, linux.IPC_CREAT | linux.RW_SHM, linuxerr.EINVAL},
		{"exclusive", 10, page, linux.IPC_CREAT | linux.IPC_EXCL | linux.RW_SHM, linuxerr.EEXIST},
		{"missing", 12, page, 0, linuxerr.ENOENT},
	} {
		t.Run(tc.name, func(t *testing.T) {
			checkCall(t, tc.want, p, SysShmget, arg(tc.key), arg(tc.size), arg(tc.flag))
		})
	}
	if got := mustCall(t, p, SysShmget, 10, page, 0); got != id {
		t.Errorf("shmget lookup got id %d want %d", got, id)
	}
}

func TestShmatFlagDecoding(t *testing.T) {
	p := newTestProcess(t)
	id := mustCall(t, p, SysShmget, linux.IPC_PRIVATE, 2*page, linux.READ_SHM)

	checkCall(t, linuxerr.EINVAL, p, SysShmat, id, 0, 01)
	checkCall(t, linuxerr.EACCES, p, SysShmat, id, 0, 0)
	addr := mustCall(t, p, SysShmat, id, linux.HEAPLIMIT+page+123, linux.SHM_RDONLY|linux.SHM_RND|linux.SHM_EXEC)
	if addr != linux.HEAPLIMIT+page {
		t.Errorf("shmat got %#x want %#x", addr, linux.HEAPLIMIT+page)
	}
	checkCall(t, linuxerr.EEXIST, p, SysShmat, id, linux.HEAPLIMIT, linux.SHM_RDONLY)
	if got := mustCall(t, p, SysShmat, id, linux.HEAPLIMIT, linux.SHM_RDONLY|linux.SHM_REMAP); got != linux.HEAPLIMIT {
		t.Errorf("shmat with SHM_REMAP got %#x want %#x", got, linux.HEAPLIMIT)
	}
	checkCall(t, linuxerr.ENOENT, p, SysShmdt, addr)
	mustCall(t, p, SysShmdt, linux.HEAPLIMIT)
}

func TestShmctl(t *testing.T) {
	p := newTestProcess(t)
	id := mustCall(t, p, SysShmget, 77, 5000, linux.IPC_CREAT|linux.RW_SHM)
	addr := mustCall(t, p, SysShmat, id, 0, 0)

	if rv := mustCall(t, p, SysShmctl, id, linux.IPC_STAT, bufAddr); rv != 0 {
		t.Errorf("IPC_STAT got %d want 0", rv)
	}
	ds := readShmidDS(t, p)
	want := linux.ShmidDS{
		ShmPerm:    linux.IPCPerm{Key: 77, Mode: linux.RW_SHM},
		ShmSegsz:   5000,
		ShmCpid:    p.PID(),
		ShmLpid:    p.PID(),
		ShmNattach: 1,
	}
	ignoreTimes := cmp.FilterPath(func(path cmp.Path) bool {
		switch path.Last().String() {
		case ".ShmAtime", ".ShmDtime", ".ShmCtime":
			return true
		}
		return false
	}, cmp.Ignore())
	if diff := cmp.Diff(&want, ds, ignoreTimes); diff != "" {
		t.Errorf("IPC_STAT mismatch (-want +got):\n%s", diff)
	}
	if ds.ShmAtime == 0 || ds.ShmCtime == 0 {
		t.Errorf("IPC_STAT got atime %d ctime %d want both set", ds.ShmAtime, ds.ShmCtime)
	}
	if rv := mustCall(t, p, SysShmctl, id, linux.SHM_STAT, bufAddr); rv != id {
		t.Errorf("SHM_STAT got %d want %d", rv, id)
	}

	// IPC_SET to read-only.
	set := &linux.ShmidDS{ShmPerm: linux.IPCPerm{Mode: linux.READ_SHM}}
	writeShmidDS(t, p, set)
	mustCall(t, p, SysShmctl, id, linux.IPC_SET, bufAddr)
	mustCall(t, p, SysShmctl, id, linux.IPC_STAT, bufAddr)
	if got := readShmidDS(t, p).ShmPerm.Mode; got != linux.READ_SHM {
		t.Errorf("mode after IPC_SET got %#o want %#o", got, linux.READ_SHM)
	}
	checkCall(t, linuxerr.EACCES, p, SysShmat, id, 0, 0)
	set.ShmPerm.Mode = 0666
	writeShmidDS(t, p, set)
	checkCall(t, linuxerr.EINVAL, p, SysShmctl, id, linux.IPC_SET, bufAddr)

	checkCall(t, linuxerr.EFAULT, p, SysShmctl, id, linux.IPC_STAT, 0)
	checkCall(t, linuxerr.EFAULT, p, SysShmctl, id, linux.IPC_SET, 0)
	checkCall(t, linuxerr.EINVAL, p, SysShmctl, id, linux.IPC_INFO, bufAddr)
	checkCall(t, linuxerr.EINVAL, p, SysShmctl, id, linux.SHM_LOCK, bufAddr)
	checkCall(t, linuxerr.EINVAL, p, SysShmctl, 1000, linux.IPC_STAT, bufAddr)
	checkCall(t, linuxerr.ENOENT, p, SysShmctl, id+1, linux.IPC_STAT, bufAddr)

	// Deferred removal.
	mustCall(t, p, SysShmctl, id, linux.IPC_RMID, 0)
	mustCall(t, p, SysShmctl, id, linux.IPC_STAT, bufAddr)
	if ds := readShmidDS(t, p); ds.ShmPerm.Mode != linux.READ_SHM|linux.SHM_DEST || ds.ShmPerm.Key != 77 {
		t.Errorf("IPC_STAT while pending got mode %#o key %d want %#o key 77", ds.ShmPerm.Mode, ds.ShmPerm.Key, linux.READ_SHM|linux.SHM_DEST)
	}
	// The key no longer finds the pending segment.
	checkCall(t, linuxerr.ENOENT, p, SysShmget, 77, 5000, linux.RW_SHM)
	mustCall(t, p, SysShmdt, addr)
	checkCall(t, linuxerr.ENOENT, p, SysShmctl, id, linux.IPC_STAT, bufAddr)
}

func TestProcessCalls(t *testing.T) {
	p := newTestProcess(t)
	if got := mustCall(t, p, SysGetpid); got != uintptr(p.PID()) {
		t.Errorf("getpid got %d want %d", got, p.PID())
	}
	id := mustCall(t, p, SysShmget, linux.IPC_PRIVATE, page, linux.RW_SHM)
	addr := mustCall(t, p, SysShmat, id, 0, 0)

	pid := mustCall(t, p, SysFork)
	child := p.Kernel().Process(int32(pid))
	if child == nil {
		t.Fatalf("no process %d after fork", pid)
	}
	if _, err := child.CopyOutBytes(hostarch.Addr(addr), []byte{42}); err != nil {
		t.Fatalf("child CopyOutBytes got err %v want nil", err)
	}
	b := make([]byte, 1)
	if _, err := p.CopyInBytes(hostarch.Addr(addr), b); err != nil || b[0] != 42 {
		t.Errorf("parent reads (%d, %v) want (42, nil)", b[0], err)
	}
	checkCall(t, linuxerr.ECHILD, p, SysWait)

	mustCall(t, child, SysExit)
	checkCall(t, linuxerr.ESRCH, child, SysGetpid)
	mustCall(t, p, SysExec)
	checkCall(t, linuxerr.ENOENT, p, SysShmdt, addr)
	checkCall(t, linuxerr.ENOSYS, p, 99)
}
