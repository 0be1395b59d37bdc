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

// Package linux provides the system call table of the simulated kernel. The
// call numbers follow xv6's syscall.h.
package linux

import (
	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/sentry/arch"
	"github.com/tinyvisor/shmsys/pkg/sentry/kernel"
	"github.com/tinyvisor/shmsys/pkg/sentry/syscalls"
)

// System call numbers.
const (
	SysFork   = 1
	SysExit   = 2
	SysWait   = 3
	SysExec   = 7
	SysGetpid = 11
	SysShmget = 22
	SysShmdt  = 23
	SysShmat  = 24
	SysShmctl = 25
)

// Table is the system call table. Numbers missing from it fail with ENOSYS.
var Table = &kernel.SyscallTable{
	Name: "xv6",
	Table: map[uintptr]kernel.Syscall{
		SysFork:   syscalls.Supported("fork", Fork),
		SysExit:   syscalls.Supported("exit", Exit),
		SysWait:   syscalls.Error("wait", linuxerr.ECHILD, "Exited processes are reaped immediately."),
		SysExec:   syscalls.PartiallySupported("exec", Exec, "Only replaces the address space; arguments are ignored."),
		SysGetpid: syscalls.Supported("getpid", Getpid),
		SysShmget: syscalls.PartiallySupported("shmget", Shmget, "Permission bits are limited to 04 and 06."),
		SysShmdt:  syscalls.Supported("shmdt", Shmdt),
		SysShmat:  syscalls.PartiallySupported("shmat", Shmat, "Option SHM_EXEC is ignored."),
		SysShmctl: syscalls.PartiallySupported("shmctl", Shmctl, "Options IPC_INFO, SHM_INFO, SHM_LOCK, SHM_UNLOCK are not supported."),
	},
}

// Call executes system call sysno with args on behalf of p. Like a user
// program would see it, the result is -1 on failure; the error says why.
func Call(p *kernel.Process, sysno uintptr, args ...uintptr) (int64, error) {
	rv, err := p.Syscall(Table, sysno, arch.Args(args...))
	if err != nil {
		return -1, err
	}
	return int64(rv), nil
}
