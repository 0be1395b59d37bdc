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
	"time"

	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/log"
	"github.com/tinyvisor/shmsys/pkg/sentry/arch"
)

// SyscallFn is a syscall implementation.
type SyscallFn func(p *Process, args arch.SyscallArguments) (uintptr, error)

// Syscall includes the syscall implementation and compatibility information.
type Syscall struct {
	// Name is the syscall name.
	Name string

	// Fn is the implementation of the syscall.
	Fn SyscallFn

	// Note describes any unsupported behavior.
	Note string
}

// SyscallTable is a lookup table of system calls.
type SyscallTable struct {
	// Name identifies the table in logs.
	Name string

	// Table is the collection of functions.
	Table map[uintptr]Syscall
}

// Lookup returns the syscall for sysno, if any.
func (s *SyscallTable) Lookup(sysno uintptr) (Syscall, bool) {
	sc, ok := s.Table[sysno]
	return sc, ok && sc.Fn != nil
}

var unknownSyscall = log.BasicRateLimitedLogger(time.Second)

// Syscall executes syscall sysno from table s on behalf of p.
func (p *Process) Syscall(s *SyscallTable, sysno uintptr, args arch.SyscallArguments) (uintptr, error) {
	if p.Exited() {
		return 0, linuxerr.ESRCH
	}
	sc, ok := s.Lookup(sysno)
	if !ok {
		unknownSyscall.Warningf("Process %d: unknown %s syscall %d", p.pid, s.Name, sysno)
		return 0, linuxerr.ENOSYS
	}
	rv, err := sc.Fn(p, args)
	if log.IsLogging(log.Debug) {
		if err != nil {
			log.Debugf("[%4d] %s(%v, %v, %v) = %v", p.pid, sc.Name, args[0], args[1], args[2], err)
		} else {
			log.Debugf("[%4d] %s(%v, %v, %v) = %#x", p.pid, sc.Name, args[0], args[1], args[2], rv)
		}
	}
	return rv, err
}
