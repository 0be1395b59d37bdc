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
	"github.com/tinyvisor/shmsys/pkg/sentry/arch"
	"github.com/tinyvisor/shmsys/pkg/sentry/kernel"
)

// Fork implements xv6 fork. It returns the child's pid to the parent.
func Fork(p *kernel.Process, args arch.SyscallArguments) (uintptr, error) {
	child, err := p.Fork()
	if err != nil {
		return 0, err
	}
	return uintptr(child.PID()), nil
}

// Exit implements xv6 exit.
func Exit(p *kernel.Process, args arch.SyscallArguments) (uintptr, error) {
	return 0, p.Exit()
}

// Exec implements xv6 exec.
func Exec(p *kernel.Process, args arch.SyscallArguments) (uintptr, error) {
	return 0, p.Exec()
}

// Getpid implements xv6 getpid.
func Getpid(p *kernel.Process, args arch.SyscallArguments) (uintptr, error) {
	return uintptr(p.PID()), nil
}
