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

package shm

import (
	"fmt"

	"github.com/tinyvisor/shmsys/pkg/abi/linux"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
)

// Perm is a segment's access mode.
type Perm uint8

const (
	// PermUnset is the mode of a descriptor under construction.
	PermUnset Perm = iota

	// PermReadOnly allows read-only attachments.
	PermReadOnly

	// PermReadWrite allows read-only and read-write attachments.
	PermReadWrite
)

// PermFromMode converts the permission bits of a shmget(2) flag or an
// IPC_SET mode to a Perm. Only linux.READ_SHM and linux.RW_SHM are valid.
func PermFromMode(mode uint16) (Perm, bool) {
	switch mode {
	case linux.READ_SHM:
		return PermReadOnly, true
	case linux.RW_SHM:
		return PermReadWrite, true
	default:
		return PermUnset, false
	}
}

// Mode returns the mode bits reported for p.
func (p Perm) Mode() uint16 {
	switch p {
	case PermReadOnly:
		return linux.READ_SHM
	case PermReadWrite:
		return linux.RW_SHM
	default:
		return 0
	}
}

// AccessType returns the widest access an attachment of a segment with mode
// p may be granted.
func (p Perm) AccessType() hostarch.AccessType {
	switch p {
	case PermReadOnly:
		return hostarch.Read
	case PermReadWrite:
		return hostarch.ReadWrite
	default:
		return hostarch.NoAccess
	}
}

func (p Perm) String() string {
	switch p {
	case PermUnset:
		return "unset"
	case PermReadOnly:
		return "r"
	case PermReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("Perm(%d)", uint8(p))
	}
}
