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

// Package linux contains the constants and types needed to interface with
// the shared memory system calls of the simulated kernel. The flag encodings
// follow Linux's include/uapi/linux/ipc.h and shm.h.
package linux

import (
	"encoding/binary"
)

// Control commands used with semctl, shmctl, and msgctl.
//
// Source: include/uapi/linux/ipc.h.
const (
	IPC_RMID = 0
	IPC_SET  = 1
	IPC_STAT = 2
	IPC_INFO = 3
)

// Resource get request flags.
//
// Source: include/uapi/linux/ipc.h
const (
	IPC_CREAT  = 00001000
	IPC_EXCL   = 00002000
	IPC_NOWAIT = 00004000
)

// IPC_PRIVATE requests a new object that no later key lookup will find.
const IPC_PRIVATE = 0

// FreeKey marks an unused slot. Since keys are 32-bit values, a caller that
// passes it is rejected.
const FreeKey = -1

// IPCPerm is equivalent to struct ipc64_perm. Padding and reserved words are
// not represented and encode as zero.
//
// Only Key, Mode and Seq carry meaning in this kernel. Ownership fields are
// kept so the layout matches what user programs expect.
type IPCPerm struct {
	Key  int32
	UID  uint32
	GID  uint32
	CUID uint32
	CGID uint32
	Mode uint16
	Seq  uint16
}

// SizeBytes returns the encoded size of IPCPerm.
func (*IPCPerm) SizeBytes() int {
	return 48
}

// MarshalBytes encodes p into dst, which must hold at least SizeBytes bytes,
// and returns the remainder of dst.
func (p *IPCPerm) MarshalBytes(dst []byte) []byte {
	binary.LittleEndian.PutUint32(dst[0:], uint32(p.Key))
	binary.LittleEndian.PutUint32(dst[4:], p.UID)
	binary.LittleEndian.PutUint32(dst[8:], p.GID)
	binary.LittleEndian.PutUint32(dst[12:], p.CUID)
	binary.LittleEndian.PutUint32(dst[16:], p.CGID)
	binary.LittleEndian.PutUint16(dst[20:], p.Mode)
	binary.LittleEndian.PutUint16(dst[22:], 0)
	binary.LittleEndian.PutUint16(dst[24:], p.Seq)
	clear(dst[26:48])
	return dst[p.SizeBytes():]
}

// UnmarshalBytes decodes p from src, which must hold at least SizeBytes
// bytes, and returns the remainder of src.
func (p *IPCPerm) UnmarshalBytes(src []byte) []byte {
	p.Key = int32(binary.LittleEndian.Uint32(src[0:]))
	p.UID = binary.LittleEndian.Uint32(src[4:])
	p.GID = binary.LittleEndian.Uint32(src[8:])
	p.CUID = binary.LittleEndian.Uint32(src[12:])
	p.CGID = binary.LittleEndian.Uint32(src[16:])
	p.Mode = binary.LittleEndian.Uint16(src[20:])
	p.Seq = binary.LittleEndian.Uint16(src[24:])
	return src[p.SizeBytes():]
}
