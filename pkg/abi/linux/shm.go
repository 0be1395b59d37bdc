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
	"encoding/binary"

	"github.com/tinyvisor/shmsys/pkg/hostarch"
)

// shmat(2) flags.
//
// Source: include/uapi/linux/shm.h
const (
	SHM_RDONLY = 010000  // Read-only access.
	SHM_RND    = 020000  // Round attach address to SHMLBA boundary.
	SHM_REMAP  = 040000  // Take-over region on attach.
	SHM_EXEC   = 0100000 // Execution access.
)

// Region permission bits passed in the low bits of shmget's flag argument.
// Only these two encodings are accepted.
const (
	READ_SHM = 04
	RW_SHM   = 06

	// SHM_PERM_MASK selects the permission bits of a shmget flag.
	SHM_PERM_MASK = 07
)

// IPCS ctl commands.
//
// Source: include/uapi/linux/shm.h
const (
	SHM_LOCK   = 11
	SHM_UNLOCK = 12
	SHM_STAT   = 13
	SHM_INFO   = 14
)

// SHM_DEST is reported in the IPC_STAT mode while a region waits for its last
// detach before destruction.
//
// Source: include/uapi/linux/shm.h
const SHM_DEST = 01000

// SHMLBA is the attach address alignment.
const SHMLBA = hostarch.PageSize

// Default limits of the simulated kernel's shared memory subsystem.
const (
	// SHMMNI is the default number of region descriptors.
	SHMMNI = 64

	// SHMMAXPAGES is the default maximum number of pages in a region. It is
	// equal to SHMMNI.
	SHMMAXPAGES = SHMMNI

	// SHMMIN is the minimum region size in bytes.
	SHMMIN = 1

	// SHMSEG is the default number of attachments a single process may hold.
	SHMSEG = 64
)

// Default bounds of the window in which shared regions are attached.
const (
	// HEAPLIMIT is the lowest attach address.
	HEAPLIMIT = 0x60000000

	// KERNBASE is the start of kernel space. Attachments must end below it.
	KERNBASE = 0x80000000
)

// ShmParams is equivalent to struct shminfo.
type ShmParams struct {
	ShmMax uint64
	ShmMin uint64
	ShmMni uint64
	ShmSeg uint64
	ShmAll uint64
}

// ShmInfo is equivalent to struct shm_info.
type ShmInfo struct {
	UsedIDs       int32
	ShmTot        uint64 // Total pages held by all regions.
	ShmRss        uint64
	ShmSwp        uint64
	SwapAttempts  uint64
	SwapSuccesses uint64
}

// ShmidDS is equivalent to struct shmid64_ds.
type ShmidDS struct {
	ShmPerm    IPCPerm
	ShmSegsz   uint64
	ShmAtime   int64
	ShmDtime   int64
	ShmCtime   int64
	ShmCpid    int32
	ShmLpid    int32
	ShmNattach uint64
	Unused4    uint64
	Unused5    uint64
}

// SizeBytes returns the encoded size of ShmidDS.
func (ds *ShmidDS) SizeBytes() int {
	return ds.ShmPerm.SizeBytes() + 64
}

// MarshalBytes encodes ds into dst, which must hold at least SizeBytes bytes,
// and returns the remainder of dst.
func (ds *ShmidDS) MarshalBytes(dst []byte) []byte {
	dst = ds.ShmPerm.MarshalBytes(dst)
	binary.LittleEndian.PutUint64(dst[0:], ds.ShmSegsz)
	binary.LittleEndian.PutUint64(dst[8:], uint64(ds.ShmAtime))
	binary.LittleEndian.PutUint64(dst[16:], uint64(ds.ShmDtime))
	binary.LittleEndian.PutUint64(dst[24:], uint64(ds.ShmCtime))
	binary.LittleEndian.PutUint32(dst[32:], uint32(ds.ShmCpid))
	binary.LittleEndian.PutUint32(dst[36:], uint32(ds.ShmLpid))
	binary.LittleEndian.PutUint64(dst[40:], ds.ShmNattach)
	binary.LittleEndian.PutUint64(dst[48:], ds.Unused4)
	binary.LittleEndian.PutUint64(dst[56:], ds.Unused5)
	return dst[64:]
}

// UnmarshalBytes decodes ds from src, which must hold at least SizeBytes
// bytes, and returns the remainder of src.
func (ds *ShmidDS) UnmarshalBytes(src []byte) []byte {
	src = ds.ShmPerm.UnmarshalBytes(src)
	ds.ShmSegsz = binary.LittleEndian.Uint64(src[0:])
	ds.ShmAtime = int64(binary.LittleEndian.Uint64(src[8:]))
	ds.ShmDtime = int64(binary.LittleEndian.Uint64(src[16:]))
	ds.ShmCtime = int64(binary.LittleEndian.Uint64(src[24:]))
	ds.ShmCpid = int32(binary.LittleEndian.Uint32(src[32:]))
	ds.ShmLpid = int32(binary.LittleEndian.Uint32(src[36:]))
	ds.ShmNattach = binary.LittleEndian.Uint64(src[40:])
	ds.Unused4 = binary.LittleEndian.Uint64(src[48:])
	ds.Unused5 = binary.LittleEndian.Uint64(src[56:])
	return src[64:]
}
