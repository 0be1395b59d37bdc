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
	"context"

	"github.com/tinyvisor/shmsys/pkg/abi/linux"
	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/log"
	"github.com/tinyvisor/shmsys/pkg/sentry/mm"
)

// AttachOpts describes various flags passed to shmat(2).
type AttachOpts struct {
	// Execute is SHM_EXEC. It is accepted and ignored.
	Execute bool

	// Readonly is SHM_RDONLY.
	Readonly bool

	// Round is SHM_RND.
	Round bool

	// Remap is SHM_REMAP.
	Remap bool
}

// Attach maps segment id into p's address space and returns the address of
// the mapping. If addr is zero, the lowest free range at or above the heap
// limit is used.
func (r *Registry) Attach(ctx context.Context, p Process, id ID, addr hostarch.Addr, opts AttachOpts) (_ hostarch.Addr, err error) {
	defer func() { r.metrics.failed("shmat", err) }()

	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookupLocked(id)
	if err != nil {
		return 0, err
	}

	m := p.MemoryManager()
	m.Lock()
	defer m.Unlock()

	layout := m.Layout()
	length := uint64(len(s.pages)) << hostarch.PageShift
	if addr != 0 {
		if addr < layout.HeapLimit || addr >= layout.KernBase {
			return 0, linuxerr.EINVAL
		}
		if opts.Round {
			// "If shmaddr isn't NULL and SHM_RND is specified in shmflg, the
			// attach occurs at the address equal to shmaddr rounded down to
			// the nearest multiple of SHMLBA." - man shmat(2)
			addr &^= linux.SHMLBA - 1
			if addr == 0 {
				return 0, linuxerr.EINVAL
			}
		} else if addr%linux.SHMLBA != 0 {
			// "Invalid shmaddr value (not page-aligned, and SHM_RND was not
			// specified) ..." - man shmat(2)
			return 0, linuxerr.EINVAL
		}
		if end, ok := addr.AddLength(length); !ok || end >= layout.KernBase {
			return 0, linuxerr.ENOMEM
		}
	} else {
		if addr, err = m.FindAvailableLocked(length); err != nil {
			return 0, err
		}
	}

	var at hostarch.AccessType
	switch {
	case opts.Readonly:
		at = hostarch.Read
	case s.perm == PermReadWrite:
		at = hostarch.ReadWrite
	default:
		// Read-write access to a read-only segment.
		return 0, linuxerr.EACCES
	}

	ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(length)}
	if overlaps := m.OverlappingLocked(ar); len(overlaps) != 0 {
		if !opts.Remap {
			return 0, linuxerr.EEXIST
		}
		for _, o := range overlaps {
			if err := r.detachLocked(p.PID(), m, o.Addr); err != nil && !linuxerr.Equals(linuxerr.EFAULT, err) {
				return 0, err
			}
		}
		// Replacing the last attachment of a segment pending destruction
		// destroys it, and that may have been s itself.
		if s.free() {
			return 0, linuxerr.EIDRM
		}
	}

	att := mm.Attachment{
		ID:    int32(s.ID),
		Key:   int32(s.key),
		Addr:  addr,
		Pages: uint64(len(s.pages)),
		Perms: at,
	}
	if err := m.InsertLocked(att, s.pages); err != nil {
		return 0, err
	}
	s.attachCount++
	s.lastAttachDetachPID = p.PID()
	s.attachTime = r.clock()
	r.metrics.attaches.Inc()
	log.Debugf("Attached %s at %v (%v) in pid %d", s.debugLocked(), addr, at, p.PID())
	return addr, nil
}

// Detach removes the attachment of p starting exactly at addr. See shmdt(2).
func (r *Registry) Detach(ctx context.Context, p Process, addr hostarch.Addr) (err error) {
	defer func() { r.metrics.failed("shmdt", err) }()

	r.mu.Lock()
	defer r.mu.Unlock()
	m := p.MemoryManager()
	m.Lock()
	defer m.Unlock()
	return r.detachLocked(p.PID(), m, addr)
}

// detachLocked removes the attachment of m starting at addr and destroys its
// segment if that was the last attachment of a segment marked for
// destruction.
//
// If the attachment was missing page-table entries, it is still removed and
// accounted, and EFAULT is returned.
//
// Preconditions: Caller must hold r.mu and m's lock.
func (r *Registry) detachLocked(pid int32, m *mm.MemoryManager, addr hostarch.Addr) error {
	att, err := m.RemoveLocked(addr)
	if linuxerr.Equals(linuxerr.ENOENT, err) {
		// No attachment starts exactly at addr.
		return err
	}
	s := &r.shms[att.ID]
	if s.free() || s.attachCount == 0 {
		panic("detaching from a segment with no attachments: " + s.debugLocked())
	}
	s.attachCount--
	s.lastAttachDetachPID = pid
	s.detachTime = r.clock()
	r.metrics.detaches.Inc()
	log.Debugf("Detached %s from %v in pid %d", s.debugLocked(), att.Addr, pid)
	if s.attachCount == 0 && s.pendingDestruction {
		r.destroyLocked(s)
	}
	return err
}

// Fork attaches every segment attached in parent to child, at the same
// address and with the same access. On failure, the attachments already
// given to child are removed.
//
// Precondition: child must not be visible to other goroutines.
func (r *Registry) Fork(ctx context.Context, parent, child Process) (err error) {
	defer func() { r.metrics.failed("fork", err) }()

	r.mu.Lock()
	defer r.mu.Unlock()
	pm, cm := parent.MemoryManager(), child.MemoryManager()
	pm.Lock()
	defer pm.Unlock()
	cm.Lock()
	defer cm.Unlock()

	atts := pm.AttachmentsLocked()
	for i, att := range atts {
		s := &r.shms[att.ID]
		if err := cm.InsertLocked(att, s.pages); err != nil {
			for _, done := range atts[:i] {
				r.detachLocked(child.PID(), cm, done.Addr)
			}
			return err
		}
		s.attachCount++
		s.lastAttachDetachPID = child.PID()
		s.attachTime = r.clock()
		r.metrics.attaches.Inc()
	}
	if len(atts) != 0 {
		log.Debugf("Copied %d attachments from pid %d to pid %d", len(atts), parent.PID(), child.PID())
	}
	return nil
}

// DetachAll removes every attachment of p, as on exit or exec. Segments
// marked for destruction whose last attachment this was are destroyed. It
// returns the first error encountered, after attempting every attachment.
func (r *Registry) DetachAll(ctx context.Context, p Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := p.MemoryManager()
	m.Lock()
	defer m.Unlock()

	var first error
	for _, att := range m.AttachmentsLocked() {
		if err := r.detachLocked(p.PID(), m, att.Addr); err != nil && first == nil {
			first = err
		}
	}
	return first
}
