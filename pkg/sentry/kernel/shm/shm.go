// Copyright 2018 The gVisor Authors.
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

// Package shm implements sysv shared memory segments.
//
// The registry is a fixed-capacity table of segment descriptors. A segment's
// ID is its slot index. All descriptor state, and every attachment operation,
// is serialized by the registry lock.
//
// Known missing features:
//
//   - There are no owners or per-user permissions. A segment is either
//     read-only or read-write for everyone.
//
//   - SHM_EXEC is accepted and ignored. Mappings are always executable.
//
// Lock ordering: shm registry lock -> mm.MemoryManager.mu. When two
// MemoryManagers are held (fork), the parent's is taken first.
package shm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyvisor/shmsys/pkg/abi/linux"
	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/log"
	"github.com/tinyvisor/shmsys/pkg/sentry/mm"
	"github.com/tinyvisor/shmsys/pkg/sentry/pgalloc"
)

// Key represents a shm segment key. Analogous to a file name.
type Key int32

// ID represents the opaque handle for a shm segment. Analogous to an fd.
type ID int32

// DefaultRegions is the default capacity of a Registry.
const DefaultRegions = linux.SHMMNI

// tableFull is rate limited so that a caller spinning on a full table does
// not flood the log.
var tableFull = log.BasicRateLimitedLogger(time.Second)

// Process is the view of a calling process needed to attach segments.
type Process interface {
	// PID returns the process id.
	PID() int32

	// MemoryManager returns the process's address space.
	MemoryManager() *mm.MemoryManager
}

// Options configures a Registry.
type Options struct {
	// Regions is the number of segment descriptors. It also bounds the
	// number of pages in one segment. If zero, DefaultRegions is used.
	Regions int

	// Clock returns the current time. If nil, time.Now is used.
	Clock func() time.Time

	// Registerer receives the registry's metrics. If nil, metrics are
	// registered with a private prometheus.Registry.
	Registerer prometheus.Registerer
}

// Registry tracks all shared memory segments. The registry provides the
// mechanisms for creating and finding segments, and reporting global shm
// parameters.
type Registry struct {
	// clock is immutable.
	clock func() time.Time

	// metrics is immutable.
	metrics *metrics

	// mu protects all fields below, and every Shm in shms.
	mu sync.Mutex

	// shms is the descriptor table, indexed by ID. It is never resized.
	shms []Shm

	// inUse is the number of occupied descriptors.
	inUse int

	// Sum of the sizes of all existing segments rounded up to page size, in
	// units of page size.
	totalPages uint64
}

// NewRegistry creates a new shm registry.
func NewRegistry(opts Options) *Registry {
	if opts.Regions <= 0 {
		opts.Regions = DefaultRegions
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	r := &Registry{
		clock:   opts.Clock,
		metrics: newMetrics(opts.Registerer),
		shms:    make([]Shm, opts.Regions),
	}
	for i := range r.shms {
		r.shms[i].reset()
	}
	return r
}

// maxPages returns the size limit of a segment, in pages.
func (r *Registry) maxPages() uint64 {
	return uint64(len(r.shms))
}

// lookupLocked returns the live segment with the given id.
//
// Precondition: Caller must hold r.mu.
func (r *Registry) lookupLocked(id ID) (*Shm, error) {
	if id < 0 || int(id) >= len(r.shms) {
		return nil, linuxerr.EINVAL
	}
	s := &r.shms[id]
	if s.free() {
		return nil, linuxerr.ENOENT
	}
	return s, nil
}

// findByKeyLocked returns the live segment associated with key, or nil.
// Segments pending destruction are not associated with any key.
//
// Precondition: Caller must hold r.mu.
func (r *Registry) findByKeyLocked(key Key) *Shm {
	for i := range r.shms {
		if s := &r.shms[i]; !s.free() && !s.pendingDestruction && s.key == key {
			return s
		}
	}
	return nil
}

// GetOpts describes the flags passed to shmget(2).
type GetOpts struct {
	// Create is IPC_CREAT.
	Create bool

	// Exclusive is IPC_EXCL.
	Exclusive bool

	// Perm is the mode of a new segment. It may be PermUnset only when
	// looking up an existing keyed segment.
	Perm Perm
}

// FindOrCreate looks up or creates a segment in the registry. It's functionally
// analogous to open(2).
//
// pid is recorded as the creator of a new segment.
func (r *Registry) FindOrCreate(ctx context.Context, pid int32, key Key, size uint64, opts GetOpts) (id ID, err error) {
	defer func() { r.metrics.failed("shmget", err) }()

	private := key == linux.IPC_PRIVATE
	if key == linux.FreeKey {
		return 0, linuxerr.EINVAL
	}
	if opts.Perm == PermUnset && (private || opts.Create) {
		// A new segment needs a mode.
		return 0, linuxerr.EINVAL
	}
	if opts.Exclusive && !opts.Create {
		return 0, linuxerr.EINVAL
	}
	if size < linux.SHMMIN {
		return 0, linuxerr.EINVAL
	}
	if size > r.maxPages()*hostarch.PageSize {
		return 0, linuxerr.ENOSPC
	}
	pages := hostarch.PagesFor(size)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !private {
		// Look up an existing segment.
		if s := r.findByKeyLocked(key); s != nil {
			if pages != uint64(len(s.pages)) {
				// The segment exists with a different size.
				return 0, linuxerr.EEXIST
			}
			if opts.Create && opts.Exclusive {
				// "IPC_CREAT and IPC_EXCL were specified in shmflg, but a
				// shared memory segment already exists for key."
				//  - man shmget(2)
				return 0, linuxerr.EEXIST
			}
			if s.perm == PermUnset {
				return 0, linuxerr.EACCES
			}
			return s.ID, nil
		}

		if !opts.Create {
			// "No segment exists for the given key, and IPC_CREAT was not
			// specified." - man shmget(2)
			return 0, linuxerr.ENOENT
		}
	}

	s, err := r.newShmLocked(ctx, pid, key, size, pages, opts.Perm)
	if err != nil {
		return 0, err
	}
	return s.ID, nil
}

// newShmLocked creates a new segment in the registry.
//
// Precondition: Caller must hold r.mu.
func (r *Registry) newShmLocked(ctx context.Context, pid int32, key Key, size, pages uint64, perm Perm) (*Shm, error) {
	var s *Shm
	for i := range r.shms {
		if r.shms[i].free() {
			s = &r.shms[i]
			s.ID = ID(i)
			break
		}
	}
	if s == nil {
		// "All possible shared memory IDs have been taken (SHMMNI) ..."
		//   - man shmget(2)
		tableFull.Warningf("Shm table exhausted: all %d descriptors in use", len(r.shms))
		return nil, linuxerr.ENOSPC
	}

	mf := pgalloc.MemoryFileFromContext(ctx)
	if mf == nil {
		panic(fmt.Sprintf("context.Context %T lacks non-nil value for key %T", ctx, pgalloc.CtxMemoryFile))
	}
	frames := make([]pgalloc.PhysAddr, 0, pages)
	for i := uint64(0); i < pages; i++ {
		pa, err := mf.Allocate()
		if err != nil {
			for _, f := range frames {
				mf.Free(f)
			}
			s.reset()
			log.Debugf("Shm key %d: out of memory after %d of %d pages", key, i, pages)
			return nil, err
		}
		frames = append(frames, pa)
	}

	s.mf = mf
	s.key = key
	s.size = size
	s.pages = frames
	s.perm = perm
	s.creatorPID = pid
	s.changeTime = r.clock()

	r.inUse++
	r.totalPages += pages
	r.metrics.created(r.inUse, r.totalPages)
	log.Debugf("Created %s", s.debugLocked())
	return s, nil
}

// destroyLocked releases s's pages and frees its descriptor.
//
// Preconditions: Caller must hold r.mu. s.attachCount == 0.
func (r *Registry) destroyLocked(s *Shm) {
	if s.attachCount != 0 {
		panic(fmt.Sprintf("destroying %s with live attachments", s.debugLocked()))
	}
	log.Debugf("Destroying %s", s.debugLocked())
	for _, pa := range s.pages {
		s.mf.Free(pa)
	}
	r.inUse--
	r.totalPages -= uint64(len(s.pages))
	r.metrics.destroyed(r.inUse, r.totalPages)
	s.reset()
}

// IPCInfo reports global parameters for sysv shared memory segments on this
// system. See shmctl(IPC_INFO).
func (r *Registry) IPCInfo() *linux.ShmParams {
	return &linux.ShmParams{
		ShmMax: r.maxPages() * hostarch.PageSize,
		ShmMin: linux.SHMMIN,
		ShmMni: uint64(len(r.shms)),
		ShmSeg: linux.SHMSEG,
		ShmAll: uint64(len(r.shms)) * r.maxPages(),
	}
}

// ShmInfo reports linux-specific global parameters for sysv shared memory
// segments on this system. See shmctl(SHM_INFO).
func (r *Registry) ShmInfo() *linux.ShmInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	return &linux.ShmInfo{
		UsedIDs: int32(r.inUse),
		ShmTot:  r.totalPages,
		ShmRss:  r.totalPages, // Segments are never swapped.
	}
}

// IDs returns the ids of all live segments in ascending order.
func (r *Registry) IDs() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []ID
	for i := range r.shms {
		if !r.shms[i].free() {
			ids = append(ids, ID(i))
		}
	}
	return ids
}

// IPCStat returns information about a shm. See shmctl(IPC_STAT).
func (r *Registry) IPCStat(ctx context.Context, id ID) (ds *linux.ShmidDS, err error) {
	defer func() { r.metrics.failed("shmctl", err) }()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if s.perm == PermUnset {
		// "IPC_STAT or SHM_STAT is requested and shm_perm.mode does not allow
		// read access for shmid ..." - man shmctl(2)
		return nil, linuxerr.EACCES
	}

	mode := s.perm.Mode()
	if s.pendingDestruction {
		mode |= linux.SHM_DEST
	}
	return &linux.ShmidDS{
		ShmPerm: linux.IPCPerm{
			Key:  int32(s.key),
			Mode: mode,
			Seq:  0, // IPC sequences not supported.
		},
		ShmSegsz:   s.size,
		ShmAtime:   timeT(s.attachTime),
		ShmDtime:   timeT(s.detachTime),
		ShmCtime:   timeT(s.changeTime),
		ShmCpid:    s.creatorPID,
		ShmLpid:    s.lastAttachDetachPID,
		ShmNattach: s.attachCount,
	}, nil
}

// Set modifies attributes for a segment. See shmctl(IPC_SET).
//
// Only the mode may change, and only to read-only or read-write. Existing
// attachments keep the access they were granted.
func (r *Registry) Set(ctx context.Context, id ID, ds *linux.ShmidDS) (err error) {
	defer func() { r.metrics.failed("shmctl", err) }()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	if s.perm == PermUnset {
		return linuxerr.EACCES
	}
	perm, ok := PermFromMode(ds.ShmPerm.Mode)
	if !ok {
		return linuxerr.EINVAL
	}
	s.perm = perm
	s.changeTime = r.clock()
	return nil
}

// MarkDestroyed marks a segment for destruction. A segment with no
// attachments is destroyed immediately; otherwise it is destroyed by the
// detach that drops the last attachment. A segment marked for destruction
// is dissociated from its key, so shmget(2) may create a new segment with
// the same key, but IPC_STAT still reports the original key. MarkDestroyed may be called multiple times. See
// shmctl(IPC_RMID).
func (r *Registry) MarkDestroyed(ctx context.Context, id ID) (err error) {
	defer func() { r.metrics.failed("shmctl", err) }()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	if s.attachCount == 0 {
		r.destroyLocked(s)
		return nil
	}
	if !s.pendingDestruction {
		log.Debugf("Deferring destruction of %s", s.debugLocked())
	}
	s.pendingDestruction = true
	return nil
}

// Shm is a single shared memory segment descriptor.
//
// Shm segments are backed by frames allocated individually from a
// pgalloc.MemoryFile. The descriptor exclusively owns its frames; process
// page tables only reference them. Segments persist until they are
// explicitly marked for destruction via MarkDestroyed() and their last
// attachment is gone.
//
// All fields are protected by the owning Registry's mu.
type Shm struct {
	// ID is the kernel identifier for this segment, equal to its slot
	// index. It is -1 while the descriptor is free.
	ID ID

	// mf holds the frames in pages.
	mf *pgalloc.MemoryFile

	// key is the public identifier for this segment. A free descriptor has
	// key linux.FreeKey.
	key Key

	// size is the requested size of the segment at creation, in bytes.
	size uint64

	// pages are the frames backing the segment, in order.
	pages []pgalloc.PhysAddr

	// perm is the segment's access mode.
	perm Perm

	// attachCount is the number of live attachments in all processes.
	attachCount uint64

	// attachTime is updated on every successful shmat.
	attachTime time.Time
	// detachTime is updated on every successful shmdt.
	detachTime time.Time
	// changeTime is updated on creation and on every successful change to
	// the segment via shmctl(IPC_SET).
	changeTime time.Time

	// creatorPID is the PID of the process that created the segment.
	creatorPID int32
	// lastAttachDetachPID is the pid of the process that issued the last shmat
	// or shmdt syscall.
	lastAttachDetachPID int32

	// pendingDestruction indicates the segment was marked as destroyed through
	// shmctl(IPC_RMID) while attached. When the last user detaches from the
	// segment, it is destroyed.
	pendingDestruction bool
}

func (s *Shm) free() bool {
	return s.key == linux.FreeKey
}

func (s *Shm) reset() {
	*s = Shm{
		ID:  -1,
		key: linux.FreeKey,
	}
}

// Precondition: Caller must hold the registry lock.
func (s *Shm) debugLocked() string {
	return fmt.Sprintf("Shm{id: %d, key: %d, size: %d bytes, pages: %d, perm: %v, attached: %d, destroyed: %v}",
		s.ID, s.key, s.size, len(s.pages), s.perm, s.attachCount, s.pendingDestruction)
}

// timeT converts t to seconds since the epoch, with the zero Time mapping
// to 0.
func timeT(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
