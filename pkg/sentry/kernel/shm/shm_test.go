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
	"bytes"
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tinyvisor/shmsys/pkg/abi/linux"
	"github.com/tinyvisor/shmsys/pkg/errors"
	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/metric"
	"github.com/tinyvisor/shmsys/pkg/sentry/mm"
	"github.com/tinyvisor/shmsys/pkg/sentry/pgalloc"
)

const (
	page = hostarch.PageSize
	heap = hostarch.Addr(linux.HEAPLIMIT)
)

type testProcess struct {
	pid int32
	mm  *mm.MemoryManager
}

func (p *testProcess) PID() int32 {
	return p.pid
}

func (p *testProcess) MemoryManager() *mm.MemoryManager {
	return p.mm
}

type testEnv struct {
	t   *testing.T
	ctx context.Context
	mf  *pgalloc.MemoryFile
	reg *prometheus.Registry
	r   *Registry
	now time.Time
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Pages: 1024})
	if err != nil {
		t.Fatalf("NewMemoryFile got err %v want nil", err)
	}
	t.Cleanup(mf.Destroy)
	e := &testEnv{
		t:   t,
		ctx: pgalloc.WithMemoryFile(context.Background(), mf),
		mf:  mf,
		reg: prometheus.NewRegistry(),
		now: time.Unix(1000, 0),
	}
	opts.Registerer = e.reg
	opts.Clock = func() time.Time { return e.now }
	e.r = NewRegistry(opts)
	return e
}

func (e *testEnv) newProcess(pid int32, opts mm.Options) *testProcess {
	e.t.Helper()
	m, err := mm.NewMemoryManager(e.mf, opts)
	if err != nil {
		e.t.Fatalf("NewMemoryManager got err %v want nil", err)
	}
	return &testProcess{pid: pid, mm: m}
}

func (e *testEnv) get(key Key, size uint64, opts GetOpts) ID {
	e.t.Helper()
	id, err := e.r.FindOrCreate(e.ctx, 1, key, size, opts)
	if err != nil {
		e.t.Fatalf("FindOrCreate(%d, %d, %+v) got err %v want nil", key, size, opts, err)
	}
	return id
}

func (e *testEnv) attach(p *testProcess, id ID, addr hostarch.Addr, opts AttachOpts) hostarch.Addr {
	e.t.Helper()
	got, err := e.r.Attach(e.ctx, p, id, addr, opts)
	if err != nil {
		e.t.Fatalf("Attach(%d, %v, %+v) got err %v want nil", id, addr, opts, err)
	}
	return got
}

func (e *testEnv) detach(p *testProcess, addr hostarch.Addr) {
	e.t.Helper()
	if err := e.r.Detach(e.ctx, p, addr); err != nil {
		e.t.Fatalf("Detach(%v) got err %v want nil", addr, err)
	}
}

func (e *testEnv) stat(id ID) *linux.ShmidDS {
	e.t.Helper()
	ds, err := e.r.IPCStat(e.ctx, id)
	if err != nil {
		e.t.Fatalf("IPCStat(%d) got err %v want nil", id, err)
	}
	return ds
}

// checkAttachCounts verifies that every live segment's attach count equals
// the number of attachments referencing it across procs.
func (e *testEnv) checkAttachCounts(procs ...*testProcess) {
	e.t.Helper()
	want := make(map[ID]uint64)
	for _, p := range procs {
		for _, a := range p.mm.Attachments() {
			want[ID(a.ID)]++
		}
	}
	for _, id := range e.r.IDs() {
		if got := e.stat(id).ShmNattach; got != want[id] {
			e.t.Errorf("segment %d: attach count %d, %d attachments found", id, got, want[id])
		}
		delete(want, id)
	}
	for id, n := range want {
		e.t.Errorf("%d attachments reference dead segment %d", n, id)
	}
}

var (
	create   = GetOpts{Create: true, Perm: PermReadWrite}
	createRO = GetOpts{Create: true, Perm: PermReadOnly}
)

func TestFindOrCreateSameID(t *testing.T) {
	e := newTestEnv(t, Options{})
	id := e.get(42, 3*page, create)
	for _, opts := range []GetOpts{
		create,
		{Perm: PermReadWrite},
		{},
		{Create: true, Perm: PermReadOnly},
	} {
		if got := e.get(42, 3*page-100, opts); got != id {
			t.Errorf("FindOrCreate(42, %+v) got id %d want %d", opts, got, id)
		}
	}
	if got := e.get(43, page, create); got == id {
		t.Errorf("FindOrCreate for a different key returned the same id %d", id)
	}
}

func TestFindOrCreateErrors(t *testing.T) {
	e := newTestEnv(t, Options{Regions: 8})
	e.get(7, 2*page, create)
	for _, tc := range []struct {
		name string
		key  Key
		size uint64
		opts GetOpts
		want *errors.Error
	}{
		{"zero size", 9, 0, create, linuxerr.EINVAL},
		{"zero size existing key", 7, 0, GetOpts{}, linuxerr.EINVAL},
		{"too many pages", 9, 9 * page, create, linuxerr.ENOSPC},
		{"size wraps page count", 9, math.MaxUint64, create, linuxerr.ENOSPC},
		{"create without mode", 9, page, GetOpts{Create: true}, linuxerr.EINVAL},
		{"private without mode", linux.IPC_PRIVATE, page, GetOpts{}, linuxerr.EINVAL},
		{"exclusive without create", 7, 2 * page, GetOpts{Exclusive: true, Perm: PermReadWrite}, linuxerr.EINVAL},
		{"free key", linux.FreeKey, page, create, linuxerr.EINVAL},
		{"missing key", 9, page, GetOpts{Perm: PermReadWrite}, linuxerr.ENOENT},
		{"size mismatch", 7, 3 * page, create, linuxerr.EEXIST},
		{"exclusive collision", 7, 2 * page, GetOpts{Create: true, Exclusive: true, Perm: PermReadWrite}, linuxerr.EEXIST},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := e.r.ShmInfo()
			_, err := e.r.FindOrCreate(e.ctx, 1, tc.key, tc.size, tc.opts)
			if !linuxerr.Equals(tc.want, err) {
				t.Errorf("FindOrCreate got err %v want %v", err, tc.want)
			}
			if diff := cmp.Diff(before, e.r.ShmInfo()); diff != "" {
				t.Errorf("failed FindOrCreate changed the registry (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPrivateAlwaysCreates(t *testing.T) {
	e := newTestEnv(t, Options{})
	a := e.get(linux.IPC_PRIVATE, page, GetOpts{Perm: PermReadWrite})
	b := e.get(linux.IPC_PRIVATE, page, GetOpts{Perm: PermReadWrite})
	if a == b {
		t.Errorf("two private segments share id %d", a)
	}
}

func TestMaximumSize(t *testing.T) {
	e := newTestEnv(t, Options{Regions: 4})
	id := e.get(1, 4*page, create)
	if got := e.stat(id).ShmSegsz; got != 4*page {
		t.Errorf("ShmSegsz got %d want %d", got, 4*page)
	}
	if _, err := e.r.FindOrCreate(e.ctx, 1, 2, 4*page+1, create); !linuxerr.Equals(linuxerr.ENOSPC, err) {
		t.Errorf("FindOrCreate(4 pages + 1) got err %v want %v", err, linuxerr.ENOSPC)
	}
}

func TestTableExhausted(t *testing.T) {
	e := newTestEnv(t, Options{Regions: 2})
	e.get(1, page, create)
	e.get(2, page, create)
	if _, err := e.r.FindOrCreate(e.ctx, 1, 3, page, create); !linuxerr.Equals(linuxerr.ENOSPC, err) {
		t.Errorf("FindOrCreate on a full table got err %v want %v", err, linuxerr.ENOSPC)
	}
	// Lookups still work.
	if _, err := e.r.FindOrCreate(e.ctx, 1, 2, page, GetOpts{}); err != nil {
		t.Errorf("FindOrCreate lookup on a full table got err %v want nil", err)
	}
}

func TestOutOfMemoryReleasesPages(t *testing.T) {
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Pages: 3})
	if err != nil {
		t.Fatalf("NewMemoryFile got err %v want nil", err)
	}
	defer mf.Destroy()
	r := NewRegistry(Options{})
	ctx := pgalloc.WithMemoryFile(context.Background(), mf)
	if _, err := r.FindOrCreate(ctx, 1, 5, 4*page, create); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("FindOrCreate(4 pages) with 3 frames got err %v want %v", err, linuxerr.ENOMEM)
	}
	if got := mf.FreePages(); got != 3 {
		t.Errorf("FreePages after failed create got %d want 3", got)
	}
	if ids := r.IDs(); len(ids) != 0 {
		t.Errorf("IDs after failed create got %v want none", ids)
	}
	if _, err := r.FindOrCreate(ctx, 1, 5, 3*page, create); err != nil {
		t.Errorf("FindOrCreate(3 pages) got err %v want nil", err)
	}
}

func TestPagesZeroed(t *testing.T) {
	e := newTestEnv(t, Options{})
	p := e.newProcess(1, mm.Options{})
	id := e.get(1, 2*page, create)
	addr := e.attach(p, id, 0, AttachOpts{})
	got := make([]byte, 2*page)
	if _, err := p.mm.CopyIn(addr, got); err != nil {
		t.Fatalf("CopyIn got err %v want nil", err)
	}
	if !bytes.Equal(got, make([]byte, 2*page)) {
		t.Errorf("new segment is not zeroed")
	}
}

func TestRoundTripReattach(t *testing.T) {
	e := newTestEnv(t, Options{})
	p := e.newProcess(1, mm.Options{})
	id := e.get(11, 2*page, create)

	addr := e.attach(p, id, 0, AttachOpts{})
	if addr != heap {
		t.Errorf("first attach got %v want %v", addr, heap)
	}
	want := []byte("across a page boundary")
	if _, err := p.mm.CopyOut(addr+page-5, want); err != nil {
		t.Fatalf("CopyOut got err %v want nil", err)
	}
	e.detach(p, addr)

	addr2 := e.attach(p, id, heap+16*page, AttachOpts{})
	got := make([]byte, len(want))
	if _, err := p.mm.CopyIn(addr2+page-5, got); err != nil {
		t.Fatalf("CopyIn got err %v want nil", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read back %q want %q", got, want)
	}
}

func TestDetachUnattached(t *testing.T) {
	e := newTestEnv(t, Options{})
	p := e.newProcess(1, mm.Options{})
	id := e.get(1, 2*page, create)
	addr := e.attach(p, id, 0, AttachOpts{})
	before := e.stat(id)
	beforeAtts := p.mm.Attachments()

	for _, bad := range []hostarch.Addr{addr + page, addr + 2*page, heap + 100*page} {
		if err := e.r.Detach(e.ctx, p, bad); !linuxerr.Equals(linuxerr.ENOENT, err) {
			t.Errorf("Detach(%v) got err %v want %v", bad, err, linuxerr.ENOENT)
		}
	}
	if diff := cmp.Diff(before, e.stat(id)); diff != "" {
		t.Errorf("failed Detach changed the segment (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(beforeAtts, p.mm.Attachments()); diff != "" {
		t.Errorf("failed Detach changed the attachments (-want +got):\n%s", diff)
	}
}

func TestCompaction(t *testing.T) {
	e := newTestEnv(t, Options{})
	p := e.newProcess(1, mm.Options{})
	var ids [3]ID
	var addrs [3]hostarch.Addr
	for i := range ids {
		ids[i] = e.get(Key(100+i), 2*page, create)
		addrs[i] = e.attach(p, ids[i], 0, AttachOpts{})
		if want := heap + hostarch.Addr(i)*2*page; addrs[i] != want {
			t.Errorf("attach #%d got %v want %v", i, addrs[i], want)
		}
	}
	e.detach(p, addrs[1])

	id := e.get(200, 2*page, create)
	if got := e.attach(p, id, 0, AttachOpts{}); got != addrs[1] {
		t.Errorf("attach after freeing the middle got %v want %v", got, addrs[1])
	}
	// A larger segment does not fit the gap and goes to the tail.
	big := e.get(201, 3*page, create)
	e.detach(p, addrs[1])
	if got, want := e.attach(p, big, 0, AttachOpts{}), heap+6*page; got != want {
		t.Errorf("attach of a larger segment got %v want %v", got, want)
	}
	e.checkAttachCounts(p)
}

func TestDeferredDestruction(t *testing.T) {
	e := newTestEnv(t, Options{})
	p := e.newProcess(1, mm.Options{})
	q := e.newProcess(2, mm.Options{})
	id := e.get(77, 4*page, create)
	pa := e.attach(p, id, 0, AttachOpts{})
	qa := e.attach(q, id, 0, AttachOpts{})
	free := e.mf.FreePages()

	if err := e.r.MarkDestroyed(e.ctx, id); err != nil {
		t.Fatalf("MarkDestroyed got err %v want nil", err)
	}
	if got := e.mf.FreePages(); got != free {
		t.Errorf("FreePages after MarkDestroyed got %d want %d", got, free)
	}
	ds := e.stat(id)
	if ds.ShmPerm.Mode&linux.SHM_DEST == 0 || ds.ShmPerm.Key != 77 {
		t.Errorf("IPCStat after MarkDestroyed got mode %#o key %d, want SHM_DEST set and key 77", ds.ShmPerm.Mode, ds.ShmPerm.Key)
	}
	// The key is free for a new segment.
	fresh := e.get(77, page, create)
	if fresh == id {
		t.Errorf("new segment for key 77 reused id %d of the pending segment", id)
	}
	if err := e.r.MarkDestroyed(e.ctx, id); err != nil {
		t.Errorf("second MarkDestroyed got err %v want nil", err)
	}

	e.detach(p, pa)
	if got := e.mf.FreePages(); got != free-1 {
		t.Errorf("FreePages after first detach got %d want %d", got, free-1)
	}
	e.detach(q, qa)
	if got := e.mf.FreePages(); got != free-1+4 {
		t.Errorf("FreePages after last detach got %d want %d", got, free+3)
	}
	if _, err := e.r.IPCStat(e.ctx, id); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("IPCStat of destroyed segment got err %v want %v", err, linuxerr.ENOENT)
	}
	e.checkAttachCounts(p, q)
}

func TestImmediateDestruction(t *testing.T) {
	e := newTestEnv(t, Options{})
	free := e.mf.FreePages()
	id := e.get(5, 3*page, create)
	if err := e.r.MarkDestroyed(e.ctx, id); err != nil {
		t.Fatalf("MarkDestroyed got err %v want nil", err)
	}
	if got := e.mf.FreePages(); got != free {
		t.Errorf("FreePages got %d want %d", got, free)
	}
	if err := e.r.MarkDestroyed(e.ctx, id); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("MarkDestroyed of a freed id got err %v want %v", err, linuxerr.ENOENT)
	}
	if err := e.r.MarkDestroyed(e.ctx, ID(DefaultRegions)); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("MarkDestroyed out of range got err %v want %v", err, linuxerr.EINVAL)
	}
}

func TestPermissions(t *testing.T) {
	e := newTestEnv(t, Options{})
	p := e.newProcess(1, mm.Options{})
	id := e.get(3, page, createRO)

	if _, err := e.r.Attach(e.ctx, p, id, 0, AttachOpts{}); !linuxerr.Equals(linuxerr.EACCES, err) {
		t.Errorf("read-write Attach of a read-only segment got err %v want %v", err, linuxerr.EACCES)
	}
	ro := e.attach(p, id, 0, AttachOpts{Readonly: true})
	if _, err := p.mm.CopyOut(ro, []byte{1}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("write through a read-only attachment got err %v want %v", err, linuxerr.EFAULT)
	}

	for _, mode := range []uint16{0, 02, 07, 0644, linux.RW_SHM | linux.SHM_DEST} {
		ds := &linux.ShmidDS{ShmPerm: linux.IPCPerm{Mode: mode}}
		if err := e.r.Set(e.ctx, id, ds); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("Set(mode %#o) got err %v want %v", mode, err, linuxerr.EINVAL)
		}
		if got := e.stat(id).ShmPerm.Mode; got != linux.READ_SHM {
			t.Errorf("mode after rejected Set got %#o want %#o", got, linux.READ_SHM)
		}
	}

	e.now = e.now.Add(time.Minute)
	if err := e.r.Set(e.ctx, id, &linux.ShmidDS{ShmPerm: linux.IPCPerm{Mode: linux.RW_SHM}}); err != nil {
		t.Fatalf("Set(RW_SHM) got err %v want nil", err)
	}
	ds := e.stat(id)
	if ds.ShmPerm.Mode != linux.RW_SHM || ds.ShmCtime != e.now.Unix() {
		t.Errorf("after Set got mode %#o ctime %d want %#o %d", ds.ShmPerm.Mode, ds.ShmCtime, linux.RW_SHM, e.now.Unix())
	}
	rw := e.attach(p, id, 0, AttachOpts{})
	if _, err := p.mm.CopyOut(rw, []byte{1}); err != nil {
		t.Errorf("write through a read-write attachment got err %v want nil", err)
	}
	// The earlier attachment keeps its access.
	if _, err := p.mm.CopyOut(ro, []byte{1}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("write through the old read-only attachment got err %v want %v", err, linuxerr.EFAULT)
	}
}

func TestStat(t *testing.T) {
	e := newTestEnv(t, Options{})
	p := e.newProcess(9, mm.Options{})
	created := e.now
	id, err := e.r.FindOrCreate(e.ctx, 4, 12, 5000, create)
	if err != nil {
		t.Fatalf("FindOrCreate got err %v want nil", err)
	}
	e.now = e.now.Add(time.Second)
	addr := e.attach(p, id, 0, AttachOpts{})
	attached := e.now
	e.now = e.now.Add(time.Second)
	e.detach(p, addr)

	want := &linux.ShmidDS{
		ShmPerm:    linux.IPCPerm{Key: 12, Mode: linux.RW_SHM},
		ShmSegsz:   5000,
		ShmAtime:   attached.Unix(),
		ShmDtime:   e.now.Unix(),
		ShmCtime:   created.Unix(),
		ShmCpid:    4,
		ShmLpid:    9,
		ShmNattach: 0,
	}
	if diff := cmp.Diff(want, e.stat(id)); diff != "" {
		t.Errorf("IPCStat mismatch (-want +got):\n%s", diff)
	}
}

func TestAttachAddressValidation(t *testing.T) {
	layout := mm.Layout{HeapLimit: heap, KernBase: heap + 16*page}
	e := newTestEnv(t, Options{})
	p := e.newProcess(1, mm.Options{Layout: layout})
	id := e.get(1, 4*page, create)
	for _, tc := range []struct {
		name string
		id   ID
		addr hostarch.Addr
		want *errors.Error
	}{
		{"below heap", id, heap - page, linuxerr.EINVAL},
		{"at kernbase", id, layout.KernBase, linuxerr.EINVAL},
		{"misaligned", id, heap + 10, linuxerr.EINVAL},
		{"reaches kernbase", id, layout.KernBase - 4*page, linuxerr.ENOMEM},
		{"id out of range", ID(DefaultRegions), heap, linuxerr.EINVAL},
		{"free id", 5, heap, linuxerr.ENOENT},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.r.Attach(e.ctx, p, tc.id, tc.addr, AttachOpts{}); !linuxerr.Equals(tc.want, err) {
				t.Errorf("Attach(%d, %v) got err %v want %v", tc.id, tc.addr, err, tc.want)
			}
		})
	}
	got := e.attach(p, id, heap+page+10, AttachOpts{Round: true})
	if got != heap+page {
		t.Errorf("rounded attach got %v want %v", got, heap+page)
	}
	if n := len(p.mm.Attachments()); n != 1 {
		t.Errorf("got %d attachments want 1", n)
	}
	// Auto placement past the occupied range would reach KernBase.
	e.attach(p, id, 0, AttachOpts{})
	e.attach(p, id, 0, AttachOpts{})
	if _, err := e.r.Attach(e.ctx, p, id, 0, AttachOpts{}); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Attach into a full window got err %v want %v", err, linuxerr.ENOMEM)
	}
	e.checkAttachCounts(p)
}

func TestSlotsExhausted(t *testing.T) {
	e := newTestEnv(t, Options{})
	p := e.newProcess(1, mm.Options{AttachSlots: 2})
	id := e.get(1, page, create)
	e.attach(p, id, 0, AttachOpts{})
	e.attach(p, id, 0, AttachOpts{})
	if _, err := e.r.Attach(e.ctx, p, id, 0, AttachOpts{}); !linuxerr.Equals(linuxerr.EMFILE, err) {
		t.Errorf("Attach with full slots got err %v want %v", err, linuxerr.EMFILE)
	}
	if got := e.stat(id).ShmNattach; got != 2 {
		t.Errorf("ShmNattach got %d want 2", got)
	}
}

func TestRemap(t *testing.T) {
	e := newTestEnv(t, Options{})
	p := e.newProcess(1, mm.Options{})
	a := e.get(1, 2*page, create)
	b := e.get(2, 3*page, create)
	c := e.get(3, page, create)

	aAddr := e.attach(p, a, heap, AttachOpts{})
	cAddr := e.attach(p, c, heap+3*page, AttachOpts{})
	if _, err := p.mm.CopyOut(aAddr, []byte("a")); err != nil {
		t.Fatalf("CopyOut got err %v want nil", err)
	}
	before := p.mm.Attachments()
	frame, _, _ := p.mm.Translate(aAddr)

	if _, err := e.r.Attach(e.ctx, p, b, heap+page, AttachOpts{}); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Fatalf("overlapping Attach got err %v want %v", err, linuxerr.EEXIST)
	}
	if diff := cmp.Diff(before, p.mm.Attachments()); diff != "" {
		t.Errorf("failed Attach changed the attachments (-want +got):\n%s", diff)
	}
	if got, _, ok := p.mm.Translate(aAddr); !ok || got != frame {
		t.Errorf("mapping at %v got (%#x, %v) want (%#x, true)", aAddr, got, ok, frame)
	}

	// b covers the tail of a and all of c.
	bAddr := e.attach(p, b, heap+page, AttachOpts{Remap: true})
	if bAddr != heap+page {
		t.Errorf("remap attach got %v want %v", bAddr, heap+page)
	}
	want := []mm.Attachment{{ID: int32(b), Key: 2, Addr: heap + page, Pages: 3, Perms: hostarch.ReadWrite}}
	if diff := cmp.Diff(want, p.mm.Attachments()); diff != "" {
		t.Errorf("attachments after remap (-want +got):\n%s", diff)
	}
	if _, _, ok := p.mm.Translate(aAddr); ok {
		t.Errorf("%v still mapped after remap", aAddr)
	}
	if _, _, ok := p.mm.Translate(cAddr + 3*page); ok {
		t.Errorf("%v mapped past the new attachment", cAddr+3*page)
	}
	for _, id := range []ID{a, c} {
		if got := e.stat(id).ShmNattach; got != 0 {
			t.Errorf("segment %d ShmNattach got %d want 0", id, got)
		}
	}
	e.checkAttachCounts(p)
}

func TestRemapOverPendingSelf(t *testing.T) {
	e := newTestEnv(t, Options{})
	p := e.newProcess(1, mm.Options{})
	id := e.get(1, page, create)
	addr := e.attach(p, id, 0, AttachOpts{})
	if err := e.r.MarkDestroyed(e.ctx, id); err != nil {
		t.Fatalf("MarkDestroyed got err %v want nil", err)
	}
	// Replacing the only attachment destroys the segment being attached.
	if _, err := e.r.Attach(e.ctx, p, id, addr, AttachOpts{Remap: true}); !linuxerr.Equals(linuxerr.EIDRM, err) {
		t.Errorf("Attach got err %v want %v", err, linuxerr.EIDRM)
	}
	if n := len(p.mm.Attachments()); n != 0 {
		t.Errorf("got %d attachments want 0", n)
	}
}

func TestForkAndDetachAll(t *testing.T) {
	e := newTestEnv(t, Options{})
	parent := e.newProcess(1, mm.Options{})
	free := e.mf.FreePages()
	rw := e.get(1, 2*page, create)
	ro := e.get(2, page, createRO)
	rwAddr := e.attach(parent, rw, 0, AttachOpts{})
	roAddr := e.attach(parent, ro, 0, AttachOpts{Readonly: true})
	if _, err := parent.mm.CopyOut(rwAddr, []byte("hello")); err != nil {
		t.Fatalf("CopyOut got err %v want nil", err)
	}

	cm, err := parent.mm.Fork()
	if err != nil {
		t.Fatalf("Fork got err %v want nil", err)
	}
	child := &testProcess{pid: 2, mm: cm}
	if err := e.r.Fork(e.ctx, parent, child); err != nil {
		t.Fatalf("Registry.Fork got err %v want nil", err)
	}
	if diff := cmp.Diff(parent.mm.Attachments(), child.mm.Attachments()); diff != "" {
		t.Errorf("child attachments differ (-parent +child):\n%s", diff)
	}
	if _, err := child.mm.CopyOut(rwAddr, []byte("J")); err != nil {
		t.Fatalf("child CopyOut got err %v want nil", err)
	}
	got := make([]byte, 5)
	if _, err := parent.mm.CopyIn(rwAddr, got); err != nil {
		t.Fatalf("CopyIn got err %v want nil", err)
	}
	if string(got) != "Jello" {
		t.Errorf("parent reads %q after child write, want %q", got, "Jello")
	}
	if _, err := child.mm.CopyOut(roAddr, []byte("x")); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("child write to read-only attachment got err %v want %v", err, linuxerr.EFAULT)
	}
	e.checkAttachCounts(parent, child)

	if err := e.r.MarkDestroyed(e.ctx, rw); err != nil {
		t.Fatalf("MarkDestroyed got err %v want nil", err)
	}
	if err := e.r.DetachAll(e.ctx, child); err != nil {
		t.Errorf("DetachAll(child) got err %v want nil", err)
	}
	child.mm.Release()
	e.checkAttachCounts(parent, child)
	if err := e.r.DetachAll(e.ctx, parent); err != nil {
		t.Errorf("DetachAll(parent) got err %v want nil", err)
	}
	if ids := e.r.IDs(); !cmp.Equal(ids, []ID{ro}) {
		t.Errorf("IDs after exit got %v want [%d]", ids, ro)
	}
	if err := e.r.MarkDestroyed(e.ctx, ro); err != nil {
		t.Fatalf("MarkDestroyed got err %v want nil", err)
	}
	// free was sampled after the parent's page tables were allocated, and
	// attaching allocated one more page-table page.
	if got, want := e.mf.FreePages(), free-1; got != want {
		t.Errorf("FreePages got %d want %d", got, want)
	}
}

func TestConcurrentAttachDetach(t *testing.T) {
	e := newTestEnv(t, Options{})
	id := e.get(1, 2*page, create)
	const workers = 8
	procs := make([]*testProcess, workers)
	for i := range procs {
		procs[i] = e.newProcess(int32(i+1), mm.Options{})
	}

	var g errgroup.Group
	for i, p := range procs {
		g.Go(func() error {
			for n := 0; n < 50; n++ {
				addr, err := e.r.Attach(e.ctx, p, id, 0, AttachOpts{})
				if err != nil {
					return fmt.Errorf("pid %d attach: %w", p.pid, err)
				}
				if _, err := p.mm.CopyOut(addr+hostarch.Addr(i), []byte{byte(p.pid)}); err != nil {
					return fmt.Errorf("pid %d write: %w", p.pid, err)
				}
				if err := e.r.Detach(e.ctx, p, addr); err != nil {
					return fmt.Errorf("pid %d detach: %w", p.pid, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := e.stat(id).ShmNattach; got != 0 {
		t.Errorf("ShmNattach got %d want 0", got)
	}

	// Every worker's last write survives in the shared pages.
	p := procs[0]
	addr := e.attach(p, id, 0, AttachOpts{})
	got := make([]byte, workers)
	if _, err := p.mm.CopyIn(addr, got); err != nil {
		t.Fatalf("CopyIn got err %v want nil", err)
	}
	for i, b := range got {
		if b != byte(i+1) {
			t.Errorf("byte %d got %d want %d", i, b, i+1)
		}
	}
}

func TestInfo(t *testing.T) {
	e := newTestEnv(t, Options{Regions: 16})
	e.get(1, 3*page, create)
	e.get(2, page, create)

	want := &linux.ShmInfo{UsedIDs: 2, ShmTot: 4, ShmRss: 4}
	if diff := cmp.Diff(want, e.r.ShmInfo()); diff != "" {
		t.Errorf("ShmInfo mismatch (-want +got):\n%s", diff)
	}
	params := e.r.IPCInfo()
	if params.ShmMni != 16 || params.ShmMax != 16*page {
		t.Errorf("IPCInfo got %+v want ShmMni 16 ShmMax %d", params, 16*page)
	}
}

func TestMetrics(t *testing.T) {
	e := newTestEnv(t, Options{})
	p := e.newProcess(1, mm.Options{})
	id := e.get(1, 2*page, create)
	addr := e.attach(p, id, 0, AttachOpts{})
	e.r.Detach(e.ctx, p, addr+page)
	e.detach(p, addr)
	if err := e.r.MarkDestroyed(e.ctx, id); err != nil {
		t.Fatalf("MarkDestroyed got err %v want nil", err)
	}

	got, err := metric.Snapshot(e.reg)
	if err != nil {
		t.Fatalf("Snapshot got err %v want nil", err)
	}
	for name, want := range map[string]float64{
		"shm_regions":        0,
		"shm_pages":          0,
		"shm_attaches_total": 1,
		"shm_detaches_total": 1,
		"shm_destroys_total": 1,
		`shm_failures_total{call="shmdt",errno="ENOENT"}`: 1,
	} {
		if got[name] != want {
			t.Errorf("metric %s got %v want %v", name, got[name], want)
		}
	}
}
