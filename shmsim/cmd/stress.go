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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tinyvisor/shmsys/pkg/abi/linux"
	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/log"
	"github.com/tinyvisor/shmsys/pkg/sentry/kernel"
	sys "github.com/tinyvisor/shmsys/pkg/sentry/syscalls/linux"
	"github.com/tinyvisor/shmsys/shmsim/config"
)

// sharedKey is the key of the segment every stress worker attaches.
const sharedKey = 0x5eed

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	metricsFlag
	kernels    int
	workers    int
	iterations int
	forkEvery  int
	seed       uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent processes against shared memory and check invariants"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run concurrent processes against shared memory.

Each worker process repeatedly creates a private segment, attaches it next to
a segment shared by all workers, checks that what it writes reads back, and
tears everything down. Once all workers exit, no segment may remain and every
physical page must be free again.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	s.metricsFlag.setFlags(f)
	f.IntVar(&s.kernels, "kernels", 1, "number of independent kernels to run.")
	f.IntVar(&s.workers, "workers", 8, "number of worker processes per kernel.")
	f.IntVar(&s.iterations, "iterations", 100, "iterations per worker.")
	f.IntVar(&s.forkEvery, "fork-every", 10, "fork a checking child every N iterations; 0 to never fork.")
	f.Uint64Var(&s.seed, "seed", 0, "random seed; 0 picks one from the clock.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.kernels <= 0 || s.workers <= 0 || s.iterations <= 0 || s.forkEvery < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, reg := unpackArgs(args)
	if s.seed == 0 {
		s.seed = uint64(time.Now().UnixNano())
	}
	log.Infof("Stress: %d kernels, %d workers, %d iterations, seed %d", s.kernels, s.workers, s.iterations, s.seed)

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.kernels; i++ {
		kconf := conf.Clone()
		g.Go(func() error {
			return s.runKernel(ctx, kconf, reg, i)
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Printf("FAIL stress: %v\n", err)
		s.finish(reg)
		return subcommands.ExitFailure
	}
	fmt.Printf("PASS stress (%d kernels x %d workers x %d iterations in %v)\n", s.kernels, s.workers, s.iterations, time.Since(start).Round(time.Millisecond))
	return s.finish(reg)
}

// runKernel runs the workers of kernel i and checks that they leave nothing
// behind.
func (s *Stress) runKernel(ctx context.Context, conf *config.Config, reg prometheus.Registerer, i int) error {
	k, err := newKernel(conf, reg, fmt.Sprintf("stress-%d", i))
	if err != nil {
		return err
	}
	defer k.Destroy()
	free := k.MemoryFile().FreePages()

	procs := make([]*kernel.Process, s.workers)
	for w := range procs {
		p, err := k.CreateProcess()
		if err != nil {
			return fmt.Errorf("kernel %d: creating worker %d: %w", i, w, err)
		}
		procs[w] = p
	}

	g, ctx := errgroup.WithContext(ctx)
	for w, p := range procs {
		rng := rand.New(rand.NewPCG(s.seed, uint64(i)<<32|uint64(w)))
		g.Go(func() error {
			wk := &worker{p: p, rng: rng, forkEvery: s.forkEvery}
			err := wk.run(ctx, s.iterations)
			if xerr := p.Exit(); err == nil {
				err = xerr
			}
			if err != nil {
				return fmt.Errorf("kernel %d worker %d: %w", i, w, err)
			}
			log.Debugf("Kernel %d worker %d: %d rounds, %d exhausted", i, w, wk.rounds, wk.exhausted)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return checkQuiescent(k, free)
}

// checkQuiescent removes the shared segment and checks that k holds no
// segment and has every page in free.
func checkQuiescent(k *kernel.Kernel, free int) error {
	r := k.ShmRegistry()
	for _, id := range r.IDs() {
		ds, err := r.IPCStat(k.SupervisorContext(), id)
		if err != nil {
			return fmt.Errorf("stat of segment %d: %w", id, err)
		}
		if ds.ShmNattach != 0 {
			return fmt.Errorf("segment %d has %d attachments with no processes left", id, ds.ShmNattach)
		}
		if ds.ShmPerm.Key != sharedKey {
			return fmt.Errorf("segment %d with key %#x leaked", id, ds.ShmPerm.Key)
		}
		if err := r.MarkDestroyed(k.SupervisorContext(), id); err != nil {
			return fmt.Errorf("destroying segment %d: %w", id, err)
		}
	}
	if info := r.ShmInfo(); info.UsedIDs != 0 || info.ShmTot != 0 {
		return fmt.Errorf("%d segments holding %d pages remain", info.UsedIDs, info.ShmTot)
	}
	if got := k.MemoryFile().FreePages(); got != free {
		return fmt.Errorf("%d pages free want %d", got, free)
	}
	return nil
}

// worker drives one process.
type worker struct {
	p         *kernel.Process
	rng       *rand.Rand
	forkEvery int

	// rounds counts completed iterations.
	rounds int

	// exhausted counts iterations skipped for lack of resources.
	exhausted int
}

// isExhausted reports whether err is a resource shortage other workers may
// cause.
func isExhausted(err error) bool {
	return linuxerr.Equals(linuxerr.ENOSPC, err) ||
		linuxerr.Equals(linuxerr.ENOMEM, err) ||
		linuxerr.Equals(linuxerr.EMFILE, err)
}

func (w *worker) call(sysno uintptr, args ...uintptr) (uintptr, error) {
	rv, err := sys.Call(w.p, sysno, args...)
	return uintptr(rv), err
}

func (w *worker) run(ctx context.Context, iterations int) error {
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := w.round(i)
		if isExhausted(err) {
			w.exhausted++
			continue
		}
		if err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
		w.rounds++
	}
	return nil
}

// round attaches the shared segment and a new private one, checks a
// pattern written to the private one, then detaches both and destroys the
// private one.
func (w *worker) round(i int) (err error) {
	sid, err := w.call(sys.SysShmget, sharedKey, hostarch.PageSize, linux.IPC_CREAT|linux.RW_SHM)
	if err != nil {
		return fmt.Errorf("shmget shared: %w", err)
	}
	saddr, err := w.call(sys.SysShmat, sid, 0, 0)
	if err != nil {
		return fmt.Errorf("shmat shared: %w", err)
	}
	defer func() {
		if _, derr := w.call(sys.SysShmdt, saddr); derr != nil && err == nil {
			err = fmt.Errorf("shmdt shared: %w", derr)
		}
	}()

	size := uintptr(1 + w.rng.IntN(4*hostarch.PageSize))
	id, err := w.call(sys.SysShmget, linux.IPC_PRIVATE, size, linux.IPC_CREAT|linux.RW_SHM)
	if err != nil {
		return fmt.Errorf("shmget: %w", err)
	}
	defer func() {
		if _, derr := w.call(sys.SysShmctl, id, linux.IPC_RMID, 0); derr != nil && err == nil {
			err = fmt.Errorf("shmctl IPC_RMID: %w", derr)
		}
	}()
	addr, err := w.call(sys.SysShmat, id, 0, 0)
	if err != nil {
		return fmt.Errorf("shmat: %w", err)
	}
	defer func() {
		if _, derr := w.call(sys.SysShmdt, addr); derr != nil && err == nil {
			err = fmt.Errorf("shmdt: %w", derr)
		}
	}()

	pattern := []byte(fmt.Sprintf("pid %d round %d", w.p.PID(), i))
	pattern = bytes.Repeat(pattern, int(size)/len(pattern)+1)[:size]
	if _, err := w.p.CopyOutBytes(hostarch.Addr(addr), pattern); err != nil {
		return fmt.Errorf("writing %#x: %w", addr, err)
	}
	if err := checkBytes(w.p, hostarch.Addr(addr), pattern); err != nil {
		return err
	}

	if w.forkEvery > 0 && i%w.forkEvery == 0 {
		child, err := w.p.Fork()
		if err != nil {
			return fmt.Errorf("fork: %w", err)
		}
		cerr := checkBytes(child, hostarch.Addr(addr), pattern)
		if err := child.Exit(); err != nil && cerr == nil {
			cerr = fmt.Errorf("child exit: %w", err)
		}
		if cerr != nil {
			return fmt.Errorf("child %d: %w", child.PID(), cerr)
		}
	}
	return nil
}

// checkBytes checks that p sees want at addr.
func checkBytes(p *kernel.Process, addr hostarch.Addr, want []byte) error {
	got := make([]byte, len(want))
	if _, err := p.CopyInBytes(addr, got); err != nil {
		return fmt.Errorf("reading %#x: %w", addr, err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("read back wrong data at %#x", addr)
	}
	return nil
}
