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

package scenario

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tinyvisor/shmsys/pkg/abi/linux"
	"github.com/tinyvisor/shmsys/pkg/errors"
	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/log"
	"github.com/tinyvisor/shmsys/pkg/sentry/kernel"
	sys "github.com/tinyvisor/shmsys/pkg/sentry/syscalls/linux"
)

// Result is the outcome of one step.
type Result struct {
	// Step is the step's position, starting at 1.
	Step int

	// Desc describes the step.
	Desc string

	// Ret is the call's return value; -1 on failure.
	Ret int64

	// Err is the call's error, if any.
	Err error

	// Failure is non-empty if the step did not behave as expected.
	Failure string
}

// Report is the outcome of a scenario.
type Report struct {
	// Name is the scenario's name.
	Name string

	// Results has one entry per step executed. A scenario stops at its
	// first failed step.
	Results []Result
}

// Passed reports whether every step behaved as expected.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if res.Failure != "" {
			return false
		}
	}
	return true
}

// Failures returns the failure of each failed step.
func (r *Report) Failures() []string {
	var fs []string
	for _, res := range r.Results {
		if res.Failure != "" {
			fs = append(fs, fmt.Sprintf("step %d %s: %s", res.Step, res.Desc, res.Failure))
		}
	}
	return fs
}

// parseExpect decodes a step's expect field. If anyErr is set, any error is
// expected; otherwise a nil want means success is expected.
func parseExpect(expect string) (want *errors.Error, anyErr bool, err error) {
	switch expect {
	case "", "ok":
		return nil, false, nil
	case "error":
		return nil, true, nil
	}
	e, ok := linuxerr.FromName(expect)
	if !ok {
		return nil, false, fmt.Errorf("bad expect %q", expect)
	}
	return e, false, nil
}

// runner holds the state of a running scenario.
type runner struct {
	k     *kernel.Kernel
	procs map[string]*kernel.Process
	vars  map[string]int64

	// first names the process used by steps that name none.
	first string
}

// Run executes sc in k. Processes named by sc are created in k before the
// first step; those still alive when sc ends are left running. The error is
// non-nil only if sc could not be started.
func Run(k *kernel.Kernel, sc *Scenario) (*Report, error) {
	r := &runner{
		k:     k,
		procs: make(map[string]*kernel.Process),
		vars:  make(map[string]int64),
		first: sc.Processes[0],
	}
	for _, name := range sc.Processes {
		if _, ok := r.procs[name]; ok {
			return nil, fmt.Errorf("scenario %q: duplicate process %q", sc.Name, name)
		}
		p, err := k.CreateProcess()
		if err != nil {
			return nil, fmt.Errorf("scenario %q: creating process %q: %w", sc.Name, name, err)
		}
		r.procs[name] = p
		r.vars[name] = int64(p.PID())
	}

	rep := &Report{Name: sc.Name}
	for i := range sc.Steps {
		s := &sc.Steps[i]
		res := r.step(s)
		res.Step = i + 1
		res.Desc = s.String()
		rep.Results = append(rep.Results, res)
		if res.Failure != "" {
			log.Infof("Scenario %q step %d %s: %s", sc.Name, res.Step, res.Desc, res.Failure)
			break
		}
		log.Debugf("Scenario %q step %d %s = %d (%v)", sc.Name, res.Step, res.Desc, res.Ret, res.Err)
	}
	return rep, nil
}

func (r *runner) step(s *Step) Result {
	var res Result
	p, err := r.process(s.Proc)
	if err != nil {
		res.Failure = err.Error()
		return res
	}
	args := make([]int64, len(s.Args))
	for i, a := range s.Args {
		if args[i], err = a.eval(r.vars); err != nil {
			res.Failure = err.Error()
			return res
		}
	}

	res.Ret, res.Err, err = r.call(p, s, args)
	if err != nil {
		res.Failure = err.Error()
		return res
	}
	if f := r.check(s, p, res.Ret, res.Err); f != "" {
		res.Failure = f
		return res
	}
	if res.Err == nil && s.Save != "" {
		r.vars[s.Save] = res.Ret
		if s.Call == "fork" {
			r.procs[s.Save] = r.k.Process(int32(res.Ret))
		}
	}
	return res
}

// process returns the process named name.
func (r *runner) process(name string) (*kernel.Process, error) {
	if name == "" {
		name = r.first
	}
	p, ok := r.procs[name]
	if !ok || p == nil {
		return nil, fmt.Errorf("no process %q", name)
	}
	return p, nil
}

// call executes s. The returned error is non-nil if s is malformed; the
// call's own error is returned as callErr.
func (r *runner) call(p *kernel.Process, s *Step, args []int64) (ret int64, callErr, err error) {
	switch s.Call {
	case "write":
		if len(args) != 1 {
			return 0, nil, fmt.Errorf("write takes one argument")
		}
		n, werr := p.CopyOutBytes(hostarch.Addr(args[0]), []byte(s.Data))
		if werr != nil {
			return -1, werr, nil
		}
		return int64(n), nil, nil
	case "read":
		if len(args) != 1 {
			return 0, nil, fmt.Errorf("read takes one argument")
		}
		buf := make([]byte, len(s.Data))
		n, rerr := p.CopyInBytes(hostarch.Addr(args[0]), buf)
		if rerr != nil {
			return -1, rerr, nil
		}
		if string(buf) != s.Data {
			return 0, nil, fmt.Errorf("read %q want %q", buf, s.Data)
		}
		return int64(n), nil, nil
	}

	if s.Mode != nil {
		mode, err := s.Mode.eval(r.vars)
		if err != nil {
			return 0, nil, err
		}
		ds := linux.ShmidDS{}
		ds.ShmPerm.Mode = uint16(mode)
		buf := make([]byte, ds.SizeBytes())
		ds.MarshalBytes(buf)
		if _, err := p.CopyOutBytes(Buf, buf); err != nil {
			return 0, nil, fmt.Errorf("writing mode to buffer: %w", err)
		}
	}

	sysno, ok := sysnos[s.Call]
	if !ok {
		return 0, nil, fmt.Errorf("unknown call %q", s.Call)
	}
	uargs := make([]uintptr, len(args))
	for i, a := range args {
		uargs[i] = uintptr(uint32(a))
	}
	ret, callErr = sys.Call(p, sysno, uargs...)
	return ret, callErr, nil
}

// check compares the outcome of s against its expectations.
func (r *runner) check(s *Step, p *kernel.Process, ret int64, callErr error) string {
	want, anyErr, err := parseExpect(s.Expect)
	if err != nil {
		return err.Error()
	}
	switch {
	case anyErr:
		if callErr == nil {
			return fmt.Sprintf("got %d want an error", ret)
		}
		return ""
	case want != nil:
		if !linuxerr.Equals(want, callErr) {
			return fmt.Sprintf("got err %v want %v", callErr, want)
		}
		return ""
	case callErr != nil:
		return fmt.Sprintf("got err %v want nil", callErr)
	}

	if s.Want != nil {
		w, err := s.Want.eval(r.vars)
		if err != nil {
			return err.Error()
		}
		if ret != w {
			return fmt.Sprintf("got %d want %d", ret, w)
		}
	}
	if len(s.Stat) > 0 {
		return r.checkStat(s, p)
	}
	return ""
}

// checkStat compares the buffer at Buf against s.Stat.
func (r *runner) checkStat(s *Step, p *kernel.Process) string {
	var ds linux.ShmidDS
	buf := make([]byte, ds.SizeBytes())
	if _, err := p.CopyInBytes(Buf, buf); err != nil {
		return fmt.Sprintf("reading buffer: %v", err)
	}
	ds.UnmarshalBytes(buf)
	names := make([]string, 0, len(s.Stat))
	for name := range s.Stat {
		names = append(names, name)
	}
	sort.Strings(names)
	var diffs []string
	for _, name := range names {
		w, err := s.Stat[name].eval(r.vars)
		if err != nil {
			return err.Error()
		}
		if got := statFields[name](&ds); got != w {
			diffs = append(diffs, fmt.Sprintf("%s got %d want %d", name, got, w))
		}
	}
	return strings.Join(diffs, "; ")
}

// sysnos maps system call names to numbers.
var sysnos = make(map[string]uintptr)

func init() {
	for sysno, sc := range sys.Table.Table {
		sysnos[sc.Name] = sysno
	}
}
