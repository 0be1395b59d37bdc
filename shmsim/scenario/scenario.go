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

// Package scenario runs scripted sequences of system calls against a
// kernel. A scenario is a YAML document naming some processes and the steps
// they take:
//
//	name: basic
//	processes: [p]
//	steps:
//	  - {proc: p, call: shmget, args: [2000, 2565, IPC_CREAT|RW_SHM], save: id}
//	  - {proc: p, call: shmat, args: [$id, 0, 0], save: addr}
//	  - {proc: p, call: write, args: [$addr], data: "Test String"}
//	  - {proc: p, call: shmctl, args: [$id, IPC_RMID, 0], expect: ok}
//
// Arguments are numbers, symbolic constants, or $name references to earlier
// results, combined with | and +.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyvisor/shmsys/pkg/abi/linux"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/sentry/kernel"
)

// Scenario is a named script.
type Scenario struct {
	// Name identifies the scenario in reports.
	Name string `yaml:"name"`

	// Description is free text.
	Description string `yaml:"description,omitempty"`

	// Processes names the processes created before the first step, in
	// order. Steps that name no process run in the first one.
	Processes []string `yaml:"processes"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`
}

// Step is one system call or memory access.
type Step struct {
	// Proc names the process taking the step.
	Proc string `yaml:"proc,omitempty"`

	// Call is a system call name from the syscall table, or one of read and
	// write.
	Call string `yaml:"call"`

	// Args are the call's arguments. For read and write, the only argument
	// is the address.
	Args []Value `yaml:"args,omitempty"`

	// Data is written by write and compared by read.
	Data string `yaml:"data,omitempty"`

	// Mode, if set on an shmctl step, is stored in the shm_perm.mode of the
	// buffer at Buf before the call.
	Mode *Value `yaml:"mode,omitempty"`

	// Stat, if set on an shmctl step, lists fields of the buffer at Buf to
	// check after the call: key, mode, segsz, nattach, cpid, lpid.
	Stat map[string]Value `yaml:"stat,omitempty"`

	// Save names the result for later steps. For fork, it also names the
	// child process.
	Save string `yaml:"save,omitempty"`

	// Want, if set, is the expected result of a successful call.
	Want *Value `yaml:"want,omitempty"`

	// Expect is "ok" (the default), "error", or an errno name such as
	// "EINVAL".
	Expect string `yaml:"expect,omitempty"`
}

// String implements fmt.Stringer.String.
func (s *Step) String() string {
	args := make([]string, len(s.Args))
	for i, a := range s.Args {
		args[i] = a.String()
	}
	proc := s.Proc
	if proc == "" {
		proc = "-"
	}
	return fmt.Sprintf("%s: %s(%s)", proc, s.Call, strings.Join(args, ", "))
}

// Load decodes every scenario in r. r may hold several YAML documents.
func Load(r io.Reader) ([]*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var scs []*Scenario
	for {
		var sc Scenario
		if err := dec.Decode(&sc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if err := sc.validate(); err != nil {
			return nil, err
		}
		scs = append(scs, &sc)
	}
	return scs, nil
}

// LoadFile decodes every scenario in the file at path.
func LoadFile(path string) ([]*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	scs, err := Load(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return scs, nil
}

// validate checks what can be checked without running sc.
func (sc *Scenario) validate() error {
	if sc.Name == "" {
		return errors.New("scenario has no name")
	}
	if len(sc.Processes) == 0 {
		return fmt.Errorf("scenario %q has no processes", sc.Name)
	}
	for i := range sc.Steps {
		s := &sc.Steps[i]
		if _, ok := sysnos[s.Call]; !ok && s.Call != "read" && s.Call != "write" {
			return fmt.Errorf("scenario %q step %d: unknown call %q", sc.Name, i+1, s.Call)
		}
		if _, _, err := parseExpect(s.Expect); err != nil {
			return fmt.Errorf("scenario %q step %d: %w", sc.Name, i+1, err)
		}
		for name := range s.Stat {
			if _, ok := statFields[name]; !ok {
				return fmt.Errorf("scenario %q step %d: unknown stat field %q", sc.Name, i+1, name)
			}
		}
	}
	return nil
}

// Buf is the address of the shmctl buffer: the first private page of every
// process.
const Buf = kernel.UserBase

// statFields extracts the fields a step may check after IPC_STAT.
var statFields = map[string]func(*linux.ShmidDS) int64{
	"key":     func(ds *linux.ShmidDS) int64 { return int64(ds.ShmPerm.Key) },
	"mode":    func(ds *linux.ShmidDS) int64 { return int64(ds.ShmPerm.Mode) },
	"segsz":   func(ds *linux.ShmidDS) int64 { return int64(ds.ShmSegsz) },
	"nattach": func(ds *linux.ShmidDS) int64 { return int64(ds.ShmNattach) },
	"cpid":    func(ds *linux.ShmidDS) int64 { return int64(ds.ShmCpid) },
	"lpid":    func(ds *linux.ShmidDS) int64 { return int64(ds.ShmLpid) },
}

// constants are the symbolic names usable in arguments.
var constants = map[string]int64{
	"IPC_PRIVATE": linux.IPC_PRIVATE,
	"IPC_CREAT":   linux.IPC_CREAT,
	"IPC_EXCL":    linux.IPC_EXCL,
	"IPC_RMID":    linux.IPC_RMID,
	"IPC_SET":     linux.IPC_SET,
	"IPC_STAT":    linux.IPC_STAT,
	"IPC_INFO":    linux.IPC_INFO,
	"SHM_STAT":    linux.SHM_STAT,
	"SHM_INFO":    linux.SHM_INFO,
	"SHM_DEST":    linux.SHM_DEST,
	"SHM_RDONLY":  linux.SHM_RDONLY,
	"SHM_RND":     linux.SHM_RND,
	"SHM_REMAP":   linux.SHM_REMAP,
	"SHM_EXEC":    linux.SHM_EXEC,
	"READ_SHM":    linux.READ_SHM,
	"RW_SHM":      linux.RW_SHM,
	"HEAPLIMIT":   linux.HEAPLIMIT,
	"KERNBASE":    linux.KERNBASE,
	"PAGE":        hostarch.PageSize,
	"BUF":         int64(Buf),
}

// Value is a step operand.
type Value struct {
	raw string
}

// V returns a Value for s.
func V(s string) Value {
	return Value{raw: s}
}

// UnmarshalYAML implements yaml.Unmarshaler.UnmarshalYAML.
func (v *Value) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: argument must be a scalar", n.Line)
	}
	v.raw = n.Value
	return nil
}

// MarshalYAML implements yaml.Marshaler.MarshalYAML.
func (v Value) MarshalYAML() (any, error) {
	return v.raw, nil
}

// String implements fmt.Stringer.String.
func (v Value) String() string {
	return v.raw
}

// eval evaluates v against the saved results in vars.
func (v Value) eval(vars map[string]int64) (int64, error) {
	if strings.TrimSpace(v.raw) == "" {
		return 0, nil
	}
	var or int64
	for _, part := range strings.Split(v.raw, "|") {
		var sum int64
		for _, term := range strings.Split(part, "+") {
			n, err := evalTerm(strings.TrimSpace(term), vars)
			if err != nil {
				return 0, fmt.Errorf("evaluating %q: %w", v.raw, err)
			}
			sum += n
		}
		or |= sum
	}
	return or, nil
}

func evalTerm(term string, vars map[string]int64) (int64, error) {
	if name, ok := strings.CutPrefix(term, "$"); ok {
		n, ok := vars[name]
		if !ok {
			return 0, fmt.Errorf("no saved result %q", name)
		}
		return n, nil
	}
	if n, ok := constants[term]; ok {
		return n, nil
	}
	n, err := strconv.ParseInt(term, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad term %q", term)
	}
	return n, nil
}

// Names returns the names of scs, sorted.
func Names(scs []*Scenario) []string {
	names := make([]string, len(scs))
	for i, sc := range scs {
		names[i] = sc.Name
	}
	sort.Strings(names)
	return names
}
