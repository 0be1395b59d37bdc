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
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/tinyvisor/shmsys/shmsim/scenario"
)

// Selftest implements subcommands.Command for the "selftest" command.
type Selftest struct {
	metricsFlag
	verbose bool
	list    bool
}

// Name implements subcommands.Command.Name.
func (*Selftest) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Selftest) Synopsis() string {
	return "run the built-in scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*Selftest) Usage() string {
	return `selftest [flags] [name]... - run the built-in scenarios, or only those named.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Selftest) SetFlags(f *flag.FlagSet) {
	s.metricsFlag.setFlags(f)
	f.BoolVar(&s.verbose, "v", false, "print the result of every step.")
	f.BoolVar(&s.list, "list", false, "list the built-in scenarios and exit.")
}

// Execute implements subcommands.Command.Execute.
func (s *Selftest) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf, reg := unpackArgs(args)
	scs, err := scenario.Builtin()
	if err != nil {
		Fatalf("loading built-in scenarios: %v", err)
	}
	if s.list {
		for _, sc := range scs {
			fmt.Printf("%-10s %s\n", sc.Name, sc.Description)
		}
		return subcommands.ExitSuccess
	}

	if f.NArg() > 0 {
		byName := make(map[string]*scenario.Scenario)
		for _, sc := range scs {
			byName[sc.Name] = sc
		}
		scs = nil
		for _, name := range f.Args() {
			sc, ok := byName[name]
			if !ok {
				Fatalf("no built-in scenario %q", name)
			}
			scs = append(scs, sc)
		}
	}

	ok, err := runScenarios(os.Stdout, conf, reg, scs, false, s.verbose)
	if err != nil {
		Fatalf("%v", err)
	}
	if status := s.finish(reg); status != subcommands.ExitSuccess {
		return status
	}
	if !ok {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
