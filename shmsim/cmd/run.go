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
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyvisor/shmsys/pkg/log"
	"github.com/tinyvisor/shmsys/pkg/sentry/kernel"
	"github.com/tinyvisor/shmsys/shmsim/config"
	"github.com/tinyvisor/shmsys/shmsim/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	metricsFlag

	// shared runs every scenario in the same kernel.
	shared bool

	// verbose prints every step.
	verbose bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenario files"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.yaml>... - run the scenarios in the given files.

Each scenario runs in a fresh kernel unless -shared is set. The exit status is
non-zero if any scenario fails.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	r.metricsFlag.setFlags(f)
	f.BoolVar(&r.shared, "shared", false, "run all scenarios in one kernel.")
	f.BoolVar(&r.verbose, "v", false, "print the result of every step.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, reg := unpackArgs(args)

	var scs []*scenario.Scenario
	for _, path := range f.Args() {
		s, err := scenario.LoadFile(path)
		if err != nil {
			Fatalf("loading scenarios: %v", err)
		}
		scs = append(scs, s...)
	}
	ok, err := runScenarios(os.Stdout, conf, reg, scs, r.shared, r.verbose)
	if err != nil {
		Fatalf("%v", err)
	}
	if status := r.finish(reg); status != subcommands.ExitSuccess {
		return status
	}
	if !ok {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// runScenarios runs scs and prints a line per scenario to w. It reports
// whether every scenario passed.
func runScenarios(w io.Writer, conf *config.Config, reg prometheus.Registerer, scs []*scenario.Scenario, shared, verbose bool) (bool, error) {
	var k *kernel.Kernel
	if shared {
		var err error
		if k, err = newKernel(conf, reg, "shared"); err != nil {
			return false, err
		}
		defer k.Destroy()
	}

	passed := 0
	for i, sc := range scs {
		rep, err := runScenario(conf, reg, k, fmt.Sprintf("%d-%s", i, sc.Name), sc)
		if err != nil {
			return false, err
		}
		if verbose {
			for _, res := range rep.Results {
				fmt.Fprintf(w, "  %3d %-40s = %d", res.Step, res.Desc, res.Ret)
				if res.Err != nil {
					fmt.Fprintf(w, " (%v)", res.Err)
				}
				fmt.Fprintln(w)
			}
		}
		if rep.Passed() {
			passed++
			fmt.Fprintf(w, "PASS %s\n", sc.Name)
			continue
		}
		fmt.Fprintf(w, "FAIL %s\n", sc.Name)
		for _, f := range rep.Failures() {
			fmt.Fprintf(w, "     %s\n", f)
		}
	}
	log.Infof("%d of %d scenarios passed", passed, len(scs))
	return passed == len(scs), nil
}

// runScenario runs sc in k, or in a new kernel called name if k is nil.
func runScenario(conf *config.Config, reg prometheus.Registerer, k *kernel.Kernel, name string, sc *scenario.Scenario) (*scenario.Report, error) {
	if k == nil {
		nk, err := newKernel(conf, reg, name)
		if err != nil {
			return nil, err
		}
		defer nk.Destroy()
		k = nk
	}
	return scenario.Run(k, sc)
}
