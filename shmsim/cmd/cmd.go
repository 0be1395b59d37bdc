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

// Package cmd holds implementations of the shmsim commands.
//
// Every command's Execute receives the resolved *config.Config and a
// *prometheus.Registry as its first two arguments.
package cmd

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyvisor/shmsys/pkg/log"
	"github.com/tinyvisor/shmsys/pkg/metric"
	"github.com/tinyvisor/shmsys/pkg/sentry/kernel"
	"github.com/tinyvisor/shmsys/shmsim/config"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf("FATAL: "+format, args...)
	os.Exit(128)
}

// unpackArgs extracts the arguments every command is executed with.
func unpackArgs(args []any) (*config.Config, *prometheus.Registry) {
	return args[0].(*config.Config), args[1].(*prometheus.Registry)
}

// newKernel returns a kernel configured by conf. Its metrics carry a
// kernel=name label so that several kernels can share reg.
func newKernel(conf *config.Config, reg prometheus.Registerer, name string) (*kernel.Kernel, error) {
	kreg := prometheus.WrapRegistererWith(prometheus.Labels{"kernel": name}, reg)
	k, err := kernel.New(conf.KernelConfig(kreg))
	if err != nil {
		return nil, fmt.Errorf("creating kernel %q: %w", name, err)
	}
	return k, nil
}

// metricsFlag adds the -dump-metrics flag shared by commands that run
// kernels.
type metricsFlag struct {
	dump bool
}

func (m *metricsFlag) setFlags(f *flag.FlagSet) {
	f.BoolVar(&m.dump, "dump-metrics", false, "print metrics in the Prometheus text format after running.")
}

// finish prints the metrics gathered by reg if requested.
func (m *metricsFlag) finish(reg prometheus.Gatherer) subcommands.ExitStatus {
	if !m.dump {
		return subcommands.ExitSuccess
	}
	if err := metric.WriteText(os.Stdout, reg); err != nil {
		log.Warningf("Writing metrics: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
