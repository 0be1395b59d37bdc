// Copyright 2019 The gVisor Authors.
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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyvisor/shmsys/pkg/abi/linux"
	sys "github.com/tinyvisor/shmsys/pkg/sentry/syscalls/linux"
)

// Info implements subcommands.Command for the "info" command.
type Info struct {
	output string
}

// SystemInfo describes the configured kernel.
type SystemInfo struct {
	// Limits are the shared memory limits.
	Limits *linux.ShmParams `json:"limits"`

	// HeapLimit and KernBase bound the attach window.
	HeapLimit uint64 `json:"heap_limit"`
	KernBase  uint64 `json:"kern_base"`

	// PhysPages is the number of physical frames.
	PhysPages int `json:"phys_pages"`

	// Syscalls lists the system call table in number order.
	Syscalls []SyscallDoc `json:"syscalls"`
}

// SyscallDoc represents a single item of syscall documentation.
type SyscallDoc struct {
	Num     uintptr `json:"num"`
	Name    string  `json:"name"`
	Support string  `json:"support"`
	Note    string  `json:"note,omitempty"`
}

type infoOutputFunc func(io.Writer, *SystemInfo) error

var infoOutputMap = map[string]infoOutputFunc{
	"table": infoOutputTable,
	"json":  infoOutputJSON,
}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "print the kernel's limits and system call table"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info [-o table|json] - print the kernel's limits and system call table.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Info) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.output, "o", "table", "output format (table, json).")
}

// Execute implements subcommands.Command.Execute.
func (i *Info) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	out, ok := infoOutputMap[i.output]
	if !ok {
		Fatalf("Unsupported output format %q", i.output)
	}
	conf, _ := unpackArgs(args)

	// A throwaway registry, so the kernel's gauges are not exported.
	k, err := newKernel(conf, prometheus.NewRegistry(), "info")
	if err != nil {
		Fatalf("%v", err)
	}
	defer k.Destroy()

	info := &SystemInfo{
		Limits:    k.ShmRegistry().IPCInfo(),
		HeapLimit: conf.HeapLimit,
		KernBase:  conf.KernBase,
		PhysPages: k.MemoryFile().TotalPages(),
		Syscalls:  syscallDocs(),
	}
	if err := out(os.Stdout, info); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// syscallDocs documents the system call table.
func syscallDocs() []SyscallDoc {
	var docs []SyscallDoc
	for num, sc := range sys.Table.Table {
		doc := SyscallDoc{
			Num:     num,
			Name:    sc.Name,
			Support: "Full",
			Note:    sc.Note,
		}
		switch {
		case sc.Fn == nil:
			doc.Support = "Unimplemented"
		case sc.Note != "":
			doc.Support = "Partial"
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].Num < docs[j].Num
	})
	return docs
}

// infoOutputTable outputs the info in tabular format.
func infoOutputTable(w io.Writer, info *SystemInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	l := info.Limits
	fmt.Fprintf(tw, "Segments:\t%d\n", l.ShmMni)
	fmt.Fprintf(tw, "Max segment size:\t%d bytes\n", l.ShmMax)
	fmt.Fprintf(tw, "Min segment size:\t%d bytes\n", l.ShmMin)
	fmt.Fprintf(tw, "Attachments per process:\t%d\n", l.ShmSeg)
	fmt.Fprintf(tw, "Total shared pages:\t%d\n", l.ShmAll)
	fmt.Fprintf(tw, "Attach window:\t[%#x, %#x)\n", info.HeapLimit, info.KernBase)
	fmt.Fprintf(tw, "Physical pages:\t%d\n", info.PhysPages)
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)

	if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", "NUM", "NAME", "SUPPORT", "NOTE"); err != nil {
		return err
	}
	for _, sc := range info.Syscalls {
		if _, err := fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", sc.Num, sc.Name, sc.Support, sc.Note); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// infoOutputJSON outputs the info in JSON format.
func infoOutputJSON(w io.Writer, info *SystemInfo) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(info)
}
