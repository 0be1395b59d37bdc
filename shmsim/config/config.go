// Copyright 2020 The gVisor Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for shmsim. Each setting can be loaded from a TOML file and overridden by a
// command line flag of the same name.
package config

import (
	"flag"
	"fmt"
	"reflect"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyvisor/shmsys/pkg/abi/linux"
	"github.com/tinyvisor/shmsys/pkg/hostarch"
	"github.com/tinyvisor/shmsys/pkg/log"
	"github.com/tinyvisor/shmsys/pkg/ring0/pagetables"
	"github.com/tinyvisor/shmsys/pkg/sentry/kernel"
	"github.com/tinyvisor/shmsys/pkg/sentry/kernel/shm"
	"github.com/tinyvisor/shmsys/pkg/sentry/mm"
	"github.com/tinyvisor/shmsys/pkg/sentry/pgalloc"
)

const (
	// maxAddr is the size of the simulated 32-bit address space.
	maxAddr = uint64(pagetables.MaxAddr)

	// maxPhysPages is the number of frames that fit between the first frame
	// and the end of the address space.
	maxPhysPages = int((maxAddr - uint64(pgalloc.DefaultBase)) / hostarch.PageSize)
)

// Config holds configuration that is not part of a scenario.
//
// Follow these steps to add a new setting:
//  1. Add the field with `toml` and `flag` tags.
//  2. Register the flag in RegisterFlags.
//  3. Set its default in Default.
//  4. Validate it in Validate.
type Config struct {
	// PhysPages is the number of physical frames in the simulated machine.
	PhysPages int `toml:"phys_pages" flag:"phys-pages"`

	// Regions is the capacity of the shared memory segment table, and the
	// maximum number of pages in one segment.
	Regions int `toml:"regions" flag:"regions"`

	// AttachSlots is the number of attachments each process may hold.
	AttachSlots int `toml:"attach_slots" flag:"attach-slots"`

	// HeapLimit is the lowest shared memory attach address.
	HeapLimit uint64 `toml:"heap_limit" flag:"heap-limit"`

	// KernBase is the start of kernel space. Attachments end below it.
	KernBase uint64 `toml:"kern_base" flag:"kern-base"`

	// PrivatePages is the number of private pages in each new process.
	PrivatePages int `toml:"private_pages" flag:"private-pages"`

	// LogLevel is one of warning, info, debug.
	LogLevel string `toml:"log_level" flag:"log-level"`

	// LogFormat is one of text, json, logrus.
	LogFormat string `toml:"log_format" flag:"log-format"`

	// MetricsAddr, if set, is where metrics are served over HTTP.
	MetricsAddr string `toml:"metrics_addr" flag:"metrics-addr"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		PhysPages:    kernel.DefaultPhysPages,
		Regions:      shm.DefaultRegions,
		AttachSlots:  mm.DefaultAttachSlots,
		HeapLimit:    linux.HEAPLIMIT,
		KernBase:     linux.KERNBASE,
		PrivatePages: kernel.DefaultPrivatePages,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// RegisterFlags registers flags used to populate Config. Flag defaults are the
// values from Default.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()
	flagSet.Int("phys-pages", d.PhysPages, "number of physical frames.")
	flagSet.Int("regions", d.Regions, "shared memory segment table capacity; also the page limit of one segment.")
	flagSet.Int("attach-slots", d.AttachSlots, "number of attachments a process may hold.")
	flagSet.Uint64("heap-limit", d.HeapLimit, "lowest shared memory attach address.")
	flagSet.Uint64("kern-base", d.KernBase, "start of kernel space; attachments must end below it.")
	flagSet.Int("private-pages", d.PrivatePages, "private pages mapped into each new process.")
	flagSet.String("log-level", d.LogLevel, "log level: warning, info (default), debug.")
	flagSet.String("log-format", d.LogFormat, "log format: text (default), json, or logrus.")
	flagSet.String("metrics-addr", d.MetricsAddr, "if set, serve prometheus metrics over HTTP on this address.")
}

// LoadFile decodes the TOML file at path over the defaults. Unknown keys are
// an error.
func LoadFile(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("unknown keys in %q: %v", path, undecoded)
	}
	return c, nil
}

// NewFromFlags returns a copy of base with every flag that was set on flagSet
// applied, and validates it.
func NewFromFlags(flagSet *flag.FlagSet, base *Config) (*Config, error) {
	conf := base.Clone()

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	byName := make(map[string]int)
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			byName[name] = i
		}
	}

	var err error
	flagSet.Visit(func(fl *flag.Flag) {
		i, ok := byName[fl.Name]
		if !ok || err != nil {
			// Not a config flag.
			return
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			err = fmt.Errorf("flag %q has no value getter", fl.Name)
			return
		}
		x := reflect.ValueOf(getter.Get())
		if x.Type() != obj.Field(i).Type() {
			err = fmt.Errorf("flag %q is a %v, field is a %v", fl.Name, x.Type(), obj.Field(i).Type())
			return
		}
		obj.Field(i).Set(x)
	})
	if err != nil {
		return nil, err
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate returns an error if c holds an unusable setting.
func (c *Config) Validate() error {
	if c.PhysPages <= 0 {
		return fmt.Errorf("phys-pages must be positive, got %d", c.PhysPages)
	}
	if c.PhysPages > maxPhysPages {
		return fmt.Errorf("phys-pages %d is more than the %d frames the address space holds", c.PhysPages, maxPhysPages)
	}
	if c.Regions <= 0 {
		return fmt.Errorf("regions must be positive, got %d", c.Regions)
	}
	if c.AttachSlots <= 0 {
		return fmt.Errorf("attach-slots must be positive, got %d", c.AttachSlots)
	}
	if c.PrivatePages < 0 {
		return fmt.Errorf("private-pages must not be negative, got %d", c.PrivatePages)
	}
	if c.HeapLimit%hostarch.PageSize != 0 || c.KernBase%hostarch.PageSize != 0 {
		return fmt.Errorf("heap-limit %#x and kern-base %#x must be page-aligned", c.HeapLimit, c.KernBase)
	}
	if c.HeapLimit >= c.KernBase {
		return fmt.Errorf("heap-limit %#x must be below kern-base %#x", c.HeapLimit, c.KernBase)
	}
	if c.KernBase > maxAddr {
		return fmt.Errorf("kern-base %#x is past the end of the address space", c.KernBase)
	}
	if uint64(c.PrivatePages+1)*hostarch.PageSize > c.HeapLimit {
		return fmt.Errorf("%d private pages do not fit below heap-limit %#x", c.PrivatePages, c.HeapLimit)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// KernelConfig returns the kernel configuration c describes. Metrics are
// registered with reg, which may be nil.
func (c *Config) KernelConfig(reg prometheus.Registerer) kernel.Config {
	private := c.PrivatePages
	if private == 0 {
		private = -1
	}
	return kernel.Config{
		PhysPages:    c.PhysPages,
		Regions:      c.Regions,
		AttachSlots:  c.AttachSlots,
		HeapLimit:    hostarch.Addr(c.HeapLimit),
		KernBase:     hostarch.Addr(c.KernBase),
		PrivatePages: private,
		Registerer:   reg,
	}
}

// Log logs every setting at info level.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("  %s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}
