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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyvisor/shmsys/pkg/hostarch"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shmsim.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile got err %v want nil", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() got err %v want nil", err)
	}

	// With no flags set, flags change nothing.
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags, Default())
	if err != nil {
		t.Fatalf("NewFromFlags got err %v want nil", err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("NewFromFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
regions = 8
heap_limit = 0x40000000
log_format = "json"
`)
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile got err %v want nil", err)
	}
	want := Default()
	want.Regions = 8
	want.HeapLimit = 0x40000000
	want.LogFormat = "json"
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("LoadFile mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		want     string
	}{
		{"unknown key", "regoins = 8\n", "unknown keys"},
		{"wrong type", "regions = \"eight\"\n", "decoding"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, tc.contents))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("LoadFile got err %v want error containing %q", err, tc.want)
			}
		})
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("LoadFile of a missing file got err nil want error")
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	c, err := LoadFile(writeFile(t, "regions = 8\nattach_slots = 4\n"))
	if err != nil {
		t.Fatalf("LoadFile got err %v want nil", err)
	}
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"-regions=16", "-kern-base=0x70000000", "-log-level=debug"}); err != nil {
		t.Fatalf("Parse got err %v want nil", err)
	}
	got, err := NewFromFlags(testFlags, c)
	if err != nil {
		t.Fatalf("NewFromFlags got err %v want nil", err)
	}
	want := c.Clone()
	want.Regions = 16
	want.KernBase = 0x70000000
	want.LogLevel = "debug"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("NewFromFlags mismatch (-want +got):\n%s", diff)
	}
	if c.Regions != 8 {
		t.Errorf("NewFromFlags modified its base: Regions=%d, want 8", c.Regions)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"no frames", func(c *Config) { c.PhysPages = 0 }},
		{"frames past the address space", func(c *Config) { c.PhysPages = maxPhysPages + 1 }},
		{"no regions", func(c *Config) { c.Regions = -1 }},
		{"no slots", func(c *Config) { c.AttachSlots = 0 }},
		{"negative private pages", func(c *Config) { c.PrivatePages = -1 }},
		{"unaligned heap limit", func(c *Config) { c.HeapLimit++ }},
		{"inverted window", func(c *Config) { c.HeapLimit, c.KernBase = c.KernBase, c.HeapLimit }},
		{"kern base past 4GiB", func(c *Config) { c.KernBase = 1<<32 + hostarch.PageSize }},
		{"private pages past heap limit", func(c *Config) { c.HeapLimit = 4 * hostarch.PageSize }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate(%+v) got err nil want error", c)
			}
		})
	}
}

func TestValidateMaxPhysPages(t *testing.T) {
	c := Default()
	c.PhysPages = maxPhysPages
	if err := c.Validate(); err != nil {
		t.Errorf("Validate with %d frames got err %v want nil", c.PhysPages, err)
	}
}

func TestKernelConfig(t *testing.T) {
	c := Default()
	c.PrivatePages = 0
	kc := c.KernelConfig(nil)
	if kc.PrivatePages != -1 {
		t.Errorf("PrivatePages got %d want -1", kc.PrivatePages)
	}
	if kc.HeapLimit != hostarch.Addr(c.HeapLimit) || kc.KernBase != hostarch.Addr(c.KernBase) {
		t.Errorf("window got [%v, %v) want [%#x, %#x)", kc.HeapLimit, kc.KernBase, c.HeapLimit, c.KernBase)
	}
}
