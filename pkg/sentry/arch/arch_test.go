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

package arch

import (
	"testing"

	"github.com/tinyvisor/shmsys/pkg/hostarch"
)

func TestArgumentConversions(t *testing.T) {
	neg := int32(-1)
	args := Args(uintptr(uint32(neg)), 0x60001000, 0177777)
	if got := args[0].Int(); got != -1 {
		t.Errorf("Int() got %d want -1", got)
	}
	if got := args[0].Uint(); got != 0xffffffff {
		t.Errorf("Uint() got %#x want 0xffffffff", got)
	}
	if got := args[1].Pointer(); got != hostarch.Addr(0x60001000) {
		t.Errorf("Pointer() got %v want 0x60001000", got)
	}
	if got := args[2].ModeT(); got != 0177777 {
		t.Errorf("ModeT() got %#o want 0177777", got)
	}
	if got := args[5].SizeT(); got != 0 {
		t.Errorf("SizeT() of an unset argument got %d want 0", got)
	}
}

func TestArgsTooMany(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Args with seven values did not panic")
		}
	}()
	Args(1, 2, 3, 4, 5, 6, 7)
}
