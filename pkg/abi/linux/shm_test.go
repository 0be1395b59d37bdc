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

package linux

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestShmidDSLayout(t *testing.T) {
	ds := ShmidDS{
		ShmPerm: IPCPerm{
			Key:  -2,
			Mode: RW_SHM | SHM_DEST,
			Seq:  7,
		},
		ShmSegsz:   3 * SHMLBA,
		ShmAtime:   100,
		ShmDtime:   200,
		ShmCtime:   300,
		ShmCpid:    1,
		ShmLpid:    4,
		ShmNattach: 2,
	}
	buf := make([]byte, ds.SizeBytes())
	if rest := ds.MarshalBytes(buf); len(rest) != 0 {
		t.Fatalf("MarshalBytes left %d bytes want 0", len(rest))
	}
	if got, want := buf[0], byte(0xfe); got != want {
		t.Errorf("key low byte got %#x want %#x", got, want)
	}
	if got, want := buf[49], byte(0x30); got != want {
		t.Errorf("segment size second byte got %#x want %#x", got, want)
	}

	var got ShmidDS
	got.UnmarshalBytes(buf)
	if diff := cmp.Diff(ds, got); diff != "" {
		t.Errorf("decoded ShmidDS mismatch (-want +got):\n%s", diff)
	}
}
