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

// Package hostarch describes the simulated machine's address space: page
// geometry, virtual addresses and access permissions.
package hostarch

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page in bytes.
	PageSize = 1 << PageShift
)

// PageRoundDown rounds x down to the nearest page boundary.
func PageRoundDown[T ~uint32 | ~uint64 | ~uintptr | ~int](x T) T {
	return x &^ (PageSize - 1)
}

// PageRoundUp rounds x up to the nearest page boundary. ok is false if x is
// too large to round.
func PageRoundUp[T ~uint32 | ~uint64 | ~uintptr | ~int](x T) (val T, ok bool) {
	val = PageRoundDown(x + PageSize - 1)
	ok = val >= x
	return
}

// PagesFor returns the number of pages needed to hold size bytes, which is at
// least 1.
func PagesFor(size uint64) uint64 {
	if size == 0 {
		return 1
	}
	pages := size >> PageShift
	if size&(PageSize-1) != 0 {
		pages++
	}
	return pages
}
