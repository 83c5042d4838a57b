// Copyright 2025 UMH Systems GmbH
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

package connmgr

import "github.com/united-manufacturing-hub/rdma-metric-collector/pkg/connection"

// slotAllocator hands out store slot ordinals, always the lowest free one.
// Only the event loop goroutine uses it.
type slotAllocator struct {
	used []bool
}

func newSlotAllocator(n int) *slotAllocator {
	return &slotAllocator{used: make([]bool, n)}
}

func (a *slotAllocator) acquire() int {
	for i, used := range a.used {
		if !used {
			a.used[i] = true

			return i
		}
	}

	return connection.NoSlot
}

func (a *slotAllocator) release(slot int) {
	if slot >= 0 && slot < len(a.used) {
		a.used[slot] = false
	}
}

func (a *slotAllocator) inUse() int {
	n := 0
	for _, used := range a.used {
		if used {
			n++
		}
	}

	return n
}
