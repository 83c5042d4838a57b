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

package connection

import "sync"

// Registry maps queue pair numbers to connection contexts. It is the only
// connection state the dispatcher reads.
type Registry struct {
	mu    sync.RWMutex
	conns map[uint32]*Context
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[uint32]*Context)}
}

// Register adds c under its queue pair number, replacing any previous entry.
func (r *Registry) Register(c *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.QPNum()] = c
}

// Remove deletes the entry for qpNum and returns it, if any.
func (r *Registry) Remove(qpNum uint32) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[qpNum]
	if ok {
		delete(r.conns, qpNum)
	}

	return c, ok
}

// Lookup returns the context registered for qpNum.
func (r *Registry) Lookup(qpNum uint32) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[qpNum]

	return c, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// All returns a snapshot of the registered connections.
func (r *Registry) All() []*Context {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Context, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}

	return out
}
