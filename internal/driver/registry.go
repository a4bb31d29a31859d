// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package driver

import (
	"sync"

	"github.com/proctordev/proctor/internal/protocol"
)

// pendingTest tracks the local notifier state of one in-flight test.
type pendingTest struct {
	id      protocol.TestIdentity
	started bool // a started event has been fired
	failed  bool // at least one failure has been recorded
}

// registry maps in-flight test identities to their pending notifier state.
// Inbound events are routed through it so that an event can only ever reach
// the test it is tagged with; events for identities with no pending entry
// are discarded by the caller.
type registry struct {
	mu      sync.Mutex
	pending map[protocol.TestIdentity]*pendingTest
}

func newRegistry() *registry {
	return &registry{pending: make(map[protocol.TestIdentity]*pendingTest)}
}

// add registers a new pending test and returns its entry.
func (r *registry) add(id protocol.TestIdentity) *pendingTest {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &pendingTest{id: id}
	r.pending[id] = p
	return p
}

// lookup returns the pending entry for id, if any.
func (r *registry) lookup(id protocol.TestIdentity) (*pendingTest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	return p, ok
}

// remove drops the pending entry for id. Removing an absent entry is a no-op.
func (r *registry) remove(id protocol.TestIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}
