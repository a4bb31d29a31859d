// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package agent

import (
	"sync"

	"github.com/proctordev/proctor/internal/protocol"
)

// reporter forwards local test lifecycle events as TestEvent messages tagged
// with the current test identity. It is a one-shot subscription: the first
// terminal callback (Finished or Ignored) detaches it, and all later
// callbacks are dropped to avoid duplicate reporting.
type reporter struct {
	conn Conn
	id   protocol.TestIdentity

	mu       sync.Mutex
	detached bool
}

var _ Listener = (*reporter)(nil)

func newReporter(conn Conn, id protocol.TestIdentity) *reporter {
	return &reporter{conn: conn, id: id}
}

// Started reports that the test began executing.
func (r *reporter) Started() {
	r.send(protocol.OutcomeStarted, nil, false)
}

// AssumptionFailure records a failed assumption; the test continues.
func (r *reporter) AssumptionFailure(f *protocol.FailureData) {
	r.send(protocol.OutcomeAssumptionFailure, f, false)
}

// Failure records a test failure; the test continues until Finished.
func (r *reporter) Failure(f *protocol.FailureData) {
	r.send(protocol.OutcomeFailure, f, false)
}

// Ignored reports that the test was skipped. Terminal.
func (r *reporter) Ignored() {
	r.send(protocol.OutcomeIgnored, nil, true)
}

// Finished reports that the test finished. Terminal.
func (r *reporter) Finished() {
	r.send(protocol.OutcomeFinished, nil, true)
}

// send forwards one event unless the reporter has detached. Send failures
// are swallowed here; the broken connection surfaces in the serve loop's
// next Receive.
func (r *reporter) send(outcome protocol.Outcome, f *protocol.FailureData, terminal bool) {
	r.mu.Lock()
	if r.detached {
		r.mu.Unlock()
		return
	}
	if terminal {
		r.detached = true
	}
	r.mu.Unlock()

	r.conn.Send(&protocol.TestEvent{Test: r.id, Event: outcome, Failure: f})
}
