// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package agent implements the target side of the orchestration protocol.
//
// An application under test links this package, registers its runnable
// tests, and calls Run with the driver address it was launched with. The
// agent then executes tests on command and forwards their lifecycle events
// back over the channel.
package agent

import (
	"context"

	"github.com/proctordev/proctor/errors"
	"github.com/proctordev/proctor/internal/comm"
	"github.com/proctordev/proctor/internal/logging"
	"github.com/proctordev/proctor/internal/protocol"
)

// Conn is the agent's view of the message channel. *comm.Client implements
// it.
type Conn interface {
	Send(msg protocol.Msg) error
	Receive() (protocol.Msg, error)
	Close() error
}

// Executor runs one test locally and reports its lifecycle events to a
// listener. It abstracts the concrete test framework on the target.
type Executor interface {
	// Run executes the test identified by id, reporting through l.
	Run(ctx context.Context, id protocol.TestIdentity, l Listener)

	// HasFatalState reports whether a previous test left the process in an
	// unusable state that only a restart can clear.
	HasFatalState() bool
}

// Listener receives local test lifecycle callbacks. Callbacks after the
// first terminal one (Finished or Ignored) are discarded.
type Listener interface {
	Started()
	AssumptionFailure(f *protocol.FailureData)
	Failure(f *protocol.FailureData)
	Ignored()
	Finished()
}

// Agent executes driver commands inside the target process.
type Agent struct {
	exec Executor
}

// New creates an Agent running tests with the given executor.
func New(exec Executor) *Agent {
	return &Agent{exec: exec}
}

// Run connects back to the driver at addr and serves commands until the
// driver closes the target or the connection fails.
func (a *Agent) Run(ctx context.Context, addr string) error {
	cl, err := comm.Dial(ctx, addr)
	if err != nil {
		return errors.Wrap(err, "failed to connect to driver")
	}
	defer cl.Close()
	return a.Serve(ctx, cl)
}

// Serve reads commands from conn and executes them sequentially. It returns
// nil when the driver sends CloseTarget, and an error on transport faults or
// protocol violations.
func (a *Agent) Serve(ctx context.Context, conn Conn) error {
	for {
		msg, err := conn.Receive()
		if err != nil {
			return errors.Wrap(err, "lost connection to driver")
		}

		switch m := msg.(type) {
		case *protocol.RunTest:
			// Unresolved fatal state from a previous test means this
			// process must not run anything further; ask for a restart and
			// defer execution to the next cycle.
			if a.exec.HasFatalState() {
				logging.Infof(ctx, "Fatal state pending; requesting restart instead of running %s", m.Test)
				if err := conn.Send(&protocol.RestartTarget{}); err != nil {
					return err
				}
				continue
			}
			a.runTest(ctx, conn, m.Test)

		case *protocol.ResumeTest:
			logging.Infof(ctx, "Resuming %s (%s)", m.Test, m.Label)
			a.runTest(ctx, conn, m.Test)

		case *protocol.CloseTarget:
			logging.Info(ctx, "Driver closed the target")
			return nil

		default:
			return &protocol.ProtocolError{
				Kind:   msg.MsgKind(),
				Reason: "unexpected message on the target side",
			}
		}
	}
}

// runTest executes one test, guaranteeing exactly one terminal event even if
// the executor misbehaves.
func (a *Agent) runTest(ctx context.Context, conn Conn, id protocol.TestIdentity) {
	r := newReporter(conn, id)
	a.exec.Run(ctx, id, r)
	// If the executor never fired a terminal callback, close the test out so
	// the driver is not left waiting forever.
	r.Finished()
}
