// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package driver implements the orchestration core running on the driver
// side: it keeps a target process launched and connected, relays test
// invocations to it over the message channel, and reconstructs the remote
// outcomes into calls on the local reporting API.
package driver

import (
	"context"
	"time"

	"github.com/proctordev/proctor/internal/proc"
	"github.com/proctordev/proctor/internal/protocol"
)

// DefaultExitWait bounds how long the restart sequence waits for the target
// process to exit after CloseTarget before force-killing it.
const DefaultExitWait = 2 * time.Minute

// Reporter is the local test-reporting API the orchestrator feeds results
// into. For every test, Started always precedes other calls if emitted, and
// exactly one of Finished or Ignored is the terminal call.
type Reporter interface {
	// TestStarted reports that a test began executing on the target.
	TestStarted(id protocol.TestIdentity)
	// TestIgnored reports that a test was skipped. Terminal.
	TestIgnored(id protocol.TestIdentity)
	// AssumptionFailure records a failed assumption. The test continues.
	AssumptionFailure(id protocol.TestIdentity, err error)
	// TestFailure records a test failure. The test continues until Finished.
	TestFailure(id protocol.TestIdentity, err error)
	// TestFinished reports that a test finished. Terminal.
	TestFinished(id protocol.TestIdentity)
}

// VariantResolver determines which target variant to launch for a test's
// declaring class. It abstracts the annotation lookup on the declaring type.
type VariantResolver func(class string) (string, error)

// Channel is the driver side of the message channel consumed by the
// orchestrator. *comm.Server implements it.
type Channel interface {
	Send(msg protocol.Msg) error
	Receive() (protocol.Msg, error)
	Start() error
	Stop()
	Close()
	Port() int
	IsStarted() bool
	IsConnected() bool
}

// ProcessHandle is a launched target process as seen by the orchestrator.
// *proc.Handle implements it.
type ProcessHandle interface {
	Wait(ctx context.Context, timeout time.Duration) error
	Kill() error
}

// Launcher launches target processes. It abstracts *proc.Controller.
type Launcher interface {
	Launch(ctx context.Context, cmd proc.Command, port int, variant string, tests []protocol.TestIdentity, opts []proc.Option) (ProcessHandle, error)
}

// ControllerLauncher adapts *proc.Controller to the Launcher interface.
type ControllerLauncher struct {
	Controller *proc.Controller
}

// Launch launches a target process via the wrapped controller.
func (l ControllerLauncher) Launch(ctx context.Context, cmd proc.Command, port int, variant string, tests []protocol.TestIdentity, opts []proc.Option) (ProcessHandle, error) {
	return l.Controller.Launch(ctx, cmd, port, variant, tests, opts)
}

// Config holds the static configuration of an orchestrator run.
type Config struct {
	// Variants maps a target variant name to the command starting it.
	Variants map[string]proc.Command
	// VariantOverride, if non-empty, is used for every test instead of
	// consulting the variant resolver.
	VariantOverride string
	// ExitWait bounds waiting for target exit during restart and shutdown.
	// Zero means DefaultExitWait.
	ExitWait time.Duration
	// ResDir is the directory test results are written to. Empty disables
	// writing result files.
	ResDir string
}

func (c *Config) exitWait() time.Duration {
	if c.ExitWait <= 0 {
		return DefaultExitWait
	}
	return c.ExitWait
}
