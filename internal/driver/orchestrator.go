// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package driver

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/proctordev/proctor/errors"
	"github.com/proctordev/proctor/internal/comm"
	"github.com/proctordev/proctor/internal/logging"
	"github.com/proctordev/proctor/internal/proc"
	"github.com/proctordev/proctor/internal/protocol"
)

// Orchestrator drives test execution on a remote target over one message
// channel. It is not safe for concurrent use: tests are orchestrated
// strictly sequentially, with at most one outstanding run or resume command
// awaiting its terminal event.
type Orchestrator struct {
	cfg      *Config
	ch       Channel
	launcher Launcher
	reporter Reporter
	resolve  VariantResolver

	runID     string
	scheduled []protocol.TestIdentity
	reg       *registry

	target        ProcessHandle
	targetVariant string

	// criticalErr, once set, short-circuits all subsequent tests of this
	// run to ignored without further network interaction.
	criticalErr error

	results []*Result
}

// NewOrchestrator creates an Orchestrator for one run over the given
// channel. scheduled lists every test this run will execute; it is passed to
// the target on launch.
func NewOrchestrator(cfg *Config, ch Channel, launcher Launcher, reporter Reporter, resolve VariantResolver, scheduled []protocol.TestIdentity) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		ch:        ch,
		launcher:  launcher,
		reporter:  reporter,
		resolve:   resolve,
		runID:     uuid.NewString(),
		scheduled: scheduled,
		reg:       newRegistry(),
	}
}

// RunID returns the unique identifier of this run.
func (o *Orchestrator) RunID() string { return o.runID }

// Results returns the results recorded so far, in execution order.
func (o *Orchestrator) Results() []*Result {
	return append([]*Result(nil), o.results...)
}

// RunAll runs every scheduled test sequentially, then shuts the target down.
func (o *Orchestrator) RunAll(ctx context.Context) []*Result {
	logging.Infof(ctx, "Starting run %s (%d tests)", o.runID, len(o.scheduled))
	for _, id := range o.scheduled {
		if err := o.RunTest(ctx, id); err != nil {
			logging.Infof(ctx, "Aborting run: %v", err)
		}
	}
	o.Shutdown(ctx)
	return o.Results()
}

// RunTest orchestrates a single test invocation. A non-nil error indicates a
// fatal condition; transient failures are reported through the Reporter and
// recorded in the results instead.
func (o *Orchestrator) RunTest(ctx context.Context, id protocol.TestIdentity) error {
	if o.criticalErr != nil {
		logging.Infof(ctx, "Skipping %s: %v", id, o.criticalErr)
		o.reporter.TestIgnored(id)
		o.record(newResult(id, StatusIgnored, o.criticalErr.Error()))
		return nil
	}

	variant, err := o.resolveVariant(id)
	if err != nil {
		o.failLocally(ctx, id, errors.Wrap(err, "failed to resolve target variant"))
		return nil
	}

	if !o.ch.IsConnected() {
		if err := o.ensureTarget(ctx, variant, nil); err != nil {
			o.failLocally(ctx, id, err)
			return nil
		}
	}

	pending := o.reg.add(id)
	defer o.reg.remove(id)

	start := time.Now()
	if err := o.ch.Send(&protocol.RunTest{Test: id}); err != nil {
		return o.channelError(ctx, id, start, err)
	}

	for {
		msg, err := o.ch.Receive()
		if err != nil {
			return o.channelError(ctx, id, start, err)
		}

		switch m := msg.(type) {
		case *protocol.TestEvent:
			done, err := o.handleEvent(ctx, id, pending, start, m)
			if err != nil {
				return o.fatal(ctx, id, start, err)
			}
			if done {
				return nil
			}

		case *protocol.RestartTarget:
			logging.Infof(ctx, "Target requested a restart before running %s", id)
			if err := o.restart(ctx, variant, nil); err != nil {
				o.failLocally(ctx, id, err)
				return nil
			}
			if err := o.ch.Send(&protocol.RunTest{Test: id}); err != nil {
				return o.channelError(ctx, id, start, err)
			}

		case *protocol.RestartTargetAndResume:
			resume, err := o.restartForCause(ctx, variant, &m.Cause)
			if err != nil {
				if _, ok := err.(*protocol.ProtocolError); ok {
					return o.fatal(ctx, id, start, err)
				}
				o.failLocally(ctx, id, err)
				return nil
			}
			if err := o.ch.Send(&protocol.ResumeTest{Test: id, Label: resume}); err != nil {
				return o.channelError(ctx, id, start, err)
			}

		default:
			return o.fatal(ctx, id, start, &protocol.ProtocolError{
				Kind:   msg.MsgKind(),
				Reason: "unexpected message while awaiting test events",
			})
		}
	}
}

// handleEvent routes one test event. It returns done=true when the event
// terminates the current test, and an error only on protocol violations.
func (o *Orchestrator) handleEvent(ctx context.Context, id protocol.TestIdentity, pending *pendingTest, start time.Time, ev *protocol.TestEvent) (bool, error) {
	p, ok := o.reg.lookup(ev.Test)
	if !ok {
		// The event belongs to a different in-flight test slot (e.g. due to
		// pipelining). Dropped deliberately; see the package design notes.
		logging.Debugf(ctx, "Dropping event %q for unknown test %s", ev.Event, ev.Test)
		return false, nil
	}

	switch ev.Event {
	case protocol.OutcomeStarted:
		o.reporter.TestStarted(p.id)
		p.started = true
		return false, nil
	case protocol.OutcomeAssumptionFailure:
		o.reporter.AssumptionFailure(p.id, reconstruct(ev.Failure))
		return false, nil
	case protocol.OutcomeFailure:
		o.reporter.TestFailure(p.id, reconstruct(ev.Failure))
		p.failed = true
		return false, nil
	case protocol.OutcomeIgnored:
		o.reporter.TestIgnored(p.id)
		if p.id == id {
			o.record(newResultAt(id, StatusIgnored, start, ""))
			return true, nil
		}
		return false, nil
	case protocol.OutcomeFinished:
		o.reporter.TestFinished(p.id)
		if p.id == id {
			status, reason := StatusPass, ""
			if p.failed {
				status = StatusFail
				reason = "test failed on the target"
			}
			o.record(newResultAt(id, status, start, reason))
			return true, nil
		}
		return false, nil
	default:
		return false, &protocol.ProtocolError{Kind: protocol.KindTestEvent, Reason: "unknown outcome " + string(ev.Event)}
	}
}

// reconstruct converts optional failure data into an error value.
func reconstruct(d *protocol.FailureData) error {
	if d == nil {
		return errors.New("target reported a failure without details")
	}
	return d.Reconstruct()
}

// restartForCause dispatches on a restart cause and performs the restart
// sequence, returning the resume label to send afterwards.
func (o *Orchestrator) restartForCause(ctx context.Context, variant string, cause *protocol.RestartCause) (string, error) {
	switch cause.Reason {
	case protocol.ReasonPluginInstalled:
		if err := o.restart(ctx, variant, nil); err != nil {
			return "", err
		}
		return protocol.ResumeLabelPlugins, nil
	case protocol.ReasonRunWithProperties:
		if len(cause.Properties) == 0 {
			return "", &protocol.ProtocolError{
				Kind:   protocol.KindRestartTargetAndResume,
				Reason: "restart cause runWithProperties carries no properties",
			}
		}
		opts := make([]proc.Option, len(cause.Properties))
		for i, p := range cause.Properties {
			opts[i] = proc.Option{Key: p.Key, Value: p.Value}
		}
		if err := o.restart(ctx, variant, opts); err != nil {
			return "", err
		}
		return protocol.ResumeLabelProperties, nil
	default:
		return "", &protocol.ProtocolError{
			Kind:   protocol.KindRestartTargetAndResume,
			Reason: "unknown restart cause " + string(cause.Reason),
		}
	}
}

// resolveVariant determines the target variant for a test: the explicit
// override if set, otherwise the resolver's answer for the declaring class.
func (o *Orchestrator) resolveVariant(id protocol.TestIdentity) (string, error) {
	if o.cfg.VariantOverride != "" {
		return o.cfg.VariantOverride, nil
	}
	return o.resolve(id.Class)
}

// ensureTarget launches a target process for the given variant and arms the
// channel, if not already running.
func (o *Orchestrator) ensureTarget(ctx context.Context, variant string, opts []proc.Option) error {
	if o.target == nil {
		h, err := o.launch(ctx, variant, opts)
		if err != nil {
			return err
		}
		o.target = h
		o.targetVariant = variant
	}
	return o.ch.Start()
}

// launch starts a target process for variant, connecting back on the
// channel's port.
func (o *Orchestrator) launch(ctx context.Context, variant string, opts []proc.Option) (ProcessHandle, error) {
	cmd, ok := o.cfg.Variants[variant]
	if !ok {
		return nil, errors.Errorf("unknown target variant %q", variant)
	}
	return o.launcher.Launch(ctx, cmd, o.ch.Port(), variant, o.scheduled, opts)
}

// restart performs the restart sequence: ask the target to close, wait for
// it to exit up to the configured bound, force-kill it regardless, stop the
// channel's accepting side, relaunch the target on the same port, and re-arm
// the channel. No other test proceeds on this channel meanwhile.
func (o *Orchestrator) restart(ctx context.Context, variant string, opts []proc.Option) error {
	logging.Infof(ctx, "Restarting target variant %q", variant)

	if err := o.ch.Send(&protocol.CloseTarget{}); err != nil {
		logging.Debugf(ctx, "Failed to send close request, killing target anyway: %v", err)
	}
	if o.target != nil {
		if err := o.target.Wait(ctx, o.cfg.exitWait()); err != nil {
			logging.Debugf(ctx, "Target did not exit in time: %v", err)
		}
		if err := o.target.Kill(); err != nil {
			logging.Debugf(ctx, "Failed to kill target: %v", err)
		}
		o.target = nil
	}
	o.ch.Stop()

	h, err := o.launch(ctx, variant, opts)
	if err != nil {
		return errors.Wrap(err, "failed to relaunch target")
	}
	o.target = h
	o.targetVariant = variant
	return o.ch.Start()
}

// channelError handles an error from the channel while a test is in flight.
// Protocol errors are fatal; transport errors fail the current test, discard
// the target process and tear the channel down, and the run continues.
func (o *Orchestrator) channelError(ctx context.Context, id protocol.TestIdentity, start time.Time, err error) error {
	if _, ok := errAsProtocol(err); ok {
		return o.fatal(ctx, id, start, err)
	}
	logging.Infof(ctx, "Transport failure while running %s: %v", id, err)
	o.reporter.TestFailure(id, err)
	o.reporter.TestFinished(id)
	o.record(newResultAt(id, StatusFail, start, err.Error()))
	o.discardTarget(ctx)
	return nil
}

// fatal handles an unrecoverable protocol violation: the current test fails
// with a descriptive message and all subsequent tests are short-circuited.
func (o *Orchestrator) fatal(ctx context.Context, id protocol.TestIdentity, start time.Time, err error) error {
	logging.Infof(ctx, "Fatal protocol violation while running %s: %v", id, err)
	o.criticalErr = err
	o.reporter.TestFailure(id, err)
	o.reporter.TestFinished(id)
	o.record(newResultAt(id, StatusFail, start, err.Error()))
	o.discardTarget(ctx)
	return err
}

// failLocally fails a test without any network interaction, e.g. on launch
// or variant resolution errors. The run continues with subsequent tests.
func (o *Orchestrator) failLocally(ctx context.Context, id protocol.TestIdentity, err error) {
	logging.Infof(ctx, "Failed to run %s: %v", id, err)
	o.reporter.TestFailure(id, err)
	o.reporter.TestFinished(id)
	o.record(newResult(id, StatusFail, err.Error()))
}

// discardTarget kills the target process, if any, and stops the channel.
func (o *Orchestrator) discardTarget(ctx context.Context) {
	if o.target != nil {
		if err := o.target.Kill(); err != nil {
			logging.Debugf(ctx, "Failed to kill target: %v", err)
		}
		o.target = nil
	}
	o.ch.Stop()
}

// Shutdown closes the target gracefully, force-kills it if needed, and tears
// the channel down. It is safe to call when no target is running.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if o.target != nil {
		logging.Infof(ctx, "Shutting down target variant %q", o.targetVariant)
		if o.ch.IsConnected() {
			if err := o.ch.Send(&protocol.CloseTarget{}); err != nil {
				logging.Debugf(ctx, "Failed to send close request: %v", err)
			}
		}
		if err := o.target.Wait(ctx, o.cfg.exitWait()); err != nil {
			logging.Debugf(ctx, "Target did not exit in time: %v", err)
		}
		if err := o.target.Kill(); err != nil {
			logging.Debugf(ctx, "Failed to kill target: %v", err)
		}
		o.target = nil
	}
	o.ch.Close()
}

// errAsProtocol reports whether err is a protocol error.
func errAsProtocol(err error) (*protocol.ProtocolError, bool) {
	var pe *protocol.ProtocolError
	ok := errors.As(err, &pe)
	return pe, ok
}

var _ Channel = (*comm.Server)(nil)
