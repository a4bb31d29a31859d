// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package driver

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/proctordev/proctor/internal/comm"
	"github.com/proctordev/proctor/internal/proc"
	"github.com/proctordev/proctor/internal/protocol"
)

var (
	fooBar   = protocol.TestIdentity{Class: "FooTest", Method: "testBar"}
	fooOther = protocol.TestIdentity{Class: "FooTest", Method: "testOther"}
)

// eventLog records cross-component events to verify ordering properties.
type eventLog struct {
	events []string
}

func (l *eventLog) add(ev string) { l.events = append(l.events, ev) }

// fakeReporter records reporting API calls in order.
type fakeReporter struct {
	log   *eventLog
	calls []string
}

func (r *fakeReporter) TestStarted(id protocol.TestIdentity) {
	r.calls = append(r.calls, "started "+id.String())
}

func (r *fakeReporter) TestIgnored(id protocol.TestIdentity) {
	r.calls = append(r.calls, "ignored "+id.String())
}

func (r *fakeReporter) AssumptionFailure(id protocol.TestIdentity, err error) {
	r.calls = append(r.calls, fmt.Sprintf("assumption %s: %v", id, err))
}

func (r *fakeReporter) TestFailure(id protocol.TestIdentity, err error) {
	r.calls = append(r.calls, fmt.Sprintf("failure %s: %v", id, err))
	r.log.add("reporter:failure")
}

func (r *fakeReporter) TestFinished(id protocol.TestIdentity) {
	r.calls = append(r.calls, "finished "+id.String())
	r.log.add("reporter:finished")
}

// step is one scripted reply of the fake channel.
type step struct {
	msg protocol.Msg
	err error
}

// fakeChannel plays back a scripted conversation with the target.
type fakeChannel struct {
	log       *eventLog
	script    []step
	sent      []protocol.Msg
	started   bool
	connected bool
	stops     int
}

func (c *fakeChannel) Send(msg protocol.Msg) error {
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Receive() (protocol.Msg, error) {
	if len(c.script) == 0 {
		return nil, &comm.TransportError{Op: "receive", Err: fmt.Errorf("script exhausted")}
	}
	s := c.script[0]
	c.script = c.script[1:]
	return s.msg, s.err
}

func (c *fakeChannel) Start() error {
	c.started = true
	c.connected = true // a fake target connects instantly
	return nil
}

func (c *fakeChannel) Stop() {
	c.started = false
	c.connected = false
	c.stops++
	c.log.add("channel:stop")
}

func (c *fakeChannel) Close()            { c.log.add("channel:close") }
func (c *fakeChannel) Port() int         { return 42845 }
func (c *fakeChannel) IsStarted() bool   { return c.started }
func (c *fakeChannel) IsConnected() bool { return c.connected }

// launchRecord describes one fake launch.
type launchRecord struct {
	variant string
	port    int
	tests   []protocol.TestIdentity
	opts    []proc.Option
}

// fakeLauncher hands out fake process handles.
type fakeLauncher struct {
	log      *eventLog
	launches []launchRecord
	err      error
}

func (l *fakeLauncher) Launch(ctx context.Context, cmd proc.Command, port int, variant string, tests []protocol.TestIdentity, opts []proc.Option) (ProcessHandle, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.launches = append(l.launches, launchRecord{variant: variant, port: port, tests: tests, opts: opts})
	return &fakeProcess{log: l.log}, nil
}

// fakeProcess is a fake target process handle.
type fakeProcess struct {
	log *eventLog
}

func (p *fakeProcess) Wait(ctx context.Context, timeout time.Duration) error { return nil }

func (p *fakeProcess) Kill() error {
	p.log.add("target:kill")
	return nil
}

// env bundles an orchestrator with its fakes.
type env struct {
	log      *eventLog
	ch       *fakeChannel
	launcher *fakeLauncher
	reporter *fakeReporter
	orch     *Orchestrator
}

func newEnv(t *testing.T, script []step) *env {
	t.Helper()
	log := &eventLog{}
	e := &env{
		log:      log,
		ch:       &fakeChannel{log: log, script: script},
		launcher: &fakeLauncher{log: log},
		reporter: &fakeReporter{log: log},
	}
	cfg := &Config{
		Variants: map[string]proc.Command{"community": {Path: "target"}},
		ExitWait: time.Minute,
	}
	resolve := func(class string) (string, error) { return "community", nil }
	e.orch = NewOrchestrator(cfg, e.ch, e.launcher, e.reporter, resolve, []protocol.TestIdentity{fooBar, fooOther})
	return e
}

func event(id protocol.TestIdentity, outcome protocol.Outcome) step {
	return step{msg: &protocol.TestEvent{Test: id, Event: outcome}}
}

func TestRunTestStartedFinished(t *testing.T) {
	e := newEnv(t, []step{
		event(fooBar, protocol.OutcomeStarted),
		event(fooBar, protocol.OutcomeFinished),
	})

	if err := e.orch.RunTest(context.Background(), fooBar); err != nil {
		t.Fatal("RunTest failed: ", err)
	}

	want := []string{"started FooTest.testBar", "finished FooTest.testBar"}
	if diff := cmp.Diff(e.reporter.calls, want); diff != "" {
		t.Error("Unexpected notifier sequence (-got +want):\n", diff)
	}

	results := e.orch.Results()
	if len(results) != 1 || results[0].Status != StatusPass {
		t.Errorf("Results = %+v; want one pass", results)
	}
}

func TestRunTestFailureThenFinished(t *testing.T) {
	e := newEnv(t, []step{
		event(fooBar, protocol.OutcomeStarted),
		{msg: &protocol.TestEvent{Test: fooBar, Event: protocol.OutcomeFailure, Failure: &protocol.FailureData{
			Type:    "X",
			Message: "boom",
		}}},
		event(fooBar, protocol.OutcomeFinished),
	})

	if err := e.orch.RunTest(context.Background(), fooBar); err != nil {
		t.Fatal("RunTest failed: ", err)
	}

	if len(e.reporter.calls) != 3 {
		t.Fatalf("Got %d notifier calls (%v); want 3", len(e.reporter.calls), e.reporter.calls)
	}
	if !strings.Contains(e.reporter.calls[1], "boom") {
		t.Errorf("Failure call %q does not mention %q", e.reporter.calls[1], "boom")
	}
	if e.reporter.calls[2] != "finished FooTest.testBar" {
		t.Errorf("Terminal call = %q; want finished", e.reporter.calls[2])
	}

	results := e.orch.Results()
	if len(results) != 1 || results[0].Status != StatusFail {
		t.Errorf("Results = %+v; want one fail", results)
	}
}

func TestRunTestIgnored(t *testing.T) {
	e := newEnv(t, []step{
		event(fooBar, protocol.OutcomeIgnored),
	})

	if err := e.orch.RunTest(context.Background(), fooBar); err != nil {
		t.Fatal("RunTest failed: ", err)
	}

	want := []string{"ignored FooTest.testBar"}
	if diff := cmp.Diff(e.reporter.calls, want); diff != "" {
		t.Error("Unexpected notifier sequence (-got +want):\n", diff)
	}
}

func TestRunTestAssumptionFailureDoesNotEndTest(t *testing.T) {
	e := newEnv(t, []step{
		event(fooBar, protocol.OutcomeStarted),
		{msg: &protocol.TestEvent{Test: fooBar, Event: protocol.OutcomeAssumptionFailure, Failure: &protocol.FailureData{
			Type:    "AssumptionViolated",
			Message: "need network",
		}}},
		event(fooBar, protocol.OutcomeFinished),
	})

	if err := e.orch.RunTest(context.Background(), fooBar); err != nil {
		t.Fatal("RunTest failed: ", err)
	}

	// An assumption failure does not mark the test failed.
	results := e.orch.Results()
	if len(results) != 1 || results[0].Status != StatusPass {
		t.Errorf("Results = %+v; want one pass", results)
	}
}

func TestEventsForOtherIdentityAreDropped(t *testing.T) {
	e := newEnv(t, []step{
		event(fooOther, protocol.OutcomeStarted),
		event(fooOther, protocol.OutcomeFinished),
		event(fooBar, protocol.OutcomeStarted),
		event(fooBar, protocol.OutcomeFinished),
	})

	if err := e.orch.RunTest(context.Background(), fooBar); err != nil {
		t.Fatal("RunTest failed: ", err)
	}

	// Events tagged with a different identity must never reach the pending
	// notifier for fooBar.
	want := []string{"started FooTest.testBar", "finished FooTest.testBar"}
	if diff := cmp.Diff(e.reporter.calls, want); diff != "" {
		t.Error("Unexpected notifier sequence (-got +want):\n", diff)
	}
}

func TestRestartTargetResendsRunTest(t *testing.T) {
	e := newEnv(t, []step{
		{msg: &protocol.RestartTarget{}},
		event(fooBar, protocol.OutcomeStarted),
		event(fooBar, protocol.OutcomeFinished),
	})

	if err := e.orch.RunTest(context.Background(), fooBar); err != nil {
		t.Fatal("RunTest failed: ", err)
	}

	// The same test is resent after the relaunch, and no terminal notifier
	// call fires until the second RunTest resolves.
	wantSent := []protocol.Msg{
		&protocol.RunTest{Test: fooBar},
		&protocol.CloseTarget{},
		&protocol.RunTest{Test: fooBar},
	}
	if diff := cmp.Diff(e.ch.sent, wantSent); diff != "" {
		t.Error("Unexpected sent messages (-got +want):\n", diff)
	}
	if len(e.launcher.launches) != 2 {
		t.Errorf("Got %d launches; want 2 (initial + restart)", len(e.launcher.launches))
	}
	want := []string{"started FooTest.testBar", "finished FooTest.testBar"}
	if diff := cmp.Diff(e.reporter.calls, want); diff != "" {
		t.Error("Unexpected notifier sequence (-got +want):\n", diff)
	}
}

func TestRestartAndResumePluginInstalled(t *testing.T) {
	e := newEnv(t, []step{
		{msg: &protocol.RestartTargetAndResume{Cause: protocol.RestartCause{Reason: protocol.ReasonPluginInstalled}}},
		event(fooBar, protocol.OutcomeStarted),
		event(fooBar, protocol.OutcomeFinished),
	})

	if err := e.orch.RunTest(context.Background(), fooBar); err != nil {
		t.Fatal("RunTest failed: ", err)
	}

	wantSent := []protocol.Msg{
		&protocol.RunTest{Test: fooBar},
		&protocol.CloseTarget{},
		&protocol.ResumeTest{Test: fooBar, Label: protocol.ResumeLabelPlugins},
	}
	if diff := cmp.Diff(e.ch.sent, wantSent); diff != "" {
		t.Error("Unexpected sent messages (-got +want):\n", diff)
	}
}

func TestRestartAndResumeWithProperties(t *testing.T) {
	props := []protocol.Property{
		{Key: "idea.home", Value: "/opt/idea"},
		{Key: "debug", Value: "true"},
	}
	e := newEnv(t, []step{
		{msg: &protocol.RestartTargetAndResume{Cause: protocol.RestartCause{
			Reason:     protocol.ReasonRunWithProperties,
			Properties: props,
		}}},
		event(fooBar, protocol.OutcomeStarted),
		event(fooBar, protocol.OutcomeFinished),
	})

	if err := e.orch.RunTest(context.Background(), fooBar); err != nil {
		t.Fatal("RunTest failed: ", err)
	}

	if got := e.ch.sent[len(e.ch.sent)-1]; !cmp.Equal(got, protocol.Msg(&protocol.ResumeTest{Test: fooBar, Label: protocol.ResumeLabelProperties})) {
		t.Errorf("Last sent message = %+v; want resume with %q", got, protocol.ResumeLabelProperties)
	}

	// The relaunch carries the properties as extra launch options, in order.
	if len(e.launcher.launches) != 2 {
		t.Fatalf("Got %d launches; want 2", len(e.launcher.launches))
	}
	wantOpts := []proc.Option{
		{Key: "idea.home", Value: "/opt/idea"},
		{Key: "debug", Value: "true"},
	}
	if diff := cmp.Diff(e.launcher.launches[1].opts, wantOpts); diff != "" {
		t.Error("Unexpected relaunch options (-got +want):\n", diff)
	}
}

func TestRestartAndResumeMissingPropertiesIsFatal(t *testing.T) {
	e := newEnv(t, []step{
		{msg: &protocol.RestartTargetAndResume{Cause: protocol.RestartCause{Reason: protocol.ReasonRunWithProperties}}},
	})

	err := e.orch.RunTest(context.Background(), fooBar)
	if err == nil {
		t.Fatal("RunTest succeeded; want fatal protocol error")
	}
	if _, ok := errAsProtocol(err); !ok {
		t.Errorf("RunTest returned %T (%v); want *protocol.ProtocolError", err, err)
	}

	// The test fails with a descriptive message, not silently.
	if len(e.reporter.calls) < 2 || !strings.Contains(e.reporter.calls[0], "properties") {
		t.Errorf("Notifier calls = %v; want failure mentioning properties, then finished", e.reporter.calls)
	}

	// Subsequent tests are short-circuited to ignored without network use.
	sent := len(e.ch.sent)
	if err := e.orch.RunTest(context.Background(), fooOther); err != nil {
		t.Fatal("RunTest failed: ", err)
	}
	if got := e.reporter.calls[len(e.reporter.calls)-1]; got != "ignored FooTest.testOther" {
		t.Errorf("Last notifier call = %q; want ignored", got)
	}
	if len(e.ch.sent) != sent {
		t.Errorf("Channel used after critical error: sent %d messages", len(e.ch.sent)-sent)
	}
}

func TestTransportErrorFailsTestInOrder(t *testing.T) {
	e := newEnv(t, []step{
		event(fooBar, protocol.OutcomeStarted),
		{err: &comm.TransportError{Op: "receive", Err: fmt.Errorf("connection reset")}},
	})

	if err := e.orch.RunTest(context.Background(), fooBar); err != nil {
		t.Fatalf("RunTest returned %v; transport errors must not propagate", err)
	}

	// Failure recorded, finished fired, target killed, channel stopped —
	// in that order, exactly once.
	want := []string{"reporter:failure", "reporter:finished", "target:kill", "channel:stop"}
	if diff := cmp.Diff(e.log.events, want); diff != "" {
		t.Error("Unexpected event order (-got +want):\n", diff)
	}

	// The run continues: the next test relaunches a fresh target.
	e.ch.script = []step{
		event(fooOther, protocol.OutcomeStarted),
		event(fooOther, protocol.OutcomeFinished),
	}
	if err := e.orch.RunTest(context.Background(), fooOther); err != nil {
		t.Fatal("RunTest failed: ", err)
	}
	if len(e.launcher.launches) != 2 {
		t.Errorf("Got %d launches; want 2", len(e.launcher.launches))
	}
}

func TestUnexpectedMessageKindIsFatal(t *testing.T) {
	e := newEnv(t, []step{
		{msg: &protocol.CloseTarget{}},
	})

	if err := e.orch.RunTest(context.Background(), fooBar); err == nil {
		t.Fatal("RunTest succeeded; want fatal protocol error")
	}
}

func TestLaunchErrorFailsTestAndRunContinues(t *testing.T) {
	e := newEnv(t, nil)
	e.launcher.err = fmt.Errorf("binary not found")

	if err := e.orch.RunTest(context.Background(), fooBar); err != nil {
		t.Fatalf("RunTest returned %v; launch errors must not propagate", err)
	}

	if len(e.reporter.calls) != 2 ||
		!strings.Contains(e.reporter.calls[0], "binary not found") ||
		e.reporter.calls[1] != "finished FooTest.testBar" {
		t.Errorf("Notifier calls = %v; want failure then finished", e.reporter.calls)
	}

	// A later test retries the launch once the launcher recovers.
	e.launcher.err = nil
	e.ch.script = []step{
		event(fooOther, protocol.OutcomeStarted),
		event(fooOther, protocol.OutcomeFinished),
	}
	if err := e.orch.RunTest(context.Background(), fooOther); err != nil {
		t.Fatal("RunTest failed: ", err)
	}
}

func TestVariantOverride(t *testing.T) {
	e := newEnv(t, []step{
		event(fooBar, protocol.OutcomeFinished),
	})
	e.orch.cfg.Variants["enterprise"] = proc.Command{Path: "target-enterprise"}
	e.orch.cfg.VariantOverride = "enterprise"

	if err := e.orch.RunTest(context.Background(), fooBar); err != nil {
		t.Fatal("RunTest failed: ", err)
	}
	if got := e.launcher.launches[0].variant; got != "enterprise" {
		t.Errorf("Launched variant %q; want %q", got, "enterprise")
	}
}
