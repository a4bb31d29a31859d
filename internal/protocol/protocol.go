// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package protocol defines the wire protocol spoken between the driver and
// the target process.
//
// Every message on the wire is an envelope carrying a kind tag and an
// optional payload whose shape is fully determined by the kind. A typical
// exchange for one test is as follows:
//
//	driver -> target: RunTest
//	target -> driver: TestEvent (started)
//	target -> driver: TestEvent (failure)    [zero or more]
//	target -> driver: TestEvent (finished)
//
// The target may also interject RestartTarget or RestartTargetAndResume to
// ask the driver to relaunch it before the test can proceed.
package protocol

import (
	"fmt"
	"strings"
)

// Kind identifies the type of a message. The set of kinds is closed; both
// ends must agree on it, and an unknown kind is a fatal protocol error.
type Kind string

// Message kinds.
const (
	KindRunTest                Kind = "runTest"
	KindResumeTest             Kind = "resumeTest"
	KindRestartTarget          Kind = "restartTarget"
	KindRestartTargetAndResume Kind = "restartTargetAndResume"
	KindCloseTarget            Kind = "closeTarget"
	KindTestEvent              Kind = "testEvent"
)

// Outcome describes a test lifecycle event reported by the target.
type Outcome string

// Outcome values. Started, AssumptionFailure and Failure do not end a test by
// themselves; only Finished and Ignored are terminal.
const (
	OutcomeStarted           Outcome = "started"
	OutcomeAssumptionFailure Outcome = "assumptionFailure"
	OutcomeIgnored           Outcome = "ignored"
	OutcomeFailure           Outcome = "failure"
	OutcomeFinished          Outcome = "finished"
)

// Terminal reports whether o ends a test's lifecycle.
func (o Outcome) Terminal() bool {
	return o == OutcomeFinished || o == OutcomeIgnored
}

// Resume labels passed with ResumeTest after a restart.
const (
	ResumeLabelPlugins    = "plugins installed"
	ResumeLabelProperties = "system properties"
)

// TestIdentity is the stable key identifying one test invocation. It is used
// to correlate a remote event to the locally pending test.
type TestIdentity struct {
	Class  string `json:"className"`
	Method string `json:"methodName"`
}

// String returns the identity in "Class.method" form.
func (id TestIdentity) String() string {
	return id.Class + "." + id.Method
}

// ParseTestIdentity parses an identity in "Class.method" form. The class may
// itself be dotted (e.g. a fully qualified name); the method is the part
// after the last dot.
func ParseTestIdentity(s string) (TestIdentity, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return TestIdentity{}, fmt.Errorf("bad test identity %q: want Class.method", s)
	}
	return TestIdentity{Class: s[:i], Method: s[i+1:]}, nil
}

// Frame is one reconstructed stack frame of a remote failure.
type Frame struct {
	Class  string `json:"className"`
	Method string `json:"methodName"`
	File   string `json:"fileName,omitempty"`
	Line   int    `json:"lineNumber,omitempty"`
}

// FailureData carries a remote throwable reconstructed from the target:
// the origin type name, the message, and the stack frames.
type FailureData struct {
	Type    string  `json:"type"`
	Message string  `json:"message"`
	Frames  []Frame `json:"frames,omitempty"`
}

// RemoteError is an error reconstructed from FailureData on the driver side.
type RemoteError struct {
	Data FailureData
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Data.Type == "" {
		return e.Data.Message
	}
	return fmt.Sprintf("%s: %s", e.Data.Type, e.Data.Message)
}

// Reconstruct converts failure data into an error value usable with the
// local reporting API.
func (d *FailureData) Reconstruct() error {
	return &RemoteError{Data: *d}
}

// RestartReason tags a RestartCause variant.
type RestartReason string

// RestartReason values.
const (
	ReasonPluginInstalled   RestartReason = "pluginInstalled"
	ReasonRunWithProperties RestartReason = "runWithProperties"
)

// Property is one key/value pair passed to the target on relaunch.
type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RestartCause explains why the target asked to be restarted before the
// current test can be resumed.
type RestartCause struct {
	Reason RestartReason `json:"reason"`
	// Properties is set when Reason is ReasonRunWithProperties. Order is
	// preserved as sent by the target.
	Properties []Property `json:"properties,omitempty"`
}

// Msg is an interface implemented by all message types.
type Msg interface {
	// MsgKind returns the kind tag written to the wire for this message.
	MsgKind() Kind

	// isMsg indicates that a type is a message type. It is not intended to
	// be called. Since this method is unexported, no other packages can
	// define message types.
	isMsg()
}

// RunTest asks the target to execute a single test.
type RunTest struct {
	Test TestIdentity `json:"test"`
}

// MsgKind returns KindRunTest.
func (*RunTest) MsgKind() Kind { return KindRunTest }
func (*RunTest) isMsg()        {}

// ResumeTest asks the target to resume a test that was interrupted by a
// restart excursion.
type ResumeTest struct {
	Test  TestIdentity `json:"test"`
	Label string       `json:"label"`
}

// MsgKind returns KindResumeTest.
func (*ResumeTest) MsgKind() Kind { return KindResumeTest }
func (*ResumeTest) isMsg()        {}

// RestartTarget asks the driver to restart the target process and run the
// current test again from scratch.
type RestartTarget struct{}

// MsgKind returns KindRestartTarget.
func (*RestartTarget) MsgKind() Kind { return KindRestartTarget }
func (*RestartTarget) isMsg()        {}

// RestartTargetAndResume asks the driver to restart the target process and
// then resume the current test. The cause is mandatory.
type RestartTargetAndResume struct {
	Cause RestartCause `json:"cause"`
}

// MsgKind returns KindRestartTargetAndResume.
func (*RestartTargetAndResume) MsgKind() Kind { return KindRestartTargetAndResume }
func (*RestartTargetAndResume) isMsg()        {}

// CloseTarget asks the target process to shut down.
type CloseTarget struct{}

// MsgKind returns KindCloseTarget.
func (*CloseTarget) MsgKind() Kind { return KindCloseTarget }
func (*CloseTarget) isMsg()        {}

// TestEvent reports a test lifecycle event from the target to the driver.
type TestEvent struct {
	Test  TestIdentity `json:"test"`
	Event Outcome      `json:"event"`
	// Failure is set when Event is OutcomeFailure or
	// OutcomeAssumptionFailure.
	Failure *FailureData `json:"failure,omitempty"`
}

// MsgKind returns KindTestEvent.
func (*TestEvent) MsgKind() Kind { return KindTestEvent }
func (*TestEvent) isMsg()        {}

// ProtocolError indicates a malformed payload for a given kind, or a message
// kind unknown to this end. It signals an implementation or version mismatch
// between the driver and the target, and is always fatal to the run.
type ProtocolError struct {
	Kind   Kind
	Reason string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Kind == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error (kind %q): %s", e.Kind, e.Reason)
}
