// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/proctordev/proctor/errors"
	"github.com/proctordev/proctor/internal/protocol"
)

// TestFunc is the body of a registered test. A nil return means the test
// passed. Returning a *SkipError marks the test ignored; returning a
// *CriticalError additionally poisons the process so that no further test
// runs before a restart.
type TestFunc func(ctx context.Context) error

// SkipError marks a test as ignored instead of failed.
type SkipError struct {
	Reason string
}

// Error implements the error interface.
func (e *SkipError) Error() string { return "test skipped: " + e.Reason }

// Skip returns an error marking the current test ignored.
func Skip(reason string) error { return &SkipError{Reason: reason} }

// CriticalError marks a failure that leaves the whole process unusable.
// After a test returns it, the agent requests a restart before running
// anything else.
type CriticalError struct {
	Err error
}

// Error implements the error interface.
func (e *CriticalError) Error() string { return "critical: " + e.Err.Error() }

// Unwrap returns the underlying error.
func (e *CriticalError) Unwrap() error { return e.Err }

// Critical wraps err as a CriticalError.
func Critical(err error) error { return &CriticalError{Err: err} }

// Registry holds the runnable tests of a target application and implements
// Executor over them.
type Registry struct {
	mu    sync.Mutex
	tests map[protocol.TestIdentity]TestFunc
	fatal bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tests: make(map[protocol.TestIdentity]TestFunc)}
}

// Register adds a test under the given class and method names. Registering
// the same identity twice panics, mirroring duplicate test definitions.
func (r *Registry) Register(class, method string, f TestFunc) {
	id := protocol.TestIdentity{Class: class, Method: method}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tests[id]; ok {
		panic(fmt.Sprintf("test %s registered twice", id))
	}
	r.tests[id] = f
}

// HasFatalState reports whether a previous test poisoned the process.
func (r *Registry) HasFatalState() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// Run executes the test identified by id, reporting through l. Unknown
// identities are reported ignored: the driver may schedule tests this
// variant does not carry.
func (r *Registry) Run(ctx context.Context, id protocol.TestIdentity, l Listener) {
	r.mu.Lock()
	f, ok := r.tests[id]
	r.mu.Unlock()
	if !ok {
		l.Ignored()
		return
	}

	l.Started()
	err := runBody(ctx, f)
	if err == nil {
		l.Finished()
		return
	}

	var se *SkipError
	if errors.As(err, &se) {
		l.Ignored()
		return
	}
	var ce *CriticalError
	if errors.As(err, &ce) {
		r.mu.Lock()
		r.fatal = true
		r.mu.Unlock()
	}
	l.Failure(failureData(err))
	l.Finished()
}

// runBody invokes a test body, converting a panic into an error.
func runBody(ctx context.Context, f TestFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return f(ctx)
}

// failureData converts a test error into wire failure data.
func failureData(err error) *protocol.FailureData {
	return &protocol.FailureData{
		Type:    fmt.Sprintf("%T", err),
		Message: strings.TrimSpace(err.Error()),
	}
}

// defaultRegistry backs the package-level registration API.
var defaultRegistry = NewRegistry()

// Register adds a test to the default registry, typically from an init
// function of the application under test.
func Register(class, method string, f TestFunc) {
	defaultRegistry.Register(class, method, f)
}

// DefaultRegistry returns the registry used by the package-level Register.
func DefaultRegistry() *Registry {
	return defaultRegistry
}
