// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package errors

import (
	stderrors "errors"
	"fmt"
	"regexp"
	"testing"
)

func check(t *testing.T, err error, msg string, traceRegexp *regexp.Regexp) {
	t.Helper()
	if s := err.Error(); s != msg {
		t.Errorf("Wrong error message %q; want %q", s, msg)
	}
	if s := fmt.Sprintf("%v", err); s != msg {
		t.Errorf("Wrong default value %q; want %q", s, msg)
	}
	if tr := fmt.Sprintf("%+v", err); !traceRegexp.MatchString(tr) {
		t.Errorf("Wrong trace %q; should match %q", tr, traceRegexp)
	}
}

func TestNew(t *testing.T) {
	const msg = "meow"
	traceRegexp := regexp.MustCompile(`^meow
	at github.com/proctordev/proctor/errors\.TestNew \(errors_test.go:\d+\)`)

	err := New(msg)

	check(t, err, msg, traceRegexp)
}

func TestErrorf(t *testing.T) {
	const msg = "meow"
	traceRegexp := regexp.MustCompile(`^meow
	at github.com/proctordev/proctor/errors\.TestErrorf \(errors_test.go:\d+\)`)

	err := Errorf("%sow", "me")

	check(t, err, msg, traceRegexp)
}

func TestWrap(t *testing.T) {
	const msg = "meow: woof"
	traceRegexp := regexp.MustCompile(`(?s)^meow
	at github.com/proctordev/proctor/errors\.TestWrap \(errors_test.go:\d+\)
.*
woof
	at github.com/proctordev/proctor/errors\.TestWrap \(errors_test.go:\d+\)`)

	err := Wrap(New("woof"), "meow")

	check(t, err, msg, traceRegexp)
}

func TestWrapForeignError(t *testing.T) {
	const msg = "meow: woof"
	traceRegexp := regexp.MustCompile(`(?s)^meow
	at github.com/proctordev/proctor/errors\.TestWrapForeignError \(errors_test.go:\d+\)
.*
woof
	at \?\?\?`)

	err := Wrap(stderrors.New("woof"), "meow")

	check(t, err, msg, traceRegexp)
}

func TestUnwrap(t *testing.T) {
	cause := New("woof")
	err := Wrap(cause, "meow")

	if got := Unwrap(err); got != cause {
		t.Errorf("Unwrap(%v) = %v; want %v", err, got, cause)
	}
}

type exampleError struct{ code int }

func (e *exampleError) Error() string { return fmt.Sprintf("example error %d", e.code) }

func TestAs(t *testing.T) {
	err := Wrap(&exampleError{code: 42}, "meow")

	var ee *exampleError
	if !As(err, &ee) {
		t.Fatalf("As(%v) = false; want true", err)
	}
	if ee.code != 42 {
		t.Errorf("code = %d; want 42", ee.code)
	}
}
