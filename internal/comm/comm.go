// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package comm implements the duplex message channel between the driver and
// the target process.
//
// The driver side is a Server listening on a TCP port; the target side is a
// Client dialing back to that port. Both sides exchange length-framed
// protocol messages. Send and Receive block; the channel is safe for one
// concurrent sender and one concurrent receiver.
package comm

import (
	"fmt"

	"github.com/proctordev/proctor/errors"
	"github.com/proctordev/proctor/internal/protocol"
)

// TransportError indicates a socket-level fault on the channel. It is
// distinguishable from protocol errors so that callers can abandon the
// current test and discard the target process instead of aborting the run.
type TransportError struct {
	Op  string // "send", "receive", "accept", "dial"
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// classify wraps err as a *TransportError unless it already is a protocol
// error, which passes through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *protocol.ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
