// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"
)

// maxMessageSize bounds the size of a single encoded message. A frame
// claiming to be larger indicates a corrupted stream or a protocol mismatch.
const maxMessageSize = 4 << 20

// envelope is the JSON form of a message on the wire: a kind tag plus an
// optional payload whose shape is determined by the kind.
type envelope struct {
	Kind    Kind            `json:"kind"`
	Content json.RawMessage `json:"content,omitempty"`
}

// MessageWriter writes length-framed messages to an underlying writer.
// It is safe to call its methods concurrently from multiple goroutines.
type MessageWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewMessageWriter returns a new MessageWriter for writing to w.
func NewMessageWriter(w io.Writer) *MessageWriter {
	return &MessageWriter{w: w}
}

// WriteMessage writes msg as a single frame.
func (mw *MessageWriter) WriteMessage(msg Msg) error {
	env := envelope{Kind: msg.MsgKind()}
	switch msg.(type) {
	case *RestartTarget, *CloseTarget:
		// Control-only kinds carry no payload.
	default:
		content, err := json.Marshal(msg)
		if err != nil {
			return &ProtocolError{Kind: msg.MsgKind(), Reason: "unable to encode payload: " + err.Error()}
		}
		env.Content = content
	}

	frame, err := json.Marshal(&env)
	if err != nil {
		return &ProtocolError{Kind: msg.MsgKind(), Reason: "unable to encode message: " + err.Error()}
	}

	mw.mu.Lock()
	defer mw.mu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := mw.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = mw.w.Write(frame)
	return err
}

// MessageReader reads length-framed messages from an underlying reader.
type MessageReader struct {
	r io.Reader
}

// NewMessageReader returns a new MessageReader for reading from r.
func NewMessageReader(r io.Reader) *MessageReader {
	return &MessageReader{r: r}
}

// ReadMessage reads and returns the next message.
//
// I/O failures are returned as-is so that callers can distinguish transport
// faults from protocol faults; malformed frames and unknown kinds are
// returned as *ProtocolError.
func (mr *MessageReader) ReadMessage() (Msg, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(mr.r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxMessageSize {
		return nil, &ProtocolError{Reason: "oversized frame"}
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(mr.r, frame); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &ProtocolError{Reason: "unable to decode message: " + err.Error()}
	}
	return decodeEnvelope(&env)
}

// decodeEnvelope converts an envelope into a typed message, validating that
// the payload matches the kind.
func decodeEnvelope(env *envelope) (Msg, error) {
	newMsg := func() Msg {
		switch env.Kind {
		case KindRunTest:
			return &RunTest{}
		case KindResumeTest:
			return &ResumeTest{}
		case KindRestartTargetAndResume:
			return &RestartTargetAndResume{}
		case KindTestEvent:
			return &TestEvent{}
		}
		return nil
	}

	switch env.Kind {
	case KindRestartTarget, KindCloseTarget:
		if env.Content != nil {
			return nil, &ProtocolError{Kind: env.Kind, Reason: "unexpected payload for control-only kind"}
		}
		if env.Kind == KindRestartTarget {
			return &RestartTarget{}, nil
		}
		return &CloseTarget{}, nil
	case KindRunTest, KindResumeTest, KindRestartTargetAndResume, KindTestEvent:
		if env.Content == nil {
			return nil, &ProtocolError{Kind: env.Kind, Reason: "missing payload"}
		}
		msg := newMsg()
		dec := json.NewDecoder(bytes.NewReader(env.Content))
		dec.DisallowUnknownFields()
		if err := dec.Decode(msg); err != nil {
			return nil, &ProtocolError{Kind: env.Kind, Reason: "malformed payload: " + err.Error()}
		}
		if err := validateMsg(msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, &ProtocolError{Kind: env.Kind, Reason: "unknown message kind"}
	}
}

// validateMsg rejects payloads that decoded structurally but carry values
// outside the closed enums both ends must agree on.
func validateMsg(msg Msg) error {
	switch m := msg.(type) {
	case *RestartTargetAndResume:
		switch m.Cause.Reason {
		case ReasonPluginInstalled, ReasonRunWithProperties:
		case "":
			return &ProtocolError{Kind: KindRestartTargetAndResume, Reason: "missing restart cause"}
		default:
			return &ProtocolError{Kind: KindRestartTargetAndResume, Reason: "unknown restart cause " + string(m.Cause.Reason)}
		}
	case *TestEvent:
		switch m.Event {
		case OutcomeStarted, OutcomeAssumptionFailure, OutcomeIgnored, OutcomeFailure, OutcomeFinished:
		default:
			return &ProtocolError{Kind: KindTestEvent, Reason: "unknown outcome " + string(m.Event)}
		}
	}
	return nil
}
