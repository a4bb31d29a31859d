// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package comm

import (
	"fmt"
	"net"
	"sync"

	"github.com/proctordev/proctor/errors"
	"github.com/proctordev/proctor/internal/protocol"
)

// Server is the driver side of the message channel. It listens on a TCP port
// and accepts one target connection at a time.
//
// The listening socket is bound for the whole lifetime of the Server so the
// port stays stable across target restarts. Start arms accepting, Stop
// disconnects the current target and disarms accepting; a subsequent Start
// accepts a fresh connection on the same port.
type Server struct {
	ln net.Listener

	mu        sync.Mutex
	cond      *sync.Cond
	started   bool // accepting is armed
	accepting bool // accept goroutine is running
	closed    bool // Close was called; terminal
	conn      net.Conn
	pending   net.Conn // accepted while disarmed; adopted by the next Start
	mw        *protocol.MessageWriter
	mr        *protocol.MessageReader
}

// NewServer binds a listening socket on the given TCP port. Pass 0 to let
// the OS pick an ephemeral port. The server does not accept connections
// until Start is called.
func NewServer(port int) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, errors.Wrap(err, "failed to bind channel port")
	}
	s := &Server{ln: ln}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Port returns the TCP port the server is listening on.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// IsStarted reports whether the server is currently armed to accept a
// connection (or already holds one).
func (s *Server) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// IsConnected reports whether a target is currently connected.
func (s *Server) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Start arms the server to accept a single connection. Calling Start on an
// already started server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("channel server is closed")
	}
	if s.started {
		return nil
	}
	s.started = true
	if s.pending != nil {
		s.adoptLocked(s.pending)
		s.pending = nil
	}
	if !s.accepting {
		s.accepting = true
		go s.acceptLoop()
	}
	return nil
}

// acceptLoop accepts connections until the listener is closed. A connection
// arriving while the server is disarmed is kept pending so a target that
// reconnects during a restart excursion is not lost; one arriving while
// another target is connected is dropped.
func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()

		s.mu.Lock()
		if err != nil {
			// The listener is closed; wake up any waiters.
			s.accepting = false
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}
		switch {
		case s.closed || s.conn != nil:
			s.mu.Unlock()
			conn.Close()
			continue
		case !s.started:
			if s.pending != nil {
				s.pending.Close()
			}
			s.pending = conn
		default:
			s.adoptLocked(conn)
		}
		s.mu.Unlock()
	}
}

// adoptLocked installs conn as the current target connection.
func (s *Server) adoptLocked(conn net.Conn) {
	s.conn = conn
	s.mw = protocol.NewMessageWriter(conn)
	s.mr = protocol.NewMessageReader(conn)
	s.cond.Broadcast()
}

// waitConn blocks until a target is connected or the channel is torn down.
func (s *Server) waitConn(op string) (*protocol.MessageWriter, *protocol.MessageReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.started && s.conn == nil && !s.closed {
		s.cond.Wait()
	}
	if s.conn == nil {
		return nil, nil, &TransportError{Op: op, Err: errors.New("channel is not connected")}
	}
	return s.mw, s.mr, nil
}

// Send blocks until msg is handed to the socket or the channel is torn down.
// Socket faults are reported as *TransportError.
func (s *Server) Send(msg protocol.Msg) error {
	mw, _, err := s.waitConn("send")
	if err != nil {
		return err
	}
	return classify("send", mw.WriteMessage(msg))
}

// Receive blocks until a message arrives. Socket faults are reported as
// *TransportError; malformed messages as *protocol.ProtocolError.
func (s *Server) Receive() (protocol.Msg, error) {
	_, mr, err := s.waitConn("receive")
	if err != nil {
		return nil, err
	}
	msg, err := mr.ReadMessage()
	if err != nil {
		return nil, classify("receive", err)
	}
	return msg, nil
}

// Stop disconnects the current target, if any, and disarms accepting. It
// does not affect the target process itself, and the listening port stays
// bound so that Start can accept a fresh connection later.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.dropConnLocked()
}

// Close tears the server down completely, releasing the listening port.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.started = false
	s.dropConnLocked()
	if s.pending != nil {
		s.pending.Close()
		s.pending = nil
	}
	s.ln.Close()
}

func (s *Server) dropConnLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.mw = nil
		s.mr = nil
	}
	s.cond.Broadcast()
}
