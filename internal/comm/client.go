// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package comm

import (
	"context"
	"net"
	"time"

	"github.com/proctordev/proctor/internal/protocol"
)

// dialRetryInterval is how often Dial retries connecting while the driver's
// accept side is not armed yet.
const dialRetryInterval = 100 * time.Millisecond

// Client is the target side of the message channel.
type Client struct {
	conn net.Conn
	mw   *protocol.MessageWriter
	mr   *protocol.MessageReader
}

// Dial connects back to the driver at addr, retrying until ctx is done.
// Retrying covers the window between the target process being launched and
// the driver arming its accept side.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return &Client{
				conn: conn,
				mw:   protocol.NewMessageWriter(conn),
				mr:   protocol.NewMessageReader(conn),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, &TransportError{Op: "dial", Err: err}
		case <-time.After(dialRetryInterval):
		}
	}
}

// Send blocks until msg is handed to the socket. Socket faults are reported
// as *TransportError.
func (c *Client) Send(msg protocol.Msg) error {
	return classify("send", c.mw.WriteMessage(msg))
}

// Receive blocks until a message arrives. Socket faults are reported as
// *TransportError; malformed messages as *protocol.ProtocolError.
func (c *Client) Receive() (protocol.Msg, error) {
	msg, err := c.mr.ReadMessage()
	if err != nil {
		return nil, classify("receive", err)
	}
	return msg, nil
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	return c.conn.Close()
}
