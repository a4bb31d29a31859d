// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package proc owns the lifecycle of the target process: launching it with
// the channel port and variant selector, waiting for it to exit, and killing
// it forcefully.
//
// The orchestrator is the sole mutator of a target process's lifecycle; test
// bodies never touch the process handle directly.
package proc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/proctordev/proctor/errors"
	"github.com/proctordev/proctor/internal/logging"
	"github.com/proctordev/proctor/internal/protocol"
	"github.com/proctordev/proctor/shutil"
)

// Option is one KEY=VALUE environment-style launch option passed to the
// target process.
type Option struct {
	Key   string
	Value string
}

// Command describes how to start a target variant: the executable and its
// base arguments. Launch appends the channel port, the variant selector and
// the tests to run.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// ErrWaitTimeout is returned by Handle.Wait when the process is still
// running after the given timeout.
var ErrWaitTimeout = errors.New("timed out waiting for target to exit")

// Controller launches target processes.
type Controller struct {
	clk clock.Clock
}

// NewController creates a Controller. clk may be nil, in which case the real
// clock is used.
func NewController(clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Controller{clk: clk}
}

// Launch starts a target process out-of-process. The process is told which
// port to connect back on and which variant it is running as; tests lists
// the test identities scheduled for this process and must not be empty;
// extra options become environment variables of the process.
func (c *Controller) Launch(ctx context.Context, cmd Command, port int, variant string, tests []protocol.TestIdentity, opts []Option) (*Handle, error) {
	if len(tests) == 0 {
		return nil, errors.New("no tests to run on the target")
	}

	names := make([]string, len(tests))
	for i, id := range tests {
		names[i] = id.String()
	}

	args := append(append([]string(nil), cmd.Args...),
		"-driver-addr", fmt.Sprintf("127.0.0.1:%d", port),
		"-variant", variant,
		"-tests", strings.Join(names, ","),
	)
	ec := exec.Command(cmd.Path, args...)
	ec.Env = append(append(os.Environ(), cmd.Env...), optionsEnv(opts)...)

	stdout, err := ec.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to pipe target stdout")
	}
	stderr, err := ec.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to pipe target stderr")
	}

	logging.Infof(ctx, "Launching target variant %q: %s", variant, shutil.EscapeSlice(append([]string{cmd.Path}, args...)))
	if err := ec.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to launch target variant %q", variant)
	}

	go relayOutput(ctx, "target stdout", stdout)
	go relayOutput(ctx, "target stderr", stderr)

	h := &Handle{
		cmd:    ec,
		clk:    c.clk,
		waitCh: make(chan struct{}),
	}
	go func() {
		h.waitErr = ec.Wait()
		close(h.waitCh)
	}()
	return h, nil
}

// optionsEnv converts launch options to KEY=VALUE environment entries.
func optionsEnv(opts []Option) []string {
	env := make([]string, len(opts))
	for i, o := range opts {
		env[i] = o.Key + "=" + o.Value
	}
	return env
}

// relayOutput forwards one output stream of the target process to the log.
func relayOutput(ctx context.Context, name string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		logging.Debugf(ctx, "[%s] %s", name, sc.Text())
	}
}

// Handle represents a launched target process.
type Handle struct {
	cmd     *exec.Cmd
	clk     clock.Clock
	waitCh  chan struct{} // closed once the process has been reaped
	waitErr error
}

// Pid returns the OS process ID.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.waitCh:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits, up to the given timeout. It returns
// nil immediately if the process has already exited, and ErrWaitTimeout if
// the process is still running when the timeout elapses.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) error {
	t := h.clk.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.waitCh:
		return nil
	case <-t.C():
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill terminates the process forcefully. Killing a process that has already
// exited is a no-op, not an error.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}
	// The process may have exited without being reaped yet; probe before
	// signalling so a dead process never turns into an error.
	if alive, err := process.PidExists(int32(h.Pid())); err == nil && !alive {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return errors.Wrap(err, "failed to kill target")
	}
	return nil
}
