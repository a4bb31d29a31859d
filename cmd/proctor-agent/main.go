// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package main implements proctor-agent, a minimal target application used to
// exercise the driver end to end. Real target applications link the agent
// package directly; this binary stands in for them in integration setups.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/proctordev/proctor/internal/agent"
	"github.com/proctordev/proctor/internal/logging"
)

func init() {
	agent.Register("SmokeTest", "testPass", func(ctx context.Context) error {
		return nil
	})
	agent.Register("SmokeTest", "testFail", func(ctx context.Context) error {
		return fmt.Errorf("intentional failure")
	})
	agent.Register("SmokeTest", "testSkip", func(ctx context.Context) error {
		return agent.Skip("intentionally skipped")
	})
}

func doMain() int {
	driverAddr := flag.String("driver-addr", "", "address of the driver to connect back to")
	variant := flag.String("variant", "", "variant name this process runs as")
	tests := flag.String("tests", "", "comma-separated tests scheduled for this run")
	flag.Parse()

	lg := logging.NewSinkLogger(logging.LevelDebug, true, logging.NewWriterSink(os.Stderr))
	ctx := logging.AttachLogger(context.Background(), lg)

	if *driverAddr == "" {
		logging.Info(ctx, "-driver-addr is required")
		return 2
	}
	logging.Infof(ctx, "Agent starting as variant %q (scheduled: %s)", *variant, *tests)

	if err := agent.New(agent.DefaultRegistry()).Run(ctx, *driverAddr); err != nil {
		logging.Info(ctx, "Agent failed: ", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(doMain())
}
