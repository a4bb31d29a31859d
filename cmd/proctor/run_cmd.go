// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"path/filepath"
	"time"

	"github.com/google/subcommands"

	"github.com/proctordev/proctor/internal/comm"
	"github.com/proctordev/proctor/internal/config"
	"github.com/proctordev/proctor/internal/driver"
	"github.com/proctordev/proctor/internal/logging"
	"github.com/proctordev/proctor/internal/proc"
	"github.com/proctordev/proctor/internal/protocol"
)

// runCmd implements subcommands.Command to support running tests.
type runCmd struct {
	configPath string        // path to the driver configuration file
	variant    string        // if non-empty, overrides variant resolution for all tests
	resDir     string        // if non-empty, overrides res_dir from the config
	port       int           // if non-zero, overrides port from the config
	exitWait   time.Duration // if non-zero, overrides exit_wait from the config
}

var _ = subcommands.Command(&runCmd{})

func newRunCmd() *runCmd {
	return &runCmd{}
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run tests" }
func (*runCmd) Usage() string {
	return `Usage: run -config <file> [flag]... <test>...

Description:
    Runs the given tests inside target application processes.
    Each test is named "Class.method"; the class may be fully qualified.
    Exits with 0 only if every test passed.

    Example:

        $ proctor run -config proctor.yaml FooTest.testBar 'com.example.BarTest.testBaz'

Flag:
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "proctor.yaml", "driver configuration file")
	f.StringVar(&r.variant, "variant", "", "run every test on this target variant")
	f.StringVar(&r.resDir, "resdir", "", "directory to write results to (overrides config)")
	f.IntVar(&r.port, "port", 0, "channel port to listen on (overrides config)")
	f.DurationVar(&r.exitWait, "exitwait", 0, "bound on waiting for target exit (overrides config)")
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if len(f.Args()) == 0 {
		logging.Info(ctx, "No tests to run.\n\n"+r.Usage())
		return subcommands.ExitUsageError
	}

	scheduled := make([]protocol.TestIdentity, len(f.Args()))
	for i, arg := range f.Args() {
		id, err := protocol.ParseTestIdentity(arg)
		if err != nil {
			logging.Info(ctx, "Bad test name: ", err)
			return subcommands.ExitUsageError
		}
		scheduled[i] = id
	}

	cfg, err := config.Load(r.configPath)
	if err != nil {
		logging.Info(ctx, "Failed to load config: ", err)
		return subcommands.ExitUsageError
	}

	port := cfg.Port
	if r.port != 0 {
		port = r.port
	}
	exitWait := cfg.ExitWaitDuration()
	if r.exitWait != 0 {
		exitWait = r.exitWait
	}
	resDir := cfg.ResDir
	if r.resDir != "" {
		resDir = r.resDir
	}

	ch, err := comm.NewServer(port)
	if err != nil {
		logging.Info(ctx, "Failed to open channel: ", err)
		return subcommands.ExitFailure
	}

	dcfg := &driver.Config{
		Variants:        cfg.Commands(),
		VariantOverride: r.variant,
		ExitWait:        exitWait,
		ResDir:          resDir,
	}
	o := driver.NewOrchestrator(dcfg, ch,
		driver.ControllerLauncher{Controller: proc.NewController(nil)},
		logReporter{ctx: ctx}, cfg.ResolveVariant, scheduled)

	results := o.RunAll(ctx)

	if resDir != "" {
		if err := driver.WriteResults(ctx, resDir, results); err != nil {
			logging.Info(ctx, "Failed to write results: ", err)
			return subcommands.ExitFailure
		}
		logging.Info(ctx, "Results saved to ", filepath.Join(resDir, driver.ResultsFilename))
	} else {
		driver.LogResults(ctx, results)
	}

	for _, res := range results {
		if res.Status == driver.StatusFail {
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

// logReporter reports test progress to the log as it happens.
type logReporter struct {
	ctx context.Context
}

var _ driver.Reporter = logReporter{}

func (r logReporter) TestStarted(id protocol.TestIdentity) {
	logging.Infof(r.ctx, "Started %s", id)
}

func (r logReporter) TestIgnored(id protocol.TestIdentity) {
	logging.Infof(r.ctx, "Skipped %s", id)
}

func (r logReporter) AssumptionFailure(id protocol.TestIdentity, err error) {
	logging.Infof(r.ctx, "Assumption failed in %s: %v", id, err)
}

func (r logReporter) TestFailure(id protocol.TestIdentity, err error) {
	logging.Infof(r.ctx, "Error in %s: %v", id, err)
}

func (r logReporter) TestFinished(id protocol.TestIdentity) {
	logging.Infof(r.ctx, "Completed %s", id)
}
