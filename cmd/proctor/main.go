// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package main implements the proctor executable, used to run tests inside
// target application processes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"

	"github.com/proctordev/proctor/internal/logging"
)

const (
	signalChannelSize = 3 // capacity of channel used to intercept signals
)

// Version is the version info of this command. It is filled in at build time.
var Version = "<unknown>"

// newLogger creates a logging.Logger based on the supplied command-line flags.
func newLogger(verbose, logTime bool) logging.Logger {
	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	return logging.NewSinkLogger(level, logTime, logging.NewWriterSink(os.Stdout))
}

// installSignalHandler starts a goroutine that reports when the process is
// being terminated by a signal (which prevents deferred functions from
// running).
func installSignalHandler() {
	sc := make(chan os.Signal, signalChannelSize)
	go func() {
		for sig := range sc {
			fmt.Fprintf(os.Stdout, "\nCaught %v signal; exiting\n", sig)
			os.Exit(1)
		}
	}()
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
}

// doMain implements the main body of the program. It's a separate function so
// that its deferred functions will run before os.Exit makes the program exit
// immediately.
func doMain() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(newRunCmd(), "")
	subcommands.Register(newListCmd(os.Stdout), "")

	version := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "use verbose logging")
	logTime := flag.Bool("logtime", true, "include date/time headers in logs")
	flag.Parse()

	if *version {
		fmt.Printf("proctor version %s\n", Version)
		return 0
	}

	lg := newLogger(*verbose, *logTime)
	ctx := logging.AttachLogger(context.Background(), lg)

	installSignalHandler()

	return int(subcommands.Execute(ctx))
}

func main() {
	os.Exit(doMain())
}
