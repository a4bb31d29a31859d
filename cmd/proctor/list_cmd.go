// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/google/subcommands"

	"github.com/proctordev/proctor/internal/config"
	"github.com/proctordev/proctor/internal/logging"
)

// listCmd implements subcommands.Command to support listing the configured
// target variants.
type listCmd struct {
	configPath string // path to the driver configuration file
	json       bool   // marshal variants to JSON instead of just printing names
	stdout     io.Writer
}

var _ = subcommands.Command(&listCmd{})

// newListCmd returns a new listCmd that will write variants to stdout.
func newListCmd(stdout io.Writer) *listCmd {
	return &listCmd{stdout: stdout}
}

func (*listCmd) Name() string     { return "list" }
func (*listCmd) Synopsis() string { return "list configured target variants" }
func (*listCmd) Usage() string {
	return `Usage: list -config <file> [flag]...

Description:
    Lists the target variants declared in the configuration file, marking the
    default variant with an asterisk.

Flag:
`
}

func (lc *listCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&lc.configPath, "config", "proctor.yaml", "driver configuration file")
	f.BoolVar(&lc.json, "json", false, "print full variant details as JSON")
}

func (lc *listCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(lc.configPath)
	if err != nil {
		logging.Info(ctx, "Failed to load config: ", err)
		return subcommands.ExitUsageError
	}
	if err := lc.printVariants(cfg); err != nil {
		logging.Info(ctx, "Failed to write variants: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (lc *listCmd) printVariants(cfg *config.Config) error {
	if lc.json {
		enc := json.NewEncoder(lc.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg.Variants)
	}

	names := make([]string, 0, len(cfg.Variants))
	for name := range cfg.Variants {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		mark := ""
		if name == cfg.DefaultVariant {
			mark = " *"
		}
		if _, err := fmt.Fprintf(lc.stdout, "%s%s\n", name, mark); err != nil {
			return err
		}
	}
	return nil
}
