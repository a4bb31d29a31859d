// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/proctordev/proctor/errors"
	"github.com/proctordev/proctor/internal/logging"
	"github.com/proctordev/proctor/internal/protocol"
)

// ResultsFilename is the name of the JSON results file written to ResDir.
const ResultsFilename = "results.json"

// Status is the final status of one test invocation.
type Status string

// Status values.
const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusIgnored Status = "ignored"
)

// Result describes the outcome of one test invocation.
type Result struct {
	Test   protocol.TestIdentity `json:"test"`
	Status Status                `json:"status"`
	// Reason is a human-readable explanation for a fail or ignored status.
	Reason string    `json:"reason,omitempty"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

func newResult(id protocol.TestIdentity, status Status, reason string) *Result {
	now := time.Now()
	return &Result{Test: id, Status: status, Reason: reason, Start: now, End: now}
}

func newResultAt(id protocol.TestIdentity, status Status, start time.Time, reason string) *Result {
	return &Result{Test: id, Status: status, Reason: reason, Start: start, End: time.Now()}
}

// record appends a result to the run.
func (o *Orchestrator) record(r *Result) {
	o.results = append(o.results, r)
}

// WriteResults writes results to a JSON file in resDir and logs a per-test
// summary via ctx.
func WriteResults(ctx context.Context, resDir string, results []*Result) error {
	if err := os.MkdirAll(resDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create results dir")
	}
	f, err := os.Create(filepath.Join(resDir, ResultsFilename))
	if err != nil {
		return errors.Wrap(err, "failed to create results file")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return errors.Wrap(err, "failed to write results")
	}

	LogResults(ctx, results)
	return nil
}

// LogResults logs an aligned per-test summary via ctx.
func LogResults(ctx context.Context, results []*Result) {
	ml := 0
	for _, res := range results {
		if n := len(res.Test.String()); n > ml {
			ml = n
		}
	}

	logging.Info(ctx, strings.Repeat("-", 80))
	for _, res := range results {
		pn := fmt.Sprintf("%-"+strconv.Itoa(ml)+"s", res.Test.String())
		switch res.Status {
		case StatusPass:
			logging.Info(ctx, pn+"  [ PASS ]")
		case StatusIgnored:
			logging.Info(ctx, pn+"  [ SKIP ] "+res.Reason)
		default:
			logging.Info(ctx, pn+"  [ FAIL ] "+res.Reason)
		}
	}
}
