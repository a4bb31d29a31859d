// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package driver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/proctordev/proctor/internal/logging"
	"github.com/proctordev/proctor/internal/logging/loggingtest"
	"github.com/proctordev/proctor/internal/protocol"
	"github.com/proctordev/proctor/testutil"
)

func TestWriteResults(t *testing.T) {
	td := testutil.TempDir(t)
	defer os.RemoveAll(td)

	logger := loggingtest.NewLogger(t, logging.LevelInfo)
	ctx := logging.AttachLogger(context.Background(), logger)

	results := []*Result{
		newResult(protocol.TestIdentity{Class: "FooTest", Method: "testBar"}, StatusPass, ""),
		newResult(protocol.TestIdentity{Class: "FooTest", Method: "testBaz"}, StatusFail, "boom"),
		newResult(protocol.TestIdentity{Class: "BarTest", Method: "testQux"}, StatusIgnored, "environment unusable"),
	}
	if err := WriteResults(ctx, td, results); err != nil {
		t.Fatal("WriteResults failed: ", err)
	}

	b, err := os.ReadFile(filepath.Join(td, ResultsFilename))
	if err != nil {
		t.Fatal("ReadFile failed: ", err)
	}
	var got []*Result
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal("Unmarshal failed: ", err)
	}
	if diff := cmp.Diff(got, results); diff != "" {
		t.Error("Round-tripped results mismatch (-got +want):\n", diff)
	}

	out := logger.String()
	for _, want := range []string{
		"FooTest.testBar  [ PASS ]",
		"FooTest.testBaz  [ FAIL ] boom",
		"BarTest.testQux  [ SKIP ] environment unusable",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Summary does not contain %q:\n%s", want, out)
		}
	}
}
