// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/proctordev/proctor/internal/proc"
	"github.com/proctordev/proctor/testutil"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	td := testutil.TempDir(t)
	t.Cleanup(func() { os.RemoveAll(td) })
	if err := testutil.WriteFiles(td, map[string]string{"proctor.yaml": content}); err != nil {
		t.Fatal("WriteFiles failed: ", err)
	}
	return filepath.Join(td, "proctor.yaml")
}

func TestLoad(t *testing.T) {
	p := writeConfig(t, `
variants:
  community:
    path: /opt/ide/community/bin/ide
    args: ["-testmode"]
    env: ["IDE_HOME=/opt/ide"]
  enterprise:
    path: /opt/ide/enterprise/bin/ide
default_variant: community
class_variants:
  LicensedTest: enterprise
exit_wait: 30s
port: 7777
res_dir: /tmp/results
`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatal("Load failed: ", err)
	}

	wantCmds := map[string]proc.Command{
		"community":  {Path: "/opt/ide/community/bin/ide", Args: []string{"-testmode"}, Env: []string{"IDE_HOME=/opt/ide"}},
		"enterprise": {Path: "/opt/ide/enterprise/bin/ide"},
	}
	if diff := cmp.Diff(cfg.Commands(), wantCmds); diff != "" {
		t.Error("Unexpected commands (-got +want):\n", diff)
	}
	if d := cfg.ExitWaitDuration(); d != 30*time.Second {
		t.Errorf("ExitWaitDuration = %v; want 30s", d)
	}
	if cfg.Port != 7777 {
		t.Errorf("Port = %d; want 7777", cfg.Port)
	}

	for _, tc := range []struct {
		class, want string
	}{
		{"LicensedTest", "enterprise"},
		{"AnyOtherTest", "community"},
	} {
		got, err := cfg.ResolveVariant(tc.class)
		if err != nil {
			t.Errorf("ResolveVariant(%q) failed: %v", tc.class, err)
		} else if got != tc.want {
			t.Errorf("ResolveVariant(%q) = %q; want %q", tc.class, got, tc.want)
		}
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	for _, tc := range []struct {
		name, content string
	}{
		{"no variants", `res_dir: /tmp`},
		{"variant without path", "variants:\n  a: {}"},
		{"undeclared default", "variants:\n  a: {path: /bin/true}\ndefault_variant: b"},
		{"undeclared class variant", "variants:\n  a: {path: /bin/true}\nclass_variants:\n  Foo: b"},
		{"bad exit_wait", "variants:\n  a: {path: /bin/true}\nexit_wait: soon"},
		{"unknown key", "variants:\n  a: {path: /bin/true}\nbogus: 1"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := writeConfig(t, tc.content)
			if cfg, err := Load(p); err == nil {
				t.Errorf("Load succeeded with %+v; want error", cfg)
			}
		})
	}
}

func TestResolveVariantNoDefault(t *testing.T) {
	p := writeConfig(t, "variants:\n  a: {path: /bin/true}")
	cfg, err := Load(p)
	if err != nil {
		t.Fatal("Load failed: ", err)
	}
	if v, err := cfg.ResolveVariant("Foo"); err == nil {
		t.Errorf("ResolveVariant returned %q; want error", v)
	}
}
