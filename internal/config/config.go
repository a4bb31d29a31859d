// Copyright 2024 The Proctor Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config loads the driver configuration: which target variants
// exist, how to start them, and which variant each test class wants.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/proctordev/proctor/errors"
	"github.com/proctordev/proctor/internal/proc"
)

// Variant describes how to start one target variant.
type Variant struct {
	// Path is the target executable.
	Path string `yaml:"path"`
	// Args are base arguments passed before the driver-appended ones.
	Args []string `yaml:"args"`
	// Env are extra KEY=VALUE environment entries for the process.
	Env []string `yaml:"env"`
}

// Config is the driver configuration file.
type Config struct {
	// Variants maps variant names to launch descriptions.
	Variants map[string]Variant `yaml:"variants"`
	// DefaultVariant is used for classes with no explicit entry.
	DefaultVariant string `yaml:"default_variant"`
	// ClassVariants maps a test class to the variant it must run on,
	// standing in for an annotation lookup on the declaring type.
	ClassVariants map[string]string `yaml:"class_variants"`
	// ExitWait bounds waiting for target exit during restart/shutdown,
	// e.g. "2m". Empty means the orchestrator default.
	ExitWait string `yaml:"exit_wait"`
	// Port is the channel port to listen on; 0 picks an ephemeral port.
	Port int `yaml:"port"`
	// ResDir is the directory test results are written to.
	ResDir string `yaml:"res_dir"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	var cfg Config
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Variants) == 0 {
		return errors.New("config declares no target variants")
	}
	for name, v := range c.Variants {
		if v.Path == "" {
			return errors.Errorf("variant %q has no executable path", name)
		}
	}
	if c.DefaultVariant != "" {
		if _, ok := c.Variants[c.DefaultVariant]; !ok {
			return errors.Errorf("default variant %q is not declared", c.DefaultVariant)
		}
	}
	for class, name := range c.ClassVariants {
		if _, ok := c.Variants[name]; !ok {
			return errors.Errorf("class %q refers to undeclared variant %q", class, name)
		}
	}
	if _, err := c.exitWait(); err != nil {
		return err
	}
	return nil
}

func (c *Config) exitWait() (time.Duration, error) {
	if c.ExitWait == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.ExitWait)
	if err != nil {
		return 0, errors.Wrapf(err, "bad exit_wait %q", c.ExitWait)
	}
	return d, nil
}

// ExitWaitDuration returns the parsed exit wait bound, or 0 if unset.
// Load has already validated the value.
func (c *Config) ExitWaitDuration() time.Duration {
	d, _ := c.exitWait()
	return d
}

// Commands converts the variant table to process launch commands.
func (c *Config) Commands() map[string]proc.Command {
	cmds := make(map[string]proc.Command, len(c.Variants))
	for name, v := range c.Variants {
		cmds[name] = proc.Command{Path: v.Path, Args: v.Args, Env: v.Env}
	}
	return cmds
}

// ResolveVariant returns the variant for a test class: its explicit entry if
// present, otherwise the default variant.
func (c *Config) ResolveVariant(class string) (string, error) {
	if name, ok := c.ClassVariants[class]; ok {
		return name, nil
	}
	if c.DefaultVariant != "" {
		return c.DefaultVariant, nil
	}
	return "", errors.Errorf("no variant configured for class %q and no default variant", class)
}
