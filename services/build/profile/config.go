// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profile

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrBadConfig is returned when the configuration file is malformed or
// fails validation.
var ErrBadConfig = errors.New("invalid build configuration")

// Config is the tool-level build configuration, loaded from quarry.yaml.
//
// # Description
//
// Everything here has a working default; an absent file is not an error.
// Field validation runs after unmarshalling, so a config that loads is a
// config the rest of the core can trust without re-checking ranges.
type Config struct {
	// Jobs bounds worker parallelism. 0 means the host CPU count.
	Jobs int `yaml:"jobs" validate:"gte=0,lte=1024"`

	// Target is the compilation target triple. Empty means the host.
	Target string `yaml:"target"`

	// BuildDir is the build output root. Default "target".
	BuildDir string `yaml:"build-dir"`

	// ResolverVersion selects feature unification semantics, 1 or 2.
	ResolverVersion int `yaml:"resolver" validate:"omitempty,oneof=1 2"`

	// MinimumVersions flips the resolver to oldest-satisfying.
	MinimumVersions bool `yaml:"minimum-versions"`

	// IgnoreToolchainFloor disables per-package minimum toolchain checks.
	IgnoreToolchainFloor bool `yaml:"ignore-toolchain-floor"`

	// Profiles overlays the built-in dev/release profiles.
	Profiles map[string]Profile `yaml:"profiles" validate:"dive"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Jobs:            runtime.NumCPU(),
		BuildDir:        "target",
		ResolverVersion: 2,
	}
}

// Load reads and validates a configuration file. A missing file yields
// Default() with no error.
//
// # Outputs
//
//   - Config: Effective configuration.
//   - error: ErrBadConfig-wrapped parse or validation failure.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if cfg.Jobs == 0 {
		cfg.Jobs = runtime.NumCPU()
	}
	if cfg.BuildDir == "" {
		cfg.BuildDir = "target"
	}
	if cfg.ResolverVersion == 0 {
		cfg.ResolverVersion = 2
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	return cfg, nil
}

// Profile resolves a named profile with any configured overlay applied.
// Unknown names fall back to dev semantics under their own directory name.
func (c Config) Profile(name string) Profile {
	var base Profile
	switch name {
	case "release":
		base = Release()
	case "bench":
		base = Bench()
		base.Name = "release"
	case "test":
		base = Test()
	case "doc":
		base = Doc()
	default:
		base = Dev()
	}
	if overlay, ok := c.Profiles[name]; ok {
		base = base.merge(overlay)
	}
	return base
}
