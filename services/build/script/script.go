// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package script parses the stdout protocol build scripts speak: lines
// beginning with "cargo:" carry directives the scheduler folds into
// dependent units' compile commands, environments, and fingerprints.
package script

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ErrBadDirective is returned for a malformed cargo: line. A script
// that emits one fails its unit; silently dropping directives would
// cache wrong commands.
var ErrBadDirective = errors.New("malformed build script directive")

// EnvVar is one KEY=VALUE pair a script exported.
type EnvVar struct {
	Key   string
	Value string
}

// Output is everything a build script's run communicated.
type Output struct {
	// RerunIfChanged paths become mtime fingerprint inputs.
	RerunIfChanged []string

	// RerunIfEnvChanged names become env fingerprint inputs.
	RerunIfEnvChanged []string

	// Cfgs are --cfg values for dependent compiles.
	Cfgs []string

	// LinkLibs are -l values.
	LinkLibs []string

	// LinkSearch are -L values.
	LinkSearch []string

	// Env vars injected into dependent compile environments.
	Env []EnvVar

	// Flags are extra -l/-L tokens from rustc-flags lines.
	Flags []string

	// Metadata is exposed to dependents of a links package as
	// DEP_<LINKS>_<KEY>.
	Metadata []EnvVar

	// Warnings are surfaced to the user non-fatally.
	Warnings []string
}

// OldMode reports whether the script declared no rerun conditions at
// all, which implicitly requests "rerun when anything under the
// package root changes".
func (o *Output) OldMode() bool {
	return len(o.RerunIfChanged) == 0 && len(o.RerunIfEnvChanged) == 0
}

// DepEnv renders the metadata pairs as DEP_<LINKS>_<KEY> variables for
// a dependent of the links-declaring package.
func (o *Output) DepEnv(links string) []EnvVar {
	if links == "" || len(o.Metadata) == 0 {
		return nil
	}
	prefix := "DEP_" + envKey(links) + "_"
	out := make([]EnvVar, 0, len(o.Metadata))
	for _, kv := range o.Metadata {
		out = append(out, EnvVar{Key: prefix + envKey(kv.Key), Value: kv.Value})
	}
	return out
}

func envKey(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
}

// Parse consumes a script's captured stdout. Non-directive lines are
// ignored; they are the script's own chatter.
func Parse(stdout []byte) (*Output, error) {
	out := &Output{}
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		rest, ok := strings.CutPrefix(line, "cargo:")
		if !ok {
			continue
		}
		if err := out.directive(rest); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading build script output: %w", err)
	}
	return out, nil
}

func (o *Output) directive(rest string) error {
	key, value, ok := strings.Cut(rest, "=")
	if !ok {
		return fmt.Errorf("%w: cargo:%s", ErrBadDirective, rest)
	}
	switch key {
	case "rerun-if-changed":
		o.RerunIfChanged = append(o.RerunIfChanged, value)
	case "rerun-if-env-changed":
		o.RerunIfEnvChanged = append(o.RerunIfEnvChanged, value)
	case "rustc-cfg":
		o.Cfgs = append(o.Cfgs, value)
	case "rustc-link-lib":
		o.LinkLibs = append(o.LinkLibs, value)
	case "rustc-link-search":
		o.LinkSearch = append(o.LinkSearch, value)
	case "rustc-env":
		k, v, ok := strings.Cut(value, "=")
		if !ok || k == "" {
			return fmt.Errorf("%w: cargo:rustc-env=%s", ErrBadDirective, value)
		}
		o.Env = append(o.Env, EnvVar{Key: k, Value: v})
	case "rustc-flags":
		flags, err := parseLinkFlags(value)
		if err != nil {
			return err
		}
		o.Flags = append(o.Flags, flags...)
	case "warning":
		o.Warnings = append(o.Warnings, value)
	default:
		if key == "" {
			return fmt.Errorf("%w: cargo:=%s", ErrBadDirective, value)
		}
		// Bare KEY=VALUE is links metadata.
		o.Metadata = append(o.Metadata, EnvVar{Key: key, Value: value})
	}
	return nil
}

// parseLinkFlags accepts only -l and -L tokens; arbitrary compiler
// flags from a script could poison every downstream cache entry.
func parseLinkFlags(s string) ([]string, error) {
	fields := strings.Fields(s)
	var out []string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case f == "-l" || f == "-L":
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("%w: rustc-flags %q misses an argument", ErrBadDirective, f)
			}
			out = append(out, f, fields[i+1])
			i++
		case strings.HasPrefix(f, "-l") || strings.HasPrefix(f, "-L"):
			out = append(out, f[:2], f[2:])
		default:
			return nil, fmt.Errorf("%w: rustc-flags only accepts -l and -L, got %q", ErrBadDirective, f)
		}
	}
	return out, nil
}
