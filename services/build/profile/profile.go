// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package profile defines compilation profiles and the build configuration
// file.
package profile

import (
	"fmt"
	"strings"
)

// Profile is one named set of codegen settings. Every compilation unit
// carries exactly one profile, and the profile participates in the unit's
// fingerprint and on-disk directory name.
type Profile struct {
	// Name is the profile's directory name under the build root
	// ("debug", "release").
	Name string `yaml:"-"`

	// OptLevel is the optimization level: "0".."3", "s", or "z".
	OptLevel string `yaml:"opt-level" validate:"omitempty,oneof=0 1 2 3 s z"`

	// Debuginfo selects debug info detail, 0-2.
	Debuginfo int `yaml:"debuginfo" validate:"gte=0,lte=2"`

	// LTO is link-time optimization: "off", "thin", or "fat".
	LTO string `yaml:"lto" validate:"omitempty,oneof=off thin fat"`

	// Panic is the panic strategy: "unwind" or "abort".
	Panic string `yaml:"panic" validate:"omitempty,oneof=unwind abort"`

	// CodegenUnits bounds parallel codegen within one unit, 0 = compiler
	// default.
	CodegenUnits int `yaml:"codegen-units" validate:"gte=0,lte=256"`

	// DebugAssertions toggles debug assertions and overflow checks.
	DebugAssertions bool `yaml:"debug-assertions"`

	// Incremental enables the compiler's incremental cache.
	Incremental bool `yaml:"incremental"`
}

// Dev is the default unoptimized profile.
func Dev() Profile {
	return Profile{
		Name:            "debug",
		OptLevel:        "0",
		Debuginfo:       2,
		LTO:             "off",
		Panic:           "unwind",
		DebugAssertions: true,
		Incremental:     true,
	}
}

// Release is the default optimized profile.
func Release() Profile {
	return Profile{
		Name:     "release",
		OptLevel: "3",
		LTO:      "off",
		Panic:    "unwind",
	}
}

// Test derives the test profile (dev settings, test directory).
func Test() Profile {
	p := Dev()
	return p
}

// Bench derives the bench profile (release settings).
func Bench() Profile {
	p := Release()
	return p
}

// Doc derives the documentation profile.
func Doc() Profile {
	p := Dev()
	p.Debuginfo = 0
	return p
}

// Flags renders the profile as compiler arguments, in stable order.
func (p Profile) Flags() []string {
	var out []string
	if p.OptLevel != "" && p.OptLevel != "0" {
		out = append(out, "-C", "opt-level="+p.OptLevel)
	}
	if p.Debuginfo > 0 {
		out = append(out, "-C", fmt.Sprintf("debuginfo=%d", p.Debuginfo))
	}
	if p.LTO != "" && p.LTO != "off" {
		out = append(out, "-C", "lto="+p.LTO)
	}
	if p.Panic == "abort" {
		out = append(out, "-C", "panic=abort")
	}
	if p.CodegenUnits > 0 {
		out = append(out, "-C", fmt.Sprintf("codegen-units=%d", p.CodegenUnits))
	}
	if p.DebugAssertions {
		out = append(out, "-C", "debug-assertions=on")
	}
	if p.Incremental {
		out = append(out, "-C", "incremental=on")
	}
	return out
}

// Key is the stable identity string hashed into fingerprints. Two profiles
// with equal keys produce interchangeable artifacts.
func (p Profile) Key() string {
	return strings.Join([]string{
		p.Name,
		"opt=" + p.OptLevel,
		fmt.Sprintf("dbg=%d", p.Debuginfo),
		"lto=" + p.LTO,
		"panic=" + p.Panic,
		fmt.Sprintf("cgu=%d", p.CodegenUnits),
		fmt.Sprintf("da=%t", p.DebugAssertions),
	}, ";")
}

// merge overlays non-zero fields of o onto p.
func (p Profile) merge(o Profile) Profile {
	if o.OptLevel != "" {
		p.OptLevel = o.OptLevel
	}
	if o.Debuginfo != 0 {
		p.Debuginfo = o.Debuginfo
	}
	if o.LTO != "" {
		p.LTO = o.LTO
	}
	if o.Panic != "" {
		p.Panic = o.Panic
	}
	if o.CodegenUnits != 0 {
		p.CodegenUnits = o.CodegenUnits
	}
	if o.DebugAssertions {
		p.DebugAssertions = true
	}
	if o.Incremental {
		p.Incremental = true
	}
	return p
}
