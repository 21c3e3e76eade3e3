// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package unit plans compilation. It turns a resolved, feature-unified
// package graph into the unit graph the scheduler walks: one unit per
// (package, target, mode, platform, feature set), with edges ordered so
// that every dependency artifact exists before its consumer runs.
package unit

import (
	"fmt"
	"strings"
)

// TargetKind classifies a buildable target within a package.
type TargetKind int

const (
	// KindLib is the package's library target.
	KindLib TargetKind = iota

	// KindBin is a named executable target.
	KindBin

	// KindExample is a named example target.
	KindExample

	// KindTest is a named integration test target.
	KindTest

	// KindBench is a named benchmark target.
	KindBench

	// KindDoctest is the synthetic target for a library's doc tests.
	KindDoctest

	// KindCustomBuild is the package's build script.
	KindCustomBuild
)

var targetKindNames = [...]string{"lib", "bin", "example", "test", "bench", "doctest", "custom-build"}

func (k TargetKind) String() string {
	if int(k) < len(targetKindNames) {
		return targetKindNames[k]
	}
	return fmt.Sprintf("target-kind(%d)", int(k))
}

// Target is one buildable target declared by a package.
type Target struct {
	Kind TargetKind

	// Name is the target name. For lib targets this is the crate name
	// (dashes already folded to underscores by the manifest layer).
	Name string

	// SrcPath is the target's root source file, relative to the package
	// root.
	SrcPath string

	// RequiredFeatures lists features that must all be enabled for this
	// target to be built.
	RequiredFeatures []string

	// ProcMacro marks a lib target as a procedural macro.
	ProcMacro bool

	// Doctest reports whether a lib target's documentation examples are
	// testable.
	Doctest bool
}

// LibTarget builds the conventional library target for a crate name.
func LibTarget(crateName string) Target {
	return Target{Kind: KindLib, Name: crateName, SrcPath: "src/lib.rs", Doctest: true}
}

// BinTarget builds a named executable target.
func BinTarget(name string) Target {
	return Target{Kind: KindBin, Name: name, SrcPath: "src/main.rs"}
}

// ExampleTarget builds a named example target.
func ExampleTarget(name string) Target {
	return Target{Kind: KindExample, Name: name, SrcPath: "examples/" + name + ".rs"}
}

// TestTarget builds a named integration test target.
func TestTarget(name string) Target {
	return Target{Kind: KindTest, Name: name, SrcPath: "tests/" + name + ".rs"}
}

// BenchTarget builds a named benchmark target.
func BenchTarget(name string) Target {
	return Target{Kind: KindBench, Name: name, SrcPath: "benches/" + name + ".rs"}
}

// CustomBuildTarget builds the build-script target.
func CustomBuildTarget() Target {
	return Target{Kind: KindCustomBuild, Name: "build-script-build", SrcPath: "build.rs"}
}

// IsLib reports whether the target is the package library.
func (t Target) IsLib() bool { return t.Kind == KindLib }

// IsTestable reports whether the target can act as a test root.
func (t Target) IsTestable() bool {
	switch t.Kind {
	case KindLib, KindBin, KindTest:
		return true
	}
	return false
}

// CrateName is the target name with dashes folded to underscores, the
// form the compiler accepts for --crate-name.
func (t Target) CrateName() string {
	return strings.ReplaceAll(t.Name, "-", "_")
}

// FileStem is the artifact file stem used in fingerprint and output
// file names.
func (t Target) FileStem() string { return t.CrateName() }

func (t Target) String() string {
	if t.Kind == KindLib {
		return "lib"
	}
	return t.Kind.String() + " " + t.Name
}

// key is the target's contribution to a unit's identity.
func (t Target) key() string {
	return t.Kind.String() + ":" + t.Name
}
