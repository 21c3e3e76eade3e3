// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package unit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/AleutianAI/quarry/services/build/pack"
	"github.com/AleutianAI/quarry/services/build/profile"
)

// Mode is what the compiler is asked to do with a unit.
type Mode int

const (
	// ModeBuild produces the target's normal artifacts.
	ModeBuild Mode = iota

	// ModeCheck type-checks without codegen.
	ModeCheck

	// ModeTest compiles with the test harness enabled.
	ModeTest

	// ModeBench compiles with the bench harness enabled.
	ModeBench

	// ModeDoc generates documentation.
	ModeDoc

	// ModeDoctest extracts and compiles documentation examples.
	ModeDoctest

	// ModeRunCustomBuild executes a compiled build script.
	ModeRunCustomBuild

	// ModeDocScrape collects example usage for documentation.
	ModeDocScrape
)

var modeNames = [...]string{"build", "check", "test", "bench", "doc", "doctest", "run-custom-build", "doc-scrape"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// IsRunCustomBuild reports whether the unit executes a build script
// rather than invoking the compiler.
func (m Mode) IsRunCustomBuild() bool { return m == ModeRunCustomBuild }

// IsDoc reports whether the unit produces documentation output.
func (m Mode) IsDoc() bool { return m == ModeDoc || m == ModeDocScrape }

// Platform says which machine a unit's artifact is for. The zero value
// is the host.
type Platform struct {
	triple string
}

// Host is the build machine's platform.
func Host() Platform { return Platform{} }

// ForTriple is the compilation target's platform.
func ForTriple(triple string) Platform { return Platform{triple: triple} }

// IsHost reports whether the platform is the build machine.
func (p Platform) IsHost() bool { return p.triple == "" }

// Triple returns the effective triple, substituting the host triple for
// host-platform units.
func (p Platform) Triple(hostTriple string) string {
	if p.triple == "" {
		return hostTriple
	}
	return p.triple
}

func (p Platform) String() string {
	if p.triple == "" {
		return "host"
	}
	return p.triple
}

// ArtifactKind distinguishes how a unit's output is consumed.
type ArtifactKind int

const (
	// ArtifactNone is a unit consumed as a normal crate dependency.
	ArtifactNone ArtifactKind = iota

	// ArtifactDep is a unit consumed as an artifact dependency: its
	// produced files, not its crate metadata, feed the dependent.
	ArtifactDep
)

// Unit is the atomic build quantum. Units are interned; two equal units
// are pointer-identical within one planning session.
//
// # Thread Safety
//
// Immutable after interning. Safe to share across goroutines.
type Unit struct {
	Pkg      *pack.PackageId
	Target   Target
	Mode     Mode
	Profile  profile.Profile
	Platform Platform

	// Features is the sorted unified feature list for the package in
	// this unit's role.
	Features []string

	// Edition is the language edition the package declares. Derived
	// from the package, so it does not participate in unit identity.
	Edition string

	// IsStd marks standard-library units when building it from source.
	IsStd bool

	Artifact ArtifactKind

	// DepHash disambiguates otherwise-identical units whose transitive
	// dependency closures differ. Zero for units that never needed the
	// distinction.
	DepHash uint64
}

// FeaturesKey is the canonical comma-joined feature list.
func (u *Unit) FeaturesKey() string { return strings.Join(u.Features, ",") }

func (u *Unit) String() string {
	return fmt.Sprintf("%s %s %s (%s)", u.Pkg, u.Target, u.Mode, u.Platform)
}

// key is the full identity string the interner and the metadata hash
// are built over.
func (u *Unit) key() string {
	var b strings.Builder
	b.WriteString(u.Pkg.String())
	b.WriteByte('|')
	b.WriteString(u.Target.key())
	b.WriteByte('|')
	b.WriteString(u.Mode.String())
	b.WriteByte('|')
	b.WriteString(u.Profile.Name)
	b.WriteByte('|')
	b.WriteString(u.Platform.String())
	b.WriteByte('|')
	b.WriteString(u.FeaturesKey())
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(int(u.Artifact)))
	if u.IsStd {
		b.WriteString("|std")
	}
	if u.DepHash != 0 {
		b.WriteByte('|')
		b.WriteString(strconv.FormatUint(u.DepHash, 16))
	}
	return b.String()
}

// UnitDep is one edge of the unit graph.
type UnitDep struct {
	Unit *Unit

	// ExternName is the crate name the dependent refers to this
	// dependency by.
	ExternName string

	// ForHost marks the edge as feeding a host-side consumer.
	ForHost bool

	// Public propagates the dependency's items to the dependent's own
	// dependents.
	Public bool
}

// Interner deduplicates units so equality is pointer equality.
type Interner struct {
	mu    sync.Mutex
	units map[string]*Unit
}

// NewInterner creates an empty unit interner.
func NewInterner() *Interner {
	return &Interner{units: make(map[string]*Unit)}
}

// Intern returns the canonical unit for the given value.
func (in *Interner) Intern(u Unit) *Unit {
	k := u.key()
	in.mu.Lock()
	defer in.mu.Unlock()
	if got, ok := in.units[k]; ok {
		return got
	}
	p := &u
	in.units[k] = p
	return p
}

// Len reports how many distinct units have been interned.
func (in *Interner) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.units)
}

// Less orders units deterministically for stable scheduling and error
// attachment.
func Less(a, b *Unit) bool {
	if a.Pkg != b.Pkg {
		return a.Pkg.Less(b.Pkg)
	}
	if ak, bk := a.Target.key(), b.Target.key(); ak != bk {
		return ak < bk
	}
	if a.Mode != b.Mode {
		return a.Mode < b.Mode
	}
	if ap, bp := a.Platform.String(), b.Platform.String(); ap != bp {
		return ap < bp
	}
	if af, bf := a.FeaturesKey(), b.FeaturesKey(); af != bf {
		return af < bf
	}
	return a.DepHash < b.DepHash
}
