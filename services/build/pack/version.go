// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pack

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is a canonical semantic version without the "v" prefix.
//
// # Description
//
// Version stores the exact string declared by a package ("1.2.3",
// "0.4.0-beta.1"). Comparison and ordering delegate to
// golang.org/x/mod/semver, which expects a leading "v"; the prefix is
// added internally and never stored.
type Version struct {
	raw string
}

// ParseVersion validates and canonicalizes a version string.
//
// # Inputs
//
//   - s: Version string, e.g. "1.2.3" or "0.1.0-alpha".
//
// # Outputs
//
//   - Version: Parsed version.
//   - error: ErrBadVersion if s is not valid semver.
func ParseVersion(s string) (Version, error) {
	if !semver.IsValid("v" + s) {
		return Version{}, fmt.Errorf("%w: %q", ErrBadVersion, s)
	}
	return Version{raw: s}, nil
}

// MustVersion parses a version and panics on failure. Test helper.
func MustVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version exactly as declared.
func (v Version) String() string { return v.raw }

// IsZero reports whether v is the zero Version (no value parsed).
func (v Version) IsZero() bool { return v.raw == "" }

// Compare orders two versions per semver precedence.
// Returns -1, 0, or +1.
func (v Version) Compare(o Version) int {
	return semver.Compare("v"+v.raw, "v"+o.raw)
}

// Major returns the numeric major component.
func (v Version) Major() uint64 { return v.component(0) }

// Minor returns the numeric minor component.
func (v Version) Minor() uint64 { return v.component(1) }

// Patch returns the numeric patch component.
func (v Version) Patch() uint64 { return v.component(2) }

// IsPrerelease reports whether the version carries a pre-release tag.
func (v Version) IsPrerelease() bool {
	return semver.Prerelease("v"+v.raw) != ""
}

func (v Version) component(i int) uint64 {
	core := v.raw
	if j := strings.IndexAny(core, "-+"); j >= 0 {
		core = core[:j]
	}
	parts := strings.Split(core, ".")
	if i >= len(parts) {
		return 0
	}
	n, err := strconv.ParseUint(parts[i], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// CompatBucket returns the key under which two versions of the same package
// name may NOT coexist in one resolved graph.
//
// # Description
//
// Compatibility follows the left-most non-zero component rule: "1.2.3" and
// "1.9.0" share bucket "1"; "0.4.0" and "0.4.9" share bucket "0.4"; "0.0.3"
// is only compatible with itself, bucket "0.0.3". Distinct buckets count as
// distinct names for multi-activation purposes.
func (v Version) CompatBucket() string {
	switch {
	case v.Major() > 0:
		return strconv.FormatUint(v.Major(), 10)
	case v.Minor() > 0:
		return fmt.Sprintf("0.%d", v.Minor())
	default:
		return fmt.Sprintf("0.0.%d", v.Patch())
	}
}

// IsCompatible reports whether two versions live in the same semver
// compatibility range.
func (v Version) IsCompatible(o Version) bool {
	return v.CompatBucket() == o.CompatBucket()
}

// comparison operator of a single requirement term.
type reqOp int

const (
	opCaret reqOp = iota
	opTilde
	opExact
	opGreater
	opGreaterEq
	opLess
	opLessEq
	opWildcard // "1.*" / "1.2.*" / bare "*"
)

// reqTerm is one comparator inside a VersionReq conjunction.
type reqTerm struct {
	op reqOp
	// parsed numeric components; n is how many were written
	// ("^1.2" has n=2, major=1, minor=2).
	major, minor, patch uint64
	n                   int
	pre                 string // pre-release tag on the term, if any
}

// VersionReq is a conjunction of version comparators.
//
// Grammar follows Cargo: "^1.2.3" (default for a bare version), "~1.2",
// "=1.0.0", ">=1, <2.5", "1.*", and "*". All comma-separated terms must
// match.
type VersionReq struct {
	raw   string
	terms []reqTerm
}

// AnyVersion matches every version. Equivalent to "*".
var AnyVersion = VersionReq{raw: "*", terms: []reqTerm{{op: opWildcard, n: 0}}}

// ParseVersionReq parses a requirement string.
//
// # Outputs
//
//   - VersionReq: Parsed requirement.
//   - error: ErrBadVersionReq on malformed input.
func ParseVersionReq(s string) (VersionReq, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || trimmed == "*" {
		return AnyVersion, nil
	}

	var terms []reqTerm
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return VersionReq{}, fmt.Errorf("%w: empty comparator in %q", ErrBadVersionReq, s)
		}
		term, err := parseReqTerm(part)
		if err != nil {
			return VersionReq{}, fmt.Errorf("%w: %q: %v", ErrBadVersionReq, s, err)
		}
		terms = append(terms, term)
	}
	return VersionReq{raw: trimmed, terms: terms}, nil
}

// MustVersionReq parses a requirement and panics on failure. Test helper.
func MustVersionReq(s string) VersionReq {
	r, err := ParseVersionReq(s)
	if err != nil {
		panic(err)
	}
	return r
}

// ExactReq returns the requirement "=v".
func ExactReq(v Version) VersionReq {
	return MustVersionReq("=" + v.String())
}

// String returns the requirement as written.
func (r VersionReq) String() string {
	if r.raw == "" {
		return "*"
	}
	return r.raw
}

// IsAny reports whether the requirement matches every version.
func (r VersionReq) IsAny() bool {
	return len(r.terms) == 1 && r.terms[0].op == opWildcard && r.terms[0].n == 0
}

// IsExact reports whether the requirement pins a single full version.
func (r VersionReq) IsExact() bool {
	return len(r.terms) == 1 && r.terms[0].op == opExact && r.terms[0].n == 3
}

// Matches reports whether v satisfies every comparator of the requirement.
//
// Pre-release versions are only admitted when some comparator mentions a
// pre-release tag for the same major.minor.patch triple.
func (r VersionReq) Matches(v Version) bool {
	if v.IsPrerelease() && !r.admitsPrerelease(v) {
		return false
	}
	for _, t := range r.terms {
		if !t.matches(v) {
			return false
		}
	}
	return true
}

func (r VersionReq) admitsPrerelease(v Version) bool {
	for _, t := range r.terms {
		if t.pre != "" && t.major == v.Major() && t.minor == v.Minor() && t.patch == v.Patch() {
			return true
		}
	}
	return false
}

func (t reqTerm) termVersion() Version {
	s := fmt.Sprintf("%d.%d.%d", t.major, t.minor, t.patch)
	if t.pre != "" {
		s += "-" + t.pre
	}
	return Version{raw: s}
}

func (t reqTerm) matches(v Version) bool {
	base := t.termVersion()
	switch t.op {
	case opExact:
		switch t.n {
		case 1:
			return v.Major() == t.major
		case 2:
			return v.Major() == t.major && v.Minor() == t.minor
		default:
			return v.Compare(base) == 0
		}
	case opGreater:
		return v.Compare(base) > 0
	case opGreaterEq:
		return v.Compare(base) >= 0
	case opLess:
		return v.Compare(base) < 0
	case opLessEq:
		return v.Compare(base) <= 0
	case opWildcard:
		switch t.n {
		case 0:
			return true
		case 1:
			return v.Major() == t.major
		default:
			return v.Major() == t.major && v.Minor() == t.minor
		}
	case opTilde:
		if v.Compare(base) < 0 {
			return false
		}
		switch t.n {
		case 1:
			return v.Major() == t.major
		default:
			return v.Major() == t.major && v.Minor() == t.minor
		}
	case opCaret:
		if v.Compare(base) < 0 {
			return false
		}
		// Left-most non-zero component is the compatibility pivot.
		switch {
		case t.major > 0:
			return v.Major() == t.major
		case t.n >= 2 && t.minor > 0:
			return v.Major() == 0 && v.Minor() == t.minor
		case t.n == 3 && t.minor == 0:
			return v.Major() == 0 && v.Minor() == 0 && v.Patch() == t.patch
		case t.n >= 2:
			// ^0.0 => >=0.0.0 <0.1.0
			return v.Major() == 0 && v.Minor() == 0
		default:
			// ^0 => <1.0.0
			return v.Major() == 0
		}
	}
	return false
}

func parseReqTerm(s string) (reqTerm, error) {
	t := reqTerm{op: opCaret}
	switch {
	case strings.HasPrefix(s, "^"):
		s = s[1:]
	case strings.HasPrefix(s, "~"):
		t.op = opTilde
		s = s[1:]
	case strings.HasPrefix(s, "="):
		t.op = opExact
		s = s[1:]
	case strings.HasPrefix(s, ">="):
		t.op = opGreaterEq
		s = s[2:]
	case strings.HasPrefix(s, "<="):
		t.op = opLessEq
		s = s[2:]
	case strings.HasPrefix(s, ">"):
		t.op = opGreater
		s = s[1:]
	case strings.HasPrefix(s, "<"):
		t.op = opLess
		s = s[1:]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return t, fmt.Errorf("missing version after operator")
	}

	if i := strings.IndexAny(s, "-+"); i >= 0 {
		if s[i] == '-' {
			t.pre = s[i+1:]
			if j := strings.Index(t.pre, "+"); j >= 0 {
				t.pre = t.pre[:j]
			}
		}
		s = s[:i]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return t, fmt.Errorf("too many version components")
	}
	for i, p := range parts {
		if p == "*" || p == "x" || p == "X" {
			if i == 0 {
				return t, fmt.Errorf("bare wildcard must be written as *")
			}
			if t.op != opCaret && t.op != opExact {
				return t, fmt.Errorf("wildcard not allowed with operator")
			}
			t.op = opWildcard
			t.n = i
			return t, nil
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return t, fmt.Errorf("component %q is not a number", p)
		}
		switch i {
		case 0:
			t.major = n
		case 1:
			t.minor = n
		case 2:
			t.patch = n
		}
		t.n = i + 1
	}
	if t.n == 0 {
		return t, fmt.Errorf("empty version")
	}
	if t.pre != "" && t.n != 3 {
		return t, fmt.Errorf("pre-release requires full version")
	}
	return t, nil
}
