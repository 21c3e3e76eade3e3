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
	"errors"
	"testing"
)

func TestParseVersion(t *testing.T) {
	t.Run("valid versions parse", func(t *testing.T) {
		for _, s := range []string{"1.0.0", "0.1.0", "0.0.3", "1.2.3-beta.1", "2.0.0-rc.1+build5"} {
			v, err := ParseVersion(s)
			if err != nil {
				t.Fatalf("ParseVersion(%q): %v", s, err)
			}
			if v.String() != s {
				t.Errorf("String() = %q, want %q", v.String(), s)
			}
		}
	})

	t.Run("invalid versions rejected", func(t *testing.T) {
		for _, s := range []string{"", "abc", "1.2.3.4", "1..3"} {
			if _, err := ParseVersion(s); !errors.Is(err, ErrBadVersion) {
				t.Errorf("ParseVersion(%q) err = %v, want ErrBadVersion", s, err)
			}
		}
	})

	t.Run("components", func(t *testing.T) {
		v := MustVersion("1.22.333-beta")
		if v.Major() != 1 || v.Minor() != 22 || v.Patch() != 333 {
			t.Errorf("components = %d.%d.%d, want 1.22.333", v.Major(), v.Minor(), v.Patch())
		}
		if !v.IsPrerelease() {
			t.Error("IsPrerelease() = false, want true")
		}
	})
}

func TestVersionCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"2.0.0", "1.9.9", 1},
		{"1.0.0-alpha", "1.0.0", -1},
		{"1.0.0-alpha", "1.0.0-beta", -1},
	}
	for _, tc := range cases {
		got := MustVersion(tc.a).Compare(MustVersion(tc.b))
		if got != tc.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCompatBucket(t *testing.T) {
	// The left-most non-zero component defines the compatibility range.
	cases := []struct {
		version string
		bucket  string
	}{
		{"1.2.3", "1"},
		{"1.9.0", "1"},
		{"2.0.0", "2"},
		{"0.4.0", "0.4"},
		{"0.4.9", "0.4"},
		{"0.5.0", "0.5"},
		{"0.0.3", "0.0.3"},
		{"0.0.4", "0.0.4"},
	}
	for _, tc := range cases {
		if got := MustVersion(tc.version).CompatBucket(); got != tc.bucket {
			t.Errorf("CompatBucket(%s) = %q, want %q", tc.version, got, tc.bucket)
		}
	}

	t.Run("compatibility is bucket equality", func(t *testing.T) {
		if !MustVersion("1.2.3").IsCompatible(MustVersion("1.0.0")) {
			t.Error("1.2.3 should be compatible with 1.0.0")
		}
		if MustVersion("0.4.0").IsCompatible(MustVersion("0.5.0")) {
			t.Error("0.4.0 should not be compatible with 0.5.0")
		}
		if MustVersion("0.0.3").IsCompatible(MustVersion("0.0.4")) {
			t.Error("0.0.x versions are only compatible with themselves")
		}
	})
}

func TestVersionReqMatches(t *testing.T) {
	cases := []struct {
		req     string
		version string
		want    bool
	}{
		// caret (default)
		{"1.2.3", "1.2.3", true},
		{"1.2.3", "1.9.0", true},
		{"1.2.3", "2.0.0", false},
		{"1.2.3", "1.2.2", false},
		{"^1", "1.0.0", true},
		{"^1.2", "1.1.0", false},
		{"^0.4.0", "0.4.7", true},
		{"^0.4.0", "0.5.0", false},
		{"^0.0.3", "0.0.3", true},
		{"^0.0.3", "0.0.4", false},
		{"^0.0", "0.0.9", true},
		{"^0.0", "0.1.0", false},
		{"^0", "0.9.9", true},
		{"^0", "1.0.0", false},
		// tilde
		{"~1.2.3", "1.2.9", true},
		{"~1.2.3", "1.3.0", false},
		{"~1.2", "1.2.0", true},
		{"~1.2", "1.3.0", false},
		{"~1", "1.9.0", true},
		{"~1", "2.0.0", false},
		// exact
		{"=1.0.0", "1.0.0", true},
		{"=1.0.0", "1.0.1", false},
		{"=1.2", "1.2.9", true},
		{"=1.2", "1.3.0", false},
		// comparisons
		{">=1.0, <2.5", "2.4.9", true},
		{">=1.0, <2.5", "2.5.0", false},
		{">1.0.0", "1.0.0", false},
		{"<=1.2", "1.2.0", true},
		// wildcards
		{"*", "9.9.9", true},
		{"1.*", "1.4.0", true},
		{"1.*", "2.0.0", false},
		{"1.2.*", "1.2.7", true},
		{"1.2.*", "1.3.0", false},
		// pre-release opt-in
		{"^1.0.0", "1.1.0-beta", false},
		{"=1.1.0-beta", "1.1.0-beta", true},
		{">=1.1.0-alpha, <2", "1.1.0-beta", true},
	}
	for _, tc := range cases {
		req := MustVersionReq(tc.req)
		got := req.Matches(MustVersion(tc.version))
		if got != tc.want {
			t.Errorf("%q.Matches(%s) = %v, want %v", tc.req, tc.version, got, tc.want)
		}
	}
}

func TestVersionReqParseErrors(t *testing.T) {
	for _, s := range []string{">=", "1.2.3.4", "a.b.c", "1.2.3, ", "*.2"} {
		if _, err := ParseVersionReq(s); !errors.Is(err, ErrBadVersionReq) {
			t.Errorf("ParseVersionReq(%q) err = %v, want ErrBadVersionReq", s, err)
		}
	}
}

func TestVersionReqClassifiers(t *testing.T) {
	if !MustVersionReq("*").IsAny() {
		t.Error("* should be IsAny")
	}
	if MustVersionReq("1.0").IsAny() {
		t.Error("1.0 should not be IsAny")
	}
	if !MustVersionReq("=1.2.3").IsExact() {
		t.Error("=1.2.3 should be IsExact")
	}
	if MustVersionReq("=1.2").IsExact() {
		t.Error("=1.2 pins a range, not a version")
	}
	if !ExactReq(MustVersion("2.0.1")).Matches(MustVersion("2.0.1")) {
		t.Error("ExactReq should match its own version")
	}
}
