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
	"strings"
)

// PlatformPredicate gates a dependency on the compilation target.
//
// # Description
//
// Two forms are supported, mirroring manifest target tables:
//
//   - a literal target triple: "x86_64-unknown-linux-gnu"
//   - a cfg expression: cfg(unix), cfg(windows),
//     cfg(target_os = "linux"), cfg(target_arch = "x86_64"),
//     and the combinators not(...), any(...), all(...).
//
// Predicates are parsed once at construction and matched against triples
// many times during resolution and unit planning.
type PlatformPredicate struct {
	raw  string
	expr cfgExpr
}

// ParsePlatform parses a platform predicate string.
func ParsePlatform(s string) (*PlatformPredicate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrBadPlatform)
	}
	p := &PlatformPredicate{raw: s}
	if strings.HasPrefix(s, "cfg(") {
		if !strings.HasSuffix(s, ")") {
			return nil, fmt.Errorf("%w: unclosed cfg in %q", ErrBadPlatform, s)
		}
		expr, rest, err := parseCfg(s[len("cfg(") : len(s)-1])
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadPlatform, s, err)
		}
		if strings.TrimSpace(rest) != "" {
			return nil, fmt.Errorf("%w: trailing input in %q", ErrBadPlatform, s)
		}
		p.expr = expr
	} else {
		p.expr = cfgTriple(s)
	}
	return p, nil
}

// MustPlatform parses a predicate and panics on failure. Test helper.
func MustPlatform(s string) *PlatformPredicate {
	p, err := ParsePlatform(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the predicate as written.
func (p *PlatformPredicate) String() string { return p.raw }

// Matches evaluates the predicate against a target triple.
func (p *PlatformPredicate) Matches(triple string) bool {
	return p.expr.eval(tripleInfo(triple))
}

// triple facts used by cfg evaluation.
type tripleFacts struct {
	triple string
	arch   string
	os     string
	family string // "unix" or "windows"
	env    string
}

// tripleInfo derives cfg facts from a target triple of the usual
// arch-vendor-os[-env] shape.
func tripleInfo(triple string) tripleFacts {
	f := tripleFacts{triple: triple}
	parts := strings.Split(triple, "-")
	if len(parts) > 0 {
		f.arch = parts[0]
	}
	for _, p := range parts[1:] {
		switch p {
		case "windows":
			f.os = "windows"
			f.family = "windows"
		case "linux", "freebsd", "netbsd", "openbsd", "dragonfly", "illumos", "solaris", "fuchsia":
			f.os = p
			f.family = "unix"
		case "darwin", "ios":
			f.os = func() string {
				if p == "darwin" {
					return "macos"
				}
				return p
			}()
			f.family = "unix"
		case "gnu", "musl", "msvc", "gnueabihf", "sgx", "android":
			f.env = p
			if p == "android" {
				f.os = "android"
				f.family = "unix"
			}
		}
	}
	return f
}

type cfgExpr interface {
	eval(tripleFacts) bool
}

type cfgTriple string

func (c cfgTriple) eval(f tripleFacts) bool { return string(c) == f.triple }

type cfgName string

func (c cfgName) eval(f tripleFacts) bool {
	switch string(c) {
	case "unix":
		return f.family == "unix"
	case "windows":
		return f.family == "windows"
	default:
		return false
	}
}

type cfgPair struct{ key, val string }

func (c cfgPair) eval(f tripleFacts) bool {
	switch c.key {
	case "target_os":
		return f.os == c.val
	case "target_arch":
		return f.arch == c.val
	case "target_family":
		return f.family == c.val
	case "target_env":
		return f.env == c.val
	default:
		return false
	}
}

type cfgNot struct{ inner cfgExpr }

func (c cfgNot) eval(f tripleFacts) bool { return !c.inner.eval(f) }

type cfgAny struct{ inner []cfgExpr }

func (c cfgAny) eval(f tripleFacts) bool {
	for _, e := range c.inner {
		if e.eval(f) {
			return true
		}
	}
	return false
}

type cfgAll struct{ inner []cfgExpr }

func (c cfgAll) eval(f tripleFacts) bool {
	for _, e := range c.inner {
		if !e.eval(f) {
			return false
		}
	}
	return true
}

// parseCfg parses one cfg expression, returning unconsumed input.
func parseCfg(s string) (cfgExpr, string, error) {
	s = strings.TrimLeft(s, " ")
	for _, comb := range []string{"not", "any", "all"} {
		if strings.HasPrefix(s, comb+"(") {
			rest := s[len(comb)+1:]
			var inner []cfgExpr
			for {
				rest = strings.TrimLeft(rest, " ,")
				if strings.HasPrefix(rest, ")") {
					rest = rest[1:]
					break
				}
				if rest == "" {
					return nil, "", fmt.Errorf("unclosed %s(...)", comb)
				}
				e, r, err := parseCfg(rest)
				if err != nil {
					return nil, "", err
				}
				inner = append(inner, e)
				rest = r
			}
			switch comb {
			case "not":
				if len(inner) != 1 {
					return nil, "", fmt.Errorf("not(...) takes exactly one operand")
				}
				return cfgNot{inner: inner[0]}, rest, nil
			case "any":
				return cfgAny{inner: inner}, rest, nil
			default:
				return cfgAll{inner: inner}, rest, nil
			}
		}
	}

	// bare name or key = "value"
	end := strings.IndexAny(s, ",)")
	tok := s
	rest := ""
	if end >= 0 {
		tok, rest = s[:end], s[end:]
	}
	if key, val, ok := strings.Cut(tok, "="); ok {
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if len(val) < 2 || val[0] != '"' || val[len(val)-1] != '"' {
			return nil, "", fmt.Errorf("cfg value for %s must be quoted", key)
		}
		return cfgPair{key: key, val: val[1 : len(val)-1]}, rest, nil
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return nil, "", fmt.Errorf("empty cfg predicate")
	}
	return cfgName(tok), rest, nil
}
