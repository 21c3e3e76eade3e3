// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lockfile reads and writes the dependency lock document.
//
// The format is a line-oriented, TOML-shaped document of [[package]]
// stanzas. It is deliberately written and parsed by hand: the grammar is
// fixed, output must be byte-stable across runs for clean diffs, and the
// document doubles as a merge-friendly text file. A general TOML engine
// would neither guarantee stable output ordering nor be exercised anywhere
// else in the core (manifest TOML parsing is out of scope).
//
// A lock file is an advisory floor for the resolver: when present and
// consistent with the manifest, resolution must reproduce exactly the
// locked graph; when the manifest has moved outside the locked bounds the
// resolver re-resolves and rewrites the lock.
package lockfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FormatVersion is the lock document version this code writes.
const FormatVersion = 3

var (
	// ErrMalformed is returned when the document cannot be parsed.
	ErrMalformed = errors.New("malformed lock file")
)

// Dep is one locked dependency reference: "name version (source)".
type Dep struct {
	Name    string
	Version string
	Source  string
}

// String renders the reference triple.
func (d Dep) String() string {
	if d.Source == "" {
		return fmt.Sprintf("%s %s", d.Name, d.Version)
	}
	return fmt.Sprintf("%s %s (%s)", d.Name, d.Version, d.Source)
}

// parseDepRef parses "name version (source)" with optional source.
func parseDepRef(s string) (Dep, error) {
	fields := strings.SplitN(s, " ", 3)
	if len(fields) < 2 {
		return Dep{}, fmt.Errorf("%w: dependency reference %q", ErrMalformed, s)
	}
	d := Dep{Name: fields[0], Version: fields[1]}
	if len(fields) == 3 {
		src := strings.TrimSpace(fields[2])
		if !strings.HasPrefix(src, "(") || !strings.HasSuffix(src, ")") {
			return Dep{}, fmt.Errorf("%w: dependency source %q", ErrMalformed, s)
		}
		d.Source = src[1 : len(src)-1]
	}
	return d, nil
}

// Package is one locked package stanza.
type Package struct {
	Name     string
	Version  string
	Source   string // URL-form; "" for workspace members
	Checksum string // content hash; "" for non-addressable sources
	Deps     []Dep
}

// Ref returns the package's own reference triple.
func (p *Package) Ref() Dep {
	return Dep{Name: p.Name, Version: p.Version, Source: p.Source}
}

// File is a parsed lock document.
type File struct {
	Version  int
	Packages []Package
}

// Find returns the locked stanza for a package name and version, or nil.
func (f *File) Find(name, version string) *Package {
	for i := range f.Packages {
		p := &f.Packages[i]
		if p.Name == name && p.Version == version {
			return p
		}
	}
	return nil
}

// ByName returns every locked stanza with the given name.
func (f *File) ByName(name string) []*Package {
	var out []*Package
	for i := range f.Packages {
		if f.Packages[i].Name == name {
			out = append(out, &f.Packages[i])
		}
	}
	return out
}

// Encode renders the document in canonical form: header comment, version
// line, then stanzas sorted by (name, version, source), each stanza's
// dependencies sorted the same way.
//
// Encode(Parse(Encode(f))) is byte-identical to Encode(f).
func Encode(f *File) []byte {
	pkgs := append([]Package(nil), f.Packages...)
	sort.Slice(pkgs, func(i, j int) bool {
		a, b := pkgs[i], pkgs[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.Source < b.Source
	})

	version := f.Version
	if version == 0 {
		version = FormatVersion
	}

	var buf bytes.Buffer
	buf.WriteString("# This file is automatically generated by the build tool.\n")
	buf.WriteString("# It is not intended for manual editing.\n")
	fmt.Fprintf(&buf, "version = %d\n", version)

	for i := range pkgs {
		p := &pkgs[i]
		buf.WriteString("\n[[package]]\n")
		fmt.Fprintf(&buf, "name = %q\n", p.Name)
		fmt.Fprintf(&buf, "version = %q\n", p.Version)
		if p.Source != "" {
			fmt.Fprintf(&buf, "source = %q\n", p.Source)
		}
		if p.Checksum != "" {
			fmt.Fprintf(&buf, "checksum = %q\n", p.Checksum)
		}
		if len(p.Deps) > 0 {
			deps := append([]Dep(nil), p.Deps...)
			sort.Slice(deps, func(i, j int) bool {
				if deps[i].Name != deps[j].Name {
					return deps[i].Name < deps[j].Name
				}
				if deps[i].Version != deps[j].Version {
					return deps[i].Version < deps[j].Version
				}
				return deps[i].Source < deps[j].Source
			})
			buf.WriteString("dependencies = [\n")
			for _, d := range deps {
				fmt.Fprintf(&buf, " %q,\n", d.String())
			}
			buf.WriteString("]\n")
		}
	}
	return buf.Bytes()
}

// Parse reads a lock document.
//
// Unknown keys are skipped so newer writers stay readable; structural
// errors (bad quoting, stray lines) are fatal.
func Parse(data []byte) (*File, error) {
	f := &File{Version: 1}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var cur *Package
	inDeps := false
	line := 0

	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		switch {
		case text == "" || strings.HasPrefix(text, "#"):
			continue

		case inDeps:
			if text == "]" {
				inDeps = false
				continue
			}
			text = strings.TrimSuffix(text, ",")
			ref, err := strconv.Unquote(text)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
			}
			d, err := parseDepRef(ref)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			cur.Deps = append(cur.Deps, d)

		case text == "[[package]]":
			f.Packages = append(f.Packages, Package{})
			cur = &f.Packages[len(f.Packages)-1]

		default:
			keyRaw, valRaw, ok := strings.Cut(text, "=")
			if !ok {
				return nil, fmt.Errorf("%w: line %d: %q", ErrMalformed, line, text)
			}
			k := strings.TrimSpace(keyRaw)
			v := strings.TrimSpace(valRaw)

			if cur == nil {
				if k == "version" {
					n, err := strconv.Atoi(v)
					if err != nil {
						return nil, fmt.Errorf("%w: line %d: version %q", ErrMalformed, line, v)
					}
					f.Version = n
				}
				continue
			}

			switch k {
			case "dependencies":
				if v != "[" {
					return nil, fmt.Errorf("%w: line %d: dependencies must open a list", ErrMalformed, line)
				}
				inDeps = true
			case "name", "version", "source", "checksum":
				s, err := strconv.Unquote(v)
				if err != nil {
					return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
				}
				switch k {
				case "name":
					cur.Name = s
				case "version":
					cur.Version = s
				case "source":
					cur.Source = s
				case "checksum":
					cur.Checksum = s
				}
			default:
				// forward compatibility: ignore unknown keys
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if inDeps {
		return nil, fmt.Errorf("%w: unterminated dependencies list", ErrMalformed)
	}
	for i := range f.Packages {
		p := &f.Packages[i]
		if p.Name == "" || p.Version == "" {
			return nil, fmt.Errorf("%w: package stanza %d missing name or version", ErrMalformed, i+1)
		}
	}
	return f, nil
}
