// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fingerprint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrBadDepInfo is returned for unparseable dependency-info data, both
// the compiler's Make-style output and the translated binary form.
var ErrBadDepInfo = errors.New("malformed dependency info")

// PathKind says how a dep-info path is anchored.
type PathKind uint8

const (
	// PathPackage is relative to the package root.
	PathPackage PathKind = iota

	// PathAbsolute is an absolute path outside the package.
	PathAbsolute
)

// DepInfoPath is one tracked source file.
type DepInfoPath struct {
	Kind PathKind
	Path string
}

// DepInfo is the translated dependency information for one unit: the
// source files the compiler reported reading, in a compact form that
// rereads quickly on every freshness check.
type DepInfo struct {
	Files []DepInfoPath
}

// ParseMakeDepInfo extracts the prerequisite paths from the compiler's
// Make-style dep-info output. Only the first rule's prerequisites are
// used; the remaining rules repeat the same paths as phony targets.
func ParseMakeDepInfo(data []byte) ([]string, error) {
	text := strings.ReplaceAll(string(data), "\\\r\n", " ")
	text = strings.ReplaceAll(text, "\\\n", " ")
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		colon := ruleColon(line)
		if colon < 0 {
			return nil, fmt.Errorf("%w: missing rule separator in %q", ErrBadDepInfo, line)
		}
		return splitPaths(line[colon+1:]), nil
	}
	return nil, fmt.Errorf("%w: no rules found", ErrBadDepInfo)
}

// ruleColon finds the target/prerequisite separator, skipping drive
// letters like C: on windows paths.
func ruleColon(line string) int {
	for i := 0; i < len(line); i++ {
		if line[i] != ':' {
			continue
		}
		if i+1 < len(line) && (line[i+1] == '\\' || line[i+1] == '/') {
			continue
		}
		return i
	}
	return -1
}

// splitPaths splits on unescaped whitespace, honoring "\ " escapes in
// file names.
func splitPaths(s string) []string {
	var out []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && s[i+1] == ' ':
			cur.WriteByte(' ')
			i++
		case c == ' ' || c == '\t':
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// Translate rewrites compiler-reported paths relative to the package
// root where possible, leaving external paths absolute.
func Translate(files []string, pkgRoot string) *DepInfo {
	d := &DepInfo{Files: make([]DepInfoPath, 0, len(files))}
	for _, f := range files {
		if rel, err := filepath.Rel(pkgRoot, f); err == nil && !strings.HasPrefix(rel, "..") && filepath.IsAbs(f) {
			d.Files = append(d.Files, DepInfoPath{Kind: PathPackage, Path: filepath.ToSlash(rel)})
			continue
		}
		if !filepath.IsAbs(f) {
			// Already package-relative.
			d.Files = append(d.Files, DepInfoPath{Kind: PathPackage, Path: filepath.ToSlash(f)})
			continue
		}
		d.Files = append(d.Files, DepInfoPath{Kind: PathAbsolute, Path: filepath.ToSlash(f)})
	}
	return d
}

// Absolute resolves every tracked file against the package root.
func (d *DepInfo) Absolute(pkgRoot string) []string {
	out := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		if f.Kind == PathPackage {
			out = append(out, filepath.Join(pkgRoot, filepath.FromSlash(f.Path)))
		} else {
			out = append(out, filepath.FromSlash(f.Path))
		}
	}
	return out
}

const (
	depInfoMagic   = "QDEP"
	depInfoVersion = 1
)

// Encode renders the compact binary form. Encoding then decoding is the
// identity; re-encoding a decoded value is byte-stable.
func (d *DepInfo) Encode() []byte {
	size := len(depInfoMagic) + 1 + 4
	for _, f := range d.Files {
		size += 1 + 4 + len(f.Path)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, depInfoMagic...)
	buf = append(buf, depInfoVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(d.Files)))
	for _, f := range d.Files {
		buf = append(buf, byte(f.Kind))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Path)))
		buf = append(buf, f.Path...)
	}
	return buf
}

// DecodeDepInfo parses the compact binary form.
func DecodeDepInfo(data []byte) (*DepInfo, error) {
	if len(data) < len(depInfoMagic)+1+4 || string(data[:len(depInfoMagic)]) != depInfoMagic {
		return nil, fmt.Errorf("%w: bad header", ErrBadDepInfo)
	}
	data = data[len(depInfoMagic):]
	if data[0] != depInfoVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadDepInfo, data[0])
	}
	data = data[1:]
	n := binary.LittleEndian.Uint32(data)
	data = data[4:]

	d := &DepInfo{Files: make([]DepInfoPath, 0, n)}
	for i := uint32(0); i < n; i++ {
		if len(data) < 5 {
			return nil, fmt.Errorf("%w: truncated entry %d", ErrBadDepInfo, i)
		}
		kind := PathKind(data[0])
		if kind > PathAbsolute {
			return nil, fmt.Errorf("%w: unknown path kind %d", ErrBadDepInfo, kind)
		}
		l := binary.LittleEndian.Uint32(data[1:5])
		data = data[5:]
		if uint32(len(data)) < l {
			return nil, fmt.Errorf("%w: truncated path in entry %d", ErrBadDepInfo, i)
		}
		d.Files = append(d.Files, DepInfoPath{Kind: kind, Path: string(data[:l])})
		data = data[l:]
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadDepInfo, len(data))
	}
	return d, nil
}
