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

// SourceKind discriminates where a package's bytes come from.
type SourceKind int

const (
	// SourceRegistry is a versioned package registry. Content-addressable.
	SourceRegistry SourceKind = iota

	// SourceGit is a git repository pinned to a revision. Content-addressable.
	SourceGit

	// SourcePath is a local directory. The only mutable source kind.
	SourcePath
)

// String returns the URL-form scheme prefix for the kind.
func (k SourceKind) String() string {
	switch k {
	case SourceRegistry:
		return "registry"
	case SourceGit:
		return "git"
	case SourcePath:
		return "path"
	default:
		return "unknown"
	}
}

// SourceId identifies the origin of a package's source tree.
//
// # Description
//
// A SourceId is one of:
//
//   - registry(url): an index-backed registry
//   - git(url, ref, locked_rev): a git checkout pinned to locked_rev
//   - path(abs_path): a local directory
//
// Only path sources may mutate between builds; registry and git sources are
// content-addressable and carry a stable content hash.
type SourceId struct {
	Kind SourceKind

	// URL is the registry or git URL. For path sources it is the absolute
	// directory path.
	URL string

	// Ref is the requested git reference (branch, tag), git sources only.
	Ref string

	// LockedRev is the exact git revision, once known.
	LockedRev string
}

// RegistrySource constructs a registry SourceId.
func RegistrySource(url string) SourceId {
	return SourceId{Kind: SourceRegistry, URL: url}
}

// GitSource constructs a git SourceId pinned to rev.
func GitSource(url, ref, rev string) SourceId {
	return SourceId{Kind: SourceGit, URL: url, Ref: ref, LockedRev: rev}
}

// PathSource constructs a local-path SourceId. abs must be absolute.
func PathSource(abs string) SourceId {
	return SourceId{Kind: SourcePath, URL: abs}
}

// IsMutable reports whether the source's files may change between builds.
// Only path sources are mutable.
func (s SourceId) IsMutable() bool { return s.Kind == SourcePath }

// IsAddressable reports whether the source content is identified by a
// cryptographic hash (registry checksum or git revision).
func (s SourceId) IsAddressable() bool { return s.Kind != SourcePath }

// String renders the URL-form used in lock files:
// "registry+URL", "git+URL?ref=REF#REV", "path+URL".
func (s SourceId) String() string {
	switch s.Kind {
	case SourceGit:
		out := "git+" + s.URL
		if s.Ref != "" {
			out += "?ref=" + s.Ref
		}
		if s.LockedRev != "" {
			out += "#" + s.LockedRev
		}
		return out
	default:
		return s.Kind.String() + "+" + s.URL
	}
}

// ParseSourceId parses the URL-form produced by String.
//
// # Outputs
//
//   - SourceId: Parsed source.
//   - error: ErrBadSourceId if the form is unrecognized.
func ParseSourceId(s string) (SourceId, error) {
	kind, rest, ok := strings.Cut(s, "+")
	if !ok {
		return SourceId{}, fmt.Errorf("%w: %q", ErrBadSourceId, s)
	}
	switch kind {
	case "registry":
		return RegistrySource(rest), nil
	case "path":
		return PathSource(rest), nil
	case "git":
		var rev, ref string
		if i := strings.LastIndex(rest, "#"); i >= 0 {
			rev = rest[i+1:]
			rest = rest[:i]
		}
		if i := strings.LastIndex(rest, "?ref="); i >= 0 {
			ref = rest[i+len("?ref="):]
			rest = rest[:i]
		}
		return GitSource(rest, ref, rev), nil
	default:
		return SourceId{}, fmt.Errorf("%w: unknown kind %q", ErrBadSourceId, kind)
	}
}
