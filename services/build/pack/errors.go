// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pack defines package identity for the build core.
//
// A package is identified by the triple (name, version, source origin).
// Identities are interned per build session so that equality is pointer
// equality and identities can be used as map keys without allocation.
//
// The package also holds the semver machinery: Version wraps a canonical
// version string and VersionReq implements Cargo-style requirement matching
// (caret, tilde, exact, comparison operators, wildcards) on top of
// golang.org/x/mod/semver.
//
// # Thread Safety
//
// The Interner is safe for concurrent use. Everything else in this package
// is immutable after construction.
package pack

import "errors"

// Sentinel errors for identity and version parsing.
var (
	// ErrBadVersion is returned when a version string is not valid semver.
	ErrBadVersion = errors.New("invalid semantic version")

	// ErrBadVersionReq is returned when a version requirement cannot be parsed.
	ErrBadVersionReq = errors.New("invalid version requirement")

	// ErrBadSourceId is returned when a source origin URL-form is malformed.
	ErrBadSourceId = errors.New("invalid source id")

	// ErrBadPlatform is returned when a platform predicate cannot be parsed.
	ErrBadPlatform = errors.New("invalid platform predicate")
)
