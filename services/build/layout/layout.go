// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package layout owns the on-disk shape of the build root: where each
// unit's artifacts, fingerprint files, and build-script output
// directories live, and how files are written so readers never observe
// a partial write.
package layout

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/AleutianAI/quarry/services/build/unit"
)

// Layout resolves paths under one build root for one profile.
//
// # Thread Safety
//
// Immutable after construction. Safe to share across goroutines.
type Layout struct {
	root string
	dest string
}

// New creates a layout rooted at root (usually "target") for a profile
// directory name ("debug", "release").
func New(root, profileDir string) *Layout {
	return &Layout{root: root, dest: filepath.Join(root, profileDir)}
}

// Root returns the build root.
func (l *Layout) Root() string { return l.root }

// Dest returns the profile destination directory.
func (l *Layout) Dest() string { return l.dest }

// DepsDir holds every compiled dependency artifact.
func (l *Layout) DepsDir() string { return filepath.Join(l.dest, "deps") }

// DocDir holds generated documentation, shared across profiles.
func (l *Layout) DocDir() string { return filepath.Join(l.root, "doc") }

// LockPath is the build-directory advisory lock file.
func (l *Layout) LockPath() string { return filepath.Join(l.root, ".quarry-lock") }

// Prepare creates the fixed directories a run needs.
func (l *Layout) Prepare() error {
	for _, dir := range []string{
		l.DepsDir(),
		filepath.Join(l.dest, ".fingerprint"),
		filepath.Join(l.dest, "build"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating build directory %s: %w", dir, err)
		}
	}
	return nil
}

// Metadata is the unit's coexistence hash: identity minus feature set,
// so feature variants of one package land in distinct directories and
// file suffixes without clobbering each other.
func Metadata(u *unit.Unit) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s:%s|%s|%s|%s|%d|%d",
		u.Pkg.String(),
		u.Target.Kind.String(), u.Target.Name,
		u.Mode.String(),
		u.Platform.String(),
		u.Profile.Key(),
		u.Artifact,
		u.DepHash)
	return fmt.Sprintf("%016x", h.Sum64())
}

// ExtraFilename is the suffix passed as -C extra-filename.
func ExtraFilename(u *unit.Unit) string { return "-" + Metadata(u) }

// Flavor prefixes fingerprint file names by unit flavor.
func Flavor(u *unit.Unit) string {
	switch {
	case u.Mode == unit.ModeTest || u.Mode == unit.ModeBench || u.Mode == unit.ModeDoctest:
		return "test-"
	case u.Mode.IsDoc():
		return "doc-"
	}
	return ""
}

// unitDir is the per-unit directory stem, "<pkg>-<metadata>".
func unitDir(u *unit.Unit) string {
	return u.Pkg.Name() + "-" + Metadata(u)
}

// FingerprintDir is where a unit's freshness state lives.
func (l *Layout) FingerprintDir(u *unit.Unit) string {
	return filepath.Join(l.dest, ".fingerprint", unitDir(u))
}

// fingerprintStem is "<flavor><target-kind>-<file-stem>".
func fingerprintStem(u *unit.Unit) string {
	return Flavor(u) + u.Target.Kind.String() + "-" + u.Target.FileStem()
}

// FingerprintHexFile holds only the fingerprint's 64-bit hash in hex.
func (l *Layout) FingerprintHexFile(u *unit.Unit) string {
	return filepath.Join(l.FingerprintDir(u), fingerprintStem(u))
}

// FingerprintJSONFile holds the full structured fingerprint.
func (l *Layout) FingerprintJSONFile(u *unit.Unit) string {
	return l.FingerprintHexFile(u) + ".json"
}

// DepInfoFile holds the translated dependency-info for the unit.
func (l *Layout) DepInfoFile(u *unit.Unit) string {
	return filepath.Join(l.FingerprintDir(u), "dep-"+fingerprintStem(u))
}

// BuildScriptDir is the working directory for one package's build
// script.
func (l *Layout) BuildScriptDir(u *unit.Unit) string {
	return filepath.Join(l.dest, "build", unitDir(u))
}

// OutDir is the OUT_DIR handed to a running build script.
func (l *Layout) OutDir(u *unit.Unit) string {
	return filepath.Join(l.BuildScriptDir(u), "out")
}

// BuildScriptOutputFile captures a build script's parsed stdout between
// runs.
func (l *Layout) BuildScriptOutputFile(u *unit.Unit) string {
	return filepath.Join(l.BuildScriptDir(u), "output")
}

// Outputs lists the artifact files the unit is expected to produce. A
// missing entry makes the unit dirty regardless of its fingerprint.
func (l *Layout) Outputs(u *unit.Unit) []string {
	switch {
	case u.Mode == unit.ModeRunCustomBuild:
		return []string{l.BuildScriptOutputFile(u)}
	case u.Mode == unit.ModeCheck:
		return []string{filepath.Join(l.DepsDir(), "lib"+u.Target.FileStem()+ExtraFilename(u)+".rmeta")}
	case u.Mode == unit.ModeDoc:
		return []string{filepath.Join(l.DocDir(), u.Target.CrateName(), "index.html")}
	case u.Mode == unit.ModeDoctest, u.Mode == unit.ModeDocScrape:
		return nil
	}
	stem := u.Target.FileStem() + ExtraFilename(u)
	switch u.Target.Kind {
	case unit.KindLib:
		if u.Target.ProcMacro {
			return []string{filepath.Join(l.DepsDir(), "lib"+stem+".so")}
		}
		return []string{filepath.Join(l.DepsDir(), "lib"+stem+".rlib")}
	case unit.KindCustomBuild:
		return []string{filepath.Join(l.DepsDir(), stem)}
	default:
		return []string{filepath.Join(l.DepsDir(), stem)}
	}
}

// WriteAtomic writes data so concurrent readers see either the old or
// the new content, never a torn file. The temp file lands in the target
// directory so the final rename stays on one filesystem.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}
