// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/quarry/services/build/unit"
)

func TestEffectiveProfile(t *testing.T) {
	resetFlags := func() {
		profileName = ""
		releaseBuild = false
	}
	t.Cleanup(resetFlags)

	resetFlags()
	assert.Equal(t, "dev", effectiveProfile(unit.ModeBuild))
	assert.Equal(t, "dev", effectiveProfile(unit.ModeCheck))
	assert.Equal(t, "test", effectiveProfile(unit.ModeTest))
	assert.Equal(t, "bench", effectiveProfile(unit.ModeBench))
	assert.Equal(t, "doc", effectiveProfile(unit.ModeDoc))

	releaseBuild = true
	assert.Equal(t, "release", effectiveProfile(unit.ModeBuild))

	profileName = "custom"
	assert.Equal(t, "custom", effectiveProfile(unit.ModeTest))
}

func TestParseToolchainVersion(t *testing.T) {
	v := parseToolchainVersion([]byte("rustc 1.75.0 (82e1608df 2023-12-21)\nbinary: rustc\n"))
	assert.Equal(t, "1.75.0", v.String())

	v = parseToolchainVersion([]byte("rustc 1.77.0-nightly (abcdef 2024-01-01)"))
	assert.Equal(t, "1.77.0", v.String())

	v = parseToolchainVersion([]byte("no version here"))
	assert.True(t, v.IsZero())
}

func TestBuildErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := failBuild(fmt.Errorf("resolving: %w", inner))
	var be *buildError
	require.ErrorAs(t, err, &be)
	assert.ErrorIs(t, err, inner)
}

func TestReadLock(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "quarry.yaml")

	f, lockPath, err := readLock(manifest)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Equal(t, filepath.Join(dir, "quarry.lock"), lockPath)

	require.NoError(t, os.WriteFile(lockPath, []byte("not a lockfile {{{"), 0o644))
	_, _, err = readLock(manifest)
	require.Error(t, err)
}

func TestVendorDir(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "quarry.yaml")
	assert.Empty(t, vendorDir(manifest))

	require.NoError(t, os.Mkdir(filepath.Join(dir, "vendor"), 0o755))
	assert.Equal(t, filepath.Join(dir, "vendor"), vendorDir(manifest))
}

func TestHostTripleShape(t *testing.T) {
	triple := hostTriple()
	assert.Contains(t, triple, "-")
	assert.NotContains(t, triple, "amd64")
}
