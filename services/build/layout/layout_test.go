// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package layout

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/quarry/services/build/pack"
	"github.com/AleutianAI/quarry/services/build/profile"
	"github.com/AleutianAI/quarry/services/build/unit"
)

func testUnit(t *testing.T, mode unit.Mode, feats ...string) *unit.Unit {
	t.Helper()
	in := pack.NewInterner()
	id := in.PackageId("demo", pack.MustVersion("1.2.0"), pack.RegistrySource("https://crates.example/index"))
	return unit.NewInterner().Intern(unit.Unit{
		Pkg:      id,
		Target:   unit.LibTarget("demo"),
		Mode:     mode,
		Profile:  profile.Dev(),
		Platform: unit.ForTriple("x86_64-unknown-linux-gnu"),
		Features: feats,
	})
}

func TestMetadataIgnoresFeatures(t *testing.T) {
	a := testUnit(t, unit.ModeBuild)
	b := testUnit(t, unit.ModeBuild, "extra")
	if Metadata(a) != Metadata(b) {
		t.Error("feature set must not change the metadata hash")
	}
	c := testUnit(t, unit.ModeTest)
	if Metadata(a) == Metadata(c) {
		t.Error("mode must change the metadata hash")
	}
	if len(Metadata(a)) != 16 {
		t.Errorf("metadata hex length = %d, want 16", len(Metadata(a)))
	}
}

func TestFingerprintPaths(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "target"), "debug")

	build := testUnit(t, unit.ModeBuild)
	hex := l.FingerprintHexFile(build)
	if base := filepath.Base(hex); base != "lib-demo" {
		t.Errorf("hex file name = %q, want lib-demo", base)
	}
	if !strings.Contains(hex, filepath.Join("debug", ".fingerprint", "demo-"+Metadata(build))) {
		t.Errorf("unexpected fingerprint path %q", hex)
	}
	if got := l.FingerprintJSONFile(build); got != hex+".json" {
		t.Errorf("json path = %q", got)
	}
	if base := filepath.Base(l.DepInfoFile(build)); base != "dep-lib-demo" {
		t.Errorf("dep-info name = %q", base)
	}

	if base := filepath.Base(l.FingerprintHexFile(testUnit(t, unit.ModeTest))); base != "test-lib-demo" {
		t.Errorf("test flavor name = %q", base)
	}
	if base := filepath.Base(l.FingerprintHexFile(testUnit(t, unit.ModeDoc))); base != "doc-lib-demo" {
		t.Errorf("doc flavor name = %q", base)
	}
}

func TestPrepare(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "target"), "debug")
	if err := l.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	for _, dir := range []string{l.DepsDir(), filepath.Join(l.Dest(), ".fingerprint"), filepath.Join(l.Dest(), "build")} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("missing directory %s: %v", dir, err)
		}
	}
}

func TestOutputs(t *testing.T) {
	l := New("target", "debug")

	lib := testUnit(t, unit.ModeBuild)
	outs := l.Outputs(lib)
	if len(outs) != 1 || !strings.HasSuffix(outs[0], ".rlib") {
		t.Errorf("lib outputs = %v", outs)
	}
	check := testUnit(t, unit.ModeCheck)
	if outs := l.Outputs(check); len(outs) != 1 || !strings.HasSuffix(outs[0], ".rmeta") {
		t.Errorf("check outputs = %v", outs)
	}
	if outs := l.Outputs(testUnit(t, unit.ModeDoctest)); outs != nil {
		t.Errorf("doctest outputs = %v", outs)
	}
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "fp")

	if err := WriteAtomic(path, []byte("aaaa")); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if err := WriteAtomic(path, []byte("bbbb")); err != nil {
		t.Fatalf("WriteAtomic overwrite: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "bbbb" {
		t.Fatalf("content = %q, err = %v", got, err)
	}

	// No temp litter left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("leftover temp files: %v", entries)
	}
}
