// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/quarry/services/build/pack"
)

var testSource = pack.RegistrySource("https://registry.example.com")

func summary(in *pack.Interner, name, version string) *pack.Summary {
	return &pack.Summary{ID: in.PackageId(name, pack.MustVersion(version), testSource)}
}

func TestMemRegistryQuery(t *testing.T) {
	in := pack.NewInterner()
	r := NewMemRegistry()
	for _, v := range []string{"1.0.0", "1.2.0", "0.9.0", "2.0.0"} {
		r.Add(summary(in, "bar", v))
	}

	t.Run("matching versions newest first", func(t *testing.T) {
		dep := &pack.Dependency{Name: "bar", Req: pack.MustVersionReq("^1")}
		got, err := r.Query(context.Background(), dep, false)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		want := []string{"1.2.0", "1.0.0"}
		if len(got) != len(want) {
			t.Fatalf("len = %d, want %d", len(got), len(want))
		}
		for i, w := range want {
			if got[i].ID.Version().String() != w {
				t.Errorf("got[%d] = %s, want %s", i, got[i].ID.Version(), w)
			}
		}
	})

	t.Run("fuzzy ignores the requirement", func(t *testing.T) {
		dep := &pack.Dependency{Name: "bar", Req: pack.MustVersionReq("=9.9.9")}
		got, err := r.Query(context.Background(), dep, true)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 4 {
			t.Errorf("fuzzy len = %d, want 4", len(got))
		}
	})

	t.Run("unknown name", func(t *testing.T) {
		dep := &pack.Dependency{Name: "nope", Req: pack.AnyVersion}
		if _, err := r.Query(context.Background(), dep, false); !errors.Is(err, ErrUnknownPackage) {
			t.Errorf("err = %v, want ErrUnknownPackage", err)
		}
	})

	t.Run("source override filters candidates", func(t *testing.T) {
		alt := pack.PathSource("/src/bar")
		r.Add(&pack.Summary{ID: in.PackageId("bar", pack.MustVersion("1.5.0"), alt)})
		dep := &pack.Dependency{Name: "bar", Req: pack.AnyVersion, Source: &alt}
		got, err := r.Query(context.Background(), dep, false)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 1 || got[0].ID.Source() != alt {
			t.Errorf("source-filtered query returned %d results", len(got))
		}
	})
}

func TestHashSourceDir(t *testing.T) {
	write := func(t *testing.T, root, rel, content string) {
		t.Helper()
		full := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("stable across identical trees", func(t *testing.T) {
		a, b := t.TempDir(), t.TempDir()
		for _, root := range []string{a, b} {
			write(t, root, "src/lib.rs", "pub fn f() {}")
			write(t, root, "build.rs", "fn main() {}")
		}
		ha, err := HashSourceDir(context.Background(), a)
		if err != nil {
			t.Fatal(err)
		}
		hb, err := HashSourceDir(context.Background(), b)
		if err != nil {
			t.Fatal(err)
		}
		if ha != hb {
			t.Errorf("identical trees hashed differently: %s vs %s", ha, hb)
		}
	})

	t.Run("content change changes the hash", func(t *testing.T) {
		root := t.TempDir()
		write(t, root, "src/lib.rs", "one")
		h1, _ := HashSourceDir(context.Background(), root)
		write(t, root, "src/lib.rs", "two")
		h2, _ := HashSourceDir(context.Background(), root)
		if h1 == h2 {
			t.Error("mutated tree kept the same hash")
		}
	})

	t.Run("vcs and target dirs are ignored", func(t *testing.T) {
		root := t.TempDir()
		write(t, root, "src/lib.rs", "code")
		h1, _ := HashSourceDir(context.Background(), root)
		write(t, root, ".git/HEAD", "ref: refs/heads/main")
		write(t, root, "target/debug/out", "artifact")
		h2, _ := HashSourceDir(context.Background(), root)
		if h1 != h2 {
			t.Error("ignored directories leaked into the hash")
		}
	})
}

func TestPathVerifier(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "lib.rs"), []byte("fn f() {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	hash, err := HashSourceDir(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	v := &PathVerifier{Root: root, Hash: hash}
	if err := v.Verify(context.Background()); err != nil {
		t.Fatalf("unmodified source failed verification: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "lib.rs"), []byte("fn g() {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := v.Verify(context.Background()); !errors.Is(err, ErrSourceMutated) {
		t.Errorf("err = %v, want ErrSourceMutated", err)
	}
}
