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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// skipped directory names during source hashing. Build outputs and VCS
// metadata never contribute to a package's content identity.
var hashSkipDirs = map[string]bool{
	".git":   true,
	".hg":    true,
	"target": true,
}

// HashSourceDir computes a stable content hash over a package root.
//
// # Description
//
// Walks the directory tree, hashes every regular file, and folds the
// per-file digests into one hex digest over the sorted
// "relative-path\x00filehash\n" sequence. The fold is order-independent of
// walk order, so the result is stable across platforms and goroutine
// scheduling.
//
// File hashing runs in parallel, bounded by GOMAXPROCS workers.
//
// # Inputs
//
//   - ctx: Cancels the walk.
//   - root: Absolute package root directory.
//
// # Outputs
//
//   - string: 64-char lowercase hex digest.
//   - error: Non-nil on I/O failure or cancellation.
func HashSourceDir(ctx context.Context, root string) (string, error) {
	var relPaths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if hashSkipDirs[d.Name()] && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relPaths = append(relPaths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Strings(relPaths)

	hashes := make([]string, len(relPaths))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, rel := range relPaths {
		i, rel := i, rel
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := hashFile(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			mu.Lock()
			hashes[i] = h
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	var b strings.Builder
	for i, rel := range relPaths {
		b.WriteString(rel)
		b.WriteByte(0)
		b.WriteString(hashes[i])
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PathVerifier binds a recorded content hash to a path source so mutation
// can be detected once a rebuild is already implied.
type PathVerifier struct {
	Root string
	Hash string
}

// Verify recomputes the source hash and compares it to the recorded one.
//
// # Outputs
//
///   - error: nil when unchanged, ErrSourceMutated (with both hashes) when
//     the directory content differs, or the underlying I/O error.
func (p *PathVerifier) Verify(ctx context.Context) error {
	got, err := HashSourceDir(ctx, p.Root)
	if err != nil {
		return err
	}
	if got != p.Hash {
		return fmt.Errorf("%w: %s (recorded %.12s, found %.12s)",
			ErrSourceMutated, p.Root, p.Hash, got)
	}
	return nil
}
