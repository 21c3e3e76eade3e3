// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch flags source mutations that land while a build is
// running. A file written mid-compile may or may not have been seen by
// the compiler, so the scheduler reports such paths and lets the next
// run settle the question through fingerprints.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Options configures a Guard.
type Options struct {
	// IgnorePatterns are base-name globs and path fragments to skip.
	// Default: .git, build output, editor droppings.
	IgnorePatterns []string

	// BufferSize is the event channel depth. Default: 1000.
	BufferSize int

	Logger *slog.Logger
}

// DefaultOptions returns the defaults used when opts is nil.
func DefaultOptions() Options {
	return Options{
		IgnorePatterns: []string{".git", "target", "*.swp", "*.tmp", "*~"},
		BufferSize:     1000,
	}
}

// Guard watches a set of package roots and accumulates the paths that
// changed while it was running.
//
// # Thread Safety
//
// Safe for concurrent use. Mutated may be called while the guard is
// still watching.
type Guard struct {
	roots   []string
	watcher *fsnotify.Watcher
	ignore  []string
	log     *slog.Logger

	events   chan string
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	mutated map[string]struct{}
	started bool
}

// NewGuard creates a guard over the given roots. Call Start to begin
// watching and Stop to collect the result.
func NewGuard(roots []string, opts *Options) (*Guard, error) {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Guard{
		roots:   roots,
		watcher: watcher,
		ignore:  opts.IgnorePatterns,
		log:     log,
		events:  make(chan string, bufferSize),
		done:    make(chan struct{}),
		mutated: make(map[string]struct{}),
	}, nil
}

// Start watches every root recursively. New directories created while
// watching are picked up as they appear.
func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	g.mu.Unlock()

	for _, root := range g.roots {
		if err := g.addRecursive(root); err != nil {
			return err
		}
	}

	go g.processEvents(ctx)
	go g.collect(ctx)
	return nil
}

// Stop tears the watcher down and returns every mutated path, sorted
// and deduplicated.
func (g *Guard) Stop() []string {
	g.stopOnce.Do(func() {
		close(g.done)
		g.watcher.Close()
	})
	return g.Mutated()
}

// Mutated snapshots the paths seen so far.
func (g *Guard) Mutated() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.mutated))
	for p := range g.mutated {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (g *Guard) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A root can shrink while we walk it; keep going.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if g.shouldIgnore(path) {
			return filepath.SkipDir
		}
		return g.watcher.Add(path)
	})
}

func (g *Guard) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range g.ignore {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

func (g *Guard) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if g.shouldIgnore(event.Name) {
				continue
			}
			select {
			case g.events <- event.Name:
			default:
				// Buffer full; the report is advisory, dropping is
				// better than stalling the watcher.
			}
			if event.Has(fsnotify.Create) {
				// Creations may be whole directories.
				g.addRecursive(event.Name)
			}
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.log.Debug("source watch error", slog.String("error", err.Error()))
		}
	}
}

func (g *Guard) collect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			// Drain whatever arrived before the teardown.
			for {
				select {
				case p := <-g.events:
					g.record(p)
				default:
					return
				}
			}
		case p := <-g.events:
			g.record(p)
		}
	}
}

func (g *Guard) record(path string) {
	g.mu.Lock()
	g.mutated[path] = struct{}{}
	g.mu.Unlock()
}
