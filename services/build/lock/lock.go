// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides the advisory file locks that serialize build
// orchestrations: a shared lock on the package cache held for a whole
// run, and an exclusive lock on the build directory taken before any
// output mutation.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ErrFileLocked indicates another process holds a conflicting lock.
var ErrFileLocked = errors.New("file is locked by another process")

// Mode selects the lock strength.
type Mode int

const (
	// Shared allows any number of concurrent readers.
	Shared Mode = iota

	// Exclusive allows exactly one holder.
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// FileLock is one held advisory lock.
//
// # Thread Safety
//
// A FileLock belongs to the goroutine that acquired it. Release once.
type FileLock struct {
	f    *os.File
	path string
	mode Mode
}

// Path returns the lock file's location.
func (l *FileLock) Path() string { return l.path }

// Release drops the lock and closes the file.
func (l *FileLock) Release() error {
	if l.f == nil {
		return nil
	}
	err := unlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return closeErr
}

const retryInterval = 100 * time.Millisecond

// Acquire takes an advisory lock, blocking until it is granted or the
// context ends. Contention is announced once so the user knows why the
// build is paused.
func Acquire(ctx context.Context, path string, mode Mode, log *slog.Logger) (*FileLock, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	announced := false
	for {
		err := try(f, mode)
		if err == nil {
			return &FileLock{f: f, path: path, mode: mode}, nil
		}
		if !errors.Is(err, ErrFileLocked) {
			f.Close()
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		if !announced {
			announced = true
			log.Info("waiting for file lock",
				"path", path,
				"mode", mode.String())
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("waiting for %s lock on %s: %w", mode, path, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

// PackageCache takes the run-long shared lock on the package cache
// directory.
func PackageCache(ctx context.Context, cacheDir string, log *slog.Logger) (*FileLock, error) {
	return Acquire(ctx, filepath.Join(cacheDir, ".package-cache"), Shared, log)
}

// BuildDir takes the exclusive lock guarding one build root's output
// directories.
func BuildDir(ctx context.Context, lockPath string, log *slog.Logger) (*FileLock, error) {
	return Acquire(ctx, lockPath, Exclusive, log)
}
