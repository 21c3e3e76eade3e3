// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package lock

import (
	"os"
)

// try on Windows is a no-op pending a LockFileEx implementation.
//
// TODO: Implement via golang.org/x/sys/windows.LockFileEx with
// LOCKFILE_FAIL_IMMEDIATELY, mapping ERROR_LOCK_VIOLATION to
// ErrFileLocked.
func try(f *os.File, mode Mode) error {
	return nil
}

func unlock(f *os.File) error {
	return nil
}
