// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/quarry/services/build/unit"
)

// UnitResult is one unit's outcome within a run.
type UnitResult struct {
	Unit  *unit.Unit
	Fresh bool
	Err   error

	// Diagnostics is the unit's buffered stderr, flushed whole so
	// parallel compiles do not shred each other's output.
	Diagnostics []string

	Duration time.Duration
}

// Report summarizes a completed (or aborted) run.
type Report struct {
	// Results in completion order.
	Results []*UnitResult

	Fresh    int
	Built    int
	Duration time.Duration
	Session  string
}

// RunError carries the first failure of a run, with any further
// cancel-era failures attached in package-id order.
type RunError struct {
	First error
	Also  []error
}

func (e *RunError) Error() string {
	if len(e.Also) == 0 {
		return e.First.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%v (and %d more failures:", e.First, len(e.Also))
	for _, err := range e.Also {
		b.WriteString(" ")
		b.WriteString(err.Error())
		b.WriteString(";")
	}
	b.WriteString(")")
	return b.String()
}

func (e *RunError) Unwrap() error { return e.First }
