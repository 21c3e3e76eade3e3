// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolver

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/quarry/services/build/pack"
)

// NoMatchError reports that no candidate version satisfied a requirement.
type NoMatchError struct {
	// Dep is the unsatisfiable dependency.
	Dep *pack.Dependency

	// Parent is the package that declared the dependency, nil for roots.
	Parent *pack.PackageId

	// Tried lists the versions that exist for the name but were rejected,
	// newest first.
	Tried []pack.Version
}

func (e *NoMatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no matching version for %s %s", e.Dep.Name, e.Dep.Req)
	if e.Parent != nil {
		fmt.Fprintf(&b, " (required by %s)", e.Parent)
	}
	if len(e.Tried) > 0 {
		versions := make([]string, len(e.Tried))
		for i, v := range e.Tried {
			versions[i] = v.String()
		}
		fmt.Fprintf(&b, "; versions found: %s", strings.Join(versions, ", "))
	}
	return b.String()
}

// ConflictError reports an exhausted search: every candidate for a name was
// rejected and no earlier decision could change that.
type ConflictError struct {
	Name string

	// Activators are the packages whose constraints collided, sorted.
	Activators []*pack.PackageId

	// Reason is a human-readable causal chain.
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s (activated by %s): %s",
		e.Name, pack.IdNames(e.Activators), e.Reason)
}

// LinksError reports two packages claiming the same native-library name.
type LinksError struct {
	Links     string
	Claimants []*pack.PackageId
}

func (e *LinksError) Error() string {
	return fmt.Sprintf("multiple packages link to native library %q: %s",
		e.Links, pack.IdNames(e.Claimants))
}

// CycleError reports a non-dev dependency cycle.
type CycleError struct {
	Cycle []*pack.PackageId
}

func (e *CycleError) Error() string {
	names := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		names[i] = id.String()
	}
	return "cyclic package dependency: " + strings.Join(names, " -> ")
}
