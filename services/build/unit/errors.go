// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package unit

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/quarry/services/build/pack"
)

// RequiredFeaturesError reports an explicitly named target whose
// required-features are not all enabled. Targets that were not named
// explicitly are skipped silently instead.
type RequiredFeaturesError struct {
	Pkg     *pack.PackageId
	Target  Target
	Missing []string
}

func (e *RequiredFeaturesError) Error() string {
	return fmt.Sprintf("target %s in package %s requires the features: %s",
		e.Target, e.Pkg, strings.Join(e.Missing, ", "))
}

// UnknownTargetError reports a target filter that matched nothing in any
// selected package.
type UnknownTargetError struct {
	Name string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("no bin, example, test, or bench target named %q", e.Name)
}
