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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/quarry/services/build/exec"
	"github.com/AleutianAI/quarry/services/build/fingerprint"
	"github.com/AleutianAI/quarry/services/build/layout"
	"github.com/AleutianAI/quarry/services/build/script"
	"github.com/AleutianAI/quarry/services/build/unit"
)

// job is one unit's dispatched work: the command to run plus whatever
// the coordinator precomputed so the worker stays stateless.
type job struct {
	u       *unit.Unit
	cmd     exec.Command
	started time.Time
}

// jobDone travels back from worker to coordinator.
type jobDone struct {
	u       *unit.Unit
	stdout  []string
	diags   []string
	err     error
	started time.Time
	dur     time.Duration
}

// scriptExtras are the local inputs a build-script run unit carries on
// top of the engine's defaults: the hash of its recorded output, its
// watched environment, and for pre-directive scripts a hash of the
// whole package tree.
//
// Watched files are not listed here. They become the run unit's
// dep-info, which the engine's mtime machinery already checks.
func (r *run) scriptExtras(ctx context.Context, u *unit.Unit, out *script.Output, raw []byte) ([]fingerprint.LocalInput, error) {
	sum := sha256.Sum256(raw)
	extras := []fingerprint.LocalInput{
		fingerprint.Precalculated(hex.EncodeToString(sum[:])),
	}
	for _, name := range out.RerunIfEnvChanged {
		var val *string
		if v, ok := r.s.engine.Env(name); ok {
			val = &v
		}
		extras = append(extras, fingerprint.EnvInput(name, val))
	}
	if out.OldMode() && u.Pkg.Source().IsMutable() {
		hash, err := r.s.dirHash(ctx, r.s.builder.PkgRoot(u.Pkg))
		if err != nil {
			return nil, fmt.Errorf("hashing %s for its build script: %w", u.Pkg, err)
		}
		extras = append(extras, fingerprint.Precalculated(hash))
	}
	return extras, nil
}

// storedScriptOutput loads and parses a run unit's recorded output
// file. ok is false when the file does not exist yet, which just means
// the script has never run. A file that exists but does not parse is
// corrupt cache state and forces a re-run.
func (r *run) storedScriptOutput(u *unit.Unit) (out *script.Output, raw []byte, ok bool) {
	raw, err := os.ReadFile(r.s.lay.BuildScriptOutputFile(u))
	if err != nil {
		return nil, nil, false
	}
	out, err = script.Parse(raw)
	if err != nil {
		return nil, nil, false
	}
	return out, raw, true
}

// writeRunDepInfo stores the script's rerun-if-changed list as the run
// unit's dep-info, relative to the package root where possible.
func (r *run) writeRunDepInfo(u *unit.Unit, out *script.Output) error {
	root := r.s.builder.PkgRoot(u.Pkg)
	files := make([]string, 0, len(out.RerunIfChanged))
	for _, p := range out.RerunIfChanged {
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		files = append(files, p)
	}
	di := fingerprint.Translate(files, root)
	return layout.WriteAtomic(r.s.lay.DepInfoFile(u), di.Encode())
}

// makeDepInfoPath is where the compiler drops the Make-style dep-info
// for a compile unit, derived from crate-name plus extra-filename.
func (r *run) makeDepInfoPath(u *unit.Unit) string {
	return filepath.Join(r.s.lay.DepsDir(),
		u.Target.CrateName()+layout.ExtraFilename(u)+".d")
}

// finishCompile runs the post-exit bookkeeping for a compile unit:
// translate the compiler's dep-info when the source is mutable, then
// persist the fingerprint with the job's start time as the observed
// moment.
func (r *run) finishCompile(u *unit.Unit, started time.Time) error {
	if u.Pkg.Source().IsMutable() && emitsDepInfo(u) {
		data, err := os.ReadFile(r.makeDepInfoPath(u))
		if err != nil {
			return fmt.Errorf("reading dep-info for %s: %w", u.Pkg, err)
		}
		if err := r.s.engine.WriteDepInfo(u, data); err != nil {
			return err
		}
	}
	if u.Pkg.Source().IsMutable() && !emitsDepInfo(u) && u.Mode != unit.ModeDoctest {
		// Doc builds get a synthetic dep-info over the target source so
		// they can go fresh; doctests always re-run.
		src := filepath.Join(r.s.builder.PkgRoot(u.Pkg), u.Target.SrcPath)
		di := fingerprint.Translate([]string{src}, r.s.builder.PkgRoot(u.Pkg))
		if err := layout.WriteAtomic(r.s.lay.DepInfoFile(u), di.Encode()); err != nil {
			return err
		}
	}
	r.s.engine.Invalidate(u)
	f := r.s.engine.Compute(r.g, u, nil)
	return r.s.engine.Persist(u, f, started)
}

// finishScript runs the post-exit bookkeeping for a build-script run:
// parse the captured stdout, record it for dependents, store the raw
// output, write the rerun list as dep-info, and persist a fingerprint
// over the new inputs.
func (r *run) finishScript(ctx context.Context, u *unit.Unit, stdout []string, started time.Time) error {
	raw := joinLines(stdout)
	out, err := script.Parse(raw)
	if err != nil {
		return fmt.Errorf("build script for %s: %w", u.Pkg, err)
	}
	if err := layout.WriteAtomic(r.s.lay.BuildScriptOutputFile(u), raw); err != nil {
		return err
	}
	if err := r.writeRunDepInfo(u, out); err != nil {
		return err
	}
	r.scriptOut[u] = out

	extras, err := r.scriptExtras(ctx, u, out, raw)
	if err != nil {
		return err
	}
	r.s.engine.Invalidate(u)
	f := r.s.engine.Compute(r.g, u, extras)
	return r.s.engine.Persist(u, f, started)
}

// emitsDepInfo reports whether the unit's compile invocation asks the
// compiler for a dep-info file.
func emitsDepInfo(u *unit.Unit) bool {
	switch u.Mode {
	case unit.ModeBuild, unit.ModeCheck, unit.ModeTest, unit.ModeBench:
		return true
	}
	return false
}

func joinLines(lines []string) []byte {
	var b []byte
	for _, l := range lines {
		b = append(b, l...)
		b = append(b, '\n')
	}
	return b
}
