// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package exec

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/quarry/services/build/layout"
	"github.com/AleutianAI/quarry/services/build/pack"
	"github.com/AleutianAI/quarry/services/build/script"
	"github.com/AleutianAI/quarry/services/build/unit"
)

// Builder constructs compiler invocations and their environments for
// units.
//
// # Thread Safety
//
// Immutable after construction. Safe to share across goroutines.
type Builder struct {
	Lay        *layout.Layout
	Compiler   string
	Triple     string
	HostTriple string
	Jobs       int

	// PkgRoot resolves a package's source directory, used for
	// CARGO_MANIFEST_DIR and as the working directory.
	PkgRoot func(id *pack.PackageId) string
}

// Compile builds the base argument vector for a compile unit. Script
// output from the unit's dependencies is layered on with Apply.
func (b *Builder) Compile(g *unit.Graph, u *unit.Unit) Command {
	args := []string{"--crate-name", u.Target.CrateName()}
	if u.Edition != "" {
		args = append(args, "--edition", u.Edition)
	}
	args = append(args, filepath.Join(b.PkgRoot(u.Pkg), u.Target.SrcPath))

	switch {
	case u.Mode == unit.ModeTest || u.Mode == unit.ModeBench:
		args = append(args, "--test")
	case u.Target.Kind == unit.KindLib && u.Target.ProcMacro:
		args = append(args, "--crate-type", "proc-macro")
	case u.Target.Kind == unit.KindLib:
		args = append(args, "--crate-type", "lib")
	default:
		args = append(args, "--crate-type", "bin")
	}

	if u.Mode == unit.ModeCheck {
		args = append(args, "--emit", "dep-info,metadata")
	} else {
		args = append(args, "--emit", "dep-info,link")
	}

	meta := layout.Metadata(u)
	args = append(args,
		"-C", "metadata="+meta,
		"-C", "extra-filename="+layout.ExtraFilename(u),
		"--out-dir", b.Lay.DepsDir(),
	)
	if !u.Platform.IsHost() && u.Platform.Triple(b.HostTriple) != b.HostTriple {
		args = append(args, "--target", u.Platform.Triple(b.HostTriple))
	}

	for _, f := range u.Features {
		args = append(args, "--cfg", fmt.Sprintf("feature=%q", f))
	}
	args = append(args, u.Profile.Flags()...)

	args = append(args, "-L", "dependency="+b.Lay.DepsDir())
	for _, d := range g.DepsOf(u) {
		if d.ExternName == "" || d.Unit.Mode == unit.ModeRunCustomBuild {
			continue
		}
		outs := b.Lay.Outputs(d.Unit)
		if len(outs) == 0 {
			continue
		}
		args = append(args, "--extern", d.ExternName+"="+outs[0])
	}

	return Command{
		Program: b.Compiler,
		Args:    args,
		Env:     b.compileEnv(u),
		Dir:     b.PkgRoot(u.Pkg),
	}
}

// Apply layers the recorded script outputs of the unit's dependency
// build scripts onto the compile command: cfgs, link directives, and
// exported environment.
func Apply(cmd *Command, outs []*script.Output) {
	for _, o := range outs {
		for _, c := range o.Cfgs {
			cmd.Args = append(cmd.Args, "--cfg", c)
		}
		for _, l := range o.LinkLibs {
			cmd.Args = append(cmd.Args, "-l", l)
		}
		for _, s := range o.LinkSearch {
			cmd.Args = append(cmd.Args, "-L", s)
		}
		cmd.Args = append(cmd.Args, o.Flags...)
		for _, kv := range o.Env {
			cmd.Env = append(cmd.Env, kv.Key+"="+kv.Value)
		}
	}
}

// RunScript builds the invocation for a compiled build script.
func (b *Builder) RunScript(u *unit.Unit, compiled *unit.Unit) Command {
	outs := b.Lay.Outputs(compiled)
	program := ""
	if len(outs) > 0 {
		program = outs[0]
	}
	return Command{
		Program: program,
		Env:     b.scriptEnv(u),
		Dir:     b.PkgRoot(u.Pkg),
	}
}

// compileEnv is the CARGO_PKG_* environment every compile sees.
func (b *Builder) compileEnv(u *unit.Unit) []string {
	v := u.Pkg.Version()
	env := append(os.Environ(),
		"CARGO_PKG_NAME="+u.Pkg.Name(),
		"CARGO_PKG_VERSION="+v.String(),
		"CARGO_PKG_VERSION_MAJOR="+strconv.FormatUint(v.Major(), 10),
		"CARGO_PKG_VERSION_MINOR="+strconv.FormatUint(v.Minor(), 10),
		"CARGO_PKG_VERSION_PATCH="+strconv.FormatUint(v.Patch(), 10),
		"CARGO_MANIFEST_DIR="+b.PkgRoot(u.Pkg),
		"CARGO_CRATE_NAME="+u.Target.CrateName(),
	)
	return env
}

// scriptEnv is the environment a running build script receives on top
// of the compile environment.
func (b *Builder) scriptEnv(u *unit.Unit) []string {
	prof := u.Profile
	debug := "false"
	if prof.Debuginfo > 0 {
		debug = "true"
	}
	optLevel := prof.OptLevel
	if optLevel == "" {
		optLevel = "0"
	}
	env := append(b.compileEnv(u),
		"OUT_DIR="+b.Lay.OutDir(u),
		"TARGET="+u.Platform.Triple(b.HostTriple),
		"HOST="+b.HostTriple,
		"PROFILE="+prof.Name,
		"NUM_JOBS="+strconv.Itoa(b.Jobs),
		"OPT_LEVEL="+optLevel,
		"DEBUG="+debug,
	)
	for _, f := range u.Features {
		env = append(env, "CARGO_FEATURE_"+strings.ToUpper(strings.ReplaceAll(f, "-", "_"))+"=1")
	}
	return env
}

// ScriptDepEnv renders upstream links metadata into the environment of
// a dependent's build script run.
func ScriptDepEnv(cmd *Command, links string, out *script.Output) {
	for _, kv := range out.DepEnv(links) {
		cmd.Env = append(cmd.Env, kv.Key+"="+kv.Value)
	}
}
