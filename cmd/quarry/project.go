// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/quarry/services/build/pack"
	"github.com/AleutianAI/quarry/services/build/registry"
	"github.com/AleutianAI/quarry/services/build/unit"
)

// ErrBadProject is returned when the workspace manifest is malformed.
var ErrBadProject = errors.New("invalid project manifest")

// vendoredIndex is the source id recorded for packages resolved out of
// the project's vendor tree.
const vendoredIndex = "quarry://vendored"

// projectFile is the workspace portion of quarry.yaml. The build
// config keys in the same file are read separately by profile.Load;
// yaml ignores whichever keys each reader does not declare.
type projectFile struct {
	Workspace workspaceSection `yaml:"workspace" validate:"required"`
	Packages  []packageDecl    `yaml:"packages" validate:"dive"`
}

type workspaceSection struct {
	Members []memberDecl `yaml:"members" validate:"required,min=1,dive"`
}

type memberDecl struct {
	Name    string `yaml:"name" validate:"required"`
	Path    string `yaml:"path" validate:"required"`
	Version string `yaml:"version" validate:"required"`
	Edition string `yaml:"edition"`
	Links   string `yaml:"links"`

	Features     map[string][]string `yaml:"features"`
	Targets      targetsDecl         `yaml:"targets"`
	Dependencies []depDecl           `yaml:"dependencies" validate:"dive"`
}

type targetsDecl struct {
	// Lib defaults to true; explicit false drops the library target.
	Lib         *bool    `yaml:"lib"`
	ProcMacro   bool     `yaml:"proc-macro"`
	Bins        []string `yaml:"bins"`
	Examples    []string `yaml:"examples"`
	Tests       []string `yaml:"tests"`
	Benches     []string `yaml:"benches"`
	BuildScript bool     `yaml:"build-script"`
}

type packageDecl struct {
	Name     string `yaml:"name" validate:"required"`
	Version  string `yaml:"version" validate:"required"`
	Path     string `yaml:"path" validate:"required"`
	Checksum string `yaml:"checksum"`
	Edition  string `yaml:"edition"`
	Links    string `yaml:"links"`

	Features     map[string][]string `yaml:"features"`
	Dependencies []depDecl           `yaml:"dependencies" validate:"dive"`
}

type depDecl struct {
	Name            string   `yaml:"name" validate:"required"`
	Req             string   `yaml:"req" validate:"required"`
	Kind            string   `yaml:"kind" validate:"omitempty,oneof=normal build dev"`
	Optional        bool     `yaml:"optional"`
	DefaultFeatures *bool    `yaml:"default-features"`
	Features        []string `yaml:"features"`
	Platform        string   `yaml:"platform"`
	Public          bool     `yaml:"public"`
}

// project is the loaded workspace: root summaries, their declared
// targets, the vendored registry, and source roots for every package.
type project struct {
	roots   []*pack.Summary
	targets unit.Targets
	reg     *registry.MemRegistry
	pool    *pack.Interner

	// rootDirs maps each package id to its source directory; hashes
	// holds content hashes for the vendored entries.
	rootDirs map[*pack.PackageId]string
	hashes   map[*pack.PackageId]string
}

// Root implements the fingerprint source lookup.
func (p *project) Root(id *pack.PackageId) string { return p.rootDirs[id] }

// ContentHash reports the vendored checksum, or false for workspace
// members.
func (p *project) ContentHash(id *pack.PackageId) (string, bool) {
	h, ok := p.hashes[id]
	return h, ok
}

// loadProject parses the workspace section of the manifest and builds
// the in-memory registry from the vendor declarations. Vendored
// packages without a recorded checksum are hashed from their tree.
func loadProject(ctx context.Context, path string) (*project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var pf projectFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadProject, err)
	}
	if err := validator.New().Struct(pf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadProject, err)
	}

	base := filepath.Dir(path)
	p := &project{
		targets:  make(unit.Targets),
		reg:      registry.NewMemRegistry(),
		pool:     pack.NewInterner(),
		rootDirs: make(map[*pack.PackageId]string),
		hashes:   make(map[*pack.PackageId]string),
	}

	for _, m := range pf.Workspace.Members {
		root := filepath.Join(base, m.Path)
		version, err := pack.ParseVersion(m.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: member %s: %v", ErrBadProject, m.Name, err)
		}
		id := p.pool.PackageId(m.Name, version, pack.PathSource(root))
		sum, err := buildSummary(id, m.Edition, m.Links, m.Features, m.Dependencies)
		if err != nil {
			return nil, fmt.Errorf("%w: member %s: %v", ErrBadProject, m.Name, err)
		}
		p.roots = append(p.roots, sum)
		p.rootDirs[id] = root
		p.targets[id] = memberTargets(m)
		// Members resolve like any other candidate.
		p.reg.Add(sum)
	}

	for _, d := range pf.Packages {
		root := filepath.Join(base, d.Path)
		version, err := pack.ParseVersion(d.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: package %s: %v", ErrBadProject, d.Name, err)
		}
		id := p.pool.PackageId(d.Name, version, pack.RegistrySource(vendoredIndex))
		checksum := d.Checksum
		if checksum == "" {
			if checksum, err = registry.HashSourceDir(ctx, root); err != nil {
				return nil, fmt.Errorf("hashing vendored %s: %w", d.Name, err)
			}
		}
		sum, err := buildSummary(id, d.Edition, d.Links, d.Features, d.Dependencies)
		if err != nil {
			return nil, fmt.Errorf("%w: package %s: %v", ErrBadProject, d.Name, err)
		}
		sum.Checksum = checksum
		p.rootDirs[id] = root
		p.hashes[id] = checksum
		p.reg.Add(sum)
		p.reg.SetVerifier(id, (&registry.PathVerifier{Root: root, Hash: checksum}).Verify)
	}

	return p, nil
}

func buildSummary(id *pack.PackageId, edition, links string, features map[string][]string, deps []depDecl) (*pack.Summary, error) {
	if edition == "" {
		edition = "2021"
	}
	sum := &pack.Summary{
		ID:       id,
		Edition:  edition,
		Links:    links,
		Features: features,
	}
	for _, d := range deps {
		dep, err := buildDep(d)
		if err != nil {
			return nil, err
		}
		sum.Deps = append(sum.Deps, dep)
	}
	return sum, nil
}

func buildDep(d depDecl) (*pack.Dependency, error) {
	req, err := pack.ParseVersionReq(d.Req)
	if err != nil {
		return nil, fmt.Errorf("dependency %s: %v", d.Name, err)
	}
	kind := pack.KindNormal
	switch d.Kind {
	case "", "normal":
	case "build":
		kind = pack.KindBuild
	case "dev":
		kind = pack.KindDev
	}
	dep := &pack.Dependency{
		Name:            d.Name,
		Req:             req,
		Kind:            kind,
		Optional:        d.Optional,
		DefaultFeatures: d.DefaultFeatures == nil || *d.DefaultFeatures,
		Features:        d.Features,
		Public:          d.Public,
	}
	if d.Platform != "" {
		pred, err := pack.ParsePlatform(d.Platform)
		if err != nil {
			return nil, fmt.Errorf("dependency %s: %v", d.Name, err)
		}
		dep.Platform = pred
	}
	return dep, nil
}

func memberTargets(m memberDecl) []unit.Target {
	var out []unit.Target
	if m.Targets.Lib == nil || *m.Targets.Lib {
		lib := unit.LibTarget(crateName(m.Name))
		lib.ProcMacro = m.Targets.ProcMacro
		out = append(out, lib)
	}
	for _, b := range m.Targets.Bins {
		out = append(out, unit.BinTarget(b))
	}
	for _, e := range m.Targets.Examples {
		out = append(out, unit.ExampleTarget(e))
	}
	for _, t := range m.Targets.Tests {
		out = append(out, unit.TestTarget(t))
	}
	for _, b := range m.Targets.Benches {
		out = append(out, unit.BenchTarget(b))
	}
	if m.Targets.BuildScript {
		out = append(out, unit.CustomBuildTarget())
	}
	return out
}

func crateName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}
