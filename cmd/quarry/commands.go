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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/quarry/services/build/unit"
)

// --- Global Command Variables ---
var (
	manifestPath      string
	jobs              int
	profileName       string
	releaseBuild      bool
	targetTriple      string
	compilerProg      string
	featureList       []string
	allFeatures       bool
	noDefaultFeatures bool
	onlyTargets       []string
	verbose           bool
	guardSources      bool

	rootCmd = &cobra.Command{
		Use:   "quarry",
		Short: "A build orchestrator for multi-package workspaces",
		Long: `Quarry resolves a workspace's dependency graph, plans the unit
				graph for the requested build mode, and runs only the units whose
				fingerprints say they are stale.`,
	}

	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Compile the workspace and its dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, unit.ModeBuild, args)
		},
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Type-check the workspace without producing artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, unit.ModeCheck, args)
		},
	}

	testCmd = &cobra.Command{
		Use:   "test",
		Short: "Compile the workspace with the test harness enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, unit.ModeTest, args)
		},
	}

	benchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Compile the workspace with the bench harness enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, unit.ModeBench, args)
		},
	}

	docCmd = &cobra.Command{
		Use:   "doc",
		Short: "Generate documentation for the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, unit.ModeDoc, args)
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&manifestPath, "manifest", "quarry.yaml", "Path to the workspace manifest")
	pf.IntVarP(&jobs, "jobs", "j", 0, "Worker parallelism (0 uses the configured or CPU count)")
	pf.StringVar(&profileName, "profile", "", "Build profile name (default depends on the command)")
	pf.BoolVar(&releaseBuild, "release", false, "Shorthand for --profile release")
	pf.StringVar(&targetTriple, "target", "", "Compilation target triple (default host)")
	pf.StringVar(&compilerProg, "compiler", "rustc", "Compiler executable to invoke")
	pf.StringSliceVarP(&featureList, "features", "F", nil, "Features to enable on the workspace roots")
	pf.BoolVar(&allFeatures, "all-features", false, "Enable every declared feature")
	pf.BoolVar(&noDefaultFeatures, "no-default-features", false, "Do not enable the default feature")
	pf.StringSliceVar(&onlyTargets, "only-target", nil, "Restrict planning to the named targets")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Emit debug logging")
	pf.BoolVar(&guardSources, "guard-sources", true, "Warn when sources mutate mid-build")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(docCmd)
}
