// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package exec runs compiler and build-script processes. The Executor
// capability is the seam tests and auxiliary commands use to intercept
// invocations without touching the scheduler.
package exec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	osexec "os/exec"
	"sync"

	"github.com/AleutianAI/quarry/services/build/unit"
)

// Command is a fully constructed process invocation. Args excludes the
// program itself; Env is the complete child environment.
type Command struct {
	Program string
	Args    []string
	Env     []string
	Dir     string
}

// ExitError reports a process that ran and failed.
type ExitError struct {
	Unit *unit.Unit
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process for %s exited with code %d", e.Unit, e.Code)
}

// Executor runs one command for one unit, streaming its output line by
// line. Implementations may spawn, record, or mock the process.
type Executor interface {
	Exec(ctx context.Context, cmd Command, u *unit.Unit, onStdout, onStderr func(line string)) error
}

// ProcessExecutor is the default Executor: it spawns the real process.
type ProcessExecutor struct {
	Log *slog.Logger
}

// Exec runs the command, forwarding each output line to the callbacks.
// The process group is torn down when ctx is canceled.
func (p *ProcessExecutor) Exec(ctx context.Context, cmd Command, u *unit.Unit, onStdout, onStderr func(line string)) error {
	c := osexec.CommandContext(ctx, cmd.Program, cmd.Args...)
	c.Env = cmd.Env
	c.Dir = cmd.Dir

	stdout, err := c.StdoutPipe()
	if err != nil {
		return fmt.Errorf("piping stdout for %s: %w", u, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return fmt.Errorf("piping stderr for %s: %w", u, err)
	}

	if p.Log != nil {
		p.Log.Debug("spawning process",
			"package", u.Pkg.String(),
			"program", cmd.Program,
			"args", len(cmd.Args))
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("spawning %s for %s: %w", cmd.Program, u, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go drain(&wg, stdout, onStdout)
	go drain(&wg, stderr, onStderr)
	wg.Wait()

	if err := c.Wait(); err != nil {
		if ee, ok := err.(*osexec.ExitError); ok {
			return &ExitError{Unit: u, Code: ee.ExitCode()}
		}
		return fmt.Errorf("waiting on %s for %s: %w", cmd.Program, u, err)
	}
	return nil
}

func drain(wg *sync.WaitGroup, r io.Reader, fn func(string)) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if fn != nil {
			fn(sc.Text())
		}
	}
}
