package gitsync

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Result captures one git invocation.
type Result struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	// Err is set when the command could not run or was cut short, as opposed
	// to exiting non-zero.
	Err error
	// Skipped marks a mutation that dry-run mode only logged.
	Skipped bool
}

// OK reports whether the command ran and exited 0.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Command renders the invocation for logs.
func (r Result) Command() string {
	return "git " + strings.Join(r.Args, " ")
}

// Runner executes git in a directory.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) Result
}

// ExecRunner shells out to the git binary.
type ExecRunner struct {
	// Binary defaults to "git".
	Binary string
}

// Run executes the command and captures both output streams.
func (r ExecRunner) Run(ctx context.Context, dir string, args ...string) Result {
	binary := r.Binary
	if binary == "" {
		binary = "git"
	}
	res := Result{Args: append([]string(nil), args...)}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err == nil {
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res
	}
	res.ExitCode = -1
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	res.Err = err
	return res
}
