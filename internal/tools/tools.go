// Package tools resolves and invokes the external verification tool chain:
// test runner, linter, and type checker. Tools are resolved relative to the
// configured interpreter's bin directory, never by PATH lookup, so behavior
// is reproducible across shells.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"
)

// Result captures one tool invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Passed reports whether the tool exited zero.
func (r Result) Passed() bool { return r.ExitCode == 0 }

// Runner abstracts the verification tool chain for testability.
type Runner interface {
	// RunTests runs the test runner over the given files.
	RunTests(ctx context.Context, files []string, cwd string, timeout time.Duration) (Result, error)

	// RunLinter lints one file.
	RunLinter(ctx context.Context, file, cwd string) (Result, error)

	// RunTypeChecker type-checks one file.
	RunTypeChecker(ctx context.Context, file, cwd string) (Result, error)
}

// Toolchain is the production Runner. Tool binaries live next to the
// interpreter (.venv/bin/pytest and friends).
type Toolchain struct {
	binDir      string
	interpreter string
}

// NewToolchain builds a Toolchain from the interpreter path.
func NewToolchain(interpreter string) *Toolchain {
	return &Toolchain{
		binDir:      filepath.Dir(interpreter),
		interpreter: interpreter,
	}
}

// Resolve returns the absolute path of a tool beside the interpreter. This is
// the single shared resolution point; nothing else decides where tools live.
func (t *Toolchain) Resolve(name string) string {
	if name == "python" {
		return t.interpreter
	}
	return filepath.Join(t.binDir, name)
}

// failedTestRe pulls failing test identifiers out of pytest output.
var failedTestRe = regexp.MustCompile(`(?m)^FAILED\s+(\S+)`)

// RunTests invokes pytest over the given files.
func (t *Toolchain) RunTests(ctx context.Context, files []string, cwd string, timeout time.Duration) (Result, error) {
	args := append([]string{"-x", "--no-header", "-q"}, files...)
	return t.invoke(ctx, "pytest", args, cwd, timeout)
}

// RunLinter invokes ruff on one file.
func (t *Toolchain) RunLinter(ctx context.Context, file, cwd string) (Result, error) {
	return t.invoke(ctx, "ruff", []string{"check", file}, cwd, 2*time.Minute)
}

// RunTypeChecker invokes mypy on one file.
func (t *Toolchain) RunTypeChecker(ctx context.Context, file, cwd string) (Result, error) {
	return t.invoke(ctx, "mypy", []string{"--ignore-missing-imports", file}, cwd, 2*time.Minute)
}

// ParseFailures extracts failing test identifiers from test runner output.
func ParseFailures(output string) []string {
	var failures []string
	for _, m := range failedTestRe.FindAllStringSubmatch(output, -1) {
		failures = append(failures, m[1])
	}
	return failures
}

func (t *Toolchain) invoke(ctx context.Context, tool string, args []string, cwd string, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	bin := t.Resolve(tool)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("invoking tool", "tool", tool, "args", args, "cwd", cwd)

	err := cmd.Run()
	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is a normal tool outcome, not an invocation error.
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("invoking %s: %w", tool, err)
	}
	return result, nil
}
