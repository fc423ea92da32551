package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alanmeadows/maestro/internal/pyast"
	"github.com/alanmeadows/maestro/internal/task"
	"github.com/alanmeadows/maestro/internal/tools"
)

// verifyResult aggregates the outcome of one verification pass.
type verifyResult struct {
	TestExit *int
	LintExit *int
	TypeExit *int

	Violations []pyast.Violation
	Passed     bool
	// Output carries failing tool output forward into FIX/RE_VERIFY prompts.
	Output string
}

// redResult is the outcome of RED-stage verification.
type redResult struct {
	// Failing is true when the test run produced at least one failure, which
	// is what RED wants.
	Failing bool
	// PreImplemented is true when the tests pass immediately and the impl
	// file already exists: a prior overlapping task built this behavior.
	PreImplemented bool
	TestExit       *int
	Output         string
}

// verifyRed checks the RED success condition: the test file exists on disk
// and running it yields at least one failing test.
func (p *Pipeline) verifyRed(ctx context.Context, t *task.Task) (redResult, error) {
	testPath := filepath.Join(p.BaseDir, t.TestFile)
	if !fileExists(testPath) {
		return redResult{}, fmt.Errorf("test file %s: %w", t.TestFile, ErrFileMissing)
	}

	res, err := p.runTestsOnce(ctx, []string{t.TestFile})
	if err != nil {
		return redResult{}, err
	}

	exit := res.ExitCode
	out := combinedOutput(res)

	if res.Passed() {
		implExists := fileExists(filepath.Join(p.BaseDir, t.ImplFile))
		return redResult{PreImplemented: implExists, TestExit: &exit, Output: out}, nil
	}
	return redResult{Failing: true, TestExit: &exit, Output: out}, nil
}

// staticReview lints and AST-checks the freshly written test file. Returned
// violations include lint findings normalized into the violation shape.
func (p *Pipeline) staticReview(ctx context.Context, t *task.Task) ([]pyast.Violation, error) {
	if !pyast.IsPythonFile(t.TestFile) {
		return nil, nil
	}

	var violations []pyast.Violation

	lintRes, err := p.runWithRetry(func() (tools.Result, error) {
		return p.Tools.RunLinter(ctx, t.TestFile, p.BaseDir)
	})
	if err != nil {
		return nil, fmt.Errorf("static review lint: %w", err)
	}
	if !lintRes.Passed() {
		violations = append(violations, pyast.Violation{
			Severity: pyast.SeverityError,
			Rule:     "lint",
			File:     t.TestFile,
			Message:  strings.TrimSpace(firstLines(lintRes.Stdout, 5)),
		})
	}

	astViolations, err := pyast.CheckAST(ctx, filepath.Join(p.BaseDir, t.TestFile))
	if err != nil {
		return nil, fmt.Errorf("static review AST: %w", err)
	}
	for _, v := range astViolations {
		if v.Severity == pyast.SeverityError {
			violations = append(violations, v)
		}
	}
	return violations, nil
}

// fullVerify runs the complete tool gate: tests, lint, type check, and AST
// quality checks, in parallel. Non-Python implementation files skip the
// lint/type/AST legs.
func (p *Pipeline) fullVerify(ctx context.Context, t *task.Task) (verifyResult, error) {
	var (
		result verifyResult
		mu     sync.Mutex
	)

	pythonImpl := pyast.IsPythonFile(t.ImplFile)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		res, err := p.runTestsOnce(gctx, []string{t.TestFile})
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		exit := res.ExitCode
		result.TestExit = &exit
		if !res.Passed() {
			result.Output += "## Test failures\n" + combinedOutput(res) + "\n"
		}
		return nil
	})

	if pythonImpl {
		g.Go(func() error {
			res, err := p.runWithRetry(func() (tools.Result, error) {
				return p.Tools.RunLinter(gctx, t.ImplFile, p.BaseDir)
			})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			exit := res.ExitCode
			result.LintExit = &exit
			if !res.Passed() {
				result.Output += "## Lint findings\n" + res.Stdout + "\n"
			}
			return nil
		})

		g.Go(func() error {
			res, err := p.runWithRetry(func() (tools.Result, error) {
				return p.Tools.RunTypeChecker(gctx, t.ImplFile, p.BaseDir)
			})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			exit := res.ExitCode
			result.TypeExit = &exit
			if !res.Passed() {
				result.Output += "## Type errors\n" + res.Stdout + "\n"
			}
			return nil
		})

		g.Go(func() error {
			var violations []pyast.Violation
			for _, file := range []string{t.ImplFile, t.TestFile} {
				if !pyast.IsPythonFile(file) {
					continue
				}
				vs, err := pyast.CheckAST(gctx, filepath.Join(p.BaseDir, file))
				if err != nil {
					return err
				}
				violations = append(violations, vs...)
			}
			mu.Lock()
			defer mu.Unlock()
			result.Violations = violations
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}

	result.Passed = p.verdict(&result)
	return result, nil
}

// verdict decides pass/fail from the collected results. Warning-severity AST
// findings (the mock-only detector runs in shadow mode) never fail the gate.
func (p *Pipeline) verdict(res *verifyResult) bool {
	if res.TestExit == nil || *res.TestExit != 0 {
		return false
	}
	if res.LintExit != nil && *res.LintExit != 0 {
		return false
	}
	if res.TypeExit != nil && *res.TypeExit != 0 {
		return false
	}
	for _, v := range res.Violations {
		if v.Severity == pyast.SeverityError {
			res.Output += fmt.Sprintf("## AST violation\n%s: %s (%s)\n", v.File, v.Message, v.Rule)
			return false
		}
	}
	return true
}

// runTestsOnce invokes the test runner with the transient-failure retry.
func (p *Pipeline) runTestsOnce(ctx context.Context, files []string) (tools.Result, error) {
	return p.runWithRetry(func() (tools.Result, error) {
		return p.Tools.RunTests(ctx, files, p.BaseDir, p.Config.Pool.ParseVerifyTimeout())
	})
}

// runWithRetry retries one flaky tool invocation a single time. Non-zero tool
// exits are outcomes, not invocation failures, and are never retried. A
// missing tool binary is fatal to the task, not transient.
func (p *Pipeline) runWithRetry(invoke func() (tools.Result, error)) (tools.Result, error) {
	res, err := invoke()
	if err == nil {
		return res, nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return res, fmt.Errorf("%w: %v", ErrVerifierToolMissing, err)
	}
	return invoke()
}

func combinedOutput(res tools.Result) string {
	out := res.Stdout
	if res.Stderr != "" {
		out += "\n" + res.Stderr
	}
	return strings.TrimSpace(out)
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

func formatViolations(violations []pyast.Violation) string {
	var buf strings.Builder
	for _, v := range violations {
		fmt.Fprintf(&buf, "- [%s] %s:%d %s (%s)\n", v.Severity, v.File, v.Line, v.Message, v.Rule)
	}
	return buf.String()
}
