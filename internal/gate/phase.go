package gate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/alanmeadows/maestro/internal/pyast"
	"github.com/alanmeadows/maestro/internal/task"
	"github.com/alanmeadows/maestro/internal/tools"
)

// Gate runs the cross-task checks between phases.
type Gate struct {
	Tools         tools.Runner
	BaseDir       string
	VerifyTimeout time.Duration
}

// PhaseReport is the verdict of one phase gate.
type PhaseReport struct {
	Phase int `json:"phase"`
	// Passed is false when the batch regression or a blocking detector
	// failed; the pool must not advance to the next phase.
	Passed bool `json:"passed"`
	// Offenders lists the specific test files that failed when the batch was
	// re-run file by file.
	Offenders  []string          `json:"offenders,omitempty"`
	Violations []pyast.Violation `json:"violations,omitempty"`
}

// CheckPhase batch-runs the phase's tests, the prior phases' tests as a
// regression, and the stub/mock-only detectors. Batch failures are re-run
// individually to name the offending files — individually green tests that
// fail together are exactly the cross-test interference this gate exists to
// catch.
func (g *Gate) CheckPhase(ctx context.Context, phase int, phaseTasks []task.Task, priorTestFiles []string) (PhaseReport, error) {
	report := PhaseReport{Phase: phase}

	testFiles := collectTestFiles(phaseTasks)
	if len(testFiles) == 0 {
		report.Passed = true
		return report, nil
	}

	offenders, err := g.batchThenIndividual(ctx, testFiles)
	if err != nil {
		return report, err
	}
	report.Offenders = append(report.Offenders, offenders...)

	if len(priorTestFiles) > 0 {
		regressions, err := g.batchThenIndividual(ctx, priorTestFiles)
		if err != nil {
			return report, err
		}
		report.Offenders = append(report.Offenders, regressions...)
	}

	// Detector sweep over the phase's files: stub findings block, mock-only
	// findings are shadow-mode warnings.
	blocking := false
	for _, file := range collectPythonFiles(phaseTasks) {
		violations, err := pyast.CheckAST(ctx, filepath.Join(g.BaseDir, file))
		if err != nil {
			slog.Warn("phase gate AST check failed", "file", file, "error", err)
			continue
		}
		for _, v := range violations {
			report.Violations = append(report.Violations, v)
			if v.Severity == pyast.SeverityError {
				blocking = true
			}
		}
	}

	report.Passed = len(report.Offenders) == 0 && !blocking
	return report, nil
}

// batchThenIndividual runs the files together; on failure each file is re-run
// alone and the failing ones are returned.
func (g *Gate) batchThenIndividual(ctx context.Context, files []string) ([]string, error) {
	batch, err := g.Tools.RunTests(ctx, files, g.BaseDir, g.VerifyTimeout)
	if err != nil {
		return nil, fmt.Errorf("batch test run: %w", err)
	}
	if batch.Passed() {
		return nil, nil
	}

	slog.Warn("batch test run failed, isolating offenders", "files", len(files))

	var offenders []string
	for _, file := range files {
		res, err := g.Tools.RunTests(ctx, []string{file}, g.BaseDir, g.VerifyTimeout)
		if err != nil {
			return nil, fmt.Errorf("individual test run for %s: %w", file, err)
		}
		if !res.Passed() {
			offenders = append(offenders, file)
		}
	}
	if len(offenders) == 0 {
		// Every file passes alone but the batch fails: cross-test
		// interference with no single owner. Report the whole batch.
		offenders = append(offenders, files...)
	}
	return offenders, nil
}

func collectTestFiles(tasks []task.Task) []string {
	seen := make(map[string]bool)
	var files []string
	for _, t := range tasks {
		if t.TestFile != "" && !seen[t.TestFile] {
			seen[t.TestFile] = true
			files = append(files, t.TestFile)
		}
	}
	return files
}

func collectImplFiles(tasks []task.Task) []string {
	seen := make(map[string]bool)
	var files []string
	for _, t := range tasks {
		if t.ImplFile != "" && !seen[t.ImplFile] {
			seen[t.ImplFile] = true
			files = append(files, t.ImplFile)
		}
	}
	return files
}

func collectPythonFiles(tasks []task.Task) []string {
	var files []string
	for _, f := range append(collectImplFiles(tasks), collectTestFiles(tasks)...) {
		if pyast.IsPythonFile(f) {
			files = append(files, f)
		}
	}
	return files
}
