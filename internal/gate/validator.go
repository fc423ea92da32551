package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanmeadows/maestro/internal/pyast"
	"github.com/alanmeadows/maestro/internal/store"
	"github.com/alanmeadows/maestro/internal/task"
	"github.com/alanmeadows/maestro/internal/tools"
)

// Validation statuses written to execution_runs.validation_status.
const (
	ValidationPassed = "passed"
	ValidationFailed = "failed"
)

// DoneCounts aggregates done-criteria verdicts across tasks.
type DoneCounts struct {
	Satisfied    int `json:"satisfied"`
	Unsatisfied  int `json:"unsatisfied"`
	Unverifiable int `json:"unverifiable"`
}

// ACCounts aggregates acceptance-criteria verdicts across tasks.
type ACCounts struct {
	Satisfied  int        `json:"satisfied"`
	Verifiable int        `json:"verifiable"`
	Total      int        `json:"total"`
	PerTask    []ACReport `json:"per_task"`
}

// ValidationDetails is the JSON structure persisted to the run record.
type ValidationDetails struct {
	Status               string     `json:"status"`
	Regressions          []string   `json:"regressions"`
	Done                 DoneCounts `json:"done"`
	AC                   ACCounts   `json:"ac"`
	UnimportableExports  []string   `json:"unimportable_exports"`
	ValidationWallClockS float64    `json:"validation_wall_clock_s"`
}

// RunValidator performs end-of-run validation after the final phase gate.
type RunValidator struct {
	Store         *store.Store
	Tools         tools.Runner
	Toolchain     *tools.Toolchain
	BaseDir       string
	VerifyTimeout time.Duration
}

// Validate runs the full end-of-run validation, persists the outcome on the
// run record, and flips the run status from completed to passed or failed.
func (v *RunValidator) Validate(ctx context.Context, runID int64) (*ValidationDetails, error) {
	start := time.Now()
	details := &ValidationDetails{
		Regressions:         []string{},
		UnimportableExports: []string{},
	}

	allTasks, err := v.Store.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("listing tasks for validation: %w", err)
	}

	// 1. Full regression over every test file.
	g := &Gate{Tools: v.Tools, BaseDir: v.BaseDir, VerifyTimeout: v.VerifyTimeout}
	testFiles := collectTestFiles(allTasks)
	if len(testFiles) > 0 {
		offenders, err := g.batchThenIndividual(ctx, testFiles)
		if err != nil {
			return nil, fmt.Errorf("full regression: %w", err)
		}
		details.Regressions = append(details.Regressions, offenders...)
	}

	// 2. Full lint + type check over every implementation file.
	lintTypeFailed := v.lintAndTypeSweep(ctx, allTasks, details)

	// 3.–5. Import existence, done criteria, acceptance criteria. All
	// diagnostic; none of these block.
	for _, t := range allTasks {
		v.checkExports(ctx, &t, details)

		if t.DoneCriteria != "" {
			for _, r := range EvaluateDoneCriteria(ctx, v.Toolchain, v.BaseDir, &t) {
				switch r.Status {
				case StatusSatisfied:
					details.Done.Satisfied++
				case StatusUnsatisfied:
					details.Done.Unsatisfied++
				default:
					details.Done.Unverifiable++
				}
			}
		}

		if len(t.AcceptanceCriteria) > 0 {
			report := ValidateAcceptanceCriteria(ctx, v.BaseDir, &t)
			details.AC.Satisfied += report.Satisfied
			details.AC.Verifiable += report.Verifiable
			details.AC.Total += report.Total
			details.AC.PerTask = append(details.AC.PerTask, report)
		}
	}

	details.ValidationWallClockS = time.Since(start).Seconds()

	if len(details.Regressions) == 0 && !lintTypeFailed {
		details.Status = ValidationPassed
	} else {
		details.Status = ValidationFailed
	}

	// 6. Persist outcome and flip the run status.
	encoded, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encoding validation details: %w", err)
	}
	if err := v.Store.SetRunValidation(runID, details.Status, string(encoded)); err != nil {
		return nil, err
	}

	runStatus := task.RunPassed
	if details.Status == ValidationFailed {
		runStatus = task.RunFailed
	}
	if err := v.Store.SetRunStatus(runID, runStatus); err != nil {
		return nil, err
	}

	slog.Info("end-of-run validation complete", "run", runID, "status", details.Status,
		"regressions", len(details.Regressions), "wall_clock_s", details.ValidationWallClockS)
	return details, nil
}

// lintAndTypeSweep lints and type-checks every Python impl file. Returns true
// when any file fails either tool.
func (v *RunValidator) lintAndTypeSweep(ctx context.Context, allTasks []task.Task, details *ValidationDetails) bool {
	failed := false
	for _, file := range collectImplFiles(allTasks) {
		if !pyast.IsPythonFile(file) {
			continue
		}
		lintRes, err := v.Tools.RunLinter(ctx, file, v.BaseDir)
		if err != nil {
			slog.Warn("lint sweep failed to run", "file", file, "error", err)
			continue
		}
		if !lintRes.Passed() {
			failed = true
			details.Regressions = append(details.Regressions, "lint:"+file)
		}

		typeRes, err := v.Tools.RunTypeChecker(ctx, file, v.BaseDir)
		if err != nil {
			slog.Warn("type sweep failed to run", "file", file, "error", err)
			continue
		}
		if !typeRes.Passed() {
			failed = true
			details.Regressions = append(details.Regressions, "type:"+file)
		}
	}
	return failed
}

// checkExports tries importing each declared module export. Logged only.
func (v *RunValidator) checkExports(ctx context.Context, t *task.Task, details *ValidationDetails) {
	if t.ImplFile == "" || len(t.ModuleExports) == 0 {
		return
	}
	for _, symbol := range t.ModuleExports {
		if !importCheck(ctx, v.Toolchain, v.BaseDir, t.ImplFile, symbol) {
			details.UnimportableExports = append(details.UnimportableExports, t.Key+":"+symbol)
			slog.Warn("module export not importable", "task", t.Key, "symbol", symbol)
		}
	}
}
