// Package pipeline drives one task through the TDD state machine:
// RED → static review → GREEN (retry and escalate) → VERIFY → REFACTOR gate
// → commit, with FIX/RE_VERIFY recovery paths. Stages execute strictly
// sequentially within a task.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/alanmeadows/maestro/internal/breaker"
	"github.com/alanmeadows/maestro/internal/config"
	"github.com/alanmeadows/maestro/internal/llm"
	"github.com/alanmeadows/maestro/internal/metrics"
	"github.com/alanmeadows/maestro/internal/prompt"
	"github.com/alanmeadows/maestro/internal/pyast"
	"github.com/alanmeadows/maestro/internal/store"
	"github.com/alanmeadows/maestro/internal/task"
	"github.com/alanmeadows/maestro/internal/tools"
)

// Pipeline executes the TDD state machine for tasks claimed by one worker.
type Pipeline struct {
	Store     *store.Store
	Transport llm.Transport
	Tools     tools.Runner
	Toolchain *tools.Toolchain
	Breakers  *breaker.Manager
	Metrics   *metrics.Collector
	Config    *config.Config
	BaseDir   string
	WorkerID  int64
	RunID     int64
}

// Execute runs the state machine for a claimed task and returns the outcome
// status the task should be released with. The caller owns the release.
func (p *Pipeline) Execute(ctx context.Context, t *task.Task) (task.Status, error) {
	outcome, err := p.execute(ctx, t)

	workerKey := "worker:" + strconv.FormatInt(p.WorkerID, 10)
	if outcome == task.StatusComplete {
		p.report(task.BreakerWorker, workerKey, true, "")
		p.report(task.BreakerSystem, breaker.SystemIdentifier, true, "")
	} else {
		reason := "task " + t.Key + " " + string(outcome)
		if err != nil {
			reason = err.Error()
		}
		p.report(task.BreakerWorker, workerKey, false, reason)
		p.report(task.BreakerSystem, breaker.SystemIdentifier, false, reason)
	}
	return outcome, err
}

func (p *Pipeline) execute(ctx context.Context, t *task.Task) (task.Status, error) {
	if t.TaskType == task.TypeVerifyOnly {
		return p.verifyPhase(ctx, t)
	}

	outcome, preImplemented, err := p.redPhase(ctx, t)
	if err != nil || outcome != "" {
		return outcome, err
	}

	if !preImplemented {
		if outcome, err := p.greenLoop(ctx, t); err != nil || outcome != "" {
			return outcome, err
		}
	}

	return p.verifyPhase(ctx, t)
}

// --- RED ---

// redPhase authors the failing test and gates it through static review. An
// empty returned status means the machine proceeds; a non-empty status is the
// final outcome.
func (p *Pipeline) redPhase(ctx context.Context, t *task.Task) (task.Status, bool, error) {
	if outcome := p.stageAllowed(task.StageRed, t); outcome != "" {
		return outcome, false, nil
	}

	started := time.Now().UTC()
	pctx := p.promptContext(ctx, t)

	_, err := p.runLM(ctx, task.StageRed, t, prompt.Build(task.StageRed, t, pctx), p.modelFor(t, 0))
	if err != nil {
		p.recordAttempt(t, task.StageRed, started, false, err.Error(), nil)
		p.report(task.BreakerStage, string(task.StageRed), false, err.Error())
		return task.StatusBlocked, false, err
	}

	if !fileExists(filepath.Join(p.BaseDir, t.TestFile)) {
		if found, ok := p.discoverTestFile(t); ok {
			slog.Info("discovered test file at alternate path", "task", t.Key, "path", found)
			if err := p.Store.UpdateTaskTestFile(t.ID, found); err != nil {
				slog.Warn("failed to persist discovered test file", "task", t.Key, "error", err)
			}
			t.TestFile = found
		} else {
			err := fmt.Errorf("test file %s: %w", t.TestFile, ErrFileMissing)
			p.recordAttempt(t, task.StageRed, started, false, err.Error(), nil)
			p.report(task.BreakerStage, string(task.StageRed), false, err.Error())
			return task.StatusBlocked, false, err
		}
	}

	rr, err := p.verifyRed(ctx, t)
	if err != nil {
		p.recordAttempt(t, task.StageRed, started, false, err.Error(), nil)
		p.report(task.BreakerStage, string(task.StageRed), false, err.Error())
		return task.StatusBlocked, false, err
	}

	if rr.PreImplemented {
		// A prior overlapping task already built this behavior; skip GREEN
		// and go straight to full verification.
		p.recordAttempt(t, task.StageRed, started, true, "pre-implemented", &verifyResult{TestExit: rr.TestExit})
		p.report(task.BreakerStage, string(task.StageRed), true, "")
		slog.Info("task pre-implemented, short-circuiting to verify", "task", t.Key)
		return "", true, nil
	}

	if !rr.Failing {
		err := fmt.Errorf("RED tests passed with no implementation at %s", t.ImplFile)
		p.recordAttempt(t, task.StageRed, started, false, err.Error(), &verifyResult{TestExit: rr.TestExit})
		p.report(task.BreakerStage, string(task.StageRed), false, err.Error())
		return task.StatusBlocked, false, err
	}

	p.recordAttempt(t, task.StageRed, started, true, "", &verifyResult{TestExit: rr.TestExit})
	p.report(task.BreakerStage, string(task.StageRed), true, "")

	return p.staticReviewGate(ctx, t)
}

// staticReviewGate lints and AST-checks the new test between RED and GREEN.
// One RED_FIX round is attempted before the task is parked.
func (p *Pipeline) staticReviewGate(ctx context.Context, t *task.Task) (task.Status, bool, error) {
	reviewStart := time.Now().UTC()
	violations, err := p.staticReview(ctx, t)
	if err != nil {
		return task.StatusBlocked, false, err
	}
	if len(violations) == 0 {
		p.recordAttempt(t, task.StageReview, reviewStart, true, "", nil)
		return "", false, nil
	}
	p.recordAttempt(t, task.StageReview, reviewStart, false, formatViolations(violations), nil)

	allowed, err := p.Breakers.Allow(task.BreakerStage, "static-review")
	if err != nil {
		return task.StatusBlocked, false, err
	}
	if !allowed {
		slog.Warn("static-review breaker open, parking task", "task", t.Key)
		return task.StatusBlockedStaticReview, false, fmt.Errorf("static review for %s: %w", t.Key, ErrStaticReviewBlocked)
	}
	p.report(task.BreakerStage, "static-review", false, "test violations for "+t.Key)

	// RED_FIX: one rewrite attempt with the findings echoed back.
	fixStart := time.Now().UTC()
	pctx := p.promptContext(ctx, t)
	pctx.ReviewFindings = formatViolations(violations)

	if _, err := p.runLM(ctx, task.StageRedFix, t, prompt.Build(task.StageRedFix, t, pctx), p.modelFor(t, 0)); err != nil {
		p.recordAttempt(t, task.StageRedFix, fixStart, false, err.Error(), nil)
		return task.StatusBlocked, false, err
	}

	rr, err := p.verifyRed(ctx, t)
	if err != nil || !rr.Failing && !rr.PreImplemented {
		msg := "RED_FIX did not produce a failing test"
		if err != nil {
			msg = err.Error()
		}
		p.recordAttempt(t, task.StageRedFix, fixStart, false, msg, nil)
		return task.StatusBlocked, false, fmt.Errorf("red_fix for %s: %s", t.Key, msg)
	}
	p.recordAttempt(t, task.StageRedFix, fixStart, true, "", &verifyResult{TestExit: rr.TestExit})

	recheck := time.Now().UTC()
	violations, err = p.staticReview(ctx, t)
	if err != nil {
		return task.StatusBlocked, false, err
	}
	if len(violations) > 0 {
		p.recordAttempt(t, task.StageReview, recheck, false, formatViolations(violations), nil)
		return task.StatusBlockedStaticReview, false, fmt.Errorf("static review for %s: %w", t.Key, ErrStaticReviewBlocked)
	}
	p.recordAttempt(t, task.StageReview, recheck, true, "", nil)
	return "", rr.PreImplemented, nil
}

// --- GREEN ---

// greenLoop makes the failing test pass, escalating the model class on each
// retry. An empty returned status means GREEN succeeded.
func (p *Pipeline) greenLoop(ctx context.Context, t *task.Task) (task.Status, error) {
	maxAttempts := p.Config.Pool.MaxGreenAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	previousFailure := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if outcome := p.stageAllowed(task.StageGreen, t); outcome != "" {
			return outcome, fmt.Errorf("green stage for %s: %w", t.Key, ErrCircuitOpen)
		}

		started := time.Now().UTC()
		pctx := p.promptContext(ctx, t)
		pctx.PreviousFailure = previousFailure

		model := p.modelFor(t, attempt-1)
		slog.Info("running GREEN", "task", t.Key, "attempt", attempt, "model", model.String())

		if _, err := p.runLM(ctx, task.StageGreen, t, prompt.Build(task.StageGreen, t, pctx), model); err != nil {
			p.recordAttempt(t, task.StageGreen, started, false, err.Error(), nil)
			p.report(task.BreakerStage, string(task.StageGreen), false, err.Error())
			if errors.Is(err, ErrStageTimeout) || errors.Is(err, ErrLMTransport) {
				previousFailure = err.Error()
				continue
			}
			return task.StatusBlocked, err
		}

		res, err := p.runTestsOnce(ctx, []string{t.TestFile})
		if err != nil {
			p.recordAttempt(t, task.StageGreen, started, false, err.Error(), nil)
			p.report(task.BreakerStage, string(task.StageGreen), false, err.Error())
			return task.StatusBlocked, err
		}

		exit := res.ExitCode
		if res.Passed() {
			p.recordAttempt(t, task.StageGreen, started, true, "", &verifyResult{TestExit: &exit})
			p.report(task.BreakerStage, string(task.StageGreen), true, "")
			return "", nil
		}

		previousFailure = combinedOutput(res)
		p.recordAttempt(t, task.StageGreen, started, false, firstLines(previousFailure, 10), &verifyResult{TestExit: &exit})
		p.report(task.BreakerStage, string(task.StageGreen), false, "tests failing for "+t.Key)
	}

	return task.StatusBlocked, fmt.Errorf("green for %s after %d attempts: %w", t.Key, maxAttempts, ErrGreenRetriesExhausted)
}

// --- VERIFY / REFACTOR / COMMIT ---

// verifyPhase runs the full tool gate with one FIX round, then the refactor
// gate, and finishes with commit recording and post-verify checks.
func (p *Pipeline) verifyPhase(ctx context.Context, t *task.Task) (task.Status, error) {
	if outcome := p.stageAllowed(task.StageVerify, t); outcome != "" {
		return outcome, fmt.Errorf("verify stage for %s: %w", t.Key, ErrCircuitOpen)
	}

	started := time.Now().UTC()
	vr, err := p.fullVerify(ctx, t)
	if err != nil {
		p.recordAttempt(t, task.StageVerify, started, false, err.Error(), nil)
		p.report(task.BreakerStage, string(task.StageVerify), false, err.Error())
		return task.StatusBlocked, err
	}
	p.recordAttempt(t, task.StageVerify, started, vr.Passed, firstLines(vr.Output, 10), &vr)

	if !vr.Passed {
		p.report(task.BreakerStage, string(task.StageVerify), false, "verification failed for "+t.Key)
		ok, err := p.fixAndReverify(ctx, t, vr.Output)
		if err != nil {
			return task.StatusBlocked, err
		}
		if !ok {
			return task.StatusBlocked, fmt.Errorf("task %s failed re-verification after fix", t.Key)
		}
	} else {
		p.report(task.BreakerStage, string(task.StageVerify), true, "")
	}

	return p.refactorGate(ctx, t)
}

// fixAndReverify runs one FIX stage followed by RE_VERIFY.
func (p *Pipeline) fixAndReverify(ctx context.Context, t *task.Task, failure string) (bool, error) {
	fixStart := time.Now().UTC()
	pctx := p.promptContext(ctx, t)
	pctx.PreviousFailure = failure

	_, err := p.runLM(ctx, task.StageFix, t, prompt.Build(task.StageFix, t, pctx), p.modelFor(t, 1))
	// FIX is trivially successful when the LM call returns; the following
	// RE_VERIFY is the real check.
	p.recordAttempt(t, task.StageFix, fixStart, err == nil, errMsg(err), nil)
	if err != nil {
		return false, err
	}

	reverifyStart := time.Now().UTC()
	vr, verr := p.fullVerify(ctx, t)
	if verr != nil {
		p.recordAttempt(t, task.StageReVerify, reverifyStart, false, verr.Error(), nil)
		return false, verr
	}
	p.recordAttempt(t, task.StageReVerify, reverifyStart, vr.Passed, firstLines(vr.Output, 10), &vr)
	p.report(task.BreakerStage, string(task.StageVerify), vr.Passed, firstLines(vr.Output, 3))
	return vr.Passed, nil
}

// refactorGate runs the structural check and, when needed, a best-effort
// REFACTOR stage on the high-class model.
func (p *Pipeline) refactorGate(ctx context.Context, t *task.Task) (task.Status, error) {
	if !pyast.IsPythonFile(t.ImplFile) {
		return p.finish(ctx, t)
	}

	reasons, err := pyast.CheckNeedsRefactor(ctx, filepath.Join(p.BaseDir, t.ImplFile))
	if err != nil {
		slog.Warn("refactor check failed, skipping refactor", "task", t.Key, "error", err)
		return p.finish(ctx, t)
	}
	if len(reasons) == 0 {
		return p.finish(ctx, t)
	}

	if outcome := p.stageAllowed(task.StageRefactor, t); outcome != "" {
		// Refactoring is best-effort; a tripped breaker skips it.
		return p.finish(ctx, t)
	}

	slog.Info("refactoring", "task", t.Key, "reasons", len(reasons))

	started := time.Now().UTC()
	pctx := p.promptContext(ctx, t)
	pctx.RefactorReasons = "- " + joinLines(reasons)

	_, err = p.runLM(ctx, task.StageRefactor, t, prompt.Build(task.StageRefactor, t, pctx),
		llm.ModelFor(p.Config.Models, task.ComplexityHigh, 0))
	p.recordAttempt(t, task.StageRefactor, started, err == nil, errMsg(err), nil)
	if err != nil {
		p.report(task.BreakerStage, string(task.StageRefactor), false, err.Error())
		// The workspace may be half-edited; fall through to RE_VERIFY below.
	} else {
		p.report(task.BreakerStage, string(task.StageRefactor), true, "")
	}

	reverifyStart := time.Now().UTC()
	vr, verr := p.fullVerify(ctx, t)
	if verr != nil {
		p.recordAttempt(t, task.StageReVerify, reverifyStart, false, verr.Error(), nil)
		return task.StatusBlocked, verr
	}
	p.recordAttempt(t, task.StageReVerify, reverifyStart, vr.Passed, firstLines(vr.Output, 10), &vr)

	if vr.Passed {
		return p.finish(ctx, t)
	}

	ok, err := p.fixAndReverify(ctx, t, vr.Output)
	if err != nil {
		return task.StatusBlocked, err
	}
	if !ok {
		return task.StatusBlocked, fmt.Errorf("task %s: %w", t.Key, ErrPostRefactorFixFailed)
	}
	return p.finish(ctx, t)
}

// finish records the commit stage and runs the non-blocking post-verify
// checks on the successful terminal path.
func (p *Pipeline) finish(ctx context.Context, t *task.Task) (task.Status, error) {
	started := time.Now().UTC()
	err := p.commitWorkspace(t)
	p.recordAttempt(t, task.StageCommit, started, err == nil, errMsg(err), nil)
	if err != nil {
		slog.Warn("commit failed", "task", t.Key, "error", err)
	}

	p.postVerifyChecks(ctx, t)
	return task.StatusComplete, nil
}

// --- shared helpers ---

// stageAllowed consults the stage breaker. A non-empty status is the outcome
// the task should be released with.
func (p *Pipeline) stageAllowed(stage task.Stage, t *task.Task) task.Status {
	allowed, err := p.Breakers.Allow(task.BreakerStage, string(stage))
	if err != nil {
		slog.Error("breaker check failed", "stage", stage, "error", err)
		return task.StatusBlocked
	}
	if !allowed {
		slog.Warn("stage breaker open", "stage", stage, "task", t.Key)
		return task.StatusBlocked
	}
	return ""
}

func (p *Pipeline) report(level task.BreakerLevel, identifier string, success bool, reason string) {
	var err error
	if success {
		err = p.Breakers.ReportSuccess(level, identifier)
	} else {
		err = p.Breakers.ReportFailure(level, identifier, reason)
	}
	if err != nil {
		slog.Error("breaker report failed", "level", level, "identifier", identifier, "error", err)
	}
}

func (p *Pipeline) modelFor(t *task.Task, escalation int) llm.ModelRef {
	return llm.ModelFor(p.Config.Models, t.Complexity, escalation)
}

// promptContext gathers sibling summaries for tasks sharing the impl file.
func (p *Pipeline) promptContext(ctx context.Context, t *task.Task) prompt.Context {
	var pctx prompt.Context

	siblings, err := p.Store.CompletedSiblings(t.ImplFile, t.Key)
	if err != nil {
		slog.Warn("failed to load siblings", "task", t.Key, "error", err)
		return pctx
	}

	seen := make(map[string]bool)
	for _, sib := range siblings {
		for _, file := range []string{sib.TestFile, sib.ImplFile} {
			if file == "" || seen[file] || !pyast.IsPythonFile(file) {
				continue
			}
			seen[file] = true
			full := filepath.Join(p.BaseDir, file)
			if !fileExists(full) {
				continue
			}
			summary, err := pyast.Summarize(ctx, full)
			if err != nil {
				slog.Debug("failed to summarize sibling", "file", file, "error", err)
				continue
			}
			summary.Path = file
			pctx.Siblings = append(pctx.Siblings, *summary)
		}
	}
	return pctx
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n- "
		}
		out += l
	}
	return out
}
