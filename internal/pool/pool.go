// Package pool runs the parallel worker pool: N workers claim tasks through
// the store's optimistic protocol, drive them through the TDD pipeline, and
// heartbeat their claims. Phases are separated by the phase gate; the run
// ends with end-of-run validation.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanmeadows/maestro/internal/breaker"
	"github.com/alanmeadows/maestro/internal/config"
	"github.com/alanmeadows/maestro/internal/gate"
	"github.com/alanmeadows/maestro/internal/llm"
	"github.com/alanmeadows/maestro/internal/metrics"
	"github.com/alanmeadows/maestro/internal/store"
	"github.com/alanmeadows/maestro/internal/task"
	"github.com/alanmeadows/maestro/internal/tools"
)

// claimPollInterval is how long an idle worker waits before re-querying for
// claimable tasks.
const claimPollInterval = time.Second

// Errors surfaced by the pool driver.
var (
	ErrSystemCircuitOpen = errors.New("system circuit open")
	ErrBudgetExhausted   = errors.New("invocation budget exhausted")
)

// Orchestrator owns the pool's collaborators. It is assembled once at startup
// and threads every dependency explicitly.
type Orchestrator struct {
	Store     *store.Store
	Transport llm.Transport
	Tools     tools.Runner
	Toolchain *tools.Toolchain
	Breakers  *breaker.Manager
	Metrics   *metrics.Collector
	Config    *config.Config
	// BaseDir is the workspace root for all workers. Callers provide it;
	// the pool never assumes it matches the orchestrator's own CWD.
	BaseDir string
}

// Result summarizes one pool run.
type Result struct {
	RunID           int64
	Completed       int
	Blocked         int
	GateFailed      bool
	SystemOpen      bool
	BudgetExhausted bool
	Validation      *gate.ValidationDetails
}

// Run executes all phases to completion (or until a fatal-to-pool condition)
// and then performs end-of-run validation.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	run, err := o.Store.StartRun(o.Config.Pool.MaxWorkers)
	if err != nil {
		return nil, err
	}
	result := &Result{RunID: run.ID}
	defer o.tally(result)

	o.reapStaleWorkers()

	phases, err := o.Store.Phases()
	if err != nil {
		return result, err
	}

	var priorTestFiles []string
	phaseGate := &gate.Gate{
		Tools:         o.Tools,
		BaseDir:       o.BaseDir,
		VerifyTimeout: o.Config.Pool.ParseVerifyTimeout(),
	}

	for _, phase := range phases {
		slog.Info("starting phase", "phase", phase, "run", run.ID)

		fatal := o.runPhase(ctx, run.ID, phase, result)
		if fatal != nil {
			_ = o.Store.FinishRun(run.ID, task.RunFailed)
			return result, fatal
		}

		phaseTasks, err := o.Store.ListTasksByPhase(phase)
		if err != nil {
			_ = o.Store.FinishRun(run.ID, task.RunFailed)
			return result, err
		}

		report, err := phaseGate.CheckPhase(ctx, phase, phaseTasks, priorTestFiles)
		if err != nil {
			_ = o.Store.FinishRun(run.ID, task.RunFailed)
			return result, fmt.Errorf("phase %d gate: %w", phase, err)
		}
		if !report.Passed {
			slog.Error("phase gate failed, stopping",
				"phase", phase, "offenders", strings.Join(report.Offenders, ", "))
			result.GateFailed = true
			_ = o.Store.FinishRun(run.ID, task.RunFailed)
			return result, nil
		}
		slog.Info("phase gate passed", "phase", phase)

		for _, t := range phaseTasks {
			if t.TestFile != "" {
				priorTestFiles = append(priorTestFiles, t.TestFile)
			}
		}
	}

	// The pool drained normally: completed is the pre-validation terminal
	// state; validation flips it to passed or failed.
	if err := o.Store.FinishRun(run.ID, task.RunCompleted); err != nil {
		return result, err
	}

	validator := &gate.RunValidator{
		Store:         o.Store,
		Tools:         o.Tools,
		Toolchain:     o.Toolchain,
		BaseDir:       o.BaseDir,
		VerifyTimeout: o.Config.Pool.ParseVerifyTimeout(),
	}
	details, err := validator.Validate(ctx, run.ID)
	if err != nil {
		return result, fmt.Errorf("end-of-run validation: %w", err)
	}
	result.Validation = details

	return result, nil
}

// runPhase drives max_workers workers over one phase until every task in the
// phase is terminal. The returned error is fatal-to-pool; nil means the phase
// drained (possibly with blocked tasks). An exhausted budget is returned as
// ErrBudgetExhausted.
func (o *Orchestrator) runPhase(ctx context.Context, runID int64, phase int, result *Result) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 1; i <= o.Config.Pool.MaxWorkers; i++ {
		workerID := int64(i)
		branch := fmt.Sprintf("maestro/worker-%d-%s", workerID, uuid.NewString()[:8])
		if _, err := o.Store.RegisterWorker(workerID, branch); err != nil {
			return err
		}

		g.Go(func() error {
			return o.workerLoop(gctx, runID, workerID, phase)
		})
	}

	err := g.Wait()
	if errors.Is(err, ErrSystemCircuitOpen) {
		result.SystemOpen = true
		return err
	}
	if errors.Is(err, ErrBudgetExhausted) {
		// Budget exhaustion drains the pool but is not fatal to the phase
		// bookkeeping; the caller decides what the partial run means.
		result.BudgetExhausted = true
		return ErrBudgetExhausted
	}
	return err
}

func (o *Orchestrator) reapStaleWorkers() {
	stale, err := o.Store.StaleWorkers(o.Config.Pool.ParseHeartbeatTimeout())
	if err != nil {
		slog.Warn("failed to query stale workers", "error", err)
		return
	}
	for _, w := range stale {
		slog.Warn("marking stale worker dead", "worker", w.ID, "last_heartbeat", w.LastHeartbeat)
		if err := o.Store.MarkWorkerDead(w.ID); err != nil {
			slog.Warn("failed to mark worker dead", "worker", w.ID, "error", err)
		}
	}
}

func (o *Orchestrator) tally(result *Result) {
	tasks, err := o.Store.ListTasks()
	if err != nil {
		slog.Warn("failed to tally run", "error", err)
		return
	}
	for _, t := range tasks {
		switch t.Status {
		case task.StatusComplete:
			result.Completed++
		case task.StatusBlocked, task.StatusBlockedStaticReview:
			result.Blocked++
		}
	}
}
