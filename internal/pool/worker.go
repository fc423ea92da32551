package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanmeadows/maestro/internal/breaker"
	"github.com/alanmeadows/maestro/internal/pipeline"
	"github.com/alanmeadows/maestro/internal/task"
)

// workerLoop claims and processes tasks for one phase until the phase drains.
// Fatal-to-pool conditions (system breaker, budget) are returned as errors so
// the errgroup cancels the sibling workers.
func (o *Orchestrator) workerLoop(ctx context.Context, runID, workerID int64, phase int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, err := o.Breakers.Allow(task.BreakerSystem, breaker.SystemIdentifier)
		if err != nil {
			return err
		}
		if !allowed {
			slog.Error("system breaker open, draining pool", "worker", workerID)
			return ErrSystemCircuitOpen
		}

		if o.budgetExhausted(runID) {
			slog.Warn("invocation budget exhausted, draining pool", "worker", workerID)
			return ErrBudgetExhausted
		}

		o.cascadeBlocked(phase)

		claimed, err := o.claimNext(workerID, phase)
		if err != nil {
			return err
		}
		if claimed == nil {
			done, err := o.phaseDrained(phase)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			// Another worker holds the remaining tasks; wait for claims to
			// resolve or expire.
			select {
			case <-time.After(claimPollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		o.processTask(ctx, runID, workerID, claimed)
	}
}

// claimNext claims the first claimable task of the phase, honoring the
// (phase, sequence) ordering. Claim races simply move on to the next
// candidate.
func (o *Orchestrator) claimNext(workerID int64, phase int) (*task.Task, error) {
	candidates, err := o.Store.ClaimableTasks(phase)
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		ok, err := o.Store.ClaimTask(candidates[i].ID, workerID, o.Config.Pool.ParseClaimTimeout())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if o.Metrics != nil {
			o.Metrics.ClaimsTotal.Inc()
		}
		claimed, err := o.Store.GetTask(candidates[i].ID)
		if err != nil {
			return nil, err
		}
		slog.Info("claimed task", "worker", workerID, "task", claimed.Key,
			"phase", claimed.Phase, "sequence", claimed.Sequence)
		return claimed, nil
	}
	return nil, nil
}

// processTask runs the pipeline with a concurrent heartbeat and releases the
// task with the pipeline's outcome.
func (o *Orchestrator) processTask(ctx context.Context, runID, workerID int64, t *task.Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		o.heartbeat(taskCtx, cancel, workerID, t.ID)
	}()

	p := &pipeline.Pipeline{
		Store:     o.Store,
		Transport: o.Transport,
		Tools:     o.Tools,
		Toolchain: o.Toolchain,
		Breakers:  o.Breakers,
		Metrics:   o.Metrics,
		Config:    o.Config,
		BaseDir:   o.BaseDir,
		WorkerID:  workerID,
		RunID:     runID,
	}

	outcome, err := p.Execute(taskCtx, t)
	if err != nil {
		slog.Warn("task failed", "worker", workerID, "task", t.Key, "outcome", outcome, "error", err)
	} else {
		slog.Info("task finished", "worker", workerID, "task", t.Key, "outcome", outcome)
	}

	cancel()
	<-heartbeatDone

	if outcome == "" {
		outcome = task.StatusBlocked
	}
	if err := o.Store.ReleaseTask(t.ID, outcome); err != nil {
		slog.Error("failed to release task", "task", t.Key, "error", err)
	}
}

// heartbeat periodically extends the worker's claim while the pipeline runs.
// Losing the claim cancels the pipeline: another worker owns the task now.
func (o *Orchestrator) heartbeat(ctx context.Context, cancelTask context.CancelFunc, workerID, taskID int64) {
	interval := o.Config.Pool.ParseHeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Store.UpdateTaskHeartbeat(workerID, taskID, o.Config.Pool.ParseClaimTimeout()); err != nil {
				slog.Error("heartbeat lost claim, cancelling task", "worker", workerID, "task", taskID, "error", err)
				cancelTask()
				return
			}
		}
	}
}

// budgetExhausted reports whether the run's aggregate invocation count has
// reached the configured budget.
func (o *Orchestrator) budgetExhausted(runID int64) bool {
	budget := o.Config.Pool.InvocationBudget
	if budget <= 0 {
		return false
	}
	run, err := o.Store.GetRun(runID)
	if err != nil {
		slog.Warn("failed to read run for budget check", "error", err)
		return false
	}
	if o.Metrics != nil {
		remaining := budget - run.TotalInvocations
		if remaining < 0 {
			remaining = 0
		}
		o.Metrics.BudgetRemaining.Set(float64(remaining))
	}
	return run.TotalInvocations >= budget
}

// cascadeBlocked marks pending tasks whose dependencies can never complete.
// Without this, a phase with a blocked dependency would spin forever waiting
// for a task that cannot become claimable.
func (o *Orchestrator) cascadeBlocked(phase int) {
	tasks, err := o.Store.ListTasks()
	if err != nil {
		slog.Warn("failed to list tasks for cascade", "error", err)
		return
	}

	statusByKey := make(map[string]task.Status, len(tasks))
	for _, t := range tasks {
		statusByKey[t.Key] = t.Status
	}

	for _, t := range tasks {
		if t.Phase != phase || t.Status != task.StatusPending {
			continue
		}
		for _, dep := range t.DependsOn {
			if s := statusByKey[dep]; s == task.StatusBlocked || s == task.StatusBlockedStaticReview {
				slog.Warn("blocking task with blocked dependency", "task", t.Key, "dependency", dep)
				if err := o.Store.ReleaseTask(t.ID, task.StatusBlocked); err != nil {
					slog.Warn("failed to cascade block", "task", t.Key, "error", err)
				}
				break
			}
		}
	}
}

// phaseDrained reports whether every task in the phase is terminal.
func (o *Orchestrator) phaseDrained(phase int) (bool, error) {
	tasks, err := o.Store.ListTasksByPhase(phase)
	if err != nil {
		return false, fmt.Errorf("listing phase %d: %w", phase, err)
	}
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}
