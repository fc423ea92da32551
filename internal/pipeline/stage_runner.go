package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanmeadows/maestro/internal/llm"
	"github.com/alanmeadows/maestro/internal/task"
)

// Per-stage turn budgets for the LM transport. Authoring stages get room to
// iterate; recovery stages are kept short.
const (
	authoringMaxTurns = 25
	recoveryMaxTurns  = 10
)

func maxTurnsFor(stage task.Stage) int {
	switch stage {
	case task.StageRed, task.StageRedFix, task.StageGreen:
		return authoringMaxTurns
	default:
		return recoveryMaxTurns
	}
}

// runLM streams one LM completion for a stage with the stage timeout applied.
// The transport edits the workspace as a side effect; the returned string is
// the accumulated text output. Model selection is per-call only.
func (p *Pipeline) runLM(ctx context.Context, stage task.Stage, t *task.Task, promptText string, model llm.ModelRef) (string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, p.Config.Pool.ParseStageTimeout())
	defer cancel()

	slog.Debug("running LM stage", "task", t.Key, "stage", stage, "model", model.String())

	p.countInvocation()

	out, err := llm.Complete(stageCtx, p.Transport, llm.Options{
		Prompt:         promptText,
		Model:          model,
		Cwd:            p.BaseDir,
		PermissionMode: llm.PermissionBypass,
		MaxTurns:       maxTurnsFor(stage),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || stageCtx.Err() == context.DeadlineExceeded {
			return out, fmt.Errorf("stage %s for task %s: %w", stage, t.Key, ErrStageTimeout)
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, fmt.Errorf("stage %s for task %s: %w: %v", stage, t.Key, ErrLMTransport, err)
	}
	return out, nil
}

func (p *Pipeline) countInvocation() {
	if p.Metrics != nil {
		p.Metrics.LMInvocations.Inc()
	}
	if err := p.Store.IncrementWorkerInvocations(p.WorkerID); err != nil {
		slog.Warn("failed to count worker invocation", "worker", p.WorkerID, "error", err)
	}
	if p.RunID != 0 {
		if _, err := p.Store.IncrementRunInvocations(p.RunID); err != nil {
			slog.Warn("failed to count run invocation", "run", p.RunID, "error", err)
		}
	}
}

// recordAttempt appends an attempt row and updates attempt metrics.
func (p *Pipeline) recordAttempt(t *task.Task, stage task.Stage, startedAt time.Time, success bool, errMsg string, res *verifyResult) {
	number, err := p.Store.NextAttemptNumber(t.ID, stage)
	if err != nil {
		slog.Error("failed to number attempt", "task", t.Key, "stage", stage, "error", err)
		number = 1
	}

	completed := time.Now().UTC()
	attempt := task.Attempt{
		TaskID:        t.ID,
		Stage:         stage,
		AttemptNumber: number,
		Success:       success,
		ErrorMessage:  errMsg,
		StartedAt:     startedAt,
		CompletedAt:   &completed,
	}
	if res != nil {
		attempt.TestExitCode = res.TestExit
		attempt.LintExitCode = res.LintExit
		attempt.TypeExitCode = res.TypeExit
	}

	if err := p.Store.RecordStageAttempt(&attempt); err != nil {
		slog.Error("failed to record attempt", "task", t.Key, "stage", stage, "error", err)
	}
	if p.Metrics != nil {
		p.Metrics.ObserveAttempt(stage, success)
	}
}
