package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/alanmeadows/maestro/internal/gate"
	"github.com/alanmeadows/maestro/internal/task"
	"github.com/alanmeadows/maestro/internal/tools"
)

// postVerifyChecks runs the per-task verify_command and evaluates done
// criteria on every successful terminal path. Both are log-only and never
// block the task.
func (p *Pipeline) postVerifyChecks(ctx context.Context, t *task.Task) {
	if t.VerifyCommand != "" && p.Toolchain != nil {
		tools.RunVerifyCommand(ctx, p.Toolchain, t.VerifyCommand, p.BaseDir, p.Config.Pool.ParseVerifyTimeout())
	}

	if t.DoneCriteria != "" {
		results := gate.EvaluateDoneCriteria(ctx, p.Toolchain, p.BaseDir, t)
		for _, r := range results {
			slog.Info("done criterion", "task", t.Key, "criterion", r.Criterion, "status", r.Status)
		}
	}
}

// commitWorkspace stages the task's files and commits them. Failure is
// recorded but never blocks the task; workspaces without git are skipped.
func (p *Pipeline) commitWorkspace(t *task.Task) error {
	if !gitAvailable(p.BaseDir) {
		slog.Debug("workspace is not a git repository, skipping commit", "task", t.Key)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	files := []string{}
	if t.TestFile != "" {
		files = append(files, t.TestFile)
	}
	if t.ImplFile != "" {
		files = append(files, t.ImplFile)
	}
	if len(files) == 0 {
		return nil
	}

	add := exec.CommandContext(ctx, "git", append([]string{"add", "--"}, files...)...)
	add.Dir = p.BaseDir
	if out, err := add.CombinedOutput(); err != nil {
		return fmt.Errorf("git add: %s: %w", strings.TrimSpace(string(out)), err)
	}

	message := fmt.Sprintf("maestro: %s — %s", t.Key, t.Title)
	commit := exec.CommandContext(ctx, "git", "commit", "-m", message, "--", t.TestFile, t.ImplFile)
	commit.Dir = p.BaseDir
	if out, err := commit.CombinedOutput(); err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "nothing to commit") {
			return nil
		}
		return fmt.Errorf("git commit: %s: %w", text, err)
	}
	return nil
}

func gitAvailable(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	return cmd.Run() == nil
}
