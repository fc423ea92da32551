package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanmeadows/maestro/internal/breaker"
	"github.com/alanmeadows/maestro/internal/config"
	"github.com/alanmeadows/maestro/internal/llm"
	"github.com/alanmeadows/maestro/internal/store"
	"github.com/alanmeadows/maestro/internal/task"
	"github.com/alanmeadows/maestro/internal/tools"
)

// passRunner always passes every tool invocation.
type passRunner struct{}

func (passRunner) RunTests(_ context.Context, _ []string, _ string, _ time.Duration) (tools.Result, error) {
	return tools.Result{}, nil
}

func (passRunner) RunLinter(_ context.Context, _, _ string) (tools.Result, error) {
	return tools.Result{}, nil
}

func (passRunner) RunTypeChecker(_ context.Context, _, _ string) (tools.Result, error) {
	return tools.Result{}, nil
}

func testOrchestrator(t *testing.T) (*Orchestrator, *store.Store, string) {
	t.Helper()

	baseDir := t.TempDir()
	st, err := store.Open(filepath.Join(t.TempDir(), "maestro.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.Pool.MaxWorkers = 2
	cfg.Pool.HeartbeatInterval = "50ms"

	orch := &Orchestrator{
		Store:     st,
		Transport: llm.NewMockTransport(),
		Tools:     passRunner{},
		Breakers:  breaker.NewManager(st, cfg.Breakers),
		Config:    &cfg,
		BaseDir:   baseDir,
	}
	return orch, st, baseDir
}

func writeWorkspaceFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func seedVerifyOnlyTask(t *testing.T, st *store.Store, dir, key string, phase, seq int, deps ...string) {
	t.Helper()

	name := key[:1]
	implFile := "src/core/" + name + ".py"
	testFile := "tests/unit/test_" + name + ".py"

	writeWorkspaceFile(t, dir, implFile, "def value():\n    return 1\n")
	writeWorkspaceFile(t, dir, testFile, "def test_value():\n    assert value() == 1\n")

	rec := &task.Task{
		Key:       key,
		Title:     key,
		Goal:      "goal",
		Phase:     phase,
		Sequence:  seq,
		TaskType:  task.TypeVerifyOnly,
		TestFile:  testFile,
		ImplFile:  implFile,
		DependsOn: deps,
	}
	require.NoError(t, st.CreateTask(rec))
}

func TestPoolRunsPhasesToCompletion(t *testing.T) {
	orch, st, dir := testOrchestrator(t)

	seedVerifyOnlyTask(t, st, dir, "A-TDD-01-01", 1, 1)
	seedVerifyOnlyTask(t, st, dir, "B-TDD-01-02", 1, 2)
	seedVerifyOnlyTask(t, st, dir, "C-TDD-02-01", 2, 1, "A-TDD-01-01", "B-TDD-01-02")

	result, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Completed)
	assert.Zero(t, result.Blocked)
	assert.False(t, result.GateFailed)
	require.NotNil(t, result.Validation)
	assert.Equal(t, "passed", result.Validation.Status)

	run, err := st.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, task.RunPassed, run.Status)
	assert.Equal(t, "passed", run.ValidationStatus)
	assert.NotEmpty(t, run.ValidationDetails)

	tasks, err := st.ListTasks()
	require.NoError(t, err)
	for _, rec := range tasks {
		assert.Equal(t, task.StatusComplete, rec.Status)
		assert.Nil(t, rec.ClaimedBy)
	}
}

func TestPoolDrainsWhenSystemBreakerOpens(t *testing.T) {
	orch, st, dir := testOrchestrator(t)
	seedVerifyOnlyTask(t, st, dir, "A-TDD-01-01", 1, 1)

	for i := 0; i < orch.Config.Breakers.FailureThreshold; i++ {
		require.NoError(t, orch.Breakers.ReportFailure(task.BreakerSystem, breaker.SystemIdentifier, "meltdown"))
	}

	result, err := orch.Run(context.Background())
	assert.ErrorIs(t, err, ErrSystemCircuitOpen)
	assert.True(t, result.SystemOpen)

	run, err := st.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, task.RunFailed, run.Status)
}

func TestPoolEnforcesSingleRun(t *testing.T) {
	orch, st, dir := testOrchestrator(t)
	seedVerifyOnlyTask(t, st, dir, "A-TDD-01-01", 1, 1)

	_, err := st.StartRun(1)
	require.NoError(t, err)

	_, err = orch.Run(context.Background())
	assert.ErrorIs(t, err, store.ErrRunActive)
}

func TestBudgetExhaustionStopsClaims(t *testing.T) {
	orch, st, _ := testOrchestrator(t)
	orch.Config.Pool.InvocationBudget = 2

	run, err := st.StartRun(1)
	require.NoError(t, err)

	assert.False(t, orch.budgetExhausted(run.ID))

	for i := 0; i < 2; i++ {
		_, err := st.IncrementRunInvocations(run.ID)
		require.NoError(t, err)
	}
	assert.True(t, orch.budgetExhausted(run.ID))
}

func TestCascadeBlockedDependents(t *testing.T) {
	orch, st, dir := testOrchestrator(t)

	seedVerifyOnlyTask(t, st, dir, "A-TDD-01-01", 1, 1)
	seedVerifyOnlyTask(t, st, dir, "B-TDD-01-02", 1, 2, "A-TDD-01-01")

	blocked, err := st.GetTaskByKey("A-TDD-01-01")
	require.NoError(t, err)
	require.NoError(t, st.ReleaseTask(blocked.ID, task.StatusBlocked))

	orch.cascadeBlocked(1)

	dependent, err := st.GetTaskByKey("B-TDD-01-02")
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, dependent.Status)
}

func TestPhaseDrained(t *testing.T) {
	orch, st, dir := testOrchestrator(t)
	seedVerifyOnlyTask(t, st, dir, "A-TDD-01-01", 1, 1)

	done, err := orch.phaseDrained(1)
	require.NoError(t, err)
	assert.False(t, done)

	rec, err := st.GetTaskByKey("A-TDD-01-01")
	require.NoError(t, err)
	require.NoError(t, st.ReleaseTask(rec.ID, task.StatusComplete))

	done, err = orch.phaseDrained(1)
	require.NoError(t, err)
	assert.True(t, done)
}
