package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanmeadows/maestro/internal/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "maestro.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTask(key string, phase, sequence int) *task.Task {
	return &task.Task{
		Key:      key,
		Title:    "Task " + key,
		Goal:     "Goal for " + key,
		Phase:    phase,
		Sequence: sequence,
		TestFile: "tests/unit/test_" + key + ".py",
		ImplFile: "src/core/" + key + ".py",
	}
}

// --- CreateTask ---

func TestCreateTaskAssignsDefaults(t *testing.T) {
	st := openTestStore(t)

	rec := newTask("CORE-TDD-01-01", 1, 1)
	require.NoError(t, st.CreateTask(rec))

	assert.NotZero(t, rec.ID)
	assert.Equal(t, task.StatusPending, rec.Status)
	assert.Equal(t, task.ComplexityMedium, rec.Complexity)
	assert.Equal(t, task.TypeImplement, rec.TaskType)
	assert.Equal(t, int64(1), rec.Version)
}

func TestCreateTaskDuplicateKey(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.CreateTask(newTask("CORE-TDD-01-01", 1, 1)))

	err := st.CreateTask(newTask("CORE-TDD-01-01", 1, 2))
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestCreateTaskDuplicatePhaseSequence(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.CreateTask(newTask("CORE-TDD-01-01", 1, 1)))

	err := st.CreateTask(newTask("CORE-TDD-01-02", 1, 1))
	assert.ErrorIs(t, err, ErrInvalidPhase)
}

func TestCreateTasksRollsBackOnFailure(t *testing.T) {
	st := openTestStore(t)

	batch := []task.Task{
		*newTask("A-TDD-01-01", 1, 1),
		*newTask("A-TDD-01-01", 1, 2), // duplicate key fails the batch
	}
	err := st.CreateTasks(batch)
	require.ErrorIs(t, err, ErrDuplicateKey)

	tasks, err := st.ListTasks()
	require.NoError(t, err)
	assert.Empty(t, tasks, "a broken set must never be partially committed")
}

// --- dependencies and claimable queries ---

func TestClaimableTasksRespectsDependencies(t *testing.T) {
	st := openTestStore(t)

	first := newTask("A-TDD-01-01", 1, 1)
	require.NoError(t, st.CreateTask(first))

	second := newTask("A-TDD-02-01", 2, 1)
	second.DependsOn = []string{"A-TDD-01-01"}
	require.NoError(t, st.CreateTask(second))

	claimable, err := st.ClaimableTasks(-1)
	require.NoError(t, err)
	require.Len(t, claimable, 1)
	assert.Equal(t, "A-TDD-01-01", claimable[0].Key)

	// Complete the dependency; the second task becomes claimable.
	ok, err := st.ClaimTask(first.ID, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.ReleaseTask(first.ID, task.StatusComplete))

	claimable, err = st.ClaimableTasks(-1)
	require.NoError(t, err)
	require.Len(t, claimable, 1)
	assert.Equal(t, "A-TDD-02-01", claimable[0].Key)
}

func TestClaimableTasksOrderedByPhaseSequence(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.CreateTask(newTask("B-TDD-01-02", 1, 2)))
	require.NoError(t, st.CreateTask(newTask("A-TDD-01-01", 1, 1)))
	require.NoError(t, st.CreateTask(newTask("C-TDD-00-01", 0, 1)))

	claimable, err := st.ClaimableTasks(-1)
	require.NoError(t, err)
	require.Len(t, claimable, 3)
	assert.Equal(t, "C-TDD-00-01", claimable[0].Key)
	assert.Equal(t, "A-TDD-01-01", claimable[1].Key)
	assert.Equal(t, "B-TDD-01-02", claimable[2].Key)
}

func TestReplaceDependencies(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.CreateTask(newTask("A-TDD-01-01", 1, 1)))
	rec := newTask("B-TDD-02-01", 2, 1)
	rec.DependsOn = []string{"A-TDD-01-01"}
	require.NoError(t, st.CreateTask(rec))

	require.NoError(t, st.ReplaceDependencies("B-TDD-02-01", []string{"A-TDD-01-01", "C-TDD-01-02"}))

	got, err := st.GetTaskByKey("B-TDD-02-01")
	require.NoError(t, err)
	assert.Equal(t, []string{"A-TDD-01-01", "C-TDD-01-02"}, got.DependsOn)
}

// --- claim protocol ---

func TestClaimTaskSetsClaimFields(t *testing.T) {
	st := openTestStore(t)

	rec := newTask("A-TDD-01-01", 1, 1)
	require.NoError(t, st.CreateTask(rec))
	_, err := st.RegisterWorker(1, "maestro/worker-1")
	require.NoError(t, err)

	ok, err := st.ClaimTask(rec.ID, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	claimed, err := st.GetTask(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, claimed.Status)
	require.NotNil(t, claimed.ClaimedBy)
	assert.Equal(t, int64(1), *claimed.ClaimedBy)
	require.NotNil(t, claimed.ClaimExpiresAt)
	assert.True(t, claimed.ClaimExpiresAt.After(time.Now().UTC()))
	assert.Greater(t, claimed.Version, rec.Version)
}

func TestClaimTaskIdempotenceAfterSuccess(t *testing.T) {
	st := openTestStore(t)

	rec := newTask("A-TDD-01-01", 1, 1)
	require.NoError(t, st.CreateTask(rec))

	ok, err := st.ClaimTask(rec.ID, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Re-claiming an already-claimed task is a no-op returning false.
	ok, err = st.ClaimTask(rec.ID, 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimContentionExactlyOneWinner(t *testing.T) {
	st := openTestStore(t)

	rec := newTask("A-TDD-01-01", 1, 1)
	require.NoError(t, st.CreateTask(rec))
	for i := int64(1); i <= 2; i++ {
		_, err := st.RegisterWorker(i, "")
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []int64
	)
	for worker := int64(1); worker <= 2; worker++ {
		wg.Add(1)
		go func(w int64) {
			defer wg.Done()
			ok, err := st.ClaimTask(rec.ID, w, time.Minute)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins = append(wins, w)
				mu.Unlock()
			}
		}(worker)
	}
	wg.Wait()

	require.Len(t, wins, 1, "exactly one worker wins the claim")

	claimed, err := st.GetTask(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed.ClaimedBy)
	assert.Equal(t, wins[0], *claimed.ClaimedBy)
}

func TestStaleClaimIsReclaimable(t *testing.T) {
	st := openTestStore(t)

	rec := newTask("A-TDD-01-01", 1, 1)
	require.NoError(t, st.CreateTask(rec))

	// Worker 1 claims with an already-expired lease, simulating a crash.
	ok, err := st.ClaimTask(rec.ID, 1, -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	claimable, err := st.ClaimableTasks(-1)
	require.NoError(t, err)
	require.Len(t, claimable, 1)
	assert.Equal(t, rec.ID, claimable[0].ID)

	ok, err = st.ClaimTask(rec.ID, 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	claimed, err := st.GetTask(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed.ClaimedBy)
	assert.Equal(t, int64(2), *claimed.ClaimedBy)
}

// --- release and observers ---

func TestReleaseTaskNotifiesObservers(t *testing.T) {
	st := openTestStore(t)

	rec := newTask("A-TDD-01-01", 1, 1)
	require.NoError(t, st.CreateTask(rec))
	_, err := st.RegisterWorker(1, "")
	require.NoError(t, err)

	var seen []task.Status
	st.OnStatusChange(func(updated task.Task) {
		seen = append(seen, updated.Status)
	})

	ok, err := st.ClaimTask(rec.ID, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, st.ReleaseTask(rec.ID, task.StatusComplete))

	require.Len(t, seen, 1)
	assert.Equal(t, task.StatusComplete, seen[0])

	released, err := st.GetTask(rec.ID)
	require.NoError(t, err)
	assert.Nil(t, released.ClaimedBy)
	assert.Nil(t, released.ClaimExpiresAt)

	worker, err := st.GetWorker(1)
	require.NoError(t, err)
	assert.Equal(t, 1, worker.CompletedClaims)
	assert.Nil(t, worker.CurrentTaskID)
}

func TestReleaseTaskRejectsInvalidOutcome(t *testing.T) {
	st := openTestStore(t)

	rec := newTask("A-TDD-01-01", 1, 1)
	require.NoError(t, st.CreateTask(rec))

	assert.Error(t, st.ReleaseTask(rec.ID, task.StatusInProgress))
	assert.Error(t, st.ReleaseTask(rec.ID, task.Status("bogus")))
}

// --- attempts ---

func TestAttemptNumbersAreContiguousPerStage(t *testing.T) {
	st := openTestStore(t)

	rec := newTask("A-TDD-01-01", 1, 1)
	require.NoError(t, st.CreateTask(rec))

	for i := 1; i <= 3; i++ {
		n, err := st.NextAttemptNumber(rec.ID, task.StageGreen)
		require.NoError(t, err)
		assert.Equal(t, i, n)

		require.NoError(t, st.RecordStageAttempt(&task.Attempt{
			TaskID:        rec.ID,
			Stage:         task.StageGreen,
			AttemptNumber: n,
			Success:       i == 3,
			StartedAt:     time.Now().UTC(),
		}))
	}

	// Another stage numbers independently.
	n, err := st.NextAttemptNumber(rec.ID, task.StageVerify)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	attempts, err := st.AttemptsForTask(rec.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
	}
}

func TestRecordStageAttemptKeepsExitCodes(t *testing.T) {
	st := openTestStore(t)

	rec := newTask("A-TDD-01-01", 1, 1)
	require.NoError(t, st.CreateTask(rec))

	testExit, lintExit := 1, 0
	require.NoError(t, st.RecordStageAttempt(&task.Attempt{
		TaskID:        rec.ID,
		Stage:         task.StageVerify,
		AttemptNumber: 1,
		ErrorMessage:  "tests failing",
		TestExitCode:  &testExit,
		LintExitCode:  &lintExit,
		StartedAt:     time.Now().UTC(),
	}))

	attempts, err := st.AttemptsForTask(rec.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].TestExitCode)
	assert.Equal(t, 1, *attempts[0].TestExitCode)
	require.NotNil(t, attempts[0].LintExitCode)
	assert.Equal(t, 0, *attempts[0].LintExitCode)
	assert.Nil(t, attempts[0].TypeExitCode)
}

// --- workers ---

func TestHeartbeatExtendsClaim(t *testing.T) {
	st := openTestStore(t)

	rec := newTask("A-TDD-01-01", 1, 1)
	require.NoError(t, st.CreateTask(rec))
	_, err := st.RegisterWorker(1, "")
	require.NoError(t, err)

	ok, err := st.ClaimTask(rec.ID, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	before, err := st.GetTask(rec.ID)
	require.NoError(t, err)

	require.NoError(t, st.UpdateTaskHeartbeat(1, rec.ID, time.Hour))

	after, err := st.GetTask(rec.ID)
	require.NoError(t, err)
	assert.True(t, after.ClaimExpiresAt.After(*before.ClaimExpiresAt))
}

func TestHeartbeatFailsWhenClaimLost(t *testing.T) {
	st := openTestStore(t)

	rec := newTask("A-TDD-01-01", 1, 1)
	require.NoError(t, st.CreateTask(rec))
	_, err := st.RegisterWorker(1, "")
	require.NoError(t, err)

	ok, err := st.ClaimTask(rec.ID, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.ReleaseTask(rec.ID, task.StatusBlocked))

	assert.Error(t, st.UpdateTaskHeartbeat(1, rec.ID, time.Minute))
}

func TestStaleWorkers(t *testing.T) {
	st := openTestStore(t)

	_, err := st.RegisterWorker(1, "")
	require.NoError(t, err)

	stale, err := st.StaleWorkers(time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = st.StaleWorkers(-time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, int64(1), stale[0].ID)

	require.NoError(t, st.MarkWorkerDead(1))
	stale, err = st.StaleWorkers(-time.Second)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

// --- runs ---

func TestSingleRunningRunInvariant(t *testing.T) {
	st := openTestStore(t)

	run, err := st.StartRun(4)
	require.NoError(t, err)
	assert.Equal(t, task.RunRunning, run.Status)

	_, err = st.StartRun(4)
	assert.ErrorIs(t, err, ErrRunActive)

	require.NoError(t, st.FinishRun(run.ID, task.RunCompleted))

	_, err = st.StartRun(2)
	assert.NoError(t, err)
}

func TestRunInvocationsAndValidation(t *testing.T) {
	st := openTestStore(t)

	run, err := st.StartRun(1)
	require.NoError(t, err)

	total, err := st.IncrementRunInvocations(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	total, err = st.IncrementRunInvocations(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	require.NoError(t, st.FinishRun(run.ID, task.RunCompleted))
	require.NoError(t, st.SetRunValidation(run.ID, "passed", `{"status":"passed"}`))
	require.NoError(t, st.SetRunStatus(run.ID, task.RunPassed))

	got, err := st.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, task.RunPassed, got.Status)
	assert.Equal(t, "passed", got.ValidationStatus)
	assert.NotNil(t, got.CompletedAt)
}

// --- breakers ---

func TestBreakerCreateUpdateReset(t *testing.T) {
	st := openTestStore(t)

	b, err := st.GetOrCreateBreaker(task.BreakerStage, "green")
	require.NoError(t, err)
	assert.Equal(t, task.BreakerClosed, b.State)
	assert.Equal(t, int64(1), b.Version)

	now := time.Now().UTC()
	b.State = task.BreakerOpen
	b.FailureCount = 5
	b.OpenedAt = &now
	require.NoError(t, st.UpdateBreaker(b))
	assert.Equal(t, int64(2), b.Version)

	// A second writer holding the old version loses.
	staleCopy := *b
	staleCopy.Version = 1
	err = st.UpdateBreaker(&staleCopy)
	assert.ErrorIs(t, err, ErrVersionConflict)

	require.NoError(t, st.ResetBreaker(task.BreakerStage, "green"))
	b, err = st.GetOrCreateBreaker(task.BreakerStage, "green")
	require.NoError(t, err)
	assert.Equal(t, task.BreakerClosed, b.State)
	assert.Zero(t, b.FailureCount)
	assert.Nil(t, b.OpenedAt)
}

// --- store lifecycle ---

func TestSecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maestro.db")

	st, err := Open(path)
	require.NoError(t, err)
	defer st.Close()

	_, err = Open(path)
	assert.Error(t, err, "a second orchestrator must not share the store")
}

func TestHealthSummary(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.CreateTask(newTask("A-TDD-01-01", 1, 1)))

	health, err := st.Health()
	require.NoError(t, err)
	assert.Equal(t, 1, health.TotalTasks)
	assert.Zero(t, health.CompleteTasks)
}
