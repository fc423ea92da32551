package breaker

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanmeadows/maestro/internal/config"
	"github.com/alanmeadows/maestro/internal/store"
	"github.com/alanmeadows/maestro/internal/task"
)

func testManager(t *testing.T, cfg config.BreakersConfig) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "maestro.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st, cfg), st
}

func fastBreakerConfig() config.BreakersConfig {
	return config.BreakersConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		FailureWindow:    "10m",
		OpenDuration:     "150ms",
		MaxOpenDuration:  "1200ms",
		FlapWindow:       "5m",
		FlapThreshold:    3,
	}
}

func reportFailures(t *testing.T, m *Manager, level task.BreakerLevel, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, m.ReportFailure(level, id, "boom"))
	}
}

func breakerState(t *testing.T, st *store.Store, level task.BreakerLevel, id string) *task.CircuitBreaker {
	t.Helper()
	b, err := st.GetOrCreateBreaker(level, id)
	require.NoError(t, err)
	return b
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	m, st := testManager(t, fastBreakerConfig())

	reportFailures(t, m, task.BreakerStage, "green", 4)
	assert.Equal(t, task.BreakerClosed, breakerState(t, st, task.BreakerStage, "green").State)

	reportFailures(t, m, task.BreakerStage, "green", 1)
	b := breakerState(t, st, task.BreakerStage, "green")
	assert.Equal(t, task.BreakerOpen, b.State)
	require.NotNil(t, b.OpenedAt)

	allowed, err := m.Allow(task.BreakerStage, "green")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestBreakerProbesAndCloses(t *testing.T) {
	m, st := testManager(t, fastBreakerConfig())

	reportFailures(t, m, task.BreakerStage, "green", 5)
	require.Equal(t, task.BreakerOpen, breakerState(t, st, task.BreakerStage, "green").State)

	// After the open duration elapses, the breaker probes.
	time.Sleep(200 * time.Millisecond)

	allowed, err := m.Allow(task.BreakerStage, "green")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, task.BreakerHalfOpen, breakerState(t, st, task.BreakerStage, "green").State)

	// success_threshold consecutive successes close it and clear counters.
	require.NoError(t, m.ReportSuccess(task.BreakerStage, "green"))
	assert.Equal(t, task.BreakerHalfOpen, breakerState(t, st, task.BreakerStage, "green").State)
	require.NoError(t, m.ReportSuccess(task.BreakerStage, "green"))

	b := breakerState(t, st, task.BreakerStage, "green")
	assert.Equal(t, task.BreakerClosed, b.State)
	assert.Zero(t, b.FailureCount)
}

func TestBreakerFailedProbeExtendsOpenDuration(t *testing.T) {
	m, st := testManager(t, fastBreakerConfig())

	reportFailures(t, m, task.BreakerStage, "green", 5)
	time.Sleep(200 * time.Millisecond)

	allowed, err := m.Allow(task.BreakerStage, "green")
	require.NoError(t, err)
	require.True(t, allowed)

	// The probe fails: the breaker reopens with one extension.
	require.NoError(t, m.ReportFailure(task.BreakerStage, "green", "probe failed"))
	b := breakerState(t, st, task.BreakerStage, "green")
	assert.Equal(t, task.BreakerOpen, b.State)
	assert.Equal(t, 1, b.ExtensionsCount)

	// The doubled duration (300ms) has not elapsed yet.
	time.Sleep(100 * time.Millisecond)
	allowed, err = m.Allow(task.BreakerStage, "green")
	require.NoError(t, err)
	assert.False(t, allowed)

	// After the doubled duration it probes again.
	time.Sleep(250 * time.Millisecond)
	allowed, err = m.Allow(task.BreakerStage, "green")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestBreakerOpenDurationCapped(t *testing.T) {
	cfg := fastBreakerConfig()
	m, _ := testManager(t, cfg)

	b := &task.CircuitBreaker{ExtensionsCount: 20}
	assert.Equal(t, cfg.ParseMaxOpenDuration(), m.openDuration(b))
}

func TestBreakerReset(t *testing.T) {
	m, st := testManager(t, fastBreakerConfig())

	reportFailures(t, m, task.BreakerStage, "green", 5)
	require.Equal(t, task.BreakerOpen, breakerState(t, st, task.BreakerStage, "green").State)

	require.NoError(t, m.Reset(task.BreakerStage, "green"))

	b := breakerState(t, st, task.BreakerStage, "green")
	assert.Equal(t, task.BreakerClosed, b.State)
	assert.Zero(t, b.FailureCount)
	assert.Zero(t, b.ExtensionsCount)

	allowed, err := m.Allow(task.BreakerStage, "green")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestBreakerFlapDetection(t *testing.T) {
	cfg := fastBreakerConfig()
	cfg.FlapThreshold = 2
	m, st := testManager(t, cfg)

	assert.False(t, m.IsFlapping(task.BreakerStage, "green"))

	// Three closed→open cycles inside the flap window. The store-level reset
	// closes the breaker without touching the manager's cycle history, the
	// way an operator reset plus fresh failures would look to this process.
	for cycle := 0; cycle < 3; cycle++ {
		reportFailures(t, m, task.BreakerStage, "green", 5)
		require.Equal(t, task.BreakerOpen, breakerState(t, st, task.BreakerStage, "green").State)
		require.NoError(t, st.ResetBreaker(task.BreakerStage, "green"))
	}

	assert.True(t, m.IsFlapping(task.BreakerStage, "green"))

	// The manager-level reset clears the flap history.
	require.NoError(t, m.Reset(task.BreakerStage, "green"))
	assert.False(t, m.IsFlapping(task.BreakerStage, "green"))
}

func TestWorkerAndSystemBreakersAreIndependent(t *testing.T) {
	m, st := testManager(t, fastBreakerConfig())

	reportFailures(t, m, task.BreakerWorker, "worker:3", 5)

	assert.Equal(t, task.BreakerOpen, breakerState(t, st, task.BreakerWorker, "worker:3").State)
	assert.Equal(t, task.BreakerClosed, breakerState(t, st, task.BreakerSystem, SystemIdentifier).State)

	allowed, err := m.Allow(task.BreakerSystem, SystemIdentifier)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestBreakerStateObserver(t *testing.T) {
	m, _ := testManager(t, fastBreakerConfig())

	var transitions []task.BreakerState
	m.OnStateChange(func(_ task.BreakerLevel, _ string, state task.BreakerState) {
		transitions = append(transitions, state)
	})

	reportFailures(t, m, task.BreakerStage, "green", 5)
	require.NotEmpty(t, transitions)
	assert.Equal(t, task.BreakerOpen, transitions[len(transitions)-1])
}
