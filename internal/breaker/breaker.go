// Package breaker implements the three-level circuit breaker hierarchy
// (stage / worker / system). Breaker state is persisted through the store
// with optimistic version checks so a restarted orchestrator resumes with the
// same protection posture.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanmeadows/maestro/internal/config"
	"github.com/alanmeadows/maestro/internal/store"
	"github.com/alanmeadows/maestro/internal/task"
)

// ErrOpen is returned when an operation is refused because a breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// SystemIdentifier is the identifier of the single system-level breaker.
const SystemIdentifier = "system"

// casRetries bounds optimistic-update retries before giving up.
const casRetries = 5

// StateObserver receives breaker state transitions (used for metrics).
type StateObserver func(level task.BreakerLevel, identifier string, state task.BreakerState)

// Manager coordinates all breakers. A single ReportFailure/ReportSuccess call
// is serialized per (level, identifier); reports to different breakers may
// interleave.
type Manager struct {
	store    *store.Store
	cfg      config.BreakersConfig
	observer StateObserver

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	// cycles records closed→open transition times per breaker for flap
	// detection. Flap tracking is process-local; the flag is advisory.
	cycles map[string][]time.Time
}

// NewManager creates a breaker manager over the store.
func NewManager(st *store.Store, cfg config.BreakersConfig) *Manager {
	return &Manager{
		store:  st,
		cfg:    cfg,
		locks:  make(map[string]*sync.Mutex),
		cycles: make(map[string][]time.Time),
	}
}

// OnStateChange registers a single observer for state transitions.
func (m *Manager) OnStateChange(fn StateObserver) {
	m.observer = fn
}

func (m *Manager) lockFor(level task.BreakerLevel, identifier string) *sync.Mutex {
	key := string(level) + ":" + identifier
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Allow reports whether work guarded by the breaker may proceed. An open
// breaker whose open duration has elapsed transitions to half_open and allows
// a probe.
func (m *Manager) Allow(level task.BreakerLevel, identifier string) (bool, error) {
	l := m.lockFor(level, identifier)
	l.Lock()
	defer l.Unlock()

	b, err := m.store.GetOrCreateBreaker(level, identifier)
	if err != nil {
		return false, err
	}

	switch b.State {
	case task.BreakerClosed, task.BreakerHalfOpen:
		return true, nil
	case task.BreakerOpen:
		if b.OpenedAt != nil && time.Since(*b.OpenedAt) >= m.openDuration(b) {
			if err := m.transition(b, task.BreakerHalfOpen); err != nil {
				return false, err
			}
			slog.Info("circuit breaker probing", "level", level, "identifier", identifier)
			return true, nil
		}
		return false, nil
	default:
		return false, fmt.Errorf("breaker %s/%s in unknown state %q", level, identifier, b.State)
	}
}

// ReportFailure records a failure against the breaker, transitioning state as
// needed.
func (m *Manager) ReportFailure(level task.BreakerLevel, identifier, reason string) error {
	l := m.lockFor(level, identifier)
	l.Lock()
	defer l.Unlock()

	return m.withRetry(level, identifier, func(b *task.CircuitBreaker) error {
		now := time.Now().UTC()
		prevFailure := b.LastFailureAt
		b.LastFailureAt = &now

		switch b.State {
		case task.BreakerClosed:
			// Rolling window: stale failure streaks do not accumulate.
			if prevFailure != nil && now.Sub(*prevFailure) > m.cfg.ParseFailureWindow() {
				b.FailureCount = 0
			}
			b.FailureCount++
			if b.FailureCount >= m.cfg.FailureThreshold {
				m.open(b, now)
				slog.Warn("circuit breaker opened",
					"level", level, "identifier", identifier, "reason", reason,
					"failures", b.FailureCount)
			}
		case task.BreakerOpen:
			// Auto-probe: an elapsed open duration moves the breaker to
			// half_open so the next report is judged as a probe.
			if b.OpenedAt != nil && now.Sub(*b.OpenedAt) >= m.openDuration(b) {
				b.State = task.BreakerHalfOpen
				b.SuccessCount = 0
				b.LastStateChangeAt = &now
			}
		case task.BreakerHalfOpen:
			// A failed probe reopens with an extended duration.
			b.ExtensionsCount++
			m.open(b, now)
			slog.Warn("circuit breaker probe failed, reopening",
				"level", level, "identifier", identifier, "reason", reason,
				"extensions", b.ExtensionsCount)
		}
		return nil
	})
}

// ReportSuccess records a success against the breaker.
func (m *Manager) ReportSuccess(level task.BreakerLevel, identifier string) error {
	l := m.lockFor(level, identifier)
	l.Lock()
	defer l.Unlock()

	return m.withRetry(level, identifier, func(b *task.CircuitBreaker) error {
		now := time.Now().UTC()
		b.LastSuccessAt = &now

		switch b.State {
		case task.BreakerClosed:
			b.FailureCount = 0
		case task.BreakerOpen:
			if b.OpenedAt != nil && now.Sub(*b.OpenedAt) >= m.openDuration(b) {
				b.State = task.BreakerHalfOpen
				b.SuccessCount = 0
				b.LastStateChangeAt = &now
			} else {
				return nil
			}
			fallthrough
		case task.BreakerHalfOpen:
			b.SuccessCount++
			if b.SuccessCount >= m.cfg.SuccessThreshold {
				b.State = task.BreakerClosed
				b.FailureCount = 0
				b.SuccessCount = 0
				b.LastStateChangeAt = &now
				slog.Info("circuit breaker closed", "level", level, "identifier", identifier)
			}
		}
		return nil
	})
}

// Reset forces a breaker closed and clears its counters. Exposed to operators
// through the CLI.
func (m *Manager) Reset(level task.BreakerLevel, identifier string) error {
	l := m.lockFor(level, identifier)
	l.Lock()
	defer l.Unlock()

	if err := m.store.ResetBreaker(level, identifier); err != nil {
		return err
	}
	m.notify(level, identifier, task.BreakerClosed)

	key := string(level) + ":" + identifier
	m.mu.Lock()
	delete(m.cycles, key)
	m.mu.Unlock()
	return nil
}

// IsFlapping reports whether the breaker has cycled closed→open more than the
// configured threshold inside the flap window. Flapping breakers keep
// functioning; the flag is surfaced on health output.
func (m *Manager) IsFlapping(level task.BreakerLevel, identifier string) bool {
	key := string(level) + ":" + identifier
	cutoff := time.Now().UTC().Add(-m.cfg.ParseFlapWindow())

	m.mu.Lock()
	defer m.mu.Unlock()

	recent := 0
	for _, t := range m.cycles[key] {
		if t.After(cutoff) {
			recent++
		}
	}
	return recent > m.cfg.FlapThreshold
}

// open transitions the breaker to open at the given time and records the
// cycle for flap detection.
func (m *Manager) open(b *task.CircuitBreaker, now time.Time) {
	b.State = task.BreakerOpen
	b.OpenedAt = &now
	b.SuccessCount = 0
	b.LastStateChangeAt = &now

	key := string(b.Level) + ":" + b.Identifier
	m.mu.Lock()
	m.cycles[key] = append(m.cycles[key], now)
	// Trim entries outside any plausible window to bound memory.
	cutoff := now.Add(-2 * m.cfg.ParseFlapWindow())
	trimmed := m.cycles[key][:0]
	for _, t := range m.cycles[key] {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	m.cycles[key] = trimmed
	m.mu.Unlock()
}

// openDuration returns the current open duration: the configured base doubled
// once per extension, capped at the configured maximum.
func (m *Manager) openDuration(b *task.CircuitBreaker) time.Duration {
	d := m.cfg.ParseOpenDuration()
	maxD := m.cfg.ParseMaxOpenDuration()
	for i := 0; i < b.ExtensionsCount; i++ {
		d *= 2
		if d >= maxD {
			return maxD
		}
	}
	return d
}

// transition writes a bare state change with CAS retry.
func (m *Manager) transition(b *task.CircuitBreaker, state task.BreakerState) error {
	return m.withRetry(b.Level, b.Identifier, func(cur *task.CircuitBreaker) error {
		now := time.Now().UTC()
		cur.State = state
		cur.SuccessCount = 0
		cur.LastStateChangeAt = &now
		return nil
	})
}

// withRetry runs a read-modify-write against the breaker record, retrying on
// version conflicts.
func (m *Manager) withRetry(level task.BreakerLevel, identifier string, mutate func(*task.CircuitBreaker) error) error {
	for i := 0; i < casRetries; i++ {
		b, err := m.store.GetOrCreateBreaker(level, identifier)
		if err != nil {
			return err
		}
		prev := b.State

		if err := mutate(b); err != nil {
			return err
		}

		err = m.store.UpdateBreaker(b)
		if err == nil {
			if b.State != prev {
				m.notify(level, identifier, b.State)
			}
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("breaker %s/%s: too many version conflicts", level, identifier)
}

func (m *Manager) notify(level task.BreakerLevel, identifier string, state task.BreakerState) {
	if m.observer != nil {
		m.observer(level, identifier, state)
	}
}
