package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/alanmeadows/maestro/internal/task"
)

// ErrVersionConflict signals that an optimistic breaker update lost the race;
// callers retry their read-modify-write.
var ErrVersionConflict = errors.New("version conflict")

// GetOrCreateBreaker returns the persisted breaker record for (level,
// identifier), creating a closed breaker on first use.
func (s *Store) GetOrCreateBreaker(level task.BreakerLevel, identifier string) (*task.CircuitBreaker, error) {
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO circuit_breakers (level, identifier, state, version)
		VALUES (?, ?, 'closed', 1)`, string(level), identifier); err != nil {
		return nil, fmt.Errorf("creating breaker %s/%s: %w", level, identifier, err)
	}
	return s.getBreaker(level, identifier)
}

func (s *Store) getBreaker(level task.BreakerLevel, identifier string) (*task.CircuitBreaker, error) {
	row := s.db.QueryRow(`SELECT id, level, identifier, state, failure_count,
		success_count, extensions_count, opened_at, last_failure_at,
		last_success_at, last_state_change_at, version
		FROM circuit_breakers WHERE level = ? AND identifier = ?`,
		string(level), identifier)
	return scanBreaker(row)
}

// UpdateBreaker writes the breaker record back with an optimistic version
// check. The given record's Version must match the stored row; on success the
// stored version is bumped and the record's Version field updated to match.
func (s *Store) UpdateBreaker(b *task.CircuitBreaker) error {
	res, err := s.db.Exec(`UPDATE circuit_breakers
		SET state = ?, failure_count = ?, success_count = ?, extensions_count = ?,
		    opened_at = ?, last_failure_at = ?, last_success_at = ?,
		    last_state_change_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(b.State), b.FailureCount, b.SuccessCount, b.ExtensionsCount,
		encodeTimePtr(b.OpenedAt), encodeTimePtr(b.LastFailureAt),
		encodeTimePtr(b.LastSuccessAt), encodeTimePtr(b.LastStateChangeAt),
		b.ID, b.Version)
	if err != nil {
		return fmt.Errorf("updating breaker %s/%s: %w", b.Level, b.Identifier, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("breaker %s/%s: %w", b.Level, b.Identifier, ErrVersionConflict)
	}
	b.Version++
	return nil
}

// ResetBreaker forces the breaker closed and clears its counters. This is the
// manual operator reset; it bypasses the version check deliberately.
func (s *Store) ResetBreaker(level task.BreakerLevel, identifier string) error {
	res, err := s.db.Exec(`UPDATE circuit_breakers
		SET state = 'closed', failure_count = 0, success_count = 0,
		    extensions_count = 0, opened_at = NULL,
		    last_state_change_at = ?, version = version + 1
		WHERE level = ? AND identifier = ?`,
		encodeTime(now()), string(level), identifier)
	if err != nil {
		return fmt.Errorf("resetting breaker %s/%s: %w", level, identifier, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("breaker %s/%s not found", level, identifier)
	}
	return nil
}

// ListBreakers returns all breaker records ordered by (level, identifier).
func (s *Store) ListBreakers() ([]task.CircuitBreaker, error) {
	rows, err := s.db.Query(`SELECT id, level, identifier, state, failure_count,
		success_count, extensions_count, opened_at, last_failure_at,
		last_success_at, last_state_change_at, version
		FROM circuit_breakers ORDER BY level, identifier`)
	if err != nil {
		return nil, fmt.Errorf("querying breakers: %w", err)
	}
	defer rows.Close()

	var breakers []task.CircuitBreaker
	for rows.Next() {
		b, err := scanBreaker(rows)
		if err != nil {
			return nil, err
		}
		breakers = append(breakers, *b)
	}
	return breakers, rows.Err()
}

func scanBreaker(row rowScanner) (*task.CircuitBreaker, error) {
	var (
		b          task.CircuitBreaker
		level      string
		state      string
		openedAt   sql.NullString
		lastFail   sql.NullString
		lastOK     sql.NullString
		lastChange sql.NullString
	)
	err := row.Scan(&b.ID, &level, &b.Identifier, &state, &b.FailureCount,
		&b.SuccessCount, &b.ExtensionsCount, &openedAt, &lastFail, &lastOK,
		&lastChange, &b.Version)
	if err != nil {
		return nil, err
	}
	b.Level = task.BreakerLevel(level)
	b.State = task.BreakerState(state)
	if b.OpenedAt, err = decodeTimePtr(openedAt); err != nil {
		return nil, fmt.Errorf("decoding breaker opened_at: %w", err)
	}
	if b.LastFailureAt, err = decodeTimePtr(lastFail); err != nil {
		return nil, fmt.Errorf("decoding breaker last_failure_at: %w", err)
	}
	if b.LastSuccessAt, err = decodeTimePtr(lastOK); err != nil {
		return nil, fmt.Errorf("decoding breaker last_success_at: %w", err)
	}
	if b.LastStateChangeAt, err = decodeTimePtr(lastChange); err != nil {
		return nil, fmt.Errorf("decoding breaker last_state_change_at: %w", err)
	}
	return &b, nil
}

// HealthSummary is the aggregate view surfaced by the status command.
type HealthSummary struct {
	TotalTasks      int `json:"total_tasks"`
	CompleteTasks   int `json:"complete_tasks"`
	BlockedTasks    int `json:"blocked_tasks"`
	InProgressTasks int `json:"in_progress_tasks"`
	ActiveWorkers   int `json:"active_workers"`
	OpenBreakers    int `json:"open_breakers"`
}

// Health reads the health_summary view.
func (s *Store) Health() (*HealthSummary, error) {
	var h HealthSummary
	err := s.db.QueryRow(`SELECT total_tasks, complete_tasks, blocked_tasks,
		in_progress_tasks, active_workers, open_breakers FROM health_summary`).
		Scan(&h.TotalTasks, &h.CompleteTasks, &h.BlockedTasks,
			&h.InProgressTasks, &h.ActiveWorkers, &h.OpenBreakers)
	if err != nil {
		return nil, fmt.Errorf("reading health summary: %w", err)
	}
	return &h, nil
}
