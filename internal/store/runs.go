package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/alanmeadows/maestro/internal/task"
)

// Errors returned by run operations.
var (
	ErrRunActive   = errors.New("another run is already running")
	ErrRunNotFound = errors.New("run not found")
)

// StartRun creates a new execution run. Exactly one run may be running at a
// time; starting while another is running fails with ErrRunActive.
func (s *Store) StartRun(maxWorkers int) (*task.ExecutionRun, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM execution_runs WHERE status = 'running'`).Scan(&active); err != nil {
		return nil, fmt.Errorf("checking active runs: %w", err)
	}
	if active > 0 {
		return nil, ErrRunActive
	}

	ts := now()
	res, err := tx.Exec(`INSERT INTO execution_runs (started_at, max_workers, status)
		VALUES (?, ?, 'running')`, encodeTime(ts), maxWorkers)
	if err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading run id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing run: %w", err)
	}

	return &task.ExecutionRun{
		ID:         id,
		StartedAt:  ts,
		MaxWorkers: maxWorkers,
		Status:     task.RunRunning,
	}, nil
}

// FinishRun stamps the run's terminal status and completion time.
func (s *Store) FinishRun(runID int64, status task.RunStatus) error {
	res, err := s.db.Exec(`UPDATE execution_runs
		SET status = ?, completed_at = ?
		WHERE id = ?`, string(status), encodeTime(now()), runID)
	if err != nil {
		return fmt.Errorf("finishing run %d: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %d: %w", runID, ErrRunNotFound)
	}
	return nil
}

// SetRunStatus rewrites the run's status without touching completion time.
// The end-of-run validator uses this to move completed → passed/failed.
func (s *Store) SetRunStatus(runID int64, status task.RunStatus) error {
	_, err := s.db.Exec(`UPDATE execution_runs SET status = ? WHERE id = ?`, string(status), runID)
	if err != nil {
		return fmt.Errorf("setting status for run %d: %w", runID, err)
	}
	return nil
}

// IncrementRunInvocations bumps the run's aggregate LM invocation counter and
// returns the new total, which the pool compares against the budget.
func (s *Store) IncrementRunInvocations(runID int64) (int, error) {
	if _, err := s.db.Exec(`UPDATE execution_runs
		SET total_invocations = total_invocations + 1 WHERE id = ?`, runID); err != nil {
		return 0, fmt.Errorf("incrementing invocations for run %d: %w", runID, err)
	}
	var total int
	if err := s.db.QueryRow(`SELECT total_invocations FROM execution_runs WHERE id = ?`, runID).Scan(&total); err != nil {
		return 0, fmt.Errorf("reading invocations for run %d: %w", runID, err)
	}
	return total, nil
}

// SetRunValidation persists the end-of-run validation outcome.
func (s *Store) SetRunValidation(runID int64, status, detailsJSON string) error {
	_, err := s.db.Exec(`UPDATE execution_runs
		SET validation_status = ?, validation_details = ?
		WHERE id = ?`, status, detailsJSON, runID)
	if err != nil {
		return fmt.Errorf("setting validation for run %d: %w", runID, err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(id int64) (*task.ExecutionRun, error) {
	row := s.db.QueryRow(`SELECT id, started_at, completed_at, max_workers,
		status, total_invocations, validation_status, validation_details
		FROM execution_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, ErrRunNotFound)
	}
	return r, err
}

// LatestRun returns the most recent run, or ErrRunNotFound when none exists.
func (s *Store) LatestRun() (*task.ExecutionRun, error) {
	row := s.db.QueryRow(`SELECT id, started_at, completed_at, max_workers,
		status, total_invocations, validation_status, validation_details
		FROM execution_runs ORDER BY id DESC LIMIT 1`)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return r, err
}

func scanRun(row rowScanner) (*task.ExecutionRun, error) {
	var (
		r           task.ExecutionRun
		status      string
		startedAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&r.ID, &startedAt, &completedAt, &r.MaxWorkers, &status,
		&r.TotalInvocations, &r.ValidationStatus, &r.ValidationDetails)
	if err != nil {
		return nil, err
	}
	r.Status = task.RunStatus(status)
	if r.StartedAt, err = decodeTime(startedAt); err != nil {
		return nil, fmt.Errorf("decoding run started_at: %w", err)
	}
	if r.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("decoding run completed_at: %w", err)
	}
	return &r, nil
}
