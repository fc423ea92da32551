package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanmeadows/maestro/internal/task"
)

// ErrWorkerNotFound is returned when a worker id has no row.
var ErrWorkerNotFound = errors.New("worker not found")

// RegisterWorker upserts a worker slot. Re-registering an existing id resets
// its status and heartbeat, which is what a pool restart wants.
func (s *Store) RegisterWorker(id int64, branchName string) (*task.Worker, error) {
	ts := now()
	_, err := s.db.Exec(`INSERT INTO workers
		(id, status, registered_at, last_heartbeat, branch_name, version)
		VALUES (?, 'idle', ?, ?, ?, 1)
		ON CONFLICT (id) DO UPDATE SET
			status = 'idle', last_heartbeat = excluded.last_heartbeat,
			branch_name = excluded.branch_name, current_task_id = NULL,
			version = version + 1`,
		id, encodeTime(ts), encodeTime(ts), branchName)
	if err != nil {
		return nil, fmt.Errorf("registering worker %d: %w", id, err)
	}
	return s.GetWorker(id)
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(id int64) (*task.Worker, error) {
	row := s.db.QueryRow(`SELECT id, status, registered_at, last_heartbeat,
		current_task_id, branch_name, total_claims, completed_claims,
		failed_claims, total_invocations
		FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %d: %w", id, ErrWorkerNotFound)
	}
	return w, err
}

// UpdateTaskHeartbeat refreshes the worker's heartbeat and extends the claim
// lease on its current task.
func (s *Store) UpdateTaskHeartbeat(workerID, taskID int64, claimTimeout time.Duration) error {
	ts := now()
	if _, err := s.db.Exec(`UPDATE workers
		SET last_heartbeat = ?, version = version + 1
		WHERE id = ?`, encodeTime(ts), workerID); err != nil {
		return fmt.Errorf("updating heartbeat for worker %d: %w", workerID, err)
	}

	res, err := s.db.Exec(`UPDATE tasks
		SET claim_expires_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND claimed_by = ? AND status = 'in_progress'`,
		encodeTime(ts.Add(claimTimeout)), encodeTime(ts), taskID, workerID)
	if err != nil {
		return fmt.Errorf("extending claim on task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// The claim was lost (released or reclaimed); the worker should stop
		// working on this task.
		return fmt.Errorf("task %d is no longer claimed by worker %d", taskID, workerID)
	}
	return nil
}

// StaleWorkers returns workers whose last heartbeat is older than timeout.
func (s *Store) StaleWorkers(timeout time.Duration) ([]task.Worker, error) {
	cutoff := now().Add(-timeout)
	rows, err := s.db.Query(`SELECT id, status, registered_at, last_heartbeat,
		current_task_id, branch_name, total_claims, completed_claims,
		failed_claims, total_invocations
		FROM workers WHERE last_heartbeat < ? AND status != 'dead' ORDER BY id`,
		encodeTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("querying stale workers: %w", err)
	}
	defer rows.Close()

	var workers []task.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

// MarkWorkerDead transitions a worker to dead and detaches its current task.
func (s *Store) MarkWorkerDead(id int64) error {
	_, err := s.db.Exec(`UPDATE workers
		SET status = 'dead', current_task_id = NULL, version = version + 1
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking worker %d dead: %w", id, err)
	}
	return nil
}

// IncrementWorkerInvocations bumps the worker's LM invocation counter.
func (s *Store) IncrementWorkerInvocations(id int64) error {
	_, err := s.db.Exec(`UPDATE workers
		SET total_invocations = total_invocations + 1, version = version + 1
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("incrementing invocations for worker %d: %w", id, err)
	}
	return nil
}

// ListWorkers returns all workers ordered by id.
func (s *Store) ListWorkers() ([]task.Worker, error) {
	rows, err := s.db.Query(`SELECT id, status, registered_at, last_heartbeat,
		current_task_id, branch_name, total_claims, completed_claims,
		failed_claims, total_invocations
		FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying workers: %w", err)
	}
	defer rows.Close()

	var workers []task.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

func scanWorker(row rowScanner) (*task.Worker, error) {
	var (
		w             task.Worker
		status        string
		registeredAt  string
		lastHeartbeat string
		currentTask   sql.NullInt64
	)
	err := row.Scan(&w.ID, &status, &registeredAt, &lastHeartbeat, &currentTask,
		&w.BranchName, &w.TotalClaims, &w.CompletedClaims, &w.FailedClaims,
		&w.TotalInvocations)
	if err != nil {
		return nil, err
	}
	w.Status = task.WorkerStatus(status)
	if w.RegisteredAt, err = decodeTime(registeredAt); err != nil {
		return nil, fmt.Errorf("decoding worker registered_at: %w", err)
	}
	if w.LastHeartbeat, err = decodeTime(lastHeartbeat); err != nil {
		return nil, fmt.Errorf("decoding worker heartbeat: %w", err)
	}
	w.CurrentTaskID = nullInt64Ptr(currentTask)
	return &w, nil
}
