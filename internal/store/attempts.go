package store

import (
	"database/sql"
	"fmt"

	"github.com/alanmeadows/maestro/internal/task"
)

// NextAttemptNumber returns the next 1-based attempt number for (task, stage).
func (s *Store) NextAttemptNumber(taskID int64, stage task.Stage) (int, error) {
	var maxNum sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(attempt_number) FROM attempts WHERE task_id = ? AND stage = ?`,
		taskID, string(stage)).Scan(&maxNum)
	if err != nil {
		return 0, fmt.Errorf("reading attempt count for task %d stage %s: %w", taskID, stage, err)
	}
	if !maxNum.Valid {
		return 1, nil
	}
	return int(maxNum.Int64) + 1, nil
}

// RecordStageAttempt appends an attempt row. Attempt rows are append-only;
// nothing updates or deletes them.
func (s *Store) RecordStageAttempt(a *task.Attempt) error {
	if a.AttemptNumber < 1 {
		return fmt.Errorf("attempt number must be >= 1, got %d", a.AttemptNumber)
	}

	res, err := s.db.Exec(`INSERT INTO attempts
		(task_id, stage, attempt_number, success, error_message,
		 test_exit_code, lint_exit_code, type_exit_code, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TaskID, string(a.Stage), a.AttemptNumber, boolToInt(a.Success),
		a.ErrorMessage, intPtrValue(a.TestExitCode), intPtrValue(a.LintExitCode),
		intPtrValue(a.TypeExitCode), encodeTime(a.StartedAt), encodeTimePtr(a.CompletedAt))
	if err != nil {
		return fmt.Errorf("recording %s attempt %d for task %d: %w", a.Stage, a.AttemptNumber, a.TaskID, err)
	}

	a.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading attempt id: %w", err)
	}
	return nil
}

// AttemptsForTask returns the task's attempt rows in insertion order.
func (s *Store) AttemptsForTask(taskID int64) ([]task.Attempt, error) {
	rows, err := s.db.Query(`SELECT id, task_id, stage, attempt_number, success,
		error_message, test_exit_code, lint_exit_code, type_exit_code,
		started_at, completed_at
		FROM attempts WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying attempts for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var attempts []task.Attempt
	for rows.Next() {
		var (
			stage          string
			success        int
			testEC, lintEC sql.NullInt64
			typeEC         sql.NullInt64
			startedAt      string
			completedAt    sql.NullString
			rec            task.Attempt
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &stage, &rec.AttemptNumber,
			&success, &rec.ErrorMessage, &testEC, &lintEC, &typeEC,
			&startedAt, &completedAt); err != nil {
			return nil, err
		}
		rec.Stage = task.Stage(stage)
		rec.Success = success != 0
		rec.TestExitCode = nullIntPtr(testEC)
		rec.LintExitCode = nullIntPtr(lintEC)
		rec.TypeExitCode = nullIntPtr(typeEC)
		if rec.StartedAt, err = decodeTime(startedAt); err != nil {
			return nil, fmt.Errorf("decoding attempt started_at: %w", err)
		}
		if rec.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
			return nil, fmt.Errorf("decoding attempt completed_at: %w", err)
		}
		attempts = append(attempts, rec)
	}
	return attempts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intPtrValue(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
