package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alanmeadows/maestro/internal/task"
)

// Errors returned by task operations.
var (
	ErrDuplicateKey = errors.New("task key already exists")
	ErrInvalidPhase = errors.New("phase/sequence already occupied")
	ErrTaskNotFound = errors.New("task not found")
)

const taskColumns = `id, key, title, goal, phase, sequence, status, complexity,
	task_type, test_file, impl_file, acceptance_criteria, module_exports,
	verify_command, done_criteria, implementation_hints, claimed_by,
	claim_expires_at, version, created_at, updated_at`

// CreateTask inserts a new task record. The task's dependency edges are
// written to task_dependencies in the same transaction.
func (s *Store) CreateTask(t *task.Task) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE key = ?`, t.Key).Scan(&exists); err != nil {
		return fmt.Errorf("checking key uniqueness: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("key %q: %w", t.Key, ErrDuplicateKey)
	}
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE phase = ? AND sequence = ?`, t.Phase, t.Sequence).Scan(&exists); err != nil {
		return fmt.Errorf("checking phase/sequence uniqueness: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("phase %d sequence %d: %w", t.Phase, t.Sequence, ErrInvalidPhase)
	}

	criteria, err := json.Marshal(orEmpty(t.AcceptanceCriteria))
	if err != nil {
		return fmt.Errorf("encoding acceptance criteria: %w", err)
	}
	exports, err := json.Marshal(orEmpty(t.ModuleExports))
	if err != nil {
		return fmt.Errorf("encoding module exports: %w", err)
	}

	ts := now()
	res, err := tx.Exec(`INSERT INTO tasks
		(key, title, goal, phase, sequence, status, complexity, task_type,
		 test_file, impl_file, acceptance_criteria, module_exports,
		 verify_command, done_criteria, implementation_hints,
		 version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		t.Key, t.Title, t.Goal, t.Phase, t.Sequence,
		string(defaultStatus(t.Status)), string(defaultComplexity(t.Complexity)), string(defaultType(t.TaskType)),
		t.TestFile, t.ImplFile, string(criteria), string(exports),
		t.VerifyCommand, t.DoneCriteria, t.ImplementationHints,
		encodeTime(ts), encodeTime(ts))
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", t.Key, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading task id: %w", err)
	}

	for _, dep := range t.DependsOn {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO task_dependencies (task_key, depends_on_key) VALUES (?, ?)`, t.Key, dep); err != nil {
			return fmt.Errorf("inserting dependency %s -> %s: %w", t.Key, dep, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing task %s: %w", t.Key, err)
	}

	t.ID = id
	t.Status = defaultStatus(t.Status)
	t.Complexity = defaultComplexity(t.Complexity)
	t.TaskType = defaultType(t.TaskType)
	t.Version = 1
	t.CreatedAt = ts
	t.UpdatedAt = ts
	return nil
}

// CreateTasks inserts a whole task set in one transaction. Decomposition uses
// this so a broken set is never partially committed; any failure rolls back
// every row.
func (s *Store) CreateTasks(tasks []task.Task) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	for i := range tasks {
		t := &tasks[i]

		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE key = ?`, t.Key).Scan(&exists); err != nil {
			return fmt.Errorf("checking key uniqueness: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("key %q: %w", t.Key, ErrDuplicateKey)
		}
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE phase = ? AND sequence = ?`, t.Phase, t.Sequence).Scan(&exists); err != nil {
			return fmt.Errorf("checking phase/sequence uniqueness: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("phase %d sequence %d: %w", t.Phase, t.Sequence, ErrInvalidPhase)
		}

		criteria, err := json.Marshal(orEmpty(t.AcceptanceCriteria))
		if err != nil {
			return fmt.Errorf("encoding acceptance criteria: %w", err)
		}
		exports, err := json.Marshal(orEmpty(t.ModuleExports))
		if err != nil {
			return fmt.Errorf("encoding module exports: %w", err)
		}

		res, err := tx.Exec(`INSERT INTO tasks
			(key, title, goal, phase, sequence, status, complexity, task_type,
			 test_file, impl_file, acceptance_criteria, module_exports,
			 verify_command, done_criteria, implementation_hints,
			 version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			t.Key, t.Title, t.Goal, t.Phase, t.Sequence,
			string(defaultStatus(t.Status)), string(defaultComplexity(t.Complexity)), string(defaultType(t.TaskType)),
			t.TestFile, t.ImplFile, string(criteria), string(exports),
			t.VerifyCommand, t.DoneCriteria, t.ImplementationHints,
			encodeTime(ts), encodeTime(ts))
		if err != nil {
			return fmt.Errorf("inserting task %s: %w", t.Key, err)
		}
		if t.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading task id: %w", err)
		}

		// depends_on is persisted, not just computed in memory.
		for _, dep := range t.DependsOn {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO task_dependencies (task_key, depends_on_key) VALUES (?, ?)`, t.Key, dep); err != nil {
				return fmt.Errorf("inserting dependency %s -> %s: %w", t.Key, dep, err)
			}
		}

		t.Version = 1
		t.CreatedAt = ts
		t.UpdatedAt = ts
	}

	return tx.Commit()
}

func defaultStatus(s task.Status) task.Status {
	if s == "" {
		return task.StatusPending
	}
	return s
}

func defaultComplexity(c task.Complexity) task.Complexity {
	if c == "" {
		return task.ComplexityMedium
	}
	return c
}

func defaultType(t task.Type) task.Type {
	if t == "" {
		return task.TypeImplement
	}
	return t
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// GetTask fetches a task by id.
func (s *Store) GetTask(id int64) (*task.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.attachDependencies(t)
}

// GetTaskByKey fetches a task by its stable key.
func (s *Store) GetTaskByKey(key string) (*task.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE key = ?`, key)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", key, ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.attachDependencies(t)
}

// ClaimableTasks returns tasks a worker may claim right now: pending and
// unclaimed, or in_progress with an expired claim (stale reclamation is
// pull-based), with every dependency complete. Pass phase < 0 for all phases.
// Ordered by (phase, sequence).
func (s *Store) ClaimableTasks(phase int) ([]task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks t
		WHERE (
			(t.status = 'pending' AND t.claimed_by IS NULL)
			OR (t.status = 'in_progress' AND t.claim_expires_at < ?)
		)
		AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			LEFT JOIN tasks dt ON dt.key = d.depends_on_key
			WHERE d.task_key = t.key
			AND (dt.status IS NULL OR dt.status != 'complete')
		)`
	args := []any{encodeTime(now())}
	if phase >= 0 {
		query += ` AND t.phase = ?`
		args = append(args, phase)
	}
	query += ` ORDER BY t.phase, t.sequence`

	return s.queryTasks(query, args...)
}

// ClaimTask attempts an optimistic claim of the task for the worker. It
// returns false without error when the task is no longer claimable or when a
// concurrent claim won the version race. On success the worker's claim
// counters and current task are updated.
func (s *Store) ClaimTask(taskID, workerID int64, timeout time.Duration) (bool, error) {
	t, err := s.GetTask(taskID)
	if err != nil {
		return false, err
	}

	ts := now()
	claimable := (t.Status == task.StatusPending && t.ClaimedBy == nil) ||
		(t.Status == task.StatusInProgress && t.ClaimExpiresAt != nil && t.ClaimExpiresAt.Before(ts))
	if !claimable {
		return false, nil
	}

	expires := ts.Add(timeout)
	res, err := s.db.Exec(`UPDATE tasks
		SET status = 'in_progress', claimed_by = ?, claim_expires_at = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		workerID, encodeTime(expires), encodeTime(ts), taskID, t.Version)
	if err != nil {
		return false, fmt.Errorf("claiming task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Lost the version race to another worker.
		return false, nil
	}

	if _, err := s.db.Exec(`UPDATE workers
		SET status = 'active', current_task_id = ?, total_claims = total_claims + 1,
		    version = version + 1
		WHERE id = ?`, taskID, workerID); err != nil {
		return false, fmt.Errorf("updating worker %d after claim: %w", workerID, err)
	}

	return true, nil
}

// ReleaseTask sets the task's outcome status, clears the claim, bumps the
// version, and notifies status-change observers.
func (s *Store) ReleaseTask(taskID int64, outcome task.Status) error {
	if !outcome.Valid() || outcome == task.StatusInProgress {
		return fmt.Errorf("invalid release outcome %q", outcome)
	}

	t, err := s.GetTask(taskID)
	if err != nil {
		return err
	}

	workerID := t.ClaimedBy

	res, err := s.db.Exec(`UPDATE tasks
		SET status = ?, claimed_by = NULL, claim_expires_at = NULL,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(outcome), encodeTime(now()), taskID, t.Version)
	if err != nil {
		return fmt.Errorf("releasing task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("releasing task %d: version conflict", taskID)
	}

	if workerID != nil {
		counter := "failed_claims"
		if outcome == task.StatusComplete {
			counter = "completed_claims"
		}
		if _, err := s.db.Exec(`UPDATE workers
			SET current_task_id = NULL, status = 'idle', `+counter+` = `+counter+` + 1,
			    version = version + 1
			WHERE id = ?`, *workerID); err != nil {
			return fmt.Errorf("updating worker %d after release: %w", *workerID, err)
		}
	}

	released, err := s.GetTask(taskID)
	if err != nil {
		return err
	}
	s.notify(*released)
	return nil
}

// UpdateTaskTestFile rewrites the task's test_file path. Used when post-RED
// file discovery locates the test at a different path than planned.
func (s *Store) UpdateTaskTestFile(taskID int64, testFile string) error {
	res, err := s.db.Exec(`UPDATE tasks
		SET test_file = ?, version = version + 1, updated_at = ?
		WHERE id = ?`, testFile, encodeTime(now()), taskID)
	if err != nil {
		return fmt.Errorf("updating test file for task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", taskID, ErrTaskNotFound)
	}
	return nil
}

// ReplaceDependencies rewrites the dependency edges for a task key.
func (s *Store) ReplaceDependencies(taskKey string, dependsOn []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM task_dependencies WHERE task_key = ?`, taskKey); err != nil {
		return fmt.Errorf("clearing dependencies for %s: %w", taskKey, err)
	}
	for _, dep := range dependsOn {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO task_dependencies (task_key, depends_on_key) VALUES (?, ?)`, taskKey, dep); err != nil {
			return fmt.Errorf("inserting dependency %s -> %s: %w", taskKey, dep, err)
		}
	}
	return tx.Commit()
}

// ListTasks returns every task ordered by (phase, sequence).
func (s *Store) ListTasks() ([]task.Task, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM tasks ORDER BY phase, sequence`)
}

// ListTasksByPhase returns the tasks belonging to one phase.
func (s *Store) ListTasksByPhase(phase int) ([]task.Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE phase = ? ORDER BY sequence`, phase)
}

// Phases returns the distinct phase numbers present in the store, ascending.
func (s *Store) Phases() ([]int, error) {
	rows, err := s.db.Query(`SELECT DISTINCT phase FROM tasks ORDER BY phase`)
	if err != nil {
		return nil, fmt.Errorf("listing phases: %w", err)
	}
	defer rows.Close()

	var phases []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

// CompletedSiblings returns completed tasks that share implFile, excluding the
// task identified by excludeKey. Used for sibling prompt context.
func (s *Store) CompletedSiblings(implFile, excludeKey string) ([]task.Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks
		WHERE impl_file = ? AND key != ? AND status = 'complete'
		ORDER BY phase, sequence`, implFile, excludeKey)
}

func (s *Store) queryTasks(query string, args ...any) ([]task.Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(tasks) == 0 {
		return tasks, nil
	}

	// Attach dependency edges in one pass.
	deps, err := s.allDependencies()
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].DependsOn = deps[tasks[i].Key]
	}
	return tasks, nil
}

func (s *Store) allDependencies() (map[string][]string, error) {
	rows, err := s.db.Query(`SELECT task_key, depends_on_key FROM task_dependencies ORDER BY task_key, depends_on_key`)
	if err != nil {
		return nil, fmt.Errorf("querying dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		deps[from] = append(deps[from], to)
	}
	return deps, rows.Err()
}

func (s *Store) attachDependencies(t *task.Task) (*task.Task, error) {
	rows, err := s.db.Query(`SELECT depends_on_key FROM task_dependencies WHERE task_key = ?`, t.Key)
	if err != nil {
		return nil, fmt.Errorf("querying dependencies for %s: %w", t.Key, err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(deps)
	t.DependsOn = deps
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                  task.Task
		status             string
		complexity         string
		taskType           string
		criteriaJSON       string
		exportsJSON        string
		claimedBy          sql.NullInt64
		claimExpires       sql.NullString
		createdAt, updated string
	)
	err := row.Scan(&t.ID, &t.Key, &t.Title, &t.Goal, &t.Phase, &t.Sequence,
		&status, &complexity, &taskType, &t.TestFile, &t.ImplFile,
		&criteriaJSON, &exportsJSON, &t.VerifyCommand, &t.DoneCriteria,
		&t.ImplementationHints, &claimedBy, &claimExpires, &t.Version,
		&createdAt, &updated)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.Complexity = task.Complexity(complexity)
	t.TaskType = task.Type(taskType)
	if err := json.Unmarshal([]byte(criteriaJSON), &t.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("decoding acceptance criteria for %s: %w", t.Key, err)
	}
	if err := json.Unmarshal([]byte(exportsJSON), &t.ModuleExports); err != nil {
		return nil, fmt.Errorf("decoding module exports for %s: %w", t.Key, err)
	}
	t.ClaimedBy = nullInt64Ptr(claimedBy)
	if t.ClaimExpiresAt, err = decodeTimePtr(claimExpires); err != nil {
		return nil, fmt.Errorf("decoding claim expiry for %s: %w", t.Key, err)
	}
	if t.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("decoding created_at for %s: %w", t.Key, err)
	}
	if t.UpdatedAt, err = decodeTime(updated); err != nil {
		return nil, fmt.Errorf("decoding updated_at for %s: %w", t.Key, err)
	}
	return &t, nil
}
