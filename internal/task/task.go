// Package task defines the domain records and closed enum sets shared by the
// store, pipeline, pool, and decomposition layers.
package task

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending             Status = "pending"
	StatusInProgress          Status = "in_progress"
	StatusComplete            Status = "complete"
	StatusBlocked             Status = "blocked"
	StatusBlockedStaticReview Status = "blocked-static-review"
)

// validStatuses is the set of allowed task statuses.
var validStatuses = map[Status]bool{
	StatusPending:             true,
	StatusInProgress:          true,
	StatusComplete:            true,
	StatusBlocked:             true,
	StatusBlockedStaticReview: true,
}

// Valid reports whether s is a known task status.
func (s Status) Valid() bool { return validStatuses[s] }

// IsTerminal reports whether the status is a final state for the current run.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusBlocked, StatusBlockedStaticReview:
		return true
	default:
		return false
	}
}

// Complexity selects the LM model class for a task.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Valid reports whether c is a known complexity.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	}
	return false
}

// Type distinguishes implementing tasks from verify-only tasks.
type Type string

const (
	TypeImplement  Type = "implement"
	TypeVerifyOnly Type = "verify-only"
)

// Stage is one step of the TDD state machine.
type Stage string

const (
	StageRed      Stage = "red"
	StageRedFix   Stage = "red_fix"
	StageGreen    Stage = "green"
	StageReview   Stage = "review"
	StageFix      Stage = "fix"
	StageVerify   Stage = "verify"
	StageReVerify Stage = "re_verify"
	StageRefactor Stage = "refactor"
	StageCommit   Stage = "commit"
)

// Stages enumerates every pipeline stage, in state-machine order.
var Stages = []Stage{
	StageRed, StageRedFix, StageGreen, StageReview, StageFix,
	StageVerify, StageReVerify, StageRefactor, StageCommit,
}

// Task is the unit of TDD work.
type Task struct {
	ID                  int64      `json:"id"`
	Key                 string     `json:"key"`
	Title               string     `json:"title"`
	Goal                string     `json:"goal"`
	Phase               int        `json:"phase"`
	Sequence            int        `json:"sequence"`
	Status              Status     `json:"status"`
	Complexity          Complexity `json:"complexity"`
	TaskType            Type       `json:"task_type"`
	TestFile            string     `json:"test_file"`
	ImplFile            string     `json:"impl_file"`
	DependsOn           []string   `json:"depends_on"`
	AcceptanceCriteria  []string   `json:"acceptance_criteria"`
	ModuleExports       []string   `json:"module_exports"`
	VerifyCommand       string     `json:"verify_command,omitempty"`
	DoneCriteria        string     `json:"done_criteria,omitempty"`
	ImplementationHints string     `json:"implementation_hints,omitempty"`
	ClaimedBy           *int64     `json:"claimed_by,omitempty"`
	ClaimExpiresAt      *time.Time `json:"claim_expires_at,omitempty"`
	Version             int64      `json:"version"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Attempt records one stage execution for a task.
type Attempt struct {
	ID            int64      `json:"id"`
	TaskID        int64      `json:"task_id"`
	Stage         Stage      `json:"stage"`
	AttemptNumber int        `json:"attempt_number"`
	Success       bool       `json:"success"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	TestExitCode  *int       `json:"test_exit_code,omitempty"`
	LintExitCode  *int       `json:"lint_exit_code,omitempty"`
	TypeExitCode  *int       `json:"type_exit_code,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// WorkerStatus is the lifecycle state of a pool worker.
type WorkerStatus string

const (
	WorkerActive WorkerStatus = "active"
	WorkerIdle   WorkerStatus = "idle"
	WorkerDead   WorkerStatus = "dead"
)

// Worker is one orchestrator-owned concurrency slot.
type Worker struct {
	ID               int64        `json:"id"`
	Status           WorkerStatus `json:"status"`
	RegisteredAt     time.Time    `json:"registered_at"`
	LastHeartbeat    time.Time    `json:"last_heartbeat"`
	CurrentTaskID    *int64       `json:"current_task_id,omitempty"`
	BranchName       string       `json:"branch_name,omitempty"`
	TotalClaims      int          `json:"total_claims"`
	CompletedClaims  int          `json:"completed_claims"`
	FailedClaims     int          `json:"failed_claims"`
	TotalInvocations int          `json:"total_invocations"`
}

// RunStatus is the lifecycle state of an execution run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	// RunCompleted is the pre-validation terminal state: the pool drained
	// normally but end-of-run validation has not concluded yet.
	RunCompleted RunStatus = "completed"
	RunPassed    RunStatus = "passed"
	RunFailed    RunStatus = "failed"
)

// ExecutionRun is one invocation of the worker pool.
type ExecutionRun struct {
	ID                int64      `json:"id"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	MaxWorkers        int        `json:"max_workers"`
	Status            RunStatus  `json:"status"`
	TotalInvocations  int        `json:"total_invocations"`
	ValidationStatus  string     `json:"validation_status,omitempty"`
	ValidationDetails string     `json:"validation_details,omitempty"`
}

// BreakerLevel is the scope of a circuit breaker.
type BreakerLevel string

const (
	BreakerStage  BreakerLevel = "stage"
	BreakerWorker BreakerLevel = "worker"
	BreakerSystem BreakerLevel = "system"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker is the persisted breaker record.
type CircuitBreaker struct {
	ID                int64        `json:"id"`
	Level             BreakerLevel `json:"level"`
	Identifier        string       `json:"identifier"`
	State             BreakerState `json:"state"`
	FailureCount      int          `json:"failure_count"`
	SuccessCount      int          `json:"success_count"`
	ExtensionsCount   int          `json:"extensions_count"`
	OpenedAt          *time.Time   `json:"opened_at,omitempty"`
	LastFailureAt     *time.Time   `json:"last_failure_at,omitempty"`
	LastSuccessAt     *time.Time   `json:"last_success_at,omitempty"`
	LastStateChangeAt *time.Time   `json:"last_state_change_at,omitempty"`
	Version           int64        `json:"version"`
}
