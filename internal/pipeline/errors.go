package pipeline

import "errors"

// Error kinds of the per-task state machine. Fatal-to-task errors release the
// task as blocked with the cause recorded on the final attempt row; the pool
// keeps running.
var (
	ErrStageTimeout          = errors.New("stage timed out")
	ErrLMTransport           = errors.New("LM transport error")
	ErrVerifierToolMissing   = errors.New("verifier tool missing")
	ErrFileMissing           = errors.New("expected file missing")
	ErrStaticReviewBlocked   = errors.New("static review blocked")
	ErrGreenRetriesExhausted = errors.New("green retries exhausted")
	ErrPostRefactorFixFailed = errors.New("post-refactor fix failed")
	ErrCircuitOpen           = errors.New("circuit open")
)
