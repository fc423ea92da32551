package config

import "time"

// Config is the top-level maestro configuration.
type Config struct {
	Models    ModelsConfig    `json:"models"`
	Transport TransportConfig `json:"transport"`
	Pool      PoolConfig      `json:"pool"`
	Breakers  BreakersConfig  `json:"breakers"`
	Tools     ToolsConfig     `json:"tools"`
	Decompose DecomposeConfig `json:"decompose"`
	Store     StoreConfig     `json:"store"`
}

// TransportConfig locates the LM agent binary the engine streams completions
// from. Arguments are passed as argv; no shell is involved.
type TransportConfig struct {
	Binary string   `json:"binary"`
	Args   []string `json:"args"`
}

// ModelsConfig maps task complexity classes to LM models.
// Escalation starts at the task's own class and steps up one class per
// escalation, stopping at High.
type ModelsConfig struct {
	Low    string `json:"low"`
	Medium string `json:"medium"`
	High   string `json:"high"`
}

// PoolConfig controls the worker pool.
type PoolConfig struct {
	MaxWorkers        int    `json:"max_workers"`
	ClaimTimeout      string `json:"claim_timeout"`
	HeartbeatInterval string `json:"heartbeat_interval"`
	HeartbeatTimeout  string `json:"heartbeat_timeout"`
	InvocationBudget  int    `json:"invocation_budget"`
	MaxGreenAttempts  int    `json:"max_green_attempts"`
	StageTimeout      string `json:"stage_timeout"`
	VerifyTimeout     string `json:"verify_timeout"`
}

// ParseClaimTimeout returns the task claim lease duration.
func (p PoolConfig) ParseClaimTimeout() time.Duration {
	return parseDuration(p.ClaimTimeout, 10*time.Minute)
}

// ParseHeartbeatInterval returns how often workers extend their claims.
func (p PoolConfig) ParseHeartbeatInterval() time.Duration {
	return parseDuration(p.HeartbeatInterval, 30*time.Second)
}

// ParseHeartbeatTimeout returns the staleness cutoff for worker heartbeats.
func (p PoolConfig) ParseHeartbeatTimeout() time.Duration {
	return parseDuration(p.HeartbeatTimeout, 2*time.Minute)
}

// ParseStageTimeout returns the per-stage LM call timeout.
func (p PoolConfig) ParseStageTimeout() time.Duration {
	return parseDuration(p.StageTimeout, 15*time.Minute)
}

// ParseVerifyTimeout returns the timeout for verification tool runs.
func (p PoolConfig) ParseVerifyTimeout() time.Duration {
	return parseDuration(p.VerifyTimeout, 5*time.Minute)
}

// BreakersConfig tunes the circuit breaker hierarchy. One set of thresholds
// applies to all three levels; flap detection parameters are exposed here
// because the upstream behavior left them implementation-defined.
type BreakersConfig struct {
	FailureThreshold int    `json:"failure_threshold"`
	SuccessThreshold int    `json:"success_threshold"`
	FailureWindow    string `json:"failure_window"`
	OpenDuration     string `json:"open_duration"`
	MaxOpenDuration  string `json:"max_open_duration"`
	FlapWindow       string `json:"flap_window"`
	FlapThreshold    int    `json:"flap_threshold"`
}

// ParseFailureWindow returns the rolling window for counting failures.
func (b BreakersConfig) ParseFailureWindow() time.Duration {
	return parseDuration(b.FailureWindow, 10*time.Minute)
}

// ParseOpenDuration returns the initial open-state duration before probing.
func (b BreakersConfig) ParseOpenDuration() time.Duration {
	return parseDuration(b.OpenDuration, time.Minute)
}

// ParseMaxOpenDuration returns the cap on exponential open-duration extension.
func (b BreakersConfig) ParseMaxOpenDuration() time.Duration {
	return parseDuration(b.MaxOpenDuration, 16*time.Minute)
}

// ParseFlapWindow returns the window for closed↔open cycle counting.
func (b BreakersConfig) ParseFlapWindow() time.Duration {
	return parseDuration(b.FlapWindow, 5*time.Minute)
}

// ToolsConfig locates the external verification tool chain. Tools are resolved
// relative to the interpreter's bin directory, never by PATH lookup.
type ToolsConfig struct {
	Interpreter string   `json:"interpreter"`
	TestRoots   []string `json:"test_roots"`
}

// DecomposeConfig controls decomposition validators.
type DecomposeConfig struct {
	EnforceIntegrationBoundaries *bool    `json:"enforce_integration_boundaries"`
	IntegrationKeywords          []string `json:"integration_keywords"`
	MaxCriteriaPerTask           int      `json:"max_criteria_per_task"`
}

// IsBoundaryEnforcementEnabled reports whether the integration-boundary
// validator is active. Defaults to true when not explicitly set.
func (d DecomposeConfig) IsBoundaryEnforcementEnabled() bool {
	if d.EnforceIntegrationBoundaries == nil {
		return true
	}
	return *d.EnforceIntegrationBoundaries
}

// StoreConfig locates the sqlite database.
type StoreConfig struct {
	Path string `json:"path"`
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// boolPtr returns a pointer to the given bool value.
func boolPtr(b bool) *bool {
	return &b
}

// DefaultIntegrationKeywords flag impl paths that demand integration-level tests.
var DefaultIntegrationKeywords = []string{
	"/api/", "/routes/", "database", "db_", "_db", "repository", "handler", "endpoint",
}

// DefaultTestRoots are the conventional directories searched when a RED stage
// writes its test somewhere other than the planned path.
var DefaultTestRoots = []string{"tests", "test", "tests/unit", "tests/integration"}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Models: ModelsConfig{
			Low:    "anthropic/claude-haiku-4-5",
			Medium: "anthropic/claude-sonnet-4-5",
			High:   "anthropic/claude-opus-4-5",
		},
		Transport: TransportConfig{
			Binary: "claude",
			Args:   []string{"-p"},
		},
		Pool: PoolConfig{
			MaxWorkers:        4,
			ClaimTimeout:      "10m",
			HeartbeatInterval: "30s",
			HeartbeatTimeout:  "2m",
			InvocationBudget:  500,
			MaxGreenAttempts:  3,
			StageTimeout:      "15m",
			VerifyTimeout:     "5m",
		},
		Breakers: BreakersConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			FailureWindow:    "10m",
			OpenDuration:     "1m",
			MaxOpenDuration:  "16m",
			FlapWindow:       "5m",
			FlapThreshold:    3,
		},
		Tools: ToolsConfig{
			Interpreter: ".venv/bin/python",
			TestRoots:   DefaultTestRoots,
		},
		Decompose: DecomposeConfig{
			EnforceIntegrationBoundaries: boolPtr(true),
			IntegrationKeywords:          DefaultIntegrationKeywords,
			MaxCriteriaPerTask:           8,
		},
		Store: StoreConfig{
			Path: ".maestro/maestro.db",
		},
	}
}
