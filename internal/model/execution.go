package model

import "time"

// Execution status constants.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusError:   true,
	},
	StatusRunning: {
		StatusSuccess: true,
		StatusError:   true,
		StatusTimeout: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Execution is the persisted history record of one function invocation.
type Execution struct {
	ID         string     `json:"id"`
	FunctionID int64      `json:"function_id"`
	Status     string     `json:"status"`
	Backend    Backend    `json:"backend"`
	Stdout     string     `json:"stdout,omitempty"`
	Stderr     string     `json:"stderr,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	ColdStart  bool       `json:"cold_start"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ExecutionResult is the immutable outcome of one invocation.
type ExecutionResult struct {
	ExecutionID string        `json:"execution_id"`
	FunctionID  int64         `json:"function_id"`
	Backend     Backend       `json:"backend"`
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	ExitCode    int           `json:"exit_code"`
	TimedOut    bool          `json:"timeout"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"-"`
	ColdStart   bool          `json:"cold_start"`
}

// Success reports whether the invocation completed without timeout or error.
func (r ExecutionResult) Success() bool {
	return !r.TimedOut && r.Error == ""
}

// Status maps the result to an execution status.
func (r ExecutionResult) Status() string {
	switch {
	case r.TimedOut:
		return StatusTimeout
	case r.Error != "":
		return StatusError
	default:
		return StatusSuccess
	}
}

// LogLine represents a single persisted output line from an execution.
type LogLine struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Line        string    `json:"line"`
	CreatedAt   time.Time `json:"created_at"`
}
