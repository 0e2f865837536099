package executor

import "time"

// Outcome classifies how an execution ended. A non-zero exit code is
// still OutcomeCompleted: the command ran to completion and failed,
// which is a result for the caller to interpret, not an infrastructure
// error.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCrashed   Outcome = "crashed" // killed for exceeding memory/CPU limits
)

// Artifact references a file the command left in its workspace.
type Artifact struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// ExecutionResult captures everything observable from one execution.
// Immutable once produced; cached by the request's content hash.
type ExecutionResult struct {
	ID          string        `json:"id"`
	ContentHash string        `json:"content_hash"`
	Outcome     Outcome       `json:"outcome"`
	ExitCode    int           `json:"exit_code"`
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	Duration    time.Duration `json:"duration"`
	Artifacts   []Artifact    `json:"artifacts,omitempty"`
	CacheHit    bool          `json:"cache_hit,omitempty"`
}

const (
	maxStdoutBytes = 1 << 20    // 1MB
	maxStderrBytes = 256 * 1024 // 256KB
)

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}
