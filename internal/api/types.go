package api

import (
	"time"

	"verify-engine/internal/correlate"
	"verify-engine/internal/executor"
	"verify-engine/internal/minimize"
	"verify-engine/internal/score"
	"verify-engine/internal/verify"
)

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// SubmitJobRequest is the API-level request to run a command in an
// isolated sandbox.
type SubmitJobRequest struct {
	TenantID    string                  `json:"tenant_id"`
	Command     []string                `json:"command"`
	InputName   string                  `json:"input_name,omitempty"`
	Input       string                  `json:"input,omitempty"`
	SnapshotDir string                  `json:"snapshot_dir,omitempty"`
	Env         []string                `json:"env,omitempty"`
	Timeout     Duration                `json:"timeout,omitempty"`
	Limits      executor.ResourceLimits `json:"limits,omitempty"`
	Network     executor.NetworkPolicy  `json:"network,omitempty"`
	BypassCache bool                    `json:"bypass_cache,omitempty"`
}

// JobResponse reports a job's current state, plus its result once the
// job has settled.
type JobResponse struct {
	ID     string                    `json:"id"`
	State  string                    `json:"state"`
	Result *executor.ExecutionResult `json:"result,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

// VerifyRequest asks the engine to apply a patch and run its tests.
type VerifyRequest struct {
	TenantID     string                  `json:"tenant_id"`
	SnapshotDir  string                  `json:"snapshot_dir"`
	Patch        string                  `json:"patch"`
	TestCommands [][]string              `json:"test_commands"`
	Env          []string                `json:"env,omitempty"`
	Timeout      Duration                `json:"timeout,omitempty"`
	Limits       executor.ResourceLimits `json:"limits,omitempty"`
	Network      executor.NetworkPolicy  `json:"network,omitempty"`

	// Scoring inputs. When Citations or History are present the
	// response includes a confidence score alongside the report.
	Citations []score.Citation    `json:"citations,omitempty"`
	History   *score.HistoryStats `json:"history,omitempty"`
	Score     bool                `json:"score,omitempty"`
}

// VerifyResponse pairs the verification report with an optional score.
type VerifyResponse struct {
	Report *verify.Report `json:"report"`
	Score  *score.Score   `json:"score,omitempty"`
}

// MinimizeRequest asks the engine to shrink a failing input while the
// failure keeps reproducing.
type MinimizeRequest struct {
	TenantID         string                  `json:"tenant_id"`
	Command          []string                `json:"command"`
	InputName        string                  `json:"input_name"`
	Input            string                  `json:"input"`
	SnapshotDir      string                  `json:"snapshot_dir,omitempty"`
	Env              []string                `json:"env,omitempty"`
	Timeout          Duration                `json:"timeout,omitempty"`
	Limits           executor.ResourceLimits `json:"limits,omitempty"`
	FailureSignature string                  `json:"failure_signature,omitempty"`
	MaxOracleCalls   int                     `json:"max_oracle_calls,omitempty"`
	MaxWallClock     Duration                `json:"max_wall_clock,omitempty"`
}

// MinimizeResponse carries the shrunken input and the run statistics.
type MinimizeResponse struct {
	Minimized   string `json:"minimized"`
	Partial     bool   `json:"partial"`
	OracleCalls int    `json:"oracle_calls"`
	Rounds      int    `json:"rounds"`

	OriginalBytes  int `json:"original_bytes"`
	MinimizedBytes int `json:"minimized_bytes"`
}

// CorrelateRequest asks for likely source locations of a failure.
type CorrelateRequest struct {
	Repo       string            `json:"repo"`
	Stacktrace string            `json:"stacktrace"`
	Logs       string            `json:"logs,omitempty"`
	Changed    map[string]string `json:"recently_changed,omitempty"` // path -> RFC3339 last-change time
}

// CorrelateResponse lists candidate locations, best first.
type CorrelateResponse struct {
	Candidates []correlate.CandidateLocation `json:"candidates"`
}

// ScoreRequest scores an existing verification report.
type ScoreRequest struct {
	Report      *verify.Report      `json:"report"`
	Citations   []score.Citation    `json:"citations,omitempty"`
	SnapshotDir string              `json:"snapshot_dir,omitempty"`
	History     *score.HistoryStats `json:"history,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  bool   `json:"backend"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}

// toExecutionRequest maps the wire request onto the executor's type.
// An absent input stays nil so input-less commands validate.
func (r *SubmitJobRequest) toExecutionRequest() executor.ExecutionRequest {
	var input []byte
	if r.Input != "" {
		input = []byte(r.Input)
	}
	return executor.ExecutionRequest{
		TenantID:    r.TenantID,
		Command:     r.Command,
		InputName:   r.InputName,
		Input:       input,
		SnapshotDir: r.SnapshotDir,
		Env:         r.Env,
		Limits:      r.Limits,
		Timeout:     r.Timeout.Duration,
		Network:     r.Network,
		BypassCache: r.BypassCache,
	}
}

func (r *MinimizeRequest) budget() minimize.Budget {
	return minimize.Budget{
		MaxOracleCalls: r.MaxOracleCalls,
		MaxWallClock:   r.MaxWallClock.Duration,
	}
}
