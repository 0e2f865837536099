package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/go-diff/diff"

	"verify-engine/internal/executor"
	"verify-engine/internal/monitor"
	"verify-engine/internal/sched"
)

// Outcome is the overall verdict of a verification run.
type Outcome string

const (
	// OutcomePassed means every test command exited zero.
	OutcomePassed Outcome = "passed"
	// OutcomeTestsFailed means the patch applied but at least one test
	// command failed, crashed, or timed out.
	OutcomeTestsFailed Outcome = "tests_failed"
	// OutcomePatchDidNotApply means the diff could not be applied. No
	// sandboxed execution happens in this case.
	OutcomePatchDidNotApply Outcome = "patch_did_not_apply"
	// OutcomeUndetermined means the verdict could not be established:
	// infrastructure failed before any test produced a usable result.
	OutcomeUndetermined Outcome = "undetermined"
)

// Region is a contiguous line range in a patched file, addressed in
// post-patch coordinates.
type Region struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// StaticSignals are the non-execution measurements a verification run
// gathers from the diff itself.
type StaticSignals struct {
	FilesChanged   int      `json:"files_changed"`
	Hunks          int      `json:"hunks"`
	LinesAdded     int      `json:"lines_added"`
	LinesDeleted   int      `json:"lines_deleted"`
	LintBefore     int      `json:"lint_before"`
	LintAfter      int      `json:"lint_after"`
	LintDelta      int      `json:"lint_delta"`
	PatchedRegions []Region `json:"patched_regions"`
}

// CommandResult pairs one test command with its execution result, or
// with the infrastructure error that prevented one.
type CommandResult struct {
	Command []string                  `json:"command"`
	Result  *executor.ExecutionResult `json:"result,omitempty"`
	Error   string                    `json:"error,omitempty"`
}

// Report is the full output of a verification run.
type Report struct {
	GroupID  string          `json:"group_id"`
	Outcome  Outcome         `json:"outcome"`
	Reason   string          `json:"reason,omitempty"`
	Commands []CommandResult `json:"commands"`
	Static   StaticSignals   `json:"static"`
	Duration time.Duration   `json:"duration"`
}

// Request describes a patch to verify against a snapshot.
type Request struct {
	TenantID     string
	SnapshotDir  string
	Patch        []byte
	TestCommands [][]string
	Env          []string
	Timeout      time.Duration
	Limits       executor.ResourceLimits
	Network      executor.NetworkPolicy
}

func (r *Request) validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", executor.ErrInvalidRequest)
	}
	if r.SnapshotDir == "" {
		return fmt.Errorf("%w: snapshot dir is required", executor.ErrInvalidRequest)
	}
	if len(r.Patch) == 0 {
		return fmt.Errorf("%w: patch is empty", executor.ErrInvalidRequest)
	}
	if len(r.TestCommands) == 0 {
		return fmt.Errorf("%w: at least one test command is required", executor.ErrInvalidRequest)
	}
	return nil
}

// Verifier applies a candidate patch to a snapshot and runs its test
// commands through the scheduler, all under one job group.
type Verifier struct {
	sched   *sched.Scheduler
	linter  Linter
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	log     zerolog.Logger
}

func NewVerifier(s *sched.Scheduler, linter Linter, metrics *monitor.Metrics) *Verifier {
	if linter == nil {
		linter = NewHeuristicLinter()
	}
	return &Verifier{
		sched:   s,
		linter:  linter,
		metrics: metrics,
		tracer:  monitor.NewTracer(),
		log:     zerolog.New(os.Stderr).With().Timestamp().Str("component", "verifier").Logger(),
	}
}

// Verify runs the full verification flow. A patch that does not apply
// is reported immediately with zero sandboxed executions.
func (v *Verifier) Verify(ctx context.Context, req Request) (*Report, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	started := time.Now()
	report := &Report{GroupID: uuid.New().String()}

	ctx, span := v.tracer.StartSpan(ctx, "patch", monitor.AttrTenant.String(req.TenantID))
	defer span.End()
	defer func() { span.SetAttributes(monitor.AttrOutcome.String(string(report.Outcome))) }()

	fds, err := parsePatch(req.Patch)
	if err != nil {
		return v.didNotApply(report, started, err), nil
	}
	report.Static = staticSignals(fds)

	workDir, err := os.MkdirTemp("", "verify-"+report.GroupID[:8]+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating verification workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	if err := copySnapshot(req.SnapshotDir, workDir); err != nil {
		return nil, fmt.Errorf("copying snapshot: %w", err)
	}

	changed := changedFiles(fds)
	before, err := v.linter.Lint(ctx, workDir, changed)
	if err != nil {
		v.log.Warn().Err(err).Msg("pre-patch lint failed, lint signal degraded")
		before = 0
	}

	if err := applyPatch(workDir, fds); err != nil {
		return v.didNotApply(report, started, err), nil
	}

	after, err := v.linter.Lint(ctx, workDir, changed)
	if err != nil {
		v.log.Warn().Err(err).Msg("post-patch lint failed, lint signal degraded")
		after = before
	}
	report.Static.LintBefore = before
	report.Static.LintAfter = after
	report.Static.LintDelta = after - before

	report.Commands = v.runTests(ctx, req, workDir, report.GroupID)
	report.Outcome, report.Reason = summarize(report.Commands)
	report.Duration = time.Since(started)

	if v.metrics != nil {
		v.metrics.RecordVerification(string(report.Outcome))
	}
	v.log.Info().
		Str("group_id", report.GroupID).
		Str("outcome", string(report.Outcome)).
		Int("commands", len(report.Commands)).
		Dur("duration", report.Duration).
		Msg("verification finished")
	return report, nil
}

// runTests submits every test command against the patched workspace.
// Commands run sequentially: a later command often depends on state the
// earlier ones assert, and sequential results read cleanly in a report.
func (v *Verifier) runTests(ctx context.Context, req Request, workDir, groupID string) []CommandResult {
	results := make([]CommandResult, 0, len(req.TestCommands))
	for _, cmd := range req.TestCommands {
		cr := CommandResult{Command: cmd}
		exec := executor.ExecutionRequest{
			TenantID:    req.TenantID,
			Command:     cmd,
			SnapshotDir: workDir,
			Env:         req.Env,
			Limits:      req.Limits,
			Timeout:     req.Timeout,
			Network:     req.Network,
			GroupID:     groupID,
		}
		handle, err := v.sched.Submit(ctx, exec)
		if err != nil {
			cr.Error = err.Error()
			results = append(results, cr)
			continue
		}
		res, err := v.sched.Await(ctx, handle)
		if err != nil {
			cr.Error = err.Error()
		} else {
			cr.Result = res
		}
		results = append(results, cr)
	}
	return results
}

func (v *Verifier) didNotApply(report *Report, started time.Time, err error) *Report {
	report.Outcome = OutcomePatchDidNotApply
	report.Reason = err.Error()
	report.Duration = time.Since(started)
	if v.metrics != nil {
		v.metrics.RecordVerification(string(OutcomePatchDidNotApply))
	}
	v.log.Info().Str("group_id", report.GroupID).Err(err).Msg("patch did not apply")
	return report
}

// summarize folds per-command results into the overall outcome. Any
// definite test failure wins over infrastructure trouble: a failed
// verdict is actionable, an undetermined one is not.
func summarize(commands []CommandResult) (Outcome, string) {
	sawResult := false
	for _, cr := range commands {
		if cr.Result == nil {
			continue
		}
		sawResult = true
		switch {
		case cr.Result.Outcome == executor.OutcomeTimedOut:
			return OutcomeTestsFailed, fmt.Sprintf("command %v timed out", cr.Command)
		case cr.Result.Outcome == executor.OutcomeCrashed:
			return OutcomeTestsFailed, fmt.Sprintf("command %v crashed", cr.Command)
		case cr.Result.ExitCode != 0:
			return OutcomeTestsFailed, fmt.Sprintf("command %v exited %d", cr.Command, cr.Result.ExitCode)
		}
	}
	if !sawResult {
		return OutcomeUndetermined, "no test command produced a result"
	}
	for _, cr := range commands {
		if cr.Result == nil {
			return OutcomeUndetermined, fmt.Sprintf("command %v did not run: %s", cr.Command, cr.Error)
		}
	}
	return OutcomePassed, ""
}

// staticSignals measures the diff itself: churn counts and the patched
// regions in post-patch line coordinates.
func staticSignals(fds []*diff.FileDiff) StaticSignals {
	var s StaticSignals
	s.FilesChanged = len(fds)
	for _, fd := range fds {
		path := strippedPath(fd.NewName)
		if path == "" {
			path = strippedPath(fd.OrigName)
		}
		for _, hunk := range fd.Hunks {
			s.Hunks++
			for _, line := range splitKeepEmpty(hunk.Body) {
				if len(line) == 0 {
					continue
				}
				switch line[0] {
				case '+':
					s.LinesAdded++
				case '-':
					s.LinesDeleted++
				}
			}
			if hunk.NewLines > 0 {
				s.PatchedRegions = append(s.PatchedRegions, Region{
					Path:      path,
					StartLine: int(hunk.NewStartLine),
					EndLine:   int(hunk.NewStartLine) + int(hunk.NewLines) - 1,
				})
			}
		}
	}
	sort.Slice(s.PatchedRegions, func(i, j int) bool {
		a, b := s.PatchedRegions[i], s.PatchedRegions[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.StartLine < b.StartLine
	})
	return s
}

// changedFiles lists the post-patch relative paths a diff touches.
func changedFiles(fds []*diff.FileDiff) []string {
	seen := make(map[string]struct{}, len(fds))
	var files []string
	for _, fd := range fds {
		path := strippedPath(fd.NewName)
		if path == "" {
			path = strippedPath(fd.OrigName)
		}
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}
	sort.Strings(files)
	return files
}

// IsPatchError reports whether err is a patch-application failure as
// opposed to infrastructure trouble.
func IsPatchError(err error) bool {
	return errors.Is(err, ErrPatchDidNotApply)
}
