package executor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// LocalRunner executes requests as plain host processes inside an
// ephemeral workspace. It honors the wall-clock timeout and the workspace
// overlay contract but enforces no memory/CPU/network isolation, so it is
// only selected when Docker is unavailable (development machines, CI).
type LocalRunner struct {
	workspaceRoot string
	sem           chan struct{}
	active        atomic.Int64
	wg            sync.WaitGroup
}

func NewLocalRunner(opts Options) *LocalRunner {
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}
	return &LocalRunner{
		workspaceRoot: opts.WorkspaceRoot,
		sem:           make(chan struct{}, maxConcurrent),
	}
}

func (l *LocalRunner) Run(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	execID := uuid.New().String()
	contentHash := req.ContentHash()

	if err := req.Validate(); err != nil {
		return nil, &ExecError{ExecID: execID, Op: "validate", Err: err}
	}

	select {
	case l.sem <- struct{}{}:
		defer func() { <-l.sem }()
	case <-ctx.Done():
		return nil, &ExecError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	l.wg.Add(1)
	defer l.wg.Done()
	l.active.Add(1)
	defer l.active.Add(-1)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workspace, err := provisionWorkspace(l.workspaceRoot, execID, req)
	if err != nil {
		return nil, &ExecError{ExecID: execID, Op: "provision_workspace", Err: err}
	}
	defer os.RemoveAll(workspace)

	start := time.Now()

	cmd := exec.CommandContext(execCtx, req.Command[0], req.Command[1:]...) // #nosec G204 -- the whole point is running caller-supplied commands
	cmd.Dir = workspace
	cmd.Env = append([]string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + workspace,
		"LANG=C.UTF-8",
		"SANDBOX=true",
	}, req.Env...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	duration := time.Since(start)

	result := &ExecutionResult{
		ID:          execID,
		ContentHash: contentHash,
		Outcome:     OutcomeCompleted,
		Stdout:      truncateOutput(stdoutBuf.String(), maxStdoutBytes),
		Stderr:      truncateOutput(stderrBuf.String(), maxStderrBytes),
		Duration:    duration,
		Artifacts:   collectArtifacts(workspace),
	}

	if runErr != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			result.Outcome = OutcomeTimedOut
			result.ExitCode = -1
			return result, nil
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, &ExecError{ExecID: execID, Op: "start_process", Err: runErr}
		}
	}

	log.Debug().
		Str("exec_id", execID).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("local execution completed")

	return result, nil
}

func (l *LocalRunner) ActiveCount() int64 {
	return l.active.Load()
}

func (l *LocalRunner) Close() error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", l.active.Load()).Msg("timed out waiting for local executions to drain")
	}
	return nil
}
