package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"verify-engine/pkg/seccomp"
)

// envBlocklist contains env var keys that must never be passed into a container.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"HTTP_PROXY":      true,
	"HTTPS_PROXY":     true,
	"NODE_OPTIONS":    true,
	"PYTHONPATH":      true,
	"PATH":            true,
	"HOME":            true,
	"USER":            true,
}

const defaultImage = "debian:bookworm-slim"

// DockerRunner executes requests in throwaway docker containers with the
// request's resource limits and network policy applied verbatim.
type DockerRunner struct {
	image         string
	workspaceRoot string
	sem           chan struct{}
	active        atomic.Int64
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	dockerHost    string // resolved DOCKER_HOST (e.g. from Docker context)
	cancelCleanup context.CancelFunc
}

func NewDockerRunner(opts Options) *DockerRunner {
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}
	image := opts.Image
	if image == "" {
		image = defaultImage
	}

	d := &DockerRunner{
		image:         image,
		workspaceRoot: opts.WorkspaceRoot,
		sem:           make(chan struct{}, maxConcurrent),
		dockerHost:    resolveDockerHost(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

// orphanCleanupLoop periodically kills orphaned job containers that survived server crashes.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans()
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerRunner) cleanupOrphans() {
	cmd := exec.Command("docker", "ps", "--filter", "name=verify-job-", "-q") // #nosec G204 -- no user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	out, err := cmd.Output()
	if err != nil {
		return
	}
	ids := strings.Fields(strings.TrimSpace(string(out)))
	for _, id := range ids {
		log.Warn().Str("container_id", id).Msg("killing orphaned job container")
		kill := exec.Command("docker", "rm", "-f", id) // #nosec G204 -- id from docker ps
		if d.dockerHost != "" {
			kill.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
		}
		_ = kill.Run()
	}
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerRunner) Run(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	execID := uuid.New().String()
	contentHash := req.ContentHash()

	logger := log.With().
		Str("exec_id", execID).
		Str("tenant", req.TenantID).
		Str("content_hash", contentHash[:16]).
		Logger()

	logger.Info().Strs("command", req.Command).Msg("docker execution requested")

	if err := d.validateRequest(req); err != nil {
		return nil, &ExecError{ExecID: execID, Op: "validate", Err: err}
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, &ExecError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	d.wg.Add(1)
	defer d.wg.Done()
	d.active.Add(1)
	defer d.active.Add(-1)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workspace, err := provisionWorkspace(d.workspaceRoot, execID, req)
	if err != nil {
		return nil, &ExecError{ExecID: execID, Op: "provision_workspace", Err: err}
	}
	defer os.RemoveAll(workspace)

	seccompPath, err := d.writeSeccompProfile(workspace, req.Network)
	if err != nil {
		return nil, &ExecError{ExecID: execID, Op: "seccomp_profile", Err: err}
	}

	args := d.buildDockerArgs(execID, workspace, seccompPath, req)

	start := time.Now()

	cmd := exec.CommandContext(execCtx, "docker", args...) // #nosec G204 -- args built internally by buildDockerArgs, not from raw user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}

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
			logger.Warn().Dur("timeout", timeout).Msg("docker execution timed out")
			return result, nil
		}

		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			// docker itself failed to start the container: image pull, daemon
			// hiccup. Retryable provisioning territory, not a job outcome.
			return nil, &ExecError{ExecID: execID, Op: "docker_run",
				Err: fmt.Errorf("%w: %v", ErrProvisioning, runErr)}
		}

		result.ExitCode = exitErr.ExitCode()
		if result.ExitCode == 137 {
			// SIGKILL from the OOM killer or the pids/memory cgroup.
			result.Outcome = OutcomeCrashed
		}
	}

	logger.Info().
		Int("exit_code", result.ExitCode).
		Str("outcome", string(result.Outcome)).
		Dur("duration", duration).
		Msg("docker execution completed")

	return result, nil
}

func (d *DockerRunner) writeSeccompProfile(workspace string, policy NetworkPolicy) (string, error) {
	profile := seccomp.DenyEgressProfile()
	if policy.AllowEgress {
		profile = seccomp.AllowEgressProfile()
	}
	profileJSON, err := profile.JSON()
	if err != nil {
		return "", err
	}

	path := filepath.Join(workspace, ".seccomp.json")
	if err := os.WriteFile(path, profileJSON, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func (d *DockerRunner) buildDockerArgs(execID, workspace, seccompPath string, req ExecutionRequest) []string {
	limits := req.Limits
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits()
	}

	// Deny-egress is the default; an explicit allowance on the request is
	// the only way to get a network namespace with a route out.
	network := "none"
	if req.Network.AllowEgress {
		network = "bridge"
	}

	args := []string{
		"run", "--rm",
		"--name", "verify-job-" + execID,
		"--network", network,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.1f", float64(limits.CPUShares)/1024.0),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.DiskMB),
		"--read-only",
		"-v", fmt.Sprintf("%s:/workspace:rw", workspace),
		"-w", "/workspace",
		"--user", "65534:65534",
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
		"-e", "SANDBOX=true",
	}

	if req.Network.AllowEgress {
		for _, host := range req.Network.AllowedHosts {
			args = append(args, "--add-host", host)
		}
	}

	for _, env := range req.Env {
		args = append(args, "-e", env)
	}

	args = append(args, d.image)
	args = append(args, req.Command...)

	return args
}

func (d *DockerRunner) validateRequest(req ExecutionRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if req.SnapshotDir != "" {
		realPath, err := filepath.EvalSymlinks(req.SnapshotDir)
		if err != nil {
			return fmt.Errorf("%w: snapshot_dir is not valid", ErrInvalidRequest)
		}
		info, err := os.Stat(realPath)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%w: snapshot_dir is not a valid directory", ErrInvalidRequest)
		}
	}
	for _, env := range req.Env {
		idx := strings.Index(env, "=")
		if idx < 1 {
			return fmt.Errorf("%w: env var must be KEY=VALUE format", ErrInvalidRequest)
		}
		key := env[:idx]
		for _, c := range key {
			if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
				return fmt.Errorf("%w: env var key contains invalid characters", ErrInvalidRequest)
			}
		}
		if envBlocklist[strings.ToUpper(key)] {
			return fmt.Errorf("%w: env var %q is blocked for security reasons", ErrInvalidRequest, key)
		}
	}
	return nil
}

func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerRunner) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}

	// Wait up to 30s for active executions to drain.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all docker executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", d.active.Load()).Msg("timed out waiting for docker executions to drain")
	}
	return nil
}
