package executor

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// Backend runs a single already-validated request inside an ephemeral,
// isolated workspace and reports what happened. Timeouts and crashes are
// reported through ExecutionResult.Outcome, not through the error return;
// the error return is reserved for infrastructure failures.
type Backend interface {
	Run(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	Close() error
}

// Options configure backend construction.
type Options struct {
	Backend       string // "auto" (default), "docker", or "local"
	Image         string // base container image for the docker backend
	MaxConcurrent int
	WorkspaceRoot string // where ephemeral workspaces are created; "" uses the system temp dir
}

// NewBackend picks the best available backend: Docker when the daemon is
// reachable, otherwise an unconfined local process runner (development only).
func NewBackend(opts Options) (Backend, error) {
	preference := opts.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "docker":
		return newDockerBackend(opts)
	case "local":
		log.Warn().Msg("using local backend — executions are NOT isolated, development use only")
		return NewLocalRunner(opts), nil
	case "auto":
		backend, err := newDockerBackend(opts)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}
		log.Warn().Err(err).Msg("docker unavailable, falling back to local process runner")
		return NewLocalRunner(opts), nil
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, docker, or local", preference)
	}
}

func newDockerBackend(opts Options) (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("%w: docker not found in PATH: %v", ErrBackendUnavailable, err)
	}

	if err := exec.Command("docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("%w: docker daemon not reachable: %v", ErrBackendUnavailable, err)
	}

	return NewDockerRunner(opts), nil
}
