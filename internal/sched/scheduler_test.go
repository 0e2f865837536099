package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"verify-engine/internal/cache"
	"verify-engine/internal/executor"
)

// stubBackend runs jobs through a caller-supplied function and counts
// invocations.
type stubBackend struct {
	run   func(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error)
	calls atomic.Int32
}

func (b *stubBackend) Run(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	b.calls.Add(1)
	return b.run(ctx, req)
}

func (b *stubBackend) Close() error { return nil }

func okBackend() *stubBackend {
	return &stubBackend{run: func(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
		return &executor.ExecutionResult{
			ContentHash: req.ContentHash(),
			Outcome:     executor.OutcomeCompleted,
			ExitCode:    0,
		}, nil
	}}
}

func testConfig() Config {
	return Config{
		GlobalMaxConcurrent: 8,
		TenantMaxConcurrent: 2,
		QueueDepth:          4,
		DefaultTimeout:      time.Second,
		MaxTimeout:          5 * time.Second,
		CancelGrace:         50 * time.Millisecond,
		Retry:               RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
}

func testRequest(tenant, marker string) executor.ExecutionRequest {
	return executor.ExecutionRequest{
		TenantID: tenant,
		Command:  []string{"sh", "-c", marker},
		Timeout:  time.Second,
	}
}

func newTestScheduler(t *testing.T, cfg Config, backend executor.Backend) *Scheduler {
	t.Helper()
	s := New(cfg, backend, cache.New(cache.Config{}), nil, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNilBackendFailsJobWithoutPanic(t *testing.T) {
	s := newTestScheduler(t, testConfig(), nil)

	h, err := s.Submit(context.Background(), testRequest("a", "true"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	_, err = s.Await(context.Background(), h)
	if !errors.Is(err, executor.ErrBackendUnavailable) {
		t.Errorf("Await() error = %v, want ErrBackendUnavailable", err)
	}
}

func TestSubmitAndAwait(t *testing.T) {
	s := newTestScheduler(t, testConfig(), okBackend())

	h, err := s.Submit(context.Background(), testRequest("a", "true"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	res, err := s.Await(context.Background(), h)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if res.Outcome != executor.OutcomeCompleted {
		t.Errorf("Outcome = %q, want %q", res.Outcome, executor.OutcomeCompleted)
	}

	state, _, _ := s.Status(h)
	if state != StateCompleted {
		t.Errorf("state = %s, want completed", state)
	}
}

func TestSubmitRequiresTenant(t *testing.T) {
	s := newTestScheduler(t, testConfig(), okBackend())

	_, err := s.Submit(context.Background(), testRequest("", "true"))
	if !errors.Is(err, executor.ErrInvalidRequest) {
		t.Errorf("Submit() error = %v, want ErrInvalidRequest", err)
	}
}

func TestSubmitRejectsExcessiveTimeout(t *testing.T) {
	s := newTestScheduler(t, testConfig(), okBackend())

	req := testRequest("a", "true")
	req.Timeout = time.Hour
	if _, err := s.Submit(context.Background(), req); !errors.Is(err, executor.ErrInvalidRequest) {
		t.Errorf("Submit() error = %v, want ErrInvalidRequest", err)
	}
}

func TestTenantConcurrencyQuota(t *testing.T) {
	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	release := make(chan struct{})
	backend := &stubBackend{run: func(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return &executor.ExecutionResult{Outcome: executor.OutcomeCompleted}, nil
	}}

	cfg := testConfig()
	cfg.TenantMaxConcurrent = 2
	s := newTestScheduler(t, cfg, backend)

	handles := make([]*Handle, 0, 4)
	for i := 0; i < 4; i++ {
		// Distinct commands so the jobs do not collapse into one cached run.
		req := testRequest("a", fmt.Sprintf("job-%d", i))
		h, err := s.Submit(context.Background(), req)
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		handles = append(handles, h)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	got := running
	mu.Unlock()
	if got != 2 {
		t.Errorf("running = %d with quota 2, want 2", got)
	}

	close(release)
	for _, h := range handles {
		if _, err := s.Await(context.Background(), h); err != nil {
			t.Errorf("Await() error = %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestQueueFullFailsFast(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	backend := &stubBackend{run: func(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
		<-release
		return &executor.ExecutionResult{Outcome: executor.OutcomeCompleted}, nil
	}}

	cfg := testConfig()
	cfg.TenantMaxConcurrent = 1
	cfg.QueueDepth = 2
	s := newTestScheduler(t, cfg, backend)

	// Enough submissions to hold the slot and fill the queue. Dispatch
	// drains one queued entry into the running slot, so it takes
	// QueueDepth+2 submissions before the queue itself is full.
	var lastErr error
	for i := 0; i < 6; i++ {
		_, lastErr = s.Submit(context.Background(), testRequest("a", fmt.Sprintf("job-%d", i)))
		if lastErr != nil {
			break
		}
	}
	if !errors.Is(lastErr, ErrQuotaExceeded) {
		t.Errorf("overflow Submit() error = %v, want ErrQuotaExceeded", lastErr)
	}

	var jerr *JobError
	if !errors.As(lastErr, &jerr) {
		t.Errorf("overflow error is %T, want *JobError", lastErr)
	}
}

func TestCacheHitSkipsBackend(t *testing.T) {
	backend := okBackend()
	s := newTestScheduler(t, testConfig(), backend)

	req := testRequest("a", "cached")
	h1, err := s.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	first, err := s.Await(context.Background(), h1)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if first.CacheHit {
		t.Errorf("first run reported CacheHit")
	}

	h2, err := s.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	second, err := s.Await(context.Background(), h2)
	if err != nil {
		t.Fatalf("second Await() error = %v", err)
	}
	if !second.CacheHit {
		t.Errorf("identical resubmission not served from cache")
	}
	if got := backend.calls.Load(); got != 1 {
		t.Errorf("backend invoked %d times, want 1", got)
	}
}

func TestBypassCacheForcesRun(t *testing.T) {
	backend := okBackend()
	s := newTestScheduler(t, testConfig(), backend)

	req := testRequest("a", "fresh")
	h1, _ := s.Submit(context.Background(), req)
	s.Await(context.Background(), h1)

	req.BypassCache = true
	h2, err := s.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	res, err := s.Await(context.Background(), h2)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if res.CacheHit {
		t.Errorf("bypassed run reported CacheHit")
	}
	if got := backend.calls.Load(); got != 2 {
		t.Errorf("backend invoked %d times, want 2", got)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	backend := &stubBackend{run: func(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
		<-release
		return &executor.ExecutionResult{Outcome: executor.OutcomeCompleted}, nil
	}}

	cfg := testConfig()
	cfg.TenantMaxConcurrent = 1
	s := newTestScheduler(t, cfg, backend)

	h1, _ := s.Submit(context.Background(), testRequest("a", "running"))
	h2, err := s.Submit(context.Background(), testRequest("a", "queued"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := s.Cancel(h2); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	_, err = s.Await(context.Background(), h2)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("Await() error = %v, want ErrCancelled", err)
	}
	state, _, _ := s.Status(h2)
	if state != StateCancelled {
		t.Errorf("state = %s, want cancelled", state)
	}
	if backend.calls.Load() != 1 {
		t.Errorf("cancelled queued job reached the backend")
	}
	_ = h1
}

func TestCancelRunningJob(t *testing.T) {
	backend := &stubBackend{run: func(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	s := newTestScheduler(t, testConfig(), backend)

	h, _ := s.Submit(context.Background(), testRequest("a", "spin"))
	waitForState(t, s, h, StateRunning)

	if err := s.Cancel(h); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.Await(ctx, h)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("Await() error = %v, want ErrCancelled", err)
	}
}

func TestCancelGraceForcesSettlement(t *testing.T) {
	// Backend ignores cancellation entirely.
	release := make(chan struct{})
	defer close(release)
	backend := &stubBackend{run: func(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
		<-release
		return &executor.ExecutionResult{Outcome: executor.OutcomeCompleted}, nil
	}}

	cfg := testConfig()
	cfg.CancelGrace = 30 * time.Millisecond
	s := newTestScheduler(t, cfg, backend)

	h, _ := s.Submit(context.Background(), testRequest("a", "stuck"))
	waitForState(t, s, h, StateRunning)

	if err := s.Cancel(h); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.Await(ctx, h); !errors.Is(err, ErrCancelled) {
		t.Errorf("Await() error = %v, want ErrCancelled after grace expiry", err)
	}
}

func TestTimeoutProducesTimedOutResult(t *testing.T) {
	backend := &stubBackend{run: func(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	cfg := testConfig()
	cfg.CancelGrace = 20 * time.Millisecond
	s := newTestScheduler(t, cfg, backend)

	req := testRequest("a", "slow")
	req.Timeout = 20 * time.Millisecond
	h, err := s.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := s.Await(ctx, h)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if res.Outcome != executor.OutcomeTimedOut {
		t.Errorf("Outcome = %q, want timed_out", res.Outcome)
	}

	state, _, _ := s.Status(h)
	if state != StateTimedOut {
		t.Errorf("state = %s, want timed_out", state)
	}

	// The timeout is cached: resubmitting the identical request does not
	// re-run the backend.
	calls := backend.calls.Load()
	h2, err := s.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("resubmit error = %v", err)
	}
	res2, err := s.Await(ctx, h2)
	if err != nil {
		t.Fatalf("resubmit Await() error = %v", err)
	}
	if !res2.CacheHit || res2.Outcome != executor.OutcomeTimedOut {
		t.Errorf("resubmit = outcome %q cacheHit %v, want cached timed_out", res2.Outcome, res2.CacheHit)
	}
	if backend.calls.Load() != calls {
		t.Errorf("resubmitted timed-out request re-ran the backend")
	}
}

func TestProvisioningRetry(t *testing.T) {
	var attempts atomic.Int32
	backend := &stubBackend{run: func(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
		if attempts.Add(1) < 3 {
			return nil, fmt.Errorf("%w: workspace copy failed", executor.ErrProvisioning)
		}
		return &executor.ExecutionResult{Outcome: executor.OutcomeCompleted}, nil
	}}

	cfg := testConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	s := newTestScheduler(t, cfg, backend)

	h, _ := s.Submit(context.Background(), testRequest("a", "flaky"))
	res, err := s.Await(context.Background(), h)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if res.Outcome != executor.OutcomeCompleted {
		t.Errorf("Outcome = %q, want completed", res.Outcome)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("backend attempts = %d, want 3", got)
	}
}

func TestProvisioningExhaustionFails(t *testing.T) {
	backend := &stubBackend{run: func(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
		return nil, fmt.Errorf("%w: no space left", executor.ErrProvisioning)
	}}

	cfg := testConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	s := newTestScheduler(t, cfg, backend)

	h, _ := s.Submit(context.Background(), testRequest("a", "doomed"))
	_, err := s.Await(context.Background(), h)
	if !errors.Is(err, ErrProvisioningFailed) {
		t.Errorf("Await() error = %v, want ErrProvisioningFailed", err)
	}
	if got := backend.calls.Load(); got != 2 {
		t.Errorf("backend attempts = %d, want 2", got)
	}
}

func TestEventsReplayAndClose(t *testing.T) {
	s := newTestScheduler(t, testConfig(), okBackend())

	h, _ := s.Submit(context.Background(), testRequest("a", "events"))
	if _, err := s.Await(context.Background(), h); err != nil {
		t.Fatalf("Await() error = %v", err)
	}

	var states []string
	for ev := range s.Events(h) {
		states = append(states, ev.State)
	}

	if len(states) == 0 {
		t.Fatalf("no events replayed")
	}
	if states[0] != "queued" {
		t.Errorf("first event = %q, want queued", states[0])
	}
	if states[len(states)-1] != "completed" {
		t.Errorf("last event = %q, want completed", states[len(states)-1])
	}
}

func TestLookup(t *testing.T) {
	s := newTestScheduler(t, testConfig(), okBackend())

	h, _ := s.Submit(context.Background(), testRequest("a", "lookup"))
	found, err := s.Lookup(h.ID)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if found.ID != h.ID {
		t.Errorf("Lookup() ID = %q, want %q", found.ID, h.ID)
	}

	if _, err := s.Lookup("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Lookup(unknown) error = %v, want ErrJobNotFound", err)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	s := New(testConfig(), okBackend(), cache.New(cache.Config{}), nil, nil)
	s.Close()

	if _, err := s.Submit(context.Background(), testRequest("a", "late")); !errors.Is(err, ErrSchedulerClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrSchedulerClosed", err)
	}
}

func waitForState(t *testing.T, s *Scheduler, h *Handle, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		state, _, _ := s.Status(h)
		if state == want || state.Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job never reached state %s", want)
}
