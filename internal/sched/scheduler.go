// Package sched is the job scheduler: it accepts execution requests,
// enforces per-tenant concurrency quotas with FIFO queueing, consults the
// result cache before dispatching to the isolation executor, and tracks
// job lifecycle through cancellation and timeout.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"verify-engine/internal/audit"
	"verify-engine/internal/cache"
	"verify-engine/internal/executor"
	"verify-engine/internal/monitor"
)

// Config tunes scheduler behavior.
type Config struct {
	GlobalMaxConcurrent int           // cap across all tenants
	TenantMaxConcurrent int           // per-tenant running-job quota
	QueueDepth          int           // per-tenant queued submissions beyond the quota before ErrQuotaExceeded
	DefaultTimeout      time.Duration // applied when a request carries none
	MaxTimeout          time.Duration // requests above this are rejected
	CancelGrace         time.Duration // how long Cancel waits for executor acknowledgement before force-reporting
	Retry               RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		GlobalMaxConcurrent: 64,
		TenantMaxConcurrent: 8,
		QueueDepth:          256,
		DefaultTimeout:      30 * time.Second,
		MaxTimeout:          10 * time.Minute,
		CancelGrace:         5 * time.Second,
		Retry:               DefaultRetryPolicy(),
	}
}

// AuditSink receives one record per finished job.
type AuditSink interface {
	Record(rec *audit.JobRecord)
}

type tenantState struct {
	queue   []*job
	running int
}

// Scheduler owns all jobs. Callers interact through Submit/Await/Cancel
// and otherwise hold only opaque handles.
type Scheduler struct {
	cfg     Config
	backend executor.Backend
	cache   *cache.Cache
	sink    AuditSink        // may be nil
	metrics *monitor.Metrics // may be nil
	tracer  *monitor.Tracer

	mu            sync.Mutex
	tenants       map[string]*tenantState
	jobs          map[string]*job
	globalRunning int
	closed        bool
	wg            sync.WaitGroup
}

func New(cfg Config, backend executor.Backend, resultCache *cache.Cache, sink AuditSink, metrics *monitor.Metrics) *Scheduler {
	if cfg.GlobalMaxConcurrent < 1 {
		cfg.GlobalMaxConcurrent = DefaultConfig().GlobalMaxConcurrent
	}
	if cfg.TenantMaxConcurrent < 1 {
		cfg.TenantMaxConcurrent = DefaultConfig().TenantMaxConcurrent
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultConfig().MaxTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultConfig().CancelGrace
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryPolicy()
	}

	return &Scheduler{
		cfg:     cfg,
		backend: backend,
		cache:   resultCache,
		sink:    sink,
		metrics: metrics,
		tracer:  monitor.NewTracer(),
		tenants: make(map[string]*tenantState),
		jobs:    make(map[string]*job),
	}
}

// Submit validates and enqueues a request for the given tenant. A cache
// hit completes the job immediately without consuming an execution slot.
// Submissions beyond the tenant quota queue FIFO; a full queue fails fast
// with ErrQuotaExceeded.
func (s *Scheduler) Submit(ctx context.Context, req executor.ExecutionRequest) (*Handle, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", executor.ErrInvalidRequest)
	}
	if req.Timeout == 0 {
		req.Timeout = s.cfg.DefaultTimeout
	}
	if req.Timeout > s.cfg.MaxTimeout {
		return nil, fmt.Errorf("%w: timeout %s exceeds maximum %s", executor.ErrInvalidRequest, req.Timeout, s.cfg.MaxTimeout)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	j := &job{
		id:      uuid.New().String(),
		tenant:  req.TenantID,
		req:     req,
		hash:    req.ContentHash(),
		state:   StateQueued,
		created: time.Now(),
		done:    make(chan struct{}),
	}
	j.appendEventLocked(StateQueued, "")

	logger := log.With().
		Str("job_id", j.id).
		Str("tenant", j.tenant).
		Str("content_hash", j.hash[:16]).
		Logger()

	// Cache short-circuit: a hit bypasses queueing and ordering entirely.
	if !req.BypassCache {
		if cached, ok := s.cache.Get(j.hash); ok {
			hit := *cached
			hit.CacheHit = true
			s.registerJob(j)
			j.complete(stateForOutcome(hit.Outcome), &hit, nil)
			s.audit(j, &hit, true)
			logger.Debug().Msg("served from result cache")
			return &Handle{ID: j.id, job: j}, nil
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	ts := s.tenants[j.tenant]
	if ts == nil {
		ts = &tenantState{}
		s.tenants[j.tenant] = ts
	}
	if len(ts.queue) >= s.cfg.QueueDepth {
		s.mu.Unlock()
		return nil, &JobError{JobID: j.id, Op: "submit", Err: ErrQuotaExceeded}
	}
	ts.queue = append(ts.queue, j)
	s.jobs[j.id] = j
	s.observeQueueLocked(j.tenant, ts)
	s.dispatchLocked(j.tenant, ts)
	s.mu.Unlock()

	logger.Info().Msg("job submitted")
	return &Handle{ID: j.id, job: j}, nil
}

// Await blocks until the job reaches a terminal state or ctx is done.
// A job whose command exited non-zero or timed out is NOT an error here:
// the outcome is in the result, for the caller to interpret.
func (s *Scheduler) Await(ctx context.Context, h *Handle) (*executor.ExecutionResult, error) {
	select {
	case <-h.job.done:
		_, result, err := h.job.snapshot()
		return result, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes a queued job or signals a running one to stop. It never
// blocks on the executor: a running job gets a bounded grace period after
// which it is force-reported cancelled regardless of acknowledgement.
func (s *Scheduler) Cancel(h *Handle) error {
	j := h.job
	if j == nil {
		return ErrJobNotFound
	}

	s.mu.Lock()
	ts := s.tenants[j.tenant]
	if ts != nil {
		for i, queued := range ts.queue {
			if queued == j {
				ts.queue = append(ts.queue[:i], ts.queue[i+1:]...)
				s.observeQueueLocked(j.tenant, ts)
				s.mu.Unlock()
				j.complete(StateCancelled, nil, ErrCancelled)
				log.Info().Str("job_id", j.id).Msg("cancelled queued job")
				return nil
			}
		}
	}
	s.mu.Unlock()

	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return nil
	}
	cancelRun := j.cancelRun
	j.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
	}

	// Fire-and-confirm: give the executor a grace period to acknowledge,
	// then force-report. The job's slot is released by the run goroutine;
	// the force path only settles the caller-visible state.
	go func() {
		select {
		case <-j.done:
		case <-time.After(s.cfg.CancelGrace):
			if j.complete(StateCancelled, nil, ErrCancelled) {
				log.Warn().Str("job_id", j.id).Msg("executor did not acknowledge cancel within grace period, force-reporting cancelled")
			}
		}
	}()

	log.Info().Str("job_id", j.id).Msg("cancel signalled to running job")
	return nil
}

// Lookup returns the handle for a job id, for API callers that only hold
// the id across requests.
func (s *Scheduler) Lookup(id string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &Handle{ID: id, job: j}, nil
}

// Status reports the job's current state and, if terminal, its result.
func (s *Scheduler) Status(h *Handle) (State, *executor.ExecutionResult, error) {
	return h.job.snapshot()
}

// Events returns the job's lifecycle stream: past events replayed, then
// live events until the job settles.
func (s *Scheduler) Events(h *Handle) <-chan Event {
	return h.job.subscribe()
}

// Close stops accepting submissions and waits for running jobs to drain.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	for tenant, ts := range s.tenants {
		for _, j := range ts.queue {
			j.complete(StateCancelled, nil, ErrCancelled)
		}
		ts.queue = nil
		s.observeQueueLocked(tenant, ts)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// dispatchLocked starts queued jobs while quota and global capacity
// allow. Caller holds s.mu.
func (s *Scheduler) dispatchLocked(tenant string, ts *tenantState) {
	for len(ts.queue) > 0 &&
		ts.running < s.cfg.TenantMaxConcurrent &&
		s.globalRunning < s.cfg.GlobalMaxConcurrent {

		j := ts.queue[0]
		ts.queue = ts.queue[1:]
		ts.running++
		s.globalRunning++
		s.observeQueueLocked(tenant, ts)

		s.wg.Add(1)
		go s.run(j)
	}
}

func (s *Scheduler) run(j *job) {
	defer s.wg.Done()
	defer s.release(j.tenant)

	start := time.Now()
	j.setState(StateProvisioning, "")

	spanCtx, span := s.tracer.StartSpan(context.Background(), "job",
		monitor.AttrJobID.String(j.id),
		monitor.AttrTenant.String(j.tenant),
		monitor.AttrContentHash.String(j.hash),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(spanCtx)
	defer cancel()
	j.mu.Lock()
	j.cancelRun = cancel
	j.mu.Unlock()

	type outcome struct {
		res      *executor.ExecutionResult
		cacheHit bool
		err      error
	}
	resCh := make(chan outcome, 1)

	go func() {
		if j.req.BypassCache {
			res, err := s.runWithRetry(runCtx, j)
			if err == nil {
				s.cache.Put(j.hash, res)
			}
			resCh <- outcome{res: res, err: err}
			return
		}
		res, shared, err := s.cache.GetOrRun(runCtx, j.hash, func(ctx context.Context) (*executor.ExecutionResult, error) {
			return s.runWithRetry(ctx, j)
		})
		resCh <- outcome{res: res, cacheHit: shared, err: err}
	}()

	// Belt and suspenders: the executor enforces the wall-clock limit
	// itself, but the scheduler holds its own timer and force-terminates
	// the environment if the executor never comes back.
	graceTimeout := j.req.Timeout + s.cfg.CancelGrace
	timer := time.NewTimer(graceTimeout)
	defer timer.Stop()

	var out outcome
	select {
	case out = <-resCh:
	case <-timer.C:
		cancel()
		timedOut := &executor.ExecutionResult{
			ID:          j.id,
			ContentHash: j.hash,
			Outcome:     executor.OutcomeTimedOut,
			ExitCode:    -1,
			Duration:    time.Since(start),
		}
		// Timeouts are valid, cacheable outcomes: identical requests
		// within the TTL get the cached timeout instead of re-running.
		s.cache.Put(j.hash, timedOut)
		out = outcome{res: timedOut}
		log.Warn().Str("job_id", j.id).Dur("limit", graceTimeout).Msg("executor unresponsive past wall-clock limit, force-terminated")
	}

	j.setState(StateCollecting, "")

	switch {
	case out.err != nil && runCtx.Err() != nil:
		j.complete(StateCancelled, nil, ErrCancelled)
	case out.err != nil:
		err := out.err
		if executor.IsProvisioning(err) {
			err = &JobError{JobID: j.id, Op: "provision", Err: fmt.Errorf("%w: %v", ErrProvisioningFailed, err)}
		}
		j.complete(StateFailed, nil, err)
	default:
		res := out.res
		if out.cacheHit {
			hit := *res
			hit.CacheHit = true
			res = &hit
		}
		j.complete(stateForOutcome(res.Outcome), res, nil)
	}

	state, res, _ := j.snapshot()
	span.SetAttributes(
		monitor.AttrOutcome.String(state.String()),
		monitor.AttrCacheHit.Bool(res != nil && res.CacheHit),
	)
	s.audit(j, res, res != nil && res.CacheHit)
	if s.metrics != nil {
		s.metrics.RecordJob(j.tenant, state.String(), time.Since(start).Seconds())
	}
}

// runWithRetry invokes the backend, retrying provisioning failures per
// the injected policy. Non-zero exit codes come back as results, never as
// errors, so they are never retried here.
func (s *Scheduler) runWithRetry(ctx context.Context, j *job) (*executor.ExecutionResult, error) {
	if s.backend == nil {
		return nil, executor.ErrBackendUnavailable
	}
	var lastErr error
	for attempt := 0; attempt < s.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			j.setState(StateProvisioning, fmt.Sprintf("retry %d", attempt))
			if err := s.cfg.Retry.Wait(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		j.setState(StateRunning, "")
		res, err := s.backend.Run(ctx, j.req)
		if err == nil {
			return res, nil
		}
		if !executor.IsProvisioning(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		log.Warn().
			Str("job_id", j.id).
			Int("attempt", attempt+1).
			Err(err).
			Msg("provisioning failed, will retry")
	}
	return nil, lastErr
}

func (s *Scheduler) release(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.tenants[tenant]
	if ts == nil {
		return
	}
	ts.running--
	s.globalRunning--
	s.dispatchLocked(tenant, ts)

	// Other tenants may have queued work blocked only on the global cap.
	for t, other := range s.tenants {
		if t != tenant {
			s.dispatchLocked(t, other)
		}
	}
}

func (s *Scheduler) registerJob(j *job) {
	s.mu.Lock()
	s.jobs[j.id] = j
	s.mu.Unlock()
}

func (s *Scheduler) audit(j *job, res *executor.ExecutionResult, cacheHit bool) {
	if s.sink == nil {
		return
	}
	state, _, _ := j.snapshot()
	rec := &audit.JobRecord{
		ID:          j.id,
		ContentHash: j.hash,
		Tenant:      j.tenant,
		Outcome:     state.String(),
		CacheHit:    cacheHit,
		CreatedAt:   j.created,
	}
	if res != nil {
		rec.ExitCode = res.ExitCode
		rec.DurationMS = res.Duration.Milliseconds()
	}
	completed := time.Now()
	rec.CompletedAt = &completed
	s.sink.Record(rec)
}

func (s *Scheduler) observeQueueLocked(tenant string, ts *tenantState) {
	if s.metrics != nil {
		s.metrics.SetQueueDepth(tenant, len(ts.queue))
		s.metrics.SetRunningJobs(tenant, ts.running)
	}
}

func stateForOutcome(o executor.Outcome) State {
	switch o {
	case executor.OutcomeTimedOut:
		return StateTimedOut
	default:
		// Crashed and completed both carry a full result; the exit code
		// and outcome tag tell the caller what happened.
		return StateCompleted
	}
}
