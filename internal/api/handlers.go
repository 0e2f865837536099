package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"verify-engine/internal/audit"
	"verify-engine/internal/correlate"
	"verify-engine/internal/executor"
	"verify-engine/internal/minimize"
	"verify-engine/internal/monitor"
	"verify-engine/internal/sched"
	"verify-engine/internal/score"
	"verify-engine/internal/verify"
)

type Handlers struct {
	scheduler  *sched.Scheduler
	verifier   *verify.Verifier
	scorer     *score.Scorer
	correlator *correlate.Correlator
	db         *audit.DB
	metrics    *monitor.Metrics
	minOpts    minimize.Options
}

func NewHandlers(
	scheduler *sched.Scheduler,
	verifier *verify.Verifier,
	scorer *score.Scorer,
	correlator *correlate.Correlator,
	db *audit.DB,
	metrics *monitor.Metrics,
	minOpts minimize.Options,
) *Handlers {
	return &Handlers{
		scheduler:  scheduler,
		verifier:   verifier,
		scorer:     scorer,
		correlator: correlator,
		db:         db,
		metrics:    metrics,
		minOpts:    minOpts,
	}
}

func (h *Handlers) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.metrics != nil {
		h.metrics.InputSizeBytes.Observe(float64(len(req.Input)))
	}

	handle, err := h.scheduler.Submit(r.Context(), req.toExecutionRequest())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	state, result, _ := h.scheduler.Status(handle)
	writeJSON(w, http.StatusAccepted, JobResponse{
		ID:     handle.ID,
		State:  state.String(),
		Result: result,
	})
}

func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.lookupJob(w, r)
	if !ok {
		return
	}

	state, result, err := h.scheduler.Status(handle)
	resp := JobResponse{ID: handle.ID, State: state.String(), Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.lookupJob(w, r)
	if !ok {
		return
	}

	if err := h.scheduler.Cancel(handle); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested", "id": handle.ID})
}

// HandleJobEvents streams the job's lifecycle as Server-Sent Events:
// past transitions replayed first, then live ones until the job settles.
func (h *Handlers) HandleJobEvents(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.lookupJob(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := h.scheduler.Events(handle)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				state, result, _ := h.scheduler.Status(handle)
				data, _ := json.Marshal(JobResponse{ID: handle.ID, State: state.String(), Result: result})
				sendSSEEvent(w, "done", string(data))
				return
			}
			data, _ := json.Marshal(ev)
			if !sendSSEEvent(w, "state", string(data)) {
				sendSSEError(w, "streaming not supported")
				return
			}
		}
	}
}

func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	report, err := h.verifier.Verify(r.Context(), verify.Request{
		TenantID:     req.TenantID,
		SnapshotDir:  req.SnapshotDir,
		Patch:        []byte(req.Patch),
		TestCommands: req.TestCommands,
		Env:          req.Env,
		Timeout:      req.Timeout.Duration,
		Limits:       req.Limits,
		Network:      req.Network,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := VerifyResponse{Report: report}
	if req.Score || len(req.Citations) > 0 || req.History != nil {
		s, err := h.scorer.Score(score.Input{
			Report:      report,
			Citations:   req.Citations,
			SnapshotDir: req.SnapshotDir,
			History:     req.History,
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		resp.Score = s
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleMinimize(w http.ResponseWriter, r *http.Request) {
	var req MinimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.InputName == "" || req.Input == "" {
		writeError(w, "input_name and input are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.metrics != nil {
		h.metrics.InputSizeBytes.Observe(float64(len(req.Input)))
	}

	oracle, err := minimize.NewSchedulerOracle(h.scheduler, executor.ExecutionRequest{
		TenantID:    req.TenantID,
		Command:     req.Command,
		InputName:   req.InputName,
		SnapshotDir: req.SnapshotDir,
		Env:         req.Env,
		Limits:      req.Limits,
		Timeout:     req.Timeout.Duration,
	}, req.FailureSignature)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	result, err := minimize.New(oracle, h.minOpts).Minimize(r.Context(), []byte(req.Input), req.budget())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveReduction(result.Rounds)
	}

	writeJSON(w, http.StatusOK, MinimizeResponse{
		Minimized:      string(result.Minimized),
		Partial:        result.Partial,
		OracleCalls:    result.OracleCalls,
		Rounds:         result.Rounds,
		OriginalBytes:  len(req.Input),
		MinimizedBytes: len(result.Minimized),
	})
}

func (h *Handlers) HandleCorrelate(w http.ResponseWriter, r *http.Request) {
	var req CorrelateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Stacktrace == "" && req.Logs == "" {
		writeError(w, "stacktrace or logs required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	repo := correlate.RepoContext{Repo: req.Repo}
	if len(req.Changed) > 0 {
		repo.RecentlyChanged = parseChangeTimes(req.Changed)
	}

	candidates, err := h.correlator.Correlate(r.Context(), req.Stacktrace, req.Logs, repo)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CorrelateResponse{Candidates: candidates})
}

func (h *Handlers) HandleScore(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	s, err := h.scorer.Score(score.Input{
		Report:      req.Report,
		Citations:   req.Citations,
		SnapshotDir: req.SnapshotDir,
		History:     req.History,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "record ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	rec, err := h.db.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, "record not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := audit.RecordFilter{
		Tenant:  r.URL.Query().Get("tenant"),
		Outcome: r.URL.Query().Get("outcome"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}

	recs, err := h.db.ListRecords(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handlers) lookupJob(w http.ResponseWriter, r *http.Request) (*sched.Handle, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "job ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return nil, false
	}
	handle, err := h.scheduler.Lookup(id)
	if err != nil {
		writeError(w, "job not found", "NOT_FOUND", http.StatusNotFound, r)
		return nil, false
	}
	return handle, true
}

// writeDomainError maps known engine errors onto HTTP responses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, executor.ErrInvalidRequest):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	case errors.Is(err, sched.ErrQuotaExceeded):
		w.Header().Set("Retry-After", "1")
		writeError(w, err.Error(), "QUOTA_EXCEEDED", http.StatusTooManyRequests, r)
	case errors.Is(err, sched.ErrJobNotFound):
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, sched.ErrCancelled):
		writeError(w, err.Error(), "CANCELLED", http.StatusConflict, r)
	case errors.Is(err, sched.ErrSchedulerClosed), errors.Is(err, executor.ErrBackendUnavailable):
		writeError(w, err.Error(), "UNAVAILABLE", http.StatusServiceUnavailable, r)
	case errors.Is(err, sched.ErrProvisioningFailed), errors.Is(err, executor.ErrProvisioning):
		writeError(w, err.Error(), "PROVISIONING_FAILED", http.StatusBadGateway, r)
	case errors.Is(err, minimize.ErrInputNotFailing):
		writeError(w, err.Error(), "INPUT_NOT_FAILING", http.StatusUnprocessableEntity, r)
	case errors.Is(err, minimize.ErrInputAmbiguous):
		writeError(w, err.Error(), "ORACLE_AMBIGUOUS", http.StatusUnprocessableEntity, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

// parseChangeTimes keeps the entries whose timestamps parse; a bad
// timestamp drops the recency hint for that path only.
func parseChangeTimes(changed map[string]string) map[string]time.Time {
	out := make(map[string]time.Time, len(changed))
	for path, ts := range changed {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			log.Warn().Str("path", path).Str("time", ts).Msg("unparseable change time, recency hint dropped")
			continue
		}
		out[path] = t
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
