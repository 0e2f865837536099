package sched

import (
	"context"
	"sync"
	"time"

	"verify-engine/internal/executor"
)

// State is a job's position in its lifecycle.
// Queued → Provisioning → Running → Collecting → {Completed | Failed | TimedOut | Cancelled}
type State int

const (
	StateQueued State = iota
	StateProvisioning
	StateRunning
	StateCollecting
	StateCompleted
	StateFailed
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateProvisioning:
		return "provisioning"
	case StateRunning:
		return "running"
	case StateCollecting:
		return "collecting"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Event is one entry in a job's append-only lifecycle stream. The
// scheduler produces these; transports (SSE, logs) consume them.
type Event struct {
	Time   time.Time `json:"time"`
	State  string    `json:"state"`
	Detail string    `json:"detail,omitempty"`
}

// Handle is the caller's reference to a submitted job.
type Handle struct {
	ID  string
	job *job
}

// job is the scheduler-owned entity wrapping an ExecutionRequest.
type job struct {
	id       string
	tenant   string
	req      executor.ExecutionRequest
	hash     string
	deadline time.Time

	mu        sync.Mutex
	state     State
	result    *executor.ExecutionResult
	err       error
	cacheHit  bool
	events    []Event
	subs      []chan Event
	cancelRun context.CancelFunc
	created   time.Time

	done chan struct{}
}

func (j *job) setState(s State, detail string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = s
	j.appendEventLocked(s, detail)
}

// complete transitions to a terminal state exactly once. Later calls
// (e.g. a forced cancel racing normal completion) are no-ops, so the
// first terminal transition wins.
func (j *job) complete(s State, result *executor.ExecutionResult, err error) bool {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return false
	}
	j.state = s
	j.result = result
	j.err = err
	j.appendEventLocked(s, "")
	subs := j.subs
	j.subs = nil
	j.mu.Unlock()

	for _, sub := range subs {
		close(sub)
	}
	close(j.done)
	return true
}

func (j *job) appendEventLocked(s State, detail string) {
	ev := Event{Time: time.Now(), State: s.String(), Detail: detail}
	j.events = append(j.events, ev)
	for _, sub := range j.subs {
		select {
		case sub <- ev:
		default: // slow consumer drops events rather than stalling the scheduler
		}
	}
}

// subscribe returns a channel replaying the job's past events and then
// streaming live ones. The channel is closed when the job reaches a
// terminal state.
func (j *job) subscribe() <-chan Event {
	j.mu.Lock()
	defer j.mu.Unlock()

	ch := make(chan Event, 32)
	for _, ev := range j.events {
		ch <- ev
	}
	if j.state.Terminal() {
		close(ch)
		return ch
	}
	j.subs = append(j.subs, ch)
	return ch
}

func (j *job) snapshot() (State, *executor.ExecutionResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, j.result, j.err
}
