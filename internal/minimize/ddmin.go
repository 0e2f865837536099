// Package minimize shrinks a failing input to a (near-)minimal
// reproducer using ddmin-style delta debugging: remove partitions, keep
// removals that still fail, refine granularity when nothing can be
// removed. Oracle invocations are expensive sandbox executions, so
// probes are content-hashed against history, dispatched with bounded
// parallelism, and accepted deterministically regardless of completion
// order.
package minimize

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Verdict is an oracle's answer for one candidate input.
type Verdict int

const (
	// VerdictFails: the original failure still reproduces.
	VerdictFails Verdict = iota
	// VerdictPasses: the failure no longer reproduces.
	VerdictPasses
	// VerdictAmbiguous: neither a clean pass nor the original failure
	// signature. The attempt is discarded, treated as neither.
	VerdictAmbiguous
)

func (v Verdict) String() string {
	switch v {
	case VerdictFails:
		return "fails"
	case VerdictPasses:
		return "passes"
	default:
		return "ambiguous"
	}
}

// Oracle reports whether the target failure reproduces on an input. It
// must be idempotent and side-effect-free (the ephemeral workspace
// contract guarantees the latter for scheduler-backed oracles). An error
// return means the oracle itself could not run; the attempt is discarded.
type Oracle interface {
	Test(ctx context.Context, input []byte) (Verdict, error)
}

// Budget bounds a minimization run. Zero fields mean unlimited.
type Budget struct {
	MaxOracleCalls int
	MaxWallClock   time.Duration
}

// Attempt is one entry in the run's attempt log.
type Attempt struct {
	Round     int    `json:"round"`
	Partition int    `json:"partition"`
	Size      int    `json:"size"` // candidate size in atoms
	Verdict   string `json:"verdict"`
	Accepted  bool   `json:"accepted"`
}

// Result is the outcome of a minimization run. Partial means the budget
// ran out before reaching a 1-minimal input: Minimized is then the best
// known failing input, never silently treated as minimal.
type Result struct {
	Minimized   []byte    `json:"minimized"`
	Partial     bool      `json:"partial"`
	OracleCalls int       `json:"oracle_calls"`
	Rounds      int       `json:"rounds"`
	Attempts    []Attempt `json:"attempts"`
}

var (
	// ErrInputNotFailing: the initial input did not reproduce the
	// failure, so there is nothing to minimize.
	ErrInputNotFailing = errors.New("initial input does not reproduce the failure")
	// ErrInputAmbiguous: the oracle could not classify the initial input.
	ErrInputAmbiguous = errors.New("oracle verdict on initial input is ambiguous")
)

// Options tune the search.
type Options struct {
	Parallelism int                   // concurrent probes per granularity level; 0 means 4
	Split       func([]byte) [][]byte // input → atoms; nil splits into lines
	Join        func([][]byte) []byte // atoms → input; nil joins lines
	OnVerdict   func(verdict string)  // observer hook (metrics); may be nil
}

type Minimizer struct {
	oracle Oracle
	opts   Options
}

func New(oracle Oracle, opts Options) *Minimizer {
	if opts.Parallelism < 1 {
		opts.Parallelism = 4
	}
	if opts.Split == nil {
		opts.Split = splitLines
	}
	if opts.Join == nil {
		opts.Join = joinLines
	}
	if opts.OnVerdict == nil {
		opts.OnVerdict = func(string) {}
	}
	return &Minimizer{oracle: oracle, opts: opts}
}

type run struct {
	m       *Minimizer
	ctx     context.Context
	budget  Budget
	started time.Time
	calls   atomic.Int64

	mu       sync.Mutex // guards history; probes at one level run concurrently
	history  map[string]Verdict
	attempts []Attempt
}

// Minimize shrinks input while the oracle keeps failing. Binary
// partitioning: start at two partitions, double on failure to reduce,
// stop at unit granularity. The returned input is always a confirmed
// reproducer; budget exhaustion is reported through Result.Partial.
func (m *Minimizer) Minimize(ctx context.Context, input []byte, budget Budget) (*Result, error) {
	r := &run{
		m:       m,
		ctx:     ctx,
		budget:  budget,
		started: time.Now(),
		history: make(map[string]Verdict),
	}

	verdict, err := r.test(input)
	if err != nil {
		return nil, fmt.Errorf("testing initial input: %w", err)
	}
	switch verdict {
	case VerdictPasses:
		return nil, ErrInputNotFailing
	case VerdictAmbiguous:
		return nil, ErrInputAmbiguous
	}

	atoms := m.opts.Split(input)
	logger := log.With().Int("atoms", len(atoms)).Logger()
	logger.Info().Msg("minimization started")

	n := 2
	rounds := 0
	for len(atoms) >= 2 && !r.exhausted() {
		rounds++
		if n > len(atoms) {
			n = len(atoms)
		}

		accepted, acceptedIdx := r.probeRound(rounds, atoms, n)
		if accepted != nil {
			atoms = accepted
			logger.Debug().
				Int("round", rounds).
				Int("partition", acceptedIdx).
				Int("remaining", len(atoms)).
				Msg("reduction accepted")
			if n > 2 {
				n--
			}
			continue
		}

		if n >= len(atoms) {
			break // unit granularity, nothing removable
		}
		n *= 2
		if n > len(atoms) {
			n = len(atoms)
		}
	}

	result := &Result{
		Minimized:   m.opts.Join(atoms),
		Partial:     r.exhausted(),
		OracleCalls: int(r.calls.Load()),
		Rounds:      rounds,
		Attempts:    r.attempts,
	}

	logger.Info().
		Int("rounds", rounds).
		Int("oracle_calls", result.OracleCalls).
		Int("final_atoms", len(atoms)).
		Bool("partial", result.Partial).
		Msg("minimization finished")

	return result, nil
}

// probeRound tests every n-way complement of atoms concurrently and
// returns the accepted reduction, if any. Acceptance is deterministic:
// the smallest failing complement wins, ties broken by the lowest
// partition index, regardless of goroutine completion order.
func (r *run) probeRound(round int, atoms [][]byte, n int) ([][]byte, int) {
	type probe struct {
		idx       int
		candidate [][]byte
		verdict   Verdict
		tested    bool
	}

	probes := make([]probe, n)
	g, gctx := errgroup.WithContext(r.ctx)
	g.SetLimit(r.m.opts.Parallelism)

	for i := 0; i < n; i++ {
		probes[i] = probe{idx: i, candidate: withoutPartition(atoms, i, n)}
		p := &probes[i]
		g.Go(func() error {
			if r.exhausted() || gctx.Err() != nil {
				return nil
			}
			verdict, err := r.testAtoms(p.candidate)
			if err != nil {
				log.Warn().Err(err).Int("partition", p.idx).Msg("oracle failed, attempt discarded")
				return nil
			}
			p.verdict = verdict
			p.tested = true
			return nil
		})
	}
	_ = g.Wait()

	best := -1
	for i := range probes {
		p := &probes[i]
		if p.tested {
			r.attempts = append(r.attempts, Attempt{
				Round:     round,
				Partition: p.idx,
				Size:      len(p.candidate),
				Verdict:   p.verdict.String(),
			})
		}
		if !p.tested || p.verdict != VerdictFails {
			continue
		}
		if best == -1 ||
			atomBytes(p.candidate) < atomBytes(probes[best].candidate) ||
			(atomBytes(p.candidate) == atomBytes(probes[best].candidate) && p.idx < probes[best].idx) {
			best = i
		}
	}

	if best == -1 {
		return nil, -1
	}
	for i := range r.attempts {
		if r.attempts[i].Round == round && r.attempts[i].Partition == probes[best].idx {
			r.attempts[i].Accepted = true
		}
	}
	return probes[best].candidate, probes[best].idx
}

func (r *run) testAtoms(atoms [][]byte) (Verdict, error) {
	return r.test(r.m.opts.Join(atoms))
}

// test consults the run history first so repeated candidates within the
// run cost nothing; the scheduler's result cache covers repeats across
// runs. History hits do not count against the oracle-call budget.
func (r *run) test(input []byte) (Verdict, error) {
	key := fmt.Sprintf("%x", sha256.Sum256(input))
	r.mu.Lock()
	if v, ok := r.history[key]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	if r.exhausted() {
		return VerdictAmbiguous, r.ctx.Err()
	}
	r.calls.Add(1)

	verdict, err := r.m.oracle.Test(r.ctx, input)
	if err != nil {
		return VerdictAmbiguous, err
	}
	r.m.opts.OnVerdict(verdict.String())
	r.mu.Lock()
	r.history[key] = verdict
	r.mu.Unlock()
	return verdict, nil
}

func (r *run) exhausted() bool {
	if r.ctx.Err() != nil {
		return true
	}
	if r.budget.MaxOracleCalls > 0 && int(r.calls.Load()) >= r.budget.MaxOracleCalls {
		return true
	}
	if r.budget.MaxWallClock > 0 && time.Since(r.started) >= r.budget.MaxWallClock {
		return true
	}
	return false
}

// withoutPartition returns atoms minus the i-th of n near-equal partitions.
func withoutPartition(atoms [][]byte, i, n int) [][]byte {
	start, end := partitionBounds(len(atoms), i, n)
	out := make([][]byte, 0, len(atoms)-(end-start))
	out = append(out, atoms[:start]...)
	out = append(out, atoms[end:]...)
	return out
}

func partitionBounds(total, i, n int) (int, int) {
	return total * i / n, total * (i + 1) / n
}

func atomBytes(atoms [][]byte) int {
	var n int
	for _, a := range atoms {
		n += len(a)
	}
	return n
}

func splitLines(input []byte) [][]byte {
	lines := bytes.Split(input, []byte("\n"))
	// A trailing newline yields an empty final atom; drop it so the
	// reassembled input round-trips.
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func joinLines(atoms [][]byte) []byte {
	if len(atoms) == 0 {
		return nil
	}
	return append(bytes.Join(atoms, []byte("\n")), '\n')
}
