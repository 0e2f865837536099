// Package score turns the signals gathered by a verification run into a
// bounded confidence score with an itemized breakdown.
package score

import (
	"fmt"
	"math"
	"os"

	"github.com/rs/zerolog"

	"verify-engine/internal/executor"
	"verify-engine/internal/monitor"
	"verify-engine/internal/verify"
)

// Band buckets a numeric score for human consumption.
type Band string

const (
	BandHigh   Band = "high"   // 80-100
	BandMedium Band = "medium" // 50-79
	BandLow    Band = "low"    // 0-49
)

// Citation claims a span of snapshot code as evidence for a fix. A
// citation that does not resolve against the snapshot contributes
// nothing; it never subtracts.
type Citation struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// HistoryStats summarizes prior outcomes for comparable patches. Nil
// history is a first-seen situation, not evidence against the patch.
type HistoryStats struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

// Input bundles everything the scorer consults.
type Input struct {
	Report      *verify.Report
	Citations   []Citation
	SnapshotDir string
	History     *HistoryStats
}

// Component is one line of the breakdown: the raw signal in [0,1], the
// weight it carried, and its contribution to the total.
type Component struct {
	Name     string  `json:"name"`
	Raw      float64 `json:"raw"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
	Detail   string  `json:"detail,omitempty"`
}

// Score is the final confidence verdict.
type Score struct {
	Value      int         `json:"value"` // 0-100
	Band       Band        `json:"band"`
	Components []Component `json:"components"`
}

// Weights controls how much each signal contributes. They are expected
// to sum to 1; Normalize fixes them up if they do not.
type Weights struct {
	Tests    float64 `yaml:"tests"`
	Lint     float64 `yaml:"lint"`
	DiffSize float64 `yaml:"diff_size"`
	Evidence float64 `yaml:"evidence"`
	History  float64 `yaml:"history"`
}

func DefaultWeights() Weights {
	return Weights{
		Tests:    0.50,
		Lint:     0.15,
		DiffSize: 0.10,
		Evidence: 0.15,
		History:  0.10,
	}
}

func (w Weights) sum() float64 {
	return w.Tests + w.Lint + w.DiffSize + w.Evidence + w.History
}

// Normalize scales the weights to sum to 1. Zero or negative totals
// fall back to the defaults.
func (w Weights) Normalize() Weights {
	total := w.sum()
	if total <= 0 {
		return DefaultWeights()
	}
	return Weights{
		Tests:    w.Tests / total,
		Lint:     w.Lint / total,
		DiffSize: w.DiffSize / total,
		Evidence: w.Evidence / total,
		History:  w.History / total,
	}
}

type Scorer struct {
	weights Weights
	metrics *monitor.Metrics
	log     zerolog.Logger
}

func NewScorer(w Weights, metrics *monitor.Metrics) *Scorer {
	return &Scorer{
		weights: w.Normalize(),
		metrics: metrics,
		log:     zerolog.New(os.Stderr).With().Timestamp().Str("component", "scorer").Logger(),
	}
}

// Score computes the confidence score for a verification run. The
// result is always in [0,100]; no combination of inputs can push it
// outside that range.
func (s *Scorer) Score(in Input) (*Score, error) {
	if in.Report == nil {
		return nil, fmt.Errorf("%w: report is required", executor.ErrInvalidRequest)
	}

	w := s.weights
	if in.History == nil {
		// With no history the remaining signals absorb its weight
		// proportionally, so a clean first-seen patch can still land
		// in the high band.
		w = Weights{
			Tests:    w.Tests,
			Lint:     w.Lint,
			DiffSize: w.DiffSize,
			Evidence: w.Evidence,
		}.Normalize()
	}

	components := []Component{
		s.testComponent(in.Report, w.Tests),
		s.lintComponent(in.Report.Static, w.Lint),
		s.diffComponent(in.Report.Static, w.DiffSize),
		s.evidenceComponent(in, w.Evidence),
	}
	if in.History != nil {
		components = append(components, s.historyComponent(in.History, w.History))
	}

	total := 0.0
	for _, c := range components {
		total += c.Weighted
	}
	value := int(math.Round(clamp01(total) * 100))

	result := &Score{Value: value, Band: bandFor(value), Components: components}
	if s.metrics != nil {
		s.metrics.ObserveConfidence(float64(value))
	}
	s.log.Info().Int("score", value).Str("band", string(result.Band)).Msg("scored verification")
	return result, nil
}

func (s *Scorer) testComponent(report *verify.Report, weight float64) Component {
	var raw float64
	var detail string
	switch report.Outcome {
	case verify.OutcomePassed:
		raw, detail = 1.0, "all test commands passed"
	case verify.OutcomeUndetermined:
		// Infra failure is not evidence the patch is bad, but it is
		// not evidence it is good either.
		raw, detail = 0.25, "tests did not produce a verdict"
	default:
		raw, detail = 0, string(report.Outcome)
	}
	return component("tests", raw, weight, detail)
}

func (s *Scorer) lintComponent(st verify.StaticSignals, weight float64) Component {
	var raw float64
	switch {
	case st.LintDelta < 0:
		raw = 1.0
	case st.LintDelta == 0:
		raw = 0.9
	default:
		raw = clamp01(0.9 - float64(st.LintDelta)*0.1)
	}
	return component("lint", raw, weight, fmt.Sprintf("delta %+d", st.LintDelta))
}

func (s *Scorer) diffComponent(st verify.StaticSignals, weight float64) Component {
	churn := st.LinesAdded + st.LinesDeleted
	// Up to 20 changed lines is a focused fix and scores full marks;
	// beyond that the signal decays linearly and bottoms out at 500.
	var raw float64
	switch {
	case churn <= 20:
		raw = 1.0
	case churn >= 500:
		raw = 0
	default:
		raw = 1 - float64(churn-20)/480
	}
	return component("diff_size", raw, weight, fmt.Sprintf("%d lines changed", churn))
}

func (s *Scorer) evidenceComponent(in Input, weight float64) Component {
	if len(in.Citations) == 0 {
		return component("evidence", 0, weight, "no citations provided")
	}
	valid, overlapping := 0, 0
	for _, c := range in.Citations {
		if !s.citationResolves(in.SnapshotDir, c) {
			continue
		}
		valid++
		if citationOverlaps(c, in.Report.Static.PatchedRegions) {
			overlapping++
		}
	}
	n := float64(len(in.Citations))
	// Validity carries most of the signal; citing the code the patch
	// actually touched carries the rest.
	raw := clamp01(0.7*float64(valid)/n + 0.3*float64(overlapping)/n)
	return component("evidence", raw, weight,
		fmt.Sprintf("%d/%d valid, %d overlap patched regions", valid, len(in.Citations), overlapping))
}

func (s *Scorer) historyComponent(h *HistoryStats, weight float64) Component {
	if h.Attempts <= 0 {
		return component("history", 0.5, weight, "no prior attempts")
	}
	raw := clamp01(float64(h.Successes) / float64(h.Attempts))
	return component("history", raw, weight,
		fmt.Sprintf("%d/%d prior successes", h.Successes, h.Attempts))
}

// citationResolves checks the cited range exists in the snapshot.
func (s *Scorer) citationResolves(snapshotDir string, c Citation) bool {
	if c.Path == "" || c.StartLine < 1 || c.EndLine < c.StartLine {
		return false
	}
	if snapshotDir == "" {
		return false
	}
	lines, err := countLines(snapshotDir, c.Path)
	if err != nil {
		s.log.Debug().Err(err).Str("path", c.Path).Msg("citation does not resolve")
		return false
	}
	return c.EndLine <= lines
}

func citationOverlaps(c Citation, regions []verify.Region) bool {
	for _, r := range regions {
		if r.Path == c.Path && c.StartLine <= r.EndLine && r.StartLine <= c.EndLine {
			return true
		}
	}
	return false
}

func component(name string, raw, weight float64, detail string) Component {
	raw = clamp01(raw)
	return Component{Name: name, Raw: raw, Weight: weight, Weighted: raw * weight, Detail: detail}
}

func bandFor(value int) Band {
	switch {
	case value >= 80:
		return BandHigh
	case value >= 50:
		return BandMedium
	default:
		return BandLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
