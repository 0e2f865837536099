// Package correlate maps stacktraces and log text to ranked candidate
// source locations. Frames that resolve directly against the repository
// index score highest; unresolved frames fall back to semantic retrieval
// through the external code-lookup service.
package correlate

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Chunk is a ranked code region returned by the code-lookup service.
type Chunk struct {
	Path      string
	StartLine int
	EndLine   int
	Symbol    string
	Score     float64 // retrieval similarity in [0,1]
}

// Index is the external code-lookup collaborator. Lookup resolves a
// file/symbol hint against the repository's current index;
// SemanticSearch retrieves chunks by free-text similarity.
type Index interface {
	Lookup(ctx context.Context, repo, fileHint, symbolHint string) ([]Chunk, error)
	SemanticSearch(ctx context.Context, repo, query string) ([]Chunk, error)
}

// Provenance tags how a candidate was found.
type Provenance string

const (
	ProvenanceFrame    Provenance = "stack_frame"
	ProvenanceSemantic Provenance = "semantic"
)

// CandidateLocation is one ranked output entry. No persistence beyond
// the request lifetime.
type CandidateLocation struct {
	Path       string     `json:"path"`
	StartLine  int        `json:"start_line"`
	EndLine    int        `json:"end_line"`
	Score      float64    `json:"score"` // in [0,1]
	Provenance Provenance `json:"provenance"`

	depth int // shallowest contributing frame, for tie-breaking
}

// RepoContext describes the repository snapshot being correlated against.
type RepoContext struct {
	Repo            string
	RecentlyChanged map[string]time.Time // path → last change, for recency weighting
}

// Config tunes scoring.
type Config struct {
	TopN           int     // max candidates returned; 0 means 10
	ExactWeight    float64 // direct file+line match
	FuzzyWeight    float64 // symbol-only match
	SemanticWeight float64 // retrieval-only match, scaled by similarity
	RecencyWeight  float64 // bonus for recently changed files
	RecencyWindow  time.Duration
}

func DefaultConfig() Config {
	return Config{
		TopN:           10,
		ExactWeight:    1.0,
		FuzzyWeight:    0.7,
		SemanticWeight: 0.5,
		RecencyWeight:  0.15,
		RecencyWindow:  30 * 24 * time.Hour,
	}
}

type Correlator struct {
	index Index
	cfg   Config
}

func New(index Index, cfg Config) *Correlator {
	def := DefaultConfig()
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if cfg.ExactWeight <= 0 {
		cfg.ExactWeight = def.ExactWeight
	}
	if cfg.FuzzyWeight <= 0 {
		cfg.FuzzyWeight = def.FuzzyWeight
	}
	if cfg.SemanticWeight <= 0 {
		cfg.SemanticWeight = def.SemanticWeight
	}
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = def.RecencyWindow
	}
	return &Correlator{index: index, cfg: cfg}
}

// Correlate parses the stacktrace, resolves each frame against the
// repository index (falling back to semantic retrieval on the error
// message and surrounding log text), and returns a de-duplicated,
// deterministically ordered ranking of candidate locations.
func (c *Correlator) Correlate(ctx context.Context, stacktrace, logs string, repo RepoContext) ([]CandidateLocation, error) {
	frames := ParseTrace(stacktrace)

	logger := log.With().Str("repo", repo.Repo).Int("frames", len(frames)).Logger()
	logger.Debug().Msg("correlating stacktrace")

	var candidates []CandidateLocation

	semanticNeeded := len(frames) == 0
	for _, frame := range frames {
		resolved, err := c.resolveFrame(ctx, frame, repo)
		if err != nil {
			// The lookup service being down downgrades frame resolution,
			// it does not fail the correlation.
			logger.Warn().Err(err).Str("file", frame.File).Msg("index lookup failed, frame degraded")
			continue
		}
		if len(resolved) == 0 {
			semanticNeeded = true
			continue
		}
		candidates = append(candidates, resolved...)
	}

	if semanticNeeded {
		query := buildQuery(stacktrace, logs)
		chunks, err := c.index.SemanticSearch(ctx, repo.Repo, query)
		if err != nil {
			// No semantic fallback available; degrade gracefully to the
			// frame-only matches collected above.
			logger.Warn().Err(err).Msg("semantic search unavailable, frame-only correlation")
		} else {
			for _, ch := range chunks {
				candidates = append(candidates, CandidateLocation{
					Path:       ch.Path,
					StartLine:  ch.StartLine,
					EndLine:    ch.EndLine,
					Score:      clamp01(c.cfg.SemanticWeight*ch.Score + c.recencyBonus(ch.Path, repo)),
					Provenance: ProvenanceSemantic,
					depth:      len(frames), // semantic hits rank behind equal-scored frame hits
				})
			}
		}
	}

	return c.rank(candidates), nil
}

func (c *Correlator) resolveFrame(ctx context.Context, frame Frame, repo RepoContext) ([]CandidateLocation, error) {
	chunks, err := c.index.Lookup(ctx, repo.Repo, frame.File, frame.Symbol)
	if err != nil {
		return nil, err
	}

	var out []CandidateLocation
	for _, ch := range chunks {
		weight, ok := c.frameWeight(frame, ch)
		if !ok {
			continue
		}
		out = append(out, CandidateLocation{
			Path:       ch.Path,
			StartLine:  ch.StartLine,
			EndLine:    ch.EndLine,
			Score:      clamp01(weight + c.recencyBonus(ch.Path, repo)),
			Provenance: ProvenanceFrame,
			depth:      frame.Depth,
		})
	}
	return out, nil
}

// frameWeight scores a chunk against a frame: exact file+line containment
// beats a fuzzy symbol match, which beats nothing at all.
func (c *Correlator) frameWeight(frame Frame, ch Chunk) (float64, bool) {
	fileMatch := frame.File != "" && baseName(ch.Path) == baseName(frame.File)
	lineMatch := fileMatch && frame.Line >= ch.StartLine && frame.Line <= ch.EndLine
	symbolMatch := frame.Symbol != "" && ch.Symbol != "" &&
		strings.EqualFold(shortSymbol(ch.Symbol), shortSymbol(frame.Symbol))

	switch {
	case lineMatch:
		return c.cfg.ExactWeight, true
	case fileMatch || symbolMatch:
		return c.cfg.FuzzyWeight, true
	default:
		return 0, false
	}
}

func (c *Correlator) recencyBonus(path string, repo RepoContext) float64 {
	changed, ok := repo.RecentlyChanged[path]
	if !ok {
		return 0
	}
	age := time.Since(changed)
	if age < 0 || age > c.cfg.RecencyWindow {
		return 0
	}
	// Linear decay: just-changed files get the full bonus.
	return c.cfg.RecencyWeight * (1 - float64(age)/float64(c.cfg.RecencyWindow))
}

// rank de-duplicates by (file, overlapping line range) keeping the
// highest-scored entry, orders by score with ties broken by shallowest
// stack depth then path, and truncates to top-N. The ordering is total,
// so identical inputs always produce the identical sequence.
func (c *Correlator) rank(candidates []CandidateLocation) []CandidateLocation {
	var deduped []CandidateLocation
	for _, cand := range candidates {
		merged := false
		for i := range deduped {
			if deduped[i].Path == cand.Path && rangesOverlap(deduped[i], cand) {
				if better(cand, deduped[i]) {
					deduped[i] = cand
				}
				merged = true
				break
			}
		}
		if !merged {
			deduped = append(deduped, cand)
		}
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		return better(deduped[i], deduped[j])
	})

	if len(deduped) > c.cfg.TopN {
		deduped = deduped[:c.cfg.TopN]
	}
	return deduped
}

func better(a, b CandidateLocation) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.depth != b.depth {
		return a.depth < b.depth // closer to the throw site wins
	}
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	return a.StartLine < b.StartLine
}

func rangesOverlap(a, b CandidateLocation) bool {
	return a.StartLine <= b.EndLine && b.StartLine <= a.EndLine
}

// buildQuery assembles the semantic-search query from the trace's first
// line (usually the error message) and a bounded amount of log tail.
func buildQuery(stacktrace, logs string) string {
	var parts []string
	if i := strings.IndexByte(stacktrace, '\n'); i > 0 {
		parts = append(parts, strings.TrimSpace(stacktrace[:i]))
	} else if stacktrace != "" {
		parts = append(parts, strings.TrimSpace(stacktrace))
	}
	logs = strings.TrimSpace(logs)
	if logs != "" {
		const maxLogQuery = 512
		if len(logs) > maxLogQuery {
			logs = logs[len(logs)-maxLogQuery:]
		}
		parts = append(parts, logs)
	}
	return strings.Join(parts, "\n")
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
