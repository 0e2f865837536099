package correlate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeIndex struct {
	lookup   func(repo, fileHint, symbolHint string) ([]Chunk, error)
	semantic func(repo, query string) ([]Chunk, error)

	semanticCalls int
	lastQuery     string
}

func (f *fakeIndex) Lookup(_ context.Context, repo, fileHint, symbolHint string) ([]Chunk, error) {
	if f.lookup == nil {
		return nil, nil
	}
	return f.lookup(repo, fileHint, symbolHint)
}

func (f *fakeIndex) SemanticSearch(_ context.Context, repo, query string) ([]Chunk, error) {
	f.semanticCalls++
	f.lastQuery = query
	if f.semantic == nil {
		return nil, nil
	}
	return f.semantic(repo, query)
}

const goTrace = `panic: runtime error: index out of range [4]

goroutine 1 [running]:
main.lookup(0x4)
	/src/app/lookup.go:42 +0x1b
main.main()
	/src/app/main.go:12 +0x45
`

func TestCorrelateExactFrameMatch(t *testing.T) {
	idx := &fakeIndex{lookup: func(_, fileHint, _ string) ([]Chunk, error) {
		if baseName(fileHint) == "lookup.go" {
			return []Chunk{{Path: "app/lookup.go", StartLine: 38, EndLine: 50, Symbol: "lookup"}}, nil
		}
		return nil, nil
	}}
	c := New(idx, Config{})

	got, err := c.Correlate(context.Background(), goTrace, "", RepoContext{Repo: "acme/app"})
	if err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}
	if len(got) == 0 {
		t.Fatal("Correlate() returned no candidates")
	}

	top := got[0]
	if top.Path != "app/lookup.go" {
		t.Errorf("top path = %q, want app/lookup.go", top.Path)
	}
	if top.Provenance != ProvenanceFrame {
		t.Errorf("provenance = %q, want %q", top.Provenance, ProvenanceFrame)
	}
	if top.Score != 1.0 {
		t.Errorf("exact file+line score = %v, want 1.0", top.Score)
	}
}

func TestCorrelateFuzzyBelowExact(t *testing.T) {
	// Both frames resolve, but only the first chunk contains the frame's
	// line; the other matches by symbol alone.
	idx := &fakeIndex{lookup: func(_, fileHint, symbolHint string) ([]Chunk, error) {
		switch baseName(fileHint) {
		case "lookup.go":
			return []Chunk{{Path: "app/lookup.go", StartLine: 38, EndLine: 50, Symbol: "lookup"}}, nil
		case "main.go":
			return []Chunk{{Path: "app/main.go", StartLine: 100, EndLine: 120, Symbol: "main"}}, nil
		}
		return nil, nil
	}}
	c := New(idx, Config{})

	got, err := c.Correlate(context.Background(), goTrace, "", RepoContext{Repo: "acme/app"})
	if err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
	if got[0].Path != "app/lookup.go" || got[1].Path != "app/main.go" {
		t.Errorf("order = %q, %q", got[0].Path, got[1].Path)
	}
	if got[1].Score >= got[0].Score {
		t.Errorf("fuzzy score %v not below exact score %v", got[1].Score, got[0].Score)
	}
}

func TestCorrelatePythonRaiseSiteWinsTie(t *testing.T) {
	// Most recent call last: the raise site is the final traceback frame
	// and must outrank its caller when both match exactly.
	trace := `Traceback (most recent call last):
  File "app/caller.py", line 30, in run
    handle(req)
  File "app/thrower.py", line 12, in handle
    raise ValueError(req)
ValueError: bad request
`
	idx := &fakeIndex{lookup: func(_, fileHint, _ string) ([]Chunk, error) {
		switch baseName(fileHint) {
		case "caller.py":
			return []Chunk{{Path: "app/caller.py", StartLine: 25, EndLine: 40, Symbol: "run"}}, nil
		case "thrower.py":
			return []Chunk{{Path: "app/thrower.py", StartLine: 8, EndLine: 20, Symbol: "handle"}}, nil
		}
		return nil, nil
	}}
	c := New(idx, Config{})

	got, err := c.Correlate(context.Background(), trace, "", RepoContext{Repo: "acme/app"})
	if err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
	if got[0].Score != got[1].Score {
		t.Fatalf("scores differ (%v vs %v), tie-break not exercised", got[0].Score, got[1].Score)
	}
	if got[0].Path != "app/thrower.py" {
		t.Errorf("top path = %q, want the raise site app/thrower.py", got[0].Path)
	}
}

func TestCorrelateDeterministic(t *testing.T) {
	idx := &fakeIndex{lookup: func(_, fileHint, _ string) ([]Chunk, error) {
		return []Chunk{
			{Path: "app/" + baseName(fileHint), StartLine: 1, EndLine: 200, Symbol: ""},
		}, nil
	}}
	c := New(idx, Config{})
	repo := RepoContext{Repo: "acme/app"}

	first, err := c.Correlate(context.Background(), goTrace, "", repo)
	if err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := c.Correlate(context.Background(), goTrace, "", repo)
		if err != nil {
			t.Fatalf("Correlate() error = %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: %d candidates, want %d", i, len(again), len(first))
		}
		for j := range again {
			if again[j] != first[j] {
				t.Fatalf("run %d candidate %d = %+v, want %+v", i, j, again[j], first[j])
			}
		}
	}
}

func TestCorrelateDedupesOverlappingRanges(t *testing.T) {
	// Both frames resolve to overlapping ranges in the same file; only the
	// better-scored entry survives.
	idx := &fakeIndex{lookup: func(_, fileHint, _ string) ([]Chunk, error) {
		if baseName(fileHint) == "lookup.go" {
			return []Chunk{{Path: "app/lookup.go", StartLine: 38, EndLine: 50}}, nil
		}
		// Symbol-only match pointing into the same overlapping range.
		return []Chunk{{Path: "app/lookup.go", StartLine: 45, EndLine: 60, Symbol: "main"}}, nil
	}}
	c := New(idx, Config{})

	got, err := c.Correlate(context.Background(), goTrace, "", RepoContext{Repo: "acme/app"})
	if err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("candidates = %d, want overlapping ranges merged to 1", len(got))
	}
	if got[0].StartLine != 38 {
		t.Errorf("kept range starts at %d, want the exact match at 38", got[0].StartLine)
	}
}

func TestCorrelateSemanticFallback(t *testing.T) {
	idx := &fakeIndex{semantic: func(_, query string) ([]Chunk, error) {
		if !strings.Contains(query, "connection refused") {
			t.Errorf("query %q missing the error message", query)
		}
		return []Chunk{{Path: "app/dial.go", StartLine: 10, EndLine: 40, Score: 0.8}}, nil
	}}
	c := New(idx, Config{})

	got, err := c.Correlate(context.Background(), "", "dial tcp 10.0.0.1:5432: connection refused", RepoContext{Repo: "acme/app"})
	if err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}
	if idx.semanticCalls != 1 {
		t.Fatalf("semantic calls = %d, want 1", idx.semanticCalls)
	}
	if len(got) != 1 || got[0].Provenance != ProvenanceSemantic {
		t.Fatalf("candidates = %+v, want one semantic hit", got)
	}
	if got[0].Score != 0.4 { // semantic weight 0.5 * similarity 0.8
		t.Errorf("score = %v, want 0.4", got[0].Score)
	}
}

func TestCorrelateSemanticFallbackForUnresolvedFrames(t *testing.T) {
	idx := &fakeIndex{
		lookup:   func(_, _, _ string) ([]Chunk, error) { return nil, nil },
		semantic: func(_, _ string) ([]Chunk, error) { return nil, nil },
	}
	c := New(idx, Config{})

	if _, err := c.Correlate(context.Background(), goTrace, "", RepoContext{Repo: "acme/app"}); err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}
	if idx.semanticCalls != 1 {
		t.Errorf("semantic calls = %d, want 1 when no frame resolves", idx.semanticCalls)
	}
}

func TestCorrelateLookupErrorDegrades(t *testing.T) {
	idx := &fakeIndex{
		lookup: func(_, fileHint, _ string) ([]Chunk, error) {
			if baseName(fileHint) == "lookup.go" {
				return nil, errors.New("index unavailable")
			}
			return []Chunk{{Path: "app/main.go", StartLine: 5, EndLine: 20}}, nil
		},
	}
	c := New(idx, Config{})

	got, err := c.Correlate(context.Background(), goTrace, "", RepoContext{Repo: "acme/app"})
	if err != nil {
		t.Fatalf("Correlate() error = %v, want degraded success", err)
	}
	if len(got) != 1 || got[0].Path != "app/main.go" {
		t.Errorf("candidates = %+v, want the surviving frame only", got)
	}
}

func TestCorrelateSemanticErrorDegrades(t *testing.T) {
	idx := &fakeIndex{
		semantic: func(_, _ string) ([]Chunk, error) { return nil, errors.New("search unavailable") },
	}
	c := New(idx, Config{})

	got, err := c.Correlate(context.Background(), "", "some log text", RepoContext{Repo: "acme/app"})
	if err != nil {
		t.Fatalf("Correlate() error = %v, want degraded success", err)
	}
	if len(got) != 0 {
		t.Errorf("candidates = %+v, want none", got)
	}
}

func TestCorrelateRecencyBonus(t *testing.T) {
	idx := &fakeIndex{lookup: func(_, fileHint, _ string) ([]Chunk, error) {
		switch baseName(fileHint) {
		case "lookup.go":
			return []Chunk{{Path: "app/lookup.go", StartLine: 100, EndLine: 120}}, nil
		case "main.go":
			return []Chunk{{Path: "app/main.go", StartLine: 100, EndLine: 120}}, nil
		}
		return nil, nil
	}}
	c := New(idx, Config{})

	repo := RepoContext{
		Repo: "acme/app",
		RecentlyChanged: map[string]time.Time{
			"app/main.go": time.Now().Add(-time.Hour),
		},
	}
	got, err := c.Correlate(context.Background(), goTrace, "", repo)
	if err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
	if got[0].Path != "app/main.go" {
		t.Errorf("top = %q, want the recently changed file boosted first", got[0].Path)
	}
}

func TestCorrelateTopN(t *testing.T) {
	idx := &fakeIndex{semantic: func(_, _ string) ([]Chunk, error) {
		chunks := make([]Chunk, 8)
		for i := range chunks {
			chunks[i] = Chunk{Path: "app/file.go", StartLine: i*100 + 1, EndLine: i*100 + 50, Score: 0.5}
		}
		return chunks, nil
	}}
	c := New(idx, Config{TopN: 3})

	got, err := c.Correlate(context.Background(), "", "log text", RepoContext{Repo: "acme/app"})
	if err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}
	if len(got) != 3 {
		t.Errorf("candidates = %d, want top 3", len(got))
	}
}

func TestBuildQuery(t *testing.T) {
	q := buildQuery("panic: boom\ngoroutine 1:\n", "earlier log line\nfinal log line")
	if !strings.Contains(q, "panic: boom") {
		t.Errorf("query missing the trace head: %q", q)
	}
	if !strings.Contains(q, "final log line") {
		t.Errorf("query missing the log tail: %q", q)
	}
	if strings.Contains(q, "goroutine") {
		t.Errorf("query should carry only the first trace line: %q", q)
	}

	long := strings.Repeat("x", 600) + " tail-marker"
	q = buildQuery("", long)
	if len(q) > 520 {
		t.Errorf("log query not bounded: %d bytes", len(q))
	}
	if !strings.Contains(q, "tail-marker") {
		t.Errorf("bounded query lost the tail: %q", q)
	}
}
