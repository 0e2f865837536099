package correlate

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirIndex resolves lookups by scanning a checkout on local disk. It is
// the built-in Index used when no external code-lookup service is
// configured. Repos are addressed as subdirectories of Root; a repo
// named "." means Root itself.
type DirIndex struct {
	Root string
}

func NewDirIndex(root string) *DirIndex {
	return &DirIndex{Root: root}
}

// chunkLines is how many lines a semantic-search result spans.
const chunkLines = 40

var skippedDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"vendor":       {},
	"__pycache__":  {},
}

// Lookup finds files whose basename matches the file hint and, when a
// symbol hint is present, narrows each match to the lines defining it.
func (d *DirIndex) Lookup(ctx context.Context, repo, fileHint, symbolHint string) ([]Chunk, error) {
	root := d.repoRoot(repo)
	var chunks []Chunk

	err := walkSources(root, func(path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if fileHint != "" && filepath.Base(path) != filepath.Base(fileHint) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if symbolHint == "" {
			chunks = append(chunks, Chunk{Path: rel, StartLine: 1, EndLine: 1, Score: 1})
			return nil
		}
		lines, err := matchingLines(path, symbolHint)
		if err != nil {
			return err
		}
		for _, n := range lines {
			chunks = append(chunks, Chunk{Path: rel, StartLine: n, EndLine: n, Symbol: symbolHint, Score: 1})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// SemanticSearch scores fixed-size chunks by token overlap with the
// query. Crude next to a real embedding index, but deterministic and
// dependency-free, which is what the built-in fallback needs to be.
func (d *DirIndex) SemanticSearch(ctx context.Context, repo, query string) ([]Chunk, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	root := d.repoRoot(repo)
	var chunks []Chunk

	err := walkSources(root, func(path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		found, err := scoreFile(path, rel, terms)
		if err != nil {
			return err
		}
		chunks = append(chunks, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		if chunks[i].Path != chunks[j].Path {
			return chunks[i].Path < chunks[j].Path
		}
		return chunks[i].StartLine < chunks[j].StartLine
	})
	if len(chunks) > 20 {
		chunks = chunks[:20]
	}
	return chunks, nil
}

func (d *DirIndex) repoRoot(repo string) string {
	if repo == "" || repo == "." {
		return d.Root
	}
	return filepath.Join(d.Root, filepath.Clean("/"+repo))
}

func walkSources(root string, fn func(path string) error) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipAll
			}
			return err
		}
		if entry.IsDir() {
			if _, skip := skippedDirs[entry.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		return fn(path)
	})
}

func matchingLines(path, symbol string) ([]int, error) {
	f, err := os.Open(path) // #nosec G304 -- walked from the index root
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		if strings.Contains(sc.Text(), symbol) {
			lines = append(lines, n)
		}
	}
	return lines, sc.Err()
}

func scoreFile(path, rel string, terms []string) ([]Chunk, error) {
	f, err := os.Open(path) // #nosec G304 -- walked from the index root
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var chunks []Chunk
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line, start, hits := 0, 1, 0
	flush := func(end int) {
		if hits > 0 {
			score := float64(hits) / float64(len(terms))
			if score > 1 {
				score = 1
			}
			chunks = append(chunks, Chunk{Path: rel, StartLine: start, EndLine: end, Score: score})
		}
	}
	for sc.Scan() {
		line++
		text := strings.ToLower(sc.Text())
		for _, t := range terms {
			if strings.Contains(text, t) {
				hits++
			}
		}
		if line-start+1 >= chunkLines {
			flush(line)
			start, hits = line+1, 0
		}
	}
	flush(line)
	return chunks, sc.Err()
}

func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	})
	seen := make(map[string]struct{}, len(fields))
	var terms []string
	for _, f := range fields {
		if len(f) < 4 {
			continue // short tokens match everything
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}
