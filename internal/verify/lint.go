package verify

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
)

// Linter reports the number of static findings for a set of files under
// root. Implementations may shell out to a real linter; the default is a
// cheap built-in heuristic pass.
type Linter interface {
	Lint(ctx context.Context, root string, files []string) (int, error)
}

// HeuristicLinter flags lines that trip widely-agreed smells: trailing
// whitespace, lines over a length cap, tabs mixed with leading spaces,
// and leftover debug prints. It is language-agnostic and only ever
// compared against itself (before vs after a patch), so absolute counts
// do not need to be meaningful.
type HeuristicLinter struct {
	MaxLineLen int
}

func NewHeuristicLinter() *HeuristicLinter {
	return &HeuristicLinter{MaxLineLen: 200}
}

var debugMarkers = []string{
	"console.log(",
	"fmt.Println(",
	"print(",
	"System.out.println(",
	"debugger",
	"binding.pry",
}

func (l *HeuristicLinter) Lint(ctx context.Context, root string, files []string) (int, error) {
	total := 0
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := l.lintFile(filepath.Join(root, rel))
		if err != nil {
			if os.IsNotExist(err) {
				continue // file deleted by the patch
			}
			return total, err
		}
		total += n
	}
	return total, nil
}

func (l *HeuristicLinter) lintFile(path string) (int, error) {
	f, err := os.Open(path) // #nosec G304 -- callers join against a workspace root
	if err != nil {
		return 0, err
	}
	defer f.Close()

	maxLen := l.MaxLineLen
	if maxLen <= 0 {
		maxLen = 200
	}

	issues := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if len(line) != len(strings.TrimRight(line, " \t")) {
			issues++
		}
		if len(line) > maxLen {
			issues++
		}
		if strings.HasPrefix(line, " ") && strings.Contains(line, "\t") {
			issues++
		}
		trimmed := strings.TrimSpace(line)
		for _, marker := range debugMarkers {
			if strings.HasPrefix(trimmed, marker) {
				issues++
				break
			}
		}
	}
	if err := sc.Err(); err != nil {
		return issues, err
	}
	return issues, nil
}
