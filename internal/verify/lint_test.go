package verify

import (
	"context"
	"strings"
	"testing"
)

func TestHeuristicLinter(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"clean file", "package main\n\nfunc main() {}\n", 0},
		{"trailing whitespace", "x := 1  \ny := 2\t\n", 2},
		{"long line", strings.Repeat("a", 250) + "\n", 1},
		{"mixed indent", " \tx := 1\n", 1},
		{"debug print", "\tfmt.Println(\"here\")\n\tconsole.log('x')\n", 2},
		{"debugger statement", "debugger\n", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := writeTree(t, map[string]string{"f.txt": tt.content})
			l := NewHeuristicLinter()
			got, err := l.Lint(context.Background(), root, []string{"f.txt"})
			if err != nil {
				t.Fatalf("Lint() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Lint() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLintSkipsMissingFiles(t *testing.T) {
	root := writeTree(t, map[string]string{"present.txt": "clean line\n"})
	l := NewHeuristicLinter()

	got, err := l.Lint(context.Background(), root, []string{"present.txt", "deleted.txt"})
	if err != nil {
		t.Fatalf("Lint() error = %v", err)
	}
	if got != 0 {
		t.Errorf("Lint() = %d, want 0", got)
	}
}

func TestLintCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	root := writeTree(t, map[string]string{"f.txt": "x\n"})
	l := NewHeuristicLinter()
	if _, err := l.Lint(ctx, root, []string{"f.txt"}); err == nil {
		t.Error("Lint() with cancelled context returned nil error")
	}
}
