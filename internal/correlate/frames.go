package correlate

import (
	"regexp"
	"strconv"
	"strings"
)

// Frame is one parsed stack entry: the symbol that was executing plus
// whatever file/line hints the trace carried. Depth 0 is the throw site.
type Frame struct {
	Symbol string
	File   string
	Line   int
	Depth  int
}

var (
	// Go: "\t/src/pkg/file.go:42 +0x1b" preceded by "pkg.(*T).Method(...)"
	goFileRe = regexp.MustCompile(`^\s*(\S+\.go):(\d+)(?:\s+\+0x[0-9a-f]+)?$`)
	goFuncRe = regexp.MustCompile(`^(\S+?)\((?:.*)\)$`)

	// Python: `  File "app/handler.py", line 12, in process`
	pythonRe = regexp.MustCompile(`^\s*File "([^"]+)", line (\d+)(?:, in (\S+))?`)

	// Java/JVM: "\tat com.example.Service.handle(Service.java:87)"
	javaRe = regexp.MustCompile(`^\s*at\s+([\w$.<>]+)\(([\w$.]+):(\d+)\)`)

	// JavaScript/Node: "    at handler (/srv/app/index.js:10:15)"
	jsRe = regexp.MustCompile(`^\s*at\s+(?:(\S+)\s+\()?([^():\s]+):(\d+):\d+\)?`)
)

// ParseTrace extracts frames from raw stacktrace text using a set of
// language grammars. Lines that match no grammar are skipped, never
// fatal: a half-garbled trace still yields its parseable frames.
func ParseTrace(trace string) []Frame {
	lines := strings.Split(trace, "\n")
	var frames []Frame
	var pyIdx []int
	var pendingGoSymbol string

	for _, line := range lines {
		if line == "" {
			pendingGoSymbol = ""
			continue
		}

		if m := goFileRe.FindStringSubmatch(line); m != nil && pendingGoSymbol != "" {
			n, _ := strconv.Atoi(m[2])
			frames = append(frames, Frame{
				Symbol: pendingGoSymbol,
				File:   m[1],
				Line:   n,
				Depth:  len(frames),
			})
			pendingGoSymbol = ""
			continue
		}

		if m := pythonRe.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[2])
			frames = append(frames, Frame{
				Symbol: m[3],
				File:   m[1],
				Line:   n,
			})
			pyIdx = append(pyIdx, len(frames)-1)
			pendingGoSymbol = ""
			continue
		}

		if m := javaRe.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[3])
			frames = append(frames, Frame{
				Symbol: m[1],
				File:   m[2],
				Line:   n,
				Depth:  len(frames),
			})
			pendingGoSymbol = ""
			continue
		}

		if m := jsRe.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[3])
			frames = append(frames, Frame{
				Symbol: m[1],
				File:   m[2],
				Line:   n,
				Depth:  len(frames),
			})
			pendingGoSymbol = ""
			continue
		}

		// A Go goroutine dump alternates function and file lines; remember
		// a function-looking line for the file line that follows it.
		if m := goFuncRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil && strings.Contains(m[1], ".") {
			pendingGoSymbol = m[1]
			continue
		}
		pendingGoSymbol = ""
	}

	// Python tracebacks are "most recent call last"; renumber those frames
	// so depth 0 is the raise site in every grammar.
	for i, idx := range pyIdx {
		frames[idx].Depth = len(pyIdx) - 1 - i
	}

	return frames
}

// shortSymbol strips package qualifiers: "pkg.(*T).Method" → "Method".
func shortSymbol(sym string) string {
	if i := strings.LastIndexAny(sym, "./"); i >= 0 && i+1 < len(sym) {
		return sym[i+1:]
	}
	return sym
}

// baseName returns the final path element of a file hint.
func baseName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
