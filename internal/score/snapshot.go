package score

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// countLines returns the line count of a file under root. The relative
// path is rejected if it escapes the root.
func countLines(root, rel string) (int, error) {
	clean := filepath.Clean(rel)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return 0, fmt.Errorf("path %q escapes snapshot", rel)
	}
	f, err := os.Open(filepath.Join(root, clean)) // #nosec G304 -- traversal checked above
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return n, nil
}
