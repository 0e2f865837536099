package verify

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ErrPatchDidNotApply: the diff does not apply cleanly to the snapshot.
// A definite, reportable verdict — never retried.
var ErrPatchDidNotApply = errors.New("patch did not apply")

// parsePatch reads a unified diff, possibly spanning multiple files.
func parsePatch(patch []byte) ([]*diff.FileDiff, error) {
	fds, err := diff.NewMultiFileDiffReader(bytes.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatchDidNotApply, err)
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("%w: diff contains no files", ErrPatchDidNotApply)
	}
	return fds, nil
}

// applyPatch applies parsed file diffs in place under root. Every hunk's
// context and deletion lines must match the file exactly; the first
// mismatch aborts with ErrPatchDidNotApply.
func applyPatch(root string, fds []*diff.FileDiff) error {
	for _, fd := range fds {
		path := strippedPath(fd.NewName)
		if path == "" {
			path = strippedPath(fd.OrigName)
		}
		if path == "" || strings.Contains(path, "..") {
			return fmt.Errorf("%w: diff names unusable path %q", ErrPatchDidNotApply, fd.NewName)
		}
		target := filepath.Join(root, path)

		var original []byte
		if isNewFile(fd) {
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%w: %s already exists but diff creates it", ErrPatchDidNotApply, path)
			}
		} else {
			var err error
			original, err = os.ReadFile(target) // #nosec G304 -- path validated against traversal above
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrPatchDidNotApply, path, err)
			}
		}

		patched, err := applyFileDiff(original, fd)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPatchDidNotApply, path, err)
		}

		if isDeletedFile(fd) {
			if err := os.Remove(target); err != nil {
				return fmt.Errorf("%w: deleting %s: %v", ErrPatchDidNotApply, path, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("applying %s: %w", path, err)
		}
		if err := os.WriteFile(target, patched, 0o644); err != nil { // #nosec G306
			return fmt.Errorf("applying %s: %w", path, err)
		}
	}
	return nil
}

// applyFileDiff applies one file's hunks to its original content.
func applyFileDiff(original []byte, fd *diff.FileDiff) ([]byte, error) {
	origLines := splitKeepEmpty(original)
	var out [][]byte
	cursor := 0 // index into origLines

	for _, hunk := range fd.Hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		if hunk.OrigLines == 0 {
			// Pure-insertion hunk into an empty region: unified diff
			// addresses the line BEFORE the insertion point.
			hunkStart = int(hunk.OrigStartLine)
		}
		if hunkStart < cursor || hunkStart > len(origLines) {
			return nil, fmt.Errorf("hunk at line %d out of order or out of range", hunk.OrigStartLine)
		}

		out = append(out, origLines[cursor:hunkStart]...)
		cursor = hunkStart

		for _, line := range splitKeepEmpty(hunk.Body) {
			if len(line) == 0 {
				continue
			}
			op, content := line[0], line[1:]
			switch op {
			case ' ':
				if cursor >= len(origLines) || !bytes.Equal(origLines[cursor], content) {
					return nil, fmt.Errorf("context mismatch at line %d", cursor+1)
				}
				out = append(out, content)
				cursor++
			case '-':
				if cursor >= len(origLines) || !bytes.Equal(origLines[cursor], content) {
					return nil, fmt.Errorf("deletion mismatch at line %d", cursor+1)
				}
				cursor++
			case '+':
				out = append(out, content)
			case '\\':
				// "\ No newline at end of file" — metadata, skip.
			default:
				return nil, fmt.Errorf("malformed hunk line %q", string(line))
			}
		}
	}

	out = append(out, origLines[cursor:]...)

	if len(out) == 0 {
		return nil, nil
	}
	return append(bytes.Join(out, []byte("\n")), '\n'), nil
}

func isNewFile(fd *diff.FileDiff) bool {
	return fd.OrigName == "/dev/null"
}

func isDeletedFile(fd *diff.FileDiff) bool {
	return fd.NewName == "/dev/null"
}

// strippedPath removes the a/ b/ prefixes git puts on diff names.
func strippedPath(name string) string {
	if name == "" || name == "/dev/null" {
		return ""
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return filepath.Clean(name)
}

func splitKeepEmpty(b []byte) [][]byte {
	if len(b) == 0 {
		return nil
	}
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.Split(b, []byte("\n"))
}

// copySnapshot replicates the snapshot into a fresh directory the patch
// can be applied to, leaving the snapshot itself untouched.
func copySnapshot(snapshotDir, dst string) error {
	return filepath.WalkDir(snapshotDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(snapshotDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			return nil // snapshot links are not followed
		default:
			in, err := os.Open(path) // #nosec G304 -- walked from the snapshot root
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := os.Create(target) // #nosec G304
			if err != nil {
				return err
			}
			defer out.Close()
			_, err = io.Copy(out, in)
			return err
		}
	})
}
