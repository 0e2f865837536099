package verify

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const modifyDiff = `--- a/greet.txt
+++ b/greet.txt
@@ -1,3 +1,3 @@
 hello
-world
+there
 goodbye
`

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func mustApply(t *testing.T, root, patch string) {
	t.Helper()
	fds, err := parsePatch([]byte(patch))
	if err != nil {
		t.Fatalf("parsePatch() error = %v", err)
	}
	if err := applyPatch(root, fds); err != nil {
		t.Fatalf("applyPatch() error = %v", err)
	}
}

func readBack(t *testing.T, root, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestApplyModification(t *testing.T) {
	root := writeTree(t, map[string]string{"greet.txt": "hello\nworld\ngoodbye\n"})
	mustApply(t, root, modifyDiff)

	if got := readBack(t, root, "greet.txt"); got != "hello\nthere\ngoodbye\n" {
		t.Errorf("patched content = %q", got)
	}
}

func TestApplyContextMismatch(t *testing.T) {
	root := writeTree(t, map[string]string{"greet.txt": "completely\ndifferent\ncontent\n"})
	fds, err := parsePatch([]byte(modifyDiff))
	if err != nil {
		t.Fatalf("parsePatch() error = %v", err)
	}

	err = applyPatch(root, fds)
	if !errors.Is(err, ErrPatchDidNotApply) {
		t.Errorf("applyPatch() error = %v, want ErrPatchDidNotApply", err)
	}
	// The original file is left as-is on failure.
	if got := readBack(t, root, "greet.txt"); got != "completely\ndifferent\ncontent\n" {
		t.Errorf("file modified despite failed apply: %q", got)
	}
}

func TestApplyMissingFile(t *testing.T) {
	root := writeTree(t, map[string]string{})
	fds, err := parsePatch([]byte(modifyDiff))
	if err != nil {
		t.Fatalf("parsePatch() error = %v", err)
	}
	if err := applyPatch(root, fds); !errors.Is(err, ErrPatchDidNotApply) {
		t.Errorf("applyPatch() error = %v, want ErrPatchDidNotApply", err)
	}
}

func TestApplyNewFile(t *testing.T) {
	const patch = `--- /dev/null
+++ b/lib/util.go
@@ -0,0 +1,3 @@
+package lib
+
+func Util() {}
`
	root := writeTree(t, map[string]string{})
	mustApply(t, root, patch)

	if got := readBack(t, root, "lib/util.go"); got != "package lib\n\nfunc Util() {}\n" {
		t.Errorf("created file = %q", got)
	}
}

func TestApplyNewFileAlreadyExists(t *testing.T) {
	const patch = `--- /dev/null
+++ b/util.go
@@ -0,0 +1,1 @@
+package lib
`
	root := writeTree(t, map[string]string{"util.go": "already here\n"})
	fds, err := parsePatch([]byte(patch))
	if err != nil {
		t.Fatalf("parsePatch() error = %v", err)
	}
	if err := applyPatch(root, fds); !errors.Is(err, ErrPatchDidNotApply) {
		t.Errorf("applyPatch() error = %v, want ErrPatchDidNotApply", err)
	}
}

func TestApplyDeletedFile(t *testing.T) {
	const patch = `--- a/old.txt
+++ /dev/null
@@ -1,2 +0,0 @@
-stale line one
-stale line two
`
	root := writeTree(t, map[string]string{"old.txt": "stale line one\nstale line two\n"})
	mustApply(t, root, patch)

	if _, err := os.Stat(filepath.Join(root, "old.txt")); !os.IsNotExist(err) {
		t.Errorf("old.txt still exists after deletion diff")
	}
}

func TestApplyMultiFile(t *testing.T) {
	patch := modifyDiff + `--- a/other.txt
+++ b/other.txt
@@ -1,1 +1,2 @@
 first
+second
`
	root := writeTree(t, map[string]string{
		"greet.txt": "hello\nworld\ngoodbye\n",
		"other.txt": "first\n",
	})
	mustApply(t, root, patch)

	if got := readBack(t, root, "greet.txt"); got != "hello\nthere\ngoodbye\n" {
		t.Errorf("greet.txt = %q", got)
	}
	if got := readBack(t, root, "other.txt"); got != "first\nsecond\n" {
		t.Errorf("other.txt = %q", got)
	}
}

func TestApplyMultiHunk(t *testing.T) {
	const patch = `--- a/list.txt
+++ b/list.txt
@@ -1,3 +1,3 @@
-one
+ONE
 two
 three
@@ -8,3 +8,3 @@
 eight
-nine
+NINE
 ten
`
	root := writeTree(t, map[string]string{
		"list.txt": "one\ntwo\nthree\nfour\nfive\nsix\nseven\neight\nnine\nten\n",
	})
	mustApply(t, root, patch)

	want := "ONE\ntwo\nthree\nfour\nfive\nsix\nseven\neight\nNINE\nten\n"
	if got := readBack(t, root, "list.txt"); got != want {
		t.Errorf("list.txt = %q, want %q", got, want)
	}
}

func TestApplyRejectsTraversal(t *testing.T) {
	const patch = `--- a/../../escape.txt
+++ b/../../escape.txt
@@ -1,1 +1,1 @@
-x
+y
`
	root := writeTree(t, map[string]string{})
	fds, err := parsePatch([]byte(patch))
	if err != nil {
		t.Fatalf("parsePatch() error = %v", err)
	}
	if err := applyPatch(root, fds); !errors.Is(err, ErrPatchDidNotApply) {
		t.Errorf("applyPatch() error = %v, want ErrPatchDidNotApply", err)
	}
}

func TestParsePatchGarbage(t *testing.T) {
	if _, err := parsePatch([]byte("this is not a diff\n")); !errors.Is(err, ErrPatchDidNotApply) {
		t.Errorf("parsePatch() error = %v, want ErrPatchDidNotApply", err)
	}
}

func TestCopySnapshot(t *testing.T) {
	src := writeTree(t, map[string]string{
		"a.txt":       "alpha\n",
		"sub/b.txt":   "beta\n",
		"sub/c/d.txt": "delta\n",
	})
	dst := t.TempDir()

	if err := copySnapshot(src, dst); err != nil {
		t.Fatalf("copySnapshot() error = %v", err)
	}
	if got := readBack(t, dst, "sub/c/d.txt"); got != "delta\n" {
		t.Errorf("copied content = %q", got)
	}

	// Mutating the copy must not touch the snapshot.
	if err := os.WriteFile(filepath.Join(dst, "a.txt"), []byte("mutated\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readBack(t, src, "a.txt"); got != "alpha\n" {
		t.Errorf("snapshot mutated: %q", got)
	}
}
