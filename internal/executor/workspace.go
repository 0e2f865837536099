package executor

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// provisionWorkspace builds the ephemeral filesystem view a job sees:
// a throwaway directory seeded from the request's base snapshot plus the
// working input. The directory is the caller's to remove; mutations made
// by the command never reach the snapshot.
func provisionWorkspace(root, execID string, req ExecutionRequest) (string, error) {
	dir, err := os.MkdirTemp(root, "job-"+execID+"-*")
	if err != nil {
		return "", fmt.Errorf("%w: creating workspace: %v", ErrProvisioning, err)
	}

	if req.SnapshotDir != "" {
		if err := copyTree(req.SnapshotDir, dir); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("%w: seeding workspace from snapshot: %v", ErrProvisioning, err)
		}
	}

	if len(req.Input) > 0 {
		inputPath := filepath.Join(dir, filepath.Clean("/"+req.InputName))
		if err := os.MkdirAll(filepath.Dir(inputPath), 0o755); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("%w: creating input directory: %v", ErrProvisioning, err)
		}
		if err := os.WriteFile(inputPath, req.Input, 0o644); err != nil { // #nosec G306 -- container runs as nobody
			os.RemoveAll(dir)
			return "", fmt.Errorf("%w: writing input: %v", ErrProvisioning, err)
		}
	}

	return dir, nil
}

// collectArtifacts lists regular files the command left under the
// workspace's artifacts/ directory, if any.
func collectArtifacts(workspace string) []Artifact {
	artifactDir := filepath.Join(workspace, "artifacts")
	var out []Artifact

	_ = filepath.WalkDir(artifactDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(artifactDir, path)
		if err != nil {
			return nil
		}
		out = append(out, Artifact{Name: rel, Path: path, SizeBytes: info.Size()})
		return nil
	})

	return out
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			// Symlinks in snapshots are skipped rather than followed; a link
			// escaping the snapshot must not leak host files into the workspace.
			return nil
		default:
			return copyFile(path, target)
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- paths walked from the validated snapshot root
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm()) // #nosec G304
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
