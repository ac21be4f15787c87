package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// fsManager keeps one directory per source_id under baseDir.
type fsManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	return &fsManager{baseDir: filepath.Clean(trimmed), now: time.Now}, nil
}

// Create makes the workspace with its data and scratch subdirectories. A
// leftover workspace from an earlier attempt at the same source_id is
// replaced, since redelivered work items restart from scratch.
func (m *fsManager) Create(ctx context.Context, sourceID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	path, err := m.workspacePath(sourceID)
	if err != nil {
		return Workspace{}, err
	}
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return Workspace{}, fmt.Errorf("reset workspace for %q: %w", sourceID, err)
	}

	ws := Workspace{SourceID: sourceID, Dir: path}
	for _, dir := range []string{ws.Dir, ws.DataDir(), ws.ScratchDir()} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			return Workspace{}, fmt.Errorf("create workspace for %q: %w", sourceID, err)
		}
	}
	return ws, nil
}

func (m *fsManager) Open(ctx context.Context, sourceID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	path, err := m.workspacePath(sourceID)
	if err != nil {
		return Workspace{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace for %q: %w", sourceID, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace path for %q is not a directory", sourceID)
	}
	return Workspace{SourceID: sourceID, Dir: path}, nil
}

func (m *fsManager) Remove(ctx context.Context, sourceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := m.workspacePath(sourceID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace for %q: %w", sourceID, err)
	}
	return nil
}

func (m *fsManager) Clone(ctx context.Context, sourceID, dstDir string) error {
	ws, err := m.Open(ctx, sourceID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dstDir); err == nil {
		return fmt.Errorf("clone destination %q already exists", dstDir)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat clone destination %q: %w", dstDir, err)
	}
	if err := LinkTree(ctx, ws.DataDir(), dstDir); err != nil {
		_ = os.RemoveAll(dstDir)
		return fmt.Errorf("clone workspace %q to %q: %w", sourceID, dstDir, err)
	}
	return nil
}

// Cleanup removes workspace directories whose modification time is older
// than olderThan, except those named in keep.
func (m *fsManager) Cleanup(ctx context.Context, olderThan time.Duration, keep map[string]bool) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() || keep[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.baseDir, entry.Name())); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}
	return report, nil
}

func (m *fsManager) workspacePath(sourceID string) (string, error) {
	if err := validateSourceID(sourceID); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, sourceID), nil
}

// LinkTree reproduces srcDir at dstDir. Regular files are hard-linked and
// fall back to a byte copy when srcDir and dstDir sit on different devices.
func LinkTree(ctx context.Context, srcDir, dstDir string) error {
	srcInfo, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %q is not a directory", srcDir)
	}
	if err := os.MkdirAll(filepath.Dir(dstDir), 0o755); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}
	if err := os.Mkdir(dstDir, srcInfo.Mode().Perm()); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		dst := filepath.Join(dstDir, rel)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(dst, info.Mode().Perm()); err != nil {
				return fmt.Errorf("create directory %q: %w", dst, err)
			}
		case info.Mode().IsRegular():
			if err := LinkFile(path, dst); err != nil {
				return fmt.Errorf("link %q to %q: %w", path, dst, err)
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := os.Symlink(target, dst); err != nil {
				return fmt.Errorf("create symlink %q: %w", dst, err)
			}
		default:
			return fmt.Errorf("unsupported file type for %q (%s)", path, info.Mode().Type())
		}
		return nil
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func validateSourceID(sourceID string) error {
	trimmed := strings.TrimSpace(sourceID)
	if trimmed == "" {
		return fmt.Errorf("source_id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("source_id %q is invalid", sourceID)
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("source_id %q must not contain path separators", sourceID)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("source_id %q is invalid", sourceID)
	}
	return nil
}

// LinkFile hard-links src to dst, copying when they sit on different devices.
func LinkFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%q is not a regular file", src)
	}
	err = os.Link(src, dst)
	if errors.Is(err, syscall.EXDEV) {
		err = copyFile(src, dst, info.Mode().Perm())
	}
	return err
}
