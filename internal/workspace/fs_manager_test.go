package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newManager(t *testing.T) *fsManager {
	t.Helper()
	mgr, err := NewFSManager(filepath.Join(t.TempDir(), "workspaces"))
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	return mgr
}

func TestFSManagerCreateAndOpen(t *testing.T) {
	mgr := newManager(t)

	ws, err := mgr.Create(context.Background(), "ds_v1.0")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if want := filepath.Join(mgr.baseDir, "ds_v1.0"); ws.Dir != want {
		t.Fatalf("Create() dir = %q, want %q", ws.Dir, want)
	}
	for _, dir := range []string{ws.DataDir(), ws.ScratchDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q, err = %v", dir, err)
		}
	}

	opened, err := mgr.Open(context.Background(), "ds_v1.0")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != ws {
		t.Fatalf("Open() workspace = %+v, want %+v", opened, ws)
	}
}

func TestFSManagerCreateResetsLeftovers(t *testing.T) {
	mgr := newManager(t)

	ws, err := mgr.Create(context.Background(), "ds_v1.0")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	stale := filepath.Join(ws.DataDir(), "stale.txt")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := mgr.Create(context.Background(), "ds_v1.0"); err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file survived re-create, err = %v", err)
	}
}

func TestFSManagerRemove(t *testing.T) {
	mgr := newManager(t)
	ws, err := mgr.Create(context.Background(), "ds_v1.0")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mgr.Remove(context.Background(), "ds_v1.0"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Fatalf("workspace still present, err = %v", err)
	}
	if err := mgr.Remove(context.Background(), "ds_v1.0"); err != nil {
		t.Fatalf("Remove() of missing workspace error = %v", err)
	}
}

func TestFSManagerCloneHardLinks(t *testing.T) {
	mgr := newManager(t)
	ws, err := mgr.Create(context.Background(), "ds_v1.0")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	srcFile := filepath.Join(ws.DataDir(), "sub", "data.txt")
	if err := os.MkdirAll(filepath.Dir(srcFile), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(srcFile, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.Symlink("data.txt", filepath.Join(ws.DataDir(), "sub", "alias")); err != nil {
		t.Fatalf("Symlink() error = %v", err)
	}

	dst := filepath.Join(t.TempDir(), "backup", "ds_v1.0")
	if err := mgr.Clone(context.Background(), "ds_v1.0", dst); err != nil {
		t.Fatalf("Clone() error = %v", err)
	}

	clonedFile := filepath.Join(dst, "sub", "data.txt")
	srcInfo, _ := os.Stat(srcFile)
	clonedInfo, err := os.Stat(clonedFile)
	if err != nil {
		t.Fatalf("Stat(cloned) error = %v", err)
	}
	if !os.SameFile(srcInfo, clonedInfo) {
		t.Fatalf("expected source and clone files to be hard-linked")
	}
	if target, err := os.Readlink(filepath.Join(dst, "sub", "alias")); err != nil || target != "data.txt" {
		t.Fatalf("symlink not preserved: %q, %v", target, err)
	}

	if err := mgr.Clone(context.Background(), "ds_v1.0", dst); err == nil {
		t.Fatalf("Clone() onto existing destination should fail")
	}
}

func TestFSManagerCleanup(t *testing.T) {
	mgr := newManager(t)

	oldWS, err := mgr.Create(context.Background(), "old_v1.0")
	if err != nil {
		t.Fatalf("Create(old) error = %v", err)
	}
	newWS, err := mgr.Create(context.Background(), "new_v1.0")
	if err != nil {
		t.Fatalf("Create(new) error = %v", err)
	}

	keptWS, err := mgr.Create(context.Background(), "kept_v1.0")
	if err != nil {
		t.Fatalf("Create(kept) error = %v", err)
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	for _, dir := range []string{oldWS.Dir, keptWS.Dir} {
		if err := os.Chtimes(dir, oldTime, oldTime); err != nil {
			t.Fatalf("Chtimes() error = %v", err)
		}
	}

	report, err := mgr.Cleanup(context.Background(), 24*time.Hour, map[string]bool{"kept_v1.0": true})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("Cleanup() deleted = %d, want 1", report.DeletedDirs)
	}
	if _, err := os.Stat(oldWS.Dir); !os.IsNotExist(err) {
		t.Fatalf("old workspace should be deleted, err = %v", err)
	}
	if _, err := os.Stat(newWS.Dir); err != nil {
		t.Fatalf("new workspace should still exist, err = %v", err)
	}
	if _, err := os.Stat(keptWS.Dir); err != nil {
		t.Fatalf("kept workspace should still exist, err = %v", err)
	}
}

func TestValidateSourceID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"ds_v1.0", false},
		{"", true},
		{"..", true},
		{"a/b", true},
		{`a\b`, true},
	}
	for _, tt := range tests {
		if err := validateSourceID(tt.id); (err != nil) != tt.wantErr {
			t.Errorf("validateSourceID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
}
