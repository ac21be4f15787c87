package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateChecksumsWithReportDryRun(t *testing.T) {
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("index:\n  backend: memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	report, err := GenerateChecksumsWithReport(tmpDir, []string{"config.yaml", "publish.yaml"}, true)
	if err != nil {
		t.Fatalf("GenerateChecksumsWithReport() failed: %v", err)
	}
	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Files) != 2 {
		t.Fatalf("len(report.Files) = %d, want 2", len(report.Files))
	}
	if !report.Files[0].Exists || report.Files[0].Hash == "" {
		t.Fatal("config.yaml should exist with computed hash")
	}
	if report.Files[1].Exists || report.Files[1].Hash != "" {
		t.Fatal("publish.yaml should be reported as missing without hash")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ChecksumFile)); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockCoversEveryIncludedDirectory(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "conf.d")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, root, "config.yaml", "include: [conf.d/index.yaml]\n")
	writeConfig(t, sub, "index.yaml", "index:\n  backend: memory\n")

	reports, err := Lock(filepath.Join(root, "config.yaml"), false)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("len(reports) = %d, want 2", len(reports))
	}
	for _, dir := range []string{root, sub} {
		manifest, err := LoadChecksums(dir)
		if err != nil {
			t.Fatalf("LoadChecksums(%s) error = %v", dir, err)
		}
		if len(manifest.Hashes) != 1 {
			t.Fatalf("manifest in %s has %d hashes, want 1", dir, len(manifest.Hashes))
		}
	}
}

func TestVerifyFileHash(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "x.yaml", "a: 1\n")
	hash, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyFileHash(path, hash); err != nil {
		t.Fatalf("VerifyFileHash() = %v", err)
	}
	if err := VerifyFileHash(path, "00"); err == nil {
		t.Fatal("VerifyFileHash() accepted a wrong hash")
	}
}
