package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// FileInfo describes one file of a group in the record's "files" list.
type FileInfo struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	BLAKE3   string `json:"blake3"`
	SHA256   string `json:"sha256"`
	URL      string `json:"url,omitempty"`
}

func (fi FileInfo) toMap() map[string]any {
	m := map[string]any{
		"filename": fi.Filename,
		"path":     fi.Path,
		"size":     float64(fi.Size),
		"blake3":   fi.BLAKE3,
		"sha256":   fi.SHA256,
	}
	if fi.URL != "" {
		m["url"] = fi.URL
	}
	return m
}

// Describe hashes path and reports it relative to root. baseURL, when set,
// is joined with the relative path to form the download location.
func Describe(path, root, baseURL string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	b3 := blake3.New()
	s256 := sha256.New()
	n, err := io.Copy(io.MultiWriter(b3, s256), f)
	if err != nil {
		return FileInfo{}, fmt.Errorf("hash %s: %w", path, err)
	}

	rel := filepath.Base(path)
	if root != "" {
		if r, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	rel = filepath.ToSlash(rel)

	fi := FileInfo{
		Filename: filepath.Base(path),
		Path:     rel,
		Size:     n,
		BLAKE3:   hex.EncodeToString(b3.Sum(nil)),
		SHA256:   hex.EncodeToString(s256.Sum(nil)),
	}
	if baseURL != "" {
		fi.URL = strings.TrimRight(baseURL, "/") + "/" + rel
	}
	return fi, nil
}

// fileRecord builds {"files": [...]} for a group. Files that cannot be read
// are left out.
func fileRecord(files []string, root, baseURL string) (map[string]any, []error) {
	var (
		list []any
		errs []error
	)
	for _, f := range files {
		fi, err := Describe(f, root, baseURL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		list = append(list, fi.toMap())
	}
	if len(list) == 0 {
		return nil, errs
	}
	return map[string]any{"files": list}, errs
}
