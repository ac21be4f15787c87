// Package fetch brings a submission's data into its workspace.
package fetch

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/mattjoyce/siphon/internal/httpx"
	"github.com/mattjoyce/siphon/internal/workspace"
)

// MaxArchiveEntry bounds a single unpacked file.
const MaxArchiveEntry = 8 << 30

// Result describes what landed in the destination directory.
type Result struct {
	Source   string
	Files    int
	Bytes    int64
	Unpacked bool
}

// Fetcher downloads or links a location into a directory.
type Fetcher struct {
	client *retryablehttp.Client
	logger *slog.Logger

	// OnRetry is called before every repeated HTTP attempt.
	OnRetry func(attempt int, url string)
}

// New returns a Fetcher whose HTTP downloads use opts.
func New(opts httpx.Options, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{logger: logger}
	f.client = httpx.NewClient(opts, logger)
	f.client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 && f.OnRetry != nil {
			f.OnRetry(attempt, req.URL.Redacted())
		}
	}
	return f
}

// Fetch places the contents of location into destDir, which must not exist.
// Local directories are linked file by file; local or remote archives
// (.zip, .tar, .tar.gz, .tgz) are unpacked; any other file is placed as is.
func (f *Fetcher) Fetch(ctx context.Context, location, destDir string) (Result, error) {
	u, err := url.Parse(location)
	if err != nil {
		return Result{}, fmt.Errorf("parse location %q: %w", location, err)
	}
	switch u.Scheme {
	case "", "file":
		p := location
		if u.Scheme == "file" {
			p = u.Path
		}
		return f.fetchLocal(ctx, p, destDir)
	case "http", "https":
		return f.fetchHTTP(ctx, u, destDir)
	default:
		return Result{}, fmt.Errorf("unsupported location scheme %q", u.Scheme)
	}
}

func (f *Fetcher) fetchLocal(ctx context.Context, src, destDir string) (Result, error) {
	info, err := os.Stat(src)
	if err != nil {
		return Result{}, fmt.Errorf("stat source: %w", err)
	}
	res := Result{Source: src}
	if info.IsDir() {
		if err := workspace.LinkTree(ctx, src, destDir); err != nil {
			return res, err
		}
		return count(destDir, res)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return res, fmt.Errorf("create destination: %w", err)
	}
	if kind := archiveKind(src); kind != "" {
		if err := unpack(ctx, src, kind, destDir); err != nil {
			return res, err
		}
		res.Unpacked = true
		return count(destDir, res)
	}
	if err := workspace.LinkFile(src, filepath.Join(destDir, filepath.Base(src))); err != nil {
		return res, fmt.Errorf("link %s: %w", src, err)
	}
	return count(destDir, res)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL, destDir string) (Result, error) {
	res := Result{Source: u.Redacted()}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return res, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return res, &TransientError{Err: err}
	}
	defer resp.Body.Close()
	if err := httpx.CheckResponse(resp); err != nil {
		if httpx.IsRetryable(err) {
			return res, &TransientError{Err: err}
		}
		return res, err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return res, fmt.Errorf("create destination: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	kind := archiveKind(name)
	target := filepath.Join(destDir, name)
	if kind != "" {
		tmp, err := os.CreateTemp(filepath.Dir(destDir), ".fetch-*")
		if err != nil {
			return res, fmt.Errorf("create temp file: %w", err)
		}
		target = tmp.Name()
		tmp.Close()
		defer os.Remove(target)
	}

	out, err := os.Create(target)
	if err != nil {
		return res, fmt.Errorf("create %s: %w", target, err)
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return res, &TransientError{Err: fmt.Errorf("read body: %w", err)}
	}
	f.logger.Debug("downloaded", "url", res.Source, "bytes", n)

	if kind != "" {
		if err := unpack(ctx, target, kind, destDir); err != nil {
			return res, err
		}
		res.Unpacked = true
	}
	return count(destDir, res)
}

// TransientError marks a failure that a later attempt may not repeat.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func archiveKind(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return "zip"
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "tgz"
	case strings.HasSuffix(lower, ".tar"):
		return "tar"
	}
	return ""
}

func unpack(ctx context.Context, archive, kind, destDir string) error {
	switch kind {
	case "zip":
		return unzip(ctx, archive, destDir)
	case "tgz", "tar":
		fh, err := os.Open(archive)
		if err != nil {
			return err
		}
		defer fh.Close()
		var r io.Reader = fh
		if kind == "tgz" {
			gz, err := gzip.NewReader(fh)
			if err != nil {
				return fmt.Errorf("open gzip: %w", err)
			}
			defer gz.Close()
			r = gz
		}
		return untar(ctx, r, destDir)
	}
	return fmt.Errorf("unknown archive kind %q", kind)
}

func unzip(ctx context.Context, archive, destDir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		dst, err := safeJoin(destDir, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", zf.Name, err)
		}
		err = writeFile(dst, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func untar(ctx context.Context, r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		dst, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(dst, tr); err != nil {
				return err
			}
		}
	}
}

func writeFile(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(r, MaxArchiveEntry+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > MaxArchiveEntry {
		err = fmt.Errorf("%s exceeds %d bytes", dst, int64(MaxArchiveEntry))
	}
	return err
}

// safeJoin rejects entries that would land outside root.
func safeJoin(root, name string) (string, error) {
	dst := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, dst)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return dst, nil
}

func count(dir string, res Result) (Result, error) {
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			res.Files++
			res.Bytes += info.Size()
		}
		return nil
	})
	return res, err
}
