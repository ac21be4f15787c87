// Package feedstock reads and writes NDJSON feedstock files: the dataset
// entry on line 0 followed by records in acceptance order.
package feedstock

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// maxLine bounds a single entry when reading.
const maxLine = 64 * 1024 * 1024

var ErrNoDataset = errors.New("feedstock does not start with a dataset entry")

// Writer streams entries into a temporary file next to the destination.
// Nothing is visible at the destination path until Commit.
type Writer struct {
	path    string
	tmp     *os.File
	buf     *bufio.Writer
	enc     *json.Encoder
	count   int
	settled bool
}

// Create opens a writer for path, creating parent directories.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create feedstock dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create feedstock temp file: %w", err)
	}
	buf := bufio.NewWriter(tmp)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &Writer{path: path, tmp: tmp, buf: buf, enc: enc}, nil
}

// Append writes one entry as a JSON line.
func (w *Writer) Append(entry map[string]any) error {
	if w.settled {
		return fmt.Errorf("feedstock writer already closed")
	}
	if err := w.enc.Encode(entry); err != nil {
		return fmt.Errorf("encode feedstock entry %d: %w", w.count, err)
	}
	w.count++
	return nil
}

// Count is the number of entries appended.
func (w *Writer) Count() int { return w.count }

// Commit flushes, syncs and renames the temp file onto the destination.
func (w *Writer) Commit() error {
	if w.settled {
		return fmt.Errorf("feedstock writer already closed")
	}
	w.settled = true
	if err := w.buf.Flush(); err != nil {
		w.discard()
		return fmt.Errorf("flush feedstock: %w", err)
	}
	if err := w.tmp.Sync(); err != nil {
		w.discard()
		return fmt.Errorf("sync feedstock: %w", err)
	}
	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("close feedstock: %w", err)
	}
	if err := os.Rename(w.tmp.Name(), w.path); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("install feedstock: %w", err)
	}
	return nil
}

// Abort removes the temp file. It is a no-op after Commit.
func (w *Writer) Abort() {
	if w.settled {
		return
	}
	w.settled = true
	w.discard()
}

func (w *Writer) discard() {
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}

// Write stores entries at path atomically.
func Write(path string, entries []map[string]any) error {
	w, err := Create(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			w.Abort()
			return err
		}
	}
	return w.Commit()
}

// Read streams the entries of path to fn. Line 0 must be a dataset entry;
// fn receives its zero-based line index.
func Read(path string, fn func(i int, entry map[string]any) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open feedstock: %w", err)
	}
	defer f.Close()
	return Decode(f, fn)
}

// Decode is Read over an arbitrary reader.
func Decode(r io.Reader, fn func(i int, entry map[string]any) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	i := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("feedstock line %d: %w", i, err)
		}
		if i == 0 && !IsDataset(entry) {
			return ErrNoDataset
		}
		if err := fn(i, entry); err != nil {
			return err
		}
		i++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read feedstock: %w", err)
	}
	if i == 0 {
		return ErrNoDataset
	}
	return nil
}

// IsDataset reports whether entry is a dataset entry.
func IsDataset(entry map[string]any) bool {
	meta, ok := entry["meta"].(map[string]any)
	return ok && meta["resource_type"] == "dataset"
}
