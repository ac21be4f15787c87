package feedstock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataset() map[string]any {
	return map[string]any{"meta": map[string]any{"resource_type": "dataset", "scroll_id": 0.0}, "dataset": map[string]any{"title": "t"}}
}

func record(n int) map[string]any {
	return map[string]any{"meta": map[string]any{"resource_type": "record", "scroll_id": float64(n)}, "value": float64(n)}
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "feedstock.ndjson")
	require.NoError(t, Write(path, []map[string]any{dataset(), record(1), record(2)}))

	var got []map[string]any
	require.NoError(t, Read(path, func(i int, e map[string]any) error {
		assert.Equal(t, len(got), i)
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 3)
	assert.True(t, IsDataset(got[0]))
	assert.Equal(t, 2.0, got[2]["value"])
}

func TestNothingVisibleUntilCommit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feedstock.ndjson")

	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(dataset()))
	require.NoError(t, w.Append(record(1)))

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "partial feedstock must not be visible")

	w.Abort()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "abort removes the temp file")
	assert.Error(t, w.Append(record(2)))
	assert.Error(t, w.Commit())
}

func TestCommitReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedstock.ndjson")
	require.NoError(t, Write(path, []map[string]any{dataset(), record(1), record(2)}))
	require.NoError(t, Write(path, []map[string]any{dataset()}))

	n := 0
	require.NoError(t, Read(path, func(int, map[string]any) error { n++; return nil }))
	assert.Equal(t, 1, n)
}

func TestReadRequiresDatasetFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ndjson")
	require.NoError(t, Write(path, []map[string]any{record(1)}))
	assert.ErrorIs(t, Read(path, func(int, map[string]any) error { return nil }), ErrNoDataset)

	empty := filepath.Join(t.TempDir(), "empty.ndjson")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	assert.ErrorIs(t, Read(empty, func(int, map[string]any) error { return nil }), ErrNoDataset)
}

func TestReadStopsOnCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedstock.ndjson")
	require.NoError(t, Write(path, []map[string]any{dataset(), record(1), record(2)}))
	stop := errors.New("stop")
	calls := 0
	err := Read(path, func(i int, _ map[string]any) error {
		calls++
		if i == 1 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}
