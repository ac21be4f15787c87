package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/siphon/internal/feedstock"
	"github.com/mattjoyce/siphon/internal/group"
	"github.com/mattjoyce/siphon/internal/log"
	"github.com/mattjoyce/siphon/internal/validate"
)

type staticGrouper []group.FileGroup

func (s staticGrouper) Walk(string) ([]group.FileGroup, error) { return s, nil }

type funcRunner func(ctx context.Context, g group.FileGroup) ([]map[string]any, error)

func (f funcRunner) RunGroup(ctx context.Context, g group.FileGroup) ([]map[string]any, error) {
	return f(ctx, g)
}

func groups(n int) staticGrouper {
	out := make(staticGrouper, n)
	for i := range out {
		out[i] = group.FileGroup{ID: fmt.Sprintf("g%02d", i+1), Files: []string{fmt.Sprintf("/data/f%02d", i+1)}}
	}
	return out
}

func schemas(t *testing.T) *validate.Schemas {
	t.Helper()
	s, err := validate.DefaultSchemas()
	require.NoError(t, err)
	return s
}

func request(t *testing.T) Request {
	return Request{
		Root:       "/data",
		Dataset:    map[string]any{"title": "test dataset"},
		Provenance: validate.Provenance{SourceID: "ds_v1.0", SourceName: "ds", Version: "1.0"},
		Output:     filepath.Join(t.TempDir(), "feedstock.ndjson"),
	}
}

func readFeedstock(t *testing.T, path string) []map[string]any {
	t.Helper()
	var out []map[string]any
	require.NoError(t, feedstock.Read(path, func(_ int, e map[string]any) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestRunWritesFeedstock(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			runner := funcRunner(func(_ context.Context, g group.FileGroup) ([]map[string]any, error) {
				return []map[string]any{{"group": g.ID, "n": 1}, {"group": g.ID, "n": 2}}, nil
			})
			// Queues smaller than the group count only work if the pool
			// drains input while the producer is still enqueueing.
			p := New(groups(12), runner, schemas(t), Config{Workers: workers, InputQueue: 1, OutputQueue: 1, PollInterval: 10 * time.Millisecond}, log.Discard())

			req := request(t)
			sum, err := p.Run(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, 12, sum.Groups)
			assert.Equal(t, 24, sum.Records)
			assert.Equal(t, req.Output, sum.Feedstock)

			entries := readFeedstock(t, req.Output)
			require.Len(t, entries, 25)
			assert.True(t, feedstock.IsDataset(entries[0]))

			// Within a group, emission order survives the fan-in.
			firstSeen := map[string]float64{}
			for i, e := range entries[1:] {
				meta := e["meta"].(map[string]any)
				assert.Equal(t, float64(i+1), meta["scroll_id"])
				g := e["group"].(string)
				if _, ok := firstSeen[g]; !ok {
					firstSeen[g] = e["n"].(float64)
				}
			}
			for g, n := range firstSeen {
				assert.Equal(t, 1.0, n, "group %s", g)
			}
		})
	}
}

func TestRunRejectionAborts(t *testing.T) {
	runner := funcRunner(func(_ context.Context, g group.FileGroup) ([]map[string]any, error) {
		if g.ID == "g03" {
			return []map[string]any{{"files": "not-a-list"}}, nil
		}
		return []map[string]any{{"group": g.ID}}, nil
	})
	p := New(groups(10), runner, schemas(t), Config{Workers: 2, PollInterval: 10 * time.Millisecond}, log.Discard())

	req := request(t)
	sum, err := p.Run(context.Background(), req)
	require.ErrorIs(t, err, ErrRejected)
	var rej *validate.RejectError
	require.ErrorAs(t, err, &rej)
	assert.Contains(t, rej.Reason, "files")

	_, statErr := os.Stat(req.Output)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "no partial feedstock")
	assert.Less(t, sum.Records, 10)
	assert.Empty(t, sum.Feedstock)

	leftovers, err := os.ReadDir(filepath.Dir(req.Output))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temp file removed")
}

func TestRunBadDatasetRejected(t *testing.T) {
	p := New(groups(1), funcRunner(func(context.Context, group.FileGroup) ([]map[string]any, error) {
		t.Error("no group should run")
		return nil, nil
	}), schemas(t), Config{}, log.Discard())

	req := request(t)
	req.Dataset = map[string]any{"no_title": true}
	_, err := p.Run(context.Background(), req)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestRunToleratesRunnerFailure(t *testing.T) {
	runner := funcRunner(func(_ context.Context, g group.FileGroup) ([]map[string]any, error) {
		if g.ID == "g02" {
			return nil, errors.New("worker crashed")
		}
		return []map[string]any{{"group": g.ID}}, nil
	})
	p := New(groups(4), runner, schemas(t), Config{Workers: 2, PollInterval: 10 * time.Millisecond}, log.Discard())

	req := request(t)
	sum, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FailedGroups)
	assert.Equal(t, 3, sum.Records)
	assert.Len(t, readFeedstock(t, req.Output), 4)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	runner := funcRunner(func(ctx context.Context, g group.FileGroup) ([]map[string]any, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := New(groups(8), runner, schemas(t), Config{Workers: 2, PollInterval: 10 * time.Millisecond}, log.Discard())

	go func() {
		<-started
		cancel()
	}()
	req := request(t)
	_, err := p.Run(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(req.Output)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestRunEmptyDataset(t *testing.T) {
	p := New(staticGrouper(nil), funcRunner(nil), schemas(t), Config{}, log.Discard())
	req := request(t)
	sum, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, sum.Records)
	assert.Len(t, readFeedstock(t, req.Output), 1)
}

func TestRunHaltLetsRunningGroupsFinish(t *testing.T) {
	var (
		halted   atomic.Bool
		mu       sync.Mutex
		started  int
		finished []string
	)
	runner := funcRunner(func(ctx context.Context, g group.FileGroup) ([]map[string]any, error) {
		mu.Lock()
		started++
		mu.Unlock()
		halted.Store(true)
		// Still running well after the halt has been seen.
		time.Sleep(100 * time.Millisecond)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		mu.Lock()
		finished = append(finished, g.ID)
		mu.Unlock()
		return []map[string]any{{"group": g.ID}}, nil
	})
	p := New(groups(20), runner, schemas(t), Config{Workers: 2, PollInterval: 5 * time.Millisecond}, log.Discard())

	req := request(t)
	req.Halt = halted.Load
	sum, err := p.Run(context.Background(), req)
	require.ErrorIs(t, err, ErrHalted)
	assert.Empty(t, sum.Feedstock)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, finished)
	assert.Equal(t, started, len(finished), "every started group completed")
	assert.Less(t, started, 20, "no new groups after the halt")

	_, statErr := os.Stat(req.Output)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}
