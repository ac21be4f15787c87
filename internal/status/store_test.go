package status

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/siphon/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st, err := New("foo_v1.1", "owner-1")
	require.NoError(t, err)
	st.ACL = []string{"group-a"}
	st.Test = true
	require.NoError(t, s.Create(ctx, st))

	got, err := s.Get(ctx, "foo_v1.1")
	require.NoError(t, err)
	assert.Equal(t, st.Code, got.Code)
	assert.Equal(t, "foo", got.SourceName)
	assert.Equal(t, Version{1, 1}, got.Version)
	assert.Equal(t, []string{"group-a"}, got.ACL)
	assert.True(t, got.Test)
	assert.True(t, got.Active)
	assert.Len(t, got.Messages, NumSteps)
	assert.Nil(t, got.Curation)
}

func TestStoreCreateFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, _ := New("foo_v1.1", "first")
	b, _ := New("foo_v1.1", "second")
	require.NoError(t, s.Create(ctx, a))
	assert.ErrorIs(t, s.Create(ctx, b), ErrExists)

	got, err := s.Get(ctx, "foo_v1.1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.OwnerID)
}

func TestStoreGetMissing(t *testing.T) {
	_, err := newTestStore(t).Get(context.Background(), "nope_v1.1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreUpdateCommitsAndRejects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	st, _ := New("foo_v1.1", "owner")
	require.NoError(t, s.Create(ctx, st))

	updated, err := s.Update(ctx, "foo_v1.1", func(st *Status) error {
		return st.SetStep(StepStart, CodeSuccess, Message{})
	})
	require.NoError(t, err)
	assert.Equal(t, byte('S'), updated.Code[0])

	_, err = s.Update(ctx, "foo_v1.1", func(st *Status) error {
		return st.SetStep(StepStart, CodeFailed, Text("late"))
	})
	assert.ErrorIs(t, err, ErrInvariant)

	got, err := s.Get(ctx, "foo_v1.1")
	require.NoError(t, err)
	assert.Equal(t, byte('S'), got.Code[0])
	assert.Empty(t, got.Messages[0].Text)
}

func TestStoreUpdateMutateErrorLeavesRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	st, _ := New("foo_v1.1", "owner")
	require.NoError(t, s.Create(ctx, st))

	boom := fmt.Errorf("boom")
	_, err := s.Update(ctx, "foo_v1.1", func(st *Status) error {
		st.Cancelled = true
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, "foo_v1.1")
	require.NoError(t, err)
	assert.False(t, got.Cancelled)
}

func TestStoreUpdateDetectsStaleRevision(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	other := NewStore(s.db)
	st, _ := New("foo_v1.1", "owner")
	require.NoError(t, s.Create(ctx, st))

	// A writer from another store instance lands between our read and write.
	calls := 0
	_, err := s.Update(ctx, "foo_v1.1", func(st *Status) error {
		calls++
		if calls == 1 {
			_, err := other.Update(ctx, "foo_v1.1", func(o *Status) error {
				return o.SetStep(StepStart, CodeSuccess, Message{})
			})
			require.NoError(t, err)
		}
		return st.SetStep(StepOldCancel, CodeMessage, Text("no previous versions"))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	got, err := s.Get(ctx, "foo_v1.1")
	require.NoError(t, err)
	assert.Equal(t, "SM", got.Code[:2])
}

func TestStoreConcurrentUpdatesSerialize(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	st, _ := New("foo_v1.1", "owner")
	require.NoError(t, s.Create(ctx, st))

	var wg sync.WaitGroup
	for i := 0; i < NumSteps; i++ {
		wg.Add(1)
		go func(step Step) {
			defer wg.Done()
			_, err := s.Update(ctx, "foo_v1.1", func(st *Status) error {
				return st.SetStep(step, CodeSuccess, Message{})
			})
			assert.NoError(t, err)
		}(Step(i))
	}
	wg.Wait()

	got, err := s.Get(ctx, "foo_v1.1")
	require.NoError(t, err)
	assert.Equal(t, "SSSSSSSSSSS", got.Code)
}

func TestStoreListByNameAndActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"foo_v2.0", "foo_v1.1", "bar_v1.0", "foo_v1.2"} {
		st, _ := New(id, "owner")
		require.NoError(t, s.Create(ctx, st))
	}
	_, err := s.Update(ctx, "foo_v1.2", func(st *Status) error {
		st.Active = false
		return nil
	})
	require.NoError(t, err)

	foos, err := s.ListByName(ctx, "foo")
	require.NoError(t, err)
	var ids []string
	for _, st := range foos {
		ids = append(ids, st.SourceID)
	}
	assert.Equal(t, []string{"foo_v1.1", "foo_v1.2", "foo_v2.0"}, ids)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestStoreCurationRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	st, _ := New("foo_v1.1", "owner")
	require.NoError(t, s.Create(ctx, st))

	decided := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	_, err := s.Update(ctx, "foo_v1.1", func(st *Status) error {
		st.Curation = &Curation{Accepted: true, CuratorID: "c1", DecidedAt: decided}
		st.ProcessID = "123:456"
		return nil
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "foo_v1.1")
	require.NoError(t, err)
	require.NotNil(t, got.Curation)
	assert.True(t, got.Curation.Accepted)
	assert.True(t, decided.Equal(got.Curation.DecidedAt))
	assert.Equal(t, "123:456", got.ProcessID)
}

func TestTranslate(t *testing.T) {
	st, _ := New("foo_v1.1", "owner")
	require.NoError(t, st.SetStep(StepStart, CodeSuccess, Message{}))
	require.NoError(t, st.SetStep(StepOldCancel, CodeMessage, Text("no previous versions")))
	require.NoError(t, st.SetStep(StepDownload, CodeHelp, Message{Text: "archive unreadable", Link: "https://help"}))
	st.Active = false

	tr := Translate(st)
	require.Len(t, tr.Steps, NumSteps)
	assert.Equal(t, SignalSuccess, tr.Steps[0].Signal)
	assert.Equal(t, SignalSuccess, tr.Steps[1].Signal)
	assert.Contains(t, tr.Steps[1].Text, "no previous versions")
	assert.Equal(t, SignalFailure, tr.Steps[2].Signal)
	assert.Equal(t, "https://help", tr.Steps[2].Link)
	assert.Equal(t, SignalIdle, tr.Steps[3].Signal)
	assert.True(t, tr.Complete)
	assert.False(t, tr.Successful)
	assert.Contains(t, tr.Text, "no longer processing")

	// Translate never mutates its input.
	assert.Equal(t, "SMHXXXXXXXX", st.Code)
}
