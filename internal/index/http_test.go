package index

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/siphon/internal/httpx"
)

func fastOpts() httpx.Options {
	return httpx.Options{Timeout: 2 * time.Second, RetryMax: 1, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond}
}

func TestHTTPIndexRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/indexes/search/delete-by-query":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ds", body["source_name"])
			w.Write([]byte(`{"deleted": 3}`))
		case "/indexes/search/ingest":
			var b Batch
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&b))
			assert.Len(t, b.Entries, 1)
			w.Write([]byte(`{"acknowledged": true, "task_id": "t-1"}`))
		case "/tasks/t-1":
			w.Write([]byte(`{"state": "success"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := NewHTTPIndex(srv.URL+"/", "secret", fastOpts(), nil)
	ctx := context.Background()

	n, err := h.DeleteByQuery(ctx, "search", "ds")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, err := h.Ingest(ctx, "search", Batch{Entries: []Entry{{Subject: "ds_v1.0#1"}}})
	require.NoError(t, err)
	assert.Equal(t, IngestResult{Acknowledged: true, TaskID: "t-1"}, res)

	task, err := h.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, TaskSuccess, task.State)
}

func TestHTTPIndexClassifiesErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/tasks/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/tasks/odd":
			w.Write([]byte(`{"state": "exploded"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("bad batch"))
		}
	}))
	defer srv.Close()

	h := NewHTTPIndex(srv.URL, "", fastOpts(), nil)
	ctx := context.Background()

	_, err := h.GetTask(ctx, "busy")
	assert.True(t, IsTransient(err), "5xx is transient: %v", err)
	assert.Equal(t, int32(2), calls.Load(), "client retried once before giving up")

	_, err = h.Ingest(ctx, "search", Batch{})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "bad batch")

	_, err = h.GetTask(ctx, "odd")
	assert.ErrorContains(t, err, "unknown state")
}

func TestHTTPIndexUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPIndex(url, "", fastOpts(), nil).DeleteByQuery(context.Background(), "search", "ds")
	assert.True(t, IsTransient(err))
}
