package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/siphon/internal/httpx"
	"github.com/mattjoyce/siphon/internal/log"
)

func TestSenderSignsAndReadsLocation(t *testing.T) {
	const secret = "shared"
	var gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := Verify(body, r.Header.Get(SignatureHeader), secret); err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		gotEvent = r.Header.Get(EventHeader)
		var payload map[string]string
		_ = json.Unmarshal(body, &payload)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"https://registry.example.org/r/` + payload["source_id"] + `"}`))
	}))
	defer srv.Close()

	s := NewSender(httpx.Options{RetryMax: -1}, log.Discard())
	rcpt, err := s.Send(context.Background(), Delivery{
		URL:     srv.URL,
		Secret:  secret,
		Event:   "ingest_registry",
		Payload: map[string]string{"source_id": "foo_v1.0"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rcpt.StatusCode)
	assert.Equal(t, "https://registry.example.org/r/foo_v1.0", rcpt.Location)
	assert.NotEmpty(t, rcpt.ID)
	assert.Equal(t, "ingest_registry", gotEvent)
}

func TestSenderWrongSecretRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if Verify(body, r.Header.Get(SignatureHeader), "expected") != nil {
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	s := NewSender(httpx.Options{RetryMax: -1}, log.Discard())
	rcpt, err := s.Send(context.Background(), Delivery{URL: srv.URL, Secret: "other", Event: "x", Payload: 1})
	require.Error(t, err)
	var se *httpx.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, rcpt.StatusCode)
	assert.False(t, httpx.IsRetryable(err))
}

func TestSenderRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Location", "https://hooks.example.org/d/1")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewSender(httpx.Options{RetryMax: 3, RetryWaitMin: time.Millisecond, RetryWaitMax: 2 * time.Millisecond}, log.Discard())
	rcpt, err := s.Send(context.Background(), Delivery{URL: srv.URL, Secret: "k", Event: "ingest_integration", Payload: struct{}{}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, "https://hooks.example.org/d/1", rcpt.Location)
}
