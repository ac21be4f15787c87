package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mattjoyce/siphon/internal/httpx"
)

// HTTPIndex talks to the search service's REST API:
//
//	POST {base}/indexes/{index}/delete-by-query  {"source_name": ...} -> {"deleted": n}
//	POST {base}/indexes/{index}/ingest           Batch                -> IngestResult
//	GET  {base}/tasks/{id}                                            -> Task
//
// Transport failures, 429 and 5xx become TransientError.
type HTTPIndex struct {
	base   string
	token  string
	client *retryablehttp.Client
}

func NewHTTPIndex(baseURL, token string, opts httpx.Options, logger *slog.Logger) *HTTPIndex {
	return &HTTPIndex{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: httpx.NewClient(opts, logger),
	}
}

func (h *HTTPIndex) DeleteByQuery(ctx context.Context, index, sourceName string) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	err := h.do(ctx, "delete-by-query", http.MethodPost, "/indexes/"+url.PathEscape(index)+"/delete-by-query",
		map[string]string{"source_name": sourceName}, &out)
	return out.Deleted, err
}

func (h *HTTPIndex) Ingest(ctx context.Context, index string, batch Batch) (IngestResult, error) {
	var out IngestResult
	err := h.do(ctx, "ingest", http.MethodPost, "/indexes/"+url.PathEscape(index)+"/ingest", batch, &out)
	return out, err
}

func (h *HTTPIndex) GetTask(ctx context.Context, taskID string) (Task, error) {
	var out Task
	err := h.do(ctx, "get task", http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out)
	if err == nil {
		switch out.State {
		case TaskPending, TaskSuccess, TaskFailure:
		default:
			return Task{}, fmt.Errorf("get task: unknown state %q", out.State)
		}
	}
	return out, err
}

func (h *HTTPIndex) do(ctx context.Context, op, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
	}

	req, err := retryablehttp.NewRequest(method, h.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return Transient(op, err)
	}
	defer resp.Body.Close()

	if err := httpx.CheckResponse(resp); err != nil {
		if httpx.IsRetryable(err) {
			return Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
