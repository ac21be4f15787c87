// Package httpx builds the retrying HTTP clients used for outbound calls.
package httpx

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Options tunes a client. Zero values select the defaults.
type Options struct {
	Timeout      time.Duration // per attempt
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

const (
	DefaultTimeout      = 30 * time.Second
	DefaultRetryMax     = 3
	DefaultRetryWaitMin = 500 * time.Millisecond
	DefaultRetryWaitMax = 10 * time.Second
)

// NewClient returns a retryablehttp client that retries connection errors,
// 429 and 5xx responses. When retries run out the last response is
// returned rather than an error, so callers can classify it with StatusError.
func NewClient(opts Options, logger *slog.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = durationOr(opts.Timeout, DefaultTimeout)
	c.RetryMax = opts.RetryMax
	if c.RetryMax == 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	c.RetryWaitMin = durationOr(opts.RetryWaitMin, DefaultRetryWaitMin)
	c.RetryWaitMax = durationOr(opts.RetryWaitMax, DefaultRetryWaitMax)
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = nil
	if logger != nil {
		c.Logger = logger
	}
	return c
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Retryable reports whether the server signalled a temporary condition.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// CheckResponse turns a non-2xx response into a *StatusError, reading at
// most 4 KiB of the body. The caller still owns resp.Body.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{
		Method: resp.Request.Method,
		URL:    resp.Request.URL.Redacted(),
		Code:   resp.StatusCode,
		Body:   string(body),
	}
}

// IsRetryable classifies an error from a client call. Transport failures
// and retryable status codes are temporary. Callers check their own context
// before retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
