package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/mattjoyce/siphon/internal/httpx"
)

// Delivery is one outbound notification.
type Delivery struct {
	URL     string
	Secret  string
	Event   string
	Payload any
}

// Receipt is what the receiver answered.
type Receipt struct {
	ID         string
	StatusCode int
	// Location is the receiver-reported resource URL, from a JSON body
	// field "url" or the Location header.
	Location string
}

// Sender posts signed deliveries with retries.
type Sender struct {
	client *retryablehttp.Client
	logger *slog.Logger
}

func NewSender(opts httpx.Options, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{client: httpx.NewClient(opts, logger), logger: logger}
}

// Send marshals d.Payload, signs it and posts it. Non-2xx answers after
// retries are returned as *httpx.StatusError.
func (s *Sender) Send(ctx context.Context, d Delivery) (Receipt, error) {
	body, err := json.Marshal(d.Payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode payload: %w", err)
	}
	rcpt := Receipt{ID: uuid.NewString()}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, d.URL, body)
	if err != nil {
		return rcpt, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, d.Event)
	req.Header.Set(DeliveryHeader, rcpt.ID)
	req.Header.Set(SignatureHeader, Sign(body, d.Secret))

	resp, err := s.client.Do(req)
	if err != nil {
		return rcpt, fmt.Errorf("deliver %s: %w", d.Event, err)
	}
	defer resp.Body.Close()
	rcpt.StatusCode = resp.StatusCode
	if err := httpx.CheckResponse(resp); err != nil {
		return rcpt, err
	}

	rcpt.Location = resp.Header.Get("Location")
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var answer struct {
		URL string `json:"url"`
	}
	if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &answer) == nil && answer.URL != "" {
		rcpt.Location = answer.URL
	}
	s.logger.Debug("webhook delivered", "event", d.Event, "delivery", rcpt.ID, "status", rcpt.StatusCode)
	return rcpt, nil
}
