package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KindSubmission is the work kind carrying one submission.
const KindSubmission = "submission"

// WorkItem is one leased queue entry. Receipt identifies the lease; it changes
// every time the item is received.
type WorkItem struct {
	ID           string
	Kind         string
	Payload      json.RawMessage
	DedupKey     string
	Receipt      string
	ReceiveCount int
	EnqueuedAt   time.Time
	VisibleAt    time.Time
}

type EnqueueRequest struct {
	Kind     string
	Payload  json.RawMessage
	DedupKey string
}

// ErrItemNotFound means the receipt no longer names a lease, usually because
// it expired and the item was redelivered.
var ErrItemNotFound = errors.New("work item not found")

// DedupeDropError is returned by Enqueue when an unacknowledged item already
// carries the same dedup key.
type DedupeDropError struct {
	DedupKey   string
	ExistingID string
}

func (e *DedupeDropError) Error() string {
	return fmt.Sprintf("dropped duplicate work item: dedup_key %q already queued as %s", e.DedupKey, e.ExistingID)
}

// LogEntry is one acknowledged item.
type LogEntry struct {
	ID           string
	Kind         string
	DedupKey     string
	ReceiveCount int
	EnqueuedAt   time.Time
	AckedAt      time.Time
}
