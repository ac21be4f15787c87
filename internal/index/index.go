// Package index submits feedstock to the remote search index.
package index

import (
	"context"
	"errors"
	"fmt"
)

//go:generate mockgen -destination=mocks/mock_index.go -package=mocks github.com/mattjoyce/siphon/internal/index Index

// TaskState is the lifecycle of an asynchronous ingest task.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskSuccess TaskState = "success"
	TaskFailure TaskState = "failure"
)

// Entry is one formatted index document.
type Entry struct {
	Subject   string         `json:"subject"`
	VisibleTo []string       `json:"visible_to"`
	Content   map[string]any `json:"content"`
}

// Batch is the unit of one ingest call.
type Batch struct {
	Seq     int     `json:"-"` // 1-based position in the submission
	Entries []Entry `json:"entries"`
}

type IngestResult struct {
	Acknowledged bool   `json:"acknowledged"`
	TaskID       string `json:"task_id,omitempty"`
}

type Task struct {
	State   TaskState `json:"state"`
	Message string    `json:"message,omitempty"`
}

// Index is the remote search service.
type Index interface {
	DeleteByQuery(ctx context.Context, index, sourceName string) (int, error)
	Ingest(ctx context.Context, index string, batch Batch) (IngestResult, error)
	GetTask(ctx context.Context, taskID string) (Task, error)
}

// TransientError marks a failure worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err, or anything it wraps, is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
