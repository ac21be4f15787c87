package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/mattjoyce/siphon/internal/events"
	"github.com/mattjoyce/siphon/internal/protocol"
	"github.com/mattjoyce/siphon/internal/queue"
	"github.com/mattjoyce/siphon/internal/status"
)

var (
	// ErrOwnerRejected means the owner is not on the owner list.
	ErrOwnerRejected = errors.New("owner may not submit")
	// ErrOwnersUnavailable means the owner list could not be read.
	ErrOwnersUnavailable = errors.New("owner list unavailable")
	// ErrFinished means the submission is no longer active.
	ErrFinished = errors.New("submission already finished")
	// ErrNotAwaitingCuration means no curation decision can be recorded now.
	ErrNotAwaitingCuration = errors.New("submission is not awaiting curation")
)

// InputError is a submission the caller must fix.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

// Intake records new submissions: it creates the status and queues the
// work item. The HTTP API and the CLI both submit through it.
type Intake struct {
	Store    StatusStore
	Queue    WorkQueue
	Hub      *events.Hub
	Services []string
	Owners   OwnerList
	Logger   *slog.Logger
}

// Submit validates req and queues it. A status whose item could not be
// queued is closed with a failure so it never looks in flight.
func (in *Intake) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if strings.TrimSpace(req.Location) == "" {
		return SubmitResponse{}, &InputError{Msg: "location is required"}
	}
	if in.Owners != nil {
		ok, err := in.Owners.Contains(ctx, req.OwnerID)
		if err != nil {
			return SubmitResponse{}, fmt.Errorf("%w: %v", ErrOwnersUnavailable, err)
		}
		if !ok {
			return SubmitResponse{}, ErrOwnerRejected
		}
	}
	for _, svc := range req.Services {
		if !slices.Contains(in.Services, svc) {
			return SubmitResponse{}, &InputError{Msg: "unknown service " + svc}
		}
	}

	st, err := status.New(req.SourceID, req.OwnerID)
	if err != nil {
		return SubmitResponse{}, &InputError{Msg: err.Error()}
	}
	if req.ACL != nil {
		st.ACL = req.ACL
	}
	st.Test = req.Test

	payload, err := json.Marshal(protocol.Submission{
		SourceID: req.SourceID,
		OwnerID:  req.OwnerID,
		Location: req.Location,
		Dataset:  req.Dataset,
		ACL:      req.ACL,
		Test:     req.Test,
		Curation: req.Curation,
		Services: req.Services,
	})
	if err != nil {
		return SubmitResponse{}, &InputError{Msg: "dataset is not serializable"}
	}

	if err := in.Store.Create(ctx, st); err != nil {
		return SubmitResponse{}, err
	}

	itemID, err := in.Queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:     queue.KindSubmission,
		Payload:  payload,
		DedupKey: req.SourceID,
	})
	if err != nil {
		var drop *queue.DedupeDropError
		if !errors.As(err, &drop) {
			in.abandon(ctx, req.SourceID)
		}
		return SubmitResponse{}, err
	}

	in.Hub.Publish(events.TypeSubmitted, req.SourceID, map[string]string{"item_id": itemID, "owner_id": req.OwnerID})
	return SubmitResponse{SourceID: req.SourceID, ItemID: itemID, Status: "queued"}, nil
}

// abandon closes a status whose work item never made it into the queue.
func (in *Intake) abandon(ctx context.Context, sourceID string) {
	_, err := in.Store.Update(context.WithoutCancel(ctx), sourceID, func(st *status.Status) error {
		if err := st.SetStep(status.StepStart, status.CodeFailed, status.Text("submission could not be queued")); err != nil {
			return err
		}
		st.Active = false
		return nil
	})
	if err != nil && in.Logger != nil {
		in.Logger.Error("failed to close unqueued submission", "source_id", sourceID, "error", err)
	}
}

// Cancel sets the cancel flag. The running worker observes it at its next
// checkpoint; a queued item is dropped by the dispatcher.
func (in *Intake) Cancel(ctx context.Context, sourceID string) (*status.Status, error) {
	st, err := in.Store.Update(ctx, sourceID, func(st *status.Status) error {
		if !st.Active {
			return ErrFinished
		}
		st.Cancelled = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	in.Hub.Publish(events.TypeCancelled, sourceID, nil)
	return st, nil
}

// Curate records a curation decision. A decision is accepted once, while
// the curation step is still open.
func (in *Intake) Curate(ctx context.Context, sourceID string, req CurationRequest) (*status.Status, error) {
	st, err := in.Store.Update(ctx, sourceID, func(st *status.Status) error {
		if !st.Active || st.Cancelled || st.Curation != nil || !st.StepCode(status.StepCuration).Pending() {
			return ErrNotAwaitingCuration
		}
		st.Curation = &status.Curation{
			Accepted:  req.Accepted,
			Reason:    strings.TrimSpace(req.Reason),
			CuratorID: req.CuratorID,
			DecidedAt: time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	in.Hub.Publish(events.TypeCurated, sourceID, map[string]any{"accepted": req.Accepted})
	return st, nil
}
