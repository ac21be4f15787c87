package api

import (
	"time"

	"github.com/mattjoyce/siphon/internal/status"
)

// SubmitRequest is the JSON body for POST /submissions
type SubmitRequest struct {
	SourceID string         `json:"source_id"`
	OwnerID  string         `json:"owner_id"`
	Location string         `json:"location"`
	Dataset  map[string]any `json:"dataset,omitempty"`
	ACL      []string       `json:"acl,omitempty"`
	Test     bool           `json:"test,omitempty"`
	Curation bool           `json:"curation,omitempty"`
	Services []string       `json:"services,omitempty"`
}

// SubmitResponse is returned once the submission is queued
type SubmitResponse struct {
	SourceID string `json:"source_id"`
	ItemID   string `json:"item_id"`
	Status   string `json:"status"`
}

// StatusResponse is returned by GET /submissions/{source_id}
type StatusResponse struct {
	status.Transcript
	Hibernating bool      `json:"hibernating"`
	OwnerID     string    `json:"owner_id"`
	Test        bool      `json:"test,omitempty"`
	Extensions  []string  `json:"extensions"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ListResponse is returned by GET /submissions?name=
type ListResponse struct {
	Name        string           `json:"name"`
	Submissions []StatusResponse `json:"submissions"`
}

// CurationRequest is the JSON body for POST /submissions/{source_id}/curation
type CurationRequest struct {
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
	CuratorID string `json:"curator_id,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

func statusResponse(st *status.Status) StatusResponse {
	return StatusResponse{
		Transcript:  status.Translate(st),
		Hibernating: st.Hibernating,
		OwnerID:     st.OwnerID,
		Test:        st.Test,
		Extensions:  st.Extensions,
		SubmittedAt: st.SubmittedAt,
		UpdatedAt:   st.UpdatedAt,
	}
}
