package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/siphon/internal/queue"
	"github.com/mattjoyce/siphon/internal/status"
)

// maxBody bounds request bodies; dataset metadata is small.
const maxBody = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// handleSubmit handles POST /submissions. It creates the status and queues
// the work item; the dispatcher does the rest.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := s.intake.Submit(r.Context(), req)
	if err != nil {
		var input *InputError
		var drop *queue.DedupeDropError
		switch {
		case errors.As(err, &input):
			s.writeError(w, http.StatusBadRequest, input.Msg)
		case errors.Is(err, ErrOwnerRejected):
			s.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, ErrOwnersUnavailable):
			s.logger.Error("failed to read owner list", "error", err)
			s.writeError(w, http.StatusServiceUnavailable, "owner list unavailable")
		case errors.Is(err, status.ErrExists):
			s.writeError(w, http.StatusConflict, "submission already exists; submit a new version")
		case errors.As(err, &drop):
			s.writeError(w, http.StatusConflict, "submission already queued")
		default:
			s.logger.Error("failed to record submission", "source_id", req.SourceID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to record submission")
		}
		return
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// handleGetSubmission handles GET /submissions/{sourceID}
func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, statusResponse(st))
}

// handleListSubmissions handles GET /submissions?name=foo, listing every
// version of one dataset.
func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	list, err := s.store.ListByName(r.Context(), name)
	if err != nil {
		s.logger.Error("failed to list submissions", "name", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list submissions")
		return
	}
	resp := ListResponse{Name: name, Submissions: make([]StatusResponse, 0, len(list))}
	for _, st := range list {
		resp.Submissions = append(resp.Submissions, statusResponse(st))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCancel handles POST /submissions/{sourceID}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	st, err := s.intake.Cancel(r.Context(), sourceID)
	if err != nil {
		s.writeUpdateError(w, sourceID, err)
		return
	}
	respondJSON(w, http.StatusAccepted, statusResponse(st))
}

// handleCuration handles POST /submissions/{sourceID}/curation.
func (s *Server) handleCuration(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	var req CurationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	st, err := s.intake.Curate(r.Context(), sourceID, req)
	if err != nil {
		s.writeUpdateError(w, sourceID, err)
		return
	}
	respondJSON(w, http.StatusAccepted, statusResponse(st))
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*status.Status, bool) {
	sourceID := chi.URLParam(r, "sourceID")
	st, err := s.store.Get(r.Context(), sourceID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "submission not found")
			return nil, false
		}
		s.logger.Error("failed to read status", "source_id", sourceID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read status")
		return nil, false
	}
	return st, true
}

func (s *Server) writeUpdateError(w http.ResponseWriter, sourceID string, err error) {
	switch {
	case errors.Is(err, status.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "submission not found")
	case errors.Is(err, ErrFinished), errors.Is(err, ErrNotAwaitingCuration):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("failed to update status", "source_id", sourceID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update status")
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
