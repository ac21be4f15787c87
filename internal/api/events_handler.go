package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/siphon/internal/events"
)

// handleEvents handles GET /events. Clients asking for text/event-stream
// get buffered events followed by a live SSE stream; everyone else gets the
// buffered snapshot as JSON. ?source_id= narrows to one submission.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sourceID := r.URL.Query().Get("source_id")
	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if v := r.URL.Query().Get("since"); v != "" {
		lastID = parseLastEventID(v)
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		respondJSON(w, http.StatusOK, s.hub.Since(lastID, sourceID))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before the snapshot so nothing falls in between; the
	// snapshot's last id filters the overlap.
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	for _, ev := range s.hub.Since(lastID, sourceID) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
		lastID = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= lastID || (sourceID != "" && ev.SourceID != sourceID) {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	// Data is single-line JSON.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	return nil
}
