package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/babel/internal/build"
	"github.com/seantiz/babel/internal/model"
)

// handleStreamProgress streams build updates as server-sent events. The
// first event is the stored state of the build; a "done" event follows once
// the build finishes. Only reports applied by this process are streamed.
func (s *Server) handleStreamProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, err := s.store.GetBuild(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "build", "get build")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing to a build that finished in the meantime yields a closed
	// channel, so the loop below ends at once.
	ch, unsub := s.tracker.Broker().Subscribe(id)
	defer unsub()
	progressStreams.Inc()
	defer progressStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	snapshot := build.Update{BuildID: b.ID, State: b.State, Progress: b.Progress()}
	if err := writeSSEData(w, snapshot); err != nil {
		return
	}
	if model.IsTerminal(b.State) {
		_ = writeSSEEvent(w, "done", b.State)
		flush()
		return
	}
	flush()

	for {
		select {
		case u, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if err := writeSSEData(w, u); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEData writes one update as a JSON data event.
func writeSSEData(w http.ResponseWriter, u build.Update) error {
	buf, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", buf)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
