package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// streamProgress serves a task's progress feed as Server-Sent Events. The
// subscription replays the latest event immediately, so a client always sees
// the current position before any live updates. After a terminal event the
// stream emits a "done" marker and closes. If the bus dropped this client for
// falling behind, the stream ends without a marker and the client reconnects.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request, taskID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	events, cancel, err := s.control.SubscribeProgress(r.Context(), taskID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if ev.Terminal() {
				fmt.Fprintf(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
		}
	}
}
