package httpx

import (
	"fmt"
	"net/http"
)

// Stream is the realtime fan-out surface: a Server-Sent Events connection
// fed by the broadcaster. Repeating the order query parameter restricts the
// stream to those orders; metrics and health snapshots always flow.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "")
		return
	}

	sub := h.rt.Subscribe(r.Context(), r.URL.Query()["order"]...)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, open := <-sub.C:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, env.Data)
			fl.Flush()
		}
	}
}
