package api

import (
	"fmt"
	"net/http"
	"strconv"
)

// handleStream serves the intent lifecycle SSE stream. A reconnecting client
// sends Last-Event-ID; every retained event past it replays as
// intent_catchup before live events resume. When retention no longer covers
// the requested position, a catchup_incomplete marker tells the client to
// refetch over REST.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Streaming Unsupported", "response writer does not support flushing")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastID uint64
	reconnected := false
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			lastID = n
			reconnected = true
		}
	}

	// Subscribe before replaying so no event published during catch-up is
	// lost; duplicates are filtered by ID below.
	live, cancel := s.stream.Subscribe(64)
	defer cancel()

	// Both control frames carry the stream head so a client that drops right
	// after connecting reconnects from the current position.
	writeSSE(w, s.stream.LastID(), "connected", fmt.Sprintf(`{"reconnected":%t}`, reconnected))

	var replayedTo uint64
	if reconnected {
		events, complete := s.stream.ReplaySince(lastID)
		if !complete {
			writeSSE(w, s.stream.LastID(), "catchup_incomplete", `{"reason":"retention window passed the requested event id"}`)
		}
		for _, ev := range events {
			writeSSE(w, ev.ID, "intent_catchup", string(ev.Data))
			replayedTo = ev.ID
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-live:
			if !open {
				// Dropped as a slow consumer; the client reconnects with
				// Last-Event-ID.
				return
			}
			if ev.ID <= replayedTo {
				continue
			}
			writeSSE(w, ev.ID, ev.Name, string(ev.Data))
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, id uint64, event, data string) {
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
