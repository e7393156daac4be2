package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/chatter/internal/session"
)

// handleEvents streams session events as SSE. The first event is a
// snapshot of the current state; the stream ends after the turn reaches a
// terminal status, or immediately when no turn is in flight.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}
		s, ok := sessionFor(w, r, deps)
		if !ok {
			return
		}

		// Subscribe before taking the snapshot so no transition is missed.
		events, unsubscribe := s.Subscribe()
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		snap := s.Snapshot()
		if err := writeEvent(w, "snapshot", snap); err != nil {
			return
		}
		flusher.Flush()
		if !snap.Status.InFlight() {
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(w, string(ev.Kind), ev.Snapshot); err != nil {
					slog.Debug("event stream closed", "conversation", snap.ConversationID, "error", err)
					return
				}
				flusher.Flush()
				if ev.Kind == session.EventStatus && ev.Status.Terminal() {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
