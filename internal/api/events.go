// ABOUTME: Server-sent event stream of new messages and read receipts for one conversation
// ABOUTME: Heartbeats keep proxies from closing idle streams and refresh the caller's presence

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/locus-dm/internal/auth"
	"github.com/2389/locus-dm/internal/conversation"
)

// handleEvents handles GET /api/conversations/{id}/events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	caller := auth.ParticipantID(r.Context())
	conversationID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := s.svc.Subscribe(r.Context(), caller, conversationID)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	defer s.metrics.StreamOpened()()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.writeSSEEvent(w, "ready", map[string]string{"conversation_id": conversationID})
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-ticker.C:
			if s.presence != nil {
				if err := s.presence.Touch(r.Context(), caller); err != nil {
					s.logger.Debug("heartbeat presence update failed", "participant_id", caller, "error", err)
				}
			}
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case conversation.EventMessage:
				s.writeSSEEvent(w, "message", messageJSON(ev.Message))
			case conversation.EventRead:
				s.writeSSEEvent(w, "read", ReadEvent{
					ConversationID: ev.ConversationID,
					ParticipantID:  ev.ParticipantID,
					Count:          ev.Count,
					At:             ev.At,
				})
			default:
				continue
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
