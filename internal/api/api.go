// ABOUTME: HTTP JSON API over the conversation service, plus profile/context upserts and health checks
// ABOUTME: Every /api route runs behind the auth middleware; health routes are open

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/locus-dm/internal/auth"
	"github.com/2389/locus-dm/internal/conversation"
	"github.com/2389/locus-dm/internal/metrics"
	"github.com/2389/locus-dm/internal/presence"
	"github.com/2389/locus-dm/internal/store"
)

const (
	maxBodyBytes     = 64 << 10
	defaultHeartbeat = 25 * time.Second
)

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the API's collaborators. Service, Directory and Health are required.
type Config struct {
	Service   *conversation.Service
	Directory store.DirectoryStore
	Health    Pinger
	Verifier  auth.TokenVerifier // nil trusts the X-Participant-ID header
	Presence  presence.Tracker
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// Heartbeat is the interval of keep-alive comments on event streams.
	Heartbeat time.Duration
}

// Server serves the HTTP API.
type Server struct {
	svc       *conversation.Service
	dir       store.DirectoryStore
	health    Pinger
	verifier  auth.TokenVerifier
	presence  presence.Tracker
	metrics   *metrics.Metrics
	heartbeat time.Duration
	logger    *slog.Logger
}

// New creates the API server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Server{
		svc:       cfg.Service,
		dir:       cfg.Directory,
		health:    cfg.Health,
		verifier:  cfg.Verifier,
		presence:  cfg.Presence,
		metrics:   cfg.Metrics,
		heartbeat: heartbeat,
		logger:    logger.With("component", "api"),
	}
}

// Register adds the API and health routes to mux. authMiddleware wraps every /api route.
func (s *Server) Register(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	routes := map[string]http.HandlerFunc{
		"POST /api/conversations":               s.handleFindOrCreate,
		"GET /api/conversations":                s.handleListConversations,
		"GET /api/conversations/{id}":           s.handleGetConversation,
		"GET /api/conversations/{id}/messages":  s.handleListMessages,
		"POST /api/conversations/{id}/messages": s.handleSendMessage,
		"POST /api/conversations/{id}/read":     s.handleMarkRead,
		"GET /api/conversations/{id}/unread":    s.handleUnread,
		"GET /api/conversations/{id}/events":    s.handleEvents,
		"PUT /api/profiles/me":                  s.handlePutProfile,
		"PUT /api/contexts/{id}":                s.handlePutContext,
	}
	for pattern, h := range routes {
		mux.Handle(pattern, authMiddleware(h))
	}
}

// Handler returns a complete handler: routes, auth and request metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux, auth.HTTPAuthMiddleware(s.verifier, s.presence, s.logger))
	return MetricsMiddleware(s.metrics)(mux)
}

// handleFindOrCreate handles POST /api/conversations.
func (s *Server) handleFindOrCreate(w http.ResponseWriter, r *http.Request) {
	var req FindOrCreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	conv, err := s.svc.FindOrCreateConversation(r.Context(), auth.ParticipantID(r.Context()), strings.TrimSpace(req.ParticipantID), strings.TrimSpace(req.ContextRef))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, conversationJSON(conv))
}

// handleListConversations handles GET /api/conversations?q=.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	views, err := s.svc.ListConversations(r.Context(), auth.ParticipantID(r.Context()), r.URL.Query().Get("q"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	resp := ConversationsResponse{Conversations: make([]InboxEntry, 0, len(views))}
	for _, v := range views {
		resp.Conversations = append(resp.Conversations, inboxJSON(v))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleGetConversation handles GET /api/conversations/{id}.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.svc.GetConversation(r.Context(), auth.ParticipantID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, conversationJSON(conv))
}

// handleListMessages handles GET /api/conversations/{id}/messages.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.svc.ListMessages(r.Context(), auth.ParticipantID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	resp := MessagesResponse{Messages: make([]Message, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, messageJSON(m))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	msg, err := s.svc.SendMessage(r.Context(), auth.ParticipantID(r.Context()), r.PathValue("id"), req.Content, strings.TrimSpace(req.ClientMessageID))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, messageJSON(msg))
}

// handleMarkRead handles POST /api/conversations/{id}/read.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.MarkRead(r.Context(), auth.ParticipantID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, MarkReadResponse{Marked: n})
}

// handleUnread handles GET /api/conversations/{id}/unread.
func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.UnreadCount(r.Context(), auth.ParticipantID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, UnreadResponse{Unread: n})
}

// handlePutProfile handles PUT /api/profiles/me.
func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		s.sendJSONError(w, http.StatusBadRequest, "display_name is required")
		return
	}

	p := &store.Profile{
		ParticipantID: auth.ParticipantID(r.Context()),
		DisplayName:   strings.TrimSpace(req.DisplayName),
		Email:         strings.TrimSpace(req.Email),
		AvatarURL:     req.AvatarURL,
		PracticeName:  req.PracticeName,
		Role:          req.Role,
		Verified:      req.Verified,
		MatrixRoomID:  req.MatrixRoomID,
	}
	if err := s.dir.UpsertProfile(r.Context(), p); err != nil {
		s.logger.Error("failed to upsert profile", "participant_id", p.ParticipantID, "error", err)
		s.sendJSONError(w, http.StatusServiceUnavailable, "profile could not be saved")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePutContext handles PUT /api/contexts/{id}.
func (s *Server) handlePutContext(w http.ResponseWriter, r *http.Request) {
	var req ContextRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		s.sendJSONError(w, http.StatusBadRequest, "title is required")
		return
	}

	rec := &store.ContextRecord{ID: r.PathValue("id"), Title: strings.TrimSpace(req.Title)}
	if err := s.dir.UpsertContext(r.Context(), rec); err != nil {
		s.logger.Error("failed to upsert context", "context_id", rec.ID, "error", err)
		s.sendJSONError(w, http.StatusServiceUnavailable, "context could not be saved")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.health.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// decode reads a JSON body into v, writing a 400 and returning false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// sendServiceError maps the conversation error taxonomy to HTTP statuses.
func (s *Server) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, conversation.ErrValidation):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrNotAParticipant):
		s.sendJSONError(w, http.StatusForbidden, "not a participant of this conversation")
	case errors.Is(err, conversation.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to write
		s.logger.Debug("request canceled", "method", r.Method, "path", r.URL.Path)
	case errors.Is(err, conversation.ErrPersistence):
		s.logger.Error("persistence failure", "method", r.Method, "path", r.URL.Path, "error", err)
		s.sendJSONError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSON writes v as a JSON response.
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
