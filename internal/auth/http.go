// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts the bearer token, records presence and adds the participant to context

package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/locus-dm/internal/presence"
)

// HeaderParticipantID is trusted as the caller's identity when no verifier is configured.
const HeaderParticipantID = "X-Participant-ID"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken reads the bearer token, falling back to the access_token query
// parameter for EventSource clients that cannot set headers.
func requestToken(r *http.Request) (string, string) {
	if r.Header.Get("Authorization") == "" {
		if t := r.URL.Query().Get("access_token"); t != "" {
			return t, ""
		}
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// HTTPAuthMiddleware creates an HTTP middleware that authenticates the caller.
// With a nil verifier the X-Participant-ID header is trusted instead, which is
// only suitable for development. tracker may be nil.
func HTTPAuthMiddleware(verifier TokenVerifier, tracker presence.Tracker, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var authCtx *AuthContext

			if verifier == nil {
				id := strings.TrimSpace(r.Header.Get(HeaderParticipantID))
				if id == "" {
					http.Error(w, `{"error":"missing `+HeaderParticipantID+` header"}`, http.StatusUnauthorized)
					return
				}
				authCtx = &AuthContext{ParticipantID: id, Method: MethodHeader}
			} else {
				token, errMsg := requestToken(r)
				if errMsg != "" {
					http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
					return
				}

				participantID, err := verifier.Verify(token)
				if err != nil {
					logger.Debug("token rejected", "error", err)
					http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
					return
				}
				authCtx = &AuthContext{ParticipantID: participantID, Method: MethodJWT}
			}

			if tracker != nil {
				if err := tracker.Touch(r.Context(), authCtx.ParticipantID); err != nil {
					logger.Warn("recording presence", "participant_id", authCtx.ParticipantID, "error", err)
				}
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
