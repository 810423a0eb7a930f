// ABOUTME: Authentication context for tracking the calling participant through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Authentication methods
const (
	MethodJWT    = "jwt"
	MethodHeader = "header" // development only
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	ParticipantID string
	Method        string
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}

// ParticipantID returns the authenticated participant, or "" if unauthenticated.
func ParticipantID(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.ParticipantID
	}
	return ""
}
