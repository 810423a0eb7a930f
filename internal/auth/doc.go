// Package auth identifies the participant behind each API request.
//
// Identity itself is owned by the surrounding marketplace; this package only
// verifies what it issues. Requests carry an HS256 JWT whose "sub" claim is the
// participant id:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("participant-123", 24*time.Hour)
//
// HTTPAuthMiddleware verifies the token, records the participant as online and
// stores an AuthContext in the request context for handlers:
//
//	id := auth.ParticipantID(r.Context())
//
// When auth.jwt_secret is not configured the middleware trusts the
// X-Participant-ID header instead. That mode exists for local development.
package auth
