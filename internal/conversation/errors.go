// ABOUTME: Error taxonomy surfaced by the conversation layer
// ABOUTME: Store failures are translated here so callers only test against these sentinels

package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/locus-dm/internal/store"
)

var (
	// ErrValidation is returned for bad input such as empty content or identical participants.
	ErrValidation = errors.New("validation failed")

	// ErrNotAParticipant is returned when the caller or sender is not one of the conversation's participants.
	ErrNotAParticipant = errors.New("not a participant of this conversation")

	// ErrNotFound is returned when the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrPersistence is returned when the store is unavailable or a write fails.
	ErrPersistence = errors.New("persistence failure")
)

// translate maps a store error to the conversation error taxonomy.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrNotParticipant):
		return ErrNotAParticipant
	case errors.Is(err, context.Canceled):
		// the caller gave up; the store is not at fault
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
	}
}

// withTimeout bounds a store call. A non-positive d only inherits ctx.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
