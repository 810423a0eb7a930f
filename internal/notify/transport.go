// ABOUTME: Transport contract for out-of-band delivery plus the development log transport
// ABOUTME: A transport receives a composed notification and a resolved recipient

package notify

import (
	"context"
	"log/slog"
)

// Recipient is the resolved contact information of the notified participant.
type Recipient struct {
	ParticipantID string
	Name          string
	Email         string
	MatrixRoomID  string
}

// Notification is a composed message ready to send.
type Notification struct {
	Subject string
	Text    string // markdown source, also used as the plain-text part
	HTML    string
}

// Transport performs best-effort delivery. Returning an error wrapping
// ErrNoContact stops retries.
type Transport interface {
	Name() string
	Send(ctx context.Context, to Recipient, n Notification) error
}

// LogTransport writes notifications to the log instead of sending them.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a LogTransport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger.With("component", "notify_log")}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(ctx context.Context, to Recipient, n Notification) error {
	t.logger.Info("notification",
		"recipient_id", to.ParticipantID,
		"email", to.Email,
		"subject", n.Subject,
		"body", n.Text)
	return nil
}
