// ABOUTME: Matrix transport posting notices into the recipient's Matrix room via mautrix
// ABOUTME: Recipients without a configured room are skipped as having no contact

package notify

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixConfig holds the bot account used to post notifications.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// MatrixTransport sends notifications as m.notice events.
type MatrixTransport struct {
	client *mautrix.Client
}

// NewMatrixTransport creates a MatrixTransport.
func NewMatrixTransport(cfg MatrixConfig) (*MatrixTransport, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &MatrixTransport{client: client}, nil
}

func (t *MatrixTransport) Name() string { return "matrix" }

func (t *MatrixTransport) Send(ctx context.Context, to Recipient, n Notification) error {
	if to.MatrixRoomID == "" {
		return fmt.Errorf("%w: %s has no matrix room", ErrNoContact, to.ParticipantID)
	}

	content := &event.MessageEventContent{
		MsgType:       event.MsgNotice,
		Body:          n.Subject + "\n\n" + n.Text,
		Format:        event.FormatHTML,
		FormattedBody: n.HTML,
	}
	if _, err := t.client.SendMessageEvent(ctx, id.RoomID(to.MatrixRoomID), event.EventMessage, content); err != nil {
		return fmt.Errorf("sending matrix notice: %w", err)
	}
	return nil
}
