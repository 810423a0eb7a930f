// ABOUTME: Message log and read state persistence for SQLiteStore
// ABOUTME: Append and mark-read run as single transactions that keep unread counters exact

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `id, conversation_id, seq, sender_id, content, type, client_message_id, created_at, read_at`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var clientID, readAt sql.NullString
	var createdAtStr string

	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.Content, &m.Type,
		&clientID, &createdAtStr, &readAt); err != nil {
		return nil, err
	}

	var err error
	m.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	if readAt.Valid {
		t, err := parseTime(readAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing message read_at: %w", err)
		}
		m.ReadAt = &t
	}
	if clientID.Valid {
		m.ClientMessageID = clientID.String
	}
	return &m, nil
}

// AppendMessage stores msg at the end of its conversation.
//
// In one transaction it assigns the next sequence number, clamps CreatedAt so it
// never precedes the conversation's last activity, inserts the message, advances
// the conversation's last_activity_at and increments the recipient's unread counter.
// A zero msg.CreatedAt means now. ID, Seq and CreatedAt are written back into msg.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (err error) {
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	conv, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, msg.ConversationID))
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying conversation: %w", err)
	}

	recipient := conv.Other(msg.SenderID)
	if recipient == "" {
		return ErrNotParticipant
	}

	if msg.ClientMessageID != "" {
		existing, lookupErr := scanMessage(tx.QueryRowContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ? AND sender_id = ? AND client_message_id = ?
		`, msg.ConversationID, msg.SenderID, msg.ClientMessageID))
		if lookupErr == nil {
			*msg = *existing
			return ErrDuplicateMessage
		}
		if lookupErr != sql.ErrNoRows {
			return fmt.Errorf("querying client message id: %w", lookupErr)
		}
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if createdAt.Before(conv.LastActivityAt) {
		createdAt = conv.LastActivityAt
	}
	msg.CreatedAt = createdAt.UTC()
	msg.Seq = conv.NextSeq
	msg.ReadAt = nil

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, sender_id, content, type, client_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.Seq,
		msg.SenderID,
		msg.Content,
		msg.Type,
		nullString(msg.ClientMessageID),
		formatTime(msg.CreatedAt),
	); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE conversations SET last_activity_at = ?, next_seq = next_seq + 1 WHERE id = ?
	`, formatTime(msg.CreatedAt), msg.ConversationID); err != nil {
		return fmt.Errorf("updating conversation activity: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO read_state (conversation_id, participant_id, unread_count)
		VALUES (?, ?, 1)
		ON CONFLICT (conversation_id, participant_id)
		DO UPDATE SET unread_count = unread_count + 1
	`, msg.ConversationID, recipient); err != nil {
		return fmt.Errorf("incrementing unread counter: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", msg.ConversationID, "seq", msg.Seq)
	return nil
}

// ListMessages returns messages matching opts.
// Ordering always ends with (created_at, seq) so the log order is total.
func (s *SQLiteStore) ListMessages(ctx context.Context, opts ListOptions) ([]*Message, error) {
	where, args, err := opts.Filter.toSQL(messageFields)
	if err != nil {
		return nil, err
	}

	tiebreak := []Order{{Field: FieldCreatedAt}, {Field: FieldSeq}}
	if len(opts.Order) > 0 && opts.Order[0].Desc {
		tiebreak = []Order{{Field: FieldCreatedAt, Desc: true}, {Field: FieldSeq, Desc: true}}
	}
	order, err := orderSQL(opts.Order, messageFields, tiebreak...)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + where + order
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// LatestMessage returns the newest message of a conversation.
// Returns ErrNotFound if the conversation has no messages.
func (s *SQLiteStore) LatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, conversationID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest message: %w", err)
	}
	return msg, nil
}

// MarkRead stamps read_at on every unread message in the conversation sent by the
// other participant, and decrements the participant's unread counter by the number
// of messages stamped. Returns that number. Already-read messages keep their read_at.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, participantID string, at time.Time) (n int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning mark-read transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("checking conversation existence: %w", err)
	}

	stamp := formatTime(at)
	result, err := tx.ExecContext(ctx, `
		UPDATE messages SET read_at = ?
		WHERE conversation_id = ? AND sender_id != ? AND read_at IS NULL
	`, stamp, conversationID, participantID)
	if err != nil {
		return 0, fmt.Errorf("stamping read_at: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO read_state (conversation_id, participant_id, unread_count, last_read_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (conversation_id, participant_id)
		DO UPDATE SET unread_count = MAX(unread_count - ?, 0), last_read_at = excluded.last_read_at
	`, conversationID, participantID, stamp, affected); err != nil {
		return 0, fmt.Errorf("decrementing unread counter: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing mark-read: %w", err)
	}

	if affected > 0 {
		s.logger.Debug("marked messages read", "conversation_id", conversationID, "participant_id", participantID, "count", affected)
	}
	return int(affected), nil
}

// UnreadCount returns the maintained unread counter for a participant.
// A participant with no counter row has nothing unread.
func (s *SQLiteStore) UnreadCount(ctx context.Context, conversationID, participantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT unread_count FROM read_state WHERE conversation_id = ? AND participant_id = ?
	`, conversationID, participantID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying unread counter: %w", err)
	}
	return count, nil
}

// CountUnread recomputes the unread count from the message log.
func (s *SQLiteStore) CountUnread(ctx context.Context, conversationID, participantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND read_at IS NULL
	`, conversationID, participantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

// RepairUnreadCounters rewrites every counter from the message log.
// Returns the number of counters that were changed.
func (s *SQLiteStore) RepairUnreadCounters(ctx context.Context) (n int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning repair transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Each side of every conversation, with its recomputed count
	rows, err := tx.QueryContext(ctx, `
		SELECT c.id, p.participant_id,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.conversation_id = c.id AND m.sender_id != p.participant_id AND m.read_at IS NULL) AS actual,
			COALESCE(rs.unread_count, 0) AS cached
		FROM conversations c
		JOIN (SELECT id, participant_low AS participant_id FROM conversations
		      UNION ALL
		      SELECT id, participant_high FROM conversations) p ON p.id = c.id
		LEFT JOIN read_state rs ON rs.conversation_id = c.id AND rs.participant_id = p.participant_id
	`)
	if err != nil {
		return 0, fmt.Errorf("querying counters: %w", err)
	}

	type fix struct {
		convID, participantID string
		actual                int
	}
	var fixes []fix
	for rows.Next() {
		var f fix
		var cached int
		if err = rows.Scan(&f.convID, &f.participantID, &f.actual, &cached); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning counter row: %w", err)
		}
		if f.actual != cached {
			fixes = append(fixes, f)
		}
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterating counter rows: %w", err)
	}
	rows.Close()

	for _, f := range fixes {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO read_state (conversation_id, participant_id, unread_count)
			VALUES (?, ?, ?)
			ON CONFLICT (conversation_id, participant_id)
			DO UPDATE SET unread_count = excluded.unread_count
		`, f.convID, f.participantID, f.actual); err != nil {
			return 0, fmt.Errorf("rewriting counter: %w", err)
		}
		s.logger.Warn("repaired unread counter",
			"conversation_id", f.convID,
			"participant_id", f.participantID,
			"count", f.actual)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing repair: %w", err)
	}
	return len(fixes), nil
}
