// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so that TEXT ordering equals chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers; append and mark-read rely on this
	// for their read-modify-write transactions.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			participant_low  TEXT NOT NULL,
			participant_high TEXT NOT NULL,
			context_ref      TEXT,
			created_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,
			next_seq         INTEGER NOT NULL DEFAULT 1,

			CHECK (participant_low < participant_high)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair
			ON conversations(participant_low, participant_high);
		CREATE INDEX IF NOT EXISTS idx_conversations_low_activity
			ON conversations(participant_low, last_activity_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_high_activity
			ON conversations(participant_high, last_activity_at);

		CREATE TABLE IF NOT EXISTS messages (
			id                TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL,
			seq               INTEGER NOT NULL,
			sender_id         TEXT NOT NULL,
			content           TEXT NOT NULL,
			type              TEXT NOT NULL DEFAULT 'text',
			client_message_id TEXT,
			created_at        TEXT NOT NULL,
			read_at           TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, seq);
		CREATE INDEX IF NOT EXISTS idx_messages_unread
			ON messages(conversation_id, sender_id, read_at);

		CREATE TABLE IF NOT EXISTS read_state (
			conversation_id TEXT NOT NULL,
			participant_id  TEXT NOT NULL,
			unread_count    INTEGER NOT NULL DEFAULT 0,
			last_read_at    TEXT,

			PRIMARY KEY (conversation_id, participant_id),
			CHECK (unread_count >= 0),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE TABLE IF NOT EXISTS profiles (
			participant_id TEXT PRIMARY KEY,
			display_name   TEXT NOT NULL DEFAULT '',
			email          TEXT NOT NULL DEFAULT '',
			avatar_url     TEXT NOT NULL DEFAULT '',
			practice_name  TEXT NOT NULL DEFAULT '',
			role           TEXT NOT NULL DEFAULT '',
			verified       INTEGER NOT NULL DEFAULT 0,
			matrix_room_id TEXT NOT NULL DEFAULT '',
			updated_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS contexts (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// columnMigrations add columns that databases created by older builds lack.
// Fresh databases already have them from createSchema.
var columnMigrations = []struct {
	table  string
	column string
	apply  string
}{
	{
		table:  "messages",
		column: "client_message_id",
		apply:  `ALTER TABLE messages ADD COLUMN client_message_id TEXT`,
	},
	{
		table:  "profiles",
		column: "matrix_room_id",
		apply:  `ALTER TABLE profiles ADD COLUMN matrix_room_id TEXT NOT NULL DEFAULT ''`,
	},
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	for _, m := range columnMigrations {
		exists, err := s.hasColumn(m.table, m.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	// Depends on client_message_id, so it runs after the column migration.
	// Client ids are only unique per sender; the unscoped index is replaced.
	if _, err := s.db.Exec(`
		DROP INDEX IF EXISTS idx_messages_client_id;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_sender_client_id
			ON messages(conversation_id, sender_id, client_message_id)
			WHERE client_message_id IS NOT NULL;
	`); err != nil {
		return fmt.Errorf("creating client message index: %w", err)
	}

	return nil
}

// hasColumn reports whether table has a column named column.
func (s *SQLiteStore) hasColumn(table, column string) (bool, error) {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspecting %s.%s: %w", table, column, err)
	}
	return true, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

const conversationColumns = `id, participant_low, participant_high, context_ref, created_at, last_activity_at, next_seq`

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var contextRef sql.NullString
	var createdAtStr, lastActivityStr string

	if err := row.Scan(&c.ID, &c.ParticipantLow, &c.ParticipantHigh, &contextRef,
		&createdAtStr, &lastActivityStr, &c.NextSeq); err != nil {
		return nil, err
	}

	var err error
	c.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	c.LastActivityAt, err = parseTime(lastActivityStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if contextRef.Valid {
		c.ContextRef = &contextRef.String
	}
	return &c, nil
}

// CreateConversation inserts a new conversation.
// If a conversation for the same canonical pair already exists, it returns ErrDuplicateConversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.NextSeq == 0 {
		conv.NextSeq = 1
	}

	var contextRef any
	if conv.ContextRef != nil {
		contextRef = *conv.ContextRef
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_low, participant_high, context_ref, created_at, last_activity_at, next_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.ParticipantLow,
		conv.ParticipantHigh,
		contextRef,
		formatTime(conv.CreatedAt),
		formatTime(conv.LastActivityAt),
		conv.NextSeq,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "low", conv.ParticipantLow, "high", conv.ParticipantHigh)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetConversationByPair retrieves the conversation for a canonical pair.
// This uses the idx_conversations_pair unique index.
func (s *SQLiteStore) GetConversationByPair(ctx context.Context, low, high string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_low = ? AND participant_high = ?
	`, low, high)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by pair: %w", err)
	}
	return conv, nil
}

// ListConversations returns conversations matching opts.
// Results are always tie-broken by id so equal timestamps list deterministically.
func (s *SQLiteStore) ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error) {
	where, args, err := opts.Filter.toSQL(conversationFields)
	if err != nil {
		return nil, err
	}
	order, err := orderSQL(opts.Order, conversationFields, Order{Field: FieldID})
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE ` + where + order
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// Ensure SQLiteStore implements the store interfaces
var (
	_ Store          = (*SQLiteStore)(nil)
	_ DirectoryStore = (*SQLiteStore)(nil)
)
