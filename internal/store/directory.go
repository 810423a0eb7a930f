// ABOUTME: Profile and context records for SQLiteStore
// ABOUTME: Read-side data the inbox and notifications enrich conversations with

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertProfile creates or replaces a participant profile.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *Profile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}

	verified := 0
	if p.Verified {
		verified = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (participant_id, display_name, email, avatar_url, practice_name, role, verified, matrix_room_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (participant_id) DO UPDATE SET
			display_name = excluded.display_name,
			email = excluded.email,
			avatar_url = excluded.avatar_url,
			practice_name = excluded.practice_name,
			role = excluded.role,
			verified = excluded.verified,
			matrix_room_id = excluded.matrix_room_id,
			updated_at = excluded.updated_at
	`, p.ParticipantID, p.DisplayName, p.Email, p.AvatarURL, p.PracticeName, p.Role, verified, p.MatrixRoomID, formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}

	s.logger.Debug("upserted profile", "participant_id", p.ParticipantID)
	return nil
}

// GetProfile retrieves a profile by participant ID.
// Returns ErrNotFound if the participant has no profile.
func (s *SQLiteStore) GetProfile(ctx context.Context, participantID string) (*Profile, error) {
	var p Profile
	var verified int
	var updatedAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT participant_id, display_name, email, avatar_url, practice_name, role, verified, matrix_room_id, updated_at
		FROM profiles WHERE participant_id = ?
	`, participantID).Scan(&p.ParticipantID, &p.DisplayName, &p.Email, &p.AvatarURL, &p.PracticeName,
		&p.Role, &verified, &p.MatrixRoomID, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}

	p.Verified = verified != 0
	p.UpdatedAt, _ = parseTime(updatedAtStr)
	return &p, nil
}

// UpsertContext creates or replaces a context record (e.g. a job posting title).
func (s *SQLiteStore) UpsertContext(ctx context.Context, c *ContextRecord) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contexts (id, title, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at
	`, c.ID, c.Title, formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting context: %w", err)
	}
	return nil
}

// GetContext retrieves a context record by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetContext(ctx context.Context, id string) (*ContextRecord, error) {
	var c ContextRecord
	var updatedAtStr string

	err := s.db.QueryRowContext(ctx, `SELECT id, title, updated_at FROM contexts WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying context: %w", err)
	}

	c.UpdatedAt, _ = parseTime(updatedAtStr)
	return &c, nil
}
