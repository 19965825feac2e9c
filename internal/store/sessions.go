package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"wainbox/internal/models"
)

const sessionColumns = `id, tenant_id, channel_id, token, status, metadata, created_at, updated_at`

// CreateSession opens a new connection lifecycle record for a channel.
func (s *Store) CreateSession(tenantID, channelID, token string) (*models.Session, error) {
	sess := &models.Session{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ChannelID: channelID,
		Token:     token,
		Status:    models.SessionConnecting,
		Metadata:  models.Metadata{},
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	_, err := s.db.Exec(`INSERT INTO sessions (id, tenant_id, channel_id, token, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.TenantID, sess.ChannelID, sess.Token, sess.Status, sess.Metadata, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(id string) (*models.Session, error) {
	var sess models.Session
	err := s.db.Get(&sess, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// ListSessionsByChannel returns all sessions for a channel, most recently
// updated first. The resolver walks this list applying its strategies.
func (s *Store) ListSessionsByChannel(channelID string) ([]*models.Session, error) {
	var sessions []*models.Session
	err := s.db.Select(&sessions, `SELECT `+sessionColumns+` FROM sessions
		WHERE channel_id = $1 ORDER BY updated_at DESC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus moves the session through its lifecycle.
func (s *Store) UpdateSessionStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3`, status, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// UpdateSessionToken rewrites the stored external token.
func (s *Store) UpdateSessionToken(id, token string) error {
	_, err := s.db.Exec(`UPDATE sessions SET token = $1, updated_at = $2 WHERE id = $3`, token, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session token: %w", err)
	}
	return nil
}

// SaveSessionMetadata persists the whole metadata bag. Callers mutate the
// in-memory map and write it back; the bag is small and opaque.
func (s *Store) SaveSessionMetadata(id string, meta models.Metadata) error {
	_, err := s.db.Exec(`UPDATE sessions SET metadata = $1, updated_at = $2 WHERE id = $3`, meta, now(), id)
	if err != nil {
		return fmt.Errorf("failed to save session metadata: %w", err)
	}
	return nil
}
