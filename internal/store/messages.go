package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wainbox/internal/models"
)

const messageColumns = `id, tenant_id, conversation_id, direction, type, content,
	file_path, file_name, mime_type, file_size, metadata, status, external_id,
	sent_at, delivered_at, read_at, created_at, updated_at`

// ErrDuplicateMessage is returned when a message with the same tenant and
// external id already exists. Callers treat it as the at-least-once
// duplicate-drop path.
var ErrDuplicateMessage = errors.New("store: message external id already exists")

// CreateMessage persists a message. ExternalID is the gateway-side id used
// for idempotence and receipt correlation; the unique index makes the insert
// the arbiter when the same webhook lands on two workers at once.
func (s *Store) CreateMessage(m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	ts := now()
	m.CreatedAt = ts
	m.UpdatedAt = ts
	if m.Status == "" {
		m.Status = models.StatusPending
	}
	if m.Metadata == nil {
		m.Metadata = models.Metadata{}
	}
	_, err := s.db.Exec(`INSERT INTO messages
		(id, tenant_id, conversation_id, direction, type, content, file_path, file_name,
		 mime_type, file_size, metadata, status, external_id, sent_at, delivered_at, read_at,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		m.ID, m.TenantID, m.ConversationID, m.Direction, m.Type, m.Content, m.FilePath, m.FileName,
		m.MimeType, m.FileSize, m.Metadata, m.Status, m.ExternalID, m.SentAt, m.DeliveredAt, m.ReadAt,
		m.CreatedAt, m.UpdatedAt)
	if err != nil {
		// Distinguish a uniqueness conflict without driver-specific error
		// codes: if the external id is now present, the race was lost.
		if m.ExternalID != "" {
			if _, lookupErr := s.GetMessageByExternalID(m.TenantID, m.ExternalID); lookupErr == nil {
				return ErrDuplicateMessage
			}
		}
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// GetMessage fetches a message by id.
func (s *Store) GetMessage(id string) (*models.Message, error) {
	var m models.Message
	err := s.db.Get(&m, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &m, nil
}

// GetMessageByExternalID looks up a message by its gateway id within a tenant.
func (s *Store) GetMessageByExternalID(tenantID, externalID string) (*models.Message, error) {
	var m models.Message
	err := s.db.Get(&m, `SELECT `+messageColumns+` FROM messages
		WHERE tenant_id = $1 AND external_id = $2`, tenantID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by external id: %w", err)
	}
	return &m, nil
}

// GetOutboundMessageByExternalID is the receipt-side lookup: only messages we
// sent can carry delivery state.
func (s *Store) GetOutboundMessageByExternalID(tenantID, externalID string) (*models.Message, error) {
	var m models.Message
	err := s.db.Get(&m, `SELECT `+messageColumns+` FROM messages
		WHERE tenant_id = $1 AND external_id = $2 AND direction = $3`,
		tenantID, externalID, models.DirectionOutbound)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbound message: %w", err)
	}
	return &m, nil
}

// UpdateMessageStatus writes the new status and whichever timestamps the
// caller filled in. Nil timestamps keep their stored values.
func (s *Store) UpdateMessageStatus(id, status string, deliveredAt, readAt *time.Time) error {
	_, err := s.db.Exec(`UPDATE messages
		SET status = $1,
		    delivered_at = COALESCE($2, delivered_at),
		    read_at = COALESCE($3, read_at),
		    updated_at = $4
		WHERE id = $5`,
		status, deliveredAt, readAt, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return nil
}

// MarkMessageSent records the gateway acceptance of an outbound message.
func (s *Store) MarkMessageSent(id, externalID string, at time.Time) error {
	ts := at.UTC()
	_, err := s.db.Exec(`UPDATE messages
		SET status = $1, external_id = $2, sent_at = $3, updated_at = $4 WHERE id = $5`,
		models.StatusSent, externalID, ts, now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark message sent: %w", err)
	}
	return nil
}

// MarkMessageFailed flags an outbound message that was rejected by the gateway.
func (s *Store) MarkMessageFailed(id string) error {
	_, err := s.db.Exec(`UPDATE messages SET status = $1, updated_at = $2 WHERE id = $3`,
		models.StatusFailed, now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	return nil
}

// ListMessagesByConversation returns messages oldest first.
func (s *Store) ListMessagesByConversation(conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.Message
	err := s.db.Select(&out, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 ORDER BY created_at ASC LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return out, nil
}
