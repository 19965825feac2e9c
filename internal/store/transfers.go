package store

import (
	"fmt"

	"github.com/google/uuid"

	"wainbox/internal/models"
)

// CreateTransfer appends a transfer record to a conversation's history.
func (s *Store) CreateTransfer(t *models.Transfer) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = now()
	_, err := s.db.Exec(`INSERT INTO transfers
		(id, tenant_id, conversation_id, from_department_id, to_department_id, actor, assigned_to, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.TenantID, t.ConversationID, t.FromDepartmentID, t.ToDepartmentID, t.Actor, t.AssignedTo, t.Notes, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

// ListTransfersByConversation returns a conversation's transfer history,
// oldest first.
func (s *Store) ListTransfersByConversation(conversationID string) ([]models.Transfer, error) {
	var out []models.Transfer
	err := s.db.Select(&out, `SELECT id, tenant_id, conversation_id, from_department_id,
		to_department_id, actor, assigned_to, notes, created_at
		FROM transfers WHERE conversation_id = $1 ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return out, nil
}
