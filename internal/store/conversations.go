package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wainbox/internal/models"
)

const conversationColumns = `id, tenant_id, contact_id, session_id, chat_address,
	department_id, status, assigned_to, transferred_from, transferred_at, transfer_notes,
	last_message_at, resolved_by, resolved_at, created_at, updated_at`

// CreateConversation opens a new pending conversation.
func (s *Store) CreateConversation(tenantID, contactID, sessionID, chatAddress, departmentID string) (*models.Conversation, error) {
	ts := now()
	c := &models.Conversation{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		ContactID:     contactID,
		SessionID:     sessionID,
		ChatAddress:   chatAddress,
		DepartmentID:  departmentID,
		Status:        models.ConversationPending,
		LastMessageAt: &ts,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	_, err := s.db.Exec(`INSERT INTO conversations
		(id, tenant_id, contact_id, session_id, chat_address, department_id, status, last_message_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.TenantID, c.ContactID, c.SessionID, c.ChatAddress, c.DepartmentID, c.Status, c.LastMessageAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return c, nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(id string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.Get(&c, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &c, nil
}

// GetConversationByChatAddress finds the single conversation for a canonical
// chat address within a tenant, ignoring department.
func (s *Store) GetConversationByChatAddress(tenantID, chatAddress string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.Get(&c, `SELECT `+conversationColumns+` FROM conversations
		WHERE tenant_id = $1 AND chat_address = $2`, tenantID, chatAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation by chat address: %w", err)
	}
	return &c, nil
}

// TouchConversation refreshes last_message_at.
func (s *Store) TouchConversation(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE conversations SET last_message_at = $1, updated_at = $2 WHERE id = $3`,
		at.UTC(), now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// ReopenConversation puts a resolved or closed conversation back into
// pending, clearing the resolution actor and timestamp.
func (s *Store) ReopenConversation(id string) error {
	_, err := s.db.Exec(`UPDATE conversations
		SET status = $1, resolved_by = NULL, resolved_at = NULL, updated_at = $2 WHERE id = $3`,
		models.ConversationPending, now(), id)
	if err != nil {
		return fmt.Errorf("failed to reopen conversation: %w", err)
	}
	return nil
}

// UpdateConversationSession repoints the conversation at a new session.
func (s *Store) UpdateConversationSession(id, sessionID string) error {
	_, err := s.db.Exec(`UPDATE conversations SET session_id = $1, updated_at = $2 WHERE id = $3`,
		sessionID, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update conversation session: %w", err)
	}
	return nil
}

// ApplyTransfer atomically rewrites the department, assignee, status and
// transfer lineage fields of a conversation.
func (s *Store) ApplyTransfer(id, toDepartmentID, fromDepartmentID string, assignedTo *string, notes string) error {
	status := models.ConversationPending
	if assignedTo != nil && *assignedTo != "" {
		status = models.ConversationInProgress
	}
	ts := now()
	_, err := s.db.Exec(`UPDATE conversations
		SET department_id = $1, assigned_to = $2, status = $3,
		    transferred_from = $4, transferred_at = $5, transfer_notes = $6, updated_at = $5
		WHERE id = $7`,
		toDepartmentID, assignedTo, status, fromDepartmentID, ts, notes, id)
	if err != nil {
		return fmt.Errorf("failed to apply transfer: %w", err)
	}
	return nil
}

// ResolveConversation marks a conversation resolved or closed by an actor.
func (s *Store) ResolveConversation(id, status, actor string) error {
	_, err := s.db.Exec(`UPDATE conversations
		SET status = $1, resolved_by = $2, resolved_at = $3, updated_at = $3 WHERE id = $4`,
		status, actor, now(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve conversation: %w", err)
	}
	return nil
}
