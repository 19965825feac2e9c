// Package inbox materializes contacts, conversations and delivery state from
// inbound gateway events. All writes are idempotent: the same event delivered
// twice converges to the same stored state.
package inbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"wainbox/internal/models"
	"wainbox/internal/normalize"
	"wainbox/internal/store"
)

// DefaultDepartmentName is auto-created for tenants with no departments.
const DefaultDepartmentName = "General"

// ErrSameDepartment is returned by Transfer when the target department is
// already the conversation's department.
var ErrSameDepartment = errors.New("inbox: transfer target equals current department")

// Engine is the contact/conversation upsert engine.
type Engine struct {
	store *store.Store
}

// NewEngine builds an upsert engine over the given store.
func NewEngine(s *store.Store) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	return &Engine{store: s}, nil
}

// FindOrCreateContact upserts the contact for a canonicalized address. A
// non-empty display name that differs from the stored one wins outright;
// merge semantics are deliberately not attempted.
func (e *Engine) FindOrCreateContact(tenantID, channelID, address, displayName string) (*models.Contact, error) {
	canonical := normalize.Canonical(address)

	contact, err := e.store.GetContactByAddress(tenantID, channelID, canonical)
	if errors.Is(err, store.ErrNotFound) {
		created, createErr := e.store.CreateContact(tenantID, channelID, canonical, displayName, normalize.LocalPart(canonical))
		if createErr != nil {
			// A concurrent webhook for the same contact may have won the
			// insert race; re-read before giving up.
			if existing, readErr := e.store.GetContactByAddress(tenantID, channelID, canonical); readErr == nil {
				return existing, nil
			}
			return nil, createErr
		}
		log.Info().
			Str("tenant_id", tenantID).
			Str("contact_id", created.ID).
			Str("address", canonical).
			Msg("Contact created")
		return created, nil
	}
	if err != nil {
		return nil, err
	}

	if displayName != "" && displayName != contact.Name {
		if err := e.store.UpdateContactName(contact.ID, displayName); err != nil {
			return nil, err
		}
		contact.Name = displayName
	}
	if err := e.store.TouchContactSeen(contact.ID); err != nil {
		log.Warn().Err(err).Str("contact_id", contact.ID).Msg("Failed to touch contact last-seen")
	}
	return contact, nil
}

// FindOrCreateConversation upserts the single conversation for a chat
// address within the tenant. An existing conversation is always touched; a
// resolved or closed one reopens; a department drifting from the routing
// policy triggers a recorded transfer; a changed session is repointed.
func (e *Engine) FindOrCreateConversation(session *models.Session, contact *models.Contact, chatAddress string) (*models.Conversation, error) {
	canonical := normalize.Canonical(chatAddress)

	dept, err := e.routeDepartment(contact.TenantID)
	if err != nil {
		return nil, err
	}

	sessionID := ""
	if session != nil {
		sessionID = session.ID
	}

	conv, err := e.store.GetConversationByChatAddress(contact.TenantID, canonical)
	if errors.Is(err, store.ErrNotFound) {
		created, createErr := e.store.CreateConversation(contact.TenantID, contact.ID, sessionID, canonical, dept.ID)
		if createErr != nil {
			if existing, readErr := e.store.GetConversationByChatAddress(contact.TenantID, canonical); readErr == nil {
				conv = existing
			} else {
				return nil, createErr
			}
		} else {
			log.Info().
				Str("tenant_id", contact.TenantID).
				Str("conversation_id", created.ID).
				Str("chat_address", canonical).
				Str("department_id", dept.ID).
				Msg("Conversation created")
			return created, nil
		}
	} else if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := e.store.TouchConversation(conv.ID, now); err != nil {
		return nil, err
	}
	conv.LastMessageAt = &now

	if conv.Status == models.ConversationResolved || conv.Status == models.ConversationClosed {
		if err := e.store.ReopenConversation(conv.ID); err != nil {
			return nil, err
		}
		log.Info().
			Str("conversation_id", conv.ID).
			Str("previous_status", conv.Status).
			Msg("Conversation reopened by inbound activity")
		conv.Status = models.ConversationPending
		conv.ResolvedBy = nil
		conv.ResolvedAt = nil
	}

	if conv.DepartmentID != dept.ID {
		if err := e.Transfer(conv, dept.ID, "system", nil, "automatic routing"); err != nil && !errors.Is(err, ErrSameDepartment) {
			return nil, err
		}
	}

	if sessionID != "" && conv.SessionID != sessionID {
		if err := e.store.UpdateConversationSession(conv.ID, sessionID); err != nil {
			return nil, err
		}
		conv.SessionID = sessionID
		if err := e.store.TouchContactSeen(contact.ID); err != nil {
			log.Warn().Err(err).Str("contact_id", contact.ID).Msg("Failed to refresh contact on session repoint")
		}
	}
	return conv, nil
}

// Transfer moves a conversation to another department, appending a history
// record that captures the pre-transfer department. Transferring to the
// current department fails without side effects.
func (e *Engine) Transfer(conv *models.Conversation, toDepartmentID, actor string, assignee *string, notes string) error {
	if toDepartmentID == conv.DepartmentID {
		return ErrSameDepartment
	}

	record := &models.Transfer{
		TenantID:         conv.TenantID,
		ConversationID:   conv.ID,
		FromDepartmentID: conv.DepartmentID,
		ToDepartmentID:   toDepartmentID,
		Actor:            actor,
		AssignedTo:       assignee,
		Notes:            notes,
	}
	if err := e.store.CreateTransfer(record); err != nil {
		return err
	}
	if err := e.store.ApplyTransfer(conv.ID, toDepartmentID, conv.DepartmentID, assignee, notes); err != nil {
		return err
	}

	log.Info().
		Str("conversation_id", conv.ID).
		Str("from_department", conv.DepartmentID).
		Str("to_department", toDepartmentID).
		Str("actor", actor).
		Msg("Conversation transferred")

	conv.DepartmentID = toDepartmentID
	conv.AssignedTo = assignee
	if assignee != nil && *assignee != "" {
		conv.Status = models.ConversationInProgress
	} else {
		conv.Status = models.ConversationPending
	}
	return nil
}

// routeDepartment picks the target department for new or drifting
// conversations. Policy today: the tenant's earliest department, created on
// demand. Rule-based routing can replace this without touching callers.
func (e *Engine) routeDepartment(tenantID string) (*models.Department, error) {
	dept, err := e.store.EarliestDepartment(tenantID)
	if errors.Is(err, store.ErrNotFound) {
		created, createErr := e.store.CreateDepartment(tenantID, DefaultDepartmentName)
		if createErr != nil {
			return nil, createErr
		}
		log.Info().Str("tenant_id", tenantID).Msg("Default department created")
		return created, nil
	}
	if err != nil {
		return nil, err
	}
	return dept, nil
}
