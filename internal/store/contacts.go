package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"wainbox/internal/models"
)

const contactColumns = `id, tenant_id, channel_id, address, name, phone, is_blocked,
	is_business, last_seen_at, metadata, created_at, updated_at`

// CreateContact inserts a contact. Address is expected to be canonical; the
// unique index on (tenant, channel, address) enforces the one-row invariant.
func (s *Store) CreateContact(tenantID, channelID, address, name, phone string) (*models.Contact, error) {
	c := &models.Contact{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ChannelID: channelID,
		Address:   address,
		Name:      name,
		Phone:     phone,
		Metadata:  models.Metadata{},
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	_, err := s.db.Exec(`INSERT INTO contacts (id, tenant_id, channel_id, address, name, phone, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.TenantID, c.ChannelID, c.Address, c.Name, c.Phone, c.Metadata, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}
	return c, nil
}

// GetContact fetches a contact by id.
func (s *Store) GetContact(id string) (*models.Contact, error) {
	var c models.Contact
	err := s.db.Get(&c, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return &c, nil
}

// GetContactByAddress looks up the unique contact row for a canonical address.
func (s *Store) GetContactByAddress(tenantID, channelID, address string) (*models.Contact, error) {
	var c models.Contact
	err := s.db.Get(&c, `SELECT `+contactColumns+` FROM contacts
		WHERE tenant_id = $1 AND channel_id = $2 AND address = $3`, tenantID, channelID, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact by address: %w", err)
	}
	return &c, nil
}

// UpdateContactName overwrites the display name. Last write wins.
func (s *Store) UpdateContactName(id, name string) error {
	_, err := s.db.Exec(`UPDATE contacts SET name = $1, updated_at = $2 WHERE id = $3`, name, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update contact name: %w", err)
	}
	return nil
}

// TouchContactSeen refreshes the last-seen timestamp.
func (s *Store) TouchContactSeen(id string) error {
	_, err := s.db.Exec(`UPDATE contacts SET last_seen_at = $1, updated_at = $1 WHERE id = $2`, now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch contact: %w", err)
	}
	return nil
}
