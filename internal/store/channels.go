package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"wainbox/internal/models"
)

const channelColumns = `id, tenant_id, address, status, reconnect_attempts,
	blocked_until, last_activity_at, created_at, updated_at`

// CreateChannel provisions a new channel in inactive state.
func (s *Store) CreateChannel(tenantID, address string) (*models.Channel, error) {
	ch := &models.Channel{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Address:   address,
		Status:    models.ChannelInactive,
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	_, err := s.db.Exec(`INSERT INTO channels (id, tenant_id, address, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ch.ID, ch.TenantID, ch.Address, ch.Status, ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	return ch, nil
}

// GetChannel fetches a channel by id.
func (s *Store) GetChannel(id string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.Get(&ch, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &ch, nil
}

// GetChannelByAddress fetches a channel by its exact stored address.
func (s *Store) GetChannelByAddress(address string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.Get(&ch, `SELECT `+channelColumns+` FROM channels WHERE address = $1`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel by address: %w", err)
	}
	return &ch, nil
}

// GetChannelByPhone fetches a channel whose address local part equals the
// given raw phone number, regardless of domain.
func (s *Store) GetChannelByPhone(phone string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.Get(&ch, `SELECT `+channelColumns+` FROM channels
		WHERE address = $1 OR address LIKE $2 LIMIT 1`,
		phone, phone+"@%")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel by phone: %w", err)
	}
	return &ch, nil
}

// ListChannelsByStatus returns all channels currently in one of the given
// states, for the reconciliation loop.
func (s *Store) ListChannelsByStatus(statuses ...string) ([]*models.Channel, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + channelColumns + ` FROM channels WHERE status IN (`
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			query += ", "
		}
		query += fmt.Sprintf("$%d", i+1)
		args[i] = st
	}
	query += `)`

	var channels []*models.Channel
	if err := s.db.Select(&channels, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list channels by status: %w", err)
	}
	return channels, nil
}

// UpdateChannelStatus sets the channel status and refreshes activity.
func (s *Store) UpdateChannelStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE channels SET status = $1, last_activity_at = $2, updated_at = $2 WHERE id = $3`,
		status, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update channel status: %w", err)
	}
	return nil
}

// UpdateChannelAddress rewrites the stored canonical address. Used when the
// gateway reports the realized identity of a freshly connected number.
func (s *Store) UpdateChannelAddress(id, address string) error {
	_, err := s.db.Exec(`UPDATE channels SET address = $1, updated_at = $2 WHERE id = $3`,
		address, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update channel address: %w", err)
	}
	return nil
}

// ResetReconnectAttempts zeroes the retry counter after a clean connect.
func (s *Store) ResetReconnectAttempts(id string) error {
	_, err := s.db.Exec(`UPDATE channels SET reconnect_attempts = 0, updated_at = $1 WHERE id = $2`, now(), id)
	if err != nil {
		return fmt.Errorf("failed to reset reconnect attempts: %w", err)
	}
	return nil
}
