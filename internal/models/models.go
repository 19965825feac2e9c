package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Channel lifecycle states. A channel is never auto-deleted; it only moves
// between these states through webhook events and the reconciliation loop.
const (
	ChannelInactive   = "inactive"
	ChannelActive     = "active"
	ChannelConnecting = "connecting"
	ChannelConnected  = "connected"
	ChannelError      = "error"
	ChannelBlocked    = "blocked"
)

// Session states.
const (
	SessionDisconnected = "disconnected"
	SessionConnecting   = "connecting"
	SessionConnected    = "connected"
	SessionError        = "error"
)

// Conversation states.
const (
	ConversationPending     = "pending"
	ConversationInProgress  = "in_progress"
	ConversationResolved    = "resolved"
	ConversationClosed      = "closed"
	ConversationTransferred = "transferred"
)

// Message direction.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message delivery states. Sent, delivered and read are ordered; a receipt
// may only move a message forward along that ordering.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// StatusRank returns the position of a delivery status on the monotonic
// ordering sent < delivered < read. Statuses outside the ordering rank 0.
func StatusRank(status string) int {
	switch status {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Message content types.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeVideo    = "video"
	TypeAudio    = "audio"
	TypeDocument = "document"
	TypeSticker  = "sticker"
	TypeLocation = "location"
	TypeContact  = "contact"
	TypeLink     = "link"
)

// Reserved metadata keys. Metadata is an extensible bag, not a fixed record;
// consumers must tolerate unknown keys.
const (
	MetaQRCode           = "qr_code"
	MetaQRReceivedAt     = "qr_received_at"
	MetaQRPNG            = "qr_png"
	MetaServiceID        = "service_id"
	MetaDeviceIDs        = "device_ids"
	MetaHistorySyncedAt  = "history_synced_at"
	MetaOfflinePending   = "offline_sync_pending"
	MetaOfflineSyncedAt  = "offline_sync_completed_at"
	MetaAppStateSyncedAt = "app_state_synced_at"
)

// Metadata is a free-form key-value bag stored as a JSON column.
type Metadata map[string]interface{}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = Metadata{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata column type %T", src)
	}
	if len(b) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// GetString returns the string stored under key, or "" when absent or of a
// different type.
func (m Metadata) GetString(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// GetStrings returns the string list stored under key. JSON decoding yields
// []interface{}, so both representations are accepted.
func (m Metadata) GetStrings(key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Channel is one externally addressable messaging number owned by a tenant.
type Channel struct {
	ID                string     `db:"id" json:"id"`
	TenantID          string     `db:"tenant_id" json:"tenant_id"`
	Address           string     `db:"address" json:"address"`
	Status            string     `db:"status" json:"status"`
	ReconnectAttempts int        `db:"reconnect_attempts" json:"reconnect_attempts"`
	BlockedUntil      *time.Time `db:"blocked_until" json:"blocked_until,omitempty"`
	LastActivityAt    *time.Time `db:"last_activity_at" json:"last_activity_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Session is one connection lifecycle for a Channel. A channel accumulates
// sessions over time; by convention at most one is connected or connecting.
type Session struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	ChannelID string    `db:"channel_id" json:"channel_id"`
	Token     string    `db:"token" json:"token"`
	Status    string    `db:"status" json:"status"`
	Metadata  Metadata  `db:"metadata" json:"metadata"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Contact is unique per (tenant, channel, canonical address).
type Contact struct {
	ID         string     `db:"id" json:"id"`
	TenantID   string     `db:"tenant_id" json:"tenant_id"`
	ChannelID  string     `db:"channel_id" json:"channel_id"`
	Address    string     `db:"address" json:"address"`
	Name       string     `db:"name" json:"name"`
	Phone      string     `db:"phone" json:"phone"`
	IsBlocked  bool       `db:"is_blocked" json:"is_blocked"`
	IsBusiness bool       `db:"is_business" json:"is_business"`
	LastSeenAt *time.Time `db:"last_seen_at" json:"last_seen_at,omitempty"`
	Metadata   Metadata   `db:"metadata" json:"metadata"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// Department groups conversations for routing and assignment.
type Department struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Conversation is the single active thread for a contact address within a
// tenant, across departments.
type Conversation struct {
	ID              string     `db:"id" json:"id"`
	TenantID        string     `db:"tenant_id" json:"tenant_id"`
	ContactID       string     `db:"contact_id" json:"contact_id"`
	SessionID       string     `db:"session_id" json:"session_id"`
	ChatAddress     string     `db:"chat_address" json:"chat_address"`
	DepartmentID    string     `db:"department_id" json:"department_id"`
	Status          string     `db:"status" json:"status"`
	AssignedTo      *string    `db:"assigned_to" json:"assigned_to,omitempty"`
	TransferredFrom *string    `db:"transferred_from" json:"transferred_from,omitempty"`
	TransferredAt   *time.Time `db:"transferred_at" json:"transferred_at,omitempty"`
	TransferNotes   *string    `db:"transfer_notes" json:"transfer_notes,omitempty"`
	LastMessageAt   *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	ResolvedBy      *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Message belongs to exactly one conversation. ExternalID is the gateway
// message id and the idempotency key for receipt reconciliation.
type Message struct {
	ID             string     `db:"id" json:"id"`
	TenantID       string     `db:"tenant_id" json:"tenant_id"`
	ConversationID string     `db:"conversation_id" json:"conversation_id"`
	Direction      string     `db:"direction" json:"direction"`
	Type           string     `db:"type" json:"type"`
	Content        string     `db:"content" json:"content"`
	FilePath       string     `db:"file_path" json:"file_path,omitempty"`
	FileName       string     `db:"file_name" json:"file_name,omitempty"`
	MimeType       string     `db:"mime_type" json:"mime_type,omitempty"`
	FileSize       int64      `db:"file_size" json:"file_size,omitempty"`
	Metadata       Metadata   `db:"metadata" json:"metadata"`
	Status         string     `db:"status" json:"status"`
	ExternalID     string     `db:"external_id" json:"external_id"`
	SentAt         *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt         *time.Time `db:"read_at" json:"read_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Transfer is an append-only record of a conversation changing department.
type Transfer struct {
	ID               string    `db:"id" json:"id"`
	TenantID         string    `db:"tenant_id" json:"tenant_id"`
	ConversationID   string    `db:"conversation_id" json:"conversation_id"`
	FromDepartmentID string    `db:"from_department_id" json:"from_department_id"`
	ToDepartmentID   string    `db:"to_department_id" json:"to_department_id"`
	Actor            string    `db:"actor" json:"actor"`
	AssignedTo       *string   `db:"assigned_to" json:"assigned_to,omitempty"`
	Notes            string    `db:"notes" json:"notes"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}
