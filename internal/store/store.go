// Package store is the persistence layer. It speaks plain SQL through sqlx
// against either PostgreSQL or SQLite, selected by the DSN; all statements
// use $N placeholders, which both engines accept.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the database handle and exposes one repository per entity.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database described by dsn and runs migrations.
// A "postgres://" (or "postgresql://") DSN selects lib/pq; anything else is
// treated as a SQLite file path.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	} else if !strings.Contains(dsn, "?") {
		// WAL keeps readers unblocked while the ingestion workers write.
		dsn += "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "sqlite" {
		// SQLite admits a single writer; funnel connections to avoid
		// SQLITE_BUSY under concurrent ingestion.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Database connection established")
	return s, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for ops endpoints and tests.
func (s *Store) DB() *sqlx.DB { return s.db }

func now() time.Time { return time.Now().UTC() }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		address TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'inactive',
		reconnect_attempts INTEGER NOT NULL DEFAULT 0,
		blocked_until TIMESTAMP,
		last_activity_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_tenant_address ON channels (tenant_id, address)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		channel_id TEXT NOT NULL REFERENCES channels(id),
		token TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'disconnected',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions (channel_id)`,

	`CREATE TABLE IF NOT EXISTS departments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_departments_tenant ON departments (tenant_id)`,

	`CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		channel_id TEXT NOT NULL REFERENCES channels(id),
		address TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
		is_business BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen_at TIMESTAMP,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_identity ON contacts (tenant_id, channel_id, address)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		contact_id TEXT NOT NULL REFERENCES contacts(id),
		session_id TEXT NOT NULL DEFAULT '',
		chat_address TEXT NOT NULL,
		department_id TEXT NOT NULL REFERENCES departments(id),
		status TEXT NOT NULL DEFAULT 'pending',
		assigned_to TEXT,
		transferred_from TEXT,
		transferred_at TIMESTAMP,
		transfer_notes TEXT,
		last_message_at TIMESTAMP,
		resolved_by TEXT,
		resolved_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_tenant_chat ON conversations (tenant_id, chat_address)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		direction TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT '',
		file_size BIGINT NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		external_id TEXT NOT NULL DEFAULT '',
		sent_at TIMESTAMP,
		delivered_at TIMESTAMP,
		read_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id)`,
	// Idempotency under concurrent webhook delivery. Partial: outbound rows
	// start without an external id and must not collide with one another.
	// The drop upgrades databases that still carry the non-unique version.
	`DROP INDEX IF EXISTS idx_messages_external`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external ON messages (tenant_id, external_id) WHERE external_id != ''`,

	`CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		from_department_id TEXT NOT NULL,
		to_department_id TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		assigned_to TEXT,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_conversation ON transfers (conversation_id)`,
}

func (s *Store) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	log.Debug().Int("statements", len(migrations)).Msg("Database migrations applied")
	return nil
}
