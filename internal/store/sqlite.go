// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence keyed by tenant#user composite partitions

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// Messages deliberately carry no foreign key to conversations: deletion is a
// read-then-delete cascade and orphaned rows after a partial failure are tolerated.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			partition_key   TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			tenant          TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			title           TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			PRIMARY KEY (partition_key, conversation_id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_by_user_and_date
			ON conversations(partition_key, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			partition_key   TEXT NOT NULL,
			message_id      TEXT NOT NULL,
			tenant          TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			PRIMARY KEY (partition_key, message_id),
			CHECK (role IN ('user', 'assistant', 'tool'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_by_conversation_and_creation
			ON messages(partition_key, created_at);

		CREATE TABLE IF NOT EXISTS configs (
			tenant     TEXT NOT NULL,
			config_key TEXT NOT NULL,
			settings   TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant, config_key)
		);

		CREATE TABLE IF NOT EXISTS users (
			tenant       TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			token_count  INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (tenant, user_id)
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			tenant      TEXT NOT NULL,
			actor_id    TEXT NOT NULL,
			action      TEXT NOT NULL,
			config_key  TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_by_tenant_and_ts
			ON audit_log(tenant, ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "users",
			column: "roles",
			apply:  `ALTER TABLE users ADD COLUMN roles TEXT NOT NULL DEFAULT ''`,
		},
	}

	// Replay is ordered by created_at; the old updated_at index is superseded.
	if _, err := s.db.Exec(`DROP INDEX IF EXISTS idx_messages_by_conversation_and_date`); err != nil {
		return fmt.Errorf("dropping superseded message index: %w", err)
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// HealthCheck verifies the database answers queries against the history tables.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM (SELECT 1 FROM conversations LIMIT 1)`).Scan(&n); err != nil {
		return fmt.Errorf("querying conversations: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateConversation inserts a new conversation. Empty ID and zero timestamps are filled in.
// Returns ErrDuplicateConversation if the id is already used in the same partition.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	query := `
		INSERT INTO conversations (partition_key, conversation_id, tenant, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.PartitionKey(),
		conv.ID,
		conv.Tenant,
		conv.UserID,
		conv.Title,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "tenant", conv.Tenant, "user_id", conv.UserID, "id", conv.ID)
	return nil
}

// UpsertConversation writes the conversation, replacing title and updated_at of an existing row.
// created_at of an existing row is preserved.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		return fmt.Errorf("upserting conversation: empty id")
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = s.now()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = conv.UpdatedAt
	}

	query := `
		INSERT INTO conversations (partition_key, conversation_id, tenant, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (partition_key, conversation_id)
		DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.PartitionKey(),
		conv.ID,
		conv.Tenant,
		conv.UserID,
		conv.Title,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}

	s.logger.Debug("upserted conversation", "tenant", conv.Tenant, "user_id", conv.UserID, "id", conv.ID)
	return nil
}

// GetConversation retrieves a conversation by its composite key.
// Returns ErrNotFound if it doesn't exist for this tenant and user.
func (s *SQLiteStore) GetConversation(ctx context.Context, tenant, userID, conversationID string) (*Conversation, error) {
	query := `
		SELECT tenant, user_id, conversation_id, title, created_at, updated_at
		FROM conversations
		WHERE partition_key = ? AND tenant = ? AND user_id = ? AND conversation_id = ?
	`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, UserKey(tenant, userID), tenant, userID, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns a user's conversations ordered by updated_at.
// If opts.Limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, tenant, userID string, opts ListOptions) ([]*Conversation, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	direction := "DESC"
	if opts.Order == SortAsc {
		direction = "ASC"
	}

	query := `
		SELECT tenant, user_id, conversation_id, title, created_at, updated_at
		FROM conversations
		WHERE partition_key = ? AND tenant = ? AND user_id = ?
		ORDER BY updated_at ` + direction + `, conversation_id ` + direction + `
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, UserKey(tenant, userID), tenant, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// DeleteConversation removes every message of the conversation and then the
// conversation row. The two steps are not atomic; a failure between them leaves
// the conversation in place with fewer messages, and retrying the whole call is safe.
// Deleting an already removed conversation is not an error.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, tenant, userID, conversationID string) error {
	deleted, err := s.DeleteAllMessagesInConversation(ctx, tenant, userID, conversationID)
	if err != nil {
		return fmt.Errorf("deleting conversation messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE partition_key = ? AND tenant = ? AND user_id = ? AND conversation_id = ?`,
		UserKey(tenant, userID), tenant, userID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	s.logger.Debug("deleted conversation",
		"tenant", tenant,
		"user_id", userID,
		"id", conversationID,
		"messages_deleted", deleted,
	)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&conv.Tenant,
		&conv.UserID,
		&conv.ID,
		&conv.Title,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	var err error
	conv.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}
