// ABOUTME: SQLite persistence for configuration override tiers and tenant users
// ABOUTME: Config rows share one table keyed by tenant plus "default" or a user id

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// GetConfig returns the override record stored under (tenant, key).
// Returns ErrNotFound if no record exists.
func (s *SQLiteStore) GetConfig(ctx context.Context, tenant, key string) (*ConfigRecord, error) {
	var rec ConfigRecord
	var updatedAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT tenant, config_key, settings, updated_at FROM configs WHERE tenant = ? AND config_key = ?`,
		tenant, key,
	).Scan(&rec.Tenant, &rec.Key, &rec.Settings, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying config: %w", err)
	}

	rec.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}

// SetConfig creates or replaces the override record for (rec.Tenant, rec.Key).
func (s *SQLiteStore) SetConfig(ctx context.Context, rec *ConfigRecord) error {
	if rec.Settings == "" {
		rec.Settings = "{}"
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO configs (tenant, config_key, settings, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant, config_key)
		DO UPDATE SET settings = excluded.settings, updated_at = excluded.updated_at
	`, rec.Tenant, rec.Key, rec.Settings, formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	s.logger.Debug("stored config override", "tenant", rec.Tenant, "key", rec.Key)
	return nil
}

// UpsertUser records a user, refreshing display name and roles. Token counts are untouched.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *User) error {
	now := s.now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (tenant, user_id, display_name, roles, token_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (tenant, user_id)
		DO UPDATE SET display_name = excluded.display_name, roles = excluded.roles, updated_at = excluded.updated_at
	`,
		user.Tenant,
		user.ID,
		user.DisplayName,
		strings.Join(user.Roles, ","),
		formatTime(user.CreatedAt),
		formatTime(user.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// GetUser returns a tenant user. Returns ErrNotFound if the user was never recorded.
func (s *SQLiteStore) GetUser(ctx context.Context, tenant, userID string) (*User, error) {
	var user User
	var roles, createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT tenant, user_id, display_name, roles, token_count, created_at, updated_at
		FROM users WHERE tenant = ? AND user_id = ?
	`, tenant, userID).Scan(
		&user.Tenant,
		&user.ID,
		&user.DisplayName,
		&roles,
		&user.TokenCount,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	if roles != "" {
		user.Roles = strings.Split(roles, ",")
	}
	user.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	user.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &user, nil
}

// IncrementUserTokenCount atomically adds tokens to a user's counter,
// creating the user row if it does not exist yet.
func (s *SQLiteStore) IncrementUserTokenCount(ctx context.Context, tenant, userID string, tokens int64) error {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (tenant, user_id, token_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant, user_id)
		DO UPDATE SET token_count = token_count + excluded.token_count, updated_at = excluded.updated_at
	`, tenant, userID, tokens, now, now)
	if err != nil {
		return fmt.Errorf("incrementing token count: %w", err)
	}
	return nil
}
