// ABOUTME: SQLite message persistence under tenant#user#conversation partitions
// ABOUTME: Append-only messages, chronological replay and read-then-delete clearing

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateMessage appends a message. Empty ID and zero timestamps are filled in.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	if !ValidRole(msg.Role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}

	query := `
		INSERT INTO messages (partition_key, message_id, tenant, user_id, conversation_id, role, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.PartitionKey(),
		msg.ID,
		msg.Tenant,
		msg.UserID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		formatTime(msg.CreatedAt),
		formatTime(msg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "role", msg.Role)
	return nil
}

// ListMessages returns every message of a conversation in chronological order (oldest first).
// Messages written within the same instant keep their insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, tenant, userID, conversationID string) ([]*Message, error) {
	query := `
		SELECT tenant, user_id, conversation_id, message_id, role, content, created_at, updated_at
		FROM messages
		WHERE partition_key = ? AND tenant = ? AND user_id = ? AND conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, ConversationKey(tenant, userID, conversationID), tenant, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr, updatedAtStr string

		if err := rows.Scan(
			&msg.Tenant,
			&msg.UserID,
			&msg.ConversationID,
			&msg.ID,
			&msg.Role,
			&msg.Content,
			&createdAtStr,
			&updatedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		msg.UpdatedAt, err = parseTime(updatedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message updated_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// DeleteAllMessagesInConversation reads the message keys of a conversation and
// deletes them one row at a time. It returns how many rows were deleted before
// any error. The conversation row itself is left in place.
func (s *SQLiteStore) DeleteAllMessagesInConversation(ctx context.Context, tenant, userID, conversationID string) (int, error) {
	partition := ConversationKey(tenant, userID, conversationID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id FROM messages WHERE partition_key = ? AND tenant = ? AND user_id = ? AND conversation_id = ?`,
		partition, tenant, userID, conversationID,
	)
	if err != nil {
		return 0, fmt.Errorf("querying message ids: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning message id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterating message ids: %w", err)
	}
	rows.Close()

	deleted := 0
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE partition_key = ? AND tenant = ? AND user_id = ? AND message_id = ?`,
			partition, tenant, userID, id,
		); err != nil {
			return deleted, fmt.Errorf("deleting message %s: %w", id, err)
		}
		deleted++
	}

	return deleted, nil
}
