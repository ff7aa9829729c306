// ABOUTME: Store interface and data types for coursechat-gateway history persistence
// ABOUTME: Defines Conversation, Message, ConfigRecord, User and composite partition keys

package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation id is reused under the same partition
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrInvalidRole is returned when a message role is not user, assistant or tool
var ErrInvalidRole = errors.New("invalid message role")

// keySeparator joins the parts of a composite partition key.
const keySeparator = "#"

// keyEscaper escapes the separator inside a key part so that distinct
// (tenant, user, conversation) tuples never share a partition key.
var keyEscaper = strings.NewReplacer(`\`, `\\`, keySeparator, `\`+keySeparator)

func joinKey(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = keyEscaper.Replace(p)
	}
	return strings.Join(escaped, keySeparator)
}

// UserKey is the composite partition key for a user's conversations.
func UserKey(tenant, userID string) string {
	return joinKey(tenant, userID)
}

// ConversationKey is the composite partition key for a conversation's messages.
func ConversationKey(tenant, userID, conversationID string) string {
	return joinKey(tenant, userID, conversationID)
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ValidRole reports whether role may be stored on a message.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// SortOrder selects chronological listing direction.
type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// ParseSortOrder maps "asc"/"desc" (any case) to a SortOrder, defaulting to descending.
func ParseSortOrder(s string) SortOrder {
	if strings.EqualFold(s, "asc") {
		return SortAsc
	}
	return SortDesc
}

// Conversation is a thread of turns owned by one user within one tenant
type Conversation struct {
	Tenant    string
	UserID    string
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PartitionKey returns the tenant#user key the conversation is stored under.
func (c *Conversation) PartitionKey() string {
	return UserKey(c.Tenant, c.UserID)
}

// Message is one user, assistant or tool turn inside a conversation
type Message struct {
	Tenant         string
	UserID         string
	ConversationID string
	ID             string
	Role           string
	Content        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PartitionKey returns the tenant#user#conversation key the message is stored under.
func (m *Message) PartitionKey() string {
	return ConversationKey(m.Tenant, m.UserID, m.ConversationID)
}

// ConfigRecord is a tenant-published (Key == "default") or per-user override.
// Settings holds the JSON-encoded override fields.
type ConfigRecord struct {
	Tenant    string
	Key       string
	Settings  string
	UpdatedAt time.Time
}

// User tracks a tenant member and their accumulated token usage
type User struct {
	Tenant      string
	ID          string
	DisplayName string
	Roles       []string
	TokenCount  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ListOptions pages a conversation listing. Zero Limit means the store default.
type ListOptions struct {
	Order  SortOrder
	Limit  int
	Offset int
}

// HistoryStore defines conversation and message persistence, scoped by tenant and user.
type HistoryStore interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	UpsertConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, tenant, userID, conversationID string) (*Conversation, error)
	ListConversations(ctx context.Context, tenant, userID string, opts ListOptions) ([]*Conversation, error)
	DeleteConversation(ctx context.Context, tenant, userID, conversationID string) error

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, tenant, userID, conversationID string) ([]*Message, error)
	DeleteAllMessagesInConversation(ctx context.Context, tenant, userID, conversationID string) (int, error)

	HealthCheck(ctx context.Context) error
}

// ConfigStore persists the published and personal configuration tiers.
type ConfigStore interface {
	GetConfig(ctx context.Context, tenant, key string) (*ConfigRecord, error)
	SetConfig(ctx context.Context, rec *ConfigRecord) error
}

// UserStore tracks users and their token usage.
type UserStore interface {
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, tenant, userID string) (*User, error)
	IncrementUserTokenCount(ctx context.Context, tenant, userID string, tokens int64) error
}

// AuditStore records configuration changes.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	HistoryStore
	ConfigStore
	UserStore
	AuditStore

	// Close releases any resources held by the store
	Close() error
}
