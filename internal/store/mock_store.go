// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory partitions with injectable per-operation failures

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInjected is returned by MockStore operations armed with FailOn.
var ErrInjected = errors.New("injected store failure")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]map[string]*Conversation // partition key -> conversation id
	messages      map[string][]*Message               // conversation partition key
	configs       map[string]*ConfigRecord            // tenant#key
	users         map[string]*User                    // tenant#user
	audit         []AuditEntry
	failures      map[string]error                    // op name -> error
	seq           int64
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]map[string]*Conversation),
		messages:      make(map[string][]*Message),
		configs:       make(map[string]*ConfigRecord),
		users:         make(map[string]*User),
		failures:      make(map[string]error),
	}
}

var _ Store = (*MockStore)(nil)

// FailOn makes every call to the named operation (e.g. "CreateMessage") return err.
// A nil err clears the failure.
func (m *MockStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MockStore) failure(op string) error {
	return m.failures[op]
}

// tick returns strictly increasing timestamps so ordering is deterministic.
func (m *MockStore) tick() time.Time {
	m.seq++
	return time.Unix(1700000000, 0).UTC().Add(time.Duration(m.seq) * time.Millisecond)
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CreateConversation"); err != nil {
		return err
	}

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = m.tick()
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	part := m.conversations[conv.PartitionKey()]
	if part == nil {
		part = make(map[string]*Conversation)
		m.conversations[conv.PartitionKey()] = part
	}
	if _, exists := part[conv.ID]; exists {
		return ErrDuplicateConversation
	}
	c := *conv
	part[c.ID] = &c
	return nil
}

// UpsertConversation creates or updates a conversation.
func (m *MockStore) UpsertConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpsertConversation"); err != nil {
		return err
	}
	if conv.ID == "" {
		return fmt.Errorf("upserting conversation: empty id")
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = m.tick()
	}

	part := m.conversations[conv.PartitionKey()]
	if part == nil {
		part = make(map[string]*Conversation)
		m.conversations[conv.PartitionKey()] = part
	}
	if existing, ok := part[conv.ID]; ok {
		existing.Title = conv.Title
		existing.UpdatedAt = conv.UpdatedAt
		return nil
	}
	c := *conv
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	part[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by its composite key.
func (m *MockStore) GetConversation(ctx context.Context, tenant, userID, conversationID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("GetConversation"); err != nil {
		return nil, err
	}
	c, ok := m.conversations[UserKey(tenant, userID)][conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListConversations lists a user's conversations by updated_at.
func (m *MockStore) ListConversations(ctx context.Context, tenant, userID string, opts ListOptions) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("ListConversations"); err != nil {
		return nil, err
	}

	var out []*Conversation
	for _, c := range m.conversations[UserKey(tenant, userID)] {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if opts.Order == SortAsc {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteConversation removes messages then the conversation row.
func (m *MockStore) DeleteConversation(ctx context.Context, tenant, userID, conversationID string) error {
	if _, err := m.DeleteAllMessagesInConversation(ctx, tenant, userID, conversationID); err != nil {
		return fmt.Errorf("deleting conversation messages: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("DeleteConversation"); err != nil {
		return err
	}
	delete(m.conversations[UserKey(tenant, userID)], conversationID)
	return nil
}

// CreateMessage appends a message.
func (m *MockStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CreateMessage"); err != nil {
		return err
	}
	if !ValidRole(msg.Role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.tick()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	cp := *msg
	m.messages[msg.PartitionKey()] = append(m.messages[msg.PartitionKey()], &cp)
	return nil
}

// ListMessages returns messages oldest first.
func (m *MockStore) ListMessages(ctx context.Context, tenant, userID, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("ListMessages"); err != nil {
		return nil, err
	}
	var out []*Message
	for _, msg := range m.messages[ConversationKey(tenant, userID, conversationID)] {
		cp := *msg
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteAllMessagesInConversation removes a conversation's messages.
func (m *MockStore) DeleteAllMessagesInConversation(ctx context.Context, tenant, userID, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("DeleteAllMessagesInConversation"); err != nil {
		return 0, err
	}
	key := ConversationKey(tenant, userID, conversationID)
	n := len(m.messages[key])
	delete(m.messages, key)
	return n, nil
}

// HealthCheck returns the injected failure, if any.
func (m *MockStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failure("HealthCheck")
}

// GetConfig returns a stored override record.
func (m *MockStore) GetConfig(ctx context.Context, tenant, key string) (*ConfigRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("GetConfig"); err != nil {
		return nil, err
	}
	rec, ok := m.configs[UserKey(tenant, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// SetConfig stores an override record.
func (m *MockStore) SetConfig(ctx context.Context, rec *ConfigRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("SetConfig"); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = m.tick()
	}
	cp := *rec
	m.configs[UserKey(rec.Tenant, rec.Key)] = &cp
	return nil
}

// UpsertUser records a user.
func (m *MockStore) UpsertUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpsertUser"); err != nil {
		return err
	}
	key := UserKey(user.Tenant, user.ID)
	if existing, ok := m.users[key]; ok {
		existing.DisplayName = user.DisplayName
		existing.Roles = append([]string(nil), user.Roles...)
		existing.UpdatedAt = m.tick()
		return nil
	}
	cp := *user
	cp.Roles = append([]string(nil), user.Roles...)
	cp.CreatedAt = m.tick()
	cp.UpdatedAt = cp.CreatedAt
	m.users[key] = &cp
	return nil
}

// GetUser returns a recorded user.
func (m *MockStore) GetUser(ctx context.Context, tenant, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[UserKey(tenant, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// IncrementUserTokenCount adds tokens to a user's counter.
func (m *MockStore) IncrementUserTokenCount(ctx context.Context, tenant, userID string, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("IncrementUserTokenCount"); err != nil {
		return err
	}
	key := UserKey(tenant, userID)
	u, ok := m.users[key]
	if !ok {
		u = &User{Tenant: tenant, ID: userID, CreatedAt: m.tick()}
		m.users[key] = u
	}
	u.TokenCount += tokens
	return nil
}

// AppendAuditLog records an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("AppendAuditLog"); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.tick()
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns a tenant's matching entries, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("ListAuditLog"); err != nil {
		return nil, err
	}
	limit := normalizeAuditLimit(f.Limit)
	out := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.audit[i]
		switch {
		case e.Tenant != f.Tenant:
		case f.Since != nil && e.Timestamp.Before(*f.Since):
		case f.ActorID != nil && e.ActorID != *f.ActorID:
		case f.Action != nil && e.Action != *f.Action:
		default:
			out = append(out, e)
		}
	}
	return out, nil
}

// MessageCount returns how many messages are stored across all partitions whose key starts with prefix.
func (m *MockStore) MessageCount(prefix string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for key, msgs := range m.messages {
		if strings.HasPrefix(key, prefix) {
			n += len(msgs)
		}
	}
	return n
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
