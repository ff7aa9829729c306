// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation CRUD, partition isolation, message ordering and cascading deletion

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_ReopenRunsMigrationsIdempotently(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.HealthCheck(context.Background()))
}

func TestCreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{Tenant: "math101", UserID: "alice", Title: "Derivatives help"}
	require.NoError(t, s.CreateConversation(ctx, conv))
	require.NotEmpty(t, conv.ID)
	assert.False(t, conv.CreatedAt.IsZero())

	got, err := s.GetConversation(ctx, "math101", "alice", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "Derivatives help", got.Title)
	assert.Equal(t, "math101", got.Tenant)
	assert.Equal(t, "alice", got.UserID)
	assert.WithinDuration(t, conv.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestCreateConversation_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{Tenant: "t", UserID: "u", ID: "c1"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	err := s.CreateConversation(ctx, &Conversation{Tenant: "t", UserID: "u", ID: "c1"})
	assert.ErrorIs(t, err, ErrDuplicateConversation)

	// Same id in another partition is a different conversation.
	assert.NoError(t, s.CreateConversation(ctx, &Conversation{Tenant: "t", UserID: "bob", ID: "c1"}))
}

func TestGetConversation_IsolatedByTenantAndUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{Tenant: "math101", UserID: "alice", Title: "mine"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	_, err := s.GetConversation(ctx, "math101", "bob", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetConversation(ctx, "bio200", "alice", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListConversations(ctx, "math101", "bob", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpsertConversation_RenamesAndPreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	conv := &Conversation{Tenant: "t", UserID: "u", Title: "old", CreatedAt: created}
	require.NoError(t, s.CreateConversation(ctx, conv))

	renamed := &Conversation{Tenant: "t", UserID: "u", ID: conv.ID, Title: "new", UpdatedAt: created.Add(time.Hour)}
	require.NoError(t, s.UpsertConversation(ctx, renamed))

	got, err := s.GetConversation(ctx, "t", "u", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Title)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.True(t, got.UpdatedAt.Equal(created.Add(time.Hour)))
}

func TestListConversations_Order(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"first", "second", "third"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateConversation(ctx, &Conversation{
			Tenant: "t", UserID: "u", ID: id, CreatedAt: ts, UpdatedAt: ts,
		}))
	}

	desc, err := s.ListConversations(ctx, "t", "u", ListOptions{})
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, []string{"third", "second", "first"}, ids(desc))

	asc, err := s.ListConversations(ctx, "t", "u", ListOptions{Order: SortAsc})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, ids(asc))

	// Touching the oldest moves it to the front of the descending listing.
	require.NoError(t, s.UpsertConversation(ctx, &Conversation{
		Tenant: "t", UserID: "u", ID: "first", UpdatedAt: base.Add(time.Hour),
	}))
	desc, err = s.ListConversations(ctx, "t", "u", ListOptions{Order: SortDesc, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "third"}, ids(desc))

	paged, err := s.ListConversations(ctx, "t", "u", ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, ids(paged))
}

func ids(convs []*Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestMessages_RoundTripInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{Tenant: "math101", UserID: "alice"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	// Same instant for every message; insertion order must still hold.
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	turns := []struct{ role, content string }{
		{RoleUser, "What is a derivative?"},
		{RoleTool, `{"citations":[]}`},
		{RoleAssistant, "A rate of change."},
	}
	for _, turn := range turns {
		require.NoError(t, s.CreateMessage(ctx, &Message{
			Tenant: "math101", UserID: "alice", ConversationID: conv.ID,
			Role: turn.role, Content: turn.content, CreatedAt: at,
		}))
	}

	msgs, err := s.ListMessages(ctx, "math101", "alice", conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, turn := range turns {
		assert.Equal(t, turn.role, msgs[i].Role)
		assert.Equal(t, turn.content, msgs[i].Content)
		assert.NotEmpty(t, msgs[i].ID)
	}

	other, err := s.ListMessages(ctx, "math101", "bob", conv.ID)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestListMessages_OrderedByCreation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{Tenant: "math101", UserID: "alice"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateMessage(ctx, &Message{
		Tenant: "math101", UserID: "alice", ConversationID: conv.ID,
		Role: RoleAssistant, Content: "second", CreatedAt: at.Add(time.Minute), UpdatedAt: at,
	}))
	require.NoError(t, s.CreateMessage(ctx, &Message{
		Tenant: "math101", UserID: "alice", ConversationID: conv.ID,
		Role: RoleUser, Content: "first", CreatedAt: at, UpdatedAt: at.Add(time.Hour),
	}))

	msgs, err := s.ListMessages(ctx, "math101", "alice", conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
}

func TestPartitions_SeparatorInIDsDoNotCollide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	victim := &Conversation{Tenant: "a#b", UserID: "c", ID: "conv-1", Title: "secret"}
	require.NoError(t, s.CreateConversation(ctx, victim))
	require.NoError(t, s.CreateMessage(ctx, &Message{
		Tenant: "a#b", UserID: "c", ConversationID: "conv-1", Role: RoleUser, Content: "private",
	}))

	list, err := s.ListConversations(ctx, "a", "b#c", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.GetConversation(ctx, "a", "b#c", "conv-1")
	assert.ErrorIs(t, err, ErrNotFound)

	msgs, err := s.ListMessages(ctx, "a", "b#c", "conv-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, s.DeleteConversation(ctx, "a", "b#c", "conv-1"))

	got, err := s.GetConversation(ctx, "a#b", "c", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "secret", got.Title)
	msgs, err = s.ListMessages(ctx, "a#b", "c", "conv-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	// Same-tenant users cannot reach each other through the separator either.
	require.NoError(t, s.CreateConversation(ctx, &Conversation{Tenant: "a", UserID: "b#c", ID: "conv-1"}))
	list, err = s.ListConversations(ctx, "a", "b#c", ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].Tenant)
	assert.Equal(t, "b#c", list[0].UserID)
}

func TestCreateMessage_InvalidRole(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateMessage(context.Background(), &Message{
		Tenant: "t", UserID: "u", ConversationID: "c", Role: "system", Content: "x",
	})
	assert.True(t, errors.Is(err, ErrInvalidRole))
}

func TestDeleteConversation_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{Tenant: "t", UserID: "u"}
	require.NoError(t, s.CreateConversation(ctx, conv))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateMessage(ctx, &Message{
			Tenant: "t", UserID: "u", ConversationID: conv.ID, Role: RoleUser, Content: "hi",
		}))
	}

	require.NoError(t, s.DeleteConversation(ctx, "t", "u", conv.ID))

	_, err := s.GetConversation(ctx, "t", "u", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	msgs, err := s.ListMessages(ctx, "t", "u", conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Idempotent retry.
	assert.NoError(t, s.DeleteConversation(ctx, "t", "u", conv.ID))
}

func TestDeleteConversation_RetryAfterInterruptedCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{Tenant: "t", UserID: "u"}
	require.NoError(t, s.CreateConversation(ctx, conv))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateMessage(ctx, &Message{
			Tenant: "t", UserID: "u", ConversationID: conv.ID, Role: RoleAssistant, Content: "reply",
		}))
	}

	// The first attempt stops after the message step.
	n, err := s.DeleteAllMessagesInConversation(ctx, "t", "u", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = s.GetConversation(ctx, "t", "u", conv.ID)
	require.NoError(t, err, "conversation row survives an interrupted cascade")

	require.NoError(t, s.DeleteConversation(ctx, "t", "u", conv.ID))

	list, err := s.ListConversations(ctx, "t", "u", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
	msgs, err := s.ListMessages(ctx, "t", "u", conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteAllMessages_LeavesOtherConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, conv := range []string{"a", "b"} {
		require.NoError(t, s.CreateMessage(ctx, &Message{
			Tenant: "t", UserID: "u", ConversationID: conv, Role: RoleUser, Content: conv,
		}))
	}

	n, err := s.DeleteAllMessagesInConversation(ctx, "t", "u", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := s.ListMessages(ctx, "t", "u", "b")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestConfigRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetConfig(ctx, "math101", "default")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetConfig(ctx, &ConfigRecord{Tenant: "math101", Key: "default", Settings: `{"model":"m2"}`}))
	require.NoError(t, s.SetConfig(ctx, &ConfigRecord{Tenant: "math101", Key: "prof", Settings: `{"model":"m3"}`}))

	published, err := s.GetConfig(ctx, "math101", "default")
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"m2"}`, published.Settings)

	require.NoError(t, s.SetConfig(ctx, &ConfigRecord{Tenant: "math101", Key: "default", Settings: `{"model":"m4"}`}))
	published, err = s.GetConfig(ctx, "math101", "default")
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"m4"}`, published.Settings)

	personal, err := s.GetConfig(ctx, "math101", "prof")
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"m3"}`, personal.Settings)
}

func TestUsersAndTokenCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, &User{Tenant: "t", ID: "u", DisplayName: "Ada", Roles: []string{"Learner"}}))
	require.NoError(t, s.IncrementUserTokenCount(ctx, "t", "u", 120))
	require.NoError(t, s.IncrementUserTokenCount(ctx, "t", "u", 30))

	// Upsert must not reset the counter.
	require.NoError(t, s.UpsertUser(ctx, &User{Tenant: "t", ID: "u", DisplayName: "Ada L.", Roles: []string{"Learner", "Mentor"}}))

	u, err := s.GetUser(ctx, "t", "u")
	require.NoError(t, err)
	assert.Equal(t, int64(150), u.TokenCount)
	assert.Equal(t, "Ada L.", u.DisplayName)
	assert.Equal(t, []string{"Learner", "Mentor"}, u.Roles)

	// Incrementing an unknown user creates the row.
	require.NoError(t, s.IncrementUserTokenCount(ctx, "t", "ghost", 7))
	ghost, err := s.GetUser(ctx, "t", "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(7), ghost.TokenCount)

	_, err = s.GetUser(ctx, "t", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHealthCheck_ClosedStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.HealthCheck(context.Background()))

	require.NoError(t, s.Close())
	assert.Error(t, s.HealthCheck(context.Background()))
}

func TestCompositeKeys(t *testing.T) {
	assert.Equal(t, "math101#alice", UserKey("math101", "alice"))
	assert.Equal(t, "math101#alice#c1", ConversationKey("math101", "alice", "c1"))
	assert.NotEqual(t, UserKey("a#b", "c"), UserKey("a", "b#c"))
	assert.NotEqual(t, ConversationKey("a", "b#c", "d"), ConversationKey("a#b", "c", "d"))
	assert.NotEqual(t, UserKey(`a\`, "b"), UserKey("a", `\b`))
	assert.Equal(t, `a\#b#c`, UserKey("a#b", "c"))
	assert.Equal(t, SortAsc, ParseSortOrder("ASC"))
	assert.Equal(t, SortAsc, ParseSortOrder("asc"))
	assert.Equal(t, SortDesc, ParseSortOrder(""))
}
