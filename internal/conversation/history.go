// ABOUTME: History operations over a user's stored conversations
// ABOUTME: List, read, rename, clear, delete one or all, and store health

package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coursechat-gateway/internal/store"
)

// listPageSize is how many conversations DeleteAll reads per page.
const listPageSize = 100

// ConversationMessages is one conversation with its messages, oldest first.
type ConversationMessages struct {
	Conversation *store.Conversation
	Messages     []*store.Message
}

// DeleteAllResult counts the outcome of a bulk delete.
type DeleteAllResult struct {
	Deleted int
	Failed  int
}

// List returns a page of the user's conversations. An empty first page is a NotFoundError.
func (s *Service) List(ctx context.Context, tenantID, userID string, opts store.ListOptions) ([]*store.Conversation, error) {
	convs, err := s.history.ListConversations(ctx, tenantID, userID, opts)
	if err != nil {
		return nil, &StoreError{Op: "listing conversations", Err: err}
	}
	if len(convs) == 0 && opts.Offset == 0 {
		return nil, noConversations(userID)
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	return convs, nil
}

// Read returns a conversation and its messages.
func (s *Service) Read(ctx context.Context, tenantID, userID, conversationID string) (*ConversationMessages, error) {
	if conversationID == "" {
		return nil, ErrConversationIDRequired
	}
	conv, err := s.conversation(ctx, tenantID, userID, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.history.ListMessages(ctx, tenantID, userID, conversationID)
	if err != nil {
		return nil, &StoreError{Op: "listing messages", Err: err}
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	return &ConversationMessages{Conversation: conv, Messages: msgs}, nil
}

// Rename sets a conversation's title and returns the updated conversation.
func (s *Service) Rename(ctx context.Context, tenantID, userID, conversationID, title string) (*store.Conversation, error) {
	if conversationID == "" {
		return nil, ErrConversationIDRequired
	}
	if title == "" {
		return nil, ErrTitleRequired
	}
	conv, err := s.conversation(ctx, tenantID, userID, conversationID)
	if err != nil {
		return nil, err
	}

	conv.Title = title
	conv.UpdatedAt = time.Time{}
	if err := s.history.UpsertConversation(ctx, conv); err != nil {
		return nil, &StoreError{Op: "renaming conversation", Err: err}
	}
	return conv, nil
}

// Clear deletes a conversation's messages and keeps the conversation.
// Clearing an already empty or unknown conversation succeeds.
func (s *Service) Clear(ctx context.Context, tenantID, userID, conversationID string) (int, error) {
	if conversationID == "" {
		return 0, ErrConversationIDRequired
	}
	n, err := s.history.DeleteAllMessagesInConversation(ctx, tenantID, userID, conversationID)
	if err != nil {
		return n, &StoreError{Op: "clearing messages", Err: err}
	}
	s.logger.Info("cleared conversation", "tenant", tenantID, "user_id", userID, "conversation_id", conversationID, "messages", n)
	return n, nil
}

// Delete removes a conversation and its messages. Deleting twice succeeds.
func (s *Service) Delete(ctx context.Context, tenantID, userID, conversationID string) error {
	if conversationID == "" {
		return ErrConversationIDRequired
	}
	if err := s.history.DeleteConversation(ctx, tenantID, userID, conversationID); err != nil {
		return &StoreError{Op: "deleting conversation", Err: err}
	}
	s.logger.Info("deleted conversation", "tenant", tenantID, "user_id", userID, "conversation_id", conversationID)
	return nil
}

// DeleteAll removes every conversation of a user with bounded concurrency.
// Individual failures do not stop the others; when any fail the counts are
// returned together with a *PartialDeletionError.
func (s *Service) DeleteAll(ctx context.Context, tenantID, userID string) (DeleteAllResult, error) {
	var ids []string
	for offset := 0; ; offset += listPageSize {
		page, err := s.history.ListConversations(ctx, tenantID, userID, store.ListOptions{
			Order:  store.SortDesc,
			Limit:  listPageSize,
			Offset: offset,
		})
		if err != nil {
			return DeleteAllResult{}, &StoreError{Op: "listing conversations", Err: err}
		}
		for _, c := range page {
			ids = append(ids, c.ID)
		}
		if len(page) < listPageSize {
			break
		}
	}
	if len(ids) == 0 {
		return DeleteAllResult{}, noConversations(userID)
	}

	var deleted, failed atomic.Int64
	var (
		errOnce  sync.Once
		firstErr error
	)

	var g errgroup.Group
	g.SetLimit(s.opts.DeleteConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.history.DeleteConversation(ctx, tenantID, userID, id); err != nil {
				failed.Add(1)
				errOnce.Do(func() { firstErr = fmt.Errorf("deleting conversation %s: %w", id, err) })
				s.logger.Error("failed to delete conversation",
					"tenant", tenantID,
					"user_id", userID,
					"conversation_id", id,
					"error", err,
				)
				return nil
			}
			deleted.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	result := DeleteAllResult{Deleted: int(deleted.Load()), Failed: int(failed.Load())}
	s.logger.Info("deleted all conversations",
		"tenant", tenantID,
		"user_id", userID,
		"deleted", result.Deleted,
		"failed", result.Failed,
	)
	if result.Failed > 0 {
		return result, &PartialDeletionError{Deleted: result.Deleted, Failed: result.Failed, Err: firstErr}
	}
	return result, nil
}

// Ensure checks the history store is reachable.
func (s *Service) Ensure(ctx context.Context) error {
	if err := s.history.HealthCheck(ctx); err != nil {
		return &StoreError{Op: "health check", Message: "Chat history database is not working", Err: err}
	}
	return nil
}

// IsPartialDeletion reports whether err is a *PartialDeletionError.
func IsPartialDeletion(err error) bool {
	var pd *PartialDeletionError
	return errors.As(err, &pd)
}
