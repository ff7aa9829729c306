// ABOUTME: Conversation service routes turns to backend adapters and owns history writes
// ABOUTME: History is scoped by tenant and user; replies reach the store through one path

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/2389/coursechat-gateway/internal/backend"
	"github.com/2389/coursechat-gateway/internal/dedupe"
	"github.com/2389/coursechat-gateway/internal/normalize"
	"github.com/2389/coursechat-gateway/internal/store"
	"github.com/2389/coursechat-gateway/internal/tenant"
)

// Completer runs one non-streaming completion with explicit parameters.
type Completer interface {
	Complete(ctx context.Context, eff *tenant.Effective, messages []backend.ChatMessage, opts backend.CompletionOptions) (*backend.SingleShot, error)
}

// Adapters holds one adapter per backend kind.
type Adapters struct {
	Completion backend.Adapter
	Search     backend.Adapter
	Dialogue   backend.Adapter
}

// Options tunes history behavior.
type Options struct {
	// Replays suppresses identical reply writes inside its TTL. Nil disables suppression.
	Replays *dedupe.Cache

	// PersistReplies stores the assembled reply when a history turn completes.
	PersistReplies bool

	// DeleteConcurrency bounds parallel deletes in DeleteAll. Zero means 4.
	DeleteConcurrency int
}

// Service is the single entry point for turns and history operations.
type Service struct {
	history  store.HistoryStore
	adapters Adapters
	titler   Completer
	opts     Options
	logger   *slog.Logger
}

// New creates a conversation service. titler may be nil, in which case
// titles always fall back to the last message.
func New(history store.HistoryStore, adapters Adapters, titler Completer, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DeleteConcurrency <= 0 {
		opts.DeleteConcurrency = 4
	}
	return &Service{
		history:  history,
		adapters: adapters,
		titler:   titler,
		opts:     opts,
		logger:   logger.With("component", "conversation"),
	}
}

// TurnRequest is one caller turn with its resolved configuration.
type TurnRequest struct {
	Tenant   string
	UserID   string
	Messages []backend.ChatMessage
	Config   *tenant.Effective

	// ConversationID links the turn to stored history. Set by Generate.
	ConversationID string

	DirectoryToken string
	Dialogue       backend.DialogueSession
}

// Converse runs a turn without touching history.
func (s *Service) Converse(ctx context.Context, req *TurnRequest) (*Turn, error) {
	if req.Config == nil {
		return nil, errors.New("converse: no effective configuration")
	}
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}
	return s.startTurn(ctx, req, normalize.HistoryMetadata{}, false)
}

// Generate stores the caller's newest message and runs a turn against it.
// Without a conversation id a new conversation is created with a generated
// title. When the tenant has history disabled it behaves like Converse.
func (s *Service) Generate(ctx context.Context, req *TurnRequest) (*Turn, error) {
	if req.Config == nil {
		return nil, errors.New("generate: no effective configuration")
	}
	if !req.Config.HistoryEnabled() {
		return s.Converse(ctx, req)
	}

	if len(req.Messages) == 0 || req.Messages[len(req.Messages)-1].Role != store.RoleUser {
		return nil, ErrNoUserMessage
	}
	last := req.Messages[len(req.Messages)-1]

	var meta normalize.HistoryMetadata
	if req.ConversationID == "" {
		title := s.GenerateTitle(ctx, req.Config, req.Messages)
		conv := &store.Conversation{Tenant: req.Tenant, UserID: req.UserID, Title: title}
		if err := s.history.CreateConversation(ctx, conv); err != nil {
			return nil, &StoreError{Op: "creating conversation", Err: err}
		}
		req.ConversationID = conv.ID
		meta.Title = conv.Title
		meta.Date = conv.CreatedAt.UTC().Format(time.RFC3339)

		s.logger.Info("created conversation",
			"tenant", req.Tenant,
			"user_id", req.UserID,
			"conversation_id", conv.ID,
		)
	} else if _, err := s.conversation(ctx, req.Tenant, req.UserID, req.ConversationID); err != nil {
		return nil, err
	}
	meta.ConversationID = req.ConversationID

	msg := &store.Message{
		Tenant:         req.Tenant,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Role:           store.RoleUser,
		Content:        last.Content,
	}
	if err := s.history.CreateMessage(ctx, msg); err != nil {
		return nil, &StoreError{Op: "saving user message", Err: err}
	}
	s.touch(ctx, req.Tenant, req.UserID, req.ConversationID)

	return s.startTurn(ctx, req, meta, s.opts.PersistReplies)
}

func (s *Service) startTurn(ctx context.Context, req *TurnRequest, meta normalize.HistoryMetadata, persist bool) (*Turn, error) {
	turn := &Turn{
		svc:     s,
		req:     req,
		persist: persist,
		state:   StateRouting,
	}

	kind := req.Config.Backend()
	turn.kind = kind
	adapter := s.adapterFor(kind)
	if adapter == nil {
		turn.state = StateFailed
		return nil, &BackendError{Backend: kind.String(), Err: backend.ErrNotConfigured}
	}

	turn.state = StateAdapting
	resp, err := adapter.Converse(ctx, &backend.Request{
		Tenant:         req.Tenant,
		UserID:         req.UserID,
		Messages:       req.Messages,
		Config:         req.Config,
		DirectoryToken: req.DirectoryToken,
		Dialogue:       req.Dialogue,
	})
	if err != nil {
		turn.state = StateFailed
		s.logger.Error("backend call failed",
			"tenant", req.Tenant,
			"user_id", req.UserID,
			"conversation_id", req.ConversationID,
			"backend", kind.String(),
			"error", err,
		)
		if errors.Is(err, backend.ErrNoUserMessage) {
			return nil, ErrNoUserMessage
		}
		return nil, &BackendError{Backend: kind.String(), Err: err}
	}

	turn.state = StateNormalizing
	seq, err := normalize.Normalize(resp)
	if err != nil {
		turn.state = StateFailed
		return nil, &BackendError{Backend: kind.String(), Err: err}
	}
	_, turn.streaming = resp.(*backend.DeltaStream)
	turn.seq = seq
	turn.acc = normalize.NewAccumulator(meta)

	s.logger.Debug("turn started",
		"tenant", req.Tenant,
		"user_id", req.UserID,
		"backend", kind.String(),
		"streaming", turn.streaming,
	)
	return turn, nil
}

func (s *Service) adapterFor(kind tenant.BackendKind) backend.Adapter {
	switch kind {
	case tenant.BackendDialogue:
		return s.adapters.Dialogue
	case tenant.BackendSearch:
		return s.adapters.Search
	default:
		return s.adapters.Completion
	}
}

// UpdateRequest carries a client-assembled reply to store.
type UpdateRequest struct {
	Tenant         string
	UserID         string
	ConversationID string
	Messages       []backend.ChatMessage
}

// Update stores the final assistant message, preceded by its grounding tool
// message when the caller sent one. It reports whether the write was
// suppressed as a replay.
func (s *Service) Update(ctx context.Context, req *UpdateRequest) (bool, error) {
	if req.ConversationID == "" {
		return false, ErrNoConversationID
	}
	n := len(req.Messages)
	if n == 0 || req.Messages[n-1].Role != store.RoleAssistant {
		return false, ErrNoBotMessage
	}

	var tool *backend.ChatMessage
	position := n - 1
	if n > 1 && req.Messages[n-2].Role == store.RoleTool {
		tool = &req.Messages[n-2]
		position--
	}
	return s.recordReply(ctx, req.Tenant, req.UserID, req.ConversationID, position, tool, req.Messages[n-1])
}

// recordReply writes tool then assistant and bumps the conversation. position
// is the number of transcript messages that precede the reply; an identical
// reply at the same position inside the replay window is skipped.
func (s *Service) recordReply(ctx context.Context, tenantID, userID, conversationID string, position int, tool *backend.ChatMessage, reply backend.ChatMessage) (bool, error) {
	toolContent := ""
	if tool != nil {
		toolContent = tool.Content
	}
	fp := dedupe.Fingerprint(tenantID, userID, conversationID, strconv.Itoa(position), toolContent, reply.Content)
	if s.opts.Replays != nil && s.opts.Replays.Seen(fp) {
		s.logger.Debug("suppressed replayed reply", "tenant", tenantID, "user_id", userID, "conversation_id", conversationID)
		return true, nil
	}

	err := s.writeReply(ctx, tenantID, userID, conversationID, tool, reply)
	if err != nil && s.opts.Replays != nil {
		s.opts.Replays.Forget(fp)
	}
	return false, err
}

func (s *Service) writeReply(ctx context.Context, tenantID, userID, conversationID string, tool *backend.ChatMessage, reply backend.ChatMessage) error {
	if _, err := s.conversation(ctx, tenantID, userID, conversationID); err != nil {
		return err
	}

	if tool != nil {
		if err := s.history.CreateMessage(ctx, &store.Message{
			Tenant:         tenantID,
			UserID:         userID,
			ConversationID: conversationID,
			Role:           store.RoleTool,
			Content:        tool.Content,
		}); err != nil {
			return &StoreError{Op: "saving tool message", Err: err}
		}
	}

	if err := s.history.CreateMessage(ctx, &store.Message{
		Tenant:         tenantID,
		UserID:         userID,
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        reply.Content,
	}); err != nil {
		return &StoreError{Op: "saving assistant message", Err: err}
	}

	s.touch(ctx, tenantID, userID, conversationID)
	return nil
}

// conversation loads a conversation, mapping absence to a NotFoundError.
func (s *Service) conversation(ctx context.Context, tenantID, userID, conversationID string) (*store.Conversation, error) {
	conv, err := s.history.GetConversation(ctx, tenantID, userID, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, conversationNotFound(conversationID)
	}
	if err != nil {
		return nil, &StoreError{Op: "loading conversation", Err: err}
	}
	return conv, nil
}

// touch bumps updated_at so the conversation sorts as recent. Failures are logged.
func (s *Service) touch(ctx context.Context, tenantID, userID, conversationID string) {
	conv, err := s.history.GetConversation(ctx, tenantID, userID, conversationID)
	if err == nil {
		conv.UpdatedAt = time.Time{}
		err = s.history.UpsertConversation(ctx, conv)
	}
	if err != nil {
		s.logger.Warn("failed to update conversation timestamp",
			"tenant", tenantID,
			"user_id", userID,
			"conversation_id", conversationID,
			"error", fmt.Errorf("touching conversation: %w", err),
		)
	}
}
