// ABOUTME: HTTP handlers for listing, reading, renaming and deleting conversations
// ABOUTME: Shapes store records into the JSON the chat frontend reads

package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coursechat-gateway/internal/auth"
	"github.com/2389/coursechat-gateway/internal/conversation"
	"github.com/2389/coursechat-gateway/internal/store"
)

type conversationView struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func newConversationView(c *store.Conversation) conversationView {
	return conversationView{
		ID:        c.ID,
		UserID:    c.UserID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type messageView struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

type readResponse struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []messageView `json:"messages"`
}

type messageResponse struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type deleteAllResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Deleted int    `json:"deleted"`
	Failed  int    `json:"failed"`
}

type conversationBody struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	session := auth.MustFromContext(r.Context())

	q := r.URL.Query()
	opts := store.ListOptions{Order: store.ParseSortOrder(q.Get("order"))}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			sendJSONError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		opts.Offset = offset
	}

	convs, err := g.conversation.List(r.Context(), session.Tenant, session.UserID, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	views := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		views = append(views, newConversationView(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (g *Gateway) handleRead(w http.ResponseWriter, r *http.Request) {
	session := auth.MustFromContext(r.Context())

	var body conversationBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	got, err := g.conversation.Read(r.Context(), session.Tenant, session.UserID, body.ConversationID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := readResponse{ConversationID: got.Conversation.ID, Messages: make([]messageView, 0, len(got.Messages))}
	for _, m := range got.Messages {
		resp.Messages = append(resp.Messages, messageView{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleRename(w http.ResponseWriter, r *http.Request) {
	session := auth.MustFromContext(r.Context())

	var body conversationBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	conv, err := g.conversation.Rename(r.Context(), session.Tenant, session.UserID, body.ConversationID, body.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newConversationView(conv))
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	session := auth.MustFromContext(r.Context())

	var body conversationBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	if err := g.conversation.Delete(r.Context(), session.Tenant, session.UserID, body.ConversationID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Message:        "Successfully deleted conversation and messages",
		ConversationID: body.ConversationID,
	})
}

func (g *Gateway) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	session := auth.MustFromContext(r.Context())

	result, err := g.conversation.DeleteAll(r.Context(), session.Tenant, session.UserID)
	if conversation.IsPartialDeletion(err) {
		loggerFrom(r.Context()).Error("bulk delete incomplete",
			"tenant", session.Tenant,
			"user_id", session.UserID,
			"deleted", result.Deleted,
			"failed", result.Failed,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, deleteAllResponse{
			Error:   fmt.Sprintf("Failed to delete %d conversations for user %s", result.Failed, session.UserID),
			Deleted: result.Deleted,
			Failed:  result.Failed,
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, deleteAllResponse{
		Message: fmt.Sprintf("Successfully deleted conversation and messages for user %s", session.UserID),
		Deleted: result.Deleted,
		Failed:  result.Failed,
	})
}

func (g *Gateway) handleClear(w http.ResponseWriter, r *http.Request) {
	session := auth.MustFromContext(r.Context())

	var body conversationBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := g.conversation.Clear(r.Context(), session.Tenant, session.UserID, body.ConversationID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Message:        "Successfully deleted messages in conversation",
		ConversationID: body.ConversationID,
	})
}

func (g *Gateway) handleEnsure(w http.ResponseWriter, r *http.Request) {
	if err := g.conversation.Ensure(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Chat history database is configured and working"})
}
