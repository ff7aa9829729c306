// ABOUTME: Tests for the DirectLine dialogue adapter
// ABOUTME: Simulates the token endpoint and bot platform with an httptest server

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coursechat-gateway/internal/config"
	"github.com/2389/coursechat-gateway/internal/tenant"
)

type fakeBot struct {
	mu          sync.Mutex
	tokenCalls  int
	polls       int
	replyAfter  int
	posted      []string
	failPost    bool
	neverAnswer bool

	// expired is a token the platform rejects until it is refreshed.
	expired       string
	refreshCalls  int
	refuseRefresh bool
}

func (b *fakeBot) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /token", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.tokenCalls++
		b.mu.Unlock()
		_, _ = io.WriteString(w, `{"token":"dl-token","conversationId":"conv-1"}`)
	})
	mux.HandleFunc("POST /v3/directline/tokens/refresh", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.refreshCalls++
		b.mu.Unlock()
		if b.refuseRefresh {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"error":{"code":"TokenExpired","message":"Token expired"}}`)
			return
		}
		assert.Equal(t, "Bearer "+b.expired, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"token":"dl-token","conversationId":"conv-1"}`)
	})
	mux.HandleFunc("POST /v3/directline/conversations", func(w http.ResponseWriter, r *http.Request) {
		if b.expired != "" && r.Header.Get("Authorization") == "Bearer "+b.expired {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"error":{"code":"TokenExpired","message":"Token expired"}}`)
			return
		}
		assert.Equal(t, "Bearer dl-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"conversationId":"conv-1"}`)
	})
	mux.HandleFunc("POST /v3/directline/conversations/{id}/activities", func(w http.ResponseWriter, r *http.Request) {
		if b.failPost {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var act activity
		require.NoError(t, json.NewDecoder(r.Body).Decode(&act))
		assert.Equal(t, "conv-1", r.PathValue("id"))
		assert.Equal(t, "message", act.Type)
		assert.Equal(t, "en-EN", act.Locale)
		assert.Equal(t, "user1", act.From.ID)

		b.mu.Lock()
		b.posted = append(b.posted, act.Text)
		b.mu.Unlock()
		_, _ = io.WriteString(w, `{"id":"conv-1|0001"}`)
	})
	mux.HandleFunc("GET /v3/directline/conversations/{id}/activities", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.polls++
		polls := b.polls
		b.mu.Unlock()

		acts := []string{
			`{"id":"conv-1|0000","type":"message","from":{"id":"bot"},"text":"Welcome!"}`,
			`{"id":"conv-1|0001","type":"message","from":{"id":"user1"},"text":"hi"}`,
		}
		if !b.neverAnswer && polls > b.replyAfter {
			acts = append(acts, `{"id":"conv-1|0002","type":"message","timestamp":"2026-01-02T03:04:05Z","from":{"id":"bot"},"text":"Hello from the bot"}`)
		}
		_, _ = fmt.Fprintf(w, `{"activities":[%s],"watermark":"%d"}`, joinJSON(acts), len(acts))
	})
	return httptest.NewServer(mux)
}

func joinJSON(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func dialogueRequest(botURL string) *Request {
	return &Request{
		Tenant:   "math101",
		UserID:   "alice",
		Messages: []ChatMessage{{Role: "assistant", Content: "earlier"}, {Role: "user", Content: "hi"}},
		Config:   &tenant.Effective{BotEndpoint: botURL + "/token"},
	}
}

func newTestDialogue(baseURL string) *DialogueAdapter {
	return NewDialogueAdapter(config.DirectLineConfig{
		BaseURL:      baseURL + "/v3/directline",
		PollAttempts: 5,
		PollInterval: time.Millisecond,
	}, time.Second, nil)
}

func TestDialogueAdapter_Converse(t *testing.T) {
	bot := &fakeBot{replyAfter: 2}
	srv := bot.server(t)
	defer srv.Close()

	resp, err := newTestDialogue(srv.URL).Converse(context.Background(), dialogueRequest(srv.URL))
	require.NoError(t, err)

	reply, ok := resp.(*ActivityReply)
	require.True(t, ok, "want *ActivityReply, got %T", resp)
	assert.Equal(t, "Hello from the bot", reply.Text)
	assert.Equal(t, "conv-1|0002", reply.ID)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Unix(), reply.Timestamp)
	assert.Equal(t, DialogueSession{Token: "dl-token", Conversation: "conv-1", Watermark: "3"}, reply.Session)

	assert.Equal(t, []string{"hi"}, bot.posted)
	assert.Equal(t, 3, bot.polls)
	assert.Equal(t, 1, bot.tokenCalls)
}

func TestDialogueAdapter_RefreshesExpiredSession(t *testing.T) {
	bot := &fakeBot{expired: "old-token"}
	srv := bot.server(t)
	defer srv.Close()

	req := dialogueRequest(srv.URL)
	req.Dialogue = DialogueSession{Token: "old-token", Conversation: "conv-1", Watermark: "1"}

	resp, err := newTestDialogue(srv.URL).Converse(context.Background(), req)
	require.NoError(t, err)

	reply := resp.(*ActivityReply)
	assert.Equal(t, "dl-token", reply.Session.Token, "the refreshed token is handed back to the caller")
	assert.Equal(t, "conv-1", reply.Session.Conversation)
	assert.Equal(t, 1, bot.refreshCalls)
	assert.Zero(t, bot.tokenCalls)
	assert.Equal(t, []string{"hi"}, bot.posted)
}

func TestDialogueAdapter_RefreshFailureFailsTurn(t *testing.T) {
	bot := &fakeBot{expired: "old-token", refuseRefresh: true}
	srv := bot.server(t)
	defer srv.Close()

	req := dialogueRequest(srv.URL)
	req.Dialogue = DialogueSession{Token: "old-token", Conversation: "conv-1"}

	_, err := newTestDialogue(srv.URL).Converse(context.Background(), req)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, 1, bot.refreshCalls)
	assert.Empty(t, bot.posted)
}

func TestDialogueAdapter_ReusesSession(t *testing.T) {
	bot := &fakeBot{}
	srv := bot.server(t)
	defer srv.Close()

	req := dialogueRequest(srv.URL)
	req.Dialogue = DialogueSession{Token: "dl-token", Conversation: "conv-1"}

	_, err := newTestDialogue(srv.URL).Converse(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, bot.tokenCalls)
}

func TestDialogueAdapter_Failures(t *testing.T) {
	t.Run("post fails", func(t *testing.T) {
		bot := &fakeBot{failPost: true}
		srv := bot.server(t)
		defer srv.Close()

		_, err := newTestDialogue(srv.URL).Converse(context.Background(), dialogueRequest(srv.URL))
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	})

	t.Run("no reply", func(t *testing.T) {
		bot := &fakeBot{neverAnswer: true}
		srv := bot.server(t)
		defer srv.Close()

		_, err := newTestDialogue(srv.URL).Converse(context.Background(), dialogueRequest(srv.URL))
		assert.ErrorIs(t, err, ErrNoReply)
		assert.Equal(t, 5, bot.polls)
	})

	t.Run("token endpoint down", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := newTestDialogue(srv.URL).Converse(context.Background(), dialogueRequest(srv.URL))
		var apiErr *APIError
		assert.ErrorAs(t, err, &apiErr)
	})

	t.Run("no user message", func(t *testing.T) {
		req := dialogueRequest("http://unused")
		req.Messages = []ChatMessage{{Role: "assistant", Content: "x"}}
		_, err := newTestDialogue("http://unused").Converse(context.Background(), req)
		assert.ErrorIs(t, err, ErrNoUserMessage)
	})
}

func TestNewestReply(t *testing.T) {
	acts := []activity{
		{ID: "a", Type: "message", Text: "greeting"},
		{ID: "b", Type: "message", Text: "question"},
		{ID: "c", Type: "typing"},
	}
	acts[0].From.ID = "bot"
	acts[1].From.ID = "user1"
	acts[2].From.ID = "bot"

	_, ok := newestReply(acts, "b")
	assert.False(t, ok, "greeting before the posted activity is not a reply")

	got, ok := newestReply(acts, "")
	require.True(t, ok)
	assert.Equal(t, "greeting", got.Text)
}
