// ABOUTME: Third-party dialogue adapter over the Bot Framework DirectLine API
// ABOUTME: Issues or reuses a session token, posts the user turn and polls for the bot reply

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/coursechat-gateway/internal/config"
)

const (
	dialogueBackend = "directline"
	dialogueUserID  = "user1"
)

// ErrNoUserMessage is returned when a dialogue turn has nothing to send.
var ErrNoUserMessage = errors.New("no user message found")

// DialogueAdapter delegates the whole reply to an external bot.
type DialogueAdapter struct {
	cfg        config.DirectLineConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDialogueAdapter creates a DirectLine adapter.
func NewDialogueAdapter(cfg config.DirectLineConfig, timeout time.Duration, logger *slog.Logger) *DialogueAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DialogueAdapter{
		cfg:        cfg,
		httpClient: newHTTPClient(timeout),
		logger:     logger.With("component", "directline"),
	}
}

type dialogueToken struct {
	Token          string `json:"token"`
	ConversationID string `json:"conversationId"`
}

type activity struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Locale    string `json:"locale,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	From      struct {
		ID string `json:"id"`
	} `json:"from"`
	Text string `json:"text"`
}

type activitySet struct {
	Activities []activity `json:"activities"`
	Watermark  string     `json:"watermark"`
}

// Converse posts the newest user message and waits for the bot's answer.
// Any failing step fails the turn; the caller resends.
func (a *DialogueAdapter) Converse(ctx context.Context, req *Request) (Response, error) {
	msg, ok := req.LastUserMessage()
	if !ok {
		return nil, ErrNoUserMessage
	}

	session := req.Dialogue
	resumed := session.Token != "" && session.Conversation != ""
	if !resumed {
		if req.Config.BotEndpoint == "" {
			return nil, fmt.Errorf("%w: no bot endpoint", ErrNotConfigured)
		}
		tok, err := a.issueToken(ctx, req.Config.BotEndpoint)
		if err != nil {
			return nil, err
		}
		session = DialogueSession{Token: tok.Token, Conversation: tok.ConversationID}
	}

	conversation, err := a.ensureConversation(ctx, session.Token)
	if resumed && isAuthFailure(err) {
		// A resumed session's token may have expired; refresh it once.
		a.logger.Debug("refreshing dialogue token", "conversation", session.Conversation)
		tok, rerr := a.refreshToken(ctx, session.Token)
		if rerr != nil {
			return nil, rerr
		}
		session.Token = tok.Token
		conversation, err = a.ensureConversation(ctx, session.Token)
	}
	if err != nil {
		return nil, err
	}
	if conversation != "" {
		session.Conversation = conversation
	}

	posted, err := a.postActivity(ctx, session, msg.Content)
	if err != nil {
		return nil, err
	}

	reply, watermark, err := a.awaitReply(ctx, session, posted)
	if err != nil {
		return nil, err
	}
	if watermark != "" {
		session.Watermark = watermark
	}

	out := &ActivityReply{ID: reply.ID, Text: reply.Text, Session: session}
	if ts, err := time.Parse(time.RFC3339Nano, reply.Timestamp); err == nil {
		out.Timestamp = ts.Unix()
	} else {
		out.Timestamp = time.Now().Unix()
	}
	return out, nil
}

func (a *DialogueAdapter) issueToken(ctx context.Context, endpoint string) (*dialogueToken, error) {
	resp, err := doJSON(ctx, a.httpClient, dialogueBackend, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("issuing token: %w", err)
	}
	defer resp.Body.Close()

	var tok dialogueToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("%w: decoding token: %v", ErrMalformedResponse, err)
	}
	if tok.Token == "" {
		return nil, fmt.Errorf("%w: token endpoint returned no token", ErrMalformedResponse)
	}
	return &tok, nil
}

// refreshToken exchanges a still-valid or recently expired token for a new one
// bound to the same conversation.
func (a *DialogueAdapter) refreshToken(ctx context.Context, token string) (*dialogueToken, error) {
	resp, err := doJSON(ctx, a.httpClient, dialogueBackend, http.MethodPost, a.baseURL()+"/tokens/refresh",
		bearer(token), nil)
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	defer resp.Body.Close()

	var tok dialogueToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("%w: decoding refreshed token: %v", ErrMalformedResponse, err)
	}
	if tok.Token == "" {
		return nil, fmt.Errorf("%w: refresh returned no token", ErrMalformedResponse)
	}
	return &tok, nil
}

func isAuthFailure(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
}

// ensureConversation starts or resumes the conversation bound to token and
// returns its id when the platform reports one.
func (a *DialogueAdapter) ensureConversation(ctx context.Context, token string) (string, error) {
	resp, err := doJSON(ctx, a.httpClient, dialogueBackend, http.MethodPost, a.baseURL()+"/conversations",
		bearer(token), nil)
	if err != nil {
		return "", fmt.Errorf("creating conversation: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		ConversationID string `json:"conversationId"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return body.ConversationID, nil
}

func (a *DialogueAdapter) postActivity(ctx context.Context, session DialogueSession, text string) (string, error) {
	act := activity{Type: "message", Locale: "en-EN", Text: text}
	act.From.ID = dialogueUserID

	resp, err := doJSON(ctx, a.httpClient, dialogueBackend, http.MethodPost, a.activitiesURL(session.Conversation),
		bearer(session.Token), act)
	if err != nil {
		return "", fmt.Errorf("posting activity: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decoding activity id: %v", ErrMalformedResponse, err)
	}
	return body.ID, nil
}

// awaitReply polls the activity set until a bot message newer than the
// posted one appears, or the attempts run out.
func (a *DialogueAdapter) awaitReply(ctx context.Context, session DialogueSession, postedID string) (activity, string, error) {
	attempts := a.cfg.PollAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return activity{}, "", ctx.Err()
			case <-time.After(a.cfg.PollInterval):
			}
		}

		set, err := a.getActivities(ctx, session)
		if err != nil {
			return activity{}, "", err
		}
		if reply, ok := newestReply(set.Activities, postedID); ok {
			return reply, set.Watermark, nil
		}
		a.logger.Debug("bot reply not ready", "attempt", i+1, "conversation", session.Conversation)
	}
	return activity{}, "", ErrNoReply
}

func (a *DialogueAdapter) getActivities(ctx context.Context, session DialogueSession) (*activitySet, error) {
	endpoint := a.activitiesURL(session.Conversation)
	if session.Watermark != "" {
		endpoint += "?watermark=" + url.QueryEscape(session.Watermark)
	}

	resp, err := doJSON(ctx, a.httpClient, dialogueBackend, http.MethodGet, endpoint, bearer(session.Token), nil)
	if err != nil {
		return nil, fmt.Errorf("retrieving activities: %w", err)
	}
	defer resp.Body.Close()

	var set activitySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("%w: decoding activities: %v", ErrMalformedResponse, err)
	}
	return &set, nil
}

// newestReply returns the last bot message after postedID. When postedID is
// not in the set, every activity is a candidate.
func newestReply(activities []activity, postedID string) (activity, bool) {
	start := 0
	for i, act := range activities {
		if postedID != "" && act.ID == postedID {
			start = i + 1
		}
	}
	for i := len(activities) - 1; i >= start; i-- {
		act := activities[i]
		if act.From.ID != dialogueUserID && act.Type == "message" {
			return act, true
		}
	}
	return activity{}, false
}

func (a *DialogueAdapter) baseURL() string {
	return strings.TrimRight(a.cfg.BaseURL, "/")
}

func (a *DialogueAdapter) activitiesURL(conversation string) string {
	return a.baseURL() + "/conversations/" + url.PathEscape(conversation) + "/activities"
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}
