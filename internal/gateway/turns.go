// ABOUTME: HTTP handlers that run conversation turns
// ABOUTME: Streams NDJSON envelopes for streaming backends and single JSON otherwise

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/2389/coursechat-gateway/internal/auth"
	"github.com/2389/coursechat-gateway/internal/backend"
	"github.com/2389/coursechat-gateway/internal/conversation"
)

// ndjsonContentType is used for streamed turns, one envelope per line.
const ndjsonContentType = "application/x-ndjson"

// turnBody is the request body shared by /conversation and the history routes.
type turnBody struct {
	ConversationID         string                `json:"conversation_id"`
	Messages               []backend.ChatMessage `json:"messages"`
	DirectLineToken        string                `json:"directline_token"`
	DirectLineConversation string                `json:"directline_conversation"`
	DirectLineWatermark    string                `json:"directline_watermark"`
}

type turnStarter func(ctx context.Context, req *conversation.TurnRequest) (*conversation.Turn, error)

func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	g.runTurn(w, r, g.conversation.Converse)
}

func (g *Gateway) handleGenerate(w http.ResponseWriter, r *http.Request) {
	g.runTurn(w, r, g.conversation.Generate)
}

func (g *Gateway) runTurn(w http.ResponseWriter, r *http.Request, start turnStarter) {
	session := auth.MustFromContext(r.Context())
	if !g.allowTurn(w, r, session) {
		return
	}

	var body turnBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	req, err := g.turnRequest(r, session, &body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	turn, err := start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer func() { _ = turn.Close() }()

	if turn.Streaming() {
		g.streamTurn(w, r, turn)
		return
	}

	env, err := turn.Collect(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// turnRequest resolves the caller's configuration and builds the turn input.
func (g *Gateway) turnRequest(r *http.Request, s *auth.Session, body *turnBody) (*conversation.TurnRequest, error) {
	eff, err := g.resolver.Resolve(r.Context(), actor(s))
	if err != nil {
		return nil, &conversation.StoreError{Op: "resolve config", Message: "Failed to load configuration", Err: err}
	}

	var directoryToken string
	if header := g.config.Directory.TokenHeader; header != "" {
		directoryToken = r.Header.Get(header)
	}

	return &conversation.TurnRequest{
		Tenant:         s.Tenant,
		UserID:         s.UserID,
		Messages:       body.Messages,
		Config:         eff,
		ConversationID: body.ConversationID,
		DirectoryToken: directoryToken,
		Dialogue: backend.DialogueSession{
			Token:        body.DirectLineToken,
			Conversation: body.DirectLineConversation,
			Watermark:    body.DirectLineWatermark,
		},
	}, nil
}

// streamTurn writes one envelope per line, flushing after each. Once the
// status line is sent a failure can only be reported in-band.
func (g *Gateway) streamTurn(w http.ResponseWriter, r *http.Request, turn *conversation.Turn) {
	ctx := r.Context()
	logger := loggerFrom(ctx)
	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)

	w.Header().Set("Content-Type", ndjsonContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		env, err := turn.Next(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("client went away mid-stream", "backend", turn.Backend())
				return
			}
			_, msg := statusFor(err)
			logger.Error("turn failed mid-stream", "backend", turn.Backend(), "error", err)
			_ = enc.Encode(map[string]string{"error": msg})
			_ = rc.Flush()
			return
		}
		if err := enc.Encode(env); err != nil {
			logger.Debug("writing stream line failed", "error", err)
			return
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger.Debug("flushing stream failed", "error", err)
			return
		}
	}
}

type updateResponse struct {
	Success bool `json:"success"`
}

func (g *Gateway) handleUpdate(w http.ResponseWriter, r *http.Request) {
	session := auth.MustFromContext(r.Context())

	var body turnBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	suppressed, err := g.conversation.Update(r.Context(), &conversation.UpdateRequest{
		Tenant:         session.Tenant,
		UserID:         session.UserID,
		ConversationID: body.ConversationID,
		Messages:       body.Messages,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if suppressed {
		loggerFrom(r.Context()).Debug("replayed history update suppressed", "conversation_id", body.ConversationID)
	}
	writeJSON(w, http.StatusOK, updateResponse{Success: true})
}
