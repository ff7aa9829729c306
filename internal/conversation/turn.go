// ABOUTME: Turn drives one reply from backend events to caller envelopes
// ABOUTME: Tracks the routing-to-done lifecycle and optionally stores the finished reply

package conversation

import (
	"context"
	"errors"
	"io"

	"github.com/2389/coursechat-gateway/internal/backend"
	"github.com/2389/coursechat-gateway/internal/normalize"
	"github.com/2389/coursechat-gateway/internal/tenant"
)

// State is a turn's lifecycle position.
type State int

const (
	StateRouting State = iota
	StateAdapting
	StateNormalizing
	StatePersisting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRouting:
		return "routing"
	case StateAdapting:
		return "adapting"
	case StateNormalizing:
		return "normalizing"
	case StatePersisting:
		return "persisting"
	case StateDone:
		return "done"
	default:
		return "failed"
	}
}

// Turn yields reply envelopes for one caller turn. It is owned by a single
// goroutine and must be closed.
type Turn struct {
	svc       *Service
	req       *TurnRequest
	kind      tenant.BackendKind
	seq       normalize.Sequence
	acc       *normalize.Accumulator
	streaming bool
	persist   bool
	state     State
}

// Streaming reports whether the backend answered incrementally.
func (t *Turn) Streaming() bool { return t.streaming }

// State returns the current lifecycle state.
func (t *Turn) State() State { return t.state }

// Backend names the adapter that answered.
func (t *Turn) Backend() string { return t.kind.String() }

// Next returns the next growing snapshot. It returns io.EOF once the reply
// is complete; any other error is a *BackendError and ends the turn.
func (t *Turn) Next(ctx context.Context) (normalize.Envelope, error) {
	if t.state == StateDone || t.state == StateFailed {
		return normalize.Envelope{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		t.abandon()
		return normalize.Envelope{}, err
	}

	ev, err := t.seq.Next()
	if errors.Is(err, io.EOF) {
		t.finish(ctx)
		return normalize.Envelope{}, io.EOF
	}
	if err != nil {
		t.abandon()
		if ctx.Err() != nil {
			return normalize.Envelope{}, ctx.Err()
		}
		t.svc.logger.Error("reading backend stream",
			"tenant", t.req.Tenant,
			"user_id", t.req.UserID,
			"backend", t.kind.String(),
			"error", err,
		)
		return normalize.Envelope{}, &BackendError{Backend: t.kind.String(), Err: err}
	}

	if ev.Error != "" {
		t.svc.logger.Warn("backend reported error in stream",
			"tenant", t.req.Tenant,
			"user_id", t.req.UserID,
			"backend", t.kind.String(),
			"backend_error", ev.Error,
		)
	}
	return t.acc.Apply(ev), nil
}

// Collect drains the turn and returns the final snapshot.
func (t *Turn) Collect(ctx context.Context) (normalize.Envelope, error) {
	var last normalize.Envelope
	for {
		env, err := t.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return normalize.Envelope{}, err
		}
		if env.Error != "" {
			last = env
		}
	}
	if final, ok := t.acc.Final(); ok {
		if last.Error != "" && final.Error == "" {
			final.Error = last.Error
		}
		return final, nil
	}
	return last, nil
}

// Close releases the backend connection. A turn closed before completion is
// abandoned and nothing is stored.
func (t *Turn) Close() error {
	if t.state != StateDone {
		t.state = StateFailed
	}
	return t.seq.Close()
}

func (t *Turn) abandon() {
	t.state = StateFailed
	_ = t.seq.Close()
}

// finish stores the assembled reply when the turn is linked to a conversation
// and persistence is on. Storage failures are logged; the reply already reached the caller.
func (t *Turn) finish(ctx context.Context) {
	defer func() { t.state = StateDone }()

	if !t.persist || t.req.ConversationID == "" {
		return
	}
	final, ok := t.acc.Final()
	if !ok || len(final.Choices) == 0 {
		return
	}

	var tool *backend.ChatMessage
	var reply backend.ChatMessage
	for _, f := range final.Choices[0].Messages {
		switch f.Role {
		case normalize.RoleTool:
			tool = &backend.ChatMessage{Role: f.Role, Content: f.Content}
		case normalize.RoleAssistant:
			reply = backend.ChatMessage{Role: f.Role, Content: f.Content}
		}
	}
	if reply.Content == "" {
		return
	}

	t.state = StatePersisting
	if _, err := t.svc.recordReply(ctx, t.req.Tenant, t.req.UserID, t.req.ConversationID, len(t.req.Messages), tool, reply); err != nil {
		t.svc.logger.Error("failed to store reply",
			"tenant", t.req.Tenant,
			"user_id", t.req.UserID,
			"conversation_id", t.req.ConversationID,
			"error", err,
		)
	}
}
