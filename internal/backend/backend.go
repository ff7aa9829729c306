// ABOUTME: Backend adapter contract and typed response variants
// ABOUTME: SingleShot, DeltaStream and ActivityReply are validated before normalization

package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coursechat-gateway/internal/tenant"
)

// Adapter errors
var (
	// ErrMalformedResponse is returned when a backend payload does not have the documented shape.
	ErrMalformedResponse = errors.New("malformed backend response")
	// ErrNoReply is returned when the dialogue bot produced no retrievable reply.
	ErrNoReply = errors.New("no reply from bot")
)

// APIError is a non-2xx answer from a remote backend.
type APIError struct {
	Backend string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s api error (%d): %s", e.Backend, e.Status, e.Message)
	}
	return fmt.Sprintf("%s api error: status %d", e.Backend, e.Status)
}

// ChatMessage is one entry of the conversation sent to a backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DialogueSession lets a caller resume a third-party bot conversation
// without issuing a new token.
type DialogueSession struct {
	Token        string
	Conversation string
	Watermark    string
}

// Request is one turn handed to an adapter.
type Request struct {
	Tenant   string
	UserID   string
	Messages []ChatMessage
	Config   *tenant.Effective

	// DirectoryToken is the caller's directory access token used to build
	// search access filters. Empty means no filter.
	DirectoryToken string

	Dialogue DialogueSession
}

// LastUserMessage returns the newest user message, or false if there is none.
func (r *Request) LastUserMessage() (ChatMessage, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i], true
		}
	}
	return ChatMessage{}, false
}

// Response is one of *SingleShot, *DeltaStream or *ActivityReply.
type Response interface {
	isResponse()
}

// Usage reports token consumption of a single-shot completion.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// SingleShot is a complete, non-streamed completion.
type SingleShot struct {
	ID      string
	Model   string
	Object  string
	Created int64

	// Grounding is the retrieval context attached by a search-grounded backend.
	Grounding    string
	HasGrounding bool

	Content string
	Usage   Usage
}

// ActivityReply is the newest bot activity of a dialogue turn plus the
// session handles needed to continue it.
type ActivityReply struct {
	ID        string
	Text      string
	Timestamp int64
	Session   DialogueSession
}

func (*SingleShot) isResponse()    {}
func (*DeltaStream) isResponse()   {}
func (*ActivityReply) isResponse() {}

// Adapter produces an assistant reply for a turn.
type Adapter interface {
	Converse(ctx context.Context, req *Request) (Response, error)
}
