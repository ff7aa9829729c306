// ABOUTME: Typed error taxonomy for turns and history operations
// ABOUTME: Each type maps to one HTTP status at the route boundary

package conversation

import (
	"fmt"
)

// ConfigurationError is a caller input fault. Surfaced as 400.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

// Caller input faults with fixed wire messages.
var (
	ErrNoUserMessage          = &ConfigurationError{Msg: "No user message found"}
	ErrNoBotMessage           = &ConfigurationError{Msg: "No bot messages found"}
	ErrNoConversationID       = &ConfigurationError{Msg: "No conversation_id found"}
	ErrConversationIDRequired = &ConfigurationError{Msg: "conversation_id is required"}
	ErrTitleRequired          = &ConfigurationError{Msg: "title is required"}
	ErrNoMessages             = &ConfigurationError{Msg: "messages are required"}
)

// NotFoundError is a missing or foreign resource. Surfaced as 404.
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }

func conversationNotFound(id string) *NotFoundError {
	return &NotFoundError{Msg: fmt.Sprintf(
		"Conversation %s was not found. It either does not exist or the logged in user does not have access to it.", id)}
}

func noConversations(userID string) *NotFoundError {
	return &NotFoundError{Msg: fmt.Sprintf("No conversations for %s were found", userID)}
}

// BackendError is a failed or malformed remote call. Surfaced as 500.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// StoreError is a failed persistence operation. Surfaced as 500 with Message
// when set, otherwise with a generic text.
type StoreError struct {
	Op      string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// PublicMessage is the text returned to callers.
func (e *StoreError) PublicMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return "Chat history operation failed"
}

// PartialDeletionError reports a bulk delete where some conversations could
// not be removed. It is returned alongside the counts, not instead of them.
type PartialDeletionError struct {
	Deleted int
	Failed  int
	Err     error
}

func (e *PartialDeletionError) Error() string {
	return fmt.Sprintf("deleted %d conversations, %d failed: %v", e.Deleted, e.Failed, e.Err)
}

func (e *PartialDeletionError) Unwrap() error { return e.Err }
