// ABOUTME: Conversation title generation through a short completion call
// ABOUTME: Falls back to the newest message text on any failure

package conversation

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/2389/coursechat-gateway/internal/backend"
	"github.com/2389/coursechat-gateway/internal/tenant"
)

// TitlePrompt asks the model for a short title as JSON.
const TitlePrompt = "Summarize the conversation so far into a 4-word or less title. " +
	"Do not use any quotation marks or punctuation. " +
	`Respond with a json object in the format {"title": string}. ` +
	"Do not include any other commentary or description."

const (
	titleTemperature = 1.0
	titleMaxTokens   = 64
)

// GenerateTitle asks the completion backend to title the conversation.
func (s *Service) GenerateTitle(ctx context.Context, eff *tenant.Effective, messages []backend.ChatMessage) string {
	fallback := ""
	if len(messages) > 0 {
		fallback = messages[len(messages)-1].Content
	}
	if s.titler == nil {
		return fallback
	}

	prompt := make([]backend.ChatMessage, 0, len(messages)+1)
	prompt = append(prompt, messages...)
	prompt = append(prompt, backend.ChatMessage{Role: "user", Content: TitlePrompt})

	temperature := titleTemperature
	maxTokens := titleMaxTokens
	shot, err := s.titler.Complete(ctx, eff, prompt, backend.CompletionOptions{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		s.logger.Warn("title generation failed", "error", err)
		return fallback
	}

	title, ok := parseTitle(shot.Content)
	if !ok {
		s.logger.Debug("title reply was not usable", "content", shot.Content)
		return fallback
	}
	return title
}

// parseTitle extracts the title from a {"title": ...} reply, tolerating a
// fenced code block around it.
func parseTitle(content string) (string, bool) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var out struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &out); err != nil {
		return "", false
	}
	title := strings.TrimSpace(out.Title)
	return title, title != ""
}
