// ABOUTME: Effective per-request configuration produced by the resolver
// ABOUTME: Carries backend selection, generation parameters and history policy

package tenant

import "strings"

// HistoryMode controls whether turns are persisted.
type HistoryMode string

const (
	HistoryEnabled  HistoryMode = "enabled"
	HistoryDisabled HistoryMode = "disabled"
)

// BackendKind identifies which adapter answers a turn.
type BackendKind int

const (
	BackendCompletion BackendKind = iota
	BackendSearch
	BackendDialogue
)

func (k BackendKind) String() string {
	switch k {
	case BackendDialogue:
		return "dialogue"
	case BackendSearch:
		return "search"
	default:
		return "completion"
	}
}

// Effective is the fully merged, placeholder-substituted configuration for one request.
// It is never mutated after Resolve returns it.
type Effective struct {
	Tenant string `json:"qcontext"`

	Title          string `json:"title"`
	WelcomeMessage string `json:"welcome_message"`
	WelcomeImage   string `json:"welcome_image"`

	Model          string `json:"model"`
	ModelName      string `json:"model_name"`
	OpenAIResource string `json:"openai_resource"`
	APIKey         string `json:"-"`
	SystemMessage  string `json:"system_message"`

	SearchService string `json:"search_service"`
	SearchIndex   string `json:"search_index"`
	SearchKey     string `json:"-"`

	BotEndpoint string `json:"bot_endpoint"`

	HistoryMode   HistoryMode `json:"history_mode"`
	StudentAccess bool        `json:"student_access"`

	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	TopP        float64  `json:"top_p"`
	Stop        []string `json:"stop,omitempty"`
}

// Backend returns the adapter kind for this configuration.
// Precedence is dialogue bot, then grounded search, then plain completion.
func (e *Effective) Backend() BackendKind {
	if e.BotEndpoint != "" {
		return BackendDialogue
	}
	if e.SearchService != "" && e.SearchIndex != "" && e.SearchKey != "" {
		return BackendSearch
	}
	return BackendCompletion
}

// HistoryEnabled reports whether turns should be persisted.
func (e *Effective) HistoryEnabled() bool {
	return e.HistoryMode != HistoryDisabled
}

// splitPipe splits a pipe-delimited list, dropping empty items.
func splitPipe(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, "|") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
