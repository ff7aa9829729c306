// ABOUTME: Plain chat completion adapter
// ABOUTME: Prepends the tenant system prompt and streams or returns a single completion

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/2389/coursechat-gateway/internal/config"
	"github.com/2389/coursechat-gateway/internal/tenant"
)

const completionBackend = "completion"

// UsageRecorder accumulates per-user token consumption.
type UsageRecorder interface {
	IncrementUserTokenCount(ctx context.Context, tenant, userID string, tokens int64) error
}

// CompletionAdapter talks to a chat completions deployment without retrieval.
type CompletionAdapter struct {
	cfg        config.BackendsConfig
	usage      UsageRecorder
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCompletionAdapter creates a completion adapter. usage may be nil.
func NewCompletionAdapter(cfg config.BackendsConfig, usage UsageRecorder, logger *slog.Logger) *CompletionAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionAdapter{
		cfg:        cfg,
		usage:      usage,
		httpClient: newHTTPClient(cfg.RequestTimeout),
		logger:     logger.With("component", "completion"),
	}
}

// CompletionOptions overrides generation parameters for one call.
type CompletionOptions struct {
	Temperature *float64
	MaxTokens   *int
	Stream      *bool
}

type completionRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream"`
}

type completionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage           `json:"usage"`
	Error json.RawMessage `json:"error"`
}

type completionChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Choices []struct {
		Delta struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error json.RawMessage `json:"error"`
}

// Converse sends the system prompt followed by the caller's messages.
// Single-shot replies add their token usage to the user's count; failures
// there are logged and do not fail the turn.
func (a *CompletionAdapter) Converse(ctx context.Context, req *Request) (Response, error) {
	messages := make([]ChatMessage, 0, len(req.Messages)+1)
	messages = append(messages, ChatMessage{Role: "system", Content: req.Config.SystemMessage})
	messages = append(messages, req.Messages...)

	resp, err := a.complete(ctx, req.Config, messages, CompletionOptions{})
	if err != nil {
		return nil, err
	}

	if shot, ok := resp.(*SingleShot); ok && a.usage != nil && shot.Usage.TotalTokens > 0 {
		if err := a.usage.IncrementUserTokenCount(ctx, req.Tenant, req.UserID, shot.Usage.TotalTokens); err != nil {
			a.logger.Warn("failed to record token usage",
				"tenant", req.Tenant,
				"user_id", req.UserID,
				"tokens", shot.Usage.TotalTokens,
				"error", err,
			)
		}
	}
	return resp, nil
}

// Complete runs a non-streaming completion over messages exactly as given.
func (a *CompletionAdapter) Complete(ctx context.Context, eff *tenant.Effective, messages []ChatMessage, opts CompletionOptions) (*SingleShot, error) {
	stream := false
	opts.Stream = &stream

	resp, err := a.complete(ctx, eff, messages, opts)
	if err != nil {
		return nil, err
	}
	return resp.(*SingleShot), nil
}

func (a *CompletionAdapter) complete(ctx context.Context, eff *tenant.Effective, messages []ChatMessage, opts CompletionOptions) (Response, error) {
	if eff.Model == "" {
		return nil, fmt.Errorf("%w: no model deployment", ErrNotConfigured)
	}
	base, err := completionBase(a.cfg, eff)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%sopenai/deployments/%s/chat/completions?api-version=%s",
		base, url.PathEscape(eff.Model), url.QueryEscape(a.cfg.APIVersion))

	body := completionRequest{
		Messages:    messages,
		Temperature: eff.Temperature,
		MaxTokens:   eff.MaxTokens,
		TopP:        eff.TopP,
		Stop:        eff.Stop,
		Stream:      a.cfg.ShouldStream(),
	}
	if opts.Temperature != nil {
		body.Temperature = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		body.MaxTokens = *opts.MaxTokens
	}
	if opts.Stream != nil {
		body.Stream = *opts.Stream
	}

	resp, err := doJSON(ctx, a.httpClient, completionBackend, http.MethodPost, endpoint,
		map[string]string{"api-key": eff.APIKey}, body)
	if err != nil {
		return nil, err
	}

	if body.Stream {
		return NewDeltaStream(resp.Body, FormatCompletion, resp.Header.Get("apim-request-id")), nil
	}

	defer resp.Body.Close()
	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding completion: %v", ErrMalformedResponse, err)
	}
	if msg := errorMessage(out.Error); msg != "" {
		return nil, &APIError{Backend: completionBackend, Status: resp.StatusCode, Message: msg}
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: completion has no choices", ErrMalformedResponse)
	}

	return &SingleShot{
		ID:      out.ID,
		Model:   out.Model,
		Object:  out.Object,
		Created: out.Created,
		Content: out.Choices[0].Message.Content,
		Usage:   out.Usage,
	}, nil
}

// parseCompletionChunk maps one chat.completion.chunk to a delta. Chunks with
// no choices, such as content filter preambles, carry nothing.
func parseCompletionChunk(payload []byte) (Delta, bool) {
	var chunk completionChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return Delta{}, false
	}

	d := Delta{ID: chunk.ID, Model: chunk.Model, Object: chunk.Object, Created: chunk.Created}
	if msg := errorMessage(chunk.Error); msg != "" {
		d.Kind = DeltaError
		d.Error = msg
		return d, true
	}
	if len(chunk.Choices) == 0 {
		return Delta{}, false
	}

	choice := chunk.Choices[0]
	switch {
	case choice.Delta.Content != nil && *choice.Delta.Content != "":
		d.Kind = DeltaText
		d.Content = *choice.Delta.Content
	case choice.Delta.Role != "":
		d.Kind = DeltaTurnStart
	case choice.FinishReason != nil && *choice.FinishReason != "":
		d.Kind = DeltaEnd
	default:
		return Delta{}, false
	}
	return d, true
}
