// ABOUTME: Grounded-search completion adapter
// ABOUTME: Builds the dataSources request and reshapes or passes through replies per API version

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/coursechat-gateway/internal/config"
	"github.com/2389/coursechat-gateway/internal/tenant"
)

const (
	searchBackend   = "search"
	searchUserAgent = "GitHubSampleWebApp/PublicAPI/3.0.0"
)

// GroupFilter produces the access-control filter for a caller, or nil for none.
type GroupFilter interface {
	Filter(ctx context.Context, column, token string) *string
}

// SearchAdapter talks to a chat completions deployment with a search index attached.
type SearchAdapter struct {
	backends   config.BackendsConfig
	search     config.SearchConfig
	groups     GroupFilter
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSearchAdapter creates a grounded-search adapter. groups may be nil when
// no permitted-groups column is configured.
func NewSearchAdapter(backends config.BackendsConfig, search config.SearchConfig, groups GroupFilter, logger *slog.Logger) *SearchAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchAdapter{
		backends:   backends,
		search:     search,
		groups:     groups,
		httpClient: newHTTPClient(backends.RequestTimeout),
		logger:     logger.With("component", "search"),
	}
}

type searchRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
	Stop        []string      `json:"stop"`
	Stream      bool          `json:"stream"`
	DataSources []dataSource  `json:"dataSources"`
}

type dataSource struct {
	Type       string           `json:"type"`
	Parameters searchParameters `json:"parameters"`
}

type searchParameters struct {
	Endpoint              string        `json:"endpoint"`
	Key                   string        `json:"key"`
	IndexName             string        `json:"indexName"`
	FieldsMapping         fieldsMapping `json:"fieldsMapping"`
	InScope               bool          `json:"inScope"`
	TopNDocuments         int           `json:"topNDocuments"`
	QueryType             string        `json:"queryType"`
	SemanticConfiguration string        `json:"semanticConfiguration,omitempty"`
	RoleInformation       string        `json:"roleInformation"`
	Filter                *string       `json:"filter,omitempty"`
	Strictness            int           `json:"strictness"`

	EmbeddingDeploymentName string `json:"embeddingDeploymentName,omitempty"`
	EmbeddingEndpoint       string `json:"embeddingEndpoint,omitempty"`
	EmbeddingKey            string `json:"embeddingKey,omitempty"`
}

type fieldsMapping struct {
	ContentFields []string `json:"contentFields"`
	TitleField    *string  `json:"titleField"`
	URLField      *string  `json:"urlField"`
	FilepathField *string  `json:"filepathField"`
	VectorFields  []string `json:"vectorFields"`
}

// queryType picks the explicit setting, then semantic when configured, then simple.
func (a *SearchAdapter) queryType() string {
	if a.search.QueryType != "" {
		return a.search.QueryType
	}
	if a.search.UseSemanticSearch && a.search.SemanticConfig != "" {
		return "semantic"
	}
	return "simple"
}

// buildRequest assembles the request body. filter is omitted from the body when nil.
func (a *SearchAdapter) buildRequest(eff *tenant.Effective, messages []ChatMessage, filter *string) searchRequest {
	queryType := a.queryType()
	inScope := a.search.InDomain == nil || *a.search.InDomain

	params := searchParameters{
		Endpoint:  fmt.Sprintf("https://%s.search.windows.net", eff.SearchService),
		Key:       eff.SearchKey,
		IndexName: eff.SearchIndex,
		FieldsMapping: fieldsMapping{
			ContentFields: splitFields(a.search.ContentColumns),
			TitleField:    optionalString(a.search.TitleColumn),
			URLField:      optionalString(a.search.URLColumn),
			FilepathField: optionalString(a.search.FilenameColumn),
			VectorFields:  splitFields(a.search.VectorColumns),
		},
		InScope:         inScope,
		TopNDocuments:   a.search.TopK,
		QueryType:       queryType,
		RoleInformation: eff.SystemMessage,
		Filter:          filter,
		Strictness:      a.search.Strictness,
	}
	if strings.Contains(strings.ToLower(queryType), "semantic") {
		params.SemanticConfiguration = a.search.SemanticConfig
	}
	if strings.Contains(strings.ToLower(queryType), "vector") {
		if a.backends.EmbeddingName != "" {
			params.EmbeddingDeploymentName = a.backends.EmbeddingName
		} else {
			params.EmbeddingEndpoint = a.backends.EmbeddingEndpoint
			params.EmbeddingKey = a.backends.EmbeddingKey
		}
	}

	return searchRequest{
		Messages:    messages,
		Temperature: eff.Temperature,
		MaxTokens:   eff.MaxTokens,
		TopP:        eff.TopP,
		Stop:        eff.Stop,
		Stream:      a.backends.ShouldStream(),
		DataSources: []dataSource{{Type: "AzureCognitiveSearch", Parameters: params}},
	}
}

// Converse sends the caller's messages with the tenant's search index attached.
func (a *SearchAdapter) Converse(ctx context.Context, req *Request) (Response, error) {
	eff := req.Config
	if eff.Model == "" {
		return nil, fmt.Errorf("%w: no model deployment", ErrNotConfigured)
	}
	base, err := completionBase(a.backends, eff)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%sopenai/deployments/%s/extensions/chat/completions?api-version=%s",
		base, url.PathEscape(eff.Model), url.QueryEscape(a.backends.PreviewAPIVersion))

	var filter *string
	if a.search.PermittedGroupsColumn != "" && a.groups != nil {
		filter = a.groups.Filter(ctx, a.search.PermittedGroupsColumn, req.DirectoryToken)
	}

	body := a.buildRequest(eff, req.Messages, filter)
	headers := map[string]string{
		"api-key":        eff.APIKey,
		"x-ms-useragent": searchUserAgent,
	}

	resp, err := doJSON(ctx, a.httpClient, searchBackend, http.MethodPost, endpoint, headers, body)
	if err != nil {
		return nil, err
	}

	mode := a.backends.ResponseModeFor(a.backends.PreviewAPIVersion)
	if body.Stream {
		format := FormatSearch
		if mode == config.ResponsePassthrough {
			format = FormatCanonical
		}
		return NewDeltaStream(resp.Body, format, resp.Header.Get("apim-request-id")), nil
	}

	defer resp.Body.Close()
	shot, err := decodeSearchResponse(resp.Body, mode)
	if err != nil {
		return nil, err
	}
	return shot, nil
}

type searchResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Context *struct {
				Messages []ChatMessage `json:"messages"`
			} `json:"context"`
		} `json:"message"`
		Messages []ChatMessage `json:"messages"`
	} `json:"choices"`
	Usage Usage           `json:"usage"`
	Error json.RawMessage `json:"error"`
}

func decodeSearchResponse(r io.Reader, mode config.ResponseMode) (*SingleShot, error) {
	var out searchResponse
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding search completion: %v", ErrMalformedResponse, err)
	}
	if msg := errorMessage(out.Error); msg != "" {
		return nil, &APIError{Backend: searchBackend, Status: http.StatusOK, Message: msg}
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: search completion has no choices", ErrMalformedResponse)
	}

	shot := &SingleShot{
		ID:      out.ID,
		Model:   out.Model,
		Object:  out.Object,
		Created: out.Created,
		Usage:   out.Usage,
	}
	choice := out.Choices[0]

	if mode == config.ResponsePassthrough {
		for _, m := range choice.Messages {
			switch m.Role {
			case "tool":
				shot.Grounding, shot.HasGrounding = m.Content, true
			case "assistant":
				shot.Content = m.Content
			}
		}
		return shot, nil
	}

	if grounding := choice.Message.Context; grounding != nil && len(grounding.Messages) > 0 {
		shot.Grounding, shot.HasGrounding = grounding.Messages[0].Content, true
	}
	shot.Content = choice.Message.Content
	return shot, nil
}

type searchChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Choices []struct {
		Delta struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
			Context *struct {
				Messages []ChatMessage `json:"messages"`
			} `json:"context"`
		} `json:"delta"`
		EndTurn bool `json:"end_turn"`
	} `json:"choices"`
	Error json.RawMessage `json:"error"`
}

// parseSearchChunk reshapes one extensions chunk: grounding context, then a
// role marker, then end of turn, otherwise incremental text.
func parseSearchChunk(payload []byte) (Delta, bool) {
	var chunk searchChunk
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
	case choice.Delta.Context != nil && len(choice.Delta.Context.Messages) > 0:
		d.Kind = DeltaTool
		d.Content = choice.Delta.Context.Messages[0].Content
	case choice.Delta.Role != "":
		d.Kind = DeltaTurnStart
	case choice.EndTurn:
		d.Kind = DeltaEnd
	case choice.Delta.Content != nil:
		d.Kind = DeltaText
		d.Content = *choice.Delta.Content
	default:
		return Delta{}, false
	}
	return d, true
}

type canonicalChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Choices []struct {
		Messages []struct {
			Delta struct {
				Role    string  `json:"role"`
				Content *string `json:"content"`
			} `json:"delta"`
		} `json:"messages"`
	} `json:"choices"`
	Error json.RawMessage `json:"error"`
}

// parseCanonicalChunk reads a chunk that the backend already emits in the
// canonical fragment shape.
func parseCanonicalChunk(payload []byte) (Delta, bool) {
	var chunk canonicalChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return Delta{}, false
	}

	d := Delta{ID: chunk.ID, Model: chunk.Model, Object: chunk.Object, Created: chunk.Created}
	if msg := errorMessage(chunk.Error); msg != "" {
		d.Kind = DeltaError
		d.Error = msg
		return d, true
	}
	if len(chunk.Choices) == 0 || len(chunk.Choices[0].Messages) == 0 {
		return Delta{}, false
	}

	delta := chunk.Choices[0].Messages[0].Delta
	content := ""
	if delta.Content != nil {
		content = *delta.Content
	}
	switch {
	case delta.Role == "tool":
		d.Kind = DeltaTool
		d.Content = content
	case content == "[DONE]":
		d.Kind = DeltaEnd
	case delta.Role == "assistant" && content == "":
		d.Kind = DeltaTurnStart
	case delta.Content == nil:
		return Delta{}, false
	default:
		d.Kind = DeltaText
		d.Content = content
	}
	return d, true
}
