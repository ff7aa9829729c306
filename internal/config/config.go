// ABOUTME: Configuration loading and parsing for coursechat-gateway
// ABOUTME: Supports YAML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ResponseMode declares how a grounded-search response is handed to the normalizer.
type ResponseMode string

const (
	// ResponseReshape rewrites each backend payload into the canonical event shape.
	ResponseReshape ResponseMode = "reshape"
	// ResponsePassthrough forwards the backend payload unmodified.
	ResponsePassthrough ResponseMode = "passthrough"
)

// LegacyPreviewAPIVersion is the preview API version whose responses already
// carry the canonical shape.
const LegacyPreviewAPIVersion = "2023-06-01-preview"

// Config represents the complete coursechat-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Tenants    TenantsConfig    `yaml:"tenants"`
	Backends   BackendsConfig   `yaml:"backends"`
	Search     SearchConfig     `yaml:"search"`
	Directory  DirectoryConfig  `yaml:"directory"`
	DirectLine DirectLineConfig `yaml:"directline"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	History    HistoryConfig    `yaml:"history"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AuthConfig holds session token verification settings
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	CookieName string `yaml:"cookie_name"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves the standard gRPC health service; empty disables it.
	GRPCAddr string `yaml:"grpc_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TenantsConfig points at the static per-tenant defaults catalog.
type TenantsConfig struct {
	Path string `yaml:"path"`
}

// BackendsConfig holds settings shared by the completion and grounded-search adapters.
type BackendsConfig struct {
	// Endpoint overrides https://{resource}.openai.azure.com/ for every tenant.
	Endpoint          string `yaml:"endpoint"`
	APIVersion        string `yaml:"api_version"`
	PreviewAPIVersion string `yaml:"preview_api_version"`
	Stream            *bool  `yaml:"stream"`

	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`
	Stop        string  `yaml:"stop"`

	EmbeddingEndpoint string `yaml:"embedding_endpoint"`
	EmbeddingKey      string `yaml:"embedding_key"`
	EmbeddingName     string `yaml:"embedding_name"`

	// ResponseModes maps preview API versions to reshape or passthrough.
	// Versions not listed use DefaultResponseMode.
	ResponseModes       map[string]ResponseMode `yaml:"response_modes"`
	DefaultResponseMode ResponseMode            `yaml:"default_response_mode"`

	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// SearchConfig holds index field mappings and query settings for grounded search.
type SearchConfig struct {
	UseSemanticSearch     bool   `yaml:"use_semantic_search"`
	SemanticConfig        string `yaml:"semantic_config"`
	TopK                  int    `yaml:"top_k"`
	InDomain              *bool  `yaml:"in_domain"`
	ContentColumns        string `yaml:"content_columns"`
	FilenameColumn        string `yaml:"filename_column"`
	TitleColumn           string `yaml:"title_column"`
	URLColumn             string `yaml:"url_column"`
	VectorColumns         string `yaml:"vector_columns"`
	QueryType             string `yaml:"query_type"`
	PermittedGroupsColumn string `yaml:"permitted_groups_column"`
	Strictness            int    `yaml:"strictness"`
}

// DirectoryConfig holds the group membership lookup used for search filters.
type DirectoryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	MaxPages    int    `yaml:"max_pages"`
	TokenHeader string `yaml:"token_header"`
}

// DirectLineConfig holds third-party dialogue settings.
type DirectLineConfig struct {
	BaseURL         string        `yaml:"base_url"`
	PollAttempts    int           `yaml:"poll_attempts"`
	PollInterval    time.Duration `yaml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval"`
}

// RateLimitConfig holds the per-user turn limiter. Empty RedisAddr disables it.
type RateLimitConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	Prefix        string        `yaml:"prefix"`
	Limit         int           `yaml:"limit"`
	Window        time.Duration `yaml:"-"`
	WindowRaw     string        `yaml:"window"`
}

// HistoryConfig tunes how turns and updates reach the history store.
type HistoryConfig struct {
	// PersistReplies stores completed assistant replies when a /history/generate
	// turn ends, so clients that never call /history/update still keep them.
	PersistReplies bool `yaml:"persist_replies"`

	ReplayWindow      time.Duration `yaml:"-"`
	ReplayWindowRaw   string        `yaml:"replay_window"`
	ReplayCacheSize   int           `yaml:"replay_cache_size"`
	DeleteConcurrency int           `yaml:"delete_concurrency"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset fields with the values the gateway runs with out of the box.
func (c *Config) ApplyDefaults() {
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "coursechat_session"
	}

	b := &c.Backends
	if b.APIVersion == "" {
		b.APIVersion = "2023-08-01-preview"
	}
	if b.PreviewAPIVersion == "" {
		b.PreviewAPIVersion = "2023-08-01-preview"
	}
	if b.Stream == nil {
		stream := true
		b.Stream = &stream
	}
	if b.TopP == 0 {
		b.TopP = 1.0
	}
	if b.MaxTokens == 0 {
		b.MaxTokens = 1000
	}
	if b.ResponseModes == nil {
		b.ResponseModes = map[string]ResponseMode{
			LegacyPreviewAPIVersion: ResponsePassthrough,
		}
	}
	if b.DefaultResponseMode == "" {
		b.DefaultResponseMode = ResponseReshape
	}
	if b.RequestTimeout == 0 {
		b.RequestTimeout = 2 * time.Minute
	}

	s := &c.Search
	if s.SemanticConfig == "" {
		s.SemanticConfig = "default"
	}
	if s.TopK == 0 {
		s.TopK = 5
	}
	if s.InDomain == nil {
		inDomain := true
		s.InDomain = &inDomain
	}
	if s.Strictness == 0 {
		s.Strictness = 3
	}

	d := &c.Directory
	if d.Endpoint == "" {
		d.Endpoint = "https://graph.microsoft.com/v1.0/me/transitiveMemberOf?$select=id"
	}
	if d.MaxPages == 0 {
		d.MaxPages = 20
	}
	if d.TokenHeader == "" {
		d.TokenHeader = "X-MS-TOKEN-AAD-ACCESS-TOKEN"
	}

	dl := &c.DirectLine
	if dl.BaseURL == "" {
		dl.BaseURL = "https://directline.botframework.com/v3/directline"
	}
	if dl.PollAttempts == 0 {
		dl.PollAttempts = 10
	}
	if dl.PollInterval == 0 {
		dl.PollInterval = time.Second
	}

	r := &c.RateLimit
	if r.Prefix == "" {
		r.Prefix = "coursechat:ratelimit"
	}
	if r.Limit == 0 {
		r.Limit = 30
	}
	if r.Window == 0 {
		r.Window = time.Minute
	}

	h := &c.History
	if h.ReplayWindow == 0 {
		h.ReplayWindow = 30 * time.Second
	}
	if h.ReplayCacheSize == 0 {
		h.ReplayCacheSize = 4096
	}
	if h.DeleteConcurrency == 0 {
		h.DeleteConcurrency = 4
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// ShouldStream reports whether completion requests ask the backend for a delta stream.
func (b BackendsConfig) ShouldStream() bool {
	return b.Stream == nil || *b.Stream
}

// ResponseModeFor returns the declared handling for a preview API version.
func (b BackendsConfig) ResponseModeFor(apiVersion string) ResponseMode {
	if mode, ok := b.ResponseModes[apiVersion]; ok {
		return mode
	}
	if b.DefaultResponseMode == "" {
		return ResponseReshape
	}
	return b.DefaultResponseMode
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Tenants.Path == "" {
		return fmt.Errorf("tenants.path is required")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	for version, mode := range c.Backends.ResponseModes {
		if mode != ResponseReshape && mode != ResponsePassthrough {
			return fmt.Errorf("backends.response_modes[%s]: unknown mode %q", version, mode)
		}
	}
	if m := c.Backends.DefaultResponseMode; m != "" && m != ResponseReshape && m != ResponsePassthrough {
		return fmt.Errorf("backends.default_response_mode: unknown mode %q", m)
	}

	if c.History.DeleteConcurrency < 0 {
		return fmt.Errorf("history.delete_concurrency must not be negative")
	}

	if c.Directory.MaxPages < 0 {
		return fmt.Errorf("directory.max_pages must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Backends.RequestTimeoutRaw != "" {
		cfg.Backends.RequestTimeout, err = time.ParseDuration(cfg.Backends.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Backends.RequestTimeoutRaw, err)
		}
	}

	if cfg.DirectLine.PollIntervalRaw != "" {
		cfg.DirectLine.PollInterval, err = time.ParseDuration(cfg.DirectLine.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.DirectLine.PollIntervalRaw, err)
		}
	}

	if cfg.RateLimit.WindowRaw != "" {
		cfg.RateLimit.Window, err = time.ParseDuration(cfg.RateLimit.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing window %q: %w", cfg.RateLimit.WindowRaw, err)
		}
	}

	if cfg.History.ReplayWindowRaw != "" {
		cfg.History.ReplayWindow, err = time.ParseDuration(cfg.History.ReplayWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing replay_window %q: %w", cfg.History.ReplayWindowRaw, err)
		}
	}

	return nil
}
