// ABOUTME: Static per-tenant defaults catalog loaded from YAML, TOML or JSON
// ABOUTME: Provides optional-field tenant settings and an atomically swappable registry

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultTenant is the catalog entry used for tenants without their own record.
// It is also the sub-key under which a tenant's published override is stored.
const DefaultTenant = "default"

// ErrNoDefaultTenant is returned when a catalog lacks the DefaultTenant entry.
var ErrNoDefaultTenant = errors.New("tenant catalog has no default entry")

// TenantSettings is one tier of tenant configuration. A nil field is absent
// and falls through to the tier below when tiers are overlaid.
type TenantSettings struct {
	Title          *string `yaml:"title" toml:"title" json:"title,omitempty"`
	WelcomeMessage *string `yaml:"welcome_message" toml:"welcome_message" json:"welcome_message,omitempty"`
	WelcomeImage   *string `yaml:"welcome_image" toml:"welcome_image" json:"welcome_image,omitempty"`

	Model          *string `yaml:"model" toml:"model" json:"model,omitempty"`
	ModelName      *string `yaml:"model_name" toml:"model_name" json:"model_name,omitempty"`
	OpenAIResource *string `yaml:"openai_resource" toml:"openai_resource" json:"openai_resource,omitempty"`
	ResourceKeyEnv *string `yaml:"resource_key_env" toml:"resource_key_env" json:"resource_key_env,omitempty"`
	SystemMessage  *string `yaml:"system_message" toml:"system_message" json:"system_message,omitempty"`

	SearchService *string `yaml:"search_service" toml:"search_service" json:"search_service,omitempty"`
	SearchIndex   *string `yaml:"search_index" toml:"search_index" json:"search_index,omitempty"`
	SearchKey     *string `yaml:"search_key" toml:"search_key" json:"search_key,omitempty"`

	BotEndpoint *string `yaml:"bot_endpoint" toml:"bot_endpoint" json:"bot_endpoint,omitempty"`

	HistoryMode   *string `yaml:"history_mode" toml:"history_mode" json:"history_mode,omitempty"`
	StudentAccess *bool   `yaml:"student_access" toml:"student_access" json:"student_access,omitempty"`

	Temperature *float64 `yaml:"temperature" toml:"temperature" json:"temperature,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens" toml:"max_tokens" json:"max_tokens,omitempty"`
	TopP        *float64 `yaml:"top_p" toml:"top_p" json:"top_p,omitempty"`
	Stop        *string  `yaml:"stop" toml:"stop" json:"stop,omitempty"`
}

// Overlay returns a copy of s with every field present in top replacing the
// corresponding field of s.
func (s TenantSettings) Overlay(top TenantSettings) TenantSettings {
	out := s
	out.Title = pick(s.Title, top.Title)
	out.WelcomeMessage = pick(s.WelcomeMessage, top.WelcomeMessage)
	out.WelcomeImage = pick(s.WelcomeImage, top.WelcomeImage)
	out.Model = pick(s.Model, top.Model)
	out.ModelName = pick(s.ModelName, top.ModelName)
	out.OpenAIResource = pick(s.OpenAIResource, top.OpenAIResource)
	out.ResourceKeyEnv = pick(s.ResourceKeyEnv, top.ResourceKeyEnv)
	out.SystemMessage = pick(s.SystemMessage, top.SystemMessage)
	out.SearchService = pick(s.SearchService, top.SearchService)
	out.SearchIndex = pick(s.SearchIndex, top.SearchIndex)
	out.SearchKey = pick(s.SearchKey, top.SearchKey)
	out.BotEndpoint = pick(s.BotEndpoint, top.BotEndpoint)
	out.HistoryMode = pick(s.HistoryMode, top.HistoryMode)
	out.StudentAccess = pick(s.StudentAccess, top.StudentAccess)
	out.Temperature = pick(s.Temperature, top.Temperature)
	out.MaxTokens = pick(s.MaxTokens, top.MaxTokens)
	out.TopP = pick(s.TopP, top.TopP)
	out.Stop = pick(s.Stop, top.Stop)
	return out
}

func pick[T any](base, top *T) *T {
	if top != nil {
		return top
	}
	return base
}

// Catalog maps tenant ids to their static defaults.
type Catalog struct {
	tenants map[string]TenantSettings
}

// NewCatalog builds a catalog from an in-memory map. The map must contain DefaultTenant.
func NewCatalog(tenants map[string]TenantSettings) (*Catalog, error) {
	if _, ok := tenants[DefaultTenant]; !ok {
		return nil, ErrNoDefaultTenant
	}
	copied := make(map[string]TenantSettings, len(tenants))
	for k, v := range tenants {
		copied[k] = v
	}
	return &Catalog{tenants: copied}, nil
}

// LoadCatalog reads a tenant catalog. The format is chosen by file extension:
// .yaml/.yml, .toml or .json. ${VAR} references are expanded before parsing.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tenant catalog: %w", err)
	}
	expanded := expandEnvVars(string(data))

	tenants := make(map[string]TenantSettings)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(expanded), &tenants)
	case ".toml":
		_, err = toml.Decode(expanded, &tenants)
	case ".json":
		err = json.Unmarshal([]byte(expanded), &tenants)
	default:
		return nil, fmt.Errorf("unsupported tenant catalog format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parsing tenant catalog: %w", err)
	}

	return NewCatalog(tenants)
}

// Lookup returns the static defaults for tenant, falling back to the default entry.
func (c *Catalog) Lookup(tenant string) TenantSettings {
	if s, ok := c.tenants[tenant]; ok {
		return s
	}
	return c.tenants[DefaultTenant]
}

// Has reports whether tenant has its own catalog entry.
func (c *Catalog) Has(tenant string) bool {
	_, ok := c.tenants[tenant]
	return ok
}

// Len returns the number of entries, including the default one.
func (c *Catalog) Len() int {
	return len(c.tenants)
}

// Registry holds the current catalog and swaps it on Reload.
// Readers never observe a partially loaded catalog.
type Registry struct {
	path    string
	current atomic.Pointer[Catalog]
}

// NewRegistry loads the catalog at path.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry wraps an already built catalog. Reload is a no-op.
func NewStaticRegistry(c *Catalog) *Registry {
	r := &Registry{}
	r.current.Store(c)
	return r
}

// Reload re-reads the catalog from disk. On failure the previous catalog stays active.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	c, err := LoadCatalog(r.path)
	if err != nil {
		return err
	}
	r.current.Store(c)
	return nil
}

// Catalog returns the active catalog.
func (r *Registry) Catalog() *Catalog {
	return r.current.Load()
}
