// ABOUTME: Three-tier configuration resolver: static defaults < published < personal
// ABOUTME: Overlays optional fields and substitutes {person}/{course} placeholders last

package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/2389/coursechat-gateway/internal/config"
	"github.com/2389/coursechat-gateway/internal/store"
)

// DefaultModelName is used when no tier names the model family.
const DefaultModelName = "gpt-35-turbo-16k"

// Actor is the acting user a configuration is resolved for.
type Actor struct {
	Tenant string
	UserID string
	Name   string
	Course string
}

// Resolver merges the static catalog with stored override tiers.
type Resolver struct {
	registry  *config.Registry
	overrides store.ConfigStore
	defaults  config.BackendsConfig
	getenv    func(string) string
	logger    *slog.Logger
}

// NewResolver creates a resolver. defaults supplies generation parameters no tier sets.
func NewResolver(registry *config.Registry, overrides store.ConfigStore, defaults config.BackendsConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		registry:  registry,
		overrides: overrides,
		defaults:  defaults,
		getenv:    os.Getenv,
		logger:    logger.With("component", "resolver"),
	}
}

// Resolve computes the effective configuration for actor.
// Tiers are overlaid field by field: static tenant defaults, then the tenant's
// published override, then the actor's personal override.
func (r *Resolver) Resolve(ctx context.Context, actor Actor) (*Effective, error) {
	merged := r.registry.Catalog().Lookup(actor.Tenant)

	published, err := r.loadTier(ctx, actor.Tenant, config.DefaultTenant)
	if err != nil {
		return nil, err
	}
	merged = merged.Overlay(published)

	if actor.UserID != "" && actor.UserID != config.DefaultTenant {
		personal, err := r.loadTier(ctx, actor.Tenant, actor.UserID)
		if err != nil {
			return nil, err
		}
		merged = merged.Overlay(personal)
	}

	return r.finalize(actor, merged), nil
}

// loadTier reads one stored override tier. A missing record is an empty tier;
// an undecodable record is logged and treated as empty.
func (r *Resolver) loadTier(ctx context.Context, tenant, key string) (config.TenantSettings, error) {
	var tier config.TenantSettings
	if r.overrides == nil {
		return tier, nil
	}

	rec, err := r.overrides.GetConfig(ctx, tenant, key)
	if errors.Is(err, store.ErrNotFound) {
		return tier, nil
	}
	if err != nil {
		return tier, fmt.Errorf("loading %s override for %s: %w", key, tenant, err)
	}

	if err := json.Unmarshal([]byte(rec.Settings), &tier); err != nil {
		r.logger.Warn("ignoring unreadable config override", "tenant", tenant, "key", key, "error", err)
		return config.TenantSettings{}, nil
	}
	return tier, nil
}

func (r *Resolver) finalize(actor Actor, s config.TenantSettings) *Effective {
	eff := &Effective{
		Tenant:         actor.Tenant,
		Title:          deref(s.Title, ""),
		WelcomeMessage: deref(s.WelcomeMessage, ""),
		WelcomeImage:   deref(s.WelcomeImage, ""),
		Model:          deref(s.Model, ""),
		ModelName:      deref(s.ModelName, DefaultModelName),
		OpenAIResource: deref(s.OpenAIResource, ""),
		SearchService:  deref(s.SearchService, ""),
		SearchIndex:    deref(s.SearchIndex, ""),
		SearchKey:      deref(s.SearchKey, ""),
		BotEndpoint:    deref(s.BotEndpoint, ""),
		HistoryMode:    HistoryMode(deref(s.HistoryMode, string(HistoryEnabled))),
		StudentAccess:  deref(s.StudentAccess, true),
		Temperature:    deref(s.Temperature, r.defaults.Temperature),
		MaxTokens:      deref(s.MaxTokens, r.defaults.MaxTokens),
		TopP:           deref(s.TopP, r.defaults.TopP),
		Stop:           splitPipe(deref(s.Stop, r.defaults.Stop)),
	}

	if eff.HistoryMode != HistoryDisabled {
		eff.HistoryMode = HistoryEnabled
	}

	if env := deref(s.ResourceKeyEnv, ""); env != "" {
		eff.APIKey = r.getenv(env)
	}

	eff.SystemMessage = substitute(deref(s.SystemMessage, ""), actor)
	return eff
}

// substitute replaces {person} and {course} with the actor's display name and course title.
func substitute(template string, actor Actor) string {
	if template == "" {
		return ""
	}
	return strings.NewReplacer("{person}", actor.Name, "{course}", actor.Course).Replace(template)
}

func deref[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}

// SetOverride merges patch into the stored tier at (tenant, key). key is
// config.DefaultTenant for the published tier or a user id for a personal one.
func (r *Resolver) SetOverride(ctx context.Context, tenant, key string, patch config.TenantSettings) error {
	if r.overrides == nil {
		return errors.New("no override store configured")
	}

	current, err := r.loadTier(ctx, tenant, key)
	if err != nil {
		return err
	}
	merged := current.Overlay(patch)

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding override: %w", err)
	}

	if err := r.overrides.SetConfig(ctx, &store.ConfigRecord{
		Tenant:   tenant,
		Key:      key,
		Settings: string(data),
	}); err != nil {
		return fmt.Errorf("storing override: %w", err)
	}

	r.logger.Info("config override updated", "tenant", tenant, "key", key)
	return nil
}
