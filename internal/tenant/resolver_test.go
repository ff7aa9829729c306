// ABOUTME: Tests for the three-tier configuration resolver
// ABOUTME: Covers precedence, fallbacks, placeholder substitution and override writes

package tenant

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coursechat-gateway/internal/config"
	"github.com/2389/coursechat-gateway/internal/store"
)

func sp(s string) *string { return &s }

func newTestResolver(t *testing.T, tenants map[string]config.TenantSettings) (*Resolver, *store.MockStore) {
	t.Helper()
	return newTestResolverWithLogger(t, tenants, nil)
}

func newTestResolverWithLogger(t *testing.T, tenants map[string]config.TenantSettings, logger *slog.Logger) (*Resolver, *store.MockStore) {
	t.Helper()
	if _, ok := tenants[config.DefaultTenant]; !ok {
		tenants[config.DefaultTenant] = config.TenantSettings{}
	}
	catalog, err := config.NewCatalog(tenants)
	require.NoError(t, err)

	var cfg config.Config
	cfg.ApplyDefaults()

	ms := store.NewMockStore()
	r := NewResolver(config.NewStaticRegistry(catalog), ms, cfg.Backends, logger)
	r.getenv = func(k string) string {
		if k == "MATH_KEY" {
			return "secret-key"
		}
		return ""
	}
	return r, ms
}

func TestResolve_TenantDefaultsOnly(t *testing.T) {
	r, _ := newTestResolver(t, map[string]config.TenantSettings{
		"math101": {Model: sp("m1"), HistoryMode: sp("enabled")},
	})

	eff, err := r.Resolve(context.Background(), Actor{Tenant: "math101", UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "m1", eff.Model)
	assert.Equal(t, HistoryEnabled, eff.HistoryMode)
	assert.Equal(t, BackendCompletion, eff.Backend())
}

func TestResolve_PublishedTierOnly(t *testing.T) {
	r, ms := newTestResolver(t, map[string]config.TenantSettings{})
	require.NoError(t, ms.SetConfig(context.Background(), &store.ConfigRecord{
		Tenant: "math101", Key: "default", Settings: `{"model":"m1","history_mode":"enabled"}`,
	}))

	eff, err := r.Resolve(context.Background(), Actor{Tenant: "math101", UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "m1", eff.Model)
	assert.True(t, eff.HistoryEnabled())
}

func TestResolve_Precedence(t *testing.T) {
	r, ms := newTestResolver(t, map[string]config.TenantSettings{
		config.DefaultTenant: {Title: sp("Global"), Model: sp("global-model")},
		"math101": {
			Title:         sp("Math"),
			Model:         sp("static"),
			SystemMessage: sp("static prompt"),
			WelcomeImage:  sp("math.png"),
		},
	})
	ctx := context.Background()
	require.NoError(t, ms.SetConfig(ctx, &store.ConfigRecord{
		Tenant: "math101", Key: "default", Settings: `{"model":"published","system_message":"published prompt"}`,
	}))
	require.NoError(t, ms.SetConfig(ctx, &store.ConfigRecord{
		Tenant: "math101", Key: "prof", Settings: `{"system_message":"draft prompt"}`,
	}))

	prof, err := r.Resolve(ctx, Actor{Tenant: "math101", UserID: "prof"})
	require.NoError(t, err)
	assert.Equal(t, "Math", prof.Title)
	assert.Equal(t, "published", prof.Model)
	assert.Equal(t, "draft prompt", prof.SystemMessage)
	assert.Equal(t, "math.png", prof.WelcomeImage)

	student, err := r.Resolve(ctx, Actor{Tenant: "math101", UserID: "student"})
	require.NoError(t, err)
	assert.Equal(t, "published prompt", student.SystemMessage, "personal drafts are private to their author")
}

func TestResolve_UnknownTenantFallsBackToDefault(t *testing.T) {
	r, _ := newTestResolver(t, map[string]config.TenantSettings{
		config.DefaultTenant: {Title: sp("Global"), Model: sp("global-model")},
	})

	eff, err := r.Resolve(context.Background(), Actor{Tenant: "nowhere", UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, "Global", eff.Title)
	assert.Equal(t, "global-model", eff.Model)
	assert.Equal(t, "nowhere", eff.Tenant)
}

func TestResolve_AbsentEverywhereYieldsDefaults(t *testing.T) {
	r, _ := newTestResolver(t, map[string]config.TenantSettings{})

	eff, err := r.Resolve(context.Background(), Actor{Tenant: "t", UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, "", eff.SystemMessage)
	assert.Equal(t, DefaultModelName, eff.ModelName)
	assert.Equal(t, HistoryEnabled, eff.HistoryMode)
	assert.True(t, eff.StudentAccess)
	assert.Equal(t, 1000, eff.MaxTokens)
	assert.InDelta(t, 1.0, eff.TopP, 1e-9)
	assert.InDelta(t, 0.0, eff.Temperature, 1e-9)
	assert.Nil(t, eff.Stop)
}

func TestResolve_Substitution(t *testing.T) {
	r, _ := newTestResolver(t, map[string]config.TenantSettings{
		"math101": {SystemMessage: sp("Help {person} with {course}. {person} is a student.")},
	})

	eff, err := r.Resolve(context.Background(), Actor{Tenant: "math101", UserID: "a", Name: "Ada", Course: "Calculus I"})
	require.NoError(t, err)
	assert.Equal(t, "Help Ada with Calculus I. Ada is a student.", eff.SystemMessage)
}

func TestResolve_SubstitutionAfterOverlay(t *testing.T) {
	r, ms := newTestResolver(t, map[string]config.TenantSettings{
		"math101": {SystemMessage: sp("static {course}")},
	})
	require.NoError(t, ms.SetConfig(context.Background(), &store.ConfigRecord{
		Tenant: "math101", Key: "a", Settings: `{"system_message":"draft for {person}"}`,
	}))

	eff, err := r.Resolve(context.Background(), Actor{Tenant: "math101", UserID: "a", Name: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "draft for Ada", eff.SystemMessage)
}

func TestResolve_GenerationAndKeys(t *testing.T) {
	temp := 0.7
	r, _ := newTestResolver(t, map[string]config.TenantSettings{
		"math101": {
			Temperature:    &temp,
			Stop:           sp("END| |STOP"),
			ResourceKeyEnv: sp("MATH_KEY"),
			HistoryMode:    sp("disabled"),
		},
	})

	eff, err := r.Resolve(context.Background(), Actor{Tenant: "math101", UserID: "u"})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, eff.Temperature, 1e-9)
	assert.Equal(t, []string{"END", "STOP"}, eff.Stop)
	assert.Equal(t, "secret-key", eff.APIKey)
	assert.False(t, eff.HistoryEnabled())
}

func TestResolve_UnreadableOverrideIgnored(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	r, ms := newTestResolverWithLogger(t, map[string]config.TenantSettings{
		"math101": {Model: sp("m1")},
	}, logger)
	require.NoError(t, ms.SetConfig(context.Background(), &store.ConfigRecord{
		Tenant: "math101", Key: "default", Settings: `not json`,
	}))

	eff, err := r.Resolve(context.Background(), Actor{Tenant: "math101", UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, "m1", eff.Model)
	assert.Contains(t, logs.String(), "ignoring unreadable config override")
	assert.Contains(t, logs.String(), "component=resolver")
}

func TestResolve_StoreFailure(t *testing.T) {
	r, ms := newTestResolver(t, map[string]config.TenantSettings{})
	ms.FailOn("GetConfig", store.ErrInjected)

	_, err := r.Resolve(context.Background(), Actor{Tenant: "t", UserID: "u"})
	assert.ErrorIs(t, err, store.ErrInjected)
}

func TestBackendPrecedence(t *testing.T) {
	tests := []struct {
		name string
		eff  Effective
		want BackendKind
	}{
		{"plain", Effective{}, BackendCompletion},
		{"search", Effective{SearchService: "s", SearchIndex: "i", SearchKey: "k"}, BackendSearch},
		{"partial search is plain", Effective{SearchService: "s", SearchIndex: "i"}, BackendCompletion},
		{"bot only", Effective{BotEndpoint: "https://bot"}, BackendDialogue},
		{"bot beats search", Effective{BotEndpoint: "https://bot", SearchService: "s", SearchIndex: "i", SearchKey: "k"}, BackendDialogue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.eff.Backend())
		})
	}
}

func TestSetOverride_MergesIntoExistingTier(t *testing.T) {
	r, _ := newTestResolver(t, map[string]config.TenantSettings{})
	ctx := context.Background()

	require.NoError(t, r.SetOverride(ctx, "math101", "prof", config.TenantSettings{WelcomeMessage: sp("Hi!")}))
	require.NoError(t, r.SetOverride(ctx, "math101", "prof", config.TenantSettings{SystemMessage: sp("Be brief")}))

	eff, err := r.Resolve(ctx, Actor{Tenant: "math101", UserID: "prof"})
	require.NoError(t, err)
	assert.Equal(t, "Hi!", eff.WelcomeMessage)
	assert.Equal(t, "Be brief", eff.SystemMessage)

	other, err := r.Resolve(ctx, Actor{Tenant: "math101", UserID: "student"})
	require.NoError(t, err)
	assert.Equal(t, "", other.WelcomeMessage)
}
