// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

database:
  path: "./history.db"

auth:
  jwt_secret: "`+testSecret+`"

tenants:
  path: "./tenants.yaml"

backends:
  preview_api_version: "2024-02-15-preview"
  stream: false
  max_tokens: 800
  request_timeout: "45s"

directline:
  poll_attempts: 3
  poll_interval: "250ms"

ratelimit:
  redis_addr: "localhost:6379"
  window: "30s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Database.Path != "./history.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./history.db")
	}
	if cfg.Backends.ShouldStream() {
		t.Error("Backends.ShouldStream() = true, want false")
	}
	if cfg.Backends.MaxTokens != 800 {
		t.Errorf("Backends.MaxTokens = %d, want 800", cfg.Backends.MaxTokens)
	}
	if cfg.Backends.RequestTimeout != 45*time.Second {
		t.Errorf("Backends.RequestTimeout = %v, want 45s", cfg.Backends.RequestTimeout)
	}
	if cfg.DirectLine.PollAttempts != 3 {
		t.Errorf("DirectLine.PollAttempts = %d, want 3", cfg.DirectLine.PollAttempts)
	}
	if cfg.DirectLine.PollInterval != 250*time.Millisecond {
		t.Errorf("DirectLine.PollInterval = %v, want 250ms", cfg.DirectLine.PollInterval)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("RateLimit.Window = %v, want 30s", cfg.RateLimit.Window)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./history.db"
auth:
  jwt_secret: "`+testSecret+`"
tenants:
  path: "./tenants.yaml"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Backends.ShouldStream() {
		t.Error("stream should default to true")
	}
	if cfg.Backends.PreviewAPIVersion != "2023-08-01-preview" {
		t.Errorf("PreviewAPIVersion = %q", cfg.Backends.PreviewAPIVersion)
	}
	if cfg.Backends.TopP != 1.0 || cfg.Backends.MaxTokens != 1000 || cfg.Backends.Temperature != 0 {
		t.Errorf("generation defaults = %v/%v/%v", cfg.Backends.TopP, cfg.Backends.MaxTokens, cfg.Backends.Temperature)
	}
	if cfg.Search.TopK != 5 || cfg.Search.Strictness != 3 {
		t.Errorf("search defaults = top_k %d strictness %d", cfg.Search.TopK, cfg.Search.Strictness)
	}
	if cfg.Search.InDomain == nil || !*cfg.Search.InDomain {
		t.Error("in_domain should default to true")
	}
	if cfg.Directory.MaxPages != 20 {
		t.Errorf("Directory.MaxPages = %d, want 20", cfg.Directory.MaxPages)
	}
	if cfg.Auth.CookieName != "coursechat_session" {
		t.Errorf("Auth.CookieName = %q", cfg.Auth.CookieName)
	}
	if cfg.History.ReplayWindow != 30*time.Second || cfg.History.DeleteConcurrency != 4 {
		t.Errorf("history defaults = %v/%d", cfg.History.ReplayWindow, cfg.History.DeleteConcurrency)
	}
	if cfg.History.PersistReplies {
		t.Error("persist_replies should default to false")
	}
}

func TestResponseModeFor(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	if got := cfg.Backends.ResponseModeFor(LegacyPreviewAPIVersion); got != ResponsePassthrough {
		t.Errorf("legacy version mode = %q, want passthrough", got)
	}
	if got := cfg.Backends.ResponseModeFor("2023-08-01-preview"); got != ResponseReshape {
		t.Errorf("current version mode = %q, want reshape", got)
	}

	cfg.Backends.DefaultResponseMode = ResponsePassthrough
	if got := cfg.Backends.ResponseModeFor("2099-01-01-preview"); got != ResponsePassthrough {
		t.Errorf("unlisted version mode = %q, want passthrough", got)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_COURSECHAT_SECRET", testSecret)
	t.Setenv("TEST_COURSECHAT_DB", "/tmp/expanded.db")

	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "${TEST_COURSECHAT_DB}"
auth:
  jwt_secret: "${TEST_COURSECHAT_SECRET}"
tenants:
  path: "./tenants.yaml"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/expanded.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/expanded.db")
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("Auth.JWTSecret was not expanded")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http addr",
			content: `
database:
  path: "./h.db"
auth:
  jwt_secret: "` + testSecret + `"
tenants:
  path: "./t.yaml"
`,
			wantErr: "server.http_addr is required",
		},
		{
			name: "missing database",
			content: `
server:
  http_addr: ":8080"
auth:
  jwt_secret: "` + testSecret + `"
tenants:
  path: "./t.yaml"
`,
			wantErr: "database.path is required",
		},
		{
			name: "missing tenants",
			content: `
server:
  http_addr: ":8080"
database:
  path: "./h.db"
auth:
  jwt_secret: "` + testSecret + `"
`,
			wantErr: "tenants.path is required",
		},
		{
			name: "short secret",
			content: `
server:
  http_addr: ":8080"
database:
  path: "./h.db"
auth:
  jwt_secret: "short"
tenants:
  path: "./t.yaml"
`,
			wantErr: "jwt_secret must be at least 32 bytes",
		},
		{
			name: "unknown response mode",
			content: `
server:
  http_addr: ":8080"
database:
  path: "./h.db"
auth:
  jwt_secret: "` + testSecret + `"
tenants:
  path: "./t.yaml"
backends:
  response_modes:
    "2024-01-01-preview": rewrite
`,
			wantErr: "unknown mode",
		},
		{
			name: "tailscale without hostname",
			content: `
tailscale:
  enabled: true
database:
  path: "./h.db"
auth:
  jwt_secret: "` + testSecret + `"
tenants:
  path: "./t.yaml"
`,
			wantErr: "tailscale.hostname is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./h.db"
auth:
  jwt_secret: "`+testSecret+`"
tenants:
  path: "./t.yaml"
directline:
  poll_interval: "soon"
`)

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "poll_interval") {
		t.Fatalf("expected poll_interval parse error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
