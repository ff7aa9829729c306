// ABOUTME: Tests for the gateway HTTP surface and server lifecycle
// ABOUTME: Drives the full handler chain with httptest, a mock store and stub backends

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coursechat-gateway/internal/auth"
	"github.com/2389/coursechat-gateway/internal/backend"
	"github.com/2389/coursechat-gateway/internal/config"
	"github.com/2389/coursechat-gateway/internal/conversation"
	"github.com/2389/coursechat-gateway/internal/normalize"
	"github.com/2389/coursechat-gateway/internal/ratelimit"
	"github.com/2389/coursechat-gateway/internal/store"
	"github.com/2389/coursechat-gateway/internal/tenant"
)

const testSecret = "test-secret-for-sessions"

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubAdapter struct {
	respond func() (backend.Response, error)
	calls   int
}

func (s *stubAdapter) Converse(ctx context.Context, req *backend.Request) (backend.Response, error) {
	s.calls++
	if s.respond == nil {
		return &backend.SingleShot{ID: "chatcmpl-1", Model: "gpt", Content: "The derivative is 2x."}, nil
	}
	return s.respond()
}

type stubTitler struct{}

func (stubTitler) Complete(ctx context.Context, eff *tenant.Effective, messages []backend.ChatMessage, opts backend.CompletionOptions) (*backend.SingleShot, error) {
	return &backend.SingleShot{Content: `{"title": "Derivative Rules"}`}, nil
}

func sseResponse(lines ...string) backend.Response {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("data: ")
		b.WriteString(l)
		b.WriteString("\n\n")
	}
	return backend.NewDeltaStream(io.NopCloser(strings.NewReader(b.String())), backend.FormatCompletion, "req-1")
}

type testEnv struct {
	gw      *Gateway
	store   *store.MockStore
	adapter *stubAdapter
	handler http.Handler
}

// testConfig creates a minimal config for handler tests.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Auth:   config.AuthConfig{JWTSecret: testSecret, CookieName: "coursechat_session"},
		Directory: config.DirectoryConfig{
			TokenHeader: "X-MS-TOKEN-AAD-ACCESS-TOKEN",
		},
		History: config.HistoryConfig{
			ReplayWindow:      time.Minute,
			ReplayCacheSize:   64,
			DeleteConcurrency: 2,
		},
	}
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()

	welcome := "Welcome to **Calculus**"
	catalog, err := config.NewCatalog(map[string]config.TenantSettings{
		config.DefaultTenant: {WelcomeMessage: &welcome},
	})
	require.NoError(t, err)

	env := &testEnv{store: store.NewMockStore(), adapter: &stubAdapter{}}
	gw, err := NewWithDeps(testConfig(), Deps{
		Store:    env.store,
		Registry: config.NewStaticRegistry(catalog),
		Adapters: conversation.Adapters{Completion: env.adapter},
		Titler:   stubTitler{},
		Limiter:  limiter,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	env.gw = gw
	env.handler = gw.Handler()
	return env
}

func token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	tok, err := auth.NewJWTVerifier([]byte(testSecret)).Generate(&auth.Session{
		Tenant: "math101",
		UserID: userID,
		Name:   "Alice",
		Course: "Calculus I",
		Roles:  roles,
	}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, tok, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

func assistantContent(env normalize.Envelope) string {
	if len(env.Choices) == 0 {
		return ""
	}
	for _, f := range env.Choices[0].Messages {
		if f.Role == normalize.RoleAssistant {
			return f.Content
		}
	}
	return ""
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	env.store.FailOn("HealthCheck", errors.New("disk gone"))
	rec = env.do(t, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/conversation", "", `{"messages":[]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/conversation", "not-a-jwt", `{"messages":[]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, env.adapter.calls)
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "trace-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "trace-123", rec.Header().Get(RequestIDHeader))

	rec = env.do(t, http.MethodGet, "/health", "", "")
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestConversation_SingleShot(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/conversation", token(t, "alice"),
		`{"messages":[{"role":"user","content":"What is d/dx x^2?"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	got := decode[normalize.Envelope](t, rec)
	assert.Equal(t, "The derivative is 2x.", assistantContent(got))
	assert.Empty(t, got.HistoryMetadata.ConversationID)
	assert.Equal(t, 0, env.store.MessageCount("math101#alice"), "plain conversation stores nothing")
}

func TestConversation_Streaming(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.respond = func() (backend.Response, error) {
		return sseResponse(
			`{"id":"c1","model":"gpt","object":"chat.completion.chunk","created":1,"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"id":"c1","model":"gpt","object":"chat.completion.chunk","created":1,"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"id":"c1","model":"gpt","object":"chat.completion.chunk","created":1,"choices":[{"delta":{"content":"lo"}}]}`,
			`[DONE]`,
		), nil
	}

	rec := env.do(t, http.MethodPost, "/conversation", token(t, "alice"),
		`{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ndjsonContentType, rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "[DONE]")

	var snapshots []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var line normalize.Envelope
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		snapshots = append(snapshots, assistantContent(line))
	}
	require.NotEmpty(t, snapshots)
	assert.Equal(t, "Hello", snapshots[len(snapshots)-1])
	assert.Contains(t, snapshots, "Hel")
}

func TestConversation_BackendFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.respond = func() (backend.Response, error) {
		return nil, &backend.APIError{Backend: "completion", Status: http.StatusBadGateway, Message: "upstream down"}
	}

	rec := env.do(t, http.MethodPost, "/conversation", token(t, "alice"),
		`{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, errorMessage(t, rec))
}

func TestInvalidJSON(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/history/generate", token(t, "alice"), `{"messages":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON body", errorMessage(t, rec))
}

func TestHistoryLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := token(t, "alice")

	rec := env.do(t, http.MethodGet, "/history/list", tok, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No conversations for alice were found", errorMessage(t, rec))

	rec = env.do(t, http.MethodPost, "/history/generate", tok,
		`{"messages":[{"role":"user","content":"How do I differentiate x^2?"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	generated := decode[normalize.Envelope](t, rec)
	convID := generated.HistoryMetadata.ConversationID
	require.NotEmpty(t, convID)
	assert.Equal(t, "Derivative Rules", generated.HistoryMetadata.Title)
	assert.NotEmpty(t, generated.HistoryMetadata.Date)

	update := `{"conversation_id":"` + convID + `","messages":[` +
		`{"role":"user","content":"How do I differentiate x^2?"},` +
		`{"role":"assistant","content":"The derivative is 2x."}]}`
	rec = env.do(t, http.MethodPost, "/history/update", tok, update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/history/update", tok, update)
	require.Equal(t, http.StatusOK, rec.Code, "replayed update still succeeds")

	rec = env.do(t, http.MethodPost, "/history/read", tok, `{"conversation_id":"`+convID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	read := decode[readResponse](t, rec)
	assert.Equal(t, convID, read.ConversationID)
	require.Len(t, read.Messages, 2, "replay was not stored twice")
	assert.Equal(t, "user", read.Messages[0].Role)
	assert.Equal(t, "assistant", read.Messages[1].Role)
	assert.NotEmpty(t, read.Messages[1].CreatedAt)

	rec = env.do(t, http.MethodPost, "/history/rename", tok, `{"conversation_id":"`+convID+`","title":"Power Rule"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Power Rule", decode[conversationView](t, rec).Title)

	rec = env.do(t, http.MethodGet, "/history/list?order=asc&offset=0", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]conversationView](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "Power Rule", list[0].Title)
	assert.Equal(t, "alice", list[0].UserID)

	rec = env.do(t, http.MethodPost, "/history/clear", tok, `{"conversation_id":"`+convID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Successfully deleted messages in conversation", decode[messageResponse](t, rec).Message)
	assert.Equal(t, 0, env.store.MessageCount("math101#alice#"+convID))

	rec = env.do(t, http.MethodDelete, "/history/delete", tok, `{"conversation_id":"`+convID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, messageResponse{
		Message:        "Successfully deleted conversation and messages",
		ConversationID: convID,
	}, decode[messageResponse](t, rec))

	rec = env.do(t, http.MethodPost, "/history/read", tok, `{"conversation_id":"`+convID+`"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := token(t, "alice")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		msg    string
	}{
		{"generate without user message", http.MethodPost, "/history/generate",
			`{"messages":[{"role":"assistant","content":"hi"}]}`, http.StatusBadRequest, "No user message found"},
		{"update without conversation", http.MethodPost, "/history/update",
			`{"messages":[{"role":"assistant","content":"hi"}]}`, http.StatusBadRequest, "No conversation_id found"},
		{"update without bot message", http.MethodPost, "/history/update",
			`{"conversation_id":"c1","messages":[{"role":"user","content":"hi"}]}`, http.StatusBadRequest, "No bot messages found"},
		{"rename without title", http.MethodPost, "/history/rename",
			`{"conversation_id":"c1"}`, http.StatusBadRequest, "title is required"},
		{"read unknown conversation", http.MethodPost, "/history/read",
			`{"conversation_id":"missing"}`, http.StatusNotFound,
			"Conversation missing was not found. It either does not exist or the logged in user does not have access to it."},
		{"delete all with nothing stored", http.MethodDelete, "/history/delete_all",
			"", http.StatusNotFound, "No conversations for alice were found"},
		{"bad offset", http.MethodGet, "/history/list?offset=-1",
			"", http.StatusBadRequest, "offset must be a non-negative integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tok, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.msg, errorMessage(t, rec))
		})
	}
}

func TestHistory_CrossUserIsolation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/history/generate", token(t, "alice"),
		`{"messages":[{"role":"user","content":"secret question"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	convID := decode[normalize.Envelope](t, rec).HistoryMetadata.ConversationID

	rec = env.do(t, http.MethodPost, "/history/read", token(t, "mallory"), `{"conversation_id":"`+convID+`"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteAll(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := token(t, "alice")

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/history/generate", tok, `{"messages":[{"role":"user","content":"q"}]}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodDelete, "/history/delete_all", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[deleteAllResponse](t, rec)
	assert.Equal(t, "Successfully deleted conversation and messages for user alice", got.Message)
	assert.Equal(t, 3, got.Deleted)
	assert.Zero(t, got.Failed)
}

func TestEnsure(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := token(t, "alice")

	rec := env.do(t, http.MethodGet, "/history/ensure", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Chat history database is configured and working", decode[messageResponse](t, rec).Message)

	env.store.FailOn("HealthCheck", errors.New("disk gone"))
	rec = env.do(t, http.MethodGet, "/history/ensure", tok, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Chat history database is not working", errorMessage(t, rec))
}

func TestConfig_RoleGated(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/config", token(t, "alice", "Learner"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	student := decode[map[string]any](t, rec)
	assert.Equal(t, "student", student["role"])
	assert.Equal(t, "math101", student["qcontext"])
	assert.Equal(t, "Welcome to **Calculus**", student["welcome_message"])
	assert.Contains(t, student["welcome_html"], "<strong>Calculus</strong>")
	assert.NotContains(t, student, "model_name")
	assert.NotContains(t, student, "system_message")

	rec = env.do(t, http.MethodGet, "/lti/config", token(t, "prof", "http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	instructor := decode[map[string]any](t, rec)
	assert.Equal(t, "instructor", instructor["role"])
	assert.Equal(t, tenant.DefaultModelName, instructor["model_name"])
	assert.Contains(t, instructor, "welcome_html")
	assert.NotContains(t, instructor, "search_key")
}

func TestConfig_Overrides(t *testing.T) {
	env := newTestEnv(t, nil)
	prof := token(t, "prof", "Instructor")
	student := token(t, "alice", "Learner")

	rec := env.do(t, http.MethodPost, "/config/welcomeMessage", student, `{"message":"hacked"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", errorMessage(t, rec))

	rec = env.do(t, http.MethodPost, "/config/welcomeMessage", prof, `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/config/welcomeMessage", prof, `{"message":"hi","scope":"everyone"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/config/welcomeMessage", prof, `{"message":"Draft welcome"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/config", student, "")
	assert.Equal(t, "Welcome to **Calculus**", decode[map[string]any](t, rec)["welcome_message"],
		"personal overrides are private")

	rec = env.do(t, http.MethodPost, "/lti/config/welcomeMessage", prof, `{"welcome_message":"Office hours Friday","scope":"published"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/config", student, "")
	assert.Equal(t, "Office hours Friday", decode[map[string]any](t, rec)["welcome_message"])

	rec = env.do(t, http.MethodPost, "/config/systemMessage", prof, `{"system_message":"You tutor {course}.","scope":"published"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/config", prof, "")
	assert.Equal(t, "You tutor Calculus I.", decode[map[string]any](t, rec)["system_message"])

	entries, err := env.store.ListAuditLog(context.Background(), store.AuditFilter{Tenant: "math101"})
	require.NoError(t, err)
	require.Len(t, entries, 3, "rejected writes are not recorded")
	assert.Equal(t, store.AuditSetSystemMessage, entries[0].Action)
	assert.Equal(t, config.DefaultTenant, entries[0].ConfigKey)
	assert.Equal(t, "prof", entries[2].ConfigKey)
	assert.Equal(t, "prof", entries[2].ActorID)
}

func TestRateLimit(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewFixedWindow(redis.Addr(), "", "test:turns", 1, time.Minute, testLogger())
	require.NoError(t, err)

	env := newTestEnv(t, limiter)
	body := `{"messages":[{"role":"user","content":"hi"}]}`

	rec := env.do(t, http.MethodPost, "/conversation", token(t, "alice"), body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/history/generate", token(t, "alice"), body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", errorMessage(t, rec))

	rec = env.do(t, http.MethodPost, "/conversation", token(t, "bob"), body)
	assert.Equal(t, http.StatusOK, rec.Code, "limits are per user")

	rec = env.do(t, http.MethodGet, "/history/ensure", token(t, "alice"), "")
	assert.Equal(t, http.StatusOK, rec.Code, "history reads are not limited")
}

func TestReady_FollowsRateLimiter(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewFixedWindow(redis.Addr(), "", "test:turns", 10, time.Minute, testLogger())
	require.NoError(t, err)

	env := newTestEnv(t, limiter)

	rec := env.do(t, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	redis.Close()
	rec = env.do(t, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "rate limiter unavailable", rec.Body.String())
}

func TestConversation_NoMessages(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/conversation", token(t, "alice"), `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "messages are required", errorMessage(t, rec))
	assert.Equal(t, 0, env.adapter.calls)
}

func TestObserveSessionRecordsUser(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/history/ensure", token(t, "alice", "Learner"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	user, err := env.store.GetUser(context.Background(), "math101", "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.DisplayName)
	assert.Equal(t, []string{"Learner"}, user.Roles)
}

func TestNewWithDeps_Validation(t *testing.T) {
	_, err := NewWithDeps(testConfig(), Deps{}, testLogger())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Auth.JWTSecret = ""
	catalog, err := config.NewCatalog(map[string]config.TenantSettings{config.DefaultTenant: {}})
	require.NoError(t, err)
	_, err = NewWithDeps(cfg, Deps{Store: store.NewMockStore(), Registry: config.NewStaticRegistry(catalog)}, testLogger())
	assert.Error(t, err)
}

// freeAddr reserves a loopback port and releases it for the server to take.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestGatewayRunAndShutdown(t *testing.T) {
	dir := t.TempDir()
	tenantsPath := filepath.Join(dir, "tenants.yaml")
	require.NoError(t, os.WriteFile(tenantsPath, []byte("default:\n  title: Course Chat\n"), 0600))

	cfg := testConfig()
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Server.GRPCAddr = freeAddr(t)
	cfg.Database.Path = filepath.Join(dir, "history.db")
	cfg.Tenants.Path = tenantsPath
	cfg.ApplyDefaults()

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.store)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}
}

func TestReloadTenants(t *testing.T) {
	dir := t.TempDir()
	tenantsPath := filepath.Join(dir, "tenants.yaml")
	require.NoError(t, os.WriteFile(tenantsPath, []byte("default:\n  title: One\n"), 0600))

	registry, err := config.NewRegistry(tenantsPath)
	require.NoError(t, err)

	gw, err := NewWithDeps(testConfig(), Deps{Store: store.NewMockStore(), Registry: registry}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	require.NoError(t, os.WriteFile(tenantsPath, []byte("default:\n  title: Two\nmath101:\n  title: Calc\n"), 0600))
	require.NoError(t, gw.ReloadTenants())
	assert.Equal(t, 2, registry.Catalog().Len())

	require.NoError(t, os.WriteFile(tenantsPath, []byte("math101:\n  title: Calc\n"), 0600))
	assert.Error(t, gw.ReloadTenants())
	assert.Equal(t, 2, registry.Catalog().Len(), "previous catalog stays active")
}
