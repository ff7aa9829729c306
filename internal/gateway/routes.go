// ABOUTME: HTTP route table for the gateway
// ABOUTME: Wires authentication, rate limiting and request logging around each handler

package gateway

import (
	"net/http"

	"github.com/2389/coursechat-gateway/internal/auth"
	"github.com/2389/coursechat-gateway/internal/store"
	"github.com/2389/coursechat-gateway/internal/tenant"
)

// Handler returns the gateway's HTTP handler with all middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	authed := auth.HTTPAuthMiddleware(g.verifier, g.config.Auth.CookieName, g.observeSession)
	privileged := auth.RequirePrivilegedHTTP()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}

	handle("POST /conversation", g.handleConversation)

	handle("POST /history/generate", g.handleGenerate)
	handle("POST /history/update", g.handleUpdate)
	handle("DELETE /history/delete", g.handleDelete)
	handle("GET /history/list", g.handleList)
	handle("POST /history/read", g.handleRead)
	handle("POST /history/rename", g.handleRename)
	handle("DELETE /history/delete_all", g.handleDeleteAll)
	handle("POST /history/clear", g.handleClear)
	handle("GET /history/ensure", g.handleEnsure)

	// The launch frontend calls the same endpoints under /lti.
	for _, prefix := range []string{"", "/lti"} {
		handle("GET "+prefix+"/config", g.handleGetConfig)
		mux.Handle("POST "+prefix+"/config/welcomeMessage", authed(privileged(http.HandlerFunc(g.handleSetWelcomeMessage))))
		mux.Handle("POST "+prefix+"/config/systemMessage", authed(privileged(http.HandlerFunc(g.handleSetSystemMessage))))
	}

	return withRequestLogging(g.logger, withRecovery(mux))
}

// observeSession records the launched user. Failures never block the request.
func (g *Gateway) observeSession(r *http.Request, s *auth.Session) {
	err := g.store.UpsertUser(r.Context(), &store.User{
		Tenant:      s.Tenant,
		ID:          s.UserID,
		DisplayName: s.Name,
		Roles:       s.Roles,
	})
	if err != nil {
		loggerFrom(r.Context()).Warn("recording user failed",
			"tenant", s.Tenant,
			"user_id", s.UserID,
			"error", err,
		)
	}
}

// actor converts a session into the identity configuration is resolved for.
func actor(s *auth.Session) tenant.Actor {
	return tenant.Actor{
		Tenant: s.Tenant,
		UserID: s.UserID,
		Name:   s.Name,
		Course: s.Course,
	}
}

// allowTurn applies the per-user turn limit, writing a 429 when exceeded.
func (g *Gateway) allowTurn(w http.ResponseWriter, r *http.Request, s *auth.Session) bool {
	if g.limiter == nil {
		return true
	}
	if g.limiter.Allow(r.Context(), store.UserKey(s.Tenant, s.UserID)) {
		return true
	}
	loggerFrom(r.Context()).Info("turn rate limited", "tenant", s.Tenant, "user_id", s.UserID)
	sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}
