// ABOUTME: HTTP handlers that publish and update tenant configuration
// ABOUTME: Students see the welcome view; instructors see and edit the full config

package gateway

import (
	"bytes"
	"net/http"

	"github.com/2389/coursechat-gateway/internal/auth"
	"github.com/2389/coursechat-gateway/internal/config"
	"github.com/2389/coursechat-gateway/internal/conversation"
	"github.com/2389/coursechat-gateway/internal/store"
	"github.com/2389/coursechat-gateway/internal/tenant"
)

const (
	scopePersonal  = "personal"
	scopePublished = "published"
)

var errMessageRequired = &conversation.ConfigurationError{Msg: "message is required"}

// welcomeView is what non-privileged callers may see.
type welcomeView struct {
	WelcomeMessage string `json:"welcome_message"`
	WelcomeImage   string `json:"welcome_image"`
	WelcomeHTML    string `json:"welcome_html"`
	Role           string `json:"role"`
	Tenant         string `json:"qcontext"`
}

// fullView is the privileged view of the effective configuration.
type fullView struct {
	*tenant.Effective
	WelcomeHTML string `json:"welcome_html"`
	Role        string `json:"role"`
}

// overrideBody accepts the generic message key and the per-field keys the
// launch frontend sends.
type overrideBody struct {
	Message        string `json:"message"`
	WelcomeMessage string `json:"welcome_message"`
	SystemMessage  string `json:"system_message"`
	Scope          string `json:"scope"`
}

func (b *overrideBody) text(fieldValue string) string {
	if b.Message != "" {
		return b.Message
	}
	return fieldValue
}

// renderWelcome converts the markdown welcome message to HTML. A message that
// fails to render is returned unchanged.
func (g *Gateway) renderWelcome(r *http.Request, md string) string {
	if md == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(md), &buf); err != nil {
		loggerFrom(r.Context()).Warn("rendering welcome message failed", "error", err)
		return md
	}
	return buf.String()
}

func (g *Gateway) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	session := auth.MustFromContext(r.Context())

	eff, err := g.resolver.Resolve(r.Context(), actor(session))
	if err != nil {
		writeError(w, r, &conversation.StoreError{Op: "resolve config", Message: "Failed to load configuration", Err: err})
		return
	}

	html := g.renderWelcome(r, eff.WelcomeMessage)
	if session.IsPrivileged() {
		writeJSON(w, http.StatusOK, fullView{Effective: eff, WelcomeHTML: html, Role: session.Role()})
		return
	}
	writeJSON(w, http.StatusOK, welcomeView{
		WelcomeMessage: eff.WelcomeMessage,
		WelcomeImage:   eff.WelcomeImage,
		WelcomeHTML:    html,
		Role:           session.Role(),
		Tenant:         eff.Tenant,
	})
}

func (g *Gateway) handleSetWelcomeMessage(w http.ResponseWriter, r *http.Request) {
	g.setOverride(w, r, "welcome_message", store.AuditSetWelcomeMessage,
		func(b *overrideBody) string { return b.text(b.WelcomeMessage) },
		func(msg string) config.TenantSettings { return config.TenantSettings{WelcomeMessage: &msg} },
	)
}

func (g *Gateway) handleSetSystemMessage(w http.ResponseWriter, r *http.Request) {
	g.setOverride(w, r, "system_message", store.AuditSetSystemMessage,
		func(b *overrideBody) string { return b.text(b.SystemMessage) },
		func(msg string) config.TenantSettings { return config.TenantSettings{SystemMessage: &msg} },
	)
}

// setOverride writes one field into the caller's personal tier or, with
// scope "published", into the tenant's published tier.
func (g *Gateway) setOverride(w http.ResponseWriter, r *http.Request, field string, action store.AuditAction, value func(*overrideBody) string, patch func(string) config.TenantSettings) {
	session := auth.MustFromContext(r.Context())

	var body overrideBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	msg := value(&body)
	if msg == "" {
		writeError(w, r, errMessageRequired)
		return
	}

	key := session.UserID
	switch body.Scope {
	case "", scopePersonal:
	case scopePublished:
		key = config.DefaultTenant
	default:
		sendJSONError(w, http.StatusBadRequest, `scope must be "personal" or "published"`)
		return
	}

	if err := g.resolver.SetOverride(r.Context(), session.Tenant, key, patch(msg)); err != nil {
		writeError(w, r, &conversation.StoreError{Op: "set override", Message: "Failed to save configuration", Err: err})
		return
	}

	scope := scopeName(key)
	entry := &store.AuditEntry{
		Tenant:    session.Tenant,
		ActorID:   session.UserID,
		Action:    action,
		ConfigKey: key,
		Detail:    map[string]any{"field": field, "scope": scope},
	}
	if err := g.store.AppendAuditLog(r.Context(), entry); err != nil {
		loggerFrom(r.Context()).Warn("failed to record configuration change", "error", err)
	}
	loggerFrom(r.Context()).Info("configuration override saved",
		"tenant", session.Tenant,
		"user_id", session.UserID,
		"field", field,
		"scope", scope,
	)
	writeJSON(w, http.StatusOK, map[string]string{"message": field + " updated", "scope": scope})
}

func scopeName(key string) string {
	if key == config.DefaultTenant {
		return scopePublished
	}
	return scopePersonal
}
