// ABOUTME: Session context for tracking the launched user through request handlers
// ABOUTME: Provides WithSession/FromContext and role classification

package auth

import (
	"context"
	"strings"
)

// Session holds the authenticated launch identity extracted from a request.
type Session struct {
	Tenant string   // course context id
	UserID string   // launch subject
	Name   string   // display name, substituted for {person}
	Course string   // course title, substituted for {course}
	Roles  []string // launch roles, plain names or vocabulary URIs
}

var privilegedRoles = map[string]bool{
	"instructor":        true,
	"administrator":     true,
	"admin":             true,
	"teachingassistant": true,
	"contentdeveloper":  true,
}

// IsPrivileged returns true if any role grants configuration access.
// Role URIs are matched on the fragment after the last '#' or '/'.
func (s *Session) IsPrivileged() bool {
	for _, r := range s.Roles {
		if i := strings.LastIndexAny(r, "#/"); i >= 0 {
			r = r[i+1:]
		}
		if privilegedRoles[strings.ToLower(r)] {
			return true
		}
	}
	return false
}

// Role returns the label reported to the frontend: "instructor" or "student".
func (s *Session) Role() string {
	if s.IsPrivileged() {
		return "instructor"
	}
	return "student"
}

type sessionContextKey struct{}

// WithSession returns a new context with the Session attached.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// FromContext retrieves the Session from the context, returning nil if not present.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionContextKey{}).(*Session)
	return s
}

// MustFromContext retrieves the Session from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Session {
	s := FromContext(ctx)
	if s == nil {
		panic("auth: Session not found in context")
	}
	return s
}
