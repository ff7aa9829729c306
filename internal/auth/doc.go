// Package auth authenticates launch sessions for coursechat-gateway.
//
// # Sessions
//
// A learning-platform launch is represented by a Session: the tenant (course
// context id), the user id, the display name and course title used for
// placeholder substitution, and the launch roles.
//
// Sessions travel as HS256 JWTs signed with the configured jwt_secret:
//
//	verifier := NewJWTVerifier(secret)
//	token, err := verifier.Generate(session, time.Hour)
//	session, err := verifier.Verify(token)
//
// A token without a tenant or user id is rejected.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware reads the token from the Authorization bearer header,
// falling back to the configured session cookie, and stores the Session in
// the request context. Handlers read it with FromContext or MustFromContext.
//
// RequirePrivilegedHTTP rejects sessions without a privileged role with 403.
//
// # Roles
//
// Roles may be plain names ("Instructor") or vocabulary URIs; URIs are matched
// on their final fragment. Instructor, Administrator, TeachingAssistant and
// ContentDeveloper are privileged and may read and write configuration.
package auth
