// ABOUTME: JWT session token verification and issuance for course launches
// ABOUTME: Uses HS256 signing; claims carry tenant, user, display name, course and roles

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// SessionClaims is the JWT payload issued by the launch layer.
type SessionClaims struct {
	Tenant string   `json:"ctx"`
	Name   string   `json:"name,omitempty"`
	Course string   `json:"course,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Session, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the session. "sub" and "ctx" are required.
func (v *JWTVerifier) Verify(tokenString string) (*Session, error) {
	var claims SessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.Tenant == "" {
		return nil, fmt.Errorf("%w: ctx", ErrMissingClaim)
	}

	return &Session{
		Tenant: claims.Tenant,
		UserID: claims.Subject,
		Name:   claims.Name,
		Course: claims.Course,
		Roles:  claims.Roles,
	}, nil
}

// Generate signs a session token valid for expiresIn.
func (v *JWTVerifier) Generate(s *Session, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		Tenant: s.Tenant,
		Name:   s.Name,
		Course: s.Course,
		Roles:  s.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
