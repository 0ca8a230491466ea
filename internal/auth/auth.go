// Package auth validates bearer JWTs against a JWKS endpoint and exposes
// the extracted claims to request handlers. Token issuance and session
// management belong to the external identity provider; this package only
// verifies what arrives in the Authorization header.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/agentrt/internal/apperr"
)

// Claims holds the token fields the runtime consumes. Subject is the user
// id used for sandbox ownership and credit account resolution.
type Claims struct {
	Subject string
	Email   string

	// RawToken is the bearer token as presented, forwarded to the sandbox
	// MCP credential endpoint to authorize downstream tool traffic. Never
	// logged.
	RawToken string
}

// Validator verifies a bearer token and extracts claims.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// JWTValidator validates tokens signed by an external provider, fetching
// and caching the provider's JWKS with periodic refresh to survive key
// rotation.
type JWTValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewJWTValidator registers jwksURL for auto-refresh (every 15 minutes)
// and performs an initial fetch so misconfiguration fails at startup, not
// on the first request.
func NewJWTValidator(ctx context.Context, jwksURL, issuer, audience string) (*JWTValidator, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("auth: register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("auth: fetch JWKS from %s: %w", jwksURL, err)
	}
	return &JWTValidator{jwksURL: jwksURL, cache: cache, issuer: issuer, audience: audience}, nil
}

// ValidateToken verifies signature, expiry, issuer, and audience, then
// extracts the subject and email claims.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuth, "get JWKS", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuth, "invalid token", err)
	}

	claims := &Claims{Subject: token.Subject()}
	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			claims.Email = s
		}
	}
	if claims.Subject == "" {
		return nil, apperr.New(apperr.KindAuth, "token missing sub claim")
	}
	return claims, nil
}

type contextKey struct{}

// FromContext returns the claims a Middleware-wrapped handler runs with.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok
}

// Middleware rejects requests without a valid bearer token and stores the
// validated claims on the request context.
func Middleware(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			if raw == "" || !strings.HasPrefix(raw, "Bearer ") {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(raw, "Bearer ")
			claims, err := v.ValidateToken(r.Context(), token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			claims.RawToken = token
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
		})
	}
}
