package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims are the JWT claims the operator API expects.
type OperatorClaims struct {
	jwt.RegisteredClaims
	OperatorID string   `json:"operator_id"`
	Roles      []string `json:"roles"`
}

// JWTValidator validates HS256 bearer tokens against the shared API secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator. An empty secret yields a nil
// validator, and the middleware then rejects everything (fail closed).
func NewJWTValidator(secret []byte) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	return &JWTValidator{secret: secret}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

type claimsKey struct{}

// ClaimsFrom extracts the authenticated claims from a request context.
func ClaimsFrom(ctx context.Context) (*OperatorClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*OperatorClaims)
	return claims, ok
}

// PrimaryRole returns the caller's first role, or "viewer" when none is set.
func (c *OperatorClaims) PrimaryRole() string {
	if len(c.Roles) == 0 {
		return "viewer"
	}
	return c.Roles[0]
}

var publicPaths = map[string]bool{
	"/health":    true,
	"/readiness": true,
}

// AuthMiddleware enforces bearer auth on every non-public path. A nil
// validator rejects all authenticated paths.
func AuthMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if validator == nil {
				WriteUnauthorized(w, "authentication is not configured")
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				// SSE clients cannot set headers from EventSource; accept the
				// token as a query parameter on the stream path only.
				if strings.HasSuffix(r.URL.Path, "/stream") {
					token = r.URL.Query().Get("access_token")
				}
				if token == "" {
					WriteUnauthorized(w, "")
					return
				}
			}

			claims, err := validator.Validate(token)
			if err != nil {
				WriteUnauthorized(w, "invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
