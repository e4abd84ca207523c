// Package interceptors holds the HTTP middleware shared by every route:
// bearer token authentication, per-tenant rate limiting and request logging.
package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const tenantIDKey contextKey = "tenant_id"

var (
	ErrMissingToken  = errors.New("authorization header required")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrMissingTenant = errors.New("token has no tenant_id claim")
)

// Claims are the JWT claims the API understands.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// WithTenantID stores the authenticated tenant in ctx.
func WithTenantID(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantIDFromContext returns the tenant set by the auth middleware.
func GetTenantIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(tenantIDKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator creates an authenticator for the given signing secret
func NewAuthenticator(secret string, logger *slog.Logger) *Authenticator {
	return &Authenticator{secret: []byte(secret), logger: logger}
}

// IssueToken signs a token for tenantID valid for ttl.
func (a *Authenticator) IssueToken(tenantID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID: tenantID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken validates a token and returns its tenant.
func (a *Authenticator) ParseToken(tokenString string) (uuid.UUID, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, ErrInvalidToken
	}
	if claims.TenantID == "" {
		return uuid.Nil, ErrMissingTenant
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return uuid.Nil, ErrMissingTenant
	}
	return tenantID, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// tenant in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if tokenString == "" {
			WriteError(w, http.StatusUnauthorized, ErrMissingToken.Error())
			return
		}

		tenantID, err := a.ParseToken(tokenString)
		if err != nil {
			a.logger.DebugContext(r.Context(), "token rejected", "path", r.URL.Path, "error", err)
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithTenantID(r.Context(), tenantID)))
	})
}
