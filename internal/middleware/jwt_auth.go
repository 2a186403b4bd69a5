package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	lberrors "github.com/mir00r/domain-proxy/internal/errors"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

// AdminClaims represents the claims of an admin API token
type AdminClaims struct {
	jwt.RegisteredClaims
}

// TokenAuth guards mutating admin routes with HS256 bearer tokens.
// Read-only methods are not checked.
type TokenAuth struct {
	secret []byte
	logger *logger.Logger
}

// NewTokenAuth creates token auth; an empty secret disables it and returns nil
func NewTokenAuth(secret string, log *logger.Logger) *TokenAuth {
	if secret == "" {
		return nil
	}
	return &TokenAuth{
		secret: []byte(secret),
		logger: log.MiddlewareLogger("jwt_auth"),
	}
}

// IssueToken signs a token for subject valid for ttl
func (a *TokenAuth) IssueToken(subject string, ttl time.Duration) (string, error) {
	if a == nil {
		return "", errors.New("token auth is disabled")
	}

	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware returns the authentication middleware; a nil TokenAuth lets everything through
func (a *TokenAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				a.logger.WithFields(map[string]interface{}{
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT token missing")
				writeAuthError(w, "Authentication required")
				return
			}

			claims, err := a.validateToken(token)
			if err != nil {
				a.logger.WithError(err).WithFields(map[string]interface{}{
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT validation failed")
				writeAuthError(w, "Invalid token")
				return
			}

			a.logger.WithFields(map[string]interface{}{
				"subject": claims.Subject,
				"path":    r.URL.Path,
				"method":  r.Method,
			}).Debug("JWT validated")
			next.ServeHTTP(w, r)
		})
	}
}

func (a *TokenAuth) validateToken(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// extractToken reads a bearer token from the Authorization header
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, message string) {
	err := lberrors.NewError(lberrors.ErrCodeUnauthorized, "jwt_auth", message)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="domain-proxy"`)
	w.WriteHeader(err.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   string(err.Code),
		"message": err.Message,
	})
}
