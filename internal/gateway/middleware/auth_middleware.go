// Package middleware holds the HTTP cross-cutting handlers of the gateway.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthenticatedUser is the caller identity extracted from a verified token.
type AuthenticatedUser struct {
	ID        string
	TeamID    string
	CompanyID string
	IsAdmin   bool
}

type contextKey string

const userContextKey contextKey = "authenticated_user"

// UserFromContext returns the identity placed by Authenticator, if any.
func UserFromContext(ctx context.Context) (*AuthenticatedUser, bool) {
	user, ok := ctx.Value(userContextKey).(*AuthenticatedUser)
	return user, ok
}

type accessClaims struct {
	TeamID    string `json:"team_id"`
	CompanyID string `json:"company_id"`
	IsAdmin   bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Authenticator verifies a Bearer token signed with the shared HS256 secret
// and stores the caller identity in the request context. Requests without a
// valid token get 401 and never reach the handler.
func Authenticator(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	secretBytes := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || tokenStr == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			claims := &accessClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return secretBytes, nil
			})
			if err != nil || !token.Valid {
				logger.WarnContext(r.Context(), "rejected token", "error", err, "remote_addr", r.RemoteAddr)
				unauthorized(w, "invalid token")
				return
			}

			user := &AuthenticatedUser{
				ID:        claims.Subject,
				TeamID:    claims.TeamID,
				CompanyID: claims.CompanyID,
				IsAdmin:   claims.IsAdmin,
			}
			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"code": "UNAUTHORIZED", "message": message})
}
