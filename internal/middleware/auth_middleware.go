package middleware

import (
	"context"
	"net/http"
	"strings"

	"collab-sync-server/pkg/jwt"
	"collab-sync-server/pkg/response"
)

type contextKey string

const UserIDKey contextKey = "userID"

// BearerToken returns the token from the Authorization header, falling back
// to the token query parameter browsers use for websocket upgrades.
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && scheme == "Bearer" {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("token")
}

// AuthMiddleware admits requests carrying a valid access token. Refresh
// tokens are only good for minting new access tokens.
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				response.Unauthorized(w, "Missing bearer token")
				return
			}

			claims, err := jwt.ValidateToken(token, jwtSecret)
			if err != nil || claims.TokenType == jwt.TokenTypeRefresh {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserID(r *http.Request) string {
	userID, _ := r.Context().Value(UserIDKey).(string)
	return userID
}
