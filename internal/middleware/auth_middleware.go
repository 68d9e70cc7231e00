package middleware

import (
	"context"
	"net/http"
	"strings"

	"fieldsync/pkg/jwt"
	"fieldsync/pkg/response"
)

type contextKey string

const NodeIDKey contextKey = "nodeID"

// AuthMiddleware admits requests carrying a valid node token and puts the
// node id in the request context.
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			claims, err := jwt.ValidateToken(token, jwtSecret)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			if info := requestInfoFrom(r.Context()); info != nil {
				info.nodeID = claims.NodeID
			}
			ctx := context.WithValue(r.Context(), NodeIDKey, claims.NodeID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken returns the token of an "Authorization: Bearer" header, or
// the token query parameter browsers must use for websockets.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return r.URL.Query().Get("token")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

func GetNodeID(r *http.Request) string {
	nodeID, ok := r.Context().Value(NodeIDKey).(string)
	if !ok {
		return ""
	}
	return nodeID
}
