package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"erpnotify/internal/httputil"
	"erpnotify/internal/model"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// UserIDKey is the context key for the authenticated user's ID
	UserIDKey contextKey = "user_id"
	// RoleKey is the context key for the authenticated user's role
	RoleKey contextKey = "role"
)

var errInvalidClaims = errors.New("invalid token claims")

// ParseUserID validates a JWT and extracts the user_id claim. Shared by the
// HTTP middleware and the WebSocket handler (which reads the token from a
// query param).
func ParseUserID(tokenString, jwtSecret string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return 0, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, errInvalidClaims
	}
	userIDFloat, ok := claims["user_id"].(float64)
	if !ok {
		return 0, errInvalidClaims
	}
	return int64(userIDFloat), nil
}

// AuthMiddleware creates a middleware that validates JWT tokens.
// Checks Authorization header first (for API clients), then falls back to
// cookie (for web).
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tokenString string

			authHeader := r.Header.Get("Authorization")
			if authHeader != "" {
				// Expected format: "Bearer <token>"
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
					tokenString = parts[1]
				}
			}

			if tokenString == "" {
				cookie, err := r.Cookie("access_token")
				if err == nil && cookie.Value != "" {
					tokenString = cookie.Value
				}
			}

			if tokenString == "" {
				httputil.WriteUnauthorized(w, "Missing authentication token")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil {
				if strings.Contains(err.Error(), "expired") {
					httputil.WriteUnauthorizedWithCode(w, model.CodeTokenExpired, "Access token has expired")
					return
				}
				httputil.WriteUnauthorizedWithCode(w, model.CodeTokenInvalid, "Invalid authentication token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				httputil.WriteUnauthorizedWithCode(w, model.CodeTokenInvalid, "Invalid authentication token")
				return
			}

			userIDFloat, ok := claims["user_id"].(float64)
			if !ok {
				httputil.WriteUnauthorizedWithCode(w, model.CodeTokenInvalid, "Invalid token claims")
				return
			}
			userID := int64(userIDFloat)

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			if role, ok := claims["role"].(string); ok {
				ctx = context.WithValue(ctx, RoleKey, role)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuthMiddleware attaches the user ID when a valid token is presented
// but never rejects the request. Subscription registration accepts anonymous
// callers.
func OptionalAuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tokenString string

			authHeader := r.Header.Get("Authorization")
			if authHeader != "" {
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
					tokenString = parts[1]
				}
			}
			if tokenString == "" {
				cookie, err := r.Cookie("access_token")
				if err == nil && cookie.Value != "" {
					tokenString = cookie.Value
				}
			}

			if tokenString != "" {
				if userID, err := ParseUserID(tokenString, jwtSecret); err == nil {
					r = r.WithContext(context.WithValue(r.Context(), UserIDKey, userID))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin gates admin-only routes. It must run after AuthMiddleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(RoleKey).(string)
		if role != "admin" {
			httputil.WriteForbidden(w, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetUserIDFromContext extracts the user ID from the request context.
// Returns the user ID and true if found, or 0 and false if not found.
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok
}
