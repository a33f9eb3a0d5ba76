// Package middleware provides HTTP middleware for the API
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/medcore/realtime/internal/auth"
)

// ContextKey type for context values
type ContextKey string

const (
	// UsernameKey is the context key for the authenticated username
	UsernameKey ContextKey = "username"
	// UserIDKey is the context key for the authenticated user ID
	UserIDKey ContextKey = "user_id"
)

// JWTAuth creates middleware that validates JWT tokens
func JWTAuth(tokenConfig *auth.TokenConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Get Authorization header
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			// Check for Bearer prefix
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization header format")
			}

			principal, err := auth.Authenticate(parts[1], tokenConfig)
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					return echo.NewHTTPError(http.StatusUnauthorized, "token expired")
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(string(UsernameKey), principal.Username)
			c.Set(string(UserIDKey), principal.ID)

			return next(c)
		}
	}
}

// GetUsername retrieves the authenticated username from context
func GetUsername(c echo.Context) string {
	if username, ok := c.Get(string(UsernameKey)).(string); ok {
		return username
	}
	return ""
}

// GetUserID retrieves the authenticated user ID from context
func GetUserID(c echo.Context) string {
	if userID, ok := c.Get(string(UserIDKey)).(string); ok {
		return userID
	}
	return ""
}
