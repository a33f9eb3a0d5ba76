package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/medcore/realtime/internal/auth"
	"github.com/medcore/realtime/internal/registry"
)

// TokenValidator validates a client credential and returns the identity it names.
// Any error rejects the connection.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*registry.Identity, error)
}

// JWTValidator implements TokenValidator using the auth package
type JWTValidator struct {
	config *auth.TokenConfig
}

// NewJWTValidator creates a new JWT validator
func NewJWTValidator(config *auth.TokenConfig) *JWTValidator {
	return &JWTValidator{config: config}
}

// ValidateToken validates a JWT and returns the identity
func (v *JWTValidator) ValidateToken(ctx context.Context, token string) (*registry.Identity, error) {
	principal, err := auth.Authenticate(token, v.config)
	if err != nil {
		return nil, err
	}
	return &registry.Identity{
		Username: principal.Username,
		UserID:   principal.ID,
	}, nil
}

// Handshake is what a connecting client presents before admission
type Handshake struct {
	// Token is the transport's own handshake authentication field
	Token      string
	Header     http.Header
	Query      url.Values
	RemoteAddr string
}

// HandshakeFromRequest captures the header, query and remote address of an upgrade request
func HandshakeFromRequest(r *http.Request) Handshake {
	return Handshake{
		Header:     r.Header,
		Query:      r.URL.Query(),
		RemoteAddr: r.RemoteAddr,
	}
}

// Credential returns the handshake token, falling back to an Authorization: Bearer header
func (h Handshake) Credential() string {
	if token := strings.TrimSpace(h.Token); token != "" {
		return token
	}
	authHeader := h.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

// UnitID is the organizational unit declared at connect time
func (h Handshake) UnitID() string {
	return strings.TrimSpace(h.Query.Get("unitId"))
}

// TerminalID is the terminal declared at connect time
func (h Handshake) TerminalID() string {
	return strings.TrimSpace(h.Query.Get("terminalId"))
}
