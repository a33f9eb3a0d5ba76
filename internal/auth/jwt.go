// Package auth verifies the bearer tokens presented to the realtime service
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token expired")
	ErrSecretNotConfigured = errors.New("JWT secret not configured")
)

// Claims carried by platform tokens. The subject is the username; older tokens
// put it in the username claim instead.
type Claims struct {
	Username string `json:"username,omitempty"`
	ID       string `json:"id,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig holds JWT configuration
type TokenConfig struct {
	Issuer string
	Expiry time.Duration
	Secret []byte
}

// Principal is the identity extracted from a valid token
type Principal struct {
	Username string
	ID       string
}

// GenerateToken signs a token for username. userID may be empty.
func GenerateToken(username, userID string, config *TokenConfig) (string, error) {
	if config == nil || len(config.Secret) == 0 {
		return "", ErrSecretNotConfigured
	}

	now := time.Now()
	claims := Claims{
		ID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    config.Issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(config.Expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(config.Secret)
}

// ValidateToken verifies a token and returns its claims
func ValidateToken(tokenString string, config *TokenConfig) (*Claims, error) {
	if config == nil || len(config.Secret) == 0 {
		return nil, ErrSecretNotConfigured
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return config.Secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Authenticate validates a token and resolves the principal it names
func Authenticate(tokenString string, config *TokenConfig) (*Principal, error) {
	claims, err := ValidateToken(tokenString, config)
	if err != nil {
		return nil, err
	}

	username := claims.Subject
	if username == "" {
		username = claims.Username
	}
	if username == "" {
		return nil, ErrInvalidToken
	}

	return &Principal{Username: username, ID: claims.ID}, nil
}
