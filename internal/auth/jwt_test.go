package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testConfig() *TokenConfig {
	return &TokenConfig{
		Issuer: "medcore",
		Expiry: time.Hour,
		Secret: []byte("test-secret"),
	}
}

func TestGenerateToken(t *testing.T) {
	config := testConfig()

	t.Run("generates valid token", func(t *testing.T) {
		token, err := GenerateToken("nurse.ana", "u-1", config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token == "" {
			t.Error("expected non-empty token")
		}
	})

	t.Run("requires a secret", func(t *testing.T) {
		_, err := GenerateToken("nurse.ana", "", &TokenConfig{})
		if err != ErrSecretNotConfigured {
			t.Errorf("expected ErrSecretNotConfigured, got %v", err)
		}
	})
}

func TestValidateToken(t *testing.T) {
	config := testConfig()

	t.Run("validates correct token", func(t *testing.T) {
		token, _ := GenerateToken("nurse.ana", "u-1", config)
		claims, err := ValidateToken(token, config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if claims.Subject != "nurse.ana" {
			t.Errorf("expected subject 'nurse.ana', got '%s'", claims.Subject)
		}
		if claims.ID != "u-1" {
			t.Errorf("expected id 'u-1', got '%s'", claims.ID)
		}
	})

	t.Run("rejects invalid token", func(t *testing.T) {
		_, err := ValidateToken("invalid-token", config)
		if err != ErrInvalidToken {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("rejects expired token", func(t *testing.T) {
		expired := testConfig()
		expired.Expiry = -time.Minute
		token, _ := GenerateToken("nurse.ana", "", expired)

		_, err := ValidateToken(token, config)
		if err != ErrExpiredToken {
			t.Errorf("expected ErrExpiredToken, got %v", err)
		}
	})

	t.Run("rejects token signed with another secret", func(t *testing.T) {
		other := testConfig()
		other.Secret = []byte("other-secret")
		token, _ := GenerateToken("nurse.ana", "", other)

		_, err := ValidateToken(token, config)
		if err != ErrInvalidToken {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("rejects wrong issuer", func(t *testing.T) {
		other := testConfig()
		other.Issuer = "someone-else"
		token, _ := GenerateToken("nurse.ana", "", other)

		_, err := ValidateToken(token, config)
		if err != ErrInvalidToken {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("rejects unsigned token", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "nurse.ana"})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}

		_, err = ValidateToken(signed, config)
		if err != ErrInvalidToken {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("missing secret fails validation", func(t *testing.T) {
		token, _ := GenerateToken("nurse.ana", "", config)
		_, err := ValidateToken(token, &TokenConfig{})
		if err != ErrSecretNotConfigured {
			t.Errorf("expected ErrSecretNotConfigured, got %v", err)
		}
	})
}

func TestAuthenticate(t *testing.T) {
	config := testConfig()

	sign := func(claims jwt.MapClaims) string {
		claims["iss"] = config.Issuer
		claims["exp"] = time.Now().Add(time.Hour).Unix()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(config.Secret)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return token
	}

	tests := []struct {
		name     string
		claims   jwt.MapClaims
		expected *Principal
		wantErr  bool
	}{
		{
			name:     "username from subject",
			claims:   jwt.MapClaims{"sub": "nurse.ana", "id": "u-1"},
			expected: &Principal{Username: "nurse.ana", ID: "u-1"},
		},
		{
			name:     "username claim when subject is absent",
			claims:   jwt.MapClaims{"username": "dr.rui"},
			expected: &Principal{Username: "dr.rui"},
		},
		{
			name:     "subject wins over username claim",
			claims:   jwt.MapClaims{"sub": "a", "username": "b"},
			expected: &Principal{Username: "a"},
		},
		{
			name:    "no username at all",
			claims:  jwt.MapClaims{"id": "u-1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			principal, err := Authenticate(sign(tt.claims), config)
			if tt.wantErr {
				if err != ErrInvalidToken {
					t.Errorf("expected ErrInvalidToken, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if *principal != *tt.expected {
				t.Errorf("expected %+v, got %+v", tt.expected, principal)
			}
		})
	}
}
