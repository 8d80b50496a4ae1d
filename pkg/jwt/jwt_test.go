package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		expiration time.Duration
		secret     string
	}{
		{name: "valid token generation", userID: "user-123", expiration: 15 * time.Minute, secret: "test-secret-key-32-characters!"},
		{name: "short expiration", userID: "user-456", expiration: time.Second, secret: "test-secret"},
		{name: "long expiration", userID: "user-789", expiration: 24 * time.Hour, secret: "test-secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := GenerateToken(tt.userID, tt.expiration, tt.secret)
			require.NoError(t, err)
			assert.Greater(t, len(token), 100)
		})
	}
}

func TestGenerateRefreshToken(t *testing.T) {
	token, err := GenerateRefreshToken("user-refresh-test", 7*24*time.Hour, "refresh-secret-key")
	require.NoError(t, err)

	claims, err := ValidateToken(token, "refresh-secret-key")
	require.NoError(t, err)
	assert.Equal(t, TokenTypeRefresh, claims.TokenType)
}

func TestValidateToken(t *testing.T) {
	userID := "test-user-id"
	secret := "validation-secret-key-32-chars"

	validToken, err := GenerateToken(userID, time.Hour, secret)
	require.NoError(t, err)
	expiredToken, err := GenerateToken(userID, -time.Hour, secret)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		secret  string
		wantErr bool
	}{
		{name: "valid token", token: validToken, secret: secret},
		{name: "expired token", token: expiredToken, secret: secret, wantErr: true},
		{name: "wrong secret", token: validToken, secret: "wrong-secret", wantErr: true},
		{name: "invalid token format", token: "invalid.token.format", secret: secret, wantErr: true},
		{name: "empty token", token: "", secret: secret, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ValidateToken(tt.token, tt.secret)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, userID, claims.UserID)
		})
	}
}

func TestClaimsTimestamps(t *testing.T) {
	expiration := time.Hour

	before := time.Now().Add(-time.Second)
	token, err := GenerateToken("timestamp-test-user", expiration, "timestamp-test-secret")
	require.NoError(t, err)
	after := time.Now().Add(time.Second)

	claims, err := ValidateToken(token, "timestamp-test-secret")
	require.NoError(t, err)

	assert.WithinRange(t, claims.IssuedAt.Time, before, after)
	assert.WithinRange(t, claims.NotBefore.Time, before, after)
	assert.WithinRange(t, claims.ExpiresAt.Time, before.Add(expiration), after.Add(expiration))
}

func BenchmarkValidateToken(b *testing.B) {
	token, _ := GenerateToken("benchmark-user", 15*time.Minute, "benchmark-secret-key")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ValidateToken(token, "benchmark-secret-key"); err != nil {
			b.Fatal(err)
		}
	}
}
