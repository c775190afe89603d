package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/recoveryd/internal/auth"
)

func TestTokenService_IssueAndValidate(t *testing.T) {
	svc := auth.NewTokenService(auth.TokenConfig{Secret: "test-secret-key-for-testing-only"})

	token, expiresAt, err := svc.Issue("ops@host", time.Hour, auth.ScopeReset)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.Validate(token, auth.ScopeReset)
	require.NoError(t, err)
	assert.Equal(t, "ops@host", claims.Subject)
	assert.Equal(t, auth.Issuer, claims.Issuer)
	assert.True(t, claims.HasScope(auth.ScopeReset))
}

func TestTokenService_InvalidToken(t *testing.T) {
	svc := auth.NewTokenService(auth.TokenConfig{Secret: "test-secret-key-for-testing-only"})

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"malformed token", "not.a.valid.jwt"},
		{"invalid base64", "xxx.yyy.zzz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Validate(tt.token, auth.ScopeReset)
			assert.ErrorIs(t, err, auth.ErrInvalidToken)
		})
	}
}

func TestTokenService_WrongSigningKey(t *testing.T) {
	token, _, err := auth.NewTokenService(auth.TokenConfig{Secret: "key-one"}).Issue("ops", time.Hour, auth.ScopeReset)
	require.NoError(t, err)

	_, err = auth.NewTokenService(auth.TokenConfig{Secret: "key-two"}).Validate(token, auth.ScopeReset)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestTokenService_Expired(t *testing.T) {
	now := time.Now()
	issuer := auth.NewTokenService(auth.TokenConfig{Secret: "k", Now: func() time.Time { return now.Add(-2 * time.Hour) }})
	token, _, err := issuer.Issue("ops", time.Hour, auth.ScopeReset)
	require.NoError(t, err)

	_, err = auth.NewTokenService(auth.TokenConfig{Secret: "k"}).Validate(token, auth.ScopeReset)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestTokenService_MissingScope(t *testing.T) {
	svc := auth.NewTokenService(auth.TokenConfig{Secret: "k"})
	token, _, err := svc.Issue("viewer", time.Hour)
	require.NoError(t, err)

	_, err = svc.Validate(token, auth.ScopeReset)
	assert.ErrorIs(t, err, auth.ErrMissingScope)

	_, err = svc.Validate(token, "")
	assert.NoError(t, err)
}
