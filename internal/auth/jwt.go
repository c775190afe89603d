// Package auth issues and validates the bearer tokens that guard the
// supervisor's control endpoints.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token defaults.
const (
	// DefaultTokenExpiry is the lifetime of an issued control token.
	DefaultTokenExpiry = 1 * time.Hour

	// Issuer is the issuer and audience of control tokens.
	Issuer = "recoveryd"

	// ScopeReset allows triggering a supervisor reset.
	ScopeReset = "reset"
)

// Predefined token errors.
var (
	ErrInvalidToken = errors.New("invalid control token")
	ErrTokenExpired = errors.New("control token has expired")
	ErrMissingScope = errors.New("control token lacks required scope")
)

// ControlClaims are the claims of a control token.
type ControlClaims struct {
	jwt.RegisteredClaims

	// Scopes lists the operations the bearer may perform.
	Scopes []string `json:"scp"`
}

// HasScope reports whether the claims grant a scope.
func (c *ControlClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenService signs and validates HS256 control tokens.
type TokenService struct {
	signingKey []byte
	now        func() time.Time
}

// TokenConfig holds configuration for the token service.
type TokenConfig struct {
	// Secret is the HMAC signing key.
	Secret string

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewTokenService creates a TokenService.
func NewTokenService(cfg TokenConfig) *TokenService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenService{
		signingKey: []byte(cfg.Secret),
		now:        cfg.Now,
	}
}

// Issue creates a token for subject with the given scopes. A non-positive ttl
// uses DefaultTokenExpiry.
func (s *TokenService) Issue(subject string, ttl time.Duration, scopes ...string) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultTokenExpiry
	}
	now := s.now()
	expiresAt := now.Add(ttl)

	claims := ControlClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{Issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			ID:        generateTokenID(),
		},
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing control token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// Validate parses a token and checks that it grants scope.
func (s *TokenService) Validate(tokenString, scope string) (*ControlClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ControlClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}

	claims, ok := token.Claims.(*ControlClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if scope != "" && !claims.HasScope(scope) {
		return nil, fmt.Errorf("%w: %s", ErrMissingScope, scope)
	}
	return claims, nil
}

func generateTokenID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
