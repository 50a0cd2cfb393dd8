// Package auth issues and validates the HS256 token pair and manages user
// accounts. Access tokens are short-lived; refresh tokens only mint new
// access tokens and are never rotated on use.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token types carried in the "type" claim.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

var (
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrWrongTokenUse = errors.New("auth: wrong token type")
)

// Claims is the JWT payload for both token types.
type Claims struct {
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// TokenManager signs and parses the token pair.
type TokenManager struct {
	secret        []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
}

func NewTokenManager(secret string, accessExpiry, refreshExpiry time.Duration) *TokenManager {
	if accessExpiry <= 0 {
		accessExpiry = 30 * time.Minute
	}
	if refreshExpiry <= 0 {
		refreshExpiry = 7 * 24 * time.Hour
	}
	return &TokenManager{
		secret:        []byte(secret),
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
	}
}

// AccessTTL reports the access token lifetime, for expires_in responses.
func (m *TokenManager) AccessTTL() time.Duration { return m.accessExpiry }

// IssuePair returns access and refresh tokens for the user.
func (m *TokenManager) IssuePair(userID uuid.UUID) (access, refresh string, err error) {
	if access, err = m.issue(userID, TokenAccess, m.accessExpiry); err != nil {
		return "", "", err
	}
	if refresh, err = m.issue(userID, TokenRefresh, m.refreshExpiry); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// IssueAccess mints a fresh access token, used by the refresh flow.
func (m *TokenManager) IssueAccess(userID uuid.UUID) (string, error) {
	return m.issue(userID, TokenAccess, m.accessExpiry)
}

func (m *TokenManager) issue(userID uuid.UUID, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

// Parse validates the signature and expiry and checks the token was issued
// for the expected use. Returns the user id from the subject claim.
func (m *TokenManager) Parse(token, expectedType string) (uuid.UUID, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return uuid.Nil, ErrInvalidToken
	}
	if claims.TokenType != expectedType {
		return uuid.Nil, ErrWrongTokenUse
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return userID, nil
}
