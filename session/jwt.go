package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// DefaultSessionTTL is the lifetime of minted session tokens.
const DefaultSessionTTL = time.Hour

// JWTMinter mints HS256 signed JWTs and verifies them.
type JWTMinter struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

var _ Minter = (*JWTMinter)(nil)

// NewJWTMinter creates a minter signing with the given secret. issuer is set
// as the "iss" claim. A ttl of 0 means DefaultSessionTTL.
func NewJWTMinter(secret []byte, issuer string, ttl time.Duration) (*JWTMinter, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &JWTMinter{
		secret: secret,
		issuer: issuer,
		ttl:    ttl,
	}, nil
}

// Mint creates a session token for the user. Scope is carried as a claim and
// echoed in the response.
func (m *JWTMinter) Mint(ctx context.Context, userID, scope string) (*Token, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iss": m.issuer,
		"iat": now.Unix(),
		"exp": now.Add(m.ttl).Unix(),
	}
	if scope != "" {
		claims["scope"] = scope
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(m.ttl.Seconds()),
		Scope:       scope,
	}, nil
}

// Verify validates a token string and returns the user ID from the "sub"
// claim. Used by resource servers embedding this module.
func (m *JWTMinter) Verify(tokenString string) (userID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}
