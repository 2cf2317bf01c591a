package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "covenant-identity"

// Claims identify the caller. Authorization level is never carried in the
// token; it is resolved per request.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// TokenOption configures Tokens.
type TokenOption func(*Tokens)

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(t *Tokens) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			t.issuer = issuer
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TokenOption {
	return func(t *Tokens) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTokens constructs a verifier for the given shared secret.
func NewTokens(secret string, opts ...TokenOption) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	t := &Tokens{secret: []byte(secret), issuer: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Generate signs a token for the given identity.
func (t *Tokens) Generate(identityID, email string, ttl time.Duration) (string, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return "", errors.New("identity id is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	now := t.now().UTC()
	claims := Claims{
		Email: strings.ToLower(strings.TrimSpace(email)),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate verifies the signature and required claims.
func (t *Tokens) ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithIssuer(t.issuer))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := t.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (t *Tokens) validateClaims(claims *Claims) error {
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := t.now().UTC()
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
