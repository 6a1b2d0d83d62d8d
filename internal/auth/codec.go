package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims is the JWT payload.
type tokenClaims struct {
	Roles []string  `json:"roles,omitempty"`
	Type  TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens with a KeySet.
type Codec struct {
	keys   *KeySet
	issuer string
	now    func() time.Time
	ledger Ledger
	parser *jwt.Parser
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) error {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			return errors.New("auth: issuer must not be empty")
		}
		c.issuer = issuer
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) CodecOption {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// WithRevocationLedger enables the revocation check for refresh tokens.
func WithRevocationLedger(l Ledger) CodecOption {
	return func(c *Codec) error {
		c.ledger = l
		return nil
	}
}

// NewCodec constructs a Codec over an immutable key set.
func NewCodec(keys *KeySet, opts ...CodecOption) (*Codec, error) {
	if keys == nil {
		return nil, errors.New("auth: key set is required")
	}
	c := &Codec{
		keys:   keys,
		issuer: "investcalc",
		now:    time.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Now returns the codec's current time truncated to token precision.
func (c *Codec) Now() time.Time {
	return c.now().UTC().Truncate(time.Second)
}

// Encode signs claims with the newest eligible key.
func (c *Codec) Encode(claims Claims) (string, error) {
	if strings.TrimSpace(claims.SubjectID) == "" || claims.TokenID == "" {
		return "", fmt.Errorf("%w: subject and token id are required", ErrInvalidInput)
	}
	if claims.Type != TokenAccess && claims.Type != TokenRefresh {
		return "", fmt.Errorf("%w: unknown token type %q", ErrInvalidInput, claims.Type)
	}
	if !claims.ExpiresAt.After(claims.IssuedAt) {
		return "", fmt.Errorf("%w: expiry must follow issue time", ErrInvalidInput)
	}
	key, err := c.keys.signing(c.now())
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Roles: NormalizeRoles(claims.Roles),
		Type:  claims.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   claims.SubjectID,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
			ID:        claims.TokenID,
		},
	})
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies raw and returns its claims. Checks run in a fixed order and
// stop at the first failure: structure, signature, expiry, claims, then the
// ledger for refresh tokens.
//
// When the only failure is ErrTokenRevoked the verified claims are returned
// alongside the error.
func (c *Codec) Decode(ctx context.Context, raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrMalformedToken
	}
	unverified, _, err := c.parser.ParseUnverified(raw, &tokenClaims{})
	if err != nil {
		return Claims{}, ErrMalformedToken
	}

	tc, err := c.verify(raw, unverified)
	if err != nil {
		return Claims{}, err
	}

	now := c.now()
	if tc.ExpiresAt == nil {
		return Claims{}, ErrInvalidClaims
	}
	if !now.Before(tc.ExpiresAt.Time) {
		return Claims{}, ErrTokenExpired
	}
	claims, err := c.claimsFrom(tc)
	if err != nil {
		return Claims{}, err
	}

	if claims.Type == TokenRefresh && c.ledger != nil {
		entry, err := c.ledger.Lookup(ctx, claims.TokenID)
		switch {
		case errors.Is(err, ErrNotFound):
			return claims, ErrTokenRevoked
		case err != nil:
			return Claims{}, fmt.Errorf("ledger lookup: %w", err)
		case entry.SubjectID != claims.SubjectID:
			return Claims{}, ErrInvalidClaims
		case entry.Revoked():
			return claims, ErrTokenRevoked
		}
	}
	return claims, nil
}

// verify tries the accepted keys newest first. A kid header narrows the
// candidates to that single key.
func (c *Codec) verify(raw string, unverified *jwt.Token) (*tokenClaims, error) {
	candidates := c.keys.verifying(c.now())
	if kid, ok := unverified.Header["kid"].(string); ok && kid != "" {
		var match []Key
		for _, k := range candidates {
			if k.ID == kid {
				match = append(match, k)
				break
			}
		}
		candidates = match
	}
	if len(candidates) == 0 {
		return nil, ErrInvalidSignature
	}
	for _, k := range candidates {
		tc := &tokenClaims{}
		_, err := c.parser.ParseWithClaims(raw, tc, func(*jwt.Token) (any, error) {
			return k.Secret, nil
		})
		switch {
		case err == nil:
			return tc, nil
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformedToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			continue
		default:
			return nil, ErrMalformedToken
		}
	}
	return nil, ErrInvalidSignature
}

func (c *Codec) claimsFrom(tc *tokenClaims) (Claims, error) {
	if tc.Issuer != c.issuer {
		return Claims{}, ErrInvalidClaims
	}
	if strings.TrimSpace(tc.Subject) == "" || tc.ID == "" || tc.IssuedAt == nil {
		return Claims{}, ErrInvalidClaims
	}
	if !tc.ExpiresAt.Time.After(tc.IssuedAt.Time) {
		return Claims{}, ErrInvalidClaims
	}
	if tc.Type != TokenAccess && tc.Type != TokenRefresh {
		return Claims{}, ErrInvalidClaims
	}
	return Claims{
		SubjectID: tc.Subject,
		Roles:     NormalizeRoles(tc.Roles),
		IssuedAt:  tc.IssuedAt.Time.UTC(),
		ExpiresAt: tc.ExpiresAt.Time.UTC(),
		Type:      tc.Type,
		TokenID:   tc.ID,
	}, nil
}
