package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
)

// Token validation failures. Each one is also an ErrUnauthorized.
var (
	ErrMalformedToken   = fmt.Errorf("%w: malformed token", ErrUnauthorized)
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrUnauthorized)
	ErrTokenExpired     = fmt.Errorf("%w: token expired", ErrUnauthorized)
	ErrInvalidClaims    = fmt.Errorf("%w: invalid claims", ErrUnauthorized)
	ErrWrongTokenType   = fmt.Errorf("%w: wrong token type", ErrUnauthorized)
	ErrTokenRevoked     = fmt.Errorf("%w: token revoked", ErrUnauthorized)
)

// ErrRotationConflict is returned to the caller that lost a refresh rotation
// race. It matches both ErrConflict and ErrTokenRevoked.
var ErrRotationConflict = fmt.Errorf("%w: %w", ErrConflict, ErrTokenRevoked)
