package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"investcalc.org/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14

	minSecretLen = 8
)

var (
	usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{2,63}$`)
	rolePattern     = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)
)

// Service authenticates principals and manages the token lifecycle.
type Service struct {
	creds  CredentialStore
	ledger Ledger
	codec  *Codec

	accessTTL      time.Duration
	refreshTTL     time.Duration
	defaultRoles   []string
	reuseDetection bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithDefaultRoles sets the roles given to newly registered principals.
func WithDefaultRoles(roles ...string) ServiceOption {
	return func(s *Service) error {
		roles = NormalizeRoles(roles)
		if len(roles) == 0 {
			return errors.New("auth: default roles must not be empty")
		}
		s.defaultRoles = roles
		return nil
	}
}

// WithReuseDetection revokes every refresh token of a subject when one of
// its already revoked refresh tokens is presented again.
func WithReuseDetection(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.reuseDetection = enabled
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(creds CredentialStore, ledger Ledger, codec *Codec, opts ...ServiceOption) (*Service, error) {
	if creds == nil || ledger == nil || codec == nil {
		return nil, errors.New("auth: credential store, ledger and codec are required")
	}
	svc := &Service{
		creds:        creds,
		ledger:       ledger,
		codec:        codec,
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		defaultRoles: []string{RoleMember},
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.accessTTL >= svc.refreshTTL {
		return nil, fmt.Errorf("auth: access ttl %s must be shorter than refresh ttl %s", svc.accessTTL, svc.refreshTTL)
	}
	primeDummyHash()
	return svc, nil
}

// Login verifies credentials and issues a fresh token pair. Every failure
// returns the same ErrUnauthorized.
func (s *Service) Login(ctx context.Context, username, secret string) (TokenPair, Principal, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	p, err := s.creds.FindByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, err
		}
		burnPasswordCheck(secret)
		return TokenPair{}, Principal{}, ErrUnauthorized
	}
	if !VerifySecret(p, secret) || !p.Active() {
		return TokenPair{}, Principal{}, ErrUnauthorized
	}
	pair, entry, err := s.mint(p)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	if err := s.ledger.Record(ctx, entry); err != nil {
		return TokenPair{}, Principal{}, fmt.Errorf("record refresh token: %w", err)
	}
	return pair, p, nil
}

// Authorize validates an access token and, when roles are given, requires
// at least one of them. The returned context carries the Identity.
func (s *Service) Authorize(ctx context.Context, token string, roles ...string) (context.Context, Identity, error) {
	claims, err := s.codec.Decode(ctx, token)
	if err != nil {
		return ctx, Identity{}, err
	}
	if claims.Type != TokenAccess {
		return ctx, Identity{}, ErrWrongTokenType
	}
	if len(roles) > 0 && !rolesIntersect(claims.Roles, roles) {
		return ctx, Identity{}, ErrForbidden
	}
	id := Identity{
		SubjectID: claims.SubjectID,
		Roles:     claims.Roles,
		TokenID:   claims.TokenID,
		ExpiresAt: claims.ExpiresAt,
	}
	return ContextWithIdentity(ctx, id), id, nil
}

// Refresh exchanges a live refresh token for a new pair. The presented token
// is revoked and the new one recorded in a single ledger step; a caller that
// loses a race on the same token gets ErrRotationConflict.
func (s *Service) Refresh(ctx context.Context, token string) (TokenPair, Principal, error) {
	claims, err := s.decodeRefresh(ctx, token)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	p, err := s.creds.Find(ctx, claims.SubjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrUnauthorized
		}
		return TokenPair{}, Principal{}, err
	}
	if !p.Active() {
		return TokenPair{}, Principal{}, ErrUnauthorized
	}
	pair, entry, err := s.mint(p)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	if err := s.ledger.Rotate(ctx, claims.TokenID, entry, s.codec.Now()); err != nil {
		if errors.Is(err, ErrConflict) {
			return TokenPair{}, Principal{}, ErrRotationConflict
		}
		return TokenPair{}, Principal{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	return pair, p, nil
}

// Logout revokes a refresh token without issuing a replacement.
func (s *Service) Logout(ctx context.Context, token string) (Claims, error) {
	claims, err := s.decodeRefresh(ctx, token)
	if err != nil {
		return Claims{}, err
	}
	if err := s.ledger.Revoke(ctx, claims.TokenID, s.codec.Now()); err != nil {
		if errors.Is(err, ErrConflict) {
			return Claims{}, ErrRotationConflict
		}
		return Claims{}, fmt.Errorf("revoke refresh token: %w", err)
	}
	return claims, nil
}

func (s *Service) decodeRefresh(ctx context.Context, token string) (Claims, error) {
	claims, err := s.codec.Decode(ctx, token)
	if err != nil {
		if s.reuseDetection && errors.Is(err, ErrTokenRevoked) && claims.SubjectID != "" {
			if _, rerr := s.ledger.RevokeSubject(ctx, claims.SubjectID, s.codec.Now()); rerr != nil {
				return Claims{}, errors.Join(err, rerr)
			}
		}
		return Claims{}, err
	}
	if claims.Type != TokenRefresh {
		return Claims{}, ErrWrongTokenType
	}
	return claims, nil
}

// Register creates an active principal holding the default roles.
func (s *Service) Register(ctx context.Context, username, secret string) (Principal, error) {
	return s.createPrincipal(ctx, username, secret, s.defaultRoles)
}

// EnsurePrincipal creates username with roles unless it already exists.
func (s *Service) EnsurePrincipal(ctx context.Context, username, secret string, roles []string) (Principal, bool, error) {
	existing, err := s.creds.FindByUsername(ctx, strings.TrimSpace(strings.ToLower(username)))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Principal{}, false, err
	}
	p, err := s.createPrincipal(ctx, username, secret, roles)
	if err != nil {
		return Principal{}, false, err
	}
	return p, true, nil
}

func (s *Service) createPrincipal(ctx context.Context, username, secret string, roles []string) (Principal, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	if !usernamePattern.MatchString(username) {
		return Principal{}, fmt.Errorf("%w: username must be 3-64 characters of a-z, 0-9, '.', '_' or '-'", ErrInvalidInput)
	}
	if err := validateSecret(secret); err != nil {
		return Principal{}, err
	}
	roles, err := validateRoles(roles)
	if err != nil {
		return Principal{}, err
	}
	hash, err := HashPassword(secret)
	if err != nil {
		return Principal{}, err
	}
	now := s.codec.Now()
	p := Principal{
		ID:           ids.New(),
		Username:     username,
		Roles:        roles,
		PasswordHash: hash,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.creds.Create(ctx, p); err != nil {
		return Principal{}, err
	}
	return p, nil
}

// Principal loads a principal by id.
func (s *Service) Principal(ctx context.Context, id string) (Principal, error) {
	return s.creds.Find(ctx, strings.TrimSpace(id))
}

// AssignRoles replaces the principal's roles. Tokens already issued keep
// their roles until they expire; refreshed pairs pick up the new set.
func (s *Service) AssignRoles(ctx context.Context, id string, roles []string) (Principal, error) {
	roles, err := validateRoles(roles)
	if err != nil {
		return Principal{}, err
	}
	if err := s.creds.SetRoles(ctx, id, roles, s.codec.Now()); err != nil {
		return Principal{}, err
	}
	return s.creds.Find(ctx, id)
}

// RotateSecret replaces the principal's secret and revokes its refresh tokens.
func (s *Service) RotateSecret(ctx context.Context, id, secret string) error {
	if err := validateSecret(secret); err != nil {
		return err
	}
	hash, err := HashPassword(secret)
	if err != nil {
		return err
	}
	now := s.codec.Now()
	if err := s.creds.SetPasswordHash(ctx, id, hash, now); err != nil {
		return err
	}
	_, err = s.ledger.RevokeSubject(ctx, id, now)
	return err
}

// Disable soft-disables the principal and revokes its refresh tokens.
func (s *Service) Disable(ctx context.Context, id string) error {
	now := s.codec.Now()
	if err := s.creds.SetStatus(ctx, id, StatusDisabled, now); err != nil {
		return err
	}
	_, err := s.ledger.RevokeSubject(ctx, id, now)
	return err
}

// PurgeExpired drops ledger entries whose refresh tokens can no longer verify.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.ledger.PurgeExpired(ctx, s.codec.Now())
}

func (s *Service) mint(p Principal) (TokenPair, LedgerEntry, error) {
	now := s.codec.Now()
	access := Claims{
		SubjectID: p.ID,
		Roles:     p.Roles,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.accessTTL),
		Type:      TokenAccess,
		TokenID:   uuid.NewString(),
	}
	refresh := Claims{
		SubjectID: p.ID,
		Roles:     p.Roles,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
		Type:      TokenRefresh,
		TokenID:   uuid.NewString(),
	}
	accessToken, err := s.codec.Encode(access)
	if err != nil {
		return TokenPair{}, LedgerEntry{}, err
	}
	refreshToken, err := s.codec.Encode(refresh)
	if err != nil {
		return TokenPair{}, LedgerEntry{}, err
	}
	return TokenPair{
			AccessToken:      accessToken,
			RefreshToken:     refreshToken,
			AccessExpiresAt:  access.ExpiresAt,
			RefreshExpiresAt: refresh.ExpiresAt,
		}, LedgerEntry{
			TokenID:   refresh.TokenID,
			SubjectID: p.ID,
			ExpiresAt: refresh.ExpiresAt,
		}, nil
}

func validateSecret(secret string) error {
	if len(secret) < minSecretLen || len(secret) > maxPasswordBytes {
		return fmt.Errorf("%w: secret must be %d-%d bytes", ErrInvalidInput, minSecretLen, maxPasswordBytes)
	}
	return nil
}

func validateRoles(roles []string) ([]string, error) {
	roles = NormalizeRoles(roles)
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: at least one role is required", ErrInvalidInput)
	}
	for _, r := range roles {
		if !rolePattern.MatchString(r) {
			return nil, fmt.Errorf("%w: invalid role %q", ErrInvalidInput, r)
		}
	}
	return roles, nil
}
