package auth

import (
	"slices"
	"strings"
	"time"
)

// Built-in role labels.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Status marks whether a principal may authenticate.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Principal is a subject that can authenticate. Principals are never
// deleted; disabling one blocks login and refresh.
type Principal struct {
	ID           string
	Username     string
	Roles        []string
	PasswordHash string
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Active reports whether the principal may authenticate.
func (p Principal) Active() bool { return p.Status == StatusActive }

// TokenType distinguishes access tokens from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims is the decoded, verified content of a token.
type Claims struct {
	SubjectID string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Type      TokenType
	TokenID   string
}

// Identity is attached to a request context once an access token passes the guard.
type Identity struct {
	SubjectID string
	Roles     []string
	TokenID   string
	ExpiresAt time.Time
}

// HasRole reports whether the identity carries role (case-insensitive).
func (i Identity) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	return role != "" && slices.Contains(i.Roles, role)
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// LedgerEntry tracks one issued refresh token.
type LedgerEntry struct {
	TokenID   string
	SubjectID string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Revoked reports whether the entry has been rotated or logged out.
func (e LedgerEntry) Revoked() bool { return e.RevokedAt != nil }

// NormalizeRoles lower-cases, trims and de-duplicates role labels, keeping order.
func NormalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}

func rolesIntersect(have, want []string) bool {
	for _, w := range NormalizeRoles(want) {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}
