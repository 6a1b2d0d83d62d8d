package auth

import (
	"context"
	"time"
)

// CredentialStore persists principals.
type CredentialStore interface {
	// Create inserts p. A taken username yields ErrConflict.
	Create(ctx context.Context, p Principal) error
	Find(ctx context.Context, id string) (Principal, error)
	FindByUsername(ctx context.Context, username string) (Principal, error)
	SetRoles(ctx context.Context, id string, roles []string, at time.Time) error
	SetPasswordHash(ctx context.Context, id, hash string, at time.Time) error
	SetStatus(ctx context.Context, id string, status Status, at time.Time) error
}

// Ledger tracks issued refresh tokens so superseded ones cannot be replayed.
//
// Revoke and Rotate are compare-and-set operations on the entry's revoked
// state: when several callers race on the same token id exactly one of them
// succeeds and the rest get ErrConflict. Revoking an unknown token id also
// yields ErrConflict.
type Ledger interface {
	Record(ctx context.Context, entry LedgerEntry) error
	Lookup(ctx context.Context, tokenID string) (LedgerEntry, error)
	Revoke(ctx context.Context, tokenID string, at time.Time) error
	// Rotate revokes oldID and records next as one atomic step. Nothing is
	// recorded when the revoke loses.
	Rotate(ctx context.Context, oldID string, next LedgerEntry, at time.Time) error
	RevokeSubject(ctx context.Context, subjectID string, at time.Time) (int64, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}
