package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"investcalc.org/internal/auth"
)

var _ auth.Ledger = (*Store)(nil)

const revokeActive = `update refresh_tokens set revoked_at=$2 where token_id=$1 and revoked_at is null`

func (s *Store) Record(ctx context.Context, e auth.LedgerEntry) error {
	return recordEntry(ctx, s.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func recordEntry(ctx context.Context, db execer, e auth.LedgerEntry) error {
	_, err := db.ExecContext(ctx, `
		insert into refresh_tokens(token_id, subject_id, expires_at, created_at)
		values ($1, $2, $3, now())
	`, e.TokenID, e.SubjectID, e.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.ErrConflict
			case pgErrForeignKeyViolation:
				return auth.ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, tokenID string) (auth.LedgerEntry, error) {
	e := auth.LedgerEntry{TokenID: tokenID}
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select subject_id, expires_at, revoked_at from refresh_tokens where token_id=$1
	`, tokenID).Scan(&e.SubjectID, &e.ExpiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.LedgerEntry{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.LedgerEntry{}, err
	}
	if revoked.Valid {
		at := revoked.Time
		e.RevokedAt = &at
	}
	return e, nil
}

// Revoke is a single conditional update; the row lock it takes orders
// concurrent callers and only the first one sees a row affected.
func (s *Store) Revoke(ctx context.Context, tokenID string, at time.Time) error {
	return revokeEntry(ctx, s.db, tokenID, at)
}

func revokeEntry(ctx context.Context, db execer, tokenID string, at time.Time) error {
	res, err := db.ExecContext(ctx, revokeActive, tokenID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrConflict
	}
	return nil
}

func (s *Store) Rotate(ctx context.Context, oldID string, next auth.LedgerEntry, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := revokeEntry(ctx, tx, oldID, at); err != nil {
		return err
	}
	if err := recordEntry(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RevokeSubject(ctx context.Context, subjectID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at=$2 where subject_id=$1 and revoked_at is null
	`, subjectID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
