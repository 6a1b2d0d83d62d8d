package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"investcalc.org/internal/auth"
)

var _ auth.CredentialStore = (*Store)(nil)

const principalColumns = `id, username, roles, password_hash, status, created_at, updated_at`

func (s *Store) Create(ctx context.Context, p auth.Principal) error {
	roles, err := json.Marshal(nonNilRoles(p.Roles))
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into principals(`+principalColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.Username, roles, p.PasswordHash, string(p.Status), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) Find(ctx context.Context, id string) (auth.Principal, error) {
	return s.scanPrincipal(s.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where id=$1`, id))
}

func (s *Store) FindByUsername(ctx context.Context, username string) (auth.Principal, error) {
	return s.scanPrincipal(s.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where username=$1`, username))
}

func (s *Store) scanPrincipal(row *sql.Row) (auth.Principal, error) {
	var (
		p      auth.Principal
		roles  []byte
		status string
	)
	err := row.Scan(&p.ID, &p.Username, &roles, &p.PasswordHash, &status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Principal{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Principal{}, err
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &p.Roles); err != nil {
			return auth.Principal{}, fmt.Errorf("decode roles: %w", err)
		}
	}
	p.Status = auth.Status(status)
	return p, nil
}

func (s *Store) SetRoles(ctx context.Context, id string, roles []string, at time.Time) error {
	raw, err := json.Marshal(nonNilRoles(roles))
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	return s.updatePrincipal(ctx, `update principals set roles=$2, updated_at=$3 where id=$1`, id, raw, at)
}

func (s *Store) SetPasswordHash(ctx context.Context, id, hash string, at time.Time) error {
	return s.updatePrincipal(ctx, `update principals set password_hash=$2, updated_at=$3 where id=$1`, id, hash, at)
}

func (s *Store) SetStatus(ctx context.Context, id string, status auth.Status, at time.Time) error {
	return s.updatePrincipal(ctx, `update principals set status=$2, updated_at=$3 where id=$1`, id, string(status), at)
}

func (s *Store) updatePrincipal(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func nonNilRoles(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}
