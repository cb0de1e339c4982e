package pg

import (
	"context"
	"database/sql"
	"errors"

	"inksign.org/internal/auth"
)

// AuthStore implements auth.Store over the same connection pool.
type AuthStore struct {
	db *sql.DB
}

var _ auth.Store = (*AuthStore)(nil)

// Auth returns the auth persistence view of the store.
func (s *Store) Auth() *AuthStore { return &AuthStore{db: s.db} }

func (s *AuthStore) CreateUser(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, email, name, password_hash, status, failed_logins, locked_until, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, u.ID, u.Email, u.Name, u.PasswordHash, u.Status, u.FailedLogins, nullTime(u.LockedUntil), u.CreatedAt, u.UpdatedAt)
	return err
}

func (s *AuthStore) UserByID(ctx context.Context, id string) (*auth.User, error) {
	return s.userBy(ctx, `id=$1`, id)
}

func (s *AuthStore) UserByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.userBy(ctx, `email=lower($1)`, email)
}

func (s *AuthStore) userBy(ctx context.Context, where string, arg any) (*auth.User, error) {
	var u auth.User
	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, email, name, password_hash, status, failed_logins, locked_until, created_at, updated_at
		from users where `+where, arg).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash,
		&u.Status, &u.FailedLogins, &lockedUntil, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.LockedUntil = nullTimePtr(lockedUntil)
	return &u, nil
}

func (s *AuthStore) UpdateUser(ctx context.Context, u *auth.User) error {
	res, err := s.db.ExecContext(ctx, `
		update users set email=$2, name=$3, password_hash=$4, status=$5,
			failed_logins=$6, locked_until=$7, updated_at=$8
		where id=$1
	`, u.ID, u.Email, u.Name, u.PasswordHash, u.Status, u.FailedLogins, nullTime(u.LockedUntil), u.UpdatedAt)
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

func (s *AuthStore) CreateRefreshToken(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, user_id, token_hash, expires_at, created_at, revoked)
		values ($1,$2,$3,$4,$5,$6)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt, tok.Revoked)
	return err
}

func (s *AuthStore) RefreshTokenByHash(ctx context.Context, hash string) (*auth.RefreshToken, error) {
	var tok auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, created_at, revoked
		from refresh_tokens where token_hash=$1
	`, hash).Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt, &tok.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *AuthStore) RevokeRefreshToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked=true where id=$1`, id)
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

func (s *AuthStore) RevokeRefreshTokensByUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked=true where user_id=$1`, userID)
	return err
}
