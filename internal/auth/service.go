package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"inksign.org/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour

	maxFailedLogins = 5
	lockoutWindow   = 15 * time.Minute
)

// Service provides account registration, login with lockout, and token
// issuance backed by a Store.
type Service struct {
	store      Store
	now        func() time.Time
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// TokenPair carries an access token and its refresh companion.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// NewService constructs a Service over the store.
func NewService(store Store) *Service {
	return &Service{
		store:      store,
		now:        func() time.Time { return time.Now().UTC() },
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Register creates a user with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, email, name, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	name = strings.TrimSpace(name)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	if existing, err := s.store.UserByEmail(ctx, email); err == nil && existing != nil {
		return nil, ErrAlreadyExists
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now()
	u := &User{
		ID:           ids.New(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Status:       "active",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Login verifies credentials and issues tokens. Five consecutive failures
// lock the account for fifteen minutes; a successful login resets the count.
func (s *Service) Login(ctx context.Context, email, password string) (*User, TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, TokenPair{}, ErrUnauthorized
		}
		return nil, TokenPair{}, err
	}
	now := s.now()
	if u.LockedUntil != nil && now.Before(*u.LockedUntil) {
		return nil, TokenPair{}, ErrLocked
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		u.FailedLogins++
		if u.FailedLogins >= maxFailedLogins {
			until := now.Add(lockoutWindow)
			u.LockedUntil = &until
			u.FailedLogins = 0
		}
		u.UpdatedAt = now
		if err := s.store.UpdateUser(ctx, u); err != nil {
			return nil, TokenPair{}, err
		}
		return nil, TokenPair{}, ErrUnauthorized
	}

	u.FailedLogins = 0
	u.LockedUntil = nil
	u.UpdatedAt = now
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return nil, TokenPair{}, err
	}

	pair, err := s.issueTokens(ctx, u)
	if err != nil {
		return nil, TokenPair{}, err
	}
	return u, pair, nil
}

// Refresh exchanges a live refresh token for a new pair, revoking the old
// token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*User, TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, TokenPair{}, ErrUnauthorized
	}
	tok, err := s.store.RefreshTokenByHash(ctx, hashToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, TokenPair{}, ErrUnauthorized
		}
		return nil, TokenPair{}, err
	}
	now := s.now()
	if tok.Revoked || now.After(tok.ExpiresAt) {
		return nil, TokenPair{}, ErrUnauthorized
	}
	u, err := s.store.UserByID(ctx, tok.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, TokenPair{}, ErrUnauthorized
		}
		return nil, TokenPair{}, err
	}
	if err := s.store.RevokeRefreshToken(ctx, tok.ID); err != nil {
		return nil, TokenPair{}, err
	}
	pair, err := s.issueTokens(ctx, u)
	if err != nil {
		return nil, TokenPair{}, err
	}
	return u, pair, nil
}

func (s *Service) issueTokens(ctx context.Context, u *User) (TokenPair, error) {
	access, err := GenerateToken(u.ID, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := randomToken()
	if err != nil {
		return TokenPair{}, err
	}
	now := s.now()
	rt := &RefreshToken{
		ID:        ids.New(),
		UserID:    u.ID,
		TokenHash: hashToken(refresh),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	if err := s.store.CreateRefreshToken(ctx, rt); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshToken:     refresh,
		RefreshExpiresAt: rt.ExpiresAt,
	}, nil
}

func randomToken() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
