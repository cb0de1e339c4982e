package auth

import (
	"context"
	"strings"
	"sync"
)

// MemStore implements Store in memory for tests and local development.
type MemStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	byEmail  map[string]string
	refresh  map[string]*RefreshToken
	byTokenH map[string]string
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:    make(map[string]*User),
		byEmail:  make(map[string]string),
		refresh:  make(map[string]*RefreshToken),
		byTokenH: make(map[string]string),
	}
}

func (s *MemStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, exists := s.byEmail[key]; exists {
		return ErrAlreadyExists
	}
	cp := *u
	s.users[u.ID] = &cp
	s.byEmail[key] = u.ID
	return nil
}

func (s *MemStore) UserByID(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemStore) UpdateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return ErrNotFound
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemStore) CreateRefreshToken(ctx context.Context, tok *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.refresh[tok.ID] = &cp
	s.byTokenH[tok.TokenHash] = tok.ID
	return nil
}

func (s *MemStore) RefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTokenH[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.refresh[id]
	return &cp, nil
}

func (s *MemStore) RevokeRefreshToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refresh[id]
	if !ok {
		return ErrNotFound
	}
	tok.Revoked = true
	return nil
}

func (s *MemStore) RevokeRefreshTokensByUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.refresh {
		if tok.UserID == userID {
			tok.Revoked = true
		}
	}
	return nil
}

var _ Store = (*MemStore)(nil)
