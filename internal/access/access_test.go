package access

import (
	"context"
	"errors"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"inksign.org/internal/envelope"
)

type memCodeStore struct {
	mu      sync.Mutex
	hashes  map[string]string
	revoked map[string]bool
}

func newMemCodeStore() *memCodeStore {
	return &memCodeStore{hashes: make(map[string]string), revoked: make(map[string]bool)}
}

func (s *memCodeStore) key(envelopeID, recipientID string) string {
	return envelopeID + "/" + recipientID
}

func (s *memCodeStore) SetAccessCodeHash(ctx context.Context, envelopeID, recipientID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[s.key(envelopeID, recipientID)] = hash
	delete(s.revoked, envelopeID)
	return nil
}

func (s *memCodeStore) AccessCodeHash(ctx context.Context, envelopeID, recipientID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.hashes[s.key(envelopeID, recipientID)]
	if !ok {
		return "", false, envelope.ErrNotFound
	}
	return hash, s.revoked[envelopeID], nil
}

func (s *memCodeStore) RevokeAccessCodes(ctx context.Context, envelopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[envelopeID] = true
	return nil
}

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	issuer := NewIssuer(newMemCodeStore(), WithCost(bcrypt.MinCost))

	code, err := issuer.Issue(ctx, "env-1", "rcp-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if code == "" {
		t.Fatal("expected plaintext code")
	}
	if err := issuer.Validate(ctx, code, "env-1", "rcp-1"); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsWrongPair(t *testing.T) {
	ctx := context.Background()
	store := newMemCodeStore()
	issuer := NewIssuer(store, WithCost(bcrypt.MinCost))

	code1, err := issuer.Issue(ctx, "env-1", "rcp-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.Issue(ctx, "env-1", "rcp-2"); err != nil {
		t.Fatalf("issue second: %v", err)
	}

	cases := []struct {
		name               string
		code, envID, rcpID string
	}{
		{"wrong recipient", code1, "env-1", "rcp-2"},
		{"wrong envelope", code1, "env-2", "rcp-1"},
		{"wrong code", "WRONGCODE1234567", "env-1", "rcp-1"},
		{"empty code", "", "env-1", "rcp-1"},
		{"unknown recipient", code1, "env-1", "rcp-99"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := issuer.Validate(ctx, tc.code, tc.envID, tc.rcpID); !errors.Is(err, ErrInvalidAccessCode) {
				t.Fatalf("expected ErrInvalidAccessCode, got %v", err)
			}
		})
	}
}

func TestReissueReplacesCode(t *testing.T) {
	ctx := context.Background()
	issuer := NewIssuer(newMemCodeStore(), WithCost(bcrypt.MinCost))

	old, err := issuer.Issue(ctx, "env-1", "rcp-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	fresh, err := issuer.Issue(ctx, "env-1", "rcp-1")
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if err := issuer.Validate(ctx, old, "env-1", "rcp-1"); !errors.Is(err, ErrInvalidAccessCode) {
		t.Fatalf("old code should be invalid, got %v", err)
	}
	if err := issuer.Validate(ctx, fresh, "env-1", "rcp-1"); err != nil {
		t.Fatalf("fresh code should validate: %v", err)
	}
}

func TestRevokeAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	issuer := NewIssuer(newMemCodeStore(), WithCost(bcrypt.MinCost))

	code, err := issuer.Issue(ctx, "env-1", "rcp-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := issuer.RevokeAll(ctx, "env-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := issuer.RevokeAll(ctx, "env-1"); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if err := issuer.Validate(ctx, code, "env-1", "rcp-1"); !errors.Is(err, ErrInvalidAccessCode) {
		t.Fatalf("expected ErrInvalidAccessCode after revoke, got %v", err)
	}
}
