package access

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"inksign.org/internal/envelope"
)

// ErrInvalidAccessCode is returned for every validation failure: wrong code,
// wrong envelope/recipient pair, or a revoked code. The reason is never
// distinguished to the caller.
var ErrInvalidAccessCode = errors.New("access: invalid access code")

// CodeStore is the persistence surface the issuer needs. Only a salted hash
// of the code is ever stored.
type CodeStore interface {
	SetAccessCodeHash(ctx context.Context, envelopeID, recipientID, hash string) error
	AccessCodeHash(ctx context.Context, envelopeID, recipientID string) (hash string, revoked bool, err error)
	RevokeAccessCodes(ctx context.Context, envelopeID string) error
}

// codeBytes sized well past the 2^40 guessing-resistance target: 10 random
// bytes give 2^80 possible codes.
const codeBytes = 10

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Issuer produces and validates per-recipient signing credentials.
type Issuer struct {
	store CodeStore
	cost  int
}

// Option configures the Issuer.
type Option func(*Issuer)

// WithCost overrides the bcrypt cost; tests lower it.
func WithCost(cost int) Option {
	return func(i *Issuer) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			i.cost = cost
		}
	}
}

// NewIssuer creates an issuer backed by the given store.
func NewIssuer(store CodeStore, opts ...Option) *Issuer {
	i := &Issuer{store: store, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue generates a fresh code for the recipient, persists its bcrypt hash,
// and returns the plaintext exactly once. Re-issuing replaces the old code.
func (i *Issuer) Issue(ctx context.Context, envelopeID, recipientID string) (string, error) {
	var raw [codeBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate access code: %w", err)
	}
	code := codeEncoding.EncodeToString(raw[:])
	hash, err := bcrypt.GenerateFromPassword([]byte(code), i.cost)
	if err != nil {
		return "", fmt.Errorf("hash access code: %w", err)
	}
	if err := i.store.SetAccessCodeHash(ctx, envelopeID, recipientID, string(hash)); err != nil {
		return "", err
	}
	return code, nil
}

// Validate checks the code against the stored hash for the exact
// envelope/recipient pair. Every failure mode collapses into
// ErrInvalidAccessCode.
func (i *Issuer) Validate(ctx context.Context, code, envelopeID, recipientID string) error {
	if code == "" {
		return ErrInvalidAccessCode
	}
	hash, revoked, err := i.store.AccessCodeHash(ctx, envelopeID, recipientID)
	if err != nil {
		if errors.Is(err, envelope.ErrNotFound) {
			return ErrInvalidAccessCode
		}
		return err
	}
	if revoked || hash == "" {
		return ErrInvalidAccessCode
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)); err != nil {
		return ErrInvalidAccessCode
	}
	return nil
}

// RevokeAll permanently invalidates every recipient's code for the envelope.
// Calling it twice has the same effect as calling it once.
func (i *Issuer) RevokeAll(ctx context.Context, envelopeID string) error {
	return i.store.RevokeAccessCodes(ctx, envelopeID)
}
