package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Event is one workflow occurrence worth a tamper-evident record: a state
// transition or a field completion.
type Event struct {
	EnvelopeID  string            `json:"envelope_id"`
	Type        string            `json:"type"`
	Actor       string            `json:"actor"`
	RecipientID string            `json:"recipient_id,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Details     map[string]string `json:"details,omitempty"`
}

// Record is an event committed to the chain. Hash covers PrevHash and the
// event's canonical serialization, so any rewrite of history breaks every
// subsequent record.
type Record struct {
	Seq      int    `json:"seq"`
	Event    Event  `json:"event"`
	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash"`
}

// Store persists per-envelope chains in append order.
type Store interface {
	AppendRecord(ctx context.Context, rec Record) error
	Records(ctx context.Context, envelopeID string) ([]Record, error)
}

// Chain maintains the append-only hash chain over a Store.
type Chain struct {
	mu    sync.Mutex
	store Store
}

// NewChain wraps the store; a nil store gets an in-memory one.
func NewChain(store Store) *Chain {
	if store == nil {
		store = NewMemStore()
	}
	return &Chain{store: store}
}

// Append commits the event and returns its record hash.
func (c *Chain) Append(ctx context.Context, ev Event) (string, error) {
	if ev.EnvelopeID == "" {
		return "", errors.New("audit: envelope id is required")
	}
	if ev.Type == "" {
		return "", errors.New("audit: event type is required")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prior, err := c.store.Records(ctx, ev.EnvelopeID)
	if err != nil {
		return "", err
	}
	prev := ""
	if len(prior) > 0 {
		prev = prior[len(prior)-1].Hash
	}
	hash, err := recordHash(prev, ev)
	if err != nil {
		return "", err
	}
	rec := Record{
		Seq:      len(prior) + 1,
		Event:    ev,
		PrevHash: prev,
		Hash:     hash,
	}
	if err := c.store.AppendRecord(ctx, rec); err != nil {
		return "", err
	}
	return hash, nil
}

// Records returns the envelope's chain in append order.
func (c *Chain) Records(ctx context.Context, envelopeID string) ([]Record, error) {
	return c.store.Records(ctx, envelopeID)
}

// VerifyChain replays the envelope's records and reports whether every hash
// still commits to its predecessor.
func (c *Chain) VerifyChain(ctx context.Context, envelopeID string) (bool, error) {
	records, err := c.store.Records(ctx, envelopeID)
	if err != nil {
		return false, err
	}
	prev := ""
	for i, rec := range records {
		if rec.Seq != i+1 {
			return false, nil
		}
		if rec.PrevHash != prev {
			return false, nil
		}
		want, err := recordHash(prev, rec.Event)
		if err != nil {
			return false, err
		}
		if rec.Hash != want {
			return false, nil
		}
		prev = rec.Hash
	}
	return true, nil
}

// recordHash digests the previous hash and the event's canonical JSON.
// encoding/json emits struct fields in declaration order and map keys
// sorted, so the serialization is deterministic.
func recordHash(prevHash string, ev Event) (string, error) {
	canonical, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize event: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MemStore keeps chains in memory; the Postgres store is used in production.
type MemStore struct {
	mu     sync.RWMutex
	chains map[string][]Record
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{chains: make(map[string][]Record)}
}

func (s *MemStore) AppendRecord(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[rec.Event.EnvelopeID] = append(s.chains[rec.Event.EnvelopeID], rec)
	return nil
}

func (s *MemStore) Records(ctx context.Context, envelopeID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.chains[envelopeID]...), nil
}
