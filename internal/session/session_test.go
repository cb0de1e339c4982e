package session

import (
	"errors"
	"testing"
	"time"
)

func TestEstablishAndResolve(t *testing.T) {
	m := NewManager(0)

	s := m.Establish("env-1", "rcp-1")
	if s.ID == "" {
		t.Fatal("expected session id")
	}

	got, err := m.Resolve(s.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.EnvelopeID != "env-1" || got.RecipientID != "rcp-1" {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestResolveUnknown(t *testing.T) {
	m := NewManager(0)
	if _, err := m.Resolve("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIdleExpiry(t *testing.T) {
	m := NewManager(0)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	s := m.Establish("env-1", "rcp-1")

	// Activity within the TTL keeps the session alive and resets the timer.
	now = base.Add(DefaultIdleTTL - time.Minute)
	if _, err := m.Resolve(s.ID); err != nil {
		t.Fatalf("resolve within ttl: %v", err)
	}

	now = now.Add(DefaultIdleTTL - time.Minute)
	if _, err := m.Resolve(s.ID); err != nil {
		t.Fatalf("resolve after refresh: %v", err)
	}

	now = now.Add(DefaultIdleTTL + time.Second)
	if _, err := m.Resolve(s.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	// Expired sessions are removed, so a second resolve reports not found.
	if _, err := m.Resolve(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestInvalidateEnvelope(t *testing.T) {
	m := NewManager(0)

	a := m.Establish("env-1", "rcp-1")
	b := m.Establish("env-1", "rcp-2")
	c := m.Establish("env-2", "rcp-3")

	m.InvalidateEnvelope("env-1")

	if _, err := m.Resolve(a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session a should be gone, got %v", err)
	}
	if _, err := m.Resolve(b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session b should be gone, got %v", err)
	}
	if _, err := m.Resolve(c.ID); err != nil {
		t.Fatalf("session c should survive: %v", err)
	}
}
