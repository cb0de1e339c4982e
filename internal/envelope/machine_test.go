package envelope

import (
	"errors"
	"math/rand"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusSigned, true},
		{StatusDelivered, StatusSigned, true},
		{StatusSigned, StatusCompleted, true},
		{StatusSent, StatusCompleted, true},
		{StatusDelivered, StatusDeclined, true},
		{StatusSigned, StatusVoided, true},
		{StatusDelivered, StatusExpired, true},

		{StatusDraft, StatusDelivered, false},
		{StatusDraft, StatusCompleted, false},
		{StatusDraft, StatusVoided, false},
		{StatusDelivered, StatusSent, false},
		{StatusCompleted, StatusVoided, false},
		{StatusVoided, StatusSent, false},
		{StatusExpired, StatusSigned, false},
		{StatusSent, StatusSent, false},
		{StatusSigned, StatusSigned, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCheckTransitionErrorKinds(t *testing.T) {
	// A terminal source reports the terminal error regardless of target.
	for _, from := range []Status{StatusCompleted, StatusDeclined, StatusVoided, StatusExpired} {
		err := checkTransition(from, StatusVoided)
		if !errors.Is(err, ErrEnvelopeAlreadyTerminal) {
			t.Errorf("from %s: expected ErrEnvelopeAlreadyTerminal, got %v", from, err)
		}
	}
	// A non-terminal illegal edge reports the transition error.
	if err := checkTransition(StatusDraft, StatusDelivered); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition, got %v", err)
	}
	if err := checkTransition(StatusDraft, StatusSent); err != nil {
		t.Errorf("legal edge returned %v", err)
	}
}

// Random walks over the transition table: status order is monotone and a
// terminal status accepts no further edge.
func TestTransitionWalkInvariants(t *testing.T) {
	all := []Status{
		StatusDraft, StatusSent, StatusDelivered, StatusSigned,
		StatusCompleted, StatusDeclined, StatusVoided, StatusExpired,
	}
	rank := map[Status]int{
		StatusDraft: 0, StatusSent: 1, StatusDelivered: 2, StatusSigned: 3,
		StatusCompleted: 4, StatusDeclined: 4, StatusVoided: 4, StatusExpired: 4,
	}
	rng := rand.New(rand.NewSource(1))
	for walk := 0; walk < 200; walk++ {
		cur := StatusDraft
		for step := 0; step < 10; step++ {
			next := all[rng.Intn(len(all))]
			if !CanTransition(cur, next) {
				continue
			}
			if cur.Terminal() {
				t.Fatalf("walk %d: terminal %s accepted edge to %s", walk, cur, next)
			}
			if rank[next] <= rank[cur] {
				t.Fatalf("walk %d: %s -> %s is not monotone", walk, cur, next)
			}
			cur = next
		}
	}
}

func TestValidateSequentialPositions(t *testing.T) {
	signer := func(pos int) Recipient {
		return Recipient{Role: RoleSigner, Position: pos}
	}
	cases := []struct {
		name       string
		recipients []Recipient
		ok         bool
	}{
		{"contiguous from 1", []Recipient{signer(1), signer(2), signer(3)}, true},
		{"single signer", []Recipient{signer(1)}, true},
		{"cc ignored", []Recipient{signer(1), {Role: RoleCC, Position: 99}}, true},
		{"duplicate position", []Recipient{signer(1), signer(1)}, false},
		{"gap", []Recipient{signer(1), signer(3)}, false},
		{"starts at 2", []Recipient{signer(2), signer(3)}, false},
		{"zero position", []Recipient{signer(0)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateSequentialPositions(tc.recipients)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrRecipientOrderConflict) {
				t.Fatalf("expected ErrRecipientOrderConflict, got %v", err)
			}
		})
	}
}
