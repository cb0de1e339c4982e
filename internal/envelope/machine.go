package envelope

import "fmt"

// edges lists, per target status, the statuses it may be entered from.
// The table is append-only in spirit: an envelope never returns to an
// earlier state.
var edges = map[Status][]Status{
	StatusSent:      {StatusDraft},
	StatusDelivered: {StatusSent},
	StatusSigned:    {StatusSent, StatusDelivered},
	StatusCompleted: {StatusSent, StatusDelivered, StatusSigned},
	StatusDeclined:  {StatusSent, StatusDelivered, StatusSigned},
	StatusVoided:    {StatusSent, StatusDelivered, StatusSigned},
	StatusExpired:   {StatusSent, StatusDelivered, StatusSigned},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Self transitions are not edges; callers that re-observe a status must not
// re-fire its side effects.
func CanTransition(from, to Status) bool {
	for _, src := range edges[to] {
		if src == from {
			return true
		}
	}
	return false
}

// checkTransition returns the error mandated for an illegal edge: terminal
// sources surface ErrEnvelopeAlreadyTerminal, everything else
// ErrInvalidStateTransition.
func checkTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	if from.Terminal() {
		return fmt.Errorf("%w: envelope is %s", ErrEnvelopeAlreadyTerminal, from)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}

// validateSendable applies every send() guard against the draft's current
// contents. All failures are reported before any mutation happens.
func validateSendable(env Envelope, recipients []Recipient, documents []Document, fields []Field) error {
	if err := checkTransition(env.Status, StatusSent); err != nil {
		return err
	}
	if len(documents) == 0 {
		return fmt.Errorf("%w: envelope has no documents", ErrValidation)
	}
	if len(recipients) == 0 {
		return fmt.Errorf("%w: envelope has no recipients", ErrValidation)
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: envelope has no fields", ErrValidation)
	}
	hasSigner := false
	emails := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		key := normalizeEmail(r.Email)
		if _, dup := emails[key]; dup {
			return fmt.Errorf("%w: duplicate recipient email %s", ErrValidation, r.Email)
		}
		emails[key] = struct{}{}
		if r.Role == RoleSigner {
			hasSigner = true
		}
	}
	if !hasSigner {
		return fmt.Errorf("%w: envelope has no signer", ErrValidation)
	}
	if env.SigningOrder == OrderSequential {
		if err := validateSequentialPositions(recipients); err != nil {
			return err
		}
	}
	return nil
}

// validateSequentialPositions requires signer positions to be unique positive
// integers forming a contiguous run starting at 1. Duplicates and gaps are
// both rejected; runtime gating stays gap tolerant regardless (see order.go).
func validateSequentialPositions(recipients []Recipient) error {
	seen := make(map[int]struct{})
	max := 0
	for _, r := range recipients {
		if r.Role != RoleSigner {
			continue
		}
		if r.Position < 1 {
			return fmt.Errorf("%w: position %d must be a positive integer", ErrRecipientOrderConflict, r.Position)
		}
		if _, dup := seen[r.Position]; dup {
			return fmt.Errorf("%w: duplicate position %d", ErrRecipientOrderConflict, r.Position)
		}
		seen[r.Position] = struct{}{}
		if r.Position > max {
			max = r.Position
		}
	}
	if len(seen) > 0 && max != len(seen) {
		return fmt.Errorf("%w: positions must be contiguous starting at 1", ErrRecipientOrderConflict)
	}
	if len(seen) > 0 {
		if _, ok := seen[1]; !ok {
			return fmt.Errorf("%w: positions must start at 1", ErrRecipientOrderConflict)
		}
	}
	return nil
}
