package envelope

import "strings"

// The signing-order coordinator is a set of pure functions over persisted
// recipient state. There is no stored "current signer": eligibility is always
// recomputed so it cannot drift from the per-recipient rows.

// CanSign decides whether the recipient is currently permitted to sign.
func CanSign(env Envelope, recipients []Recipient, r Recipient) bool {
	switch env.Status {
	case StatusSent, StatusDelivered, StatusSigned:
	default:
		return false
	}
	if r.Role != RoleSigner {
		return false
	}
	if r.Status == RecipientSigned || r.Status == RecipientDeclined {
		return false
	}
	if env.SigningOrder == OrderParallel {
		return true
	}
	next, ok := nextEligiblePosition(recipients)
	return ok && r.Position == next
}

// nextEligiblePosition returns the minimum position among signers that have
// neither signed nor declined. Gaps in the position sequence do not block
// progress; the lowest unsigned position is always "next".
func nextEligiblePosition(recipients []Recipient) (int, bool) {
	next := 0
	found := false
	for _, r := range recipients {
		if r.Role != RoleSigner {
			continue
		}
		if r.Status == RecipientSigned || r.Status == RecipientDeclined {
			continue
		}
		if !found || r.Position < next {
			next = r.Position
			found = true
		}
	}
	return next, found
}

// nextRecipients returns the signers unlocked after a signature lands in a
// sequential envelope: every not-yet-notified signer at the new lowest
// eligible position.
func nextRecipients(recipients []Recipient) []Recipient {
	next, ok := nextEligiblePosition(recipients)
	if !ok {
		return nil
	}
	var out []Recipient
	for _, r := range recipients {
		if r.Role != RoleSigner || r.Position != next {
			continue
		}
		if r.Status == RecipientPending {
			out = append(out, r)
		}
	}
	return out
}

// allSignersSigned reports whether every recipient with the signer role has
// signed; this is the envelope completion condition.
func allSignersSigned(recipients []Recipient) bool {
	for _, r := range recipients {
		if r.Role == RoleSigner && r.Status != RecipientSigned {
			return false
		}
	}
	return true
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
