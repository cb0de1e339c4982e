package envelope

import "fmt"

// This file exposes the pure workflow rules so alternative Service
// implementations (the Postgres store) apply exactly the same checks as the
// in-memory one.

// NewID returns a fresh entity identifier.
func NewID() string { return newID() }

// NormalizeDraft applies defaults and validates draft input in place.
func NormalizeDraft(d *Draft) error {
	if err := validateSubject(d.Subject); err != nil {
		return err
	}
	if err := validateMessage(d.Message); err != nil {
		return err
	}
	if d.SigningOrder == "" {
		d.SigningOrder = OrderParallel
	}
	if err := validateSigningOrder(d.SigningOrder); err != nil {
		return err
	}
	if d.ExpirationDays == 0 {
		d.ExpirationDays = DefaultExpirationDays
	}
	if err := validateExpirationDays(d.ExpirationDays); err != nil {
		return err
	}
	if d.SenderID == "" {
		return fmt.Errorf("%w: sender is required", ErrValidation)
	}
	if len(d.DocumentIDs) > MaxDocuments {
		return fmt.Errorf("%w: cannot exceed %d documents", ErrValidation, MaxDocuments)
	}
	seen := make(map[string]struct{}, len(d.DocumentIDs))
	for _, id := range d.DocumentIDs {
		if id == "" {
			return fmt.Errorf("%w: empty document id", ErrValidation)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate document id %s", ErrValidation, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// ValidateDraftUpdate checks the non-nil fields of an update.
func ValidateDraftUpdate(upd DraftUpdate) error {
	if upd.Subject != nil {
		if err := validateSubject(*upd.Subject); err != nil {
			return err
		}
	}
	if upd.Message != nil {
		if err := validateMessage(*upd.Message); err != nil {
			return err
		}
	}
	if upd.SigningOrder != nil {
		if err := validateSigningOrder(*upd.SigningOrder); err != nil {
			return err
		}
	}
	if upd.ExpirationDays != nil {
		if err := validateExpirationDays(*upd.ExpirationDays); err != nil {
			return err
		}
	}
	return nil
}

// ValidateNewRecipient checks recipient input independent of envelope state.
func ValidateNewRecipient(nr NewRecipient) error {
	if err := validateRecipientName(nr.Name); err != nil {
		return err
	}
	if err := validateEmail(nr.Email); err != nil {
		return err
	}
	return validateRole(nr.Role)
}

// ValidateReason rejects blank void and decline reasons.
func ValidateReason(reason string) error { return validateReason(reason) }

// ValidateSendable checks every send() precondition.
func ValidateSendable(env Envelope, recipients []Recipient, documents []Document, fields []Field) error {
	return validateSendable(env, recipients, documents, fields)
}

// CheckTransition enforces the status graph.
func CheckTransition(from, to Status) error { return checkTransition(from, to) }

// InSigningPhase reports whether recipient-driven operations are allowed.
func InSigningPhase(env Envelope) error { return signingPhase(env) }

// ValidateFieldPlacement checks type, page, geometry, and options.
func ValidateFieldPlacement(f Field) error { return validateFieldPlacement(f) }

// ValidateFieldValue checks a submitted value against the field's type.
func ValidateFieldValue(f Field, value string) error { return validateFieldValue(f, value) }

// RequiredComplete reports whether the recipient's required fields are all
// completed.
func RequiredComplete(fields []Field, recipientID string) bool {
	return requiredComplete(fields, recipientID)
}

// NextRecipients returns the pending signers whose turn arrives next.
func NextRecipients(recipients []Recipient) []Recipient { return nextRecipients(recipients) }

// AllSignersSigned reports whether every signer has signed.
func AllSignersSigned(recipients []Recipient) bool { return allSignersSigned(recipients) }

// NormalizeEmail canonicalizes an address for uniqueness checks.
func NormalizeEmail(email string) string { return normalizeEmail(email) }
