package envelope

import "errors"

var (
	ErrNotFound                 = errors.New("envelope: not found")
	ErrPermission               = errors.New("envelope: permission denied")
	ErrValidation               = errors.New("envelope: validation failed")
	ErrInvalidStateTransition   = errors.New("envelope: invalid state transition")
	ErrEnvelopeAlreadyTerminal  = errors.New("envelope: envelope already terminal")
	ErrRecipientOrderConflict   = errors.New("envelope: recipient order conflict")
	ErrFieldValidation          = errors.New("envelope: field validation failed")
	ErrFieldAlreadyCompleted    = errors.New("envelope: field already completed")
	ErrIncompleteRequiredFields = errors.New("envelope: incomplete required fields")
	ErrConsentNotCertified      = errors.New("envelope: consent not certified")
)
