package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"inksign.org/internal/ids"
)

// Status is the envelope workflow status.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSigned    Status = "signed"
	StatusCompleted Status = "completed"
	StatusDeclined  Status = "declined"
	StatusVoided    Status = "voided"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusVoided, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known envelope status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusDelivered, StatusSigned,
		StatusCompleted, StatusDeclined, StatusVoided, StatusExpired:
		return true
	}
	return false
}

// SigningOrder selects parallel or sequential recipient gating.
type SigningOrder string

const (
	OrderParallel   SigningOrder = "parallel"
	OrderSequential SigningOrder = "sequential"
)

// Role of a recipient within an envelope.
type Role string

const (
	RoleSigner   Role = "signer"
	RoleCC       Role = "cc"
	RoleApprover Role = "approver"
)

// RecipientStatus tracks a recipient through the workflow.
type RecipientStatus string

const (
	RecipientPending  RecipientStatus = "pending"
	RecipientSent     RecipientStatus = "sent"
	RecipientViewed   RecipientStatus = "viewed"
	RecipientSigned   RecipientStatus = "signed"
	RecipientDeclined RecipientStatus = "declined"
)

// FieldType is the closed set of fillable element kinds.
type FieldType string

const (
	FieldSignature FieldType = "signature"
	FieldInitial   FieldType = "initial"
	FieldText      FieldType = "text"
	FieldDate      FieldType = "date"
	FieldCheckbox  FieldType = "checkbox"
	FieldRadio     FieldType = "radio"
	FieldDropdown  FieldType = "dropdown"
	FieldEmail     FieldType = "email"
)

// Limits carried over from the hosted product.
const (
	MaxSubjectLength      = 200
	MaxMessageLength      = 5000
	MaxRecipientName      = 200
	MinExpirationDays     = 1
	MaxExpirationDays     = 365
	DefaultExpirationDays = 30
	MaxDocuments          = 50
	MaxRecipients         = 100
)

// Envelope is a signing transaction grouping documents and recipients.
type Envelope struct {
	ID             string       `json:"id"`
	SenderID       string       `json:"sender_id"`
	Subject        string       `json:"subject"`
	Message        string       `json:"message,omitempty"`
	Status         Status       `json:"status"`
	SigningOrder   SigningOrder `json:"signing_order"`
	ExpirationDays int          `json:"expiration_days"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
	VoidReason     string       `json:"void_reason,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	SentAt         *time.Time   `json:"sent_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	DeclinedAt     *time.Time   `json:"declined_at,omitempty"`
	VoidedAt       *time.Time   `json:"voided_at,omitempty"`
	ExpiredAt      *time.Time   `json:"expired_at,omitempty"`
}

// Recipient is a named party attached to exactly one envelope.
// The plaintext access code is never stored; only its bcrypt hash is.
type Recipient struct {
	ID             string          `json:"id"`
	EnvelopeID     string          `json:"envelope_id"`
	Name           string          `json:"name"`
	Email          string          `json:"email"`
	Phone          string          `json:"phone,omitempty"`
	Role           Role            `json:"role"`
	Position       int             `json:"position"`
	Status         RecipientStatus `json:"status"`
	AccessCodeHash string          `json:"-"`
	CodeRevoked    bool            `json:"-"`
	DeclineReason  string          `json:"decline_reason,omitempty"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	ViewedAt       *time.Time      `json:"viewed_at,omitempty"`
	SignedAt       *time.Time      `json:"signed_at,omitempty"`
	DeclinedAt     *time.Time      `json:"declined_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Field is a typed, fillable element placed on a document page and assigned
// to one recipient. Position and size use page-relative units in [0,1].
type Field struct {
	ID          string     `json:"id"`
	EnvelopeID  string     `json:"envelope_id"`
	DocumentID  string     `json:"document_id"`
	RecipientID string     `json:"recipient_id"`
	Type        FieldType  `json:"type"`
	Page        int        `json:"page"`
	X           float64    `json:"x"`
	Y           float64    `json:"y"`
	W           float64    `json:"w"`
	H           float64    `json:"h"`
	Required    bool       `json:"required"`
	Options     []string   `json:"options,omitempty"`
	Completed   bool       `json:"completed"`
	Value       string     `json:"value,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Document links an external document to an envelope with display ordering.
type Document struct {
	ID           string    `json:"id"`
	EnvelopeID   string    `json:"envelope_id"`
	DocumentID   string    `json:"document_id"`
	DisplayOrder int       `json:"display_order"`
	CreatedAt    time.Time `json:"created_at"`
}

// Detail bundles an envelope with its owned entities for reads.
type Detail struct {
	Envelope   Envelope    `json:"envelope"`
	Recipients []Recipient `json:"recipients"`
	Documents  []Document  `json:"documents"`
	Fields     []Field     `json:"fields"`
}

func newID() string { return ids.New() }

func validateSubject(subject string) error {
	if strings.TrimSpace(subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if len(subject) > MaxSubjectLength {
		return fmt.Errorf("%w: subject cannot exceed %d characters", ErrValidation, MaxSubjectLength)
	}
	return nil
}

func validateMessage(message string) error {
	if len(message) > MaxMessageLength {
		return fmt.Errorf("%w: message cannot exceed %d characters", ErrValidation, MaxMessageLength)
	}
	return nil
}

func validateExpirationDays(days int) error {
	if days < MinExpirationDays || days > MaxExpirationDays {
		return fmt.Errorf("%w: expiration must be between %d and %d days",
			ErrValidation, MinExpirationDays, MaxExpirationDays)
	}
	return nil
}

func validateRecipientName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: recipient name is required", ErrValidation)
	}
	if len(name) > MaxRecipientName {
		return fmt.Errorf("%w: recipient name cannot exceed %d characters", ErrValidation, MaxRecipientName)
	}
	return nil
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("%w: recipient email is required", ErrValidation)
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || !strings.Contains(email[at:], ".") {
		return fmt.Errorf("%w: invalid email format", ErrValidation)
	}
	return nil
}

func validateRole(role Role) error {
	switch role {
	case RoleSigner, RoleCC, RoleApprover:
		return nil
	}
	return fmt.Errorf("%w: unknown recipient role %q", ErrValidation, role)
}

func validateSigningOrder(order SigningOrder) error {
	switch order {
	case OrderParallel, OrderSequential:
		return nil
	}
	return fmt.Errorf("%w: unknown signing order %q", ErrValidation, order)
}

var errEmptyReason = errors.New("reason is required")

func validateReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: %s", ErrValidation, errEmptyReason)
	}
	return nil
}
