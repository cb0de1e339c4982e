package envelope

import (
	"context"
	"time"
)

// Draft is the input for creating an envelope.
type Draft struct {
	SenderID       string
	Subject        string
	Message        string
	SigningOrder   SigningOrder
	ExpirationDays int
	DocumentIDs    []string
}

// DraftUpdate carries optional draft mutations; nil fields are left alone.
type DraftUpdate struct {
	Subject        *string
	Message        *string
	SigningOrder   *SigningOrder
	ExpirationDays *int
}

// NewRecipient is the input for attaching a recipient to a draft.
type NewRecipient struct {
	Name     string
	Email    string
	Phone    string
	Role     Role
	Position int
}

// NewField is the input for placing a field on a draft.
type NewField struct {
	DocumentID  string
	RecipientID string
	Type        FieldType
	Page        int
	X, Y, W, H  float64
	Required    bool
	Options     []string
}

// SendResult reports the send() transition and the recipients that were
// notified (all of them in parallel mode, the first signing position in
// sequential mode).
type SendResult struct {
	Envelope Envelope
	Notified []Recipient
}

// ViewResult reports a recipient view. FirstView is true when the view moved
// the envelope from sent to delivered.
type ViewResult struct {
	Envelope  Envelope
	Recipient Recipient
	FirstView bool
}

// DeclineResult reports a decline and the resulting terminal envelope.
type DeclineResult struct {
	Envelope  Envelope
	Recipient Recipient
}

// SubmitResult reports a successful submission. Completed is true exactly
// once per envelope, on the submission that completed it. Unlocked lists the
// sequential signers whose turn just arrived.
type SubmitResult struct {
	Envelope  Envelope
	Recipient Recipient
	Completed bool
	Unlocked  []Recipient
}

// Service defines the signing workflow operations. Each call is a single
// unit of work; implementations must make the completion decision inside the
// same transaction (or critical section) that records the triggering change.
type Service interface {
	CreateEnvelope(ctx context.Context, draft Draft) (Detail, error)
	GetEnvelope(ctx context.Context, id string) (Detail, error)
	ListEnvelopes(ctx context.Context, senderID string, status Status, limit, offset int) ([]Envelope, int, error)
	UpdateDraft(ctx context.Context, id, senderID string, upd DraftUpdate) (Envelope, error)
	DeleteDraft(ctx context.Context, id, senderID string) error

	AddRecipient(ctx context.Context, envelopeID, senderID string, nr NewRecipient) (Recipient, error)
	AddDocument(ctx context.Context, envelopeID, senderID, documentID string) (Document, error)
	AddField(ctx context.Context, envelopeID, senderID string, nf NewField) (Field, error)

	Send(ctx context.Context, envelopeID, senderID string) (SendResult, error)
	Void(ctx context.Context, envelopeID, senderID, reason string) (Envelope, error)

	MarkViewed(ctx context.Context, envelopeID, recipientID string) (ViewResult, error)
	CompleteField(ctx context.Context, envelopeID, recipientID, fieldID, value string) (Field, error)
	Decline(ctx context.Context, envelopeID, recipientID, reason string) (DeclineResult, error)
	Submit(ctx context.Context, envelopeID, recipientID string, certify bool) (SubmitResult, error)
	RecipientCanSign(ctx context.Context, envelopeID, recipientID string) (bool, error)

	SweepExpired(ctx context.Context, now time.Time) ([]Envelope, error)
	DocumentInUse(ctx context.Context, documentID string) (bool, error)
}
