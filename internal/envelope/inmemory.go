package envelope

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemory implements Service with in-process concurrency safety. It backs
// tests and local development; production runs on the Postgres store.
type InMemory struct {
	mu   sync.RWMutex
	envs map[string]*record
	now  func() time.Time
}

type record struct {
	env        Envelope
	recipients []Recipient
	documents  []Document
	fields     []Field
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		envs: make(map[string]*record),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source; tests use it to drive expiration.
func (s *InMemory) SetClock(now func() time.Time) { s.now = now }

func (s *InMemory) CreateEnvelope(ctx context.Context, draft Draft) (Detail, error) {
	if err := validateSubject(draft.Subject); err != nil {
		return Detail{}, err
	}
	if err := validateMessage(draft.Message); err != nil {
		return Detail{}, err
	}
	if draft.SigningOrder == "" {
		draft.SigningOrder = OrderParallel
	}
	if err := validateSigningOrder(draft.SigningOrder); err != nil {
		return Detail{}, err
	}
	if draft.ExpirationDays == 0 {
		draft.ExpirationDays = DefaultExpirationDays
	}
	if err := validateExpirationDays(draft.ExpirationDays); err != nil {
		return Detail{}, err
	}
	if draft.SenderID == "" {
		return Detail{}, fmt.Errorf("%w: sender is required", ErrValidation)
	}
	if len(draft.DocumentIDs) > MaxDocuments {
		return Detail{}, fmt.Errorf("%w: cannot exceed %d documents", ErrValidation, MaxDocuments)
	}
	seen := make(map[string]struct{}, len(draft.DocumentIDs))
	for _, id := range draft.DocumentIDs {
		if id == "" {
			return Detail{}, fmt.Errorf("%w: empty document id", ErrValidation)
		}
		if _, dup := seen[id]; dup {
			return Detail{}, fmt.Errorf("%w: duplicate document id %s", ErrValidation, id)
		}
		seen[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	env := Envelope{
		ID:             newID(),
		SenderID:       draft.SenderID,
		Subject:        draft.Subject,
		Message:        draft.Message,
		Status:         StatusDraft,
		SigningOrder:   draft.SigningOrder,
		ExpirationDays: draft.ExpirationDays,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rec := &record{env: env}
	for i, docID := range draft.DocumentIDs {
		rec.documents = append(rec.documents, Document{
			ID:           newID(),
			EnvelopeID:   env.ID,
			DocumentID:   docID,
			DisplayOrder: i,
			CreatedAt:    now,
		})
	}
	s.envs[env.ID] = rec
	return rec.detail(), nil
}

func (s *InMemory) GetEnvelope(ctx context.Context, id string) (Detail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.envs[id]
	if !ok {
		return Detail{}, ErrNotFound
	}
	return rec.detail(), nil
}

func (s *InMemory) ListEnvelopes(ctx context.Context, senderID string, status Status, limit, offset int) ([]Envelope, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []Envelope
	for _, rec := range s.envs {
		if rec.env.SenderID != senderID {
			continue
		}
		if status != "" && rec.env.Status != status {
			continue
		}
		all = append(all, rec.env)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *InMemory) UpdateDraft(ctx context.Context, id, senderID string, upd DraftUpdate) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.draftForSender(id, senderID)
	if err != nil {
		return Envelope{}, err
	}
	if upd.Subject != nil {
		if err := validateSubject(*upd.Subject); err != nil {
			return Envelope{}, err
		}
	}
	if upd.Message != nil {
		if err := validateMessage(*upd.Message); err != nil {
			return Envelope{}, err
		}
	}
	if upd.SigningOrder != nil {
		if err := validateSigningOrder(*upd.SigningOrder); err != nil {
			return Envelope{}, err
		}
	}
	if upd.ExpirationDays != nil {
		if err := validateExpirationDays(*upd.ExpirationDays); err != nil {
			return Envelope{}, err
		}
	}
	if upd.Subject != nil {
		rec.env.Subject = *upd.Subject
	}
	if upd.Message != nil {
		rec.env.Message = *upd.Message
	}
	if upd.SigningOrder != nil {
		rec.env.SigningOrder = *upd.SigningOrder
	}
	if upd.ExpirationDays != nil {
		rec.env.ExpirationDays = *upd.ExpirationDays
	}
	rec.env.UpdatedAt = s.now()
	return rec.env, nil
}

func (s *InMemory) DeleteDraft(ctx context.Context, id, senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.draftForSender(id, senderID); err != nil {
		return err
	}
	delete(s.envs, id)
	return nil
}

func (s *InMemory) AddRecipient(ctx context.Context, envelopeID, senderID string, nr NewRecipient) (Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.draftForSender(envelopeID, senderID)
	if err != nil {
		return Recipient{}, err
	}
	if err := validateRecipientName(nr.Name); err != nil {
		return Recipient{}, err
	}
	if err := validateEmail(nr.Email); err != nil {
		return Recipient{}, err
	}
	if err := validateRole(nr.Role); err != nil {
		return Recipient{}, err
	}
	if len(rec.recipients) >= MaxRecipients {
		return Recipient{}, fmt.Errorf("%w: cannot exceed %d recipients", ErrValidation, MaxRecipients)
	}
	for _, existing := range rec.recipients {
		if normalizeEmail(existing.Email) == normalizeEmail(nr.Email) {
			return Recipient{}, fmt.Errorf("%w: email %s already attached", ErrValidation, nr.Email)
		}
	}
	position := nr.Position
	if rec.env.SigningOrder == OrderParallel {
		position = 1
	}
	if position < 1 {
		return Recipient{}, fmt.Errorf("%w: position %d must be a positive integer", ErrRecipientOrderConflict, position)
	}

	now := s.now()
	r := Recipient{
		ID:         newID(),
		EnvelopeID: envelopeID,
		Name:       nr.Name,
		Email:      nr.Email,
		Phone:      nr.Phone,
		Role:       nr.Role,
		Position:   position,
		Status:     RecipientPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	rec.recipients = append(rec.recipients, r)
	rec.env.UpdatedAt = now
	return r, nil
}

func (s *InMemory) AddDocument(ctx context.Context, envelopeID, senderID, documentID string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.draftForSender(envelopeID, senderID)
	if err != nil {
		return Document{}, err
	}
	if documentID == "" {
		return Document{}, fmt.Errorf("%w: document id is required", ErrValidation)
	}
	if len(rec.documents) >= MaxDocuments {
		return Document{}, fmt.Errorf("%w: cannot exceed %d documents", ErrValidation, MaxDocuments)
	}
	for _, d := range rec.documents {
		if d.DocumentID == documentID {
			return Document{}, fmt.Errorf("%w: document %s already attached", ErrValidation, documentID)
		}
	}
	now := s.now()
	doc := Document{
		ID:           newID(),
		EnvelopeID:   envelopeID,
		DocumentID:   documentID,
		DisplayOrder: len(rec.documents),
		CreatedAt:    now,
	}
	rec.documents = append(rec.documents, doc)
	rec.env.UpdatedAt = now
	return doc, nil
}

func (s *InMemory) AddField(ctx context.Context, envelopeID, senderID string, nf NewField) (Field, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.draftForSender(envelopeID, senderID)
	if err != nil {
		return Field{}, err
	}
	f := Field{
		ID:          newID(),
		EnvelopeID:  envelopeID,
		DocumentID:  nf.DocumentID,
		RecipientID: nf.RecipientID,
		Type:        nf.Type,
		Page:        nf.Page,
		X:           nf.X,
		Y:           nf.Y,
		W:           nf.W,
		H:           nf.H,
		Required:    nf.Required,
		Options:     append([]string(nil), nf.Options...),
		CreatedAt:   s.now(),
	}
	if err := validateFieldPlacement(f); err != nil {
		return Field{}, err
	}
	// Owning recipient must belong to the same envelope as the document.
	owner, ok := rec.findRecipient(nf.RecipientID)
	if !ok {
		return Field{}, fmt.Errorf("%w: recipient does not belong to envelope", ErrValidation)
	}
	if owner.Role != RoleSigner {
		return Field{}, fmt.Errorf("%w: fields can only be assigned to signers", ErrValidation)
	}
	attached := false
	for _, d := range rec.documents {
		if d.DocumentID == nf.DocumentID {
			attached = true
			break
		}
	}
	if !attached {
		return Field{}, fmt.Errorf("%w: document does not belong to envelope", ErrValidation)
	}
	rec.fields = append(rec.fields, f)
	rec.env.UpdatedAt = f.CreatedAt
	return f, nil
}

func (s *InMemory) Send(ctx context.Context, envelopeID, senderID string) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.envs[envelopeID]
	if !ok {
		return SendResult{}, ErrNotFound
	}
	if rec.env.SenderID != senderID {
		return SendResult{}, fmt.Errorf("%w: only the sender can send", ErrPermission)
	}
	if err := validateSendable(rec.env, rec.recipients, rec.documents, rec.fields); err != nil {
		return SendResult{}, err
	}

	now := s.now()
	rec.env.Status = StatusSent
	rec.env.SentAt = &now
	rec.env.UpdatedAt = now
	if rec.env.ExpiresAt == nil {
		expires := now.AddDate(0, 0, rec.env.ExpirationDays)
		rec.env.ExpiresAt = &expires
	}

	var notified []Recipient
	if rec.env.SigningOrder == OrderSequential {
		next, _ := nextEligiblePosition(rec.recipients)
		for i := range rec.recipients {
			r := &rec.recipients[i]
			if r.Role == RoleSigner && r.Position == next {
				r.Status = RecipientSent
				r.SentAt = &now
				r.UpdatedAt = now
				notified = append(notified, *r)
			}
		}
	} else {
		for i := range rec.recipients {
			r := &rec.recipients[i]
			r.Status = RecipientSent
			r.SentAt = &now
			r.UpdatedAt = now
			notified = append(notified, *r)
		}
	}
	return SendResult{Envelope: rec.env, Notified: notified}, nil
}

func (s *InMemory) Void(ctx context.Context, envelopeID, senderID, reason string) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.envs[envelopeID]
	if !ok {
		return Envelope{}, ErrNotFound
	}
	if rec.env.SenderID != senderID {
		return Envelope{}, fmt.Errorf("%w: only the sender can void", ErrPermission)
	}
	if err := validateReason(reason); err != nil {
		return Envelope{}, err
	}
	if err := checkTransition(rec.env.Status, StatusVoided); err != nil {
		return Envelope{}, err
	}
	now := s.now()
	rec.env.Status = StatusVoided
	rec.env.VoidReason = reason
	rec.env.VoidedAt = &now
	rec.env.UpdatedAt = now
	rec.revokeCodes()
	return rec.env, nil
}

func (s *InMemory) MarkViewed(ctx context.Context, envelopeID, recipientID string) (ViewResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.envs[envelopeID]
	if !ok {
		return ViewResult{}, ErrNotFound
	}
	if err := signingPhase(rec.env); err != nil {
		return ViewResult{}, err
	}
	r, ok := rec.findRecipient(recipientID)
	if !ok {
		return ViewResult{}, ErrNotFound
	}

	now := s.now()
	if r.Status == RecipientPending || r.Status == RecipientSent {
		r.Status = RecipientViewed
	}
	if r.ViewedAt == nil {
		r.ViewedAt = &now
	}
	r.UpdatedAt = now

	first := false
	if rec.env.Status == StatusSent {
		rec.env.Status = StatusDelivered
		rec.env.UpdatedAt = now
		first = true
	}
	return ViewResult{Envelope: rec.env, Recipient: *r, FirstView: first}, nil
}

func (s *InMemory) CompleteField(ctx context.Context, envelopeID, recipientID, fieldID, value string) (Field, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.envs[envelopeID]
	if !ok {
		return Field{}, ErrNotFound
	}
	if err := signingPhase(rec.env); err != nil {
		return Field{}, err
	}
	r, ok := rec.findRecipient(recipientID)
	if !ok {
		return Field{}, ErrNotFound
	}
	if !CanSign(rec.env, rec.recipients, *r) {
		return Field{}, fmt.Errorf("%w: recipient is not eligible to sign", ErrInvalidStateTransition)
	}
	var f *Field
	for i := range rec.fields {
		if rec.fields[i].ID == fieldID {
			f = &rec.fields[i]
			break
		}
	}
	if f == nil {
		return Field{}, ErrNotFound
	}
	if f.RecipientID != recipientID {
		return Field{}, fmt.Errorf("%w: field belongs to another recipient", ErrPermission)
	}
	// Single-writer-once: a completed field is immutable, even for an
	// identical resubmission, so the audit trail records one completion.
	if f.Completed {
		return Field{}, ErrFieldAlreadyCompleted
	}
	if err := validateFieldValue(*f, value); err != nil {
		return Field{}, err
	}
	now := s.now()
	f.Value = value
	f.Completed = true
	f.CompletedAt = &now
	return *f, nil
}

func (s *InMemory) Decline(ctx context.Context, envelopeID, recipientID, reason string) (DeclineResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.envs[envelopeID]
	if !ok {
		return DeclineResult{}, ErrNotFound
	}
	r, ok := rec.findRecipient(recipientID)
	if !ok {
		return DeclineResult{}, ErrNotFound
	}
	if err := validateReason(reason); err != nil {
		return DeclineResult{}, err
	}
	if r.Role != RoleSigner {
		return DeclineResult{}, fmt.Errorf("%w: only signers can decline", ErrPermission)
	}
	if r.Status == RecipientSigned || r.Status == RecipientDeclined {
		return DeclineResult{}, fmt.Errorf("%w: recipient already %s", ErrInvalidStateTransition, r.Status)
	}
	if err := checkTransition(rec.env.Status, StatusDeclined); err != nil {
		return DeclineResult{}, err
	}

	now := s.now()
	r.Status = RecipientDeclined
	r.DeclineReason = reason
	r.DeclinedAt = &now
	r.UpdatedAt = now
	rec.env.Status = StatusDeclined
	rec.env.DeclinedAt = &now
	rec.env.UpdatedAt = now
	rec.revokeCodes()
	return DeclineResult{Envelope: rec.env, Recipient: *r}, nil
}

func (s *InMemory) Submit(ctx context.Context, envelopeID, recipientID string, certify bool) (SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.envs[envelopeID]
	if !ok {
		return SubmitResult{}, ErrNotFound
	}
	if err := signingPhase(rec.env); err != nil {
		return SubmitResult{}, err
	}
	r, ok := rec.findRecipient(recipientID)
	if !ok {
		return SubmitResult{}, ErrNotFound
	}
	if !CanSign(rec.env, rec.recipients, *r) {
		return SubmitResult{}, fmt.Errorf("%w: recipient is not eligible to sign", ErrInvalidStateTransition)
	}
	if !requiredComplete(rec.fields, recipientID) {
		return SubmitResult{}, ErrIncompleteRequiredFields
	}
	if !certify {
		return SubmitResult{}, ErrConsentNotCertified
	}

	now := s.now()
	r.Status = RecipientSigned
	r.SignedAt = &now
	r.UpdatedAt = now

	result := SubmitResult{Recipient: *r}
	if allSignersSigned(rec.recipients) {
		rec.env.Status = StatusCompleted
		rec.env.CompletedAt = &now
		rec.env.UpdatedAt = now
		rec.revokeCodes()
		result.Completed = true
	} else {
		if rec.env.Status != StatusSigned {
			rec.env.Status = StatusSigned
		}
		rec.env.UpdatedAt = now
		if rec.env.SigningOrder == OrderSequential {
			for _, unlocked := range nextRecipients(rec.recipients) {
				for i := range rec.recipients {
					if rec.recipients[i].ID == unlocked.ID {
						rec.recipients[i].Status = RecipientSent
						rec.recipients[i].SentAt = &now
						rec.recipients[i].UpdatedAt = now
						result.Unlocked = append(result.Unlocked, rec.recipients[i])
					}
				}
			}
		}
	}
	result.Envelope = rec.env
	return result, nil
}

func (s *InMemory) RecipientCanSign(ctx context.Context, envelopeID, recipientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.envs[envelopeID]
	if !ok {
		return false, ErrNotFound
	}
	r, ok := rec.findRecipient(recipientID)
	if !ok {
		return false, ErrNotFound
	}
	return CanSign(rec.env, rec.recipients, *r), nil
}

func (s *InMemory) SweepExpired(ctx context.Context, now time.Time) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []Envelope
	for _, rec := range s.envs {
		if rec.env.Status.Terminal() || rec.env.Status == StatusDraft {
			continue
		}
		if rec.env.ExpiresAt == nil || now.Before(*rec.env.ExpiresAt) {
			continue
		}
		if err := checkTransition(rec.env.Status, StatusExpired); err != nil {
			continue
		}
		ts := now
		rec.env.Status = StatusExpired
		rec.env.ExpiredAt = &ts
		rec.env.UpdatedAt = ts
		rec.revokeCodes()
		expired = append(expired, rec.env)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

func (s *InMemory) DocumentInUse(ctx context.Context, documentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.envs {
		if rec.env.Status.Terminal() {
			continue
		}
		for _, d := range rec.documents {
			if d.DocumentID == documentID {
				return true, nil
			}
		}
	}
	return false, nil
}

// --- access-code persistence (see internal/access) ---

func (s *InMemory) SetAccessCodeHash(ctx context.Context, envelopeID, recipientID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.envs[envelopeID]
	if !ok {
		return ErrNotFound
	}
	r, ok := rec.findRecipient(recipientID)
	if !ok {
		return ErrNotFound
	}
	r.AccessCodeHash = hash
	r.CodeRevoked = false
	r.UpdatedAt = s.now()
	return nil
}

func (s *InMemory) AccessCodeHash(ctx context.Context, envelopeID, recipientID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.envs[envelopeID]
	if !ok {
		return "", false, ErrNotFound
	}
	r, ok := rec.findRecipient(recipientID)
	if !ok {
		return "", false, ErrNotFound
	}
	return r.AccessCodeHash, r.CodeRevoked, nil
}

func (s *InMemory) RevokeAccessCodes(ctx context.Context, envelopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.envs[envelopeID]
	if !ok {
		return ErrNotFound
	}
	rec.revokeCodes()
	return nil
}

// --- helpers ---

// signingPhase guards recipient-driven operations: they are only valid while
// the envelope is in flight. Terminal and draft envelopes both report
// ErrInvalidStateTransition so a late request after a sweep or void fails
// its guard rather than mutating state.
func signingPhase(env Envelope) error {
	switch env.Status {
	case StatusSent, StatusDelivered, StatusSigned:
		return nil
	}
	return fmt.Errorf("%w: envelope is %s", ErrInvalidStateTransition, env.Status)
}

func (s *InMemory) draftForSender(id, senderID string) (*record, error) {
	rec, ok := s.envs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.env.SenderID != senderID {
		return nil, fmt.Errorf("%w: only the sender can modify a draft", ErrPermission)
	}
	if rec.env.Status != StatusDraft {
		return nil, fmt.Errorf("%w: envelope is %s, drafts only", ErrInvalidStateTransition, rec.env.Status)
	}
	return rec, nil
}

func (rec *record) findRecipient(id string) (*Recipient, bool) {
	for i := range rec.recipients {
		if rec.recipients[i].ID == id {
			return &rec.recipients[i], true
		}
	}
	return nil, false
}

func (rec *record) revokeCodes() {
	for i := range rec.recipients {
		rec.recipients[i].CodeRevoked = true
	}
}

func (rec *record) detail() Detail {
	d := Detail{Envelope: rec.env}
	d.Recipients = append(d.Recipients, rec.recipients...)
	d.Documents = append(d.Documents, rec.documents...)
	for _, f := range rec.fields {
		f.Options = append([]string(nil), f.Options...)
		d.Fields = append(d.Fields, f)
	}
	return d
}

var _ Service = (*InMemory)(nil)
