package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"inksign.org/internal/envelope"
)

// Store persists the signing workflow in Postgres. Every state-changing
// operation locks the envelope row so the completion decision is made inside
// the same transaction that records the triggering change.
type Store struct {
	db *sql.DB
}

var _ envelope.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection; tests use it with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const envelopeCols = `id, sender_id, subject, message, status, signing_order, expiration_days,
	expires_at, void_reason, created_at, updated_at, sent_at, completed_at, declined_at, voided_at, expired_at`

const recipientCols = `id, envelope_id, name, email, phone, role, position, status,
	access_code_hash, code_revoked, decline_reason, sent_at, viewed_at, signed_at, declined_at, created_at, updated_at`

const fieldCols = `id, envelope_id, document_id, recipient_id, type, page, x, y, w, h,
	required, options, completed, value, completed_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (envelope.Envelope, error) {
	var env envelope.Envelope
	var message, voidReason sql.NullString
	var expiresAt, sentAt, completedAt, declinedAt, voidedAt, expiredAt sql.NullTime
	err := row.Scan(&env.ID, &env.SenderID, &env.Subject, &message, &env.Status,
		&env.SigningOrder, &env.ExpirationDays, &expiresAt, &voidReason,
		&env.CreatedAt, &env.UpdatedAt, &sentAt, &completedAt, &declinedAt, &voidedAt, &expiredAt)
	if err != nil {
		return envelope.Envelope{}, err
	}
	env.Message = message.String
	env.VoidReason = voidReason.String
	env.ExpiresAt = nullTimePtr(expiresAt)
	env.SentAt = nullTimePtr(sentAt)
	env.CompletedAt = nullTimePtr(completedAt)
	env.DeclinedAt = nullTimePtr(declinedAt)
	env.VoidedAt = nullTimePtr(voidedAt)
	env.ExpiredAt = nullTimePtr(expiredAt)
	return env, nil
}

func scanRecipient(row rowScanner) (envelope.Recipient, error) {
	var r envelope.Recipient
	var phone, hash, declineReason sql.NullString
	var sentAt, viewedAt, signedAt, declinedAt sql.NullTime
	err := row.Scan(&r.ID, &r.EnvelopeID, &r.Name, &r.Email, &phone, &r.Role,
		&r.Position, &r.Status, &hash, &r.CodeRevoked, &declineReason,
		&sentAt, &viewedAt, &signedAt, &declinedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return envelope.Recipient{}, err
	}
	r.Phone = phone.String
	r.AccessCodeHash = hash.String
	r.DeclineReason = declineReason.String
	r.SentAt = nullTimePtr(sentAt)
	r.ViewedAt = nullTimePtr(viewedAt)
	r.SignedAt = nullTimePtr(signedAt)
	r.DeclinedAt = nullTimePtr(declinedAt)
	return r, nil
}

func scanField(row rowScanner) (envelope.Field, error) {
	var f envelope.Field
	var value sql.NullString
	var options []byte
	var completedAt sql.NullTime
	err := row.Scan(&f.ID, &f.EnvelopeID, &f.DocumentID, &f.RecipientID, &f.Type,
		&f.Page, &f.X, &f.Y, &f.W, &f.H, &f.Required, &options, &f.Completed,
		&value, &completedAt, &f.CreatedAt)
	if err != nil {
		return envelope.Field{}, err
	}
	f.Value = value.String
	f.CompletedAt = nullTimePtr(completedAt)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &f.Options); err != nil {
			return envelope.Field{}, fmt.Errorf("decode field options: %w", err)
		}
	}
	return f, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// envelopeForUpdate loads and locks the envelope row.
func envelopeForUpdate(ctx context.Context, tx *sql.Tx, id string) (envelope.Envelope, error) {
	row := tx.QueryRowContext(ctx, `select `+envelopeCols+` from envelopes where id=$1 for update`, id)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return envelope.Envelope{}, envelope.ErrNotFound
	}
	return env, err
}

func loadRecipients(ctx context.Context, q querier, envelopeID string) ([]envelope.Recipient, error) {
	rows, err := q.QueryContext(ctx, `select `+recipientCols+` from recipients where envelope_id=$1 order by position, created_at`, envelopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []envelope.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func loadDocuments(ctx context.Context, q querier, envelopeID string) ([]envelope.Document, error) {
	rows, err := q.QueryContext(ctx, `
		select id, envelope_id, document_id, display_order, created_at
		from envelope_documents where envelope_id=$1 order by display_order`, envelopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []envelope.Document
	for rows.Next() {
		var d envelope.Document
		if err := rows.Scan(&d.ID, &d.EnvelopeID, &d.DocumentID, &d.DisplayOrder, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func loadFields(ctx context.Context, q querier, envelopeID string) ([]envelope.Field, error) {
	rows, err := q.QueryContext(ctx, `select `+fieldCols+` from fields where envelope_id=$1 order by created_at`, envelopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []envelope.Field
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func updateEnvelopeRow(ctx context.Context, tx *sql.Tx, env envelope.Envelope) error {
	_, err := tx.ExecContext(ctx, `
		update envelopes set subject=$2, message=$3, status=$4, signing_order=$5,
			expiration_days=$6, expires_at=$7, void_reason=nullif($8,''), updated_at=$9,
			sent_at=$10, completed_at=$11, declined_at=$12, voided_at=$13, expired_at=$14
		where id=$1
	`, env.ID, env.Subject, env.Message, env.Status, env.SigningOrder,
		env.ExpirationDays, nullTime(env.ExpiresAt), env.VoidReason, env.UpdatedAt,
		nullTime(env.SentAt), nullTime(env.CompletedAt), nullTime(env.DeclinedAt),
		nullTime(env.VoidedAt), nullTime(env.ExpiredAt))
	return err
}

func updateRecipientRow(ctx context.Context, tx *sql.Tx, r envelope.Recipient) error {
	_, err := tx.ExecContext(ctx, `
		update recipients set status=$2, decline_reason=nullif($3,''), sent_at=$4,
			viewed_at=$5, signed_at=$6, declined_at=$7, updated_at=$8
		where id=$1
	`, r.ID, r.Status, r.DeclineReason, nullTime(r.SentAt), nullTime(r.ViewedAt),
		nullTime(r.SignedAt), nullTime(r.DeclinedAt), r.UpdatedAt)
	return err
}

func revokeCodesRow(ctx context.Context, tx *sql.Tx, envelopeID string) error {
	_, err := tx.ExecContext(ctx, `update recipients set code_revoked=true where envelope_id=$1`, envelopeID)
	return err
}

func draftGuard(env envelope.Envelope, senderID string) error {
	if env.SenderID != senderID {
		return fmt.Errorf("%w: only the sender can modify a draft", envelope.ErrPermission)
	}
	if env.Status != envelope.StatusDraft {
		return fmt.Errorf("%w: envelope is %s, drafts only", envelope.ErrInvalidStateTransition, env.Status)
	}
	return nil
}

func (s *Store) CreateEnvelope(ctx context.Context, draft envelope.Draft) (envelope.Detail, error) {
	if err := envelope.NormalizeDraft(&draft); err != nil {
		return envelope.Detail{}, err
	}
	now := time.Now().UTC()
	env := envelope.Envelope{
		ID:             envelope.NewID(),
		SenderID:       draft.SenderID,
		Subject:        draft.Subject,
		Message:        draft.Message,
		Status:         envelope.StatusDraft,
		SigningOrder:   draft.SigningOrder,
		ExpirationDays: draft.ExpirationDays,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	detail := envelope.Detail{Envelope: env}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into envelopes(id, sender_id, subject, message, status, signing_order, expiration_days, created_at, updated_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		`, env.ID, env.SenderID, env.Subject, env.Message, env.Status, env.SigningOrder, env.ExpirationDays, now); err != nil {
			return err
		}
		for i, docID := range draft.DocumentIDs {
			doc := envelope.Document{
				ID:           envelope.NewID(),
				EnvelopeID:   env.ID,
				DocumentID:   docID,
				DisplayOrder: i,
				CreatedAt:    now,
			}
			if _, err := tx.ExecContext(ctx, `
				insert into envelope_documents(id, envelope_id, document_id, display_order, created_at)
				values ($1,$2,$3,$4,$5)
			`, doc.ID, doc.EnvelopeID, doc.DocumentID, doc.DisplayOrder, doc.CreatedAt); err != nil {
				return err
			}
			detail.Documents = append(detail.Documents, doc)
		}
		return nil
	})
	if err != nil {
		return envelope.Detail{}, err
	}
	return detail, nil
}

func (s *Store) GetEnvelope(ctx context.Context, id string) (envelope.Detail, error) {
	row := s.db.QueryRowContext(ctx, `select `+envelopeCols+` from envelopes where id=$1`, id)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return envelope.Detail{}, envelope.ErrNotFound
	}
	if err != nil {
		return envelope.Detail{}, err
	}
	recipients, err := loadRecipients(ctx, s.db, id)
	if err != nil {
		return envelope.Detail{}, err
	}
	documents, err := loadDocuments(ctx, s.db, id)
	if err != nil {
		return envelope.Detail{}, err
	}
	fields, err := loadFields(ctx, s.db, id)
	if err != nil {
		return envelope.Detail{}, err
	}
	return envelope.Detail{Envelope: env, Recipients: recipients, Documents: documents, Fields: fields}, nil
}

func (s *Store) ListEnvelopes(ctx context.Context, senderID string, status envelope.Status, limit, offset int) ([]envelope.Envelope, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `
		select count(*) from envelopes where sender_id=$1 and ($2='' or status=$2)
	`, senderID, string(status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+envelopeCols+` from envelopes
		where sender_id=$1 and ($2='' or status=$2)
		order by created_at desc
		limit $3 offset $4
	`, senderID, string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []envelope.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, env)
	}
	return out, total, rows.Err()
}

func (s *Store) UpdateDraft(ctx context.Context, id, senderID string, upd envelope.DraftUpdate) (envelope.Envelope, error) {
	var env envelope.Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		env, err = envelopeForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := draftGuard(env, senderID); err != nil {
			return err
		}
		if err := envelope.ValidateDraftUpdate(upd); err != nil {
			return err
		}
		if upd.Subject != nil {
			env.Subject = *upd.Subject
		}
		if upd.Message != nil {
			env.Message = *upd.Message
		}
		if upd.SigningOrder != nil {
			env.SigningOrder = *upd.SigningOrder
		}
		if upd.ExpirationDays != nil {
			env.ExpirationDays = *upd.ExpirationDays
		}
		env.UpdatedAt = time.Now().UTC()
		return updateEnvelopeRow(ctx, tx, env)
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	return env, nil
}

func (s *Store) DeleteDraft(ctx context.Context, id, senderID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		env, err := envelopeForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := draftGuard(env, senderID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `delete from envelopes where id=$1`, id)
		return err
	})
}

func (s *Store) AddRecipient(ctx context.Context, envelopeID, senderID string, nr envelope.NewRecipient) (envelope.Recipient, error) {
	var out envelope.Recipient
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		env, err := envelopeForUpdate(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		if err := draftGuard(env, senderID); err != nil {
			return err
		}
		if err := envelope.ValidateNewRecipient(nr); err != nil {
			return err
		}
		recipients, err := loadRecipients(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		if len(recipients) >= envelope.MaxRecipients {
			return fmt.Errorf("%w: cannot exceed %d recipients", envelope.ErrValidation, envelope.MaxRecipients)
		}
		for _, existing := range recipients {
			if envelope.NormalizeEmail(existing.Email) == envelope.NormalizeEmail(nr.Email) {
				return fmt.Errorf("%w: email %s already attached", envelope.ErrValidation, nr.Email)
			}
		}
		position := nr.Position
		if env.SigningOrder == envelope.OrderParallel {
			position = 1
		}
		if position < 1 {
			return fmt.Errorf("%w: position %d must be a positive integer", envelope.ErrRecipientOrderConflict, position)
		}
		now := time.Now().UTC()
		out = envelope.Recipient{
			ID:         envelope.NewID(),
			EnvelopeID: envelopeID,
			Name:       nr.Name,
			Email:      nr.Email,
			Phone:      nr.Phone,
			Role:       nr.Role,
			Position:   position,
			Status:     envelope.RecipientPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if _, err := tx.ExecContext(ctx, `
			insert into recipients(id, envelope_id, name, email, phone, role, position, status, created_at, updated_at)
			values ($1,$2,$3,$4,nullif($5,''),$6,$7,$8,$9,$9)
		`, out.ID, out.EnvelopeID, out.Name, out.Email, out.Phone, out.Role, out.Position, out.Status, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `update envelopes set updated_at=$2 where id=$1`, envelopeID, now)
		return err
	})
	if err != nil {
		return envelope.Recipient{}, err
	}
	return out, nil
}

func (s *Store) AddDocument(ctx context.Context, envelopeID, senderID, documentID string) (envelope.Document, error) {
	var out envelope.Document
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		env, err := envelopeForUpdate(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		if err := draftGuard(env, senderID); err != nil {
			return err
		}
		if documentID == "" {
			return fmt.Errorf("%w: document id is required", envelope.ErrValidation)
		}
		documents, err := loadDocuments(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		if len(documents) >= envelope.MaxDocuments {
			return fmt.Errorf("%w: cannot exceed %d documents", envelope.ErrValidation, envelope.MaxDocuments)
		}
		for _, d := range documents {
			if d.DocumentID == documentID {
				return fmt.Errorf("%w: document %s already attached", envelope.ErrValidation, documentID)
			}
		}
		now := time.Now().UTC()
		out = envelope.Document{
			ID:           envelope.NewID(),
			EnvelopeID:   envelopeID,
			DocumentID:   documentID,
			DisplayOrder: len(documents),
			CreatedAt:    now,
		}
		if _, err := tx.ExecContext(ctx, `
			insert into envelope_documents(id, envelope_id, document_id, display_order, created_at)
			values ($1,$2,$3,$4,$5)
		`, out.ID, out.EnvelopeID, out.DocumentID, out.DisplayOrder, out.CreatedAt); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `update envelopes set updated_at=$2 where id=$1`, envelopeID, now)
		return err
	})
	if err != nil {
		return envelope.Document{}, err
	}
	return out, nil
}

func (s *Store) AddField(ctx context.Context, envelopeID, senderID string, nf envelope.NewField) (envelope.Field, error) {
	var out envelope.Field
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		env, err := envelopeForUpdate(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		if err := draftGuard(env, senderID); err != nil {
			return err
		}
		now := time.Now().UTC()
		out = envelope.Field{
			ID:          envelope.NewID(),
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
			CreatedAt:   now,
		}
		if err := envelope.ValidateFieldPlacement(out); err != nil {
			return err
		}
		var role envelope.Role
		err = tx.QueryRowContext(ctx, `select role from recipients where id=$1 and envelope_id=$2`, nf.RecipientID, envelopeID).Scan(&role)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: recipient does not belong to envelope", envelope.ErrValidation)
		}
		if err != nil {
			return err
		}
		if role != envelope.RoleSigner {
			return fmt.Errorf("%w: fields can only be assigned to signers", envelope.ErrValidation)
		}
		var attached bool
		if err := tx.QueryRowContext(ctx, `
			select exists(select 1 from envelope_documents where envelope_id=$1 and document_id=$2)
		`, envelopeID, nf.DocumentID).Scan(&attached); err != nil {
			return err
		}
		if !attached {
			return fmt.Errorf("%w: document does not belong to envelope", envelope.ErrValidation)
		}
		options, err := json.Marshal(out.Options)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into fields(id, envelope_id, document_id, recipient_id, type, page, x, y, w, h, required, options, created_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, out.ID, out.EnvelopeID, out.DocumentID, out.RecipientID, out.Type, out.Page,
			out.X, out.Y, out.W, out.H, out.Required, options, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `update envelopes set updated_at=$2 where id=$1`, envelopeID, now)
		return err
	})
	if err != nil {
		return envelope.Field{}, err
	}
	return out, nil
}

func (s *Store) Send(ctx context.Context, envelopeID, senderID string) (envelope.SendResult, error) {
	var result envelope.SendResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		env, err := envelopeForUpdate(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		if env.SenderID != senderID {
			return fmt.Errorf("%w: only the sender can send", envelope.ErrPermission)
		}
		recipients, err := loadRecipients(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		documents, err := loadDocuments(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		fields, err := loadFields(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		if err := envelope.ValidateSendable(env, recipients, documents, fields); err != nil {
			return err
		}

		now := time.Now().UTC()
		env.Status = envelope.StatusSent
		env.SentAt = &now
		env.UpdatedAt = now
		if env.ExpiresAt == nil {
			expires := now.AddDate(0, 0, env.ExpirationDays)
			env.ExpiresAt = &expires
		}
		if err := updateEnvelopeRow(ctx, tx, env); err != nil {
			return err
		}

		var notified []envelope.Recipient
		if env.SigningOrder == envelope.OrderSequential {
			for _, next := range envelope.NextRecipients(recipients) {
				for i := range recipients {
					if recipients[i].ID == next.ID {
						recipients[i].Status = envelope.RecipientSent
						recipients[i].SentAt = &now
						recipients[i].UpdatedAt = now
						notified = append(notified, recipients[i])
					}
				}
			}
		} else {
			for i := range recipients {
				recipients[i].Status = envelope.RecipientSent
				recipients[i].SentAt = &now
				recipients[i].UpdatedAt = now
				notified = append(notified, recipients[i])
			}
		}
		for _, r := range notified {
			if err := updateRecipientRow(ctx, tx, r); err != nil {
				return err
			}
		}
		result = envelope.SendResult{Envelope: env, Notified: notified}
		return nil
	})
	if err != nil {
		return envelope.SendResult{}, err
	}
	return result, nil
}

func (s *Store) Void(ctx context.Context, envelopeID, senderID, reason string) (envelope.Envelope, error) {
	var env envelope.Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		env, err = envelopeForUpdate(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		if env.SenderID != senderID {
			return fmt.Errorf("%w: only the sender can void", envelope.ErrPermission)
		}
		if err := envelope.ValidateReason(reason); err != nil {
			return err
		}
		if err := envelope.CheckTransition(env.Status, envelope.StatusVoided); err != nil {
			return err
		}
		now := time.Now().UTC()
		env.Status = envelope.StatusVoided
		env.VoidReason = reason
		env.VoidedAt = &now
		env.UpdatedAt = now
		if err := updateEnvelopeRow(ctx, tx, env); err != nil {
			return err
		}
		return revokeCodesRow(ctx, tx, envelopeID)
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	return env, nil
}

func (s *Store) MarkViewed(ctx context.Context, envelopeID, recipientID string) (envelope.ViewResult, error) {
	var result envelope.ViewResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		env, err := envelopeForUpdate(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		if err := envelope.InSigningPhase(env); err != nil {
			return err
		}
		recipients, err := loadRecipients(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		r := findRecipient(recipients, recipientID)
		if r == nil {
			return envelope.ErrNotFound
		}

		now := time.Now().UTC()
		if r.Status == envelope.RecipientPending || r.Status == envelope.RecipientSent {
			r.Status = envelope.RecipientViewed
		}
		if r.ViewedAt == nil {
			r.ViewedAt = &now
		}
		r.UpdatedAt = now
		if err := updateRecipientRow(ctx, tx, *r); err != nil {
			return err
		}

		first := false
		if env.Status == envelope.StatusSent {
			env.Status = envelope.StatusDelivered
			env.UpdatedAt = now
			if err := updateEnvelopeRow(ctx, tx, env); err != nil {
				return err
			}
			first = true
		}
		result = envelope.ViewResult{Envelope: env, Recipient: *r, FirstView: first}
		return nil
	})
	if err != nil {
		return envelope.ViewResult{}, err
	}
	return result, nil
}

func (s *Store) CompleteField(ctx context.Context, envelopeID, recipientID, fieldID, value string) (envelope.Field, error) {
	var out envelope.Field
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		env, err := envelopeForUpdate(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		if err := envelope.InSigningPhase(env); err != nil {
			return err
		}
		recipients, err := loadRecipients(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		r := findRecipient(recipients, recipientID)
		if r == nil {
			return envelope.ErrNotFound
		}
		if !envelope.CanSign(env, recipients, *r) {
			return fmt.Errorf("%w: recipient is not eligible to sign", envelope.ErrInvalidStateTransition)
		}
		fields, err := loadFields(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		var f *envelope.Field
		for i := range fields {
			if fields[i].ID == fieldID {
				f = &fields[i]
				break
			}
		}
		if f == nil {
			return envelope.ErrNotFound
		}
		if f.RecipientID != recipientID {
			return fmt.Errorf("%w: field belongs to another recipient", envelope.ErrPermission)
		}
		if f.Completed {
			return envelope.ErrFieldAlreadyCompleted
		}
		if err := envelope.ValidateFieldValue(*f, value); err != nil {
			return err
		}
		now := time.Now().UTC()
		f.Value = value
		f.Completed = true
		f.CompletedAt = &now
		if _, err := tx.ExecContext(ctx, `
			update fields set completed=true, value=$2, completed_at=$3 where id=$1
		`, f.ID, f.Value, now); err != nil {
			return err
		}
		out = *f
		return nil
	})
	if err != nil {
		return envelope.Field{}, err
	}
	return out, nil
}

func (s *Store) Decline(ctx context.Context, envelopeID, recipientID, reason string) (envelope.DeclineResult, error) {
	var result envelope.DeclineResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		env, err := envelopeForUpdate(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		recipients, err := loadRecipients(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		r := findRecipient(recipients, recipientID)
		if r == nil {
			return envelope.ErrNotFound
		}
		if err := envelope.ValidateReason(reason); err != nil {
			return err
		}
		if r.Role != envelope.RoleSigner {
			return fmt.Errorf("%w: only signers can decline", envelope.ErrPermission)
		}
		if r.Status == envelope.RecipientSigned || r.Status == envelope.RecipientDeclined {
			return fmt.Errorf("%w: recipient already %s", envelope.ErrInvalidStateTransition, r.Status)
		}
		if err := envelope.CheckTransition(env.Status, envelope.StatusDeclined); err != nil {
			return err
		}

		now := time.Now().UTC()
		r.Status = envelope.RecipientDeclined
		r.DeclineReason = reason
		r.DeclinedAt = &now
		r.UpdatedAt = now
		if err := updateRecipientRow(ctx, tx, *r); err != nil {
			return err
		}
		env.Status = envelope.StatusDeclined
		env.DeclinedAt = &now
		env.UpdatedAt = now
		if err := updateEnvelopeRow(ctx, tx, env); err != nil {
			return err
		}
		if err := revokeCodesRow(ctx, tx, envelopeID); err != nil {
			return err
		}
		result = envelope.DeclineResult{Envelope: env, Recipient: *r}
		return nil
	})
	if err != nil {
		return envelope.DeclineResult{}, err
	}
	return result, nil
}

func (s *Store) Submit(ctx context.Context, envelopeID, recipientID string, certify bool) (envelope.SubmitResult, error) {
	var result envelope.SubmitResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		env, err := envelopeForUpdate(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		if err := envelope.InSigningPhase(env); err != nil {
			return err
		}
		recipients, err := loadRecipients(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		r := findRecipient(recipients, recipientID)
		if r == nil {
			return envelope.ErrNotFound
		}
		if !envelope.CanSign(env, recipients, *r) {
			return fmt.Errorf("%w: recipient is not eligible to sign", envelope.ErrInvalidStateTransition)
		}
		fields, err := loadFields(ctx, tx, envelopeID)
		if err != nil {
			return err
		}
		if !envelope.RequiredComplete(fields, recipientID) {
			return envelope.ErrIncompleteRequiredFields
		}
		if !certify {
			return envelope.ErrConsentNotCertified
		}

		now := time.Now().UTC()
		r.Status = envelope.RecipientSigned
		r.SignedAt = &now
		r.UpdatedAt = now
		if err := updateRecipientRow(ctx, tx, *r); err != nil {
			return err
		}

		result = envelope.SubmitResult{Recipient: *r}
		if envelope.AllSignersSigned(recipients) {
			env.Status = envelope.StatusCompleted
			env.CompletedAt = &now
			env.UpdatedAt = now
			if err := updateEnvelopeRow(ctx, tx, env); err != nil {
				return err
			}
			if err := revokeCodesRow(ctx, tx, envelopeID); err != nil {
				return err
			}
			result.Completed = true
		} else {
			env.Status = envelope.StatusSigned
			env.UpdatedAt = now
			if err := updateEnvelopeRow(ctx, tx, env); err != nil {
				return err
			}
			if env.SigningOrder == envelope.OrderSequential {
				for _, unlocked := range envelope.NextRecipients(recipients) {
					for i := range recipients {
						if recipients[i].ID == unlocked.ID {
							recipients[i].Status = envelope.RecipientSent
							recipients[i].SentAt = &now
							recipients[i].UpdatedAt = now
							if err := updateRecipientRow(ctx, tx, recipients[i]); err != nil {
								return err
							}
							result.Unlocked = append(result.Unlocked, recipients[i])
						}
					}
				}
			}
		}
		result.Envelope = env
		return nil
	})
	if err != nil {
		return envelope.SubmitResult{}, err
	}
	return result, nil
}

func (s *Store) RecipientCanSign(ctx context.Context, envelopeID, recipientID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `select `+envelopeCols+` from envelopes where id=$1`, envelopeID)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, envelope.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	recipients, err := loadRecipients(ctx, s.db, envelopeID)
	if err != nil {
		return false, err
	}
	r := findRecipient(recipients, recipientID)
	if r == nil {
		return false, envelope.ErrNotFound
	}
	return envelope.CanSign(env, recipients, *r), nil
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) ([]envelope.Envelope, error) {
	var expired []envelope.Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			select `+envelopeCols+` from envelopes
			where status in ('sent','delivered','signed') and expires_at is not null and expires_at <= $1
			order by id
			for update
		`, now)
		if err != nil {
			return err
		}
		var candidates []envelope.Envelope
		for rows.Next() {
			env, err := scanEnvelope(rows)
			if err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, env)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, env := range candidates {
			if err := envelope.CheckTransition(env.Status, envelope.StatusExpired); err != nil {
				continue
			}
			ts := now
			env.Status = envelope.StatusExpired
			env.ExpiredAt = &ts
			env.UpdatedAt = ts
			if err := updateEnvelopeRow(ctx, tx, env); err != nil {
				return err
			}
			if err := revokeCodesRow(ctx, tx, env.ID); err != nil {
				return err
			}
			expired = append(expired, env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *Store) DocumentInUse(ctx context.Context, documentID string) (bool, error) {
	var inUse bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from envelope_documents d
			join envelopes e on e.id = d.envelope_id
			where d.document_id=$1 and e.status not in ('completed','declined','voided','expired')
		)
	`, documentID).Scan(&inUse)
	return inUse, err
}

// --- access-code persistence (see internal/access) ---

func (s *Store) SetAccessCodeHash(ctx context.Context, envelopeID, recipientID, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		update recipients set access_code_hash=$3, code_revoked=false, updated_at=now()
		where id=$2 and envelope_id=$1
	`, envelopeID, recipientID, hash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return envelope.ErrNotFound
	}
	return nil
}

func (s *Store) AccessCodeHash(ctx context.Context, envelopeID, recipientID string) (string, bool, error) {
	var hash sql.NullString
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		select access_code_hash, code_revoked from recipients where id=$2 and envelope_id=$1
	`, envelopeID, recipientID).Scan(&hash, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, envelope.ErrNotFound
	}
	if err != nil {
		return "", false, err
	}
	return hash.String, revoked, nil
}

func (s *Store) RevokeAccessCodes(ctx context.Context, envelopeID string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from envelopes where id=$1)`, envelopeID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return envelope.ErrNotFound
	}
	_, err := s.db.ExecContext(ctx, `update recipients set code_revoked=true where envelope_id=$1`, envelopeID)
	return err
}

func findRecipient(recipients []envelope.Recipient, id string) *envelope.Recipient {
	for i := range recipients {
		if recipients[i].ID == id {
			return &recipients[i]
		}
	}
	return nil
}
