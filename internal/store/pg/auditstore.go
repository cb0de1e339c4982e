package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"inksign.org/internal/audit"
)

// AuditStore persists per-envelope hash chains. Audit returns the view; the
// chain serializes appends, so no row lock is needed here.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

func (s *Store) Audit() *AuditStore { return &AuditStore{db: s.db} }

func (s *AuditStore) AppendRecord(ctx context.Context, rec audit.Record) error {
	details, err := json.Marshal(rec.Event.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_events(envelope_id, seq, type, actor, recipient_id, occurred_at, details, prev_hash, hash)
		values ($1,$2,$3,$4,nullif($5,''),$6,$7,nullif($8,''),$9)
	`, rec.Event.EnvelopeID, rec.Seq, rec.Event.Type, rec.Event.Actor,
		rec.Event.RecipientID, rec.Event.OccurredAt, details, rec.PrevHash, rec.Hash)
	return err
}

func (s *AuditStore) Records(ctx context.Context, envelopeID string) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select envelope_id, seq, type, actor, coalesce(recipient_id,''), occurred_at, details, coalesce(prev_hash,''), hash
		from audit_events where envelope_id=$1 order by seq
	`, envelopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var rec audit.Record
		var details []byte
		if err := rows.Scan(&rec.Event.EnvelopeID, &rec.Seq, &rec.Event.Type, &rec.Event.Actor,
			&rec.Event.RecipientID, &rec.Event.OccurredAt, &details, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &rec.Event.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
