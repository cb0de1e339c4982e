package sweep

import (
	"context"
	"testing"
	"time"

	"inksign.org/internal/audit"
	"inksign.org/internal/envelope"
	"inksign.org/internal/notify"
	"inksign.org/internal/session"
)

func buildSentEnvelope(t *testing.T, svc *envelope.InMemory, days int) envelope.Envelope {
	t.Helper()
	ctx := context.Background()
	detail, err := svc.CreateEnvelope(ctx, envelope.Draft{
		SenderID:       "sender-1",
		Subject:        "Expiring agreement",
		ExpirationDays: days,
		DocumentIDs:    []string{"doc-1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := detail.Envelope.ID
	r, err := svc.AddRecipient(ctx, id, "sender-1", envelope.NewRecipient{
		Name: "Signer", Email: "signer@example.com", Role: envelope.RoleSigner, Position: 1,
	})
	if err != nil {
		t.Fatalf("add recipient: %v", err)
	}
	if _, err := svc.AddField(ctx, id, "sender-1", envelope.NewField{
		DocumentID: "doc-1", RecipientID: r.ID, Type: envelope.FieldSignature,
		Page: 1, X: 0.1, Y: 0.1, W: 0.2, H: 0.05, Required: true,
	}); err != nil {
		t.Fatalf("add field: %v", err)
	}
	res, err := svc.Send(ctx, id, "sender-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return res.Envelope
}

func TestSweepOnceExpiresAndEmits(t *testing.T) {
	svc := envelope.NewInMemory()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return base })

	env := buildSentEnvelope(t, svc, 1)

	chain := audit.NewChain(nil)
	stream := notify.New()
	sessions := session.NewManager(0)
	sess := sessions.Establish(env.ID, "rcp-1")

	sw := New(svc, stream, chain, sessions, time.Minute)
	after := base.AddDate(0, 0, 2)
	sw.SetClock(func() time.Time { return after })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := stream.Subscribe(ctx)

	n, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d envelopes, want 1", n)
	}

	detail, err := svc.GetEnvelope(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Envelope.Status != envelope.StatusExpired {
		t.Fatalf("status = %s, want expired", detail.Envelope.Status)
	}

	records, err := chain.Records(ctx, env.ID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 1 || records[0].Event.Type != "envelope.expired" {
		t.Fatalf("unexpected audit records: %+v", records)
	}

	select {
	case evt := <-events:
		if evt.EnvelopeID != env.ID || evt.Status != "expired" {
			t.Fatalf("unexpected notify event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no notify event published")
	}

	if _, err := sessions.Resolve(sess.ID); err == nil {
		t.Fatal("expected sessions to be invalidated")
	}
}

func TestSweepOnceLeavesUnexpiredAlone(t *testing.T) {
	svc := envelope.NewInMemory()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return base })

	env := buildSentEnvelope(t, svc, 30)

	sw := New(svc, nil, nil, nil, time.Minute)
	sw.SetClock(func() time.Time { return base.AddDate(0, 0, 2) })

	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired %d envelopes, want 0", n)
	}
	detail, err := svc.GetEnvelope(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Envelope.Status != envelope.StatusSent {
		t.Fatalf("status = %s, want sent", detail.Envelope.Status)
	}
}
