package envelope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// makeSent creates an envelope with n signers, one required signature field
// each, and sends it. Returns the envelope id, recipient ids, and field ids
// in position order.
func makeSent(t *testing.T, s *InMemory, order SigningOrder, n int) (string, []string, []string) {
	t.Helper()
	ctx := context.Background()

	detail, err := s.CreateEnvelope(ctx, Draft{
		SenderID:     "sender-1",
		Subject:      "Lease agreement",
		SigningOrder: order,
		DocumentIDs:  []string{"doc-1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	envID := detail.Envelope.ID

	var rcpIDs, fieldIDs []string
	for i := 0; i < n; i++ {
		rcp, err := s.AddRecipient(ctx, envID, "sender-1", NewRecipient{
			Name:     fmt.Sprintf("Signer %d", i+1),
			Email:    fmt.Sprintf("signer%d@example.com", i+1),
			Role:     RoleSigner,
			Position: i + 1,
		})
		if err != nil {
			t.Fatalf("add recipient %d: %v", i+1, err)
		}
		rcpIDs = append(rcpIDs, rcp.ID)

		f, err := s.AddField(ctx, envID, "sender-1", NewField{
			DocumentID:  "doc-1",
			RecipientID: rcp.ID,
			Type:        FieldSignature,
			Page:        1,
			X:           0.1, Y: 0.1 + float64(i)*0.1, W: 0.3, H: 0.05,
			Required: true,
		})
		if err != nil {
			t.Fatalf("add field %d: %v", i+1, err)
		}
		fieldIDs = append(fieldIDs, f.ID)
	}

	if _, err := s.Send(ctx, envID, "sender-1"); err != nil {
		t.Fatalf("send: %v", err)
	}
	return envID, rcpIDs, fieldIDs
}

func TestSequentialLifecycle(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	envID, rcpIDs, fieldIDs := makeSent(t, s, OrderSequential, 2)

	detail, _ := s.GetEnvelope(ctx, envID)
	if detail.Recipients[0].Status != RecipientSent {
		t.Errorf("first signer status = %s, want sent", detail.Recipients[0].Status)
	}
	if detail.Recipients[1].Status != RecipientPending {
		t.Errorf("second signer status = %s, want pending", detail.Recipients[1].Status)
	}

	view, err := s.MarkViewed(ctx, envID, rcpIDs[0])
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !view.FirstView || view.Envelope.Status != StatusDelivered {
		t.Fatalf("first view should deliver, got FirstView=%v status=%s", view.FirstView, view.Envelope.Status)
	}

	// Second signer cannot act yet.
	if _, err := s.CompleteField(ctx, envID, rcpIDs[1], fieldIDs[1], "early"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("out-of-turn completion: got %v", err)
	}

	if _, err := s.CompleteField(ctx, envID, rcpIDs[0], fieldIDs[0], "sig-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, err := s.Submit(ctx, envID, rcpIDs[0], true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Completed {
		t.Fatal("envelope completed with one of two signatures")
	}
	if len(res.Unlocked) != 1 || res.Unlocked[0].ID != rcpIDs[1] {
		t.Fatalf("expected second signer unlocked, got %+v", res.Unlocked)
	}
	if res.Envelope.Status != StatusSigned {
		t.Fatalf("status = %s, want signed", res.Envelope.Status)
	}

	// Submission without the required field is refused.
	if _, err := s.Submit(ctx, envID, rcpIDs[1], true); !errors.Is(err, ErrIncompleteRequiredFields) {
		t.Fatalf("expected ErrIncompleteRequiredFields, got %v", err)
	}
	if _, err := s.CompleteField(ctx, envID, rcpIDs[1], fieldIDs[1], "sig-2"); err != nil {
		t.Fatalf("complete second: %v", err)
	}
	res, err = s.Submit(ctx, envID, rcpIDs[1], true)
	if err != nil {
		t.Fatalf("final submit: %v", err)
	}
	if !res.Completed || res.Envelope.Status != StatusCompleted {
		t.Fatalf("expected completion, got Completed=%v status=%s", res.Completed, res.Envelope.Status)
	}
	if res.Envelope.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
}

func TestParallelConcurrentSubmitCompletesOnce(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	envID, rcpIDs, fieldIDs := makeSent(t, s, OrderParallel, 3)

	for i := range rcpIDs {
		if _, err := s.CompleteField(ctx, envID, rcpIDs[i], fieldIDs[i], "sig"); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}

	results := make([]SubmitResult, len(rcpIDs))
	var wg sync.WaitGroup
	for i := range rcpIDs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Submit(ctx, envID, rcpIDs[i], true)
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, res := range results {
		if res.Completed {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("Completed reported %d times, want exactly once", completed)
	}
	detail, _ := s.GetEnvelope(ctx, envID)
	if detail.Envelope.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", detail.Envelope.Status)
	}
}

func TestVoidRevokesAccessCodes(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	envID, rcpIDs, fieldIDs := makeSent(t, s, OrderParallel, 2)

	for _, id := range rcpIDs {
		if err := s.SetAccessCodeHash(ctx, envID, id, "hash-"+id); err != nil {
			t.Fatalf("set hash: %v", err)
		}
	}

	// One signer has already signed when the sender voids.
	if _, err := s.CompleteField(ctx, envID, rcpIDs[0], fieldIDs[0], "sig"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.Submit(ctx, envID, rcpIDs[0], true); err != nil {
		t.Fatalf("submit: %v", err)
	}

	env, err := s.Void(ctx, envID, "sender-1", "deal fell through")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if env.Status != StatusVoided {
		t.Fatalf("status = %s, want voided", env.Status)
	}
	// The pending signer's code is invalidated along with everyone else's.
	_, revoked, err := s.AccessCodeHash(ctx, envID, rcpIDs[1])
	if err != nil {
		t.Fatalf("hash lookup: %v", err)
	}
	if !revoked {
		t.Fatal("expected pending signer's code revoked after void")
	}

	// A second void hits the terminal guard.
	if _, err := s.Void(ctx, envID, "sender-1", "again"); !errors.Is(err, ErrEnvelopeAlreadyTerminal) {
		t.Fatalf("expected ErrEnvelopeAlreadyTerminal, got %v", err)
	}
}

func TestRequiredTextRejectsEmptyValue(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	detail, err := s.CreateEnvelope(ctx, Draft{
		SenderID:    "sender-1",
		Subject:     "NDA",
		DocumentIDs: []string{"doc-1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	envID := detail.Envelope.ID
	rcp, err := s.AddRecipient(ctx, envID, "sender-1", NewRecipient{
		Name: "Signer", Email: "s@example.com", Role: RoleSigner, Position: 1,
	})
	if err != nil {
		t.Fatalf("recipient: %v", err)
	}
	f, err := s.AddField(ctx, envID, "sender-1", NewField{
		DocumentID: "doc-1", RecipientID: rcp.ID, Type: FieldText,
		Page: 1, X: 0.1, Y: 0.1, W: 0.3, H: 0.05, Required: true,
	})
	if err != nil {
		t.Fatalf("field: %v", err)
	}
	if _, err := s.Send(ctx, envID, "sender-1"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := s.CompleteField(ctx, envID, rcp.ID, f.ID, ""); !errors.Is(err, ErrFieldValidation) {
		t.Fatalf("expected ErrFieldValidation, got %v", err)
	}
	detail, _ = s.GetEnvelope(ctx, envID)
	if detail.Fields[0].Completed {
		t.Fatal("rejected value must not mark the field complete")
	}
}

func TestFieldCompletionIsImmutable(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	envID, rcpIDs, fieldIDs := makeSent(t, s, OrderParallel, 1)

	if _, err := s.CompleteField(ctx, envID, rcpIDs[0], fieldIDs[0], "sig"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Even an identical resubmission is refused.
	if _, err := s.CompleteField(ctx, envID, rcpIDs[0], fieldIDs[0], "sig"); !errors.Is(err, ErrFieldAlreadyCompleted) {
		t.Fatalf("expected ErrFieldAlreadyCompleted, got %v", err)
	}
}

func TestSubmitRequiresCertification(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	envID, rcpIDs, fieldIDs := makeSent(t, s, OrderParallel, 1)

	if _, err := s.CompleteField(ctx, envID, rcpIDs[0], fieldIDs[0], "sig"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.Submit(ctx, envID, rcpIDs[0], false); !errors.Is(err, ErrConsentNotCertified) {
		t.Fatalf("expected ErrConsentNotCertified, got %v", err)
	}
	detail, _ := s.GetEnvelope(ctx, envID)
	if detail.Recipients[0].Status == RecipientSigned {
		t.Fatal("refused submission must not mark the recipient signed")
	}
}

func TestExpiredEnvelopeRefusesLateSignature(t *testing.T) {
	s := NewInMemory()
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	envID, rcpIDs, fieldIDs := makeSent(t, s, OrderParallel, 1)

	now = base.AddDate(0, 0, DefaultExpirationDays+1)
	expired, err := s.SweepExpired(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != envID {
		t.Fatalf("expected the envelope to expire, got %+v", expired)
	}

	// A late request fails its phase guard, not the transition table, so the
	// caller sees the state error rather than the terminal conflict.
	if _, err := s.CompleteField(ctx, envID, rcpIDs[0], fieldIDs[0], "sig"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if _, err := s.Submit(ctx, envID, rcpIDs[0], true); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}

	// The sweep is idempotent.
	again, err := s.SweepExpired(ctx, now)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no envelopes on second sweep, got %d", len(again))
	}
}

func TestDeclineTerminalizes(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	envID, rcpIDs, _ := makeSent(t, s, OrderParallel, 2)

	if err := s.SetAccessCodeHash(ctx, envID, rcpIDs[1], "hash-2"); err != nil {
		t.Fatalf("set hash: %v", err)
	}
	res, err := s.Decline(ctx, envID, rcpIDs[0], "terms unacceptable")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if res.Envelope.Status != StatusDeclined {
		t.Fatalf("status = %s, want declined", res.Envelope.Status)
	}
	if res.Recipient.DeclineReason != "terms unacceptable" {
		t.Fatalf("reason = %q", res.Recipient.DeclineReason)
	}

	// One decline sinks the envelope for everybody.
	if _, err := s.Submit(ctx, envID, rcpIDs[1], true); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	_, revoked, err := s.AccessCodeHash(ctx, envID, rcpIDs[1])
	if err != nil {
		t.Fatalf("hash lookup: %v", err)
	}
	if !revoked {
		t.Fatal("expected other signer's code revoked")
	}
}

func TestDraftGuards(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	detail, err := s.CreateEnvelope(ctx, Draft{
		SenderID:    "sender-1",
		Subject:     "Offer letter",
		DocumentIDs: []string{"doc-1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	envID := detail.Envelope.ID

	subject := "Updated offer"
	if _, err := s.UpdateDraft(ctx, envID, "someone-else", DraftUpdate{Subject: &subject}); !errors.Is(err, ErrPermission) {
		t.Fatalf("expected ErrPermission, got %v", err)
	}

	if _, err := s.AddRecipient(ctx, envID, "sender-1", NewRecipient{
		Name: "A", Email: "dup@example.com", Role: RoleSigner, Position: 1,
	}); err != nil {
		t.Fatalf("recipient: %v", err)
	}
	if _, err := s.AddRecipient(ctx, envID, "sender-1", NewRecipient{
		Name: "B", Email: "DUP@example.com", Role: RoleSigner, Position: 2,
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for duplicate email, got %v", err)
	}

	rcp, _ := s.AddRecipient(ctx, envID, "sender-1", NewRecipient{
		Name: "C", Email: "c@example.com", Role: RoleSigner, Position: 2,
	})
	if _, err := s.AddField(ctx, envID, "sender-1", NewField{
		DocumentID: "doc-1", RecipientID: rcp.ID, Type: FieldSignature,
		Page: 1, X: 0.1, Y: 0.1, W: 0.3, H: 0.05, Required: true,
	}); err != nil {
		t.Fatalf("field: %v", err)
	}
	if _, err := s.AddField(ctx, envID, "sender-1", NewField{
		DocumentID: "doc-1", RecipientID: "dup@example.com-id", Type: FieldSignature,
		Page: 1, X: 0.5, Y: 0.1, W: 0.3, H: 0.05,
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown recipient, got %v", err)
	}

	if _, err := s.Send(ctx, envID, "sender-1"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Draft mutations are locked once sent.
	if _, err := s.UpdateDraft(ctx, envID, "sender-1", DraftUpdate{Subject: &subject}); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition after send, got %v", err)
	}
	if err := s.DeleteDraft(ctx, envID, "sender-1"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition for delete after send, got %v", err)
	}
}

func TestSendSequentialNotifiesFirstPositionOnly(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	envID, rcpIDs, _ := makeSent(t, s, OrderSequential, 3)

	detail, _ := s.GetEnvelope(ctx, envID)
	for i, r := range detail.Recipients {
		want := RecipientPending
		if r.ID == rcpIDs[0] {
			want = RecipientSent
		}
		if r.Status != want {
			t.Errorf("recipient %d status = %s, want %s", i, r.Status, want)
		}
	}
}

func TestListEnvelopesFiltersAndPaginates(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.CreateEnvelope(ctx, Draft{
			SenderID:    "sender-1",
			Subject:     fmt.Sprintf("Draft %d", i),
			DocumentIDs: []string{"doc-1"},
		}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	makeSent(t, s, OrderParallel, 1)
	if _, err := s.CreateEnvelope(ctx, Draft{SenderID: "other", Subject: "Not mine"}); err != nil {
		t.Fatalf("create other: %v", err)
	}

	items, total, err := s.ListEnvelopes(ctx, "sender-1", "", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 4 || len(items) != 4 {
		t.Fatalf("total=%d len=%d, want 4/4", total, len(items))
	}

	items, total, err = s.ListEnvelopes(ctx, "sender-1", StatusDraft, 2, 0)
	if err != nil {
		t.Fatalf("list drafts: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("draft filter total=%d len=%d, want 3/2", total, len(items))
	}
	for _, e := range items {
		if e.Status != StatusDraft {
			t.Errorf("unexpected status %s in draft filter", e.Status)
		}
	}
}
