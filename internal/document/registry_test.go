package document

import (
	"context"
	"errors"
	"testing"
)

type stubUsage struct {
	inUse map[string]bool
}

func (s *stubUsage) DocumentInUse(ctx context.Context, documentID string) (bool, error) {
	return s.inUse[documentID], nil
}

var pdf = []byte("%PDF-1.7 test content")

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)

	meta, err := reg.Register(ctx, "contract.pdf", "application/pdf", "user-1", pdf)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if meta.ID == "" || meta.StorageKey == "" || meta.SHA256 == "" {
		t.Fatalf("incomplete metadata: %+v", meta)
	}
	if meta.Size != int64(len(pdf)) {
		t.Fatalf("size = %d, want %d", meta.Size, len(pdf))
	}

	got, err := reg.Get(ctx, meta.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "contract.pdf" {
		t.Fatalf("name = %q", got.Name)
	}

	data, err := reg.Content(ctx, meta.ID)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if string(data) != string(pdf) {
		t.Fatal("content round trip mismatch")
	}
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)

	if _, err := reg.Register(ctx, "", "application/pdf", "user-1", pdf); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty name: got %v", err)
	}
	if _, err := reg.Register(ctx, "x.docx", "application/msword", "user-1", pdf); !errors.Is(err, ErrBadContent) {
		t.Fatalf("wrong content type: got %v", err)
	}
	if _, err := reg.Register(ctx, "x.pdf", "application/pdf", "user-1", nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty content: got %v", err)
	}
	if _, err := reg.Register(ctx, "x.pdf", "application/pdf", "user-1", make([]byte, MaxSize+1)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("oversized content: got %v", err)
	}
}

func TestDeleteRefusedWhileInUse(t *testing.T) {
	ctx := context.Background()
	usage := &stubUsage{inUse: map[string]bool{}}
	reg := NewRegistry(usage)

	meta, err := reg.Register(ctx, "contract.pdf", "application/pdf", "user-1", pdf)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	usage.inUse[meta.ID] = true
	if err := reg.Delete(ctx, meta.ID); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}

	usage.inUse[meta.ID] = false
	if err := reg.Delete(ctx, meta.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := reg.Get(ctx, meta.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
