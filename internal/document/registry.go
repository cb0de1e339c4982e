package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"inksign.org/internal/ids"
)

var (
	ErrNotFound   = errors.New("document: not found")
	ErrInvalid    = errors.New("document: invalid")
	ErrInUse      = errors.New("document: referenced by an active envelope")
	ErrTooLarge   = errors.New("document: exceeds size limit")
	ErrBadContent = errors.New("document: unsupported content type")
)

// MaxSize caps uploads at 25 MiB.
const MaxSize = 25 << 20

const pdfContentType = "application/pdf"

// Meta describes an uploaded document. Content lives under StorageKey; the
// registry only tracks metadata and integrity.
type Meta struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	StorageKey  string    `json:"storage_key"`
	UploadedBy  string    `json:"uploaded_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// UsageChecker reports whether any non-terminal envelope references the
// document. Deletion is refused while that holds.
type UsageChecker interface {
	DocumentInUse(ctx context.Context, documentID string) (bool, error)
}

// Registry stores document metadata and content in memory.
type Registry struct {
	mu      sync.RWMutex
	docs    map[string]Meta
	content map[string][]byte
	usage   UsageChecker
	now     func() time.Time
}

// NewRegistry creates a registry; usage may be nil, in which case deletion is
// never refused for envelope references.
func NewRegistry(usage UsageChecker) *Registry {
	return &Registry{
		docs:    make(map[string]Meta),
		content: make(map[string][]byte),
		usage:   usage,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register validates and stores an upload, returning its metadata.
func (r *Registry) Register(ctx context.Context, name, contentType, uploadedBy string, content []byte) (Meta, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Meta{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if len(name) > 255 {
		return Meta{}, fmt.Errorf("%w: name exceeds 255 characters", ErrInvalid)
	}
	if contentType != pdfContentType {
		return Meta{}, fmt.Errorf("%w: %q", ErrBadContent, contentType)
	}
	if len(content) == 0 {
		return Meta{}, fmt.Errorf("%w: empty content", ErrInvalid)
	}
	if len(content) > MaxSize {
		return Meta{}, ErrTooLarge
	}

	sum := sha256.Sum256(content)
	meta := Meta{
		ID:          ids.New(),
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(content)),
		SHA256:      hex.EncodeToString(sum[:]),
		StorageKey:  "documents/" + ids.New(),
		UploadedBy:  uploadedBy,
		CreatedAt:   r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[meta.ID] = meta
	r.content[meta.ID] = append([]byte(nil), content...)
	return meta, nil
}

// Get returns the document's metadata.
func (r *Registry) Get(ctx context.Context, id string) (Meta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.docs[id]
	if !ok {
		return Meta{}, ErrNotFound
	}
	return meta, nil
}

// Content returns the stored bytes.
func (r *Registry) Content(ctx context.Context, id string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.content[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// List returns documents uploaded by the given user.
func (r *Registry) List(ctx context.Context, uploadedBy string) ([]Meta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Meta
	for _, meta := range r.docs {
		if uploadedBy == "" || meta.UploadedBy == uploadedBy {
			out = append(out, meta)
		}
	}
	return out, nil
}

// Delete removes a document unless a non-terminal envelope still references
// it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.docs[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if r.usage != nil {
		inUse, err := r.usage.DocumentInUse(ctx, id)
		if err != nil {
			return err
		}
		if inUse {
			return ErrInUse
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	delete(r.content, id)
	return nil
}
