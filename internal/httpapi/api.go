package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"inksign.org/internal/access"
	"inksign.org/internal/audit"
	"inksign.org/internal/auth"
	"inksign.org/internal/document"
	"inksign.org/internal/envelope"
	"inksign.org/internal/notify"
	"inksign.org/internal/obs"
	"inksign.org/internal/session"
)

// ReadyProbe checks backing dependencies, typically a DB ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps wires the API's collaborators.
type Deps struct {
	Ready     ReadyProbe
	Version   string
	Envelopes envelope.Service
	Codes     *access.Issuer
	Sessions  *session.Manager
	Stream    *notify.Stream
	Chain     *audit.Chain
	Documents *document.Registry
	Accounts  *auth.Service
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	envelopes envelope.Service
	codes     *access.Issuer
	sessions  *session.Manager
	stream    *notify.Stream
	chain     *audit.Chain
	documents *document.Registry
	accounts  *auth.Service
}

func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: d.Ready,
		version:    d.Version,
		envelopes:  d.Envelopes,
		codes:      d.Codes,
		sessions:   d.Sessions,
		stream:     d.Stream,
		chain:      d.Chain,
		documents:  d.Documents,
		accounts:   d.Accounts,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// accounts
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)

	// sender surface
	a.mux.HandleFunc("/v1/envelopes", a.handleEnvelopesCollection)
	a.mux.HandleFunc("/v1/envelopes/", a.handleEnvelopeResource)
	a.mux.HandleFunc("/v1/documents", a.handleDocumentsCollection)
	a.mux.HandleFunc("/v1/documents/", a.handleDocumentResource)

	// recipient signing surface (access-code sessions, no JWT)
	a.mux.HandleFunc("/v1/signing/sessions", a.handleSessionsCollection)
	a.mux.HandleFunc("/v1/signing/sessions/", a.handleSessionResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware-wrapped handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// Mux returns the raw router; tests wrap it themselves.
func (a *API) Mux() *http.ServeMux { return a.mux }

// --- service handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "inksign-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "inksign-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleWorkflowError maps domain sentinels to HTTP status codes.
func handleWorkflowError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, envelope.ErrValidation), errors.Is(err, envelope.ErrFieldValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, access.ErrInvalidAccessCode):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, envelope.ErrPermission):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, envelope.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, envelope.ErrInvalidStateTransition),
		errors.Is(err, envelope.ErrEnvelopeAlreadyTerminal),
		errors.Is(err, envelope.ErrRecipientOrderConflict),
		errors.Is(err, envelope.ErrFieldAlreadyCompleted),
		errors.Is(err, envelope.ErrIncompleteRequiredFields),
		errors.Is(err, envelope.ErrConsentNotCertified):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// recordAudit appends to the hash chain; chain failures are logged, not
// surfaced, since the workflow change is already committed.
func (a *API) recordAudit(ctx context.Context, ev audit.Event) {
	if a.chain == nil {
		return
	}
	if _, err := a.chain.Append(ctx, ev); err != nil {
		obs.Logger().Printf(`{"level":"error","msg":"audit append failed","envelope_id":%q,"err":%q}`, ev.EnvelopeID, err.Error())
	}
}

func (a *API) publish(envelopeID, recipientID, status string) {
	if a.stream == nil {
		return
	}
	a.stream.Publish(notify.Event{
		EnvelopeID:  envelopeID,
		RecipientID: recipientID,
		Status:      status,
		Timestamp:   time.Now().UTC(),
	})
}
