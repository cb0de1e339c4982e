package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inksign.org/internal/audit"
	"inksign.org/internal/envelope"
	"inksign.org/internal/obs"
)

type createEnvelopeRequest struct {
	Subject        string   `json:"subject"`
	Message        string   `json:"message"`
	SigningOrder   string   `json:"signing_order"`
	ExpirationDays int      `json:"expiration_days"`
	DocumentIDs    []string `json:"document_ids"`
}

type updateEnvelopeRequest struct {
	Subject        *string `json:"subject"`
	Message        *string `json:"message"`
	SigningOrder   *string `json:"signing_order"`
	ExpirationDays *int    `json:"expiration_days"`
}

type addRecipientRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Role     string `json:"role"`
	Position int    `json:"position"`
}

type addDocumentRequest struct {
	DocumentID string `json:"document_id"`
}

type addFieldRequest struct {
	DocumentID  string   `json:"document_id"`
	RecipientID string   `json:"recipient_id"`
	Type        string   `json:"type"`
	Page        int      `json:"page"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
	W           float64  `json:"w"`
	H           float64  `json:"h"`
	Required    bool     `json:"required"`
	Options     []string `json:"options"`
}

type voidRequest struct {
	Reason string `json:"reason"`
}

type reissueCodeRequest struct {
	RecipientID string `json:"recipient_id"`
}

type codeResponse struct {
	RecipientID string `json:"recipient_id"`
	AccessCode  string `json:"access_code"`
}

type listEnvelopesResponse struct {
	Items []envelope.Envelope `json:"items"`
	Total int                 `json:"total"`
	AsOf  time.Time           `json:"as_of"`
}

type sendResponse struct {
	Envelope    envelope.Envelope    `json:"envelope"`
	Notified    []envelope.Recipient `json:"notified"`
	AccessCodes map[string]string    `json:"access_codes"`
}

type auditResponse struct {
	Records  []audit.Record `json:"records"`
	Verified bool           `json:"verified"`
}

func (a *API) handleEnvelopesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createEnvelope(w, r)
	case http.MethodGet:
		a.listEnvelopes(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleEnvelopeResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/envelopes/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, sub, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			a.getEnvelope(w, r, id)
		case http.MethodPatch:
			a.updateEnvelope(w, r, id)
		case http.MethodDelete:
			a.deleteEnvelope(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}
	case "recipients":
		requirePost(w, r, func() { a.addRecipient(w, r, id) })
	case "documents":
		requirePost(w, r, func() { a.addDocument(w, r, id) })
	case "fields":
		requirePost(w, r, func() { a.addField(w, r, id) })
	case "send":
		requirePost(w, r, func() { a.sendEnvelope(w, r, id) })
	case "void":
		requirePost(w, r, func() { a.voidEnvelope(w, r, id) })
	case "codes":
		requirePost(w, r, func() { a.reissueCode(w, r, id) })
	case "audit":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.envelopeAudit(w, r, id)
	case "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.envelopeEvents(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func requirePost(w http.ResponseWriter, r *http.Request, fn func()) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	fn()
}

func (a *API) createEnvelope(w http.ResponseWriter, r *http.Request) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	var req createEnvelopeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	detail, err := a.envelopes.CreateEnvelope(r.Context(), envelope.Draft{
		SenderID:       sender,
		Subject:        req.Subject,
		Message:        req.Message,
		SigningOrder:   envelope.SigningOrder(req.SigningOrder),
		ExpirationDays: req.ExpirationDays,
		DocumentIDs:    req.DocumentIDs,
	})
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/envelopes/"+detail.Envelope.ID)
	writeJSON(w, http.StatusCreated, detail)
}

func (a *API) listEnvelopes(w http.ResponseWriter, r *http.Request) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	status := envelope.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown status filter")
		return
	}
	limit := parseIntDefault(q.Get("limit"), 20)
	offset := parseIntDefault(q.Get("offset"), 0)

	items, total, err := a.envelopes.ListEnvelopes(r.Context(), sender, status, limit, offset)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelopesResponse{Items: items, Total: total, AsOf: time.Now().UTC()})
}

func (a *API) getEnvelope(w http.ResponseWriter, r *http.Request, id string) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	detail, err := a.envelopes.GetEnvelope(r.Context(), id)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	if detail.Envelope.SenderID != sender {
		writeError(w, r, http.StatusForbidden, "envelope belongs to another sender")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) updateEnvelope(w http.ResponseWriter, r *http.Request, id string) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	var req updateEnvelopeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	upd := envelope.DraftUpdate{
		Subject:        req.Subject,
		Message:        req.Message,
		ExpirationDays: req.ExpirationDays,
	}
	if req.SigningOrder != nil {
		order := envelope.SigningOrder(*req.SigningOrder)
		upd.SigningOrder = &order
	}
	env, err := a.envelopes.UpdateDraft(r.Context(), id, sender, upd)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (a *API) deleteEnvelope(w http.ResponseWriter, r *http.Request, id string) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	if err := a.envelopes.DeleteDraft(r.Context(), id, sender); err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) addRecipient(w http.ResponseWriter, r *http.Request, id string) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	var req addRecipientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rcp, err := a.envelopes.AddRecipient(r.Context(), id, sender, envelope.NewRecipient{
		Name:     req.Name,
		Email:    req.Email,
		Phone:    req.Phone,
		Role:     envelope.Role(req.Role),
		Position: req.Position,
	})
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rcp)
}

func (a *API) addDocument(w http.ResponseWriter, r *http.Request, id string) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	var req addDocumentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := a.envelopes.AddDocument(r.Context(), id, sender, req.DocumentID)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (a *API) addField(w http.ResponseWriter, r *http.Request, id string) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	var req addFieldRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	field, err := a.envelopes.AddField(r.Context(), id, sender, envelope.NewField{
		DocumentID:  req.DocumentID,
		RecipientID: req.RecipientID,
		Type:        envelope.FieldType(req.Type),
		Page:        req.Page,
		X:           req.X,
		Y:           req.Y,
		W:           req.W,
		H:           req.H,
		Required:    req.Required,
		Options:     req.Options,
	})
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, field)
}

func (a *API) sendEnvelope(w http.ResponseWriter, r *http.Request, id string) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	res, err := a.envelopes.Send(r.Context(), id, sender)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	obs.CountTransition(string(envelope.StatusSent))

	// Codes for every recipient up front; the signing-order coordinator, not
	// code possession, decides whose turn it is.
	codes := make(map[string]string)
	if a.codes != nil {
		detail, err := a.envelopes.GetEnvelope(r.Context(), id)
		if err == nil {
			for _, rcp := range detail.Recipients {
				code, err := a.codes.Issue(r.Context(), id, rcp.ID)
				if err != nil {
					obs.Logger().Printf(`{"level":"error","msg":"access code issue failed","recipient_id":%q,"err":%q}`, rcp.ID, err.Error())
					continue
				}
				codes[rcp.ID] = code
			}
		}
	}

	a.recordAudit(r.Context(), audit.Event{
		EnvelopeID: id,
		Type:       "envelope.sent",
		Actor:      sender,
		OccurredAt: time.Now().UTC(),
	})
	for _, rcp := range res.Notified {
		a.publish(id, rcp.ID, string(envelope.StatusSent))
	}

	writeJSON(w, http.StatusOK, sendResponse{Envelope: res.Envelope, Notified: res.Notified, AccessCodes: codes})
}

func (a *API) voidEnvelope(w http.ResponseWriter, r *http.Request, id string) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	var req voidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	env, err := a.envelopes.Void(r.Context(), id, sender, req.Reason)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	obs.CountTransition(string(envelope.StatusVoided))
	if a.sessions != nil {
		a.sessions.InvalidateEnvelope(id)
	}
	a.recordAudit(r.Context(), audit.Event{
		EnvelopeID: id,
		Type:       "envelope.voided",
		Actor:      sender,
		OccurredAt: time.Now().UTC(),
		Details:    map[string]string{"reason": req.Reason},
	})
	a.publish(id, "", string(envelope.StatusVoided))
	writeJSON(w, http.StatusOK, env)
}

// reissueCode replaces a recipient's access code on an in-flight envelope.
// This covers codes lost in transit and recipients whose issue failed at
// send time. The old code stops validating as soon as the new hash lands.
func (a *API) reissueCode(w http.ResponseWriter, r *http.Request, id string) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	var req reissueCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if a.codes == nil {
		writeError(w, r, http.StatusServiceUnavailable, "signing disabled")
		return
	}
	detail, err := a.envelopes.GetEnvelope(r.Context(), id)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	if detail.Envelope.SenderID != sender {
		writeError(w, r, http.StatusForbidden, "envelope belongs to another sender")
		return
	}
	if err := envelope.InSigningPhase(detail.Envelope); err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	found := false
	for _, rcp := range detail.Recipients {
		if rcp.ID == req.RecipientID {
			found = true
			break
		}
	}
	if !found {
		handleWorkflowError(w, r, envelope.ErrNotFound)
		return
	}
	code, err := a.codes.Issue(r.Context(), id, req.RecipientID)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	a.recordAudit(r.Context(), audit.Event{
		EnvelopeID:  id,
		Type:        "recipient.code_reissued",
		Actor:       sender,
		RecipientID: req.RecipientID,
		OccurredAt:  time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, codeResponse{RecipientID: req.RecipientID, AccessCode: code})
}

func (a *API) envelopeAudit(w http.ResponseWriter, r *http.Request, id string) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	detail, err := a.envelopes.GetEnvelope(r.Context(), id)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	if detail.Envelope.SenderID != sender {
		writeError(w, r, http.StatusForbidden, "envelope belongs to another sender")
		return
	}
	if a.chain == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit disabled")
		return
	}
	records, err := a.chain.Records(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	verified, err := a.chain.VerifyChain(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, auditResponse{Records: records, Verified: verified})
}

// envelopeEvents streams this envelope's notification events over SSE.
func (a *API) envelopeEvents(w http.ResponseWriter, r *http.Request, id string) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	detail, err := a.envelopes.GetEnvelope(r.Context(), id)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	if detail.Envelope.SenderID != sender {
		writeError(w, r, http.StatusForbidden, "envelope belongs to another sender")
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	// The server's global write timeout would sever a long-lived stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		if event.EnvelopeID != id {
			continue
		}
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

func parseIntDefault(raw string, def int) int {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
