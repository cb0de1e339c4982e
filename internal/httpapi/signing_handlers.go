package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"inksign.org/internal/audit"
	"inksign.org/internal/envelope"
	"inksign.org/internal/obs"
	"inksign.org/internal/session"
)

type createSessionRequest struct {
	EnvelopeID  string `json:"envelope_id"`
	RecipientID string `json:"recipient_id"`
	AccessCode  string `json:"access_code"`
}

type completeFieldRequest struct {
	Value string `json:"value"`
}

type declineRequest struct {
	Reason string `json:"reason"`
}

type submitRequest struct {
	Certify bool `json:"certify"`
}

// signingState is what a recipient sees: the envelope, their own recipient
// record, the documents, and only their own fields.
type signingState struct {
	SessionID string              `json:"session_id"`
	Envelope  envelope.Envelope   `json:"envelope"`
	Recipient envelope.Recipient  `json:"recipient"`
	Documents []envelope.Document `json:"documents"`
	Fields    []envelope.Field    `json:"fields"`
	CanSign   bool                `json:"can_sign"`
}

func (a *API) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.createSession(w, r)
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/signing/sessions/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, sub, _ := strings.Cut(path, "/")

	sess, err := a.sessions.Resolve(id)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	switch {
	case sub == "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.sessionState(w, r, sess)
	case sub == "decline":
		requirePost(w, r, func() { a.declineViaSession(w, r, sess) })
	case sub == "submit":
		requirePost(w, r, func() { a.submitViaSession(w, r, sess) })
	case strings.HasPrefix(sub, "fields/"):
		fieldID := strings.TrimPrefix(sub, "fields/")
		if fieldID == "" || strings.Contains(fieldID, "/") {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		requirePost(w, r, func() { a.completeFieldViaSession(w, r, sess, fieldID) })
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if a.codes == nil {
		writeError(w, r, http.StatusServiceUnavailable, "signing disabled")
		return
	}
	if err := a.codes.Validate(r.Context(), req.AccessCode, req.EnvelopeID, req.RecipientID); err != nil {
		handleWorkflowError(w, r, err)
		return
	}

	view, err := a.envelopes.MarkViewed(r.Context(), req.EnvelopeID, req.RecipientID)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	sess := a.sessions.Establish(req.EnvelopeID, req.RecipientID)

	a.recordAudit(r.Context(), audit.Event{
		EnvelopeID:  req.EnvelopeID,
		Type:        "recipient.viewed",
		Actor:       "recipient",
		RecipientID: req.RecipientID,
		OccurredAt:  time.Now().UTC(),
	})
	if view.FirstView {
		obs.CountTransition(string(envelope.StatusDelivered))
		a.publish(req.EnvelopeID, req.RecipientID, string(envelope.StatusDelivered))
	}

	a.writeSigningState(w, r, sess)
}

func (a *API) sessionState(w http.ResponseWriter, r *http.Request, sess session.Session) {
	a.writeSigningState(w, r, sess)
}

func (a *API) writeSigningState(w http.ResponseWriter, r *http.Request, sess session.Session) {
	detail, err := a.envelopes.GetEnvelope(r.Context(), sess.EnvelopeID)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	state := signingState{
		SessionID: sess.ID,
		Envelope:  detail.Envelope,
		Documents: detail.Documents,
	}
	for _, rcp := range detail.Recipients {
		if rcp.ID == sess.RecipientID {
			state.Recipient = rcp
			break
		}
	}
	for _, f := range detail.Fields {
		if f.RecipientID == sess.RecipientID {
			state.Fields = append(state.Fields, f)
		}
	}
	canSign, err := a.envelopes.RecipientCanSign(r.Context(), sess.EnvelopeID, sess.RecipientID)
	if err == nil {
		state.CanSign = canSign
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) completeFieldViaSession(w http.ResponseWriter, r *http.Request, sess session.Session, fieldID string) {
	var req completeFieldRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	field, err := a.envelopes.CompleteField(r.Context(), sess.EnvelopeID, sess.RecipientID, fieldID, req.Value)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	obs.CountFieldCompleted()
	a.recordAudit(r.Context(), audit.Event{
		EnvelopeID:  sess.EnvelopeID,
		Type:        "field.completed",
		Actor:       "recipient",
		RecipientID: sess.RecipientID,
		OccurredAt:  time.Now().UTC(),
		Details:     map[string]string{"field_id": fieldID, "field_type": string(field.Type)},
	})
	writeJSON(w, http.StatusOK, field)
}

func (a *API) declineViaSession(w http.ResponseWriter, r *http.Request, sess session.Session) {
	var req declineRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.envelopes.Decline(r.Context(), sess.EnvelopeID, sess.RecipientID, req.Reason)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	obs.CountTransition(string(envelope.StatusDeclined))
	a.sessions.InvalidateEnvelope(sess.EnvelopeID)
	a.recordAudit(r.Context(), audit.Event{
		EnvelopeID:  sess.EnvelopeID,
		Type:        "envelope.declined",
		Actor:       "recipient",
		RecipientID: sess.RecipientID,
		OccurredAt:  time.Now().UTC(),
		Details:     map[string]string{"reason": req.Reason},
	})
	a.publish(sess.EnvelopeID, sess.RecipientID, string(envelope.StatusDeclined))
	writeJSON(w, http.StatusOK, res)
}

func (a *API) submitViaSession(w http.ResponseWriter, r *http.Request, sess session.Session) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.envelopes.Submit(r.Context(), sess.EnvelopeID, sess.RecipientID, req.Certify)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}

	now := time.Now().UTC()
	a.recordAudit(r.Context(), audit.Event{
		EnvelopeID:  sess.EnvelopeID,
		Type:        "recipient.signed",
		Actor:       "recipient",
		RecipientID: sess.RecipientID,
		OccurredAt:  now,
	})
	a.publish(sess.EnvelopeID, sess.RecipientID, string(envelope.RecipientSigned))

	if res.Completed {
		obs.CountTransition(string(envelope.StatusCompleted))
		a.sessions.InvalidateEnvelope(sess.EnvelopeID)
		a.recordAudit(r.Context(), audit.Event{
			EnvelopeID: sess.EnvelopeID,
			Type:       "envelope.completed",
			Actor:      "system",
			OccurredAt: now,
		})
		a.publish(sess.EnvelopeID, "", string(envelope.StatusCompleted))
	} else {
		obs.CountTransition(string(envelope.StatusSigned))
		a.sessions.Invalidate(sess.ID)
		for _, unlocked := range res.Unlocked {
			a.publish(sess.EnvelopeID, unlocked.ID, string(envelope.RecipientSent))
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func handleSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
		writeError(w, r, http.StatusUnauthorized, "signing session is not valid")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
