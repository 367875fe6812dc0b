package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"agentgate.dev/internal/auth"
	"agentgate.dev/internal/hooks"
	"agentgate.dev/internal/policy"
	"agentgate.dev/internal/ratelimit"
	"agentgate.dev/internal/session"
)

type authenticateRequest struct {
	Identity   string  `json:"identity"`
	Credential string  `json:"credential"`
	Cost       float64 `json:"cost"`
}

type authenticateResponse struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type validateRequest struct {
	Kind string `json:"kind"` // command | path | url
	Text string `json:"text"`
}

type evaluateRequest struct {
	Tool    string `json:"tool"`
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
	URL     string `json:"url,omitempty"`
}

type rateCheckRequest struct {
	Cost float64 `json:"cost"`
}

type confirmRequest struct {
	Approved bool `json:"approved"`
}

func (a *API) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req authenticateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.gw.Inbound(r.Context(), req.Identity, req.Credential, req.Cost)
	if err != nil {
		handleGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authenticateResponse{
		SessionID: res.Session.ID,
		UserID:    res.Session.UserID,
		Token:     res.Token,
		ExpiresAt: res.TokenExpiresAt,
	})
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "session required")
		return
	}
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	var v *policy.Violation
	switch req.Kind {
	case "path":
		v = a.gw.ValidatePath(r.Context(), sess.UserID, req.Text)
	case "command", "url", "":
		v = a.gw.Validate(r.Context(), sess.UserID, req.Text)
	default:
		writeError(w, http.StatusBadRequest, "kind must be command, path or url")
		return
	}
	if v == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"ok":       false,
		"category": string(v.Category),
		"action":   string(v.Action),
		"error":    v.Rule,
	})
}

func (a *API) handleRateCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "session required")
		return
	}
	var req rateCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.gw.CheckCost(r.Context(), sess.UserID, req.Cost); err != nil {
		handleGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "session required")
		return
	}
	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Command == "" && req.Path == "" && req.URL == "" {
		writeError(w, http.StatusBadRequest, "command, path or url is required")
		return
	}

	d := a.gw.Evaluate(r.Context(), sess.ID, hooks.Action{
		UserID:  sess.UserID,
		Tool:    req.Tool,
		Command: req.Command,
		Path:    req.Path,
		URL:     req.URL,
	})
	code := http.StatusOK
	if d.Action == hooks.Deny {
		code = http.StatusForbidden
	}
	writeJSON(w, code, map[string]any{
		"decision": string(d.Action),
		"reason":   d.Reason,
		"category": string(d.Category),
	})
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "session required")
		return
	}

	a.mu.Lock()
	items := make([]hooks.ConfirmationRequest, 0, len(a.pending))
	for id, req := range a.pending {
		// Drop entries whose asker already gave up.
		if !a.broker.Pending(id) {
			delete(a.pending, id)
			continue
		}
		if req.UserID == sess.UserID {
			items = append(items, req)
		}
	}
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "session required")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/actions/confirm/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "confirmation not found")
		return
	}

	a.mu.Lock()
	req, known := a.pending[id]
	a.mu.Unlock()
	if !known {
		writeError(w, http.StatusNotFound, "confirmation not found")
		return
	}
	if req.UserID != sess.UserID {
		writeError(w, http.StatusForbidden, "not your confirmation")
		return
	}

	var body confirmRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.broker.Resolve(id, body.Approved); err != nil {
		writeError(w, http.StatusNotFound, "confirmation not found")
		return
	}
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "session required")
		return
	}
	if sess.ID != id {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"id":             sess.ID,
			"user_id":        sess.UserID,
			"state":          string(sess.State),
			"created_at":     sess.CreatedAt,
			"last_active_at": sess.LastActiveAt,
		})
	case http.MethodDelete:
		if err := a.gw.CloseSession(r.Context(), id); err != nil {
			handleGatewayError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
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

func handleGatewayError(w http.ResponseWriter, err error) {
	var limited *ratelimit.LimitedError
	switch {
	case errors.Is(err, auth.ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", limited.RetryAfter.Round(time.Second).String())
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ratelimit.ErrSpendCapReached):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error": msg,
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
