package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"blockorgan-notifier/chain"
	"blockorgan-notifier/decision"
	"blockorgan-notifier/email"
	"blockorgan-notifier/notify"
	"blockorgan-notifier/pkg/matching"
	"blockorgan-notifier/storage"
)

type uidRequest struct {
	UID string `json:"uid"`
}

type errorResponse struct {
	Error string `json:"error"`
	OK    bool   `json:"ok"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type userRegisterRequest struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type contactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

type invalidInputResponse struct {
	Details map[string]string `json:"details"`
	Error   string            `json:"error"`
	OK      bool              `json:"ok"`
}

type runResponse struct {
	OK        bool `json:"ok"`
	Tasks     int  `json:"tasks"`
	Fulfilled int  `json:"fulfilled"`
	Rejected  int  `json:"rejected"`
}

type forUserResponse struct {
	Errors           []string `json:"errors"`
	OK               bool     `json:"ok"`
	MatchesProcessed int      `json:"matchesProcessed"`
	EmailsSent       int      `json:"emailsSent"`
}

type decisionResponse struct {
	Message string `json:"message"`
	OK      bool   `json:"ok"`
}

type matchesResponse struct {
	Matches []*matching.Match `json:"matches"`
	OK      bool              `json:"ok"`
}

type verifyResponse struct {
	OK     bool `json:"ok"`
	Exists bool `json:"exists"`
}

type registerResponse struct {
	TxHash string `json:"txHash"`
	OK     bool   `json:"ok"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Global matching run triggered")

	// The run outlives the write timeout and the client connection.
	extendWriteDeadline(w)
	ctx := context.WithoutCancel(r.Context())

	summary, err := s.notifier.RunGlobal(ctx)
	if err != nil {
		s.logger.Error("Global matching run failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, runResponse{
		OK:        true,
		Tasks:     summary.Tasks,
		Fulfilled: summary.Fulfilled,
		Rejected:  summary.Rejected,
	})
}

func (s *Server) handleForUser(w http.ResponseWriter, r *http.Request) {
	uid, ok := readUID(w, r)
	if !ok {
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	}

	extendWriteDeadline(w)
	ctx := context.WithoutCancel(r.Context())

	summary, err := s.notifier.RunForUser(ctx, uid)
	if errors.Is(err, notify.ErrNotRegistered) {
		writeError(w, http.StatusNotFound, "No public profile found")
		return
	}
	if err != nil {
		s.logger.Error("Per-user matching run failed", "uid", uid, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	errs := summary.Errors
	if errs == nil {
		errs = []string{}
	}
	writeJSON(w, http.StatusOK, forUserResponse{
		OK:               true,
		MatchesProcessed: summary.MatchesProcessed,
		EmailsSent:       summary.EmailsSent,
		Errors:           errs,
	})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := strings.TrimSpace(q.Get("token"))
	action := strings.TrimSpace(q.Get("action"))
	html := wantsHTML(r)

	if token == "" || action == "" {
		s.decisionResult(w, html, http.StatusBadRequest, "missing token or action")
		return
	}

	msg, err := s.decider.Handle(r.Context(), token, action)
	switch {
	case errors.Is(err, decision.ErrInvalidToken):
		s.decisionResult(w, html, http.StatusNotFound, "invalid token")
	case errors.Is(err, decision.ErrInvalidAction):
		s.decisionResult(w, html, http.StatusBadRequest, "invalid action")
	case err != nil:
		s.logger.Error("Decision failed", "action", action, "error", err)
		s.decisionResult(w, html, http.StatusInternalServerError, "decision failed")
	default:
		if html {
			s.renderDecision(w, http.StatusOK, msg, true)
			return
		}
		writeJSON(w, http.StatusOK, decisionResponse{OK: true, Message: msg})
	}
}

func (s *Server) decisionResult(w http.ResponseWriter, html bool, status int, msg string) {
	if html {
		s.renderDecision(w, status, msg, false)
		return
	}
	writeError(w, status, msg)
}

func (s *Server) renderDecision(w http.ResponseWriter, status int, msg string, ok bool) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	data := map[string]any{
		"OK":      ok,
		"Message": msg,
	}
	if err := templates.ExecuteTemplate(w, "decision.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "decision.tmpl", "error", err)
	}
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	uid := strings.TrimSpace(r.URL.Query().Get("uid"))
	if uid == "" {
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	}

	matches, err := s.matches.ActiveForUser(r.Context(), uid)
	if err != nil {
		s.logger.Error("Failed to list matches", "uid", uid, "error", err)
		writeError(w, http.StatusInternalServerError, "list matches failed")
		return
	}
	if matches == nil {
		matches = []*matching.Match{}
	}
	writeJSON(w, http.StatusOK, matchesResponse{OK: true, Matches: matches})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	uid, ok := readUID(w, r)
	if !ok {
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	}
	if !s.chainReady(w) {
		return
	}

	exists, err := s.chain.Verify(r.Context(), uid)
	if err != nil {
		s.logger.Error("Chain verify failed", "uid", uid, "error", err)
		writeError(w, http.StatusInternalServerError, "verify failed")
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{OK: true, Exists: exists})
}

func (s *Server) handleChainRegister(w http.ResponseWriter, r *http.Request) {
	uid, ok := readUID(w, r)
	if !ok {
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	}
	if !s.chainReady(w) {
		return
	}

	extendWriteDeadline(w)
	txHash, err := s.chain.Register(context.WithoutCancel(r.Context()), uid)
	if err != nil {
		s.logger.Error("Chain register failed", "uid", uid, "tx_hash", txHash, "error", err)
		writeError(w, http.StatusInternalServerError, "register failed")
		return
	}
	s.logger.Info("Registered user on chain", "uid", uid, "tx_hash", txHash)
	writeJSON(w, http.StatusOK, registerResponse{OK: true, TxHash: txHash})
}

func (s *Server) handleUserRegister(w http.ResponseWriter, r *http.Request) {
	var req userRegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	uid := strings.TrimSpace(req.UID)
	addr := strings.TrimSpace(req.Email)
	role := matching.Role(strings.TrimSpace(req.Role))

	switch {
	case uid == "":
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	case len(uid) > matching.MaxUIDLength || !storage.ValidID(uid):
		writeError(w, http.StatusBadRequest, "uid is invalid")
		return
	case addr == "":
		writeError(w, http.StatusBadRequest, "email is required")
		return
	case !email.ValidAddress(addr):
		writeError(w, http.StatusBadRequest, "email is invalid")
		return
	case !role.ValidAccount():
		writeError(w, http.StatusBadRequest, "role must be one of donor|recipient|admin")
		return
	}

	if err := s.accounts.Register(r.Context(), uid, addr, role); err != nil {
		s.logger.Error("User registration failed", "uid", uid, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	msg := &matching.ContactMessage{
		Name:    strings.TrimSpace(req.Name),
		Email:   strings.TrimSpace(req.Email),
		Subject: strings.TrimSpace(req.Subject),
		Message: strings.TrimSpace(req.Message),
	}

	details := map[string]string{}
	if msg.Name == "" {
		details["name"] = "Name is required"
	}
	if !email.ValidAddress(msg.Email) {
		details["email"] = "Invalid email address"
	}
	if msg.Subject == "" {
		details["subject"] = "Subject is required"
	}
	if msg.Message == "" {
		details["message"] = "Message is required"
	}
	if len(details) > 0 {
		writeJSON(w, http.StatusBadRequest, invalidInputResponse{Error: "Invalid input", Details: details})
		return
	}

	// A failed save does not fail the submission.
	if s.contacts != nil {
		if id, err := s.contacts.Save(r.Context(), msg); err != nil {
			s.logger.Warn("Failed to save contact message", "error", err)
		} else {
			s.logger.Info("Contact message received", "id", id)
		}
	}

	err := s.contactMailer.SendContactConfirmation(context.WithoutCancel(r.Context()), &email.ContactConfirmation{
		To:      msg.Email,
		Name:    msg.Name,
		Subject: msg.Subject,
		Message: msg.Message,
	})
	if err != nil {
		s.logger.Error("Failed to send contact confirmation", "to", msg.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "Message received but failed to send confirmation email")
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) chainReady(w http.ResponseWriter) bool {
	if s.chain == nil || !s.chain.Configured() {
		writeError(w, http.StatusServiceUnavailable, chain.ErrNotConfigured.Error())
		return false
	}
	return true
}

// readUID decodes a {"uid": "..."} body. ok is false for bad JSON or a blank uid.
func readUID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req uidRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return "", false
	}
	uid := strings.TrimSpace(req.UID)
	return uid, uid != ""
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func extendWriteDeadline(w http.ResponseWriter) {
	err := http.NewResponseController(w).SetWriteDeadline(time.Time{})
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Warn("Failed to clear write deadline", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{OK: false, Error: msg})
}
