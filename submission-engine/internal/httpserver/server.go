package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/guestpost/marketplace/submission-engine/internal/auth"
	"github.com/guestpost/marketplace/submission-engine/internal/models"
	"github.com/guestpost/marketplace/submission-engine/internal/payment"
	"github.com/guestpost/marketplace/submission-engine/internal/store"
	"github.com/guestpost/marketplace/submission-engine/internal/workflow"
)

const maxWebhookBody = 64 << 10

type Server struct {
	machine       *workflow.Machine
	store         store.Store
	verifier      *auth.Verifier
	webhookSecret string
	logger        *slog.Logger
}

func New(machine *workflow.Machine, st store.Store, verifier *auth.Verifier, webhookSecret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		machine:       machine,
		store:         st,
		verifier:      verifier,
		webhookSecret: webhookSecret,
		logger:        logger.With("component", "http"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Post("/payments/webhook", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Route("/submissions", func(r chi.Router) {
			r.Post("/", s.handleCreateDraft)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Put("/", s.handleEditDraft)
				r.Post("/submit", s.handleSubmit)
				r.Post("/cancel", s.handleCancel)
				r.Post("/payment-session", s.handlePaymentSession)
				r.Get("/payment-return", s.handlePaymentReturn)
			})
		})
		r.With(auth.RequireRole(workflow.RoleAdmin)).Post("/admin/submissions/{id}/decision", s.handleDecision)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type draftRequest struct {
	Version  int64    `json:"version"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Excerpt  string   `json:"excerpt"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
}

func (d draftRequest) input(id uuid.UUID) workflow.DraftInput {
	return workflow.DraftInput{
		ID:       id,
		Version:  d.Version,
		Title:    d.Title,
		Content:  d.Content,
		Excerpt:  d.Excerpt,
		Category: d.Category,
		Tags:     d.Tags,
	}
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	sub, err := s.machine.SaveDraft(r.Context(), actorFrom(r), req.input(uuid.Nil))
	if err != nil {
		s.respondWorkflowError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleEditDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req draftRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	sub, err := s.machine.SaveDraft(r.Context(), actorFrom(r), req.input(id))
	if err != nil {
		s.respondWorkflowError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := s.machine.Get(r.Context(), actorFrom(r), id)
	if err != nil {
		s.respondWorkflowError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

type scheduleFields struct {
	ScheduledFor *time.Time `json:"scheduledFor"`
	Timezone     string     `json:"timezone"`
}

func (f scheduleFields) schedule() *models.Schedule {
	if f.ScheduledFor == nil {
		return nil
	}
	return &models.Schedule{At: *f.ScheduledFor, Timezone: f.Timezone}
}

type submitRequest struct {
	Version     int64 `json:"version"`
	AutoPublish bool  `json:"autoPublish"`
	scheduleFields
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	sub, err := s.machine.Submit(r.Context(), actorFrom(r), id, req.Version, workflow.SubmitOptions{
		AutoPublish:  req.AutoPublish,
		ScheduledFor: req.schedule(),
	})
	if err != nil {
		s.respondWorkflowError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, sub)
}

type versionRequest struct {
	Version int64 `json:"version"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req versionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	sub, err := s.machine.Cancel(r.Context(), actorFrom(r), id, req.Version)
	if err != nil {
		s.respondWorkflowError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

type paymentSessionResponse struct {
	PaymentID   uuid.UUID         `json:"paymentId"`
	SessionID   string            `json:"sessionId"`
	RedirectURL string            `json:"redirectUrl"`
	Submission  models.Submission `json:"submission"`
}

func (s *Server) handlePaymentSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req versionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	res, err := s.machine.CreatePaymentSession(r.Context(), actorFrom(r), id, req.Version)
	if err != nil {
		s.respondWorkflowError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, paymentSessionResponse{
		PaymentID:   res.Payment.ID,
		SessionID:   res.Payment.GatewaySessionID,
		RedirectURL: res.Payment.RedirectURL,
		Submission:  res.Submission,
	})
}

// handlePaymentReturn serves the browser redirect back from the gateway. It reports the
// current status only; the webhook and the reconciler drive the transition.
func (s *Server) handlePaymentReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := s.machine.Get(r.Context(), actorFrom(r), id)
	if err != nil {
		s.respondWorkflowError(w, r, err)
		return
	}
	body := map[string]interface{}{
		"id":      view.Submission.ID,
		"status":  view.Submission.Status,
		"version": view.Submission.Version,
	}
	if view.Payment != nil {
		body["paymentStatus"] = view.Payment.Status
	}
	respondJSON(w, http.StatusOK, body)
}

type decisionRequest struct {
	Version               int64  `json:"version"`
	Approve               bool   `json:"approve"`
	Reason                string `json:"reason"`
	KeepRequestedSchedule bool   `json:"keepRequestedSchedule"`
	scheduleFields
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	sub, err := s.machine.AdminDecision(r.Context(), actorFrom(r), id, req.Version, workflow.Decision{
		Approve:               req.Approve,
		Reason:                req.Reason,
		Schedule:              req.schedule(),
		KeepRequestedSchedule: req.KeepRequestedSchedule,
	})
	if err != nil {
		s.respondWorkflowError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// handleWebhook acknowledges every well-formed, correctly signed notification, including
// ones for unknown sessions or already settled payments.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	cb, err := payment.ParseCallback(s.webhookSecret, body, r.Header.Get(payment.SignatureHeader))
	switch {
	case errors.Is(err, payment.ErrBadSignature):
		s.logger.Warn("rejected unsigned payment callback", "remote", r.RemoteAddr)
		respondError(w, http.StatusUnauthorized, "bad_signature", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, "malformed_notice", err.Error())
		return
	}
	if err := s.machine.HandleCallback(r.Context(), cb); err != nil {
		// A non-2xx makes the gateway redeliver.
		s.logger.Error("payment callback", "session_id", cb.SessionID, "status", cb.Status, "error", err)
		respondError(w, http.StatusInternalServerError, "internal", "callback not processed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func actorFrom(r *http.Request) workflow.Actor {
	actor, _ := auth.ActorFrom(r.Context())
	return actor
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid submission id")
		return uuid.Nil, false
	}
	return id, true
}

var kindStatus = map[workflow.Kind]int{
	workflow.KindMissingField:           http.StatusUnprocessableEntity,
	workflow.KindConcurrentModification: http.StatusConflict,
	workflow.KindInvalidTransition:      http.StatusConflict,
	workflow.KindServiceUnavailable:     http.StatusServiceUnavailable,
	workflow.KindGatewayRejected:        http.StatusPaymentRequired,
	workflow.KindNotFound:               http.StatusNotFound,
	workflow.KindForbidden:              http.StatusForbidden,
}

func (s *Server) respondWorkflowError(w http.ResponseWriter, r *http.Request, err error) {
	kind := workflow.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	respondError(w, status, string(kind), err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, kind, msg string) {
	respondJSON(w, status, map[string]string{"error": msg, "kind": kind})
}
