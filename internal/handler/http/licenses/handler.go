package licenses_http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"licensing/internal/app/intake"
	"licensing/internal/app/licenses"
	"licensing/internal/domain"
	"licensing/internal/domain/event"
)

const maxBodyBytes = 64 << 10

type LicenseService interface {
	Activate(ctx context.Context, req licenses.ActivationRequest) (*licenses.ActivationResult, error)
	Verify(ctx context.Context, req licenses.VerifyRequest) (*licenses.VerifyResult, error)
	VerifyToken(ctx context.Context, token, terminal string) (*licenses.VerifyResult, error)
	FindByReference(ctx context.Context, provider, reference string) (*domain.License, error)
	PublicKeyPEM() ([]byte, error)
}

type PaymentService interface {
	HandlePayment(ctx context.Context, ev domain.PaymentEvent) (*intake.Result, error)
}

type OutboxTrigger interface {
	Trigger()
}

type LicenseHandler struct {
	licenses LicenseService
	payments PaymentService
	outbox   OutboxTrigger
	logger   *zap.Logger
}

func NewLicenseHandler(l LicenseService, p PaymentService, o OutboxTrigger, logger *zap.Logger) *LicenseHandler {
	return &LicenseHandler{licenses: l, payments: p, outbox: o, logger: logger}
}

type ActivateRequest struct {
	LicenseKey string `json:"license_key" validate:"required_without=Token,max=64"`
	Token      string `json:"token" validate:"required_without=LicenseKey,max=8192"`
	TerminalID string `json:"terminal_id" validate:"required,max=128"`
}

type LicenseResponse struct {
	ID          string     `json:"id"`
	LicenseKey  string     `json:"license_key"`
	Product     string     `json:"product,omitempty"`
	Status      string     `json:"status"`
	Activated   bool       `json:"activated"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type PaymentResponse struct {
	OK               bool             `json:"ok"`
	Status           string           `json:"status"`
	License          *LicenseResponse `json:"license,omitempty"`
	Token            string           `json:"token,omitempty"`
	AlreadyProcessed bool             `json:"already_processed"`
	Queued           int              `json:"queued"`
	Message          string           `json:"message,omitempty"`
}

type ActivateResponse struct {
	OK          bool      `json:"ok"`
	Outcome     string    `json:"outcome"`
	Message     string    `json:"message"`
	TerminalID  string    `json:"terminal_id"`
	ActivatedAt time.Time `json:"activated_at"`
	Token       string    `json:"token"`
}

type VerifyResponse struct {
	OK            bool       `json:"ok"`
	Status        string     `json:"status"`
	State         string     `json:"state"`
	Activated     bool       `json:"activated"`
	BoundTerminal string     `json:"bound_terminal,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type ErrorResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func toLicenseResponse(l *domain.License) *LicenseResponse {
	if l == nil {
		return nil
	}
	return &LicenseResponse{
		ID:          l.ID,
		LicenseKey:  l.Key,
		Product:     l.Product,
		Status:      string(l.Status),
		Activated:   l.Activated,
		ActivatedAt: l.ActivatedAt,
		ExpiresAt:   l.ExpiresAt,
		CreatedAt:   l.CreatedAt,
	}
}

func toVerifyResponse(res *licenses.VerifyResult) VerifyResponse {
	return VerifyResponse{
		OK:            true,
		Status:        string(res.License.Status),
		State:         string(res.State),
		Activated:     res.License.Activated,
		BoundTerminal: res.BoundTerminal,
		ExpiresAt:     res.License.ExpiresAt,
	}
}

func (h *LicenseHandler) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var req event.PaymentNotification
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		h.fail(w, r, err)
		return
	}

	ev := req.PaymentEvent()
	res, err := h.payments.HandlePayment(r.Context(), ev)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := PaymentResponse{
		OK:               true,
		Status:           string(res.Status),
		License:          toLicenseResponse(res.License),
		Token:            res.Token,
		AlreadyProcessed: res.Duplicate,
		Queued:           len(res.Enqueued),
	}
	switch {
	case res.License == nil:
		resp.Message = "Payment not completed, nothing issued"
	case res.Duplicate:
		resp.Message = "Already processed"
	}
	render.JSON(w, r, resp)
}

func (h *LicenseHandler) ActivateHandler(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := event.Validate(req); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.licenses.Activate(r.Context(), licenses.ActivationRequest{
		LicenseKey: req.LicenseKey,
		Token:      req.Token,
		TerminalID: req.TerminalID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	message := "License activated"
	if res.Outcome == licenses.OutcomeReactivated {
		message = "License re-activated for same terminal"
	}
	render.JSON(w, r, ActivateResponse{
		OK:          true,
		Outcome:     string(res.Outcome),
		Message:     message,
		TerminalID:  res.TerminalID,
		ActivatedAt: res.ActivatedAt,
		Token:       res.Token,
	})
}

func (h *LicenseHandler) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	terminal := r.URL.Query().Get("terminal_id")

	res, err := h.licenses.Verify(r.Context(), licenses.VerifyRequest{LicenseKey: key, TerminalID: terminal})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, toVerifyResponse(res))
}

// VerifyTokenHandler takes the token from the Authorization header so it
// stays out of access logs.
func (h *LicenseHandler) VerifyTokenHandler(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		h.fail(w, r, domain.ErrInvalidCredential)
		return
	}

	res, err := h.licenses.VerifyToken(r.Context(), token, r.URL.Query().Get("terminal_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, toVerifyResponse(res))
}

func (h *LicenseHandler) ByReferenceHandler(w http.ResponseWriter, r *http.Request) {
	license, err := h.licenses.FindByReference(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "reference"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, toLicenseResponse(license))
}

func (h *LicenseHandler) PublicKeyHandler(w http.ResponseWriter, r *http.Request) {
	pem, err := h.licenses.PublicKeyPEM()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"public_key": string(pem)})
}

func (h *LicenseHandler) DrainOutboxHandler(w http.ResponseWriter, r *http.Request) {
	h.outbox.Trigger()
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]any{"ok": true, "message": "Queued messages will be processed in the background"})
}

func (h *LicenseHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := render.DecodeJSON(r.Body, v); err != nil {
		h.logger.Warn("Invalid request body",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Reason: domain.ReasonInvalidRequest, Detail: "Invalid request body"})
		return false
	}
	return true
}

// fail writes the public reason for err. Only validation failures carry
// detail; everything else is reduced to its reason code.
func (h *LicenseHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	reason := domain.Reason(err)
	status := statusFor(reason)
	resp := ErrorResponse{Reason: reason}

	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.String("reason", reason),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	}
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error("Request failed", fields...)
	case errors.Is(err, domain.ErrInvalidRequest):
		resp.Detail = err.Error()
		h.logger.Info("Request rejected", fields...)
	default:
		h.logger.Info("Request rejected", fields...)
	}

	render.Status(r, status)
	render.JSON(w, r, resp)
}

func statusFor(reason string) int {
	switch reason {
	case domain.ReasonNotFound:
		return http.StatusNotFound
	case domain.ReasonInvalidRequest:
		return http.StatusBadRequest
	case domain.ReasonInvalidCredential:
		return http.StatusUnauthorized
	case domain.ReasonLicenseInvalid, domain.ReasonLicenseExpired:
		return http.StatusForbidden
	case domain.ReasonTerminalConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
