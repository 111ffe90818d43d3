// Package http exposes the gateway over JSON HTTP. Handlers decode and
// validate, delegate to the application service and translate its errors to
// stable response codes; no business logic lives here.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/addissms/gateway/internal/gateway/app"
	"github.com/addissms/gateway/internal/gateway/domain"
	"github.com/addissms/gateway/internal/gateway/middleware"
)

// GatewayService is the application surface the transport depends on.
type GatewayService interface {
	IssueOTP(ctx context.Context, req app.IssueOTPRequest) (*app.IssueOTPResult, error)
	VerifyOTP(ctx context.Context, rawPhone, code string) error
	SendA2P(ctx context.Context, req app.SendA2PRequest) (*app.SendA2PResult, error)
	MessageStatus(ctx context.Context, id string, actor app.Actor) (*domain.MessageRecord, error)
	ApplyDeliveryReport(ctx context.Context, messageID string, status domain.MessageStatus, providerStatus *string) error
}

type Handler struct {
	svc         GatewayService
	validate    *validator.Validate
	logger      *slog.Logger
	development bool
}

func NewHandler(svc GatewayService, logger *slog.Logger, development bool) *Handler {
	return &Handler{
		svc:         svc,
		validate:    validator.New(),
		logger:      logger.With("component", "http"),
		development: development,
	}
}

// RegisterRoutes mounts the authenticated v2 API onto the router.
func (h *Handler) RegisterRoutes(r chi.Router, jwtSecret string) {
	r.Route("/v2", func(r chi.Router) {
		r.Use(middleware.Authenticator(jwtSecret, h.logger))
		r.Use(requestMetrics)

		r.Post("/otp", h.issueOTP)
		r.Post("/otp/verify", h.verifyOTP)
		r.Post("/a2p", h.sendA2P)
		r.Get("/messages/{id}", h.messageStatus)
		r.Post("/dlr", h.deliveryReport)
	})
}

// decode unmarshals and validates a request body into dst.
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.ErrValidation
	}
	if err := h.validate.Struct(dst); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return err
		}
		return validationError(err)
	}
	return nil
}

// validationError flattens validator output into one ErrValidation message.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return domain.ErrValidation
	}
	fe := fieldErrs[0]
	return fmt.Errorf("%w: field %s failed on %s", domain.ErrValidation, fe.Field(), fe.Tag())
}

func (h *Handler) issueOTP(w http.ResponseWriter, r *http.Request) {
	var req issueOTPRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	user, _ := middleware.UserFromContext(r.Context())
	res, err := h.svc.IssueOTP(r.Context(), app.IssueOTPRequest{
		Phone:     req.To,
		TeamID:    teamID(user),
		CompanyID: companyID(user),
	})
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusCreated, issueOTPResponse{
		Message:   "OTP sent",
		ID:        res.MessageID,
		ExpiresAt: res.ExpiresAt,
	})
}

func (h *Handler) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	if err := h.svc.VerifyOTP(r.Context(), req.To, req.Code); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyOTPResponse{Message: "OTP is valid"})
}

func (h *Handler) sendA2P(w http.ResponseWriter, r *http.Request) {
	var req sendA2PRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	user, _ := middleware.UserFromContext(r.Context())
	res, err := h.svc.SendA2P(r.Context(), app.SendA2PRequest{
		Sender:         senderID(user),
		To:             req.To,
		Body:           req.Body,
		SMSType:        smsTypeFromDTO(req.SMSType),
		TeamID:         teamID(user),
		CompanyID:      companyID(user),
		CampaignID:     req.CampaignID,
		CallbackURL:    req.CallbackURL,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	status := http.StatusCreated
	message := "message dispatched"
	if res.Duplicate {
		status = http.StatusOK
		message = "message already dispatched"
	}
	writeJSON(w, status, sendA2PResponse{
		Message:  message,
		ID:       res.MessageID,
		Phone:    res.PhoneE164,
		Provider: string(res.Carrier),
	})
}

func (h *Handler) messageStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user, _ := middleware.UserFromContext(r.Context())
	rec, err := h.svc.MessageStatus(r.Context(), id, actorFrom(user))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) deliveryReport(w http.ResponseWriter, r *http.Request) {
	var req deliveryReportRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	status := domain.MessageStatusDelivered
	if req.Status == "rejected" {
		status = domain.MessageStatusRejected
	}

	if err := h.svc.ApplyDeliveryReport(r.Context(), req.MessageID, status, req.ProviderStatus); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "delivery report recorded"})
}

func smsTypeFromDTO(s string) domain.SMSType {
	if s == "Unicode" {
		return domain.SMSTypeUnicode
	}
	return domain.SMSTypeGSM
}

func actorFrom(user *middleware.AuthenticatedUser) app.Actor {
	if user == nil {
		return app.Actor{}
	}
	return app.Actor{TeamID: user.TeamID, CompanyID: user.CompanyID, IsAdmin: user.IsAdmin}
}

func teamID(user *middleware.AuthenticatedUser) string {
	if user == nil {
		return ""
	}
	return user.TeamID
}

func companyID(user *middleware.AuthenticatedUser) string {
	if user == nil {
		return ""
	}
	return user.CompanyID
}

// senderID falls back to the team id when the token carries no dedicated
// sender; provisioned sender names ride on the team.
func senderID(user *middleware.AuthenticatedUser) string {
	if user == nil {
		return ""
	}
	if user.ID != "" {
		return user.ID
	}
	return user.TeamID
}
