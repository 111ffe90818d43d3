package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/addissms/gateway/internal/gateway/domain"
	"github.com/addissms/gateway/internal/gateway/repository"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// errorStatus maps a service error to an HTTP status and a stable error code.
// Unrecognized errors are internal; their detail is masked outside development.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidPhoneNumber):
		return http.StatusBadRequest, "INVALID_PHONE_NUMBER"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest, "INVALID_PAYLOAD"
	case errors.Is(err, domain.ErrInvalidCode):
		return http.StatusBadRequest, "INVALID_CODE"
	case errors.Is(err, domain.ErrNoActiveChallenge):
		return http.StatusNotFound, "NO_ACTIVE_CHALLENGE"
	case errors.Is(err, domain.ErrAttemptsExhausted):
		return http.StatusForbidden, "ATTEMPTS_EXHAUSTED"
	case errors.Is(err, domain.ErrAlreadyVerified):
		return http.StatusConflict, "ALREADY_VERIFIED"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, domain.ErrCarrierUnavailable):
		return http.StatusBadGateway, "CARRIER_UNAVAILABLE"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"
	case errors.Is(err, repository.ErrMessageNotFound):
		return http.StatusNotFound, "MESSAGE_NOT_FOUND"
	case errors.Is(err, repository.ErrStaleTransition):
		return http.StatusConflict, "CONFLICT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed", "error", err)
		if !h.development {
			message = "internal error"
		}
	} else {
		h.logger.InfoContext(ctx, "request rejected", "code", code, "error", err)
	}
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
