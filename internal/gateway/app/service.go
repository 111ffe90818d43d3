// Package app wires the gateway use cases: issuing and verifying OTP
// challenges and dispatching application-to-person messages. Handlers talk to
// this layer only; classification, challenge state and carrier routing stay
// behind it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/addissms/gateway/internal/gateway/dispatch"
	"github.com/addissms/gateway/internal/gateway/domain"
	"github.com/addissms/gateway/internal/gateway/ledger"
	"github.com/addissms/gateway/internal/gateway/otp"
	"github.com/addissms/gateway/internal/gateway/phone"
	"github.com/addissms/gateway/internal/gateway/repository"
)

// Config carries the request-independent knobs of the gateway service.
type Config struct {
	DefaultRegion string // region hint for classifying national-format numbers
	OTPSenderID   string // sender id stamped on OTP messages
}

type GatewayService struct {
	cfg    Config
	otp    *otp.Service
	router *dispatch.Router
	ledger *ledger.Ledger
	logger *slog.Logger
}

func NewGatewayService(cfg Config, otpSvc *otp.Service, router *dispatch.Router, led *ledger.Ledger, logger *slog.Logger) *GatewayService {
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = "ET"
	}
	if cfg.OTPSenderID == "" {
		cfg.OTPSenderID = "AddisSMS"
	}
	return &GatewayService{
		cfg:    cfg,
		otp:    otpSvc,
		router: router,
		ledger: led,
		logger: logger.With("component", "gateway_service"),
	}
}

type IssueOTPRequest struct {
	Phone     string
	TeamID    string
	CompanyID string
}

type IssueOTPResult struct {
	ChallengeID string
	MessageID   string
	Carrier     domain.Carrier
	ExpiresAt   time.Time
}

// IssueOTP classifies the phone, creates a challenge and dispatches the code.
// The challenge id doubles as the dispatch idempotency key, so a retried
// issue for the same challenge cannot send twice.
func (s *GatewayService) IssueOTP(ctx context.Context, req IssueOTPRequest) (*IssueOTPResult, error) {
	num, err := phone.Classify(req.Phone, s.cfg.DefaultRegion)
	if err != nil {
		return nil, err
	}

	challenge, code, err := s.otp.Issue(ctx, num)
	if err != nil {
		return nil, err
	}
	otpIssuedTotal.Inc()

	res, err := s.dispatch(ctx, dispatch.SendRequest{
		Sender:         s.cfg.OTPSenderID,
		Phone:          num,
		Body:           fmt.Sprintf("%s is your %s verification code. It expires in %d minutes.", code, s.cfg.OTPSenderID, int(time.Until(challenge.ExpiresAt).Round(time.Minute).Minutes())),
		TeamID:         req.TeamID,
		CompanyID:      req.CompanyID,
		ServiceType:    domain.ServiceTypeOTP,
		SMSType:        domain.SMSTypeGSM,
		IdempotencyKey: challenge.ID,
	})
	if err != nil {
		return nil, err
	}

	return &IssueOTPResult{
		ChallengeID: challenge.ID,
		MessageID:   res.Record.ID,
		Carrier:     num.Carrier(),
		ExpiresAt:   challenge.ExpiresAt,
	}, nil
}

// VerifyOTP checks the submitted code against the live challenge.
func (s *GatewayService) VerifyOTP(ctx context.Context, rawPhone, code string) error {
	num, err := phone.Classify(rawPhone, s.cfg.DefaultRegion)
	if err != nil {
		return err
	}

	err = s.otp.Verify(ctx, num, code)
	switch {
	case err == nil:
		otpVerificationsTotal.WithLabelValues("verified").Inc()
	case errors.Is(err, domain.ErrInvalidCode):
		otpVerificationsTotal.WithLabelValues("mismatch").Inc()
	case errors.Is(err, domain.ErrAttemptsExhausted):
		otpVerificationsTotal.WithLabelValues("exhausted").Inc()
	case errors.Is(err, domain.ErrAlreadyVerified):
		otpVerificationsTotal.WithLabelValues("replay").Inc()
	case errors.Is(err, domain.ErrNoActiveChallenge):
		otpVerificationsTotal.WithLabelValues("no_challenge").Inc()
	default:
		otpVerificationsTotal.WithLabelValues("error").Inc()
	}
	return err
}

type SendA2PRequest struct {
	Sender         string
	To             string
	Body           string
	SMSType        domain.SMSType
	TeamID         string
	CompanyID      string
	CampaignID     *string
	CallbackURL    *string
	IdempotencyKey string
}

type SendA2PResult struct {
	MessageID string
	PhoneE164 string
	Status    domain.MessageStatus
	Carrier   domain.Carrier
	Duplicate bool
}

// SendA2P dispatches one application-to-person message. Campaign traffic is
// recognized by the campaign id and accounted in the tighter bucket window.
func (s *GatewayService) SendA2P(ctx context.Context, req SendA2PRequest) (*SendA2PResult, error) {
	num, err := phone.Classify(req.To, s.cfg.DefaultRegion)
	if err != nil {
		return nil, err
	}

	serviceType := domain.ServiceTypeAPI
	if req.CampaignID != nil && *req.CampaignID != "" {
		serviceType = domain.ServiceTypeCampaign
	}
	smsType := req.SMSType
	if smsType == "" {
		smsType = domain.SMSTypeGSM
	}

	res, err := s.dispatch(ctx, dispatch.SendRequest{
		Sender:         req.Sender,
		Phone:          num,
		Body:           req.Body,
		TeamID:         req.TeamID,
		CompanyID:      req.CompanyID,
		CampaignID:     req.CampaignID,
		ServiceType:    serviceType,
		SMSType:        smsType,
		IsCharged:      true,
		IdempotencyKey: req.IdempotencyKey,
		CallbackURL:    req.CallbackURL,
	})
	if err != nil {
		return nil, err
	}

	return &SendA2PResult{
		MessageID: res.Record.ID,
		PhoneE164: num.E164(),
		Status:    res.Record.Status,
		Carrier:   num.Carrier(),
		Duplicate: res.Duplicate,
	}, nil
}

// dispatch wraps the router call with metrics common to OTP and A2P traffic.
func (s *GatewayService) dispatch(ctx context.Context, req dispatch.SendRequest) (*dispatch.SendResult, error) {
	start := time.Now()
	res, err := s.router.Send(ctx, req)
	dispatchDuration.WithLabelValues(string(req.ServiceType)).Observe(time.Since(start).Seconds())

	if res != nil && res.Record != nil {
		messagesDispatchedTotal.WithLabelValues(string(req.ServiceType), string(res.Record.Status)).Inc()
	} else if err != nil {
		messagesDispatchedTotal.WithLabelValues(string(req.ServiceType), "rejected_before_dispatch").Inc()
	}
	return res, err
}

// Actor is the caller identity a lookup is scoped to.
type Actor struct {
	TeamID    string
	CompanyID string
	IsAdmin   bool
}

// MessageStatus returns the stored record for a message id. Non-admin callers
// only see their own company's records; a foreign record reads as not found
// so existence is not disclosed across companies.
func (s *GatewayService) MessageStatus(ctx context.Context, id string, actor Actor) (*domain.MessageRecord, error) {
	rec, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin && rec.CompanyID != actor.CompanyID {
		s.logger.WarnContext(ctx, "cross-company message lookup denied",
			"message_id", id, "company_id", actor.CompanyID)
		return nil, repository.ErrMessageNotFound
	}
	return rec, nil
}

// ApplyDeliveryReport records an upstream delivery callback.
func (s *GatewayService) ApplyDeliveryReport(ctx context.Context, messageID string, status domain.MessageStatus, providerStatus *string) error {
	err := s.ledger.ApplyDeliveryReport(ctx, messageID, status, providerStatus)
	if err == nil {
		deliveryReportsTotal.WithLabelValues(string(status)).Inc()
	}
	return err
}
