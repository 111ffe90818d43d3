// Package dispatch routes outbound messages to the carrier adapter matching
// the recipient's network, with per-sender rate accounting, idempotent
// submission and bounded retry on transient carrier failures.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/addissms/gateway/internal/gateway/domain"
	"github.com/addissms/gateway/internal/gateway/ledger"
	"github.com/addissms/gateway/internal/gateway/provider"
	"github.com/addissms/gateway/internal/gateway/repository"
)

const maxBodyLength = 1000

type Config struct {
	MaxAttempts   int           // submission attempts per message, including the first
	BackoffBase   time.Duration // delay before the second attempt, doubled each retry
	SubmitTimeout time.Duration // per-attempt deadline on the carrier call
	BucketQuota   int64         // max messages per sender per bucket window, 0 disables
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	return c
}

// SendRequest describes one message to dispatch. Phone must already be
// classified; the router picks the adapter from its carrier.
type SendRequest struct {
	Sender         string
	Phone          domain.PhoneNumber
	Body           string
	TeamID         string
	CompanyID      string
	CampaignID     *string
	ServiceType    domain.ServiceType
	SMSType        domain.SMSType
	IsCharged      bool
	IdempotencyKey string
	CallbackURL    *string
}

// SendResult reports the stored record after dispatch. Duplicate is set when
// the idempotency key matched an existing record and nothing was sent.
type SendResult struct {
	Record    *domain.MessageRecord
	Duplicate bool
}

type Router struct {
	adapters map[domain.Carrier]provider.Adapter
	ledger   *ledger.Ledger
	cfg      Config
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRouter(adapters []provider.Adapter, led *ledger.Ledger, cfg Config, logger *slog.Logger) *Router {
	byCarrier := make(map[domain.Carrier]provider.Adapter, len(adapters))
	for _, a := range adapters {
		byCarrier[a.Carrier()] = a
	}
	return &Router{
		adapters: byCarrier,
		ledger:   led,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "dispatch"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send validates, records and submits one message. The record is created
// PENDING before the first carrier call so every submission attempt is
// attributable; its final status reflects the outcome.
func (r *Router) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := r.validate(req); err != nil {
		return nil, err
	}

	adapter, ok := r.adapters[req.Phone.Carrier()]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for carrier %s", domain.ErrCarrierUnavailable, req.Phone.Carrier())
	}

	// The idempotency lookup runs before the quota gate: a retry of a message
	// already on record is answered with that record, not a fresh admission
	// decision.
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	} else if existing, err := r.lookupByKey(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return &SendResult{Record: existing, Duplicate: true}, nil
	}

	now := r.now().UTC()
	bucketID := domain.BucketID(now, req.ServiceType)

	if r.cfg.BucketQuota > 0 {
		count, err := r.ledger.CountForSender(ctx, req.Sender, []string{bucketID})
		if err != nil {
			return nil, fmt.Errorf("%w: count for sender: %v", domain.ErrStorageUnavailable, err)
		}
		if count >= r.cfg.BucketQuota {
			r.logger.WarnContext(ctx, "sender over bucket quota",
				"sender", req.Sender, "bucket_id", bucketID, "count", count)
			return nil, fmt.Errorf("%w: sender %s exceeded %d messages in bucket %s",
				domain.ErrRateLimited, req.Sender, r.cfg.BucketQuota, bucketID)
		}
	}

	rec := &domain.MessageRecord{
		ID:             uuid.NewString(),
		BucketID:       bucketID,
		Sender:         req.Sender,
		Receiver:       req.Phone.E164(),
		Body:           req.Body,
		TeamID:         req.TeamID,
		CompanyID:      req.CompanyID,
		CampaignID:     req.CampaignID,
		ServiceType:    req.ServiceType,
		SMSType:        req.SMSType,
		Status:         domain.MessageStatusPending,
		IsCharged:      req.IsCharged,
		IdempotencyKey: req.IdempotencyKey,
		CallbackURL:    req.CallbackURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := r.ledger.Record(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
			// Lost a create race on the same key; the winner's record is
			// the authoritative one.
			existing, lookupErr := r.lookupByKey(ctx, req.IdempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if existing != nil {
				return &SendResult{Record: existing, Duplicate: true}, nil
			}
		}
		return nil, fmt.Errorf("%w: record message: %v", domain.ErrStorageUnavailable, err)
	}

	return r.submit(ctx, adapter, rec)
}

func (r *Router) validate(req SendRequest) error {
	if req.Phone.IsZero() {
		return fmt.Errorf("%w: recipient is not classified", domain.ErrInvalidPhoneNumber)
	}
	if len(req.Body) == 0 {
		return fmt.Errorf("%w: empty message body", domain.ErrInvalidPayload)
	}
	if len(req.Body) > maxBodyLength {
		return fmt.Errorf("%w: message body exceeds %d bytes", domain.ErrInvalidPayload, maxBodyLength)
	}
	if req.Sender == "" {
		return fmt.Errorf("%w: empty sender", domain.ErrInvalidPayload)
	}
	return nil
}

func (r *Router) lookupByKey(ctx context.Context, key string) (*domain.MessageRecord, error) {
	existing, err := r.ledger.GetByIdempotencyKey(ctx, key)
	if err == nil {
		return existing, nil
	}
	if errors.Is(err, repository.ErrMessageNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: idempotency lookup: %v", domain.ErrStorageUnavailable, err)
}

// submit runs the attempt loop. Every attempt increments the stored counter;
// transient failures move the record PENDING -> FAILED -> PENDING until the
// budget runs out, where it stays FAILED.
func (r *Router) submit(ctx context.Context, adapter provider.Adapter, rec *domain.MessageRecord) (*SendResult, error) {
	providerName := adapter.Name()
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := r.cfg.BackoffBase << (attempt - 2)
			if err := r.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			if err := r.transition(ctx, rec, domain.MessageStatusFailed, domain.MessageStatusPending, repository.StatusUpdate{}); err != nil {
				return nil, err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
		resp, err := adapter.Submit(attemptCtx, provider.SubmitRequest{
			MessageID:      rec.ID,
			Sender:         rec.Sender,
			Recipient:      rec.Receiver,
			Body:           rec.Body,
			SMSType:        rec.SMSType,
			IdempotencyKey: rec.IdempotencyKey,
		})
		cancel()

		switch {
		case err == nil && resp.Accepted:
			processedAt := r.now().UTC()
			upd := repository.StatusUpdate{
				Provider:      &providerName,
				ProcessedAt:   &processedAt,
				AttemptsDelta: 1,
			}
			if resp.ProviderMessageID != "" {
				upd.ProviderMessageID = &resp.ProviderMessageID
			}
			if err := r.transition(ctx, rec, domain.MessageStatusPending, domain.MessageStatusSent, upd); err != nil {
				return nil, err
			}
			r.logger.InfoContext(ctx, "message dispatched",
				"message_id", rec.ID, "provider", providerName, "attempt", attempt)
			return &SendResult{Record: rec}, nil

		case err == nil:
			// Permanent rejection, retrying would not change the verdict.
			reason := resp.Reason
			if reason == "" {
				reason = fmt.Sprintf("rejected with status %d", resp.StatusCode)
			}
			upd := repository.StatusUpdate{
				Provider:      &providerName,
				ErrorMessage:  &reason,
				AttemptsDelta: 1,
			}
			if err := r.transition(ctx, rec, domain.MessageStatusPending, domain.MessageStatusFailed, upd); err != nil {
				return nil, err
			}
			r.logger.InfoContext(ctx, "message rejected by carrier",
				"message_id", rec.ID, "provider", providerName, "reason", reason)
			return &SendResult{Record: rec}, fmt.Errorf("%w: %s", domain.ErrInvalidPayload, reason)

		case provider.IsTransient(err) || errors.Is(err, context.DeadlineExceeded):
			lastErr = err
			errMsg := err.Error()
			upd := repository.StatusUpdate{
				Provider:      &providerName,
				ErrorMessage:  &errMsg,
				AttemptsDelta: 1,
			}
			if terr := r.transition(ctx, rec, domain.MessageStatusPending, domain.MessageStatusFailed, upd); terr != nil {
				return nil, terr
			}
			r.logger.WarnContext(ctx, "carrier submission failed",
				"message_id", rec.ID, "provider", providerName, "attempt", attempt, "error", err)

		default:
			errMsg := err.Error()
			upd := repository.StatusUpdate{
				Provider:      &providerName,
				ErrorMessage:  &errMsg,
				AttemptsDelta: 1,
			}
			if terr := r.transition(ctx, rec, domain.MessageStatusPending, domain.MessageStatusFailed, upd); terr != nil {
				return nil, terr
			}
			return &SendResult{Record: rec}, fmt.Errorf("%w: %v", domain.ErrCarrierUnavailable, err)
		}
	}

	r.logger.ErrorContext(ctx, "message exhausted dispatch attempts",
		"message_id", rec.ID, "provider", providerName, "attempts", r.cfg.MaxAttempts, "error", lastErr)
	return &SendResult{Record: rec}, fmt.Errorf("%w: %d attempts failed: %v",
		domain.ErrCarrierUnavailable, r.cfg.MaxAttempts, lastErr)
}

// transition applies a CAS status change and mirrors it onto the in-memory
// record so callers see the stored state without a re-read.
func (r *Router) transition(ctx context.Context, rec *domain.MessageRecord, from, to domain.MessageStatus, upd repository.StatusUpdate) error {
	err := r.ledger.UpdateStatus(ctx, rec.ID, []domain.MessageStatus{from}, to, upd)
	if err != nil {
		return fmt.Errorf("%w: transition %s -> %s: %v", domain.ErrStorageUnavailable, from, to, err)
	}
	rec.Status = to
	rec.Attempts += upd.AttemptsDelta
	if upd.Provider != nil {
		rec.Provider = upd.Provider
	}
	if upd.ProviderMessageID != nil {
		rec.ProviderMessageID = upd.ProviderMessageID
	}
	if upd.ErrorMessage != nil {
		rec.ErrorMessage = upd.ErrorMessage
	}
	if upd.ProcessedAt != nil {
		rec.ProcessedAt = upd.ProcessedAt
	}
	rec.UpdatedAt = r.now().UTC()
	return nil
}
