// Package provider holds the carrier gateway adapters. One adapter per
// carrier; the dispatcher selects by classified carrier and treats every
// adapter uniformly through Adapter.
package provider

import (
	"context"
	"errors"

	"github.com/addissms/gateway/internal/gateway/domain"
)

// ErrTransient wraps failures worth retrying: timeouts, connection errors,
// upstream 5xx. Adapters wrap with %w so the dispatcher can classify.
var ErrTransient = errors.New("transient carrier failure")

// IsTransient reports whether the dispatcher should retry the submission.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// SubmitRequest is the data a carrier needs for one outbound message.
type SubmitRequest struct {
	MessageID      string // our record id, passed as the carrier reference
	Sender         string
	Recipient      string // E.164
	Body           string
	SMSType        domain.SMSType
	IdempotencyKey string
}

// SubmitResponse is the carrier's verdict on a submission. Accepted=false
// with a Reason is a permanent rejection (bad destination, bad content);
// transient conditions come back as errors instead.
type SubmitResponse struct {
	ProviderMessageID string
	Accepted          bool
	StatusCode        int
	Reason            string
}

// Adapter is one carrier gateway.
type Adapter interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
	Name() string
	Carrier() domain.Carrier
}
