package provider

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/addissms/gateway/internal/gateway/domain"
)

// MockProvider simulates a carrier gateway for development and tests.
type MockProvider struct {
	logger       *slog.Logger
	name         string
	carrier      domain.Carrier
	failRate     float64 // chance of a simulated transient failure, 0.0..1.0
	minLatencyMs int
	maxLatencyMs int
}

func NewMockProvider(logger *slog.Logger, carrier domain.Carrier, failRate float64, minLatencyMs, maxLatencyMs int) *MockProvider {
	name := "mock-" + string(carrier)
	return &MockProvider{
		logger:       logger.With("provider", name),
		name:         name,
		carrier:      carrier,
		failRate:     failRate,
		minLatencyMs: minLatencyMs,
		maxLatencyMs: maxLatencyMs,
	}
}

func (p *MockProvider) Name() string            { return p.name }
func (p *MockProvider) Carrier() domain.Carrier { return p.carrier }

func (p *MockProvider) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if p.maxLatencyMs > p.minLatencyMs {
		latency := p.minLatencyMs + rand.Intn(p.maxLatencyMs-p.minLatencyMs+1)
		select {
		case <-time.After(time.Duration(latency) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if rand.Float64() < p.failRate {
		p.logger.WarnContext(ctx, "mock provider simulated failure",
			"message_id", req.MessageID, "recipient", req.Recipient)
		return nil, ErrTransient
	}

	providerMsgID := uuid.NewString()
	p.logger.InfoContext(ctx, "mock provider accepted message",
		"message_id", req.MessageID, "provider_message_id", providerMsgID)
	return &SubmitResponse{
		ProviderMessageID: providerMsgID,
		Accepted:          true,
		StatusCode:        200,
	}, nil
}
