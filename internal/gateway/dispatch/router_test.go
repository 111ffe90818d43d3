package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/addissms/gateway/internal/gateway/domain"
	"github.com/addissms/gateway/internal/gateway/ledger"
	"github.com/addissms/gateway/internal/gateway/provider"
	"github.com/addissms/gateway/internal/gateway/repository"
)

// memoryRepo is an in-memory repository.MessageRepository good enough to
// exercise the dispatch paths, including the conditional status write.
type memoryRepo struct {
	mu      sync.Mutex
	records map[string]*domain.MessageRecord
	byKey   map[string]string
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		records: make(map[string]*domain.MessageRecord),
		byKey:   make(map[string]string),
	}
}

func (r *memoryRepo) Create(ctx context.Context, rec *domain.MessageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[rec.IdempotencyKey]; ok {
		return repository.ErrDuplicateIdempotencyKey
	}
	clone := *rec
	r.records[rec.ID] = &clone
	r.byKey[rec.IdempotencyKey] = rec.ID
	return nil
}

func (r *memoryRepo) GetByID(ctx context.Context, id string) (*domain.MessageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, repository.ErrMessageNotFound
	}
	clone := *rec
	return &clone, nil
}

func (r *memoryRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.MessageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[key]
	if !ok {
		return nil, repository.ErrMessageNotFound
	}
	clone := *r.records[id]
	return &clone, nil
}

func (r *memoryRepo) UpdateStatus(ctx context.Context, id string, expected []domain.MessageStatus, to domain.MessageStatus, upd repository.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return repository.ErrMessageNotFound
	}
	matched := false
	for _, st := range expected {
		if rec.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return repository.ErrStaleTransition
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
	return nil
}

func (r *memoryRepo) CountForSender(ctx context.Context, sender string, bucketIDs []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, rec := range r.records {
		if rec.Sender != sender {
			continue
		}
		for _, b := range bucketIDs {
			if rec.BucketID == b {
				count++
				break
			}
		}
	}
	return count, nil
}

func (r *memoryRepo) ListCharged(ctx context.Context, isCharged bool, afterCreatedAt time.Time, afterID string, limit int) ([]*domain.MessageRecord, error) {
	return nil, nil
}

// scriptedAdapter replays canned outcomes, one per Submit call.
type scriptedAdapter struct {
	carrier  domain.Carrier
	outcomes []func() (*provider.SubmitResponse, error)
	calls    int
}

func (a *scriptedAdapter) Name() string            { return "scripted" }
func (a *scriptedAdapter) Carrier() domain.Carrier { return a.carrier }

func (a *scriptedAdapter) Submit(ctx context.Context, req provider.SubmitRequest) (*provider.SubmitResponse, error) {
	if a.calls >= len(a.outcomes) {
		return nil, fmt.Errorf("unexpected submit call %d", a.calls)
	}
	out := a.outcomes[a.calls]
	a.calls++
	return out()
}

func accepted(providerMsgID string) func() (*provider.SubmitResponse, error) {
	return func() (*provider.SubmitResponse, error) {
		return &provider.SubmitResponse{ProviderMessageID: providerMsgID, Accepted: true, StatusCode: 200}, nil
	}
}

func transient() func() (*provider.SubmitResponse, error) {
	return func() (*provider.SubmitResponse, error) {
		return nil, fmt.Errorf("%w: connection reset", provider.ErrTransient)
	}
}

func rejected(reason string) func() (*provider.SubmitResponse, error) {
	return func() (*provider.SubmitResponse, error) {
		return &provider.SubmitResponse{Accepted: false, StatusCode: 400, Reason: reason}, nil
	}
}

func newTestRouter(t *testing.T, adapter provider.Adapter, cfg Config) (*Router, *memoryRepo, *[]time.Duration) {
	t.Helper()
	repo := newMemoryRepo()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.New(repo, logger)

	r := NewRouter([]provider.Adapter{adapter}, led, cfg, logger)
	r.now = func() time.Time { return time.Date(2026, 8, 28, 10, 47, 0, 0, time.UTC) }

	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, repo, &slept
}

func ethioRequest() SendRequest {
	return SendRequest{
		Sender:      "AddisSMS",
		Phone:       domain.NewPhoneNumber("0912345678", "+251912345678", domain.CarrierEthioTelecom),
		Body:        "hello there",
		TeamID:      "team-1",
		CompanyID:   "company-1",
		ServiceType: domain.ServiceTypeAPI,
		SMSType:     domain.SMSTypeGSM,
		IsCharged:   true,
	}
}

func TestRouter_SendSuccess(t *testing.T) {
	adapter := &scriptedAdapter{carrier: domain.CarrierEthioTelecom, outcomes: []func() (*provider.SubmitResponse, error){accepted("prov-1")}}
	r, repo, slept := newTestRouter(t, adapter, Config{})

	res, err := r.Send(context.Background(), ethioRequest())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Duplicate)
	assert.Equal(t, domain.MessageStatusSent, res.Record.Status)
	assert.Equal(t, 1, res.Record.Attempts)
	require.NotNil(t, res.Record.Provider)
	assert.Equal(t, "scripted", *res.Record.Provider)
	require.NotNil(t, res.Record.ProviderMessageID)
	assert.Equal(t, "prov-1", *res.Record.ProviderMessageID)
	assert.NotNil(t, res.Record.ProcessedAt)
	assert.Empty(t, *slept)

	stored, err := repo.GetByID(context.Background(), res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusSent, stored.Status)
	assert.Equal(t, "T202608281000", stored.BucketID)
}

func TestRouter_SendRetriesTransientThenSucceeds(t *testing.T) {
	adapter := &scriptedAdapter{carrier: domain.CarrierEthioTelecom, outcomes: []func() (*provider.SubmitResponse, error){
		transient(), accepted("prov-2"),
	}}
	r, repo, slept := newTestRouter(t, adapter, Config{MaxAttempts: 3, BackoffBase: 100 * time.Millisecond})

	res, err := r.Send(context.Background(), ethioRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusSent, res.Record.Status)
	assert.Equal(t, 2, res.Record.Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, *slept)

	stored, err := repo.GetByID(context.Background(), res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Attempts)
}

func TestRouter_SendExhaustsRetries(t *testing.T) {
	adapter := &scriptedAdapter{carrier: domain.CarrierEthioTelecom, outcomes: []func() (*provider.SubmitResponse, error){
		transient(), transient(), transient(),
	}}
	r, repo, slept := newTestRouter(t, adapter, Config{MaxAttempts: 3, BackoffBase: 100 * time.Millisecond})

	res, err := r.Send(context.Background(), ethioRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCarrierUnavailable)
	require.NotNil(t, res)
	assert.Equal(t, domain.MessageStatusFailed, res.Record.Status)
	assert.Equal(t, 3, res.Record.Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)

	stored, err := repo.GetByID(context.Background(), res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "connection reset")
}

func TestRouter_SendPermanentRejection(t *testing.T) {
	adapter := &scriptedAdapter{carrier: domain.CarrierEthioTelecom, outcomes: []func() (*provider.SubmitResponse, error){
		rejected("invalid destination"),
	}}
	r, _, slept := newTestRouter(t, adapter, Config{MaxAttempts: 3})

	res, err := r.Send(context.Background(), ethioRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	assert.Equal(t, domain.MessageStatusFailed, res.Record.Status)
	assert.Equal(t, 1, res.Record.Attempts)
	assert.Empty(t, *slept)
	require.NotNil(t, res.Record.ErrorMessage)
	assert.Equal(t, "invalid destination", *res.Record.ErrorMessage)
}

func TestRouter_SendNoAdapterForCarrier(t *testing.T) {
	adapter := &scriptedAdapter{carrier: domain.CarrierEthioTelecom}
	r, _, _ := newTestRouter(t, adapter, Config{})

	req := ethioRequest()
	req.Phone = domain.NewPhoneNumber("0712345678", "+251712345678", domain.CarrierSafaricom)

	_, err := r.Send(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrCarrierUnavailable)
	assert.Zero(t, adapter.calls)
}

func TestRouter_SendValidation(t *testing.T) {
	adapter := &scriptedAdapter{carrier: domain.CarrierEthioTelecom}
	r, _, _ := newTestRouter(t, adapter, Config{})

	t.Run("unclassified phone", func(t *testing.T) {
		req := ethioRequest()
		req.Phone = domain.PhoneNumber{}
		_, err := r.Send(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
	})

	t.Run("empty body", func(t *testing.T) {
		req := ethioRequest()
		req.Body = ""
		_, err := r.Send(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	})

	t.Run("oversized body", func(t *testing.T) {
		req := ethioRequest()
		req.Body = string(make([]byte, maxBodyLength+1))
		_, err := r.Send(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	})

	t.Run("empty sender", func(t *testing.T) {
		req := ethioRequest()
		req.Sender = ""
		_, err := r.Send(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	})
}

func TestRouter_SendIdempotencyKeyDeduplicates(t *testing.T) {
	adapter := &scriptedAdapter{carrier: domain.CarrierEthioTelecom, outcomes: []func() (*provider.SubmitResponse, error){
		accepted("prov-1"),
	}}
	r, _, _ := newTestRouter(t, adapter, Config{})

	req := ethioRequest()
	req.IdempotencyKey = "client-key-1"

	first, err := r.Send(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := r.Send(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, 1, adapter.calls)
}

func TestRouter_SendIdempotentRetryAnsweredDespiteQuota(t *testing.T) {
	adapter := &scriptedAdapter{carrier: domain.CarrierEthioTelecom, outcomes: []func() (*provider.SubmitResponse, error){
		accepted("prov-1"),
	}}
	r, _, _ := newTestRouter(t, adapter, Config{BucketQuota: 1})
	ctx := context.Background()

	req := ethioRequest()
	req.IdempotencyKey = "client-key-1"

	first, err := r.Send(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	// The sender is now at quota; a retry of the same message must still get
	// the prior record back instead of a rate-limit rejection.
	second, err := r.Send(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, 1, adapter.calls)
}

func TestRouter_SendBucketQuota(t *testing.T) {
	adapter := &scriptedAdapter{carrier: domain.CarrierEthioTelecom, outcomes: []func() (*provider.SubmitResponse, error){
		accepted("prov-1"), accepted("prov-2"),
	}}
	r, _, _ := newTestRouter(t, adapter, Config{BucketQuota: 2})

	ctx := context.Background()
	_, err := r.Send(ctx, ethioRequest())
	require.NoError(t, err)
	_, err = r.Send(ctx, ethioRequest())
	require.NoError(t, err)

	_, err = r.Send(ctx, ethioRequest())
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 2, adapter.calls)
}
