package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/addissms/gateway/internal/gateway/domain"
	"github.com/addissms/gateway/internal/gateway/repository"
)

func newTestStore(t *testing.T) (*ChallengeStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewChallengeStore(rdb, logger), mr
}

func testChallenge(e164 string) *domain.OtpChallenge {
	now := time.Now().UTC()
	return &domain.OtpChallenge{
		ID:                "ch-1",
		PhoneE164:         e164,
		Carrier:           domain.CarrierEthioTelecom,
		CodeHash:          "abc123",
		CreatedAt:         now,
		ExpiresAt:         now.Add(5 * time.Minute),
		AttemptsRemaining: 3,
		State:             domain.ChallengeStatePending,
	}
}

func TestChallengeStore_PutGet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ch := testChallenge("+251912345678")
	require.NoError(t, store.Put(ctx, ch, 5*time.Minute))

	assert.True(t, mr.Exists("otp:challenge:+251912345678"))
	assert.Greater(t, mr.TTL("otp:challenge:+251912345678"), time.Duration(0))

	got, err := store.Get(ctx, "+251912345678")
	require.NoError(t, err)
	assert.Equal(t, ch.ID, got.ID)
	assert.Equal(t, ch.CodeHash, got.CodeHash)
	assert.Equal(t, domain.ChallengeStatePending, got.State)
}

func TestChallengeStore_GetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "+251912345678")
	assert.ErrorIs(t, err, repository.ErrChallengeNotFound)
}

func TestChallengeStore_PutSupersedes(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	first := testChallenge("+251912345678")
	require.NoError(t, store.Put(ctx, first, time.Minute))

	second := testChallenge("+251912345678")
	second.ID = "ch-2"
	second.CodeHash = "def456"
	require.NoError(t, store.Put(ctx, second, time.Minute))

	raw, err := mr.Get("otp:challenge:+251912345678")
	require.NoError(t, err)
	var got domain.OtpChallenge
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "ch-2", got.ID)
	assert.Equal(t, "def456", got.CodeHash)
}

func TestChallengeStore_Update(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testChallenge("+251912345678"), time.Minute))

	updated, err := store.Update(ctx, "+251912345678", func(c *domain.OtpChallenge) error {
		c.AttemptsRemaining--
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.AttemptsRemaining)

	got, err := store.Get(ctx, "+251912345678")
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttemptsRemaining)
}

func TestChallengeStore_UpdateKeepsTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testChallenge("+251912345678"), time.Minute))
	mr.FastForward(30 * time.Second)

	_, err := store.Update(ctx, "+251912345678", func(c *domain.OtpChallenge) error {
		c.AttemptsRemaining--
		return nil
	})
	require.NoError(t, err)

	ttl := mr.TTL("otp:challenge:+251912345678")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 30*time.Second)
}

func TestChallengeStore_UpdateMutateErrorDoesNotWrite(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testChallenge("+251912345678"), time.Minute))

	boom := errors.New("boom")
	_, err := store.Update(ctx, "+251912345678", func(c *domain.OtpChallenge) error {
		c.AttemptsRemaining = 0
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, "+251912345678")
	require.NoError(t, err)
	assert.Equal(t, 3, got.AttemptsRemaining)
}

func TestChallengeStore_UpdateMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Update(context.Background(), "+251912345678", func(c *domain.OtpChallenge) error {
		return nil
	})
	assert.ErrorIs(t, err, repository.ErrChallengeNotFound)
}

func TestChallengeStore_TTLExpiryRemovesKey(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testChallenge("+251912345678"), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "+251912345678")
	assert.ErrorIs(t, err, repository.ErrChallengeNotFound)
}

func TestChallengeStore_Delete(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testChallenge("+251912345678"), time.Minute))
	require.NoError(t, store.Delete(ctx, "+251912345678"))
	assert.False(t, mr.Exists("otp:challenge:+251912345678"))
}
