// Package redisrepo implements the OTP challenge store on Redis. One key per
// phone, JSON value, TTL bounds store growth; correctness does not depend on
// the TTL because expiry is re-checked at lookup.
package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/addissms/gateway/internal/gateway/domain"
	"github.com/addissms/gateway/internal/gateway/repository"
)

const keyPrefix = "otp:challenge:"

// casRetries bounds the optimistic-transaction retry loop under contention.
const casRetries = 5

type ChallengeStore struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewChallengeStore(rdb *redis.Client, logger *slog.Logger) *ChallengeStore {
	return &ChallengeStore{rdb: rdb, logger: logger.With("component", "challenge_store")}
}

func challengeKey(e164 string) string { return keyPrefix + e164 }

// Put stores the challenge, replacing any live challenge for the same phone.
func (s *ChallengeStore) Put(ctx context.Context, ch *domain.OtpChallenge, ttl time.Duration) error {
	b, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.rdb.Set(ctx, challengeKey(ch.PhoneE164), b, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *ChallengeStore) Get(ctx context.Context, e164 string) (*domain.OtpChallenge, error) {
	raw, err := s.rdb.Get(ctx, challengeKey(e164)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, repository.ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	var ch domain.OtpChallenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}
	return &ch, nil
}

// Update runs mutate on the stored challenge inside a WATCH transaction and
// writes the result back, keeping the remaining TTL. A concurrent write to
// the same key aborts the transaction and the whole operation retries, so
// mutations for one phone are serialized without a process-wide lock. An
// error from mutate aborts without writing and is returned as-is.
func (s *ChallengeStore) Update(ctx context.Context, e164 string, mutate func(*domain.OtpChallenge) error) (*domain.OtpChallenge, error) {
	key := challengeKey(e164)
	var updated *domain.OtpChallenge

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return repository.ErrChallengeNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}

		var ch domain.OtpChallenge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return fmt.Errorf("unmarshal challenge: %w", err)
		}
		if err := mutate(&ch); err != nil {
			return err
		}

		b, err := json.Marshal(&ch)
		if err != nil {
			return fmt.Errorf("marshal challenge: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &ch
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.DebugContext(ctx, "challenge CAS conflict, retrying", "phone", e164, "attempt", i+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("%w: challenge update contention on %s", domain.ErrStorageUnavailable, e164)
}

func (s *ChallengeStore) Delete(ctx context.Context, e164 string) error {
	if err := s.rdb.Del(ctx, challengeKey(e164)).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}
