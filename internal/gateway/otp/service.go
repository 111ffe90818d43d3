// Package otp owns the OTP challenge lifecycle: issuance, verification and
// the pending -> verified | exhausted state machine. Challenges are stored
// hashed; the plaintext code leaves this package exactly once, on issue, so
// it can be dispatched to the phone.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/addissms/gateway/internal/gateway/domain"
	"github.com/addissms/gateway/internal/gateway/repository"
)

// Config carries the tunable thresholds; zero values fall back to defaults.
type Config struct {
	TTL         time.Duration
	MaxAttempts int
	CodeLength  int
}

const (
	defaultTTL         = 5 * time.Minute
	defaultMaxAttempts = 3
	defaultCodeLength  = 6
)

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.CodeLength <= 0 {
		c.CodeLength = defaultCodeLength
	}
	return c
}

type Service struct {
	store  repository.ChallengeStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store repository.ChallengeStore, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "otp_service"),
		now:    time.Now,
	}
}

// Issue creates a challenge for the phone and returns it together with the
// plaintext code for dispatch. A live challenge for the same phone is
// superseded unconditionally; at most one challenge per phone is live.
func (s *Service) Issue(ctx context.Context, phone domain.PhoneNumber) (*domain.OtpChallenge, string, error) {
	code, err := generateCode(s.cfg.CodeLength)
	if err != nil {
		return nil, "", fmt.Errorf("generate code: %w", err)
	}

	now := s.now().UTC()
	ch := &domain.OtpChallenge{
		ID:                uuid.NewString(),
		PhoneE164:         phone.E164(),
		Carrier:           phone.Carrier(),
		CodeHash:          HashCode(code),
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.TTL),
		AttemptsRemaining: s.cfg.MaxAttempts,
		State:             domain.ChallengeStatePending,
	}

	if err := s.store.Put(ctx, ch, s.cfg.TTL); err != nil {
		return nil, "", err
	}
	s.logger.InfoContext(ctx, "OTP challenge issued",
		"challenge_id", ch.ID, "phone", phone.E164(), "expires_at", ch.ExpiresAt)
	return ch, code, nil
}

// errExpired marks a challenge whose TTL has lapsed at lookup time.
var errExpired = errors.New("challenge expired")

// Verify checks submitted against the live challenge for the phone.
//
// Outcomes: nil on the single successful match; ErrNoActiveChallenge when no
// live (unexpired) challenge exists; ErrAlreadyVerified on replay after
// success; ErrAttemptsExhausted once the attempt budget is spent, including
// the attempt that spends it; ErrInvalidCode on a mismatch with attempts
// left. All mutation happens inside a per-phone optimistic transaction.
func (s *Service) Verify(ctx context.Context, phone domain.PhoneNumber, submitted string) error {
	submittedHash := HashCode(submitted)
	var matched bool
	var exhaustedNow bool

	_, err := s.store.Update(ctx, phone.E164(), func(ch *domain.OtpChallenge) error {
		matched, exhaustedNow = false, false

		if ch.Expired(s.now().UTC()) {
			return errExpired
		}
		switch ch.State {
		case domain.ChallengeStateVerified:
			return domain.ErrAlreadyVerified
		case domain.ChallengeStateExhausted:
			return domain.ErrAttemptsExhausted
		}

		if codeHashEqual(submittedHash, ch.CodeHash) {
			ch.State = domain.ChallengeStateVerified
			matched = true
			return nil
		}

		ch.AttemptsRemaining--
		if ch.AttemptsRemaining <= 0 {
			ch.State = domain.ChallengeStateExhausted
			exhaustedNow = true
		}
		return nil
	})

	switch {
	case errors.Is(err, repository.ErrChallengeNotFound):
		return domain.ErrNoActiveChallenge
	case errors.Is(err, errExpired):
		// Lazy expiry: drop the stale entry opportunistically.
		if delErr := s.store.Delete(ctx, phone.E164()); delErr != nil {
			s.logger.WarnContext(ctx, "failed to delete expired challenge", "phone", phone.E164(), "error", delErr)
		}
		return domain.ErrNoActiveChallenge
	case err != nil:
		return err
	}

	if matched {
		s.logger.InfoContext(ctx, "OTP verified", "phone", phone.E164())
		return nil
	}
	if exhaustedNow {
		s.logger.InfoContext(ctx, "OTP attempts exhausted", "phone", phone.E164())
		return domain.ErrAttemptsExhausted
	}
	return domain.ErrInvalidCode
}

// HashCode hashes a plaintext code for storage and comparison.
func HashCode(code string) string {
	sum := sha3.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func codeHashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// generateCode produces a crypto-random numeric code of the given length.
func generateCode(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
