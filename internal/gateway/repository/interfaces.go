// Package repository declares the persistence interfaces the gateway core
// depends on. All shared mutable state goes through these; locking discipline
// (optimistic CAS per key) is centralized in the implementations.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/addissms/gateway/internal/gateway/domain"
)

var (
	// ErrChallengeNotFound means no live challenge exists for the phone.
	ErrChallengeNotFound = errors.New("otp challenge not found")
	// ErrMessageNotFound means no message record matches the id or key.
	ErrMessageNotFound = errors.New("message record not found")
	// ErrDuplicateIdempotencyKey means a record with the key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	// ErrStaleTransition means the record was not in any of the expected
	// states; a concurrent writer won the race.
	ErrStaleTransition = errors.New("message status transition rejected")
)

// ChallengeStore persists OTP challenges keyed by phone E.164, at most one
// live challenge per phone. Put replaces unconditionally (supersede);
// Update applies mutate inside an optimistic per-key transaction and retries
// on conflict, so concurrent verifies for one phone serialize.
type ChallengeStore interface {
	Put(ctx context.Context, ch *domain.OtpChallenge, ttl time.Duration) error
	Get(ctx context.Context, e164 string) (*domain.OtpChallenge, error)
	Update(ctx context.Context, e164 string, mutate func(*domain.OtpChallenge) error) (*domain.OtpChallenge, error)
	Delete(ctx context.Context, e164 string) error
}

// StatusUpdate carries the optional fields written alongside a status
// transition. Nil pointers leave the stored column untouched.
type StatusUpdate struct {
	Provider          *string
	ProviderMessageID *string
	ErrorMessage      *string
	ProcessedAt       *time.Time
	AttemptsDelta     int
}

// MessageRepository persists message records. UpdateStatus is a conditional
// write: it succeeds only while the record is in one of the expected states,
// which serializes transitions per record id.
type MessageRepository interface {
	Create(ctx context.Context, rec *domain.MessageRecord) error
	GetByID(ctx context.Context, id string) (*domain.MessageRecord, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.MessageRecord, error)
	UpdateStatus(ctx context.Context, id string, expected []domain.MessageStatus, to domain.MessageStatus, upd StatusUpdate) error
	CountForSender(ctx context.Context, sender string, bucketIDs []string) (int64, error)
	// ListCharged returns up to limit records with the given charge flag,
	// strictly after the (createdAt, id) cursor position, ordered by that
	// pair. Pass the zero time to start from the beginning.
	ListCharged(ctx context.Context, isCharged bool, afterCreatedAt time.Time, afterID string, limit int) ([]*domain.MessageRecord, error)
}
