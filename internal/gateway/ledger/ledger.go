// Package ledger is the append-only record of every outbound message, used
// for rate accounting, delivery tracking and billing reconciliation. All
// writes go through the message repository; records are never deleted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/addissms/gateway/internal/gateway/domain"
	"github.com/addissms/gateway/internal/gateway/repository"
)

const defaultIteratorBatchSize = 200

type Ledger struct {
	repo   repository.MessageRepository
	logger *slog.Logger
}

func New(repo repository.MessageRepository, logger *slog.Logger) *Ledger {
	return &Ledger{repo: repo, logger: logger.With("component", "ledger")}
}

// Record appends a message record. Records for distinct ids may be written
// concurrently; per-bucket aggregates are derived by query, not maintained
// in place, so no cross-record coordination is needed here.
func (l *Ledger) Record(ctx context.Context, rec *domain.MessageRecord) error {
	return l.repo.Create(ctx, rec)
}

func (l *Ledger) Get(ctx context.Context, id string) (*domain.MessageRecord, error) {
	return l.repo.GetByID(ctx, id)
}

func (l *Ledger) GetByIdempotencyKey(ctx context.Context, key string) (*domain.MessageRecord, error) {
	return l.repo.GetByIdempotencyKey(ctx, key)
}

// UpdateStatus is the conditional transition write used by the dispatcher;
// delivery callbacks go through ApplyDeliveryReport instead.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, expected []domain.MessageStatus, to domain.MessageStatus, upd repository.StatusUpdate) error {
	return l.repo.UpdateStatus(ctx, id, expected, to, upd)
}

// CountForSender counts this sender's messages across the given buckets.
func (l *Ledger) CountForSender(ctx context.Context, sender string, bucketIDs []string) (int64, error) {
	return l.repo.CountForSender(ctx, sender, bucketIDs)
}

// ApplyDeliveryReport moves a SENT record to DELIVERED or REJECTED on an
// upstream delivery callback. A repeat of an already-applied report is a
// no-op; any other out-of-order report is rejected.
func (l *Ledger) ApplyDeliveryReport(ctx context.Context, messageID string, status domain.MessageStatus, providerStatus *string) error {
	if status != domain.MessageStatusDelivered && status != domain.MessageStatusRejected {
		return fmt.Errorf("%w: delivery report status must be DELIVERED or REJECTED, got %s", domain.ErrValidation, status)
	}

	upd := repository.StatusUpdate{}
	if status == domain.MessageStatusRejected {
		upd.ErrorMessage = providerStatus
	}

	err := l.repo.UpdateStatus(ctx, messageID, []domain.MessageStatus{domain.MessageStatusSent}, status, upd)
	if errors.Is(err, repository.ErrStaleTransition) {
		rec, getErr := l.repo.GetByID(ctx, messageID)
		if getErr != nil {
			return getErr
		}
		if rec.Status == status {
			l.logger.InfoContext(ctx, "duplicate delivery report ignored",
				"message_id", messageID, "status", status)
			return nil
		}
		return fmt.Errorf("%w: record %s is %s", repository.ErrStaleTransition, messageID, rec.Status)
	}
	if err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "delivery report applied", "message_id", messageID, "status", status)
	return nil
}

// ChargedMessages returns a lazy iterator over records with the given charge
// flag, for billing reconciliation. The iterator pages with a keyset cursor;
// restarting means constructing a new iterator.
func (l *Ledger) ChargedMessages(isCharged bool) *ChargedIterator {
	return &ChargedIterator{
		repo:      l.repo,
		isCharged: isCharged,
		batchSize: defaultIteratorBatchSize,
	}
}

// ChargedIterator walks message records batch by batch. Usage mirrors
// sql.Rows: for it.Next(ctx) { rec := it.Record() }; check it.Err() after.
type ChargedIterator struct {
	repo      repository.MessageRepository
	isCharged bool
	batchSize int

	buf           []*domain.MessageRecord
	idx           int
	lastCreatedAt time.Time
	lastID        string
	done          bool
	err           error
}

func (it *ChargedIterator) Next(ctx context.Context) bool {
	if it.err != nil || it.done && it.idx >= len(it.buf) {
		return false
	}
	if it.idx < len(it.buf) {
		it.idx++
		return true
	}
	if it.done {
		return false
	}

	batch, err := it.repo.ListCharged(ctx, it.isCharged, it.lastCreatedAt, it.lastID, it.batchSize)
	if err != nil {
		it.err = err
		return false
	}
	if len(batch) == 0 {
		it.done = true
		return false
	}
	if len(batch) < it.batchSize {
		it.done = true
	}

	last := batch[len(batch)-1]
	it.lastCreatedAt = last.CreatedAt
	it.lastID = last.ID
	it.buf = batch
	it.idx = 1
	return true
}

// Record returns the record positioned by the last successful Next.
func (it *ChargedIterator) Record() *domain.MessageRecord {
	if it.idx == 0 || it.idx > len(it.buf) {
		return nil
	}
	return it.buf[it.idx-1]
}

func (it *ChargedIterator) Err() error {
	return it.err
}
