// Package postgres implements the message record repository over pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/addissms/gateway/internal/gateway/domain"
	"github.com/addissms/gateway/internal/gateway/repository"
)

// PgxIface is the subset of pgxpool.Pool the repository uses; pgxmock
// satisfies it in tests.
type PgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgMessageRepository struct {
	db PgxIface
}

// NewPgMessageRepository creates the PostgreSQL-backed message repository.
func NewPgMessageRepository(db PgxIface) repository.MessageRepository {
	return &pgMessageRepository{db: db}
}

const messageColumns = `id, bucket_id, sender, receiver, body, team_id, company_id, campaign_id,
		       service_type, sms_type, status, is_charged, idempotency_key, provider,
		       provider_message_id, error_message, callback_url, attempts,
		       created_at, processed_at, updated_at`

func (r *pgMessageRepository) Create(ctx context.Context, rec *domain.MessageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = domain.MessageStatusPending
	}
	if rec.BucketID == "" {
		rec.BucketID = domain.BucketID(rec.CreatedAt, rec.ServiceType)
	}

	query := `
		INSERT INTO message_records (
			id, bucket_id, sender, receiver, body, team_id, company_id, campaign_id,
			service_type, sms_type, status, is_charged, idempotency_key, provider,
			provider_message_id, error_message, callback_url, attempts,
			created_at, processed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21
		)
	`
	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.BucketID, rec.Sender, rec.Receiver, rec.Body, rec.TeamID, rec.CompanyID, rec.CampaignID,
		rec.ServiceType, rec.SMSType, rec.Status, rec.IsCharged, rec.IdempotencyKey, rec.Provider,
		rec.ProviderMessageID, rec.ErrorMessage, rec.CallbackURL, rec.Attempts,
		rec.CreatedAt, rec.ProcessedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert message record: %w", err)
	}
	return nil
}

func (r *pgMessageRepository) GetByID(ctx context.Context, id string) (*domain.MessageRecord, error) {
	query := `SELECT ` + messageColumns + ` FROM message_records WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

func (r *pgMessageRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.MessageRecord, error) {
	query := `SELECT ` + messageColumns + ` FROM message_records WHERE idempotency_key = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, key))
}

func (r *pgMessageRepository) scanOne(row pgx.Row) (*domain.MessageRecord, error) {
	rec := &domain.MessageRecord{}
	err := row.Scan(
		&rec.ID, &rec.BucketID, &rec.Sender, &rec.Receiver, &rec.Body, &rec.TeamID, &rec.CompanyID, &rec.CampaignID,
		&rec.ServiceType, &rec.SMSType, &rec.Status, &rec.IsCharged, &rec.IdempotencyKey, &rec.Provider,
		&rec.ProviderMessageID, &rec.ErrorMessage, &rec.CallbackURL, &rec.Attempts,
		&rec.CreatedAt, &rec.ProcessedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrMessageNotFound
		}
		return nil, fmt.Errorf("scan message record: %w", err)
	}
	return rec, nil
}

// UpdateStatus writes the transition only while the record is in one of the
// expected states. The WHERE clause is the compare-and-swap: a concurrent
// transition that already moved the record on makes RowsAffected zero.
func (r *pgMessageRepository) UpdateStatus(ctx context.Context, id string, expected []domain.MessageStatus, to domain.MessageStatus, upd repository.StatusUpdate) error {
	now := time.Now().UTC()
	expectedStrs := make([]string, len(expected))
	for i, st := range expected {
		expectedStrs[i] = string(st)
	}

	query := `
		UPDATE message_records
		SET status = $2,
		    provider = COALESCE($3, provider),
		    provider_message_id = COALESCE($4, provider_message_id),
		    error_message = COALESCE($5, error_message),
		    processed_at = COALESCE($6, processed_at),
		    attempts = attempts + $7,
		    updated_at = $8
		WHERE id = $1 AND status = ANY($9)
	`
	tag, err := r.db.Exec(ctx, query,
		id, to, upd.Provider, upd.ProviderMessageID, upd.ErrorMessage,
		upd.ProcessedAt, upd.AttemptsDelta, now, expectedStrs,
	)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrStaleTransition
	}
	return nil
}

func (r *pgMessageRepository) CountForSender(ctx context.Context, sender string, bucketIDs []string) (int64, error) {
	query := `SELECT count(*) FROM message_records WHERE sender = $1 AND bucket_id = ANY($2)`
	var count int64
	if err := r.db.QueryRow(ctx, query, sender, bucketIDs).Scan(&count); err != nil {
		return 0, fmt.Errorf("count for sender: %w", err)
	}
	return count, nil
}

// ListCharged pages records by charge flag using a (created_at, id) keyset
// cursor, so a reconciliation pass never re-reads or skips rows.
func (r *pgMessageRepository) ListCharged(ctx context.Context, isCharged bool, afterCreatedAt time.Time, afterID string, limit int) ([]*domain.MessageRecord, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM message_records
		WHERE is_charged = $1 AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4
	`
	rows, err := r.db.Query(ctx, query, isCharged, afterCreatedAt, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list charged: %w", err)
	}
	defer rows.Close()

	var records []*domain.MessageRecord
	for rows.Next() {
		rec := &domain.MessageRecord{}
		err := rows.Scan(
			&rec.ID, &rec.BucketID, &rec.Sender, &rec.Receiver, &rec.Body, &rec.TeamID, &rec.CompanyID, &rec.CampaignID,
			&rec.ServiceType, &rec.SMSType, &rec.Status, &rec.IsCharged, &rec.IdempotencyKey, &rec.Provider,
			&rec.ProviderMessageID, &rec.ErrorMessage, &rec.CallbackURL, &rec.Attempts,
			&rec.CreatedAt, &rec.ProcessedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan charged record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
