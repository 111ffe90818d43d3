package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/addissms/gateway/internal/gateway/domain"
	"github.com/addissms/gateway/internal/gateway/repository"
)

func TestPgMessageRepository_Create(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgMessageRepository(mockPool)

	rec := &domain.MessageRecord{
		Sender:         "AddisSMS",
		Receiver:       "+251912345678",
		Body:           "hello",
		TeamID:         "team-1",
		CompanyID:      "company-1",
		ServiceType:    domain.ServiceTypeAPI,
		SMSType:        domain.SMSTypeGSM,
		IdempotencyKey: "key-1",
	}

	mockPool.ExpectExec(`INSERT INTO message_records`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), rec.Sender, rec.Receiver, rec.Body,
			rec.TeamID, rec.CompanyID, rec.CampaignID, rec.ServiceType, rec.SMSType,
			domain.MessageStatusPending, rec.IsCharged, rec.IdempotencyKey, rec.Provider,
			rec.ProviderMessageID, rec.ErrorMessage, rec.CallbackURL, rec.Attempts,
			pgxmock.AnyArg(), rec.ProcessedAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = repo.Create(context.Background(), rec)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, domain.MessageStatusPending, rec.Status)
	assert.NotEmpty(t, rec.BucketID)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgMessageRepository_CreateDuplicateKey(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgMessageRepository(mockPool)

	args := make([]interface{}, 21)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	mockPool.ExpectExec(`INSERT INTO message_records`).
		WithArgs(args...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "message_records_idempotency_key_key"})

	err = repo.Create(context.Background(), &domain.MessageRecord{IdempotencyKey: "dup"})
	assert.ErrorIs(t, err, repository.ErrDuplicateIdempotencyKey)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgMessageRepository_GetByIDNotFound(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgMessageRepository(mockPool)

	mockPool.ExpectQuery(`SELECT .* FROM message_records WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrMessageNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgMessageRepository_UpdateStatusCAS(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgMessageRepository(mockPool)
	provider := "ethio_telecom"
	providerMsgID := "prov-1"

	t.Run("transition applies", func(t *testing.T) {
		mockPool.ExpectExec(`UPDATE message_records`).
			WithArgs("msg-1", domain.MessageStatusSent, &provider, &providerMsgID,
				(*string)(nil), pgxmock.AnyArg(), 1, pgxmock.AnyArg(), []string{"PENDING"}).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		now := time.Now().UTC()
		err := repo.UpdateStatus(context.Background(), "msg-1",
			[]domain.MessageStatus{domain.MessageStatusPending}, domain.MessageStatusSent,
			repository.StatusUpdate{Provider: &provider, ProviderMessageID: &providerMsgID, ProcessedAt: &now, AttemptsDelta: 1})
		assert.NoError(t, err)
	})

	t.Run("stale transition rejected", func(t *testing.T) {
		mockPool.ExpectExec(`UPDATE message_records`).
			WithArgs("msg-1", domain.MessageStatusDelivered, (*string)(nil), (*string)(nil),
				(*string)(nil), (*time.Time)(nil), 0, pgxmock.AnyArg(), []string{"SENT"}).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := repo.UpdateStatus(context.Background(), "msg-1",
			[]domain.MessageStatus{domain.MessageStatusSent}, domain.MessageStatusDelivered,
			repository.StatusUpdate{})
		assert.ErrorIs(t, err, repository.ErrStaleTransition)
	})

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgMessageRepository_CountForSender(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgMessageRepository(mockPool)
	buckets := []string{"T202608281000", "T202608281100"}

	mockPool.ExpectQuery(`SELECT count\(\*\) FROM message_records WHERE sender = \$1 AND bucket_id = ANY\(\$2\)`).
		WithArgs("sender1", buckets).
		WillReturnRows(mockPool.NewRows([]string{"count"}).AddRow(int64(5)))

	count, err := repo.CountForSender(context.Background(), "sender1", buckets)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgMessageRepository_ListCharged(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgMessageRepository(mockPool)

	created := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	rows := mockPool.NewRows([]string{
		"id", "bucket_id", "sender", "receiver", "body", "team_id", "company_id", "campaign_id",
		"service_type", "sms_type", "status", "is_charged", "idempotency_key", "provider",
		"provider_message_id", "error_message", "callback_url", "attempts",
		"created_at", "processed_at", "updated_at",
	}).AddRow(
		"msg-1", "T202608281000", "sender1", "+251912345678", "hi", "team-1", "company-1", (*string)(nil),
		domain.ServiceTypeAPI, domain.SMSTypeGSM, domain.MessageStatusSent, true, "key-1", (*string)(nil),
		(*string)(nil), (*string)(nil), (*string)(nil), 1,
		created, (*time.Time)(nil), created,
	)

	mockPool.ExpectQuery(`SELECT .* FROM message_records\s+WHERE is_charged = \$1 AND \(created_at, id\) > \(\$2, \$3\)`).
		WithArgs(true, time.Time{}, "", 100).
		WillReturnRows(rows)

	records, err := repo.ListCharged(context.Background(), true, time.Time{}, "", 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "msg-1", records[0].ID)
	assert.True(t, records[0].IsCharged)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgMessageRepository_CountForSenderQueryError(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgMessageRepository(mockPool)

	mockPool.ExpectQuery(`SELECT count\(\*\) FROM message_records`).
		WithArgs("sender1", []string{"b1"}).
		WillReturnError(errors.New("connection refused"))

	_, err = repo.CountForSender(context.Background(), "sender1", []string{"b1"})
	assert.Error(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
