package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/queue_services/internal/inbound_processor_service/domain"
)

func newInboxRepo(t *testing.T) (*PgInboxRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return NewPgInboxRepository(mockPool, slog.New(slog.NewTextHandler(io.Discard, nil))), mockPool
}

func TestPgInboxRepository_Record(t *testing.T) {
	ctx := context.Background()
	receivedAt := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	sms := domain.InboundSMS{MessageSid: "SM123", From: "(555) 123-4567", To: "+15550001111", Body: " Stop "}

	t.Run("Inserted", func(t *testing.T) {
		repo, mockPool := newInboxRepo(t)
		msg := domain.NewInboxMessage(sms, "+15551234567", receivedAt)

		mockPool.ExpectQuery(`INSERT INTO inbox_messages .* ON CONFLICT \(provider_message_id\) DO NOTHING RETURNING id`).
			WithArgs(msg.ID, msg.ProviderMessageID, "+15551234567", "(555) 123-4567", "+15550001111", " Stop ", "STOP", receivedAt).
			WillReturnRows(mockPool.NewRows([]string{"id"}).AddRow(msg.ID))

		status, err := repo.Record(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, domain.RecordCreated, status)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("DuplicateSidAlreadyApplied", func(t *testing.T) {
		repo, mockPool := newInboxRepo(t)
		msg := domain.NewInboxMessage(sms, "+15551234567", receivedAt)
		storedID := uuid.New()
		storedAt := receivedAt.Add(-time.Minute)

		mockPool.ExpectQuery(`INSERT INTO inbox_messages`).
			WithArgs(msg.ID, msg.ProviderMessageID, "+15551234567", "(555) 123-4567", "+15550001111", " Stop ", "STOP", receivedAt).
			WillReturnError(pgx.ErrNoRows)
		mockPool.ExpectQuery(`SELECT id, received_at, applied_at IS NOT NULL FROM inbox_messages WHERE provider_message_id = \$1`).
			WithArgs("SM123").
			WillReturnRows(mockPool.NewRows([]string{"id", "received_at", "applied"}).AddRow(storedID, storedAt, true))

		status, err := repo.Record(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, domain.RecordApplied, status)
		assert.Equal(t, storedID, msg.ID)
		assert.Equal(t, storedAt, msg.ReceivedAt)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("DuplicateSidNeverApplied", func(t *testing.T) {
		repo, mockPool := newInboxRepo(t)
		msg := domain.NewInboxMessage(sms, "+15551234567", receivedAt)
		storedID := uuid.New()

		mockPool.ExpectQuery(`INSERT INTO inbox_messages`).
			WithArgs(msg.ID, msg.ProviderMessageID, "+15551234567", "(555) 123-4567", "+15550001111", " Stop ", "STOP", receivedAt).
			WillReturnError(pgx.ErrNoRows)
		mockPool.ExpectQuery(`SELECT id, received_at, applied_at IS NOT NULL FROM inbox_messages`).
			WithArgs("SM123").
			WillReturnRows(mockPool.NewRows([]string{"id", "received_at", "applied"}).AddRow(storedID, receivedAt, false))

		status, err := repo.Record(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, domain.RecordPending, status)
		assert.Equal(t, storedID, msg.ID)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("NonCommandStoresEmptyCommand", func(t *testing.T) {
		repo, mockPool := newInboxRepo(t)
		chat := sms
		chat.Body = "running late, 10 min"
		msg := domain.NewInboxMessage(chat, "+15551234567", receivedAt)

		mockPool.ExpectQuery(`INSERT INTO inbox_messages`).
			WithArgs(msg.ID, msg.ProviderMessageID, "+15551234567", "(555) 123-4567", "+15550001111", "running late, 10 min", "", receivedAt).
			WillReturnRows(mockPool.NewRows([]string{"id"}).AddRow(msg.ID))

		status, err := repo.Record(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, domain.RecordCreated, status)
	})

	t.Run("DatabaseError", func(t *testing.T) {
		repo, mockPool := newInboxRepo(t)
		msg := domain.NewInboxMessage(sms, "+15551234567", receivedAt)
		dbErr := errors.New("connection reset")

		mockPool.ExpectQuery(`INSERT INTO inbox_messages`).
			WithArgs(msg.ID, msg.ProviderMessageID, "+15551234567", "(555) 123-4567", "+15550001111", " Stop ", "STOP", receivedAt).
			WillReturnError(dbErr)

		_, err := repo.Record(ctx, msg)
		assert.ErrorIs(t, err, dbErr)
	})
}

func TestPgInboxRepository_MarkApplied(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	t.Run("Success", func(t *testing.T) {
		repo, mockPool := newInboxRepo(t)
		mockPool.ExpectExec(`UPDATE inbox_messages SET applied_at = now\(\) WHERE id = \$1 AND applied_at IS NULL`).
			WithArgs(id).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, repo.MarkApplied(ctx, id))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("DatabaseError", func(t *testing.T) {
		repo, mockPool := newInboxRepo(t)
		dbErr := errors.New("connection reset")
		mockPool.ExpectExec(`UPDATE inbox_messages`).WithArgs(id).WillReturnError(dbErr)

		assert.ErrorIs(t, repo.MarkApplied(ctx, id), dbErr)
	})
}
