package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aradsms/queue_services/internal/inbound_processor_service/domain"
	"github.com/aradsms/queue_services/internal/platform/database"
)

type PgInboxRepository struct {
	db     database.Querier
	logger *slog.Logger
}

// NewPgInboxRepository creates a new PostgreSQL implementation of InboxRepository.
func NewPgInboxRepository(db database.Querier, logger *slog.Logger) *PgInboxRepository {
	return &PgInboxRepository{
		db:     db,
		logger: logger.With("component", "inbox_repository_pg"),
	}
}

var _ domain.InboxRepository = (*PgInboxRepository)(nil)

// Messages without a provider id never conflict, since NULLs are distinct in the unique constraint.
// Replies that carry no command have nothing to apply and are stored as applied.
const recordInboxSQL = `
	INSERT INTO inbox_messages (
		id, provider_message_id, from_phone, from_phone_raw, to_phone, body, command, received_at, applied_at
	) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, CASE WHEN $7 = '' THEN $8::timestamptz END)
	ON CONFLICT (provider_message_id) DO NOTHING
	RETURNING id`

const storedInboxSQL = `
	SELECT id, received_at, applied_at IS NOT NULL
	FROM inbox_messages
	WHERE provider_message_id = $1`

func (r *PgInboxRepository) Record(ctx context.Context, msg *domain.InboxMessage) (domain.RecordStatus, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, recordInboxSQL,
		msg.ID,
		msg.ProviderMessageID,
		msg.FromPhone,
		msg.FromPhoneRaw,
		msg.ToPhone,
		msg.Body,
		string(msg.Command),
		msg.ReceivedAt,
	).Scan(&id)
	if err == nil {
		return domain.RecordCreated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		r.logger.ErrorContext(ctx, "Error inserting inbox message", "error", err, "inbox_message_id", msg.ID)
		return domain.RecordCreated, fmt.Errorf("recording inbox message: %w", err)
	}

	var applied bool
	err = r.db.QueryRow(ctx, storedInboxSQL, *msg.ProviderMessageID).Scan(&msg.ID, &msg.ReceivedAt, &applied)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error loading stored inbox message", "error", err, "provider_message_id", *msg.ProviderMessageID)
		return domain.RecordCreated, fmt.Errorf("loading stored inbox message: %w", err)
	}
	if applied {
		r.logger.InfoContext(ctx, "Duplicate inbound message ignored", "provider_message_id", *msg.ProviderMessageID)
		return domain.RecordApplied, nil
	}
	r.logger.InfoContext(ctx, "Redelivered inbound message was never applied", "provider_message_id", *msg.ProviderMessageID, "inbox_message_id", msg.ID)
	return domain.RecordPending, nil
}

func (r *PgInboxRepository) MarkApplied(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE inbox_messages SET applied_at = now() WHERE id = $1 AND applied_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("marking inbox message %s applied: %w", id, err)
	}
	return nil
}
