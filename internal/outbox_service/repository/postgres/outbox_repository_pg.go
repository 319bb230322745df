package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aradsms/queue_services/internal/outbox_service/domain"
	"github.com/aradsms/queue_services/internal/platform/database"
)

const outboxColumns = `id, queue_entry_id, location_id, message_type, to_phone, body, status, attempt_count,
	next_attempt_at, locked_at, idempotency_key, provider_message_id, last_error, dead_reason, sent_at,
	created_at, updated_at`

func scanOutboxMessage(row pgx.Row) (*domain.OutboxMessage, error) {
	var m domain.OutboxMessage
	err := row.Scan(
		&m.ID, &m.QueueEntryID, &m.LocationID, &m.MessageType, &m.ToPhone, &m.Body, &m.Status, &m.AttemptCount,
		&m.NextAttemptAt, &m.LockedAt, &m.IdempotencyKey, &m.ProviderMessageID, &m.LastError, &m.DeadReason, &m.SentAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectOutboxMessages(rows pgx.Rows) ([]*domain.OutboxMessage, error) {
	defer rows.Close()
	var out []*domain.OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type PgOutboxRepository struct {
	db     database.Querier
	logger *slog.Logger
}

func NewPgOutboxRepository(db database.Querier, logger *slog.Logger) *PgOutboxRepository {
	return &PgOutboxRepository{db: db, logger: logger.With("component", "outbox_repository_pg")}
}

var _ domain.OutboxRepository = (*PgOutboxRepository)(nil)

const enqueueSQL = `
INSERT INTO outbox_messages (id, queue_entry_id, location_id, message_type, to_phone, body, status,
	attempt_count, idempotency_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'queued', 0, $7, now(), now())
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING id`

func (r *PgOutboxRepository) Enqueue(ctx context.Context, q database.Querier, msg *domain.OutboxMessage) (bool, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	var id uuid.UUID
	err := q.QueryRow(ctx, enqueueSQL,
		msg.ID, msg.QueueEntryID, msg.LocationID, string(msg.MessageType), msg.ToPhone, msg.Body, msg.IdempotencyKey,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.DebugContext(ctx, "Outbox message already enqueued", "idempotency_key", msg.IdempotencyKey)
			return false, nil
		}
		return false, fmt.Errorf("enqueueing outbox message %s: %w", msg.IdempotencyKey, err)
	}
	r.logger.InfoContext(ctx, "Outbox message enqueued", "outbox_message_id", id, "message_type", msg.MessageType)
	return true, nil
}

// claimSQL locks up to $1 due messages in one statement. Rows locked by another claimer
// are skipped; expired locks ($2 seconds) are reclaimable. Types in $4 are only eligible
// once their entry's confirm message is sent.
const claimSQL = `
WITH due AS (
	SELECT m.id FROM outbox_messages m
	WHERE m.status IN ('queued', 'failed')
		AND (m.next_attempt_at IS NULL OR m.next_attempt_at <= now())
		AND (m.locked_at IS NULL OR m.locked_at < now() - ($2::int * interval '1 second'))
		AND ($3::uuid IS NULL OR m.id = $3::uuid)
		AND (
			m.queue_entry_id IS NULL
			OR m.message_type <> ALL($4::text[])
			OR EXISTS (
				SELECT 1 FROM outbox_messages c
				WHERE c.queue_entry_id = m.queue_entry_id AND c.message_type = 'confirm' AND c.status = 'sent'
			)
		)
	ORDER BY m.created_at
	LIMIT $1
	FOR UPDATE OF m SKIP LOCKED
)
UPDATE outbox_messages o SET locked_at = now(), updated_at = now()
FROM due
WHERE o.id = due.id
RETURNING o.id, o.queue_entry_id, o.location_id, o.message_type, o.to_phone, o.body, o.status, o.attempt_count,
	o.next_attempt_at, o.locked_at, o.idempotency_key, o.provider_message_id, o.last_error, o.dead_reason, o.sent_at,
	o.created_at, o.updated_at`

func (r *PgOutboxRepository) Claim(ctx context.Context, limit int, lockDuration time.Duration, specificID *uuid.UUID) ([]*domain.OutboxMessage, error) {
	rows, err := r.db.Query(ctx, claimSQL, limit, int(lockDuration/time.Second), specificID, domain.DependentTypes())
	if err != nil {
		return nil, fmt.Errorf("claiming outbox messages: %w", err)
	}
	claimed, err := collectOutboxMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("reading claimed outbox messages: %w", err)
	}
	if len(claimed) > 0 {
		r.logger.InfoContext(ctx, "Claimed outbox messages", "count", len(claimed))
	}
	return claimed, nil
}

func (r *PgOutboxRepository) IsConfirmSent(ctx context.Context, entryID uuid.UUID) (bool, error) {
	var sent bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM outbox_messages WHERE queue_entry_id = $1 AND message_type = 'confirm' AND status = 'sent')`,
		entryID).Scan(&sent)
	if err != nil {
		return false, fmt.Errorf("checking confirm for entry %s: %w", entryID, err)
	}
	return sent, nil
}

func (r *PgOutboxRepository) guardedUpdate(ctx context.Context, op string, id uuid.UUID, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s outbox message %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Outbox claim lost before update", "outbox_message_id", id, "op", op)
		return domain.ErrClaimLost
	}
	return nil
}

func (r *PgOutboxRepository) DeadLetterForEntry(ctx context.Context, q database.Querier, entryID uuid.UUID, reason domain.DeadReason) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE outbox_messages SET status = 'dead', dead_reason = $2, next_attempt_at = NULL,
			locked_at = NULL, updated_at = now()
		WHERE queue_entry_id = $1 AND status IN ('queued', 'failed')`,
		entryID, string(reason))
	if err != nil {
		return 0, fmt.Errorf("dead-lettering messages of entry %s: %w", entryID, err)
	}
	if n := tag.RowsAffected(); n > 0 {
		r.logger.InfoContext(ctx, "Dead-lettered undelivered messages", "queue_entry_id", entryID, "count", n, "reason", reason)
	}
	return tag.RowsAffected(), nil
}

func (r *PgOutboxRepository) MarkSent(ctx context.Context, id uuid.UUID, lockedAt time.Time, attemptCount int, providerMessageID string) error {
	return r.guardedUpdate(ctx, "mark sent", id, `
		UPDATE outbox_messages SET status = 'sent', attempt_count = $3, provider_message_id = $4,
			sent_at = now(), locked_at = NULL, last_error = NULL, updated_at = now()
		WHERE id = $1 AND locked_at = $2`,
		id, lockedAt, attemptCount, providerMessageID)
}

func (r *PgOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, lockedAt time.Time, attemptCount int, nextAttemptAt time.Time, lastError string) error {
	return r.guardedUpdate(ctx, "mark failed", id, `
		UPDATE outbox_messages SET status = 'failed', attempt_count = $3, next_attempt_at = $4,
			last_error = $5, locked_at = NULL, updated_at = now()
		WHERE id = $1 AND locked_at = $2`,
		id, lockedAt, attemptCount, nextAttemptAt, lastError)
}

func (r *PgOutboxRepository) MarkDead(ctx context.Context, id uuid.UUID, lockedAt time.Time, attemptCount int, reason domain.DeadReason, lastError string) error {
	return r.guardedUpdate(ctx, "mark dead", id, `
		UPDATE outbox_messages SET status = 'dead', attempt_count = $3, dead_reason = $4,
			last_error = $5, next_attempt_at = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1 AND locked_at = $2`,
		id, lockedAt, attemptCount, string(reason), lastError)
}

// Requeue releases the lock without consuming an attempt.
func (r *PgOutboxRepository) Requeue(ctx context.Context, id uuid.UUID, lockedAt time.Time, nextAttemptAt time.Time) error {
	return r.guardedUpdate(ctx, "requeue", id, `
		UPDATE outbox_messages SET status = 'queued', next_attempt_at = $3, locked_at = NULL, updated_at = now()
		WHERE id = $1 AND locked_at = $2`,
		id, lockedAt, nextAttemptAt)
}

func (r *PgOutboxRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.OutboxMessage, error) {
	m, err := scanOutboxMessage(r.db.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("getting outbox message %s: %w", id, err)
	}
	return m, nil
}

func (r *PgOutboxRepository) ListByStatus(ctx context.Context, status domain.MessageStatus, limit int) ([]*domain.OutboxMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("listing %s outbox messages: %w", status, err)
	}
	msgs, err := collectOutboxMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("reading %s outbox messages: %w", status, err)
	}
	return msgs, nil
}
