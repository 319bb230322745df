package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aradsms/queue_services/internal/core_domain"
	"github.com/aradsms/queue_services/internal/platform/database"
	"github.com/aradsms/queue_services/internal/queue_service/domain"
)

const activeEntryConstraint = "queue_entries_one_active_per_customer"

// entrySelect projects a queue entry joined with its customer. Every query aliases
// the entry row as e and the customer as c.
const entrySelect = `e.id, e.queue_id, e.customer_id, e.customer_type, e.status, e.sort_key, e.service_name,
	e.consent_version_id, e.created_at, e.updated_at, e.served_at, e.completed_at, e.cancelled_at, e.no_show_at,
	c.display_name, c.phone, c.email`

func scanEntry(row pgx.Row) (*domain.QueueEntry, error) {
	var e domain.QueueEntry
	err := row.Scan(
		&e.ID, &e.QueueID, &e.CustomerID, &e.CustomerType, &e.Status, &e.SortKey, &e.ServiceName,
		&e.ConsentVersionID, &e.CreatedAt, &e.UpdatedAt, &e.ServedAt, &e.CompletedAt, &e.CancelledAt, &e.NoShowAt,
		&e.CustomerName, &e.CustomerPhone, &e.CustomerEmail,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type PgQueueEntryRepository struct {
	logger *slog.Logger
}

func NewPgQueueEntryRepository(logger *slog.Logger) *PgQueueEntryRepository {
	return &PgQueueEntryRepository{logger: logger.With("component", "queue_entry_repository_pg")}
}

var _ domain.QueueEntryRepository = (*PgQueueEntryRepository)(nil)

const insertEntrySQL = `
WITH e AS (
	INSERT INTO queue_entries (id, queue_id, customer_id, customer_type, status, sort_key, service_name,
		consent_version_id, created_at, updated_at)
	SELECT $1, $2, $3, $4, 'waiting', COALESCE(MAX(sort_key), 0) + 1, $5, $6, now(), now()
	FROM queue_entries WHERE queue_id = $2 AND customer_type = $4
	RETURNING *
)
SELECT ` + entrySelect + ` FROM e JOIN customers c ON c.id = e.customer_id`

// Insert computes the next sort key for the entry's class in the same statement.
// A second active entry for the customer fails on the partial unique index.
func (r *PgQueueEntryRepository) Insert(ctx context.Context, q database.Querier, entry *domain.QueueEntry) (*domain.QueueEntry, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	created, err := scanEntry(q.QueryRow(ctx, insertEntrySQL,
		entry.ID, entry.QueueID, entry.CustomerID, string(entry.CustomerType), entry.ServiceName, entry.ConsentVersionID,
	))
	if err != nil {
		if database.IsUniqueViolation(err, activeEntryConstraint) {
			return nil, domain.ErrActiveEntryExists
		}
		return nil, fmt.Errorf("inserting queue entry: %w", err)
	}
	r.logger.InfoContext(ctx, "Queue entry created", "entry_id", created.ID, "queue_id", created.QueueID, "sort_key", created.SortKey)
	return created, nil
}

func (r *PgQueueEntryRepository) GetByID(ctx context.Context, q database.Querier, id uuid.UUID) (*domain.QueueEntry, error) {
	query := `SELECT ` + entrySelect + ` FROM queue_entries e JOIN customers c ON c.id = e.customer_id WHERE e.id = $1`
	entry, err := scanEntry(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("getting queue entry %s: %w", id, err)
	}
	return entry, nil
}

func (r *PgQueueEntryRepository) FindActive(ctx context.Context, q database.Querier, customerID, queueID uuid.UUID) (*domain.QueueEntry, error) {
	query := `SELECT ` + entrySelect + ` FROM queue_entries e JOIN customers c ON c.id = e.customer_id
		WHERE e.customer_id = $1 AND e.queue_id = $2 AND e.status IN ('waiting', 'serving')`
	entry, err := scanEntry(q.QueryRow(ctx, query, customerID, queueID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("finding active entry: %w", err)
	}
	return entry, nil
}

// FindActiveByPhone returns the customer's most recently created active entry across all queues.
func (r *PgQueueEntryRepository) FindActiveByPhone(ctx context.Context, q database.Querier, phone string) (*domain.QueueEntry, error) {
	query := `SELECT ` + entrySelect + ` FROM queue_entries e JOIN customers c ON c.id = e.customer_id
		WHERE c.phone = $1 AND e.status IN ('waiting', 'serving')
		ORDER BY e.created_at DESC LIMIT 1`
	entry, err := scanEntry(q.QueryRow(ctx, query, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("finding active entry by phone: %w", err)
	}
	return entry, nil
}

const headOfLineSQL = `
	SELECT id FROM queue_entries
	WHERE queue_id = $1 AND status = 'waiting'
	ORDER BY array_position($2::text[], customer_type), sort_key, created_at
	LIMIT 1`

const advanceSQL = `
WITH next AS (` + headOfLineSQL + `
	FOR UPDATE
), e AS (
	UPDATE queue_entries q SET status = 'serving', served_at = now(), updated_at = now()
	FROM next
	WHERE q.id = next.id AND q.status = 'waiting'
	RETURNING q.*
)
SELECT ` + entrySelect + ` FROM e JOIN customers c ON c.id = e.customer_id`

// Held until the surrounding transaction ends.
const advanceLockSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`

const anyWaitingSQL = `SELECT EXISTS (SELECT 1 FROM queue_entries WHERE queue_id = $1 AND status = 'waiting')`

// maxAdvanceAttempts bounds re-picks when the locked head stops waiting before we get it.
const maxAdvanceAttempts = 3

// AdvanceNext moves the head of the line to serving. q must be a transaction: advances on
// one queue are serialized by an advisory lock, and the head row is waited for rather than
// skipped, so a row held briefly by an edit is still served in order.
func (r *PgQueueEntryRepository) AdvanceNext(ctx context.Context, q database.Querier, queueID uuid.UUID, order domain.PriorityOrder) (*domain.QueueEntry, error) {
	if _, err := q.Exec(ctx, advanceLockSQL, queueID); err != nil {
		return nil, fmt.Errorf("locking queue %s for advance: %w", queueID, err)
	}
	for attempt := 1; ; attempt++ {
		entry, err := scanEntry(q.QueryRow(ctx, advanceSQL, queueID, order.Strings()))
		if err == nil {
			r.logger.InfoContext(ctx, "Queue advanced", "queue_id", queueID, "entry_id", entry.ID, "customer_type", entry.CustomerType)
			return entry, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("advancing queue %s: %w", queueID, err)
		}

		// No row can also mean the head we waited on was cancelled or moved meanwhile.
		var waiting bool
		if err := q.QueryRow(ctx, anyWaitingSQL, queueID).Scan(&waiting); err != nil {
			return nil, fmt.Errorf("checking queue %s: %w", queueID, err)
		}
		if !waiting {
			return nil, domain.ErrQueueEmpty
		}
		if attempt == maxAdvanceAttempts {
			return nil, fmt.Errorf("advancing queue %s: head changed on %d attempts: %w", queueID, attempt, core_domain.ErrConflict)
		}
		r.logger.InfoContext(ctx, "Queue head changed while advancing; picking again", "queue_id", queueID, "attempt", attempt)
	}
}

// PeekNext returns the current head of the line without locking it.
func (r *PgQueueEntryRepository) PeekNext(ctx context.Context, q database.Querier, queueID uuid.UUID, order domain.PriorityOrder) (*domain.QueueEntry, error) {
	query := `SELECT ` + entrySelect + ` FROM queue_entries e JOIN customers c ON c.id = e.customer_id
		WHERE e.id = (` + headOfLineSQL + `)`
	entry, err := scanEntry(q.QueryRow(ctx, query, queueID, order.Strings()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrQueueEmpty
		}
		return nil, fmt.Errorf("peeking queue %s: %w", queueID, err)
	}
	return entry, nil
}

var timestampColumns = map[string]bool{
	"served_at": true, "completed_at": true, "cancelled_at": true, "no_show_at": true,
}

func transitionSQL(t domain.Transition) (string, error) {
	set := "status = $2, updated_at = now()"
	if t.StampColumn != "" {
		if !timestampColumns[t.StampColumn] {
			return "", fmt.Errorf("transition %s: unknown column %q", t.Name, t.StampColumn)
		}
		set += ", " + t.StampColumn + " = now()"
	}
	if t.ClearColumn != "" {
		if !timestampColumns[t.ClearColumn] {
			return "", fmt.Errorf("transition %s: unknown column %q", t.Name, t.ClearColumn)
		}
		set += ", " + t.ClearColumn + " = NULL"
	}
	return `
WITH e AS (
	UPDATE queue_entries SET ` + set + `
	WHERE id = $1 AND status = ANY($3::text[])
	RETURNING *
)
SELECT ` + entrySelect + ` FROM e JOIN customers c ON c.id = e.customer_id`, nil
}

// ApplyTransition is a compare-and-swap on status. When nothing matches it reports
// either ErrEntryNotFound or a TransitionConflictError carrying the current status.
func (r *PgQueueEntryRepository) ApplyTransition(ctx context.Context, q database.Querier, id uuid.UUID, t domain.Transition) (*domain.QueueEntry, error) {
	query, err := transitionSQL(t)
	if err != nil {
		return nil, err
	}
	entry, err := scanEntry(q.QueryRow(ctx, query, id, string(t.To), t.FromStrings()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.explainMiss(ctx, q, id, t.Name)
		}
		return nil, fmt.Errorf("applying %s to entry %s: %w", t.Name, id, err)
	}
	r.logger.InfoContext(ctx, "Queue entry transitioned", "entry_id", id, "transition", t.Name, "status", entry.Status)
	return entry, nil
}

const moveSQL = `
WITH e AS (
	UPDATE queue_entries q SET
		queue_id = $2,
		sort_key = (SELECT COALESCE(MAX(s.sort_key), 0) + 1 FROM queue_entries s
			WHERE s.queue_id = $2 AND s.customer_type = q.customer_type),
		updated_at = now()
	WHERE q.id = $1 AND q.status = 'waiting'
	RETURNING q.*
)
SELECT ` + entrySelect + ` FROM e JOIN customers c ON c.id = e.customer_id`

// Move relocates a waiting entry to the back of its class in the target queue.
func (r *PgQueueEntryRepository) Move(ctx context.Context, q database.Querier, id, targetQueueID uuid.UUID) (*domain.QueueEntry, error) {
	entry, err := scanEntry(q.QueryRow(ctx, moveSQL, id, targetQueueID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.explainMiss(ctx, q, id, "move")
		}
		if database.IsUniqueViolation(err, activeEntryConstraint) {
			return nil, domain.ErrActiveEntryExists
		}
		return nil, fmt.Errorf("moving entry %s: %w", id, err)
	}
	r.logger.InfoContext(ctx, "Queue entry moved", "entry_id", id, "queue_id", targetQueueID, "sort_key", entry.SortKey)
	return entry, nil
}

// Delete removes the entry regardless of status and returns its final state.
func (r *PgQueueEntryRepository) Delete(ctx context.Context, q database.Querier, id uuid.UUID) (*domain.QueueEntry, error) {
	query := `
WITH e AS (DELETE FROM queue_entries WHERE id = $1 RETURNING *)
SELECT ` + entrySelect + ` FROM e JOIN customers c ON c.id = e.customer_id`
	entry, err := scanEntry(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("deleting entry %s: %w", id, err)
	}
	r.logger.InfoContext(ctx, "Queue entry deleted", "entry_id", id, "last_status", entry.Status)
	return entry, nil
}

const updateDetailsSQL = `
WITH e AS (
	UPDATE queue_entries SET service_name = COALESCE($2, service_name), updated_at = now()
	WHERE id = $1
	RETURNING *
), c AS (
	UPDATE customers SET display_name = COALESCE($3, display_name), email = COALESCE($4, email), updated_at = now()
	WHERE id = (SELECT customer_id FROM e)
	RETURNING id, display_name, phone, email
)
SELECT ` + entrySelect + ` FROM e JOIN c ON c.id = e.customer_id`

// UpdateDetails edits the entry's service and its customer's contact fields together.
func (r *PgQueueEntryRepository) UpdateDetails(ctx context.Context, q database.Querier, id uuid.UUID, patch domain.EntryPatch) (*domain.QueueEntry, error) {
	entry, err := scanEntry(q.QueryRow(ctx, updateDetailsSQL, id, patch.ServiceName, patch.Name, patch.Email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("updating entry %s: %w", id, err)
	}
	return entry, nil
}

func (r *PgQueueEntryRepository) explainMiss(ctx context.Context, q database.Querier, id uuid.UUID, transition string) error {
	var current domain.EntryStatus
	err := q.QueryRow(ctx, `SELECT status FROM queue_entries WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrEntryNotFound
		}
		return fmt.Errorf("reading status of entry %s: %w", id, err)
	}
	r.logger.InfoContext(ctx, "Queue entry transition conflict", "entry_id", id, "transition", transition, "status", current)
	return &domain.TransitionConflictError{EntryID: id, Transition: transition, Current: current}
}
