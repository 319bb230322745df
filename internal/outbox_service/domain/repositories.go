package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/queue_services/internal/core_domain"
	"github.com/aradsms/queue_services/internal/platform/database"
)

var (
	ErrMessageNotFound = fmt.Errorf("outbox message %w", core_domain.ErrNotFound)
	// ErrClaimLost means the row's lock changed since it was claimed; the update was not applied.
	ErrClaimLost = fmt.Errorf("outbox claim lost: %w", core_domain.ErrConflict)
)

// OutboxRepository persists outbox rows. Every post-claim update is guarded by the
// locked_at value returned from Claim.
type OutboxRepository interface {
	// Enqueue inserts msg unless its idempotency key exists; created reports which happened.
	Enqueue(ctx context.Context, q database.Querier, msg *OutboxMessage) (created bool, err error)
	Claim(ctx context.Context, limit int, lockDuration time.Duration, specificID *uuid.UUID) ([]*OutboxMessage, error)
	IsConfirmSent(ctx context.Context, entryID uuid.UUID) (bool, error)
	MarkSent(ctx context.Context, id uuid.UUID, lockedAt time.Time, attemptCount int, providerMessageID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, lockedAt time.Time, attemptCount int, nextAttemptAt time.Time, lastError string) error
	MarkDead(ctx context.Context, id uuid.UUID, lockedAt time.Time, attemptCount int, reason DeadReason, lastError string) error
	Requeue(ctx context.Context, id uuid.UUID, lockedAt time.Time, nextAttemptAt time.Time) error
	// DeadLetterForEntry dead-letters every undelivered message of an entry inside q and
	// releases their locks, so an in-flight worker loses its claim.
	DeadLetterForEntry(ctx context.Context, q database.Querier, entryID uuid.UUID, reason DeadReason) (int64, error)
	GetByID(ctx context.Context, id uuid.UUID) (*OutboxMessage, error)
	ListByStatus(ctx context.Context, status MessageStatus, limit int) ([]*OutboxMessage, error)
}

// OptOutRepository is the set of phones that replied STOP.
type OptOutRepository interface {
	Add(ctx context.Context, phone, source string) error
	Remove(ctx context.Context, phone string) (removed bool, err error)
	IsOptedOut(ctx context.Context, phone string) (bool, error)
}
