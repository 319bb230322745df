package domain

import (
	"context"

	"github.com/google/uuid"

	"github.com/aradsms/queue_services/internal/platform/database"
)

// QueueEntryRepository performs every entry mutation as a single atomic statement.
// Methods take a Querier so callers can compose them with outbox writes in one transaction.
type QueueEntryRepository interface {
	Insert(ctx context.Context, q database.Querier, entry *QueueEntry) (*QueueEntry, error)
	GetByID(ctx context.Context, q database.Querier, id uuid.UUID) (*QueueEntry, error)
	FindActive(ctx context.Context, q database.Querier, customerID, queueID uuid.UUID) (*QueueEntry, error)
	FindActiveByPhone(ctx context.Context, q database.Querier, phone string) (*QueueEntry, error)
	AdvanceNext(ctx context.Context, q database.Querier, queueID uuid.UUID, order PriorityOrder) (*QueueEntry, error)
	PeekNext(ctx context.Context, q database.Querier, queueID uuid.UUID, order PriorityOrder) (*QueueEntry, error)
	ApplyTransition(ctx context.Context, q database.Querier, id uuid.UUID, t Transition) (*QueueEntry, error)
	Move(ctx context.Context, q database.Querier, id, targetQueueID uuid.UUID) (*QueueEntry, error)
	Delete(ctx context.Context, q database.Querier, id uuid.UUID) (*QueueEntry, error)
	UpdateDetails(ctx context.Context, q database.Querier, id uuid.UUID, patch EntryPatch) (*QueueEntry, error)
}

type CustomerRepository interface {
	// Upsert creates the customer for phone or refreshes the existing one's details.
	Upsert(ctx context.Context, q database.Querier, phone, displayName string, email *string) (*Customer, error)
}

type LocationRepository interface {
	GetByCode(ctx context.Context, code string) (*Location, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Location, error)
}

type ConsentRepository interface {
	// IsActive returns ErrConsentNotFound for unknown ids.
	IsActive(ctx context.Context, id uuid.UUID) (bool, error)
}
