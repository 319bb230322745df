package domain

import (
	"context"

	"github.com/google/uuid"
)

// RecordStatus tells the caller whether an inbound message still needs its command applied.
type RecordStatus int

const (
	// RecordCreated means msg was stored for the first time.
	RecordCreated RecordStatus = iota
	// RecordPending means the provider id was stored earlier but its command was never applied.
	RecordPending
	// RecordApplied means the provider id was stored and handled earlier; the caller must not act on it again.
	RecordApplied
)

// InboxRepository stores the inbound audit trail.
type InboxRepository interface {
	// Record inserts msg. On a repeated provider id, msg.ID and msg.ReceivedAt are
	// replaced with the stored row's values.
	Record(ctx context.Context, msg *InboxMessage) (RecordStatus, error)
	// MarkApplied flags the message's command as applied.
	MarkApplied(ctx context.Context, id uuid.UUID) error
}
