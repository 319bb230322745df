package domain

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/aradsms/queue_services/internal/core_domain"
)

var (
	ErrEntryNotFound    = fmt.Errorf("queue entry %w", core_domain.ErrNotFound)
	ErrLocationNotFound = fmt.Errorf("location %w", core_domain.ErrNotFound)
	ErrConsentNotFound  = fmt.Errorf("consent version %w", core_domain.ErrNotFound)
	ErrQueueEmpty       = fmt.Errorf("no waiting entries: %w", core_domain.ErrNotFound)
	// ErrActiveEntryExists is returned by inserts and moves that hit the one-active-entry index.
	ErrActiveEntryExists = fmt.Errorf("customer already has an active entry: %w", core_domain.ErrConflict)
)

// TransitionConflictError reports that an entry was not in a state the transition accepts.
type TransitionConflictError struct {
	EntryID    uuid.UUID
	Transition string
	Current    EntryStatus
}

func (e *TransitionConflictError) Error() string {
	return fmt.Sprintf("cannot %s entry %s: status is %s", e.Transition, e.EntryID, e.Current)
}

func (e *TransitionConflictError) Unwrap() error { return core_domain.ErrConflict }

// JoinConflictError is returned when the customer is already queued; Existing is that entry.
type JoinConflictError struct {
	Existing *QueueEntry
}

func (e *JoinConflictError) Error() string {
	return fmt.Sprintf("customer already queued as entry %s (%s)", e.Existing.ID, e.Existing.Status)
}

func (e *JoinConflictError) Unwrap() error { return core_domain.ErrConflict }
