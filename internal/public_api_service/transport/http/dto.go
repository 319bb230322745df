package http

import (
	"time"

	"github.com/google/uuid"

	outboxdomain "github.com/aradsms/queue_services/internal/outbox_service/domain"
	"github.com/aradsms/queue_services/internal/queue_service/domain"
)

// JoinEntryRequest is the public join form submitted after scanning a location's QR code.
type JoinEntryRequest struct {
	Name             string  `json:"name" validate:"required,max=120"`
	Email            *string `json:"email,omitempty" validate:"omitempty,email,max=254"`
	Phone            string  `json:"phone" validate:"required,min=7,max=32"`
	CustomerType     string  `json:"customer_type" validate:"required,oneof=paying priority_pass"`
	ConsentVersionID string  `json:"consent_version_id" validate:"required,uuid"`
	ServiceName      *string `json:"service_name,omitempty" validate:"omitempty,max=120"`
}

type MoveEntryRequest struct {
	TargetLocationCode string `json:"target_location_code" validate:"required,max=64"`
}

// UpdateEntryRequest edits customer and service details; omitted fields are unchanged.
type UpdateEntryRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	Email       *string `json:"email,omitempty" validate:"omitempty,email,max=254"`
	ServiceName *string `json:"service_name,omitempty" validate:"omitempty,max=120"`
}

type StaffMessageRequest struct {
	Body string `json:"body" validate:"required,max=1600"`
}

// EntryResponse is the live state of a queue entry.
type EntryResponse struct {
	ID            uuid.UUID  `json:"id"`
	QueueID       uuid.UUID  `json:"queue_id"`
	Status        string     `json:"status"`
	CustomerType  string     `json:"customer_type"`
	CustomerName  string     `json:"customer_name,omitempty"`
	ServiceName   *string    `json:"service_name,omitempty"`
	SortKey       int64      `json:"sort_key"`
	CreatedAt     time.Time  `json:"created_at"`
	ServedAt      *time.Time `json:"served_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	NoShowAt      *time.Time `json:"no_show_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
	AlreadyQueued bool       `json:"already_queued,omitempty"`
}

func toEntryResponse(e *domain.QueueEntry) EntryResponse {
	return EntryResponse{
		ID:           e.ID,
		QueueID:      e.QueueID,
		Status:       string(e.Status),
		CustomerType: string(e.CustomerType),
		CustomerName: e.CustomerName,
		ServiceName:  e.ServiceName,
		SortKey:      e.SortKey,
		CreatedAt:    e.CreatedAt,
		ServedAt:     e.ServedAt,
		CompletedAt:  e.CompletedAt,
		CancelledAt:  e.CancelledAt,
		NoShowAt:     e.NoShowAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

// OutboxMessageResponse is the operator view of an outbox row.
type OutboxMessageResponse struct {
	ID                uuid.UUID  `json:"id"`
	QueueEntryID      *uuid.UUID `json:"queue_entry_id,omitempty"`
	LocationID        *uuid.UUID `json:"location_id,omitempty"`
	MessageType       string     `json:"message_type"`
	Status            string     `json:"status"`
	AttemptCount      int        `json:"attempt_count"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	DeadReason        *string    `json:"dead_reason,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func toOutboxMessageResponse(m *outboxdomain.OutboxMessage) OutboxMessageResponse {
	return OutboxMessageResponse{
		ID:                m.ID,
		QueueEntryID:      m.QueueEntryID,
		LocationID:        m.LocationID,
		MessageType:       string(m.MessageType),
		Status:            string(m.Status),
		AttemptCount:      m.AttemptCount,
		NextAttemptAt:     m.NextAttemptAt,
		ProviderMessageID: m.ProviderMessageID,
		LastError:         m.LastError,
		DeadReason:        m.DeadReason,
		SentAt:            m.SentAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

type StaffMessageResponse struct {
	MessageID uuid.UUID `json:"message_id"`
	Status    string    `json:"status"`
	Created   bool      `json:"created"`
}

// GenericErrorResponse for API errors
type GenericErrorResponse struct {
	Error         string `json:"error"`
	Details       string `json:"details,omitempty"`
	CurrentStatus string `json:"current_status,omitempty"`
}
