package domain

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed set of notifications the queue can emit.
type MessageType string

const (
	MessageTypeConfirm   MessageType = "confirm"
	MessageTypeNext      MessageType = "next"
	MessageTypeServing   MessageType = "serving"
	MessageTypeCancelAck MessageType = "cancel_ack"
	MessageTypeStaff     MessageType = "staff"
)

var allMessageTypes = []MessageType{
	MessageTypeConfirm, MessageTypeNext, MessageTypeServing, MessageTypeCancelAck, MessageTypeStaff,
}

func (t MessageType) Valid() bool {
	for _, mt := range allMessageTypes {
		if mt == t {
			return true
		}
	}
	return false
}

// RequiresConfirmSent reports whether delivery must wait for the entry's confirm message.
func (t MessageType) RequiresConfirmSent() bool {
	switch t {
	case MessageTypeNext, MessageTypeServing:
		return true
	case MessageTypeConfirm, MessageTypeCancelAck, MessageTypeStaff:
		return false
	default:
		return false
	}
}

// DependentTypes lists the types gated on a sent confirm.
func DependentTypes() []string {
	var out []string
	for _, t := range allMessageTypes {
		if t.RequiresConfirmSent() {
			out = append(out, string(t))
		}
	}
	return out
}

// MessageStatus is the delivery state of an outbox row. sent and dead are terminal.
type MessageStatus string

const (
	StatusQueued MessageStatus = "queued"
	StatusSent   MessageStatus = "sent"
	StatusFailed MessageStatus = "failed"
	StatusDead   MessageStatus = "dead"
)

func (s MessageStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusDead
}

func (s MessageStatus) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *MessageStatus) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*s = MessageStatus(v)
	case []byte:
		*s = MessageStatus(v)
	default:
		return fmt.Errorf("cannot scan %T into MessageStatus", value)
	}
	return nil
}

// DeadReason explains why a message will never be retried.
type DeadReason string

const (
	DeadReasonInvalidMessage   DeadReason = "invalid_message"
	DeadReasonOptedOut         DeadReason = "opted_out"
	DeadReasonMaxAttempts      DeadReason = "max_attempts"
	DeadReasonProviderRejected DeadReason = "provider_rejected"
	DeadReasonEntryDeleted     DeadReason = "entry_deleted"
)

// OutboxMessage is one SMS waiting for, or done with, delivery.
type OutboxMessage struct {
	ID                uuid.UUID
	QueueEntryID      *uuid.UUID
	LocationID        *uuid.UUID
	MessageType       MessageType
	ToPhone           string
	Body              string
	Status            MessageStatus
	AttemptCount      int
	NextAttemptAt     *time.Time
	LockedAt          *time.Time
	IdempotencyKey    string
	ProviderMessageID *string
	LastError         *string
	DeadReason        *string
	SentAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// EntryIdempotencyKey is the per-transition key: one notification of each type per entry.
func EntryIdempotencyKey(entryID uuid.UUID, t MessageType) string {
	return fmt.Sprintf("entry:%s:%s", entryID, t)
}

// NewEntryMessage builds a queued notification tied to a queue entry.
func NewEntryMessage(entryID, locationID uuid.UUID, t MessageType, toPhone, body string) *OutboxMessage {
	return &OutboxMessage{
		ID:             uuid.New(),
		QueueEntryID:   &entryID,
		LocationID:     &locationID,
		MessageType:    t,
		ToPhone:        toPhone,
		Body:           body,
		Status:         StatusQueued,
		IdempotencyKey: EntryIdempotencyKey(entryID, t),
	}
}

// NewStaffMessage builds an ad hoc message. requestKey de-duplicates retried staff submissions.
func NewStaffMessage(entryID, locationID uuid.UUID, toPhone, body, requestKey string) *OutboxMessage {
	msg := NewEntryMessage(entryID, locationID, MessageTypeStaff, toPhone, body)
	if requestKey == "" {
		requestKey = msg.ID.String()
	}
	msg.IdempotencyKey = fmt.Sprintf("staff:%s:%s", entryID, requestKey)
	return msg
}
