package domain

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/queue_services/internal/core_domain"
)

// EntryStatus is the lifecycle state of a queue entry.
type EntryStatus string

const (
	StatusWaiting   EntryStatus = "waiting"
	StatusServing   EntryStatus = "serving"
	StatusCompleted EntryStatus = "completed"
	StatusCancelled EntryStatus = "cancelled"
	StatusNoShow    EntryStatus = "no_show"
)

// IsActive reports whether the entry still occupies its customer's single active slot.
func (s EntryStatus) IsActive() bool {
	return s == StatusWaiting || s == StatusServing
}

func (s EntryStatus) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *EntryStatus) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*s = EntryStatus(v)
	case []byte:
		*s = EntryStatus(v)
	default:
		return fmt.Errorf("cannot scan %T into EntryStatus", value)
	}
	return nil
}

// CustomerType is the priority class of an entry.
type CustomerType string

const (
	CustomerTypePaying       CustomerType = "paying"
	CustomerTypePriorityPass CustomerType = "priority_pass"
)

func ParseCustomerType(s string) (CustomerType, error) {
	switch ct := CustomerType(strings.ToLower(strings.TrimSpace(s))); ct {
	case CustomerTypePaying, CustomerTypePriorityPass:
		return ct, nil
	default:
		return "", core_domain.InvalidInputf("unknown customer_type %q", s)
	}
}

// QueueEntry is one customer's record in one location's waiting line.
// Customer fields are denormalized from the customers table for notifications.
type QueueEntry struct {
	ID               uuid.UUID
	QueueID          uuid.UUID
	CustomerID       uuid.UUID
	CustomerType     CustomerType
	Status           EntryStatus
	SortKey          int64
	ServiceName      *string
	ConsentVersionID uuid.UUID
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ServedAt         *time.Time
	CompletedAt      *time.Time
	CancelledAt      *time.Time
	NoShowAt         *time.Time

	CustomerName  string
	CustomerPhone string
	CustomerEmail *string
}

// Customer is identified by its E.164 phone number.
type Customer struct {
	ID          uuid.UUID
	Phone       string
	DisplayName string
	Email       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Location is a physical site with exactly one queue; QueueID equals ID.
type Location struct {
	ID        uuid.UUID
	Code      string
	Name      string
	GroupCode string
}

// EntryPatch carries editable customer and service fields. Nil means unchanged.
type EntryPatch struct {
	Name        *string
	Email       *string
	ServiceName *string
}

func (p EntryPatch) IsEmpty() bool {
	return p.Name == nil && p.Email == nil && p.ServiceName == nil
}
