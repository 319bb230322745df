package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aradsms/queue_services/internal/core_domain"
	outboxdomain "github.com/aradsms/queue_services/internal/outbox_service/domain"
	"github.com/aradsms/queue_services/internal/platform/database"
	"github.com/aradsms/queue_services/internal/platform/messagebroker"
	"github.com/aradsms/queue_services/internal/platform/phone"
	"github.com/aradsms/queue_services/internal/queue_service/domain"
)

const maxStaffMessageLength = 1600

var tracer = otel.Tracer("github.com/aradsms/queue_services/internal/queue_service")

// OutboxWriter records and discards notifications inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, q database.Querier, msg *outboxdomain.OutboxMessage) (bool, error)
	DiscardForEntry(ctx context.Context, q database.Querier, entryID uuid.UUID) (int64, error)
}

// Dispatcher asks the delivery engine to attempt messages right after commit.
type Dispatcher interface {
	Dispatch(ctx context.Context, ids ...uuid.UUID)
}

type JoinRequest struct {
	LocationCode     string
	Name             string
	Email            *string
	Phone            string
	CustomerType     string
	ConsentVersionID uuid.UUID
	ServiceName      *string
}

// EntryEvent is the audit record published for every entry mutation.
type EntryEvent struct {
	EntryID    uuid.UUID `json:"entry_id"`
	QueueID    uuid.UUID `json:"queue_id"`
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// QueueAppService orchestrates queue entry lifecycle changes and their notifications.
type QueueAppService struct {
	db         database.TxBeginner
	entries    domain.QueueEntryRepository
	customers  domain.CustomerRepository
	locations  *locationCache
	consents   domain.ConsentRepository
	outbox     OutboxWriter
	dispatcher Dispatcher
	events     messagebroker.Publisher
	normalizer *phone.Normalizer
	order      domain.PriorityOrder
	templates  *Templates
	logger     *slog.Logger
	now        func() time.Time
}

type QueueAppServiceDeps struct {
	DB         database.TxBeginner
	Entries    domain.QueueEntryRepository
	Customers  domain.CustomerRepository
	Locations  domain.LocationRepository
	Consents   domain.ConsentRepository
	Outbox     OutboxWriter
	Dispatcher Dispatcher
	Events     messagebroker.Publisher
	Normalizer *phone.Normalizer
	Order      domain.PriorityOrder
	Templates  *Templates
	Logger     *slog.Logger
}

func NewQueueAppService(deps QueueAppServiceDeps) *QueueAppService {
	if deps.Templates == nil {
		deps.Templates = MustDefaultTemplates()
	}
	if deps.Order == nil {
		deps.Order = domain.PriorityOrder{domain.CustomerTypePaying, domain.CustomerTypePriorityPass}
	}
	return &QueueAppService{
		db:         deps.DB,
		entries:    deps.Entries,
		customers:  deps.Customers,
		locations:  newLocationCache(deps.Locations),
		consents:   deps.Consents,
		outbox:     deps.Outbox,
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		normalizer: deps.Normalizer,
		order:      deps.Order,
		templates:  deps.Templates,
		logger:     deps.Logger.With("service", "queue_app"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Join places a customer at the back of their class in the location's queue and
// enqueues the confirmation SMS in the same transaction.
func (s *QueueAppService) Join(ctx context.Context, req JoinRequest) (*domain.QueueEntry, error) {
	ctx, span := tracer.Start(ctx, "queue.join", trace.WithAttributes(attribute.String("location.code", req.LocationCode)))
	defer span.End()

	customerType, err := domain.ParseCustomerType(req.CustomerType)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, core_domain.InvalidInputf("name is required")
	}
	e164, err := s.normalizer.Normalize(req.Phone)
	if err != nil {
		return nil, core_domain.InvalidInputf("phone: %v", err)
	}
	loc, err := s.locations.GetByCode(ctx, req.LocationCode)
	if err != nil {
		return nil, err
	}
	active, err := s.consents.IsActive(ctx, req.ConsentVersionID)
	if err != nil {
		if errors.Is(err, domain.ErrConsentNotFound) {
			return nil, core_domain.InvalidInputf("unknown consent version %s", req.ConsentVersionID)
		}
		return nil, err
	}
	if !active {
		return nil, core_domain.InvalidInputf("consent version %s is no longer active", req.ConsentVersionID)
	}

	var (
		entry      *domain.QueueEntry
		customerID uuid.UUID
		dispatch   []uuid.UUID
	)
	err = database.WithTx(ctx, s.db, func(q database.Querier) error {
		customer, err := s.customers.Upsert(ctx, q, e164, name, req.Email)
		if err != nil {
			return err
		}
		customerID = customer.ID
		entry, err = s.entries.Insert(ctx, q, &domain.QueueEntry{
			ID:               uuid.New(),
			QueueID:          loc.ID,
			CustomerID:       customer.ID,
			CustomerType:     customerType,
			ServiceName:      req.ServiceName,
			ConsentVersionID: req.ConsentVersionID,
		})
		if err != nil {
			return err
		}
		id, err := s.enqueueNotification(ctx, q, entry, loc, outboxdomain.MessageTypeConfirm)
		if err != nil {
			return err
		}
		dispatch = appendID(dispatch, id)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrActiveEntryExists) {
			queueJoinsCounter.WithLabelValues(string(customerType), "already_queued").Inc()
			existing, findErr := s.entries.FindActive(ctx, s.db, customerID, loc.ID)
			if findErr != nil {
				return nil, fmt.Errorf("loading existing entry after join conflict: %w", findErr)
			}
			return nil, &domain.JoinConflictError{Existing: existing}
		}
		queueJoinsCounter.WithLabelValues(string(customerType), "error").Inc()
		return nil, err
	}

	queueJoinsCounter.WithLabelValues(string(customerType), "created").Inc()
	s.logger.InfoContext(ctx, "Customer joined queue",
		"entry_id", entry.ID, "location", loc.Code, "customer_type", customerType, "sort_key", entry.SortKey)
	s.afterCommit(ctx, entry, "joined", dispatch)
	return entry, nil
}

// Advance serves the head of the line and tells the new head they are next.
func (s *QueueAppService) Advance(ctx context.Context, locationCode string) (*domain.QueueEntry, error) {
	ctx, span := tracer.Start(ctx, "queue.advance", trace.WithAttributes(attribute.String("location.code", locationCode)))
	defer span.End()

	loc, err := s.locations.GetByCode(ctx, locationCode)
	if err != nil {
		return nil, err
	}

	var (
		served   *domain.QueueEntry
		dispatch []uuid.UUID
	)
	err = database.WithTx(ctx, s.db, func(q database.Querier) error {
		var err error
		served, err = s.entries.AdvanceNext(ctx, q, loc.ID, s.order)
		if err != nil {
			return err
		}
		dispatch, err = s.notifyServing(ctx, q, served, loc)
		return err
	})
	if err != nil {
		s.countTransition("advance", err)
		return nil, err
	}
	s.countTransition("advance", nil)
	s.logger.InfoContext(ctx, "Queue advanced", "entry_id", served.ID, "location", loc.Code, "customer_type", served.CustomerType)
	s.afterCommit(ctx, served, "serving", dispatch)
	return served, nil
}

// SetServing serves a specific waiting entry out of order.
func (s *QueueAppService) SetServing(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	return s.transition(ctx, id, domain.TransitionServe, "serving", s.notifyServing)
}

func (s *QueueAppService) Complete(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	return s.transition(ctx, id, domain.TransitionComplete, "completed", nil)
}

// Cancel is the staff cancellation; it sends no acknowledgement.
func (s *QueueAppService) Cancel(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	return s.transition(ctx, id, domain.TransitionCancel, "cancelled", nil)
}

func (s *QueueAppService) MarkNoShow(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	return s.transition(ctx, id, domain.TransitionNoShow, "no_show", nil)
}

// ReturnToQueue puts a serving entry back to waiting at its original position.
func (s *QueueAppService) ReturnToQueue(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	return s.transition(ctx, id, domain.TransitionReturn, "returned", nil)
}

// CancelLatestForPhone cancels the sender's most recent active entry and acknowledges by SMS.
func (s *QueueAppService) CancelLatestForPhone(ctx context.Context, e164 string) (*domain.QueueEntry, error) {
	current, err := s.entries.FindActiveByPhone(ctx, s.db, e164)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, current.ID, domain.TransitionCancel, "cancelled",
		func(ctx context.Context, q database.Querier, entry *domain.QueueEntry, loc *domain.Location) ([]uuid.UUID, error) {
			id, err := s.enqueueNotification(ctx, q, entry, loc, outboxdomain.MessageTypeCancelAck)
			return appendID(nil, id), err
		})
}

// Move relocates a waiting entry to another location in the same group.
func (s *QueueAppService) Move(ctx context.Context, id uuid.UUID, targetLocationCode string) (*domain.QueueEntry, error) {
	entry, err := s.entries.GetByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	source, err := s.locations.GetByID(ctx, entry.QueueID)
	if err != nil {
		return nil, err
	}
	target, err := s.locations.GetByCode(ctx, targetLocationCode)
	if err != nil {
		return nil, err
	}
	if target.ID == source.ID {
		return nil, core_domain.InvalidInputf("entry is already at %s", target.Code)
	}
	if source.GroupCode == "" || source.GroupCode != target.GroupCode {
		return nil, core_domain.InvalidInputf("cannot move from %s to %s: locations are not in the same group", source.Code, target.Code)
	}

	moved, err := s.entries.Move(ctx, s.db, id, target.ID)
	s.countTransition("move", err)
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, moved, "moved", nil)
	return moved, nil
}

// Delete removes an entry and dead-letters its undelivered messages in the same transaction.
func (s *QueueAppService) Delete(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	var (
		deleted   *domain.QueueEntry
		discarded int64
	)
	err := database.WithTx(ctx, s.db, func(q database.Querier) error {
		var err error
		if discarded, err = s.outbox.DiscardForEntry(ctx, q, id); err != nil {
			return err
		}
		deleted, err = s.entries.Delete(ctx, q, id)
		return err
	})
	s.countTransition("delete", err)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Queue entry deleted", "entry_id", id, "status", deleted.Status, "discarded_messages", discarded)
	s.afterCommit(ctx, deleted, "deleted", nil)
	return deleted, nil
}

// Update edits customer and service details without touching status or position.
func (s *QueueAppService) Update(ctx context.Context, id uuid.UUID, patch domain.EntryPatch) (*domain.QueueEntry, error) {
	if patch.IsEmpty() {
		return nil, core_domain.InvalidInputf("nothing to update")
	}
	if patch.Name != nil {
		trimmed := strings.TrimSpace(*patch.Name)
		if trimmed == "" {
			return nil, core_domain.InvalidInputf("name cannot be empty")
		}
		patch.Name = &trimmed
	}
	updated, err := s.entries.UpdateDetails(ctx, s.db, id, patch)
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, updated, "updated", nil)
	return updated, nil
}

// SendStaffMessage enqueues an ad hoc SMS to an active entry's customer. requestKey
// makes retried submissions idempotent.
func (s *QueueAppService) SendStaffMessage(ctx context.Context, id uuid.UUID, body, requestKey string) (*outboxdomain.OutboxMessage, bool, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, false, core_domain.InvalidInputf("message body is required")
	}
	if utf8.RuneCountInString(body) > maxStaffMessageLength {
		return nil, false, core_domain.InvalidInputf("message body exceeds %d characters", maxStaffMessageLength)
	}
	entry, err := s.entries.GetByID(ctx, s.db, id)
	if err != nil {
		return nil, false, err
	}
	if !entry.Status.IsActive() {
		return nil, false, &domain.TransitionConflictError{EntryID: id, Transition: "message", Current: entry.Status}
	}

	msg := outboxdomain.NewStaffMessage(entry.ID, entry.QueueID, entry.CustomerPhone, body, requestKey)
	created, err := s.outbox.Enqueue(ctx, s.db, msg)
	if err != nil {
		return nil, false, err
	}
	if created && s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, msg.ID)
	}
	return msg, created, nil
}

func (s *QueueAppService) Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	return s.entries.GetByID(ctx, s.db, id)
}

type notifyFunc func(ctx context.Context, q database.Querier, entry *domain.QueueEntry, loc *domain.Location) ([]uuid.UUID, error)

// transition applies a CAS status change and any notifications in one transaction.
func (s *QueueAppService) transition(ctx context.Context, id uuid.UUID, t domain.Transition, event string, notify notifyFunc) (*domain.QueueEntry, error) {
	ctx, span := tracer.Start(ctx, "queue."+t.Name, trace.WithAttributes(attribute.String("entry.id", id.String())))
	defer span.End()

	var (
		entry    *domain.QueueEntry
		dispatch []uuid.UUID
	)
	err := database.WithTx(ctx, s.db, func(q database.Querier) error {
		var err error
		entry, err = s.entries.ApplyTransition(ctx, q, id, t)
		if err != nil {
			return err
		}
		if notify == nil {
			return nil
		}
		loc, err := s.locations.GetByID(ctx, entry.QueueID)
		if err != nil {
			return err
		}
		dispatch, err = notify(ctx, q, entry, loc)
		return err
	})
	s.countTransition(t.Name, err)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Queue entry transitioned", "entry_id", id, "transition", t.Name, "status", entry.Status)
	s.afterCommit(ctx, entry, event, dispatch)
	return entry, nil
}

// notifyServing enqueues "serving" for the served entry and "next" for the new head of line.
func (s *QueueAppService) notifyServing(ctx context.Context, q database.Querier, served *domain.QueueEntry, loc *domain.Location) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	id, err := s.enqueueNotification(ctx, q, served, loc, outboxdomain.MessageTypeServing)
	if err != nil {
		return nil, err
	}
	ids = appendID(ids, id)

	head, err := s.entries.PeekNext(ctx, q, loc.ID, s.order)
	if errors.Is(err, domain.ErrQueueEmpty) {
		return ids, nil
	}
	if err != nil {
		return nil, err
	}
	id, err = s.enqueueNotification(ctx, q, head, loc, outboxdomain.MessageTypeNext)
	if err != nil {
		return nil, err
	}
	return appendID(ids, id), nil
}

// enqueueNotification returns the new message id, or uuid.Nil if one of this type already exists.
func (s *QueueAppService) enqueueNotification(ctx context.Context, q database.Querier, entry *domain.QueueEntry, loc *domain.Location, mt outboxdomain.MessageType) (uuid.UUID, error) {
	data := MessageData{Name: entry.CustomerName, LocationName: loc.Name}
	if entry.ServiceName != nil {
		data.ServiceName = *entry.ServiceName
	}
	body, err := s.templates.Render(mt, data)
	if err != nil {
		return uuid.Nil, err
	}
	msg := outboxdomain.NewEntryMessage(entry.ID, loc.ID, mt, entry.CustomerPhone, body)
	created, err := s.outbox.Enqueue(ctx, q, msg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueueing %s notification: %w", mt, err)
	}
	if !created {
		return uuid.Nil, nil
	}
	return msg.ID, nil
}

func (s *QueueAppService) afterCommit(ctx context.Context, entry *domain.QueueEntry, event string, dispatch []uuid.UUID) {
	if len(dispatch) > 0 && s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, dispatch...)
	}
	if s.events == nil {
		return
	}
	evt := EntryEvent{
		EntryID:    entry.ID,
		QueueID:    entry.QueueID,
		Event:      event,
		Status:     string(entry.Status),
		OccurredAt: s.now(),
	}
	if err := messagebroker.PublishJSON(ctx, s.events, "queue.entry."+event, evt); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish entry event", "entry_id", entry.ID, "event", event, "error", err)
	}
}

func (s *QueueAppService) countTransition(name string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, core_domain.ErrConflict):
		result = "conflict"
	case errors.Is(err, core_domain.ErrNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	queueTransitionsCounter.WithLabelValues(name, result).Inc()
}

func appendID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	if id == uuid.Nil {
		return ids
	}
	return append(ids, id)
}
