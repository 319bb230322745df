package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/aradsms/queue_services/internal/platform/messagebroker"
)

const (
	DispatchSubject    = "outbox.dispatch"
	DispatchQueueGroup = "outbox_workers"

	dispatchTimeout = 2 * time.Minute
)

// DispatchPayload asks a worker to attempt one outbox message immediately.
type DispatchPayload struct {
	OutboxMessageID string `json:"outbox_message_id"`
}

// Dispatcher triggers an immediate send after enqueueing commits. Losing a dispatch
// is harmless: the periodic sweep picks the message up.
type Dispatcher interface {
	Dispatch(ctx context.Context, ids ...uuid.UUID)
}

var (
	_ Dispatcher = (*NatsDispatcher)(nil)
	_ Dispatcher = (*InlineDispatcher)(nil)
)

type messageProcessor interface {
	ProcessNow(ctx context.Context, id uuid.UUID) (Outcome, error)
}

// NatsDispatcher publishes dispatch requests for the worker pool.
type NatsDispatcher struct {
	publisher messagebroker.Publisher
	logger    *slog.Logger
}

func NewNatsDispatcher(publisher messagebroker.Publisher, logger *slog.Logger) *NatsDispatcher {
	return &NatsDispatcher{publisher: publisher, logger: logger.With("component", "nats_dispatcher")}
}

func (d *NatsDispatcher) Dispatch(ctx context.Context, ids ...uuid.UUID) {
	for _, id := range ids {
		if err := messagebroker.PublishJSON(ctx, d.publisher, DispatchSubject, DispatchPayload{OutboxMessageID: id.String()}); err != nil {
			d.logger.WarnContext(ctx, "Failed to publish outbox dispatch; sweep will retry", "outbox_message_id", id, "error", err)
		}
	}
}

// InlineDispatcher sends in background goroutines of this process.
type InlineDispatcher struct {
	processor messageProcessor
	logger    *slog.Logger
	wg        sync.WaitGroup
}

func NewInlineDispatcher(processor messageProcessor, logger *slog.Logger) *InlineDispatcher {
	return &InlineDispatcher{processor: processor, logger: logger.With("component", "inline_dispatcher")}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, ids ...uuid.UUID) {
	for _, id := range ids {
		d.wg.Add(1)
		go func(id uuid.UUID) {
			defer d.wg.Done()
			// A claimed send runs to completion even if the request that triggered it ends.
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
			defer cancel()
			if _, err := d.processor.ProcessNow(sendCtx, id); err != nil {
				d.logger.ErrorContext(sendCtx, "Inline dispatch failed", "outbox_message_id", id, "error", err)
			}
		}(id)
	}
}

// Wait blocks until every in-flight inline send finishes.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

type dispatchSubscriber interface {
	Subscribe(ctx context.Context, subject, queueGroup string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// StartConsumingDispatches processes dispatch requests from NATS until ctx is cancelled.
func (s *DeliveryAppService) StartConsumingDispatches(ctx context.Context, sub dispatchSubscriber) error {
	handler := func(msg *nats.Msg) {
		natsDispatchReceivedCounter.WithLabelValues(msg.Subject).Inc()
		s.handleDispatch(ctx, msg.Data)
	}
	if _, err := sub.Subscribe(ctx, DispatchSubject, DispatchQueueGroup, handler); err != nil {
		return fmt.Errorf("subscribing to outbox dispatches: %w", err)
	}
	return nil
}

func (s *DeliveryAppService) handleDispatch(ctx context.Context, data []byte) {
	var payload DispatchPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Error("Failed to unmarshal dispatch payload", "error", err)
		return
	}
	id, err := uuid.Parse(payload.OutboxMessageID)
	if err != nil {
		s.logger.Error("Dispatch payload has invalid id", "outbox_message_id", payload.OutboxMessageID)
		return
	}
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()
	if _, err := s.ProcessNow(jobCtx, id); err != nil {
		s.logger.ErrorContext(jobCtx, "Failed to process dispatched message", "outbox_message_id", id, "error", err)
	}
}
