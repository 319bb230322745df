package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aradsms/queue_services/internal/outbox_service/domain"
	"github.com/aradsms/queue_services/internal/outbox_service/provider"
	"github.com/aradsms/queue_services/internal/platform/database"
	rldomain "github.com/aradsms/queue_services/internal/ratelimit_service/domain"
	ratelimit "github.com/aradsms/queue_services/internal/ratelimit_service/app"
)

const (
	sendRateLimitAction = "sms_send"
	// confirmRecheckDelay is how long a dependent message waits before its next claim
	// when the entry's confirm has not been sent yet.
	confirmRecheckDelay = 15 * time.Second
	// transientCheckDelay applies when a pre-send lookup itself fails.
	transientCheckDelay = 30 * time.Second
	providerTimeout     = 30 * time.Second
)

var tracer = otel.Tracer("github.com/aradsms/queue_services/internal/outbox_service")

// Outcome is what a single send attempt did to the row.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeFailed     Outcome = "failed"
	OutcomeDead       Outcome = "dead"
	OutcomeRequeued   Outcome = "requeued"
	OutcomeNotClaimed Outcome = "not_claimed"
)

// RateChecker is satisfied by the rate limiter.
type RateChecker interface {
	Check(ctx context.Context, policy rldomain.Policy, rules ...rldomain.Rule) (rldomain.Decision, error)
}

type DeliveryConfig struct {
	MaxAttempts      int
	Backoff          domain.Backoff
	LockDuration     time.Duration
	BatchSize        int
	PhoneDailyCap    int
	LocationDailyCap int
}

func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxAttempts:      8,
		Backoff:          domain.DefaultBackoff,
		LockDuration:     5 * time.Minute,
		BatchSize:        50,
		PhoneDailyCap:    20,
		LocationDailyCap: 2000,
	}
}

// SweepResult counts outcomes of one sweep.
type SweepResult struct {
	Claimed  int `json:"claimed"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Dead     int `json:"dead"`
	Requeued int `json:"requeued"`
	Errors   int `json:"errors"`
}

func (r *SweepResult) add(o Outcome) {
	switch o {
	case OutcomeSent:
		r.Sent++
	case OutcomeFailed:
		r.Failed++
	case OutcomeDead:
		r.Dead++
	case OutcomeRequeued:
		r.Requeued++
	}
}

// DeliveryAppService claims outbox rows and drives each one through a single send attempt.
type DeliveryAppService struct {
	outboxRepo domain.OutboxRepository
	optOutRepo domain.OptOutRepository
	sender     provider.SMSSenderProvider
	limiter    RateChecker
	cfg        DeliveryConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewDeliveryAppService(
	outboxRepo domain.OutboxRepository,
	optOutRepo domain.OptOutRepository,
	sender provider.SMSSenderProvider,
	limiter RateChecker,
	cfg DeliveryConfig,
	logger *slog.Logger,
) *DeliveryAppService {
	return &DeliveryAppService{
		outboxRepo: outboxRepo,
		optOutRepo: optOutRepo,
		sender:     sender,
		limiter:    limiter,
		cfg:        cfg,
		logger:     logger.With("service", "outbox_delivery_app"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue records msg inside the caller's transaction. Re-enqueueing an existing
// idempotency key is a no-op.
func (s *DeliveryAppService) Enqueue(ctx context.Context, q database.Querier, msg *domain.OutboxMessage) (bool, error) {
	if !msg.MessageType.Valid() {
		return false, fmt.Errorf("unknown message type %q", msg.MessageType)
	}
	created, err := s.outboxRepo.Enqueue(ctx, q, msg)
	if err != nil {
		return false, err
	}
	outboxEnqueuedCounter.WithLabelValues(string(msg.MessageType), strconv.FormatBool(created)).Inc()
	return created, nil
}

// DiscardForEntry dead-letters the undelivered messages of an entry that is being
// removed, inside the caller's transaction.
func (s *DeliveryAppService) DiscardForEntry(ctx context.Context, q database.Querier, entryID uuid.UUID) (int64, error) {
	n, err := s.outboxRepo.DeadLetterForEntry(ctx, q, entryID, domain.DeadReasonEntryDeleted)
	if err != nil {
		return 0, err
	}
	outboxSendOutcomeCounter.WithLabelValues("any", "discarded").Add(float64(n))
	return n, nil
}

// Claim locks up to limit eligible messages for this worker.
func (s *DeliveryAppService) Claim(ctx context.Context, limit int, specificID *uuid.UUID) ([]*domain.OutboxMessage, error) {
	ctx, span := tracer.Start(ctx, "outbox.claim", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	msgs, err := s.outboxRepo.Claim(ctx, limit, s.cfg.LockDuration, specificID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return nil, err
	}
	outboxClaimedCounter.Add(float64(len(msgs)))
	span.SetAttributes(attribute.Int("claimed", len(msgs)))
	return msgs, nil
}

// Send performs one delivery attempt for a claimed message and records the result.
func (s *DeliveryAppService) Send(ctx context.Context, msg *domain.OutboxMessage) (outcome Outcome, err error) {
	ctx, span := tracer.Start(ctx, "outbox.send", trace.WithAttributes(
		attribute.String("outbox.message_id", msg.ID.String()),
		attribute.String("outbox.message_type", string(msg.MessageType)),
	))
	defer func() {
		span.SetAttributes(attribute.String("outbox.outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			outboxSendOutcomeCounter.WithLabelValues(string(msg.MessageType), string(outcome)).Inc()
		}
		span.End()
	}()

	if msg.LockedAt == nil {
		return "", fmt.Errorf("outbox message %s was not claimed", msg.ID)
	}
	lockedAt := *msg.LockedAt
	logger := s.logger.With("outbox_message_id", msg.ID, "message_type", msg.MessageType)

	if msg.Body == "" || msg.ToPhone == "" {
		logger.WarnContext(ctx, "Outbox message missing body or recipient; dead-lettering")
		return s.markDead(ctx, msg, lockedAt, msg.AttemptCount, domain.DeadReasonInvalidMessage, "missing body or recipient")
	}

	if msg.MessageType.RequiresConfirmSent() && msg.QueueEntryID != nil {
		sent, err := s.outboxRepo.IsConfirmSent(ctx, *msg.QueueEntryID)
		if err != nil {
			return s.requeueAfterError(ctx, msg, lockedAt, err)
		}
		if !sent {
			logger.InfoContext(ctx, "Confirm not yet sent; deferring dependent message")
			return s.requeue(ctx, msg, lockedAt, s.now().Add(confirmRecheckDelay))
		}
	}

	optedOut, err := s.optOutRepo.IsOptedOut(ctx, msg.ToPhone)
	if err != nil {
		return s.requeueAfterError(ctx, msg, lockedAt, err)
	}
	if optedOut {
		logger.InfoContext(ctx, "Recipient opted out; dead-lettering")
		return s.markDead(ctx, msg, lockedAt, msg.AttemptCount, domain.DeadReasonOptedOut, "recipient opted out")
	}

	rules := []rldomain.Rule{ratelimit.ByPhone(sendRateLimitAction, msg.ToPhone, s.cfg.PhoneDailyCap, ratelimit.Day)}
	if msg.LocationID != nil {
		rules = append(rules, ratelimit.ByLocation(sendRateLimitAction, msg.LocationID.String(), s.cfg.LocationDailyCap, ratelimit.Day))
	}
	decision, err := s.limiter.Check(ctx, rldomain.FailClosed, rules...)
	if err != nil {
		return s.requeueAfterError(ctx, msg, lockedAt, err)
	}
	if !decision.Allowed {
		logger.InfoContext(ctx, "Send rate limited; requeueing without consuming an attempt", "retry_after", decision.RetryAfter)
		return s.requeue(ctx, msg, lockedAt, s.now().Add(decision.RetryAfter))
	}

	attempt := msg.AttemptCount + 1
	resp, sendErr := s.callProvider(ctx, msg)
	if sendErr != nil {
		if pe, ok := provider.AsPermanent(sendErr); ok {
			if pe.OptOut {
				if err := s.optOutRepo.Add(ctx, msg.ToPhone, "provider"); err != nil {
					logger.ErrorContext(ctx, "Failed to record provider opt-out", "error", err)
				}
			}
			return s.markDead(ctx, msg, lockedAt, attempt, domain.DeadReasonProviderRejected, pe.Error())
		}
		if attempt >= s.cfg.MaxAttempts {
			logger.WarnContext(ctx, "Outbox message exhausted retries", "attempt", attempt, "error", sendErr)
			return s.markDead(ctx, msg, lockedAt, attempt, domain.DeadReasonMaxAttempts, sendErr.Error())
		}
		next := s.now().Add(s.cfg.Backoff.Delay(attempt))
		logger.WarnContext(ctx, "Provider send failed; scheduling retry", "attempt", attempt, "next_attempt_at", next, "error", sendErr)
		if err := s.outboxRepo.MarkFailed(ctx, msg.ID, lockedAt, attempt, next, sendErr.Error()); err != nil {
			return "", err
		}
		return OutcomeFailed, nil
	}

	if err := s.outboxRepo.MarkSent(ctx, msg.ID, lockedAt, attempt, resp.ProviderMessageID); err != nil {
		return "", err
	}
	logger.InfoContext(ctx, "Outbox message sent", "attempt", attempt, "provider_message_id", resp.ProviderMessageID)
	return OutcomeSent, nil
}

func (s *DeliveryAppService) callProvider(ctx context.Context, msg *domain.OutboxMessage) (*provider.SendResponseDetails, error) {
	timer := prometheus.NewTimer(outboxProviderRequestDurationHist.WithLabelValues(s.sender.GetName()))
	defer timer.ObserveDuration()

	pctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()
	resp, err := s.sender.Send(pctx, provider.SendRequestDetails{
		InternalMessageID: msg.ID.String(),
		Recipient:         msg.ToPhone,
		Content:           msg.Body,
	})
	if err == nil && resp == nil {
		return nil, errors.New("provider returned no response")
	}
	return resp, err
}

func (s *DeliveryAppService) markDead(ctx context.Context, msg *domain.OutboxMessage, lockedAt time.Time, attempts int, reason domain.DeadReason, lastError string) (Outcome, error) {
	if err := s.outboxRepo.MarkDead(ctx, msg.ID, lockedAt, attempts, reason, lastError); err != nil {
		return "", err
	}
	return OutcomeDead, nil
}

func (s *DeliveryAppService) requeue(ctx context.Context, msg *domain.OutboxMessage, lockedAt, at time.Time) (Outcome, error) {
	if err := s.outboxRepo.Requeue(ctx, msg.ID, lockedAt, at); err != nil {
		return "", err
	}
	return OutcomeRequeued, nil
}

// requeueAfterError releases the claim when a pre-send lookup fails, so the
// message is retried without waiting for the lock to expire.
func (s *DeliveryAppService) requeueAfterError(ctx context.Context, msg *domain.OutboxMessage, lockedAt time.Time, cause error) (Outcome, error) {
	s.logger.ErrorContext(ctx, "Pre-send check failed; requeueing", "outbox_message_id", msg.ID, "error", cause)
	if err := s.outboxRepo.Requeue(ctx, msg.ID, lockedAt, s.now().Add(transientCheckDelay)); err != nil {
		return "", errors.Join(cause, err)
	}
	return OutcomeRequeued, nil
}

// Sweep claims one batch of due messages and sends each. Concurrent sweeps never
// claim the same row.
func (s *DeliveryAppService) Sweep(ctx context.Context) (SweepResult, error) {
	timer := prometheus.NewTimer(outboxSweepDurationHist)
	defer timer.ObserveDuration()

	var result SweepResult
	msgs, err := s.Claim(ctx, s.cfg.BatchSize, nil)
	if err != nil {
		return result, err
	}
	result.Claimed = len(msgs)
	for _, msg := range msgs {
		outcome, err := s.Send(ctx, msg)
		if err != nil {
			result.Errors++
			s.logger.ErrorContext(ctx, "Outbox send failed", "outbox_message_id", msg.ID, "error", err)
			continue
		}
		result.add(outcome)
	}
	if result.Claimed > 0 {
		s.logger.InfoContext(ctx, "Outbox sweep finished",
			"claimed", result.Claimed, "sent", result.Sent, "failed", result.Failed,
			"dead", result.Dead, "requeued", result.Requeued, "errors", result.Errors)
	}
	return result, nil
}

// ProcessNow claims and sends one specific message if it is currently eligible.
func (s *DeliveryAppService) ProcessNow(ctx context.Context, id uuid.UUID) (Outcome, error) {
	msgs, err := s.Claim(ctx, 1, &id)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		s.logger.DebugContext(ctx, "Outbox message not claimable now", "outbox_message_id", id)
		return OutcomeNotClaimed, nil
	}
	return s.Send(ctx, msgs[0])
}

func (s *DeliveryAppService) ListDead(ctx context.Context, limit int) ([]*domain.OutboxMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.outboxRepo.ListByStatus(ctx, domain.StatusDead, limit)
}

func (s *DeliveryAppService) Get(ctx context.Context, id uuid.UUID) (*domain.OutboxMessage, error) {
	return s.outboxRepo.GetByID(ctx, id)
}
