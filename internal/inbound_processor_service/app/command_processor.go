package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/queue_services/internal/core_domain"
	"github.com/aradsms/queue_services/internal/inbound_processor_service/domain"
	"github.com/aradsms/queue_services/internal/platform/messagebroker"
	"github.com/aradsms/queue_services/internal/platform/phone"
	queuedomain "github.com/aradsms/queue_services/internal/queue_service/domain"
)

// OptOutSource is recorded on opt-outs created by a STOP reply.
const OptOutSource = "sms_stop"

// Outcome is what processing an inbound message did.
type Outcome string

const (
	OutcomeInvalidSender   Outcome = "invalid_sender"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeRecorded        Outcome = "recorded"
	OutcomeOptedOut        Outcome = "opted_out"
	OutcomeOptedIn         Outcome = "opted_in"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeNothingToCancel Outcome = "nothing_to_cancel"
)

type OptOutRegistry interface {
	Add(ctx context.Context, phone, source string) error
	Remove(ctx context.Context, phone string) (bool, error)
}

// EntryCanceller cancels the sender's newest active entry and enqueues the acknowledgement.
type EntryCanceller interface {
	CancelLatestForPhone(ctx context.Context, e164 string) (*queuedomain.QueueEntry, error)
}

// CommandEvent is published after a command has been applied.
type CommandEvent struct {
	InboxMessageID uuid.UUID  `json:"inbox_message_id"`
	Command        string     `json:"command"`
	Outcome        string     `json:"outcome"`
	FromPhone      string     `json:"from_phone"`
	EntryID        *uuid.UUID `json:"entry_id,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// CommandProcessor records inbound SMS and applies STOP, START and CANCEL replies.
type CommandProcessor struct {
	inbox      domain.InboxRepository
	optOuts    OptOutRegistry
	canceller  EntryCanceller
	normalizer *phone.Normalizer
	events     messagebroker.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

func NewCommandProcessor(
	inbox domain.InboxRepository,
	optOuts OptOutRegistry,
	canceller EntryCanceller,
	normalizer *phone.Normalizer,
	events messagebroker.Publisher,
	logger *slog.Logger,
) *CommandProcessor {
	return &CommandProcessor{
		inbox:      inbox,
		optOuts:    optOuts,
		canceller:  canceller,
		normalizer: normalizer,
		events:     events,
		logger:     logger.With("service", "inbound_command_processor"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Process handles one verified inbound message. A returned error means the command
// was not applied; a redelivery of the same provider id applies it then.
func (p *CommandProcessor) Process(ctx context.Context, sms domain.InboundSMS) (Outcome, error) {
	start := time.Now()
	command := domain.ParseCommand(sms.Body)
	label := commandLabel(command)
	defer func() {
		inboundSMSProcessingDurationHist.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	outcome, err := p.process(ctx, sms)
	if err != nil {
		inboundSMSProcessedCounter.WithLabelValues(label, "error").Inc()
		return "", err
	}
	inboundSMSProcessedCounter.WithLabelValues(label, string(outcome)).Inc()
	return outcome, nil
}

func (p *CommandProcessor) process(ctx context.Context, sms domain.InboundSMS) (Outcome, error) {
	from, err := p.normalizer.Normalize(sms.From)
	if err != nil {
		p.logger.WarnContext(ctx, "Ignoring inbound SMS with unparseable sender",
			"provider_message_id", sms.MessageSid, "error", err)
		return OutcomeInvalidSender, nil
	}

	msg := domain.NewInboxMessage(sms, from, p.now())
	status, err := p.inbox.Record(ctx, msg)
	if err != nil {
		return "", err
	}
	switch status {
	case domain.RecordApplied:
		return OutcomeDuplicate, nil
	case domain.RecordPending:
		p.logger.InfoContext(ctx, "Applying command from an earlier failed delivery",
			"inbox_message_id", msg.ID, "command", msg.Command)
	}

	var (
		outcome Outcome
		entryID *uuid.UUID
	)
	switch msg.Command {
	case domain.CommandStop:
		if err := p.optOuts.Add(ctx, from, OptOutSource); err != nil {
			return "", fmt.Errorf("applying STOP: %w", err)
		}
		outcome = OutcomeOptedOut
	case domain.CommandStart:
		removed, err := p.optOuts.Remove(ctx, from)
		if err != nil {
			return "", fmt.Errorf("applying START: %w", err)
		}
		p.logger.InfoContext(ctx, "Phone opted back in", "inbox_message_id", msg.ID, "was_opted_out", removed)
		outcome = OutcomeOptedIn
	case domain.CommandCancel:
		entry, err := p.canceller.CancelLatestForPhone(ctx, from)
		switch {
		case err == nil:
			entryID = &entry.ID
			outcome = OutcomeCancelled
		case errors.Is(err, core_domain.ErrNotFound), errors.Is(err, core_domain.ErrConflict):
			// Nothing active, or staff changed the entry first.
			p.logger.InfoContext(ctx, "CANCEL reply had no active entry to cancel", "inbox_message_id", msg.ID, "reason", err)
			outcome = OutcomeNothingToCancel
		default:
			return "", fmt.Errorf("applying CANCEL: %w", err)
		}
	default:
		return OutcomeRecorded, nil
	}

	// The command took effect; a failed mark only risks re-applying it on a redelivery.
	if err := p.inbox.MarkApplied(ctx, msg.ID); err != nil {
		p.logger.ErrorContext(ctx, "Failed to mark inbound command applied", "inbox_message_id", msg.ID, "error", err)
	}
	p.logger.InfoContext(ctx, "Inbound command applied",
		"inbox_message_id", msg.ID, "command", msg.Command, "outcome", outcome)
	p.publish(ctx, CommandEvent{
		InboxMessageID: msg.ID,
		Command:        string(msg.Command),
		Outcome:        string(outcome),
		FromPhone:      from,
		EntryID:        entryID,
		OccurredAt:     msg.ReceivedAt,
	})
	return outcome, nil
}

func (p *CommandProcessor) publish(ctx context.Context, evt CommandEvent) {
	if p.events == nil {
		return
	}
	subject := "inbound.command." + strings.ToLower(evt.Command)
	if err := messagebroker.PublishJSON(ctx, p.events, subject, evt); err != nil {
		p.logger.WarnContext(ctx, "Failed to publish command event", "subject", subject, "error", err)
	}
}

func commandLabel(c domain.Command) string {
	if c == domain.CommandNone {
		return "none"
	}
	return strings.ToLower(string(c))
}
