package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/queue_services/internal/inbound_processor_service/domain"
	"github.com/aradsms/queue_services/internal/platform/phone"
	queuedomain "github.com/aradsms/queue_services/internal/queue_service/domain"
)

// --- Mocks ---

type MockInboxRepository struct {
	mock.Mock
}

func (m *MockInboxRepository) Record(ctx context.Context, msg *domain.InboxMessage) (domain.RecordStatus, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(domain.RecordStatus), args.Error(1)
}

func (m *MockInboxRepository) MarkApplied(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

type MockOptOutRegistry struct {
	mock.Mock
}

func (m *MockOptOutRegistry) Add(ctx context.Context, phone, source string) error {
	return m.Called(ctx, phone, source).Error(0)
}

func (m *MockOptOutRegistry) Remove(ctx context.Context, phone string) (bool, error) {
	args := m.Called(ctx, phone)
	return args.Bool(0), args.Error(1)
}

type MockEntryCanceller struct {
	mock.Mock
}

func (m *MockEntryCanceller) CancelLatestForPhone(ctx context.Context, e164 string) (*queuedomain.QueueEntry, error) {
	args := m.Called(ctx, e164)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queuedomain.QueueEntry), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return m.Called(ctx, subject, data).Error(0)
}

// --- Tests ---

const sender = "+15551234567"

func setupProcessorTest(t *testing.T) (*CommandProcessor, *MockInboxRepository, *MockOptOutRegistry, *MockEntryCanceller, *MockPublisher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inbox := new(MockInboxRepository)
	optOuts := new(MockOptOutRegistry)
	canceller := new(MockEntryCanceller)
	publisher := new(MockPublisher)
	p := NewCommandProcessor(inbox, optOuts, canceller, phone.NewNormalizer("US"), publisher, logger)
	return p, inbox, optOuts, canceller, publisher
}

func inbound(body string) domain.InboundSMS {
	return domain.InboundSMS{MessageSid: "SM" + uuid.NewString()[:8], From: "+1 (555) 123-4567", To: "+15550001111", Body: body}
}

func recordedWith(cmd domain.Command) interface{} {
	return mock.MatchedBy(func(msg *domain.InboxMessage) bool {
		return msg.FromPhone == sender && msg.Command == cmd
	})
}

func eventWithOutcome(outcome Outcome) interface{} {
	return mock.MatchedBy(func(data []byte) bool {
		var evt CommandEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return false
		}
		return evt.Outcome == string(outcome) && evt.FromPhone == sender
	})
}

func TestCommandProcessor_Stop(t *testing.T) {
	p, inbox, optOuts, canceller, publisher := setupProcessorTest(t)
	ctx := context.Background()

	inbox.On("Record", ctx, recordedWith(domain.CommandStop)).Return(domain.RecordCreated, nil).Once()
	inbox.On("MarkApplied", ctx, mock.AnythingOfType("uuid.UUID")).Return(nil).Once()
	optOuts.On("Add", ctx, sender, OptOutSource).Return(nil).Once()
	publisher.On("Publish", ctx, "inbound.command.stop", eventWithOutcome(OutcomeOptedOut)).Return(nil).Once()

	outcome, err := p.Process(ctx, inbound("  stop "))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOptedOut, outcome)
	inbox.AssertExpectations(t)
	optOuts.AssertExpectations(t)
	publisher.AssertExpectations(t)
	canceller.AssertNotCalled(t, "CancelLatestForPhone", mock.Anything, mock.Anything)
}

func TestCommandProcessor_Start(t *testing.T) {
	p, inbox, optOuts, _, publisher := setupProcessorTest(t)
	ctx := context.Background()

	inbox.On("Record", ctx, recordedWith(domain.CommandStart)).Return(domain.RecordCreated, nil).Once()
	inbox.On("MarkApplied", ctx, mock.AnythingOfType("uuid.UUID")).Return(nil).Once()
	optOuts.On("Remove", ctx, sender).Return(domain.RecordCreated, nil).Once()
	publisher.On("Publish", ctx, "inbound.command.start", eventWithOutcome(OutcomeOptedIn)).Return(nil).Once()

	outcome, err := p.Process(ctx, inbound("START"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOptedIn, outcome)
	optOuts.AssertExpectations(t)
}

func TestCommandProcessor_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("CancelsActiveEntry", func(t *testing.T) {
		p, inbox, _, canceller, publisher := setupProcessorTest(t)
		entry := &queuedomain.QueueEntry{ID: uuid.New(), Status: queuedomain.StatusCancelled}

		inbox.On("Record", ctx, recordedWith(domain.CommandCancel)).Return(domain.RecordCreated, nil).Once()
		inbox.On("MarkApplied", ctx, mock.AnythingOfType("uuid.UUID")).Return(nil).Once()
		canceller.On("CancelLatestForPhone", ctx, sender).Return(entry, nil).Once()
		publisher.On("Publish", ctx, "inbound.command.cancel", mock.MatchedBy(func(data []byte) bool {
			var evt CommandEvent
			return json.Unmarshal(data, &evt) == nil && evt.EntryID != nil && *evt.EntryID == entry.ID
		})).Return(nil).Once()

		outcome, err := p.Process(ctx, inbound("Cancel"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeCancelled, outcome)
		canceller.AssertExpectations(t)
		publisher.AssertExpectations(t)
	})

	t.Run("NoActiveEntry", func(t *testing.T) {
		p, inbox, _, canceller, publisher := setupProcessorTest(t)

		inbox.On("Record", ctx, recordedWith(domain.CommandCancel)).Return(domain.RecordCreated, nil).Once()
		inbox.On("MarkApplied", ctx, mock.AnythingOfType("uuid.UUID")).Return(nil).Once()
		canceller.On("CancelLatestForPhone", ctx, sender).Return(nil, queuedomain.ErrEntryNotFound).Once()
		publisher.On("Publish", ctx, "inbound.command.cancel", eventWithOutcome(OutcomeNothingToCancel)).Return(nil).Once()

		outcome, err := p.Process(ctx, inbound("CANCEL"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeNothingToCancel, outcome)
	})

	t.Run("LostRaceToStaff", func(t *testing.T) {
		p, inbox, _, canceller, publisher := setupProcessorTest(t)
		conflict := &queuedomain.TransitionConflictError{EntryID: uuid.New(), Transition: "cancel", Current: queuedomain.StatusCompleted}

		inbox.On("Record", ctx, mock.Anything).Return(domain.RecordCreated, nil).Once()
		inbox.On("MarkApplied", ctx, mock.AnythingOfType("uuid.UUID")).Return(nil).Once()
		canceller.On("CancelLatestForPhone", ctx, sender).Return(nil, conflict).Once()
		publisher.On("Publish", ctx, "inbound.command.cancel", mock.Anything).Return(nil).Once()

		outcome, err := p.Process(ctx, inbound("CANCEL"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeNothingToCancel, outcome)
	})

	t.Run("DatastoreFailure", func(t *testing.T) {
		p, inbox, _, canceller, publisher := setupProcessorTest(t)
		dbErr := errors.New("pool exhausted")

		inbox.On("Record", ctx, mock.Anything).Return(domain.RecordCreated, nil).Once()
		canceller.On("CancelLatestForPhone", ctx, sender).Return(nil, dbErr).Once()

		_, err := p.Process(ctx, inbound("CANCEL"))
		assert.ErrorIs(t, err, dbErr)
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
		inbox.AssertNotCalled(t, "MarkApplied", mock.Anything, mock.Anything)
	})
}

func TestCommandProcessor_NonCommandOnlyRecords(t *testing.T) {
	p, inbox, optOuts, canceller, publisher := setupProcessorTest(t)
	ctx := context.Background()

	inbox.On("Record", ctx, recordedWith(domain.CommandNone)).Return(domain.RecordCreated, nil).Once()

	outcome, err := p.Process(ctx, inbound("stop texting me so much"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)
	inbox.AssertExpectations(t)
	optOuts.AssertNotCalled(t, "Add", mock.Anything, mock.Anything, mock.Anything)
	canceller.AssertNotCalled(t, "CancelLatestForPhone", mock.Anything, mock.Anything)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestCommandProcessor_DuplicateIsNotReapplied(t *testing.T) {
	p, inbox, optOuts, _, publisher := setupProcessorTest(t)
	ctx := context.Background()

	inbox.On("Record", ctx, recordedWith(domain.CommandStop)).Return(domain.RecordApplied, nil).Once()

	outcome, err := p.Process(ctx, inbound("STOP"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	optOuts.AssertNotCalled(t, "Add", mock.Anything, mock.Anything, mock.Anything)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestCommandProcessor_InvalidSenderIsIgnored(t *testing.T) {
	p, inbox, optOuts, _, _ := setupProcessorTest(t)
	sms := inbound("STOP")
	sms.From = "12345"

	outcome, err := p.Process(context.Background(), sms)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidSender, outcome)
	inbox.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
	optOuts.AssertNotCalled(t, "Add", mock.Anything, mock.Anything, mock.Anything)
}

func TestCommandProcessor_RecordFailureIsReturned(t *testing.T) {
	p, inbox, optOuts, _, _ := setupProcessorTest(t)
	ctx := context.Background()
	dbErr := errors.New("db down")

	inbox.On("Record", ctx, mock.Anything).Return(domain.RecordCreated, dbErr).Once()

	_, err := p.Process(ctx, inbound("STOP"))
	assert.ErrorIs(t, err, dbErr)
	optOuts.AssertNotCalled(t, "Add", mock.Anything, mock.Anything, mock.Anything)
}

func TestCommandProcessor_PublishFailureDoesNotFailCommand(t *testing.T) {
	p, inbox, optOuts, _, publisher := setupProcessorTest(t)
	ctx := context.Background()

	inbox.On("Record", ctx, mock.Anything).Return(domain.RecordCreated, nil).Once()
	inbox.On("MarkApplied", ctx, mock.AnythingOfType("uuid.UUID")).Return(nil).Once()
	optOuts.On("Add", ctx, sender, OptOutSource).Return(nil).Once()
	publisher.On("Publish", ctx, "inbound.command.stop", mock.Anything).Return(errors.New("nats down")).Once()

	outcome, err := p.Process(ctx, inbound("STOP"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOptedOut, outcome)
}

func TestCommandProcessor_StopAppliedOnRedeliveryAfterFailure(t *testing.T) {
	p, inbox, optOuts, _, publisher := setupProcessorTest(t)
	ctx := context.Background()
	sms := inbound("STOP")
	dbErr := errors.New("db blip")

	var storedID uuid.UUID
	inbox.On("Record", ctx, recordedWith(domain.CommandStop)).Return(domain.RecordCreated, nil).Run(func(args mock.Arguments) {
		storedID = args.Get(1).(*domain.InboxMessage).ID
	}).Once()
	optOuts.On("Add", ctx, sender, OptOutSource).Return(dbErr).Once()

	_, err := p.Process(ctx, sms)
	require.ErrorIs(t, err, dbErr)
	inbox.AssertNotCalled(t, "MarkApplied", mock.Anything, mock.Anything)

	// The provider retries the same MessageSid; the stored row was never applied.
	inbox.On("Record", ctx, recordedWith(domain.CommandStop)).Return(domain.RecordPending, nil).Run(func(args mock.Arguments) {
		args.Get(1).(*domain.InboxMessage).ID = storedID
	}).Once()
	optOuts.On("Add", ctx, sender, OptOutSource).Return(nil).Once()
	inbox.On("MarkApplied", ctx, mock.MatchedBy(func(id uuid.UUID) bool { return id == storedID })).Return(nil).Once()
	publisher.On("Publish", ctx, "inbound.command.stop", eventWithOutcome(OutcomeOptedOut)).Return(nil).Once()

	outcome, err := p.Process(ctx, sms)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOptedOut, outcome)
	optOuts.AssertNumberOfCalls(t, "Add", 2)
	inbox.AssertExpectations(t)
	publisher.AssertExpectations(t)

	// A third delivery after success is a plain duplicate.
	inbox.On("Record", ctx, recordedWith(domain.CommandStop)).Return(domain.RecordApplied, nil).Once()
	outcome, err = p.Process(ctx, sms)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	optOuts.AssertNumberOfCalls(t, "Add", 2)
}

func TestCommandProcessor_MarkAppliedFailureStillSucceeds(t *testing.T) {
	p, inbox, optOuts, _, publisher := setupProcessorTest(t)
	ctx := context.Background()

	inbox.On("Record", ctx, recordedWith(domain.CommandStart)).Return(domain.RecordCreated, nil).Once()
	optOuts.On("Remove", ctx, sender).Return(false, nil).Once()
	inbox.On("MarkApplied", ctx, mock.AnythingOfType("uuid.UUID")).Return(errors.New("conn reset")).Once()
	publisher.On("Publish", ctx, "inbound.command.start", mock.Anything).Return(nil).Once()

	outcome, err := p.Process(ctx, inbound("start"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOptedIn, outcome)
	inbox.AssertExpectations(t)
}
