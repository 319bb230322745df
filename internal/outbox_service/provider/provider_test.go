package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type MockMessageCreator struct {
	mock.Mock
}

func (m *MockMessageCreator) CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error) {
	args := m.Called(params)
	if msg, ok := args.Get(0).(*openapi.ApiV2010Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTwilioSMSProvider_Send(t *testing.T) {
	ctx := context.Background()
	details := SendRequestDetails{InternalMessageID: "m-1", Recipient: "+15551234567", Content: "You're next."}

	t.Run("Accepted", func(t *testing.T) {
		api := new(MockMessageCreator)
		p := newTwilioSMSProvider(testLogger(), api, TwilioConfig{FromNumber: "+15550001111"})
		sid := "SM0123456789"

		api.On("CreateMessage", mock.MatchedBy(func(params *openapi.CreateMessageParams) bool {
			return *params.To == "+15551234567" && *params.Body == "You're next." && *params.From == "+15550001111"
		})).Return(&openapi.ApiV2010Message{Sid: &sid}, nil).Once()

		resp, err := p.Send(ctx, details)
		require.NoError(t, err)
		assert.Equal(t, sid, resp.ProviderMessageID)
		api.AssertExpectations(t)
	})

	t.Run("MessagingServiceTakesPrecedence", func(t *testing.T) {
		api := new(MockMessageCreator)
		p := newTwilioSMSProvider(testLogger(), api, TwilioConfig{FromNumber: "+15550001111", MessagingServiceSID: "MG42"})
		sid := "SM1"

		api.On("CreateMessage", mock.MatchedBy(func(params *openapi.CreateMessageParams) bool {
			return params.From == nil && *params.MessagingServiceSid == "MG42"
		})).Return(&openapi.ApiV2010Message{Sid: &sid}, nil).Once()

		_, err := p.Send(ctx, details)
		require.NoError(t, err)
		api.AssertExpectations(t)
	})

	t.Run("UnsubscribedIsPermanentOptOut", func(t *testing.T) {
		api := new(MockMessageCreator)
		p := newTwilioSMSProvider(testLogger(), api, TwilioConfig{FromNumber: "+15550001111"})
		api.On("CreateMessage", mock.Anything).
			Return(nil, &twclient.TwilioRestError{Code: 21610, Message: "Attempt to send to unsubscribed recipient", Status: 400}).Once()

		_, err := p.Send(ctx, details)
		pe, ok := AsPermanent(err)
		require.True(t, ok)
		assert.True(t, pe.OptOut)
		assert.Equal(t, 21610, pe.Code)
	})

	t.Run("InvalidNumberIsPermanent", func(t *testing.T) {
		api := new(MockMessageCreator)
		p := newTwilioSMSProvider(testLogger(), api, TwilioConfig{FromNumber: "+15550001111"})
		api.On("CreateMessage", mock.Anything).
			Return(nil, &twclient.TwilioRestError{Code: 21211, Message: "Invalid 'To' Phone Number", Status: 400}).Once()

		_, err := p.Send(ctx, details)
		pe, ok := AsPermanent(err)
		require.True(t, ok)
		assert.False(t, pe.OptOut)
	})

	t.Run("ServerErrorIsTransient", func(t *testing.T) {
		api := new(MockMessageCreator)
		p := newTwilioSMSProvider(testLogger(), api, TwilioConfig{FromNumber: "+15550001111"})
		api.On("CreateMessage", mock.Anything).
			Return(nil, &twclient.TwilioRestError{Code: 20500, Message: "Internal Server Error", Status: 500}).Once()

		_, err := p.Send(ctx, details)
		require.Error(t, err)
		_, permanent := AsPermanent(err)
		assert.False(t, permanent)
	})

	t.Run("NetworkError", func(t *testing.T) {
		api := new(MockMessageCreator)
		p := newTwilioSMSProvider(testLogger(), api, TwilioConfig{FromNumber: "+15550001111"})
		api.On("CreateMessage", mock.Anything).Return(nil, errors.New("dial tcp: i/o timeout")).Once()

		_, err := p.Send(ctx, details)
		assert.ErrorContains(t, err, "i/o timeout")
	})

	t.Run("CancelledContext", func(t *testing.T) {
		api := new(MockMessageCreator)
		p := newTwilioSMSProvider(testLogger(), api, TwilioConfig{})
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := p.Send(cctx, details)
		assert.ErrorIs(t, err, context.Canceled)
		api.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})
}

func TestMockSMSProvider(t *testing.T) {
	ctx := context.Background()

	ok := NewMockSMSProvider(testLogger(), false, 0)
	resp, err := ok.Send(ctx, SendRequestDetails{InternalMessageID: "a", Recipient: "+15551234567", Content: "hi"})
	require.NoError(t, err)
	assert.Contains(t, resp.ProviderMessageID, "mock-")
	assert.Len(t, ok.Sent(), 1)
	assert.Equal(t, "mock", ok.GetName())

	failing := NewMockSMSProvider(testLogger(), true, 0)
	_, err = failing.Send(ctx, SendRequestDetails{InternalMessageID: "b"})
	assert.Error(t, err)
	assert.Empty(t, failing.Sent())

	slow := NewMockSMSProvider(testLogger(), false, time.Hour)
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = slow.Send(cctx, SendRequestDetails{InternalMessageID: "c"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
