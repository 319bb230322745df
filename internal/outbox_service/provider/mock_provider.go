package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockSMSProvider accepts every message without sending it. Used in development and tests.
type MockSMSProvider struct {
	logger         *slog.Logger
	FailSend       bool
	SimulatedDelay time.Duration

	mu   sync.Mutex
	sent []SendRequestDetails
}

func NewMockSMSProvider(logger *slog.Logger, failSend bool, delay time.Duration) *MockSMSProvider {
	return &MockSMSProvider{
		logger:         logger.With("provider", "mock"),
		FailSend:       failSend,
		SimulatedDelay: delay,
	}
}

func (p *MockSMSProvider) Send(ctx context.Context, details SendRequestDetails) (*SendResponseDetails, error) {
	if p.SimulatedDelay > 0 {
		select {
		case <-time.After(p.SimulatedDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if p.FailSend {
		p.logger.WarnContext(ctx, "Mock provider simulated send failure", "internal_message_id", details.InternalMessageID)
		return nil, errors.New("mock provider simulated send failure")
	}

	p.mu.Lock()
	p.sent = append(p.sent, details)
	p.mu.Unlock()

	providerMsgID := "mock-" + uuid.NewString()
	p.logger.InfoContext(ctx, "Mock provider accepted SMS",
		"internal_message_id", details.InternalMessageID,
		"provider_message_id", providerMsgID,
		"content_length", len(details.Content))
	return &SendResponseDetails{ProviderMessageID: providerMsgID, ProviderStatus: "accepted"}, nil
}

// Sent returns a copy of every accepted request.
func (p *MockSMSProvider) Sent() []SendRequestDetails {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SendRequestDetails(nil), p.sent...)
}

func (p *MockSMSProvider) GetName() string {
	return "mock"
}
