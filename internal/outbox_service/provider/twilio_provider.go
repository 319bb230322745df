package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Twilio error codes that will never succeed on retry.
const (
	twilioCodeUnsubscribed  = 21610
	twilioCodeInvalidTo     = 21211
	twilioCodeNotMobile     = 21614
	twilioCodeBlockedRegion = 21408
	twilioCodeMissingBody   = 21602
	twilioCodeInvalidFrom   = 21606
)

var permanentTwilioCodes = map[int]bool{
	twilioCodeUnsubscribed:  true,
	twilioCodeInvalidTo:     true,
	twilioCodeNotMobile:     true,
	twilioCodeBlockedRegion: true,
	twilioCodeMissingBody:   true,
	twilioCodeInvalidFrom:   true,
}

type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

type TwilioConfig struct {
	AccountSID          string
	AuthToken           string
	FromNumber          string
	MessagingServiceSID string
	StatusCallbackURL   string
}

type TwilioSMSProvider struct {
	logger *slog.Logger
	api    messageCreator
	cfg    TwilioConfig
}

func NewTwilioSMSProvider(logger *slog.Logger, cfg TwilioConfig) *TwilioSMSProvider {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioSMSProvider(logger, rest.Api, cfg)
}

func newTwilioSMSProvider(logger *slog.Logger, api messageCreator, cfg TwilioConfig) *TwilioSMSProvider {
	return &TwilioSMSProvider{
		logger: logger.With("provider", "twilio"),
		api:    api,
		cfg:    cfg,
	}
}

func (p *TwilioSMSProvider) Send(ctx context.Context, details SendRequestDetails) (*SendResponseDetails, error) {
	params := &openapi.CreateMessageParams{}
	params.SetTo(details.Recipient)
	params.SetBody(details.Content)
	if p.cfg.MessagingServiceSID != "" {
		params.SetMessagingServiceSid(p.cfg.MessagingServiceSID)
	} else {
		params.SetFrom(p.cfg.FromNumber)
	}
	if p.cfg.StatusCallbackURL != "" {
		params.SetStatusCallback(p.cfg.StatusCallbackURL)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := p.api.CreateMessage(params)
	if err != nil {
		var restErr *twclient.TwilioRestError
		if errors.As(err, &restErr) {
			p.logger.WarnContext(ctx, "Twilio rejected message",
				"internal_message_id", details.InternalMessageID,
				"code", restErr.Code,
				"status", restErr.Status)
			if permanentTwilioCodes[restErr.Code] {
				return nil, &PermanentError{
					Code:    restErr.Code,
					Message: restErr.Message,
					OptOut:  restErr.Code == twilioCodeUnsubscribed,
				}
			}
			return nil, fmt.Errorf("twilio error %d: %s", restErr.Code, restErr.Message)
		}
		p.logger.ErrorContext(ctx, "Twilio request failed", "internal_message_id", details.InternalMessageID, "error", err)
		return nil, fmt.Errorf("twilio request failed: %w", err)
	}

	out := &SendResponseDetails{}
	if resp.Sid != nil {
		out.ProviderMessageID = *resp.Sid
	}
	p.logger.InfoContext(ctx, "SMS accepted by Twilio",
		"internal_message_id", details.InternalMessageID,
		"provider_message_id", out.ProviderMessageID)
	return out, nil
}

func (p *TwilioSMSProvider) GetName() string {
	return "twilio"
}
