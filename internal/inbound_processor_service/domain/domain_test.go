package domain

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		body string
		want Command
	}{
		{"STOP", CommandStop},
		{"stop", CommandStop},
		{"  Stop\n", CommandStop},
		{"start", CommandStart},
		{"CANCEL", CommandCancel},
		{"cancel ", CommandCancel},
		{"stop please", CommandNone},
		{"STOPALL", CommandNone},
		{"", CommandNone},
		{"Running 5 min late", CommandNone},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCommand(tt.body))
		})
	}
}

func TestNewInboxMessage(t *testing.T) {
	at := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	msg := NewInboxMessage(InboundSMS{MessageSid: "SM1", From: "555-123-4567", To: "+15550001111", Body: "Cancel"}, "+15551234567", at)
	require.NotNil(t, msg.ProviderMessageID)
	assert.Equal(t, "SM1", *msg.ProviderMessageID)
	assert.Equal(t, "555-123-4567", msg.FromPhoneRaw)
	assert.Equal(t, "+15551234567", msg.FromPhone)
	assert.Equal(t, "Cancel", msg.Body, "body is kept verbatim")
	assert.Equal(t, CommandCancel, msg.Command)

	noSid := NewInboxMessage(InboundSMS{From: "x", Body: "hi"}, "+15551234567", at)
	assert.Nil(t, noSid.ProviderMessageID)
}

func TestInboundSMSFromForm(t *testing.T) {
	form := url.Values{
		"SmsSid":     {"SM9"},
		"AccountSid": {"AC1"},
		"From":       {"+15551234567"},
		"To":         {"+15550001111"},
		"Body":       {"START"},
	}
	sms := InboundSMSFromForm(form)
	assert.Equal(t, "SM9", sms.MessageSid)
	assert.Equal(t, "AC1", sms.AccountSid)
	assert.Equal(t, "START", sms.Body)

	form.Set("MessageSid", "SM10")
	assert.Equal(t, "SM10", InboundSMSFromForm(form).MessageSid)
}
