package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command is a recognized keyword reply. The zero value means the body was not a command.
type Command string

const (
	CommandNone   Command = ""
	CommandStop   Command = "STOP"
	CommandStart  Command = "START"
	CommandCancel Command = "CANCEL"
)

// ParseCommand matches the whole trimmed body, ignoring case. "stop please" is not a command.
func ParseCommand(body string) Command {
	switch c := Command(strings.ToUpper(strings.TrimSpace(body))); c {
	case CommandStop, CommandStart, CommandCancel:
		return c
	default:
		return CommandNone
	}
}

// InboxMessage is the verbatim audit record of one inbound SMS.
type InboxMessage struct {
	ID                uuid.UUID
	ProviderMessageID *string
	FromPhone         string // E.164
	FromPhoneRaw      string // as sent by the provider
	ToPhone           string
	Body              string
	Command           Command
	ReceivedAt        time.Time
}

// NewInboxMessage builds the audit record for sms once its sender is normalized.
func NewInboxMessage(sms InboundSMS, fromE164 string, receivedAt time.Time) *InboxMessage {
	msg := &InboxMessage{
		ID:           uuid.New(),
		FromPhone:    fromE164,
		FromPhoneRaw: sms.From,
		ToPhone:      sms.To,
		Body:         sms.Body,
		Command:      ParseCommand(sms.Body),
		ReceivedAt:   receivedAt,
	}
	if sid := strings.TrimSpace(sms.MessageSid); sid != "" {
		msg.ProviderMessageID = &sid
	}
	return msg
}
