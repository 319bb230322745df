package provider

import (
	"context"
	"errors"
	"fmt"
)

// SendRequestDetails is what a provider needs to deliver one SMS.
type SendRequestDetails struct {
	InternalMessageID string
	Recipient         string
	Content           string
}

// SendResponseDetails holds the provider's acceptance of a message.
type SendResponseDetails struct {
	ProviderMessageID string
	ProviderStatus    string
}

// SMSSenderProvider delivers a single SMS. A nil error means the provider accepted it.
type SMSSenderProvider interface {
	Send(ctx context.Context, details SendRequestDetails) (*SendResponseDetails, error)
	GetName() string
}

// PermanentError is a provider rejection that will not succeed on retry.
type PermanentError struct {
	Code    int
	Message string
	// OptOut is set when the provider reports the recipient unsubscribed.
	OptOut bool
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("provider rejected message (code %d): %s", e.Code, e.Message)
}

// AsPermanent unwraps err into a PermanentError when it is one.
func AsPermanent(err error) (*PermanentError, bool) {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
