package domain

import "net/url"

// InboundSMS is the subset of the provider's form-encoded webhook fields the processor uses.
type InboundSMS struct {
	MessageSid string
	AccountSid string
	From       string
	To         string
	Body       string
}

// InboundSMSFromForm reads the Twilio messaging webhook parameters.
func InboundSMSFromForm(form url.Values) InboundSMS {
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	return InboundSMS{
		MessageSid: sid,
		AccountSid: form.Get("AccountSid"),
		From:       form.Get("From"),
		To:         form.Get("To"),
		Body:       form.Get("Body"),
	}
}
