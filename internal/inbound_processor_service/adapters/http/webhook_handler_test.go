package http_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	adapter_http "github.com/aradsms/queue_services/internal/inbound_processor_service/adapters/http"
	"github.com/aradsms/queue_services/internal/inbound_processor_service/app"
	"github.com/aradsms/queue_services/internal/inbound_processor_service/domain"
	ratelimitdomain "github.com/aradsms/queue_services/internal/ratelimit_service/domain"
)

const (
	authToken  = "12345678901234567890123456789012"
	publicURL  = "https://queue.example.com/webhooks/sms/inbound"
	webhookURI = "/webhooks/sms/inbound"
)

type MockInboundProcessor struct {
	mock.Mock
}

func (m *MockInboundProcessor) Process(ctx context.Context, sms domain.InboundSMS) (app.Outcome, error) {
	args := m.Called(ctx, sms)
	return args.Get(0).(app.Outcome), args.Error(1)
}

type MockRateChecker struct {
	mock.Mock
}

func (m *MockRateChecker) Check(ctx context.Context, policy ratelimitdomain.Policy, rules ...ratelimitdomain.Rule) (ratelimitdomain.Decision, error) {
	args := m.Called(ctx, policy, rules)
	return args.Get(0).(ratelimitdomain.Decision), args.Error(1)
}

// sign computes the provider signature: HMAC-SHA1 over the URL followed by each
// parameter name and value in name order, base64 encoded.
func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(fullURL)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(sb.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func stopForm() url.Values {
	return url.Values{
		"MessageSid": {"SMabc123"},
		"AccountSid": {"AC0001"},
		"From":       {"+15551234567"},
		"To":         {"+15550001111"},
		"Body":       {"STOP"},
	}
}

func newRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "203.0.113.7:51234"
	return req
}

func allowAll(limiter *MockRateChecker) {
	limiter.On("Check", mock.Anything, ratelimitdomain.FailOpen, mock.Anything).
		Return(ratelimitdomain.Decision{Allowed: true}, nil)
}

func newHandler(processor *MockInboundProcessor, limiter *MockRateChecker, urls ...string) *adapter_http.WebhookHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return adapter_http.NewWebhookHandler(processor, limiter, authToken, urls, adapter_http.DefaultWebhookLimits(), logger)
}

func TestWebhookHandler_ValidSignatureOnConfiguredURL(t *testing.T) {
	processor := new(MockInboundProcessor)
	limiter := new(MockRateChecker)
	allowAll(limiter)
	handler := newHandler(processor, limiter, publicURL)

	form := stopForm()
	// Request reaches the service on an internal address behind a path-preserving proxy.
	req := newRequest("http://10.0.0.5:8080"+webhookURI, form)
	req.Header.Set(adapter_http.SignatureHeader, sign(authToken, publicURL, form))
	rr := httptest.NewRecorder()

	processor.On("Process", mock.Anything, domain.InboundSMS{
		MessageSid: "SMabc123", AccountSid: "AC0001", From: "+15551234567", To: "+15550001111", Body: "STOP",
	}).Return(app.OutcomeOptedOut, nil).Once()

	handler.HandleInboundSMS(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, rr.Body.String())
	processor.AssertExpectations(t)
}

func TestWebhookHandler_ValidSignatureOnForwardedURL(t *testing.T) {
	processor := new(MockInboundProcessor)
	limiter := new(MockRateChecker)
	allowAll(limiter)
	handler := newHandler(processor, limiter)

	form := stopForm()
	req := newRequest("http://10.0.0.5:8080"+webhookURI, form)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "sms.example.org")
	req.Header.Set(adapter_http.SignatureHeader, sign(authToken, "https://sms.example.org"+webhookURI, form))
	rr := httptest.NewRecorder()

	processor.On("Process", mock.Anything, mock.Anything).Return(app.OutcomeOptedOut, nil).Once()

	handler.HandleInboundSMS(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	processor.AssertExpectations(t)
}

func TestWebhookHandler_RejectsBadSignature(t *testing.T) {
	tests := []struct {
		name      string
		signature string
		mutate    func(url.Values)
	}{
		{name: "Missing", signature: ""},
		{name: "WrongToken", signature: sign("other-token", publicURL, stopForm())},
		{name: "WrongURL", signature: sign(authToken, "https://evil.example.com"+webhookURI, stopForm())},
		{name: "TamperedBody", signature: sign(authToken, publicURL, stopForm()), mutate: func(f url.Values) { f.Set("Body", "START") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor := new(MockInboundProcessor)
			limiter := new(MockRateChecker)
			handler := newHandler(processor, limiter, publicURL)

			form := stopForm()
			if tt.mutate != nil {
				tt.mutate(form)
			}
			req := newRequest(publicURL, form)
			if tt.signature != "" {
				req.Header.Set(adapter_http.SignatureHeader, tt.signature)
			}
			rr := httptest.NewRecorder()

			handler.HandleInboundSMS(rr, req)

			assert.Equal(t, http.StatusForbidden, rr.Code)
			processor.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
			limiter.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestWebhookHandler_RateLimited(t *testing.T) {
	processor := new(MockInboundProcessor)
	limiter := new(MockRateChecker)
	handler := newHandler(processor, limiter, publicURL)

	limiter.On("Check", mock.Anything, ratelimitdomain.FailOpen, mock.MatchedBy(func(rules []ratelimitdomain.Rule) bool {
		return len(rules) == 2 &&
			strings.HasPrefix(rules[0].BucketKey, "sms_inbound:ip:203.0.113.7:") &&
			strings.HasPrefix(rules[1].BucketKey, "sms_inbound:phone:")
	})).Return(ratelimitdomain.Decision{Allowed: false, RetryAfter: 42 * time.Second}, nil).Once()

	form := stopForm()
	req := newRequest(publicURL, form)
	req.Header.Set(adapter_http.SignatureHeader, sign(authToken, publicURL, form))
	rr := httptest.NewRecorder()

	handler.HandleInboundSMS(rr, req)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "42", rr.Header().Get("Retry-After"))
	processor.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
	limiter.AssertExpectations(t)
}

func TestWebhookHandler_IgnoredMessagesStill204(t *testing.T) {
	for _, outcome := range []app.Outcome{app.OutcomeRecorded, app.OutcomeDuplicate, app.OutcomeInvalidSender} {
		t.Run(string(outcome), func(t *testing.T) {
			processor := new(MockInboundProcessor)
			limiter := new(MockRateChecker)
			allowAll(limiter)
			handler := newHandler(processor, limiter, publicURL)

			form := stopForm()
			form.Set("Body", "on my way")
			req := newRequest(publicURL, form)
			req.Header.Set(adapter_http.SignatureHeader, sign(authToken, publicURL, form))
			rr := httptest.NewRecorder()

			processor.On("Process", mock.Anything, mock.Anything).Return(outcome, nil).Once()

			handler.HandleInboundSMS(rr, req)
			assert.Equal(t, http.StatusNoContent, rr.Code)
		})
	}
}

func TestWebhookHandler_ProcessingErrorIs500(t *testing.T) {
	processor := new(MockInboundProcessor)
	limiter := new(MockRateChecker)
	allowAll(limiter)
	handler := newHandler(processor, limiter, publicURL)

	form := stopForm()
	req := newRequest(publicURL, form)
	req.Header.Set(adapter_http.SignatureHeader, sign(authToken, publicURL, form))
	rr := httptest.NewRecorder()

	processor.On("Process", mock.Anything, mock.Anything).Return(app.Outcome(""), errors.New("db down")).Once()

	handler.HandleInboundSMS(rr, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestWebhookHandler_BodyTooLarge(t *testing.T) {
	processor := new(MockInboundProcessor)
	handler := newHandler(processor, new(MockRateChecker), publicURL)

	form := url.Values{"Body": {strings.Repeat("x", adapter_http.MaxRequestBodySize+1)}}
	req := newRequest(publicURL, form)
	rr := httptest.NewRecorder()

	handler.HandleInboundSMS(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	processor.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}
