package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	twclient "github.com/twilio/twilio-go/client"

	"github.com/aradsms/queue_services/internal/inbound_processor_service/app"
	"github.com/aradsms/queue_services/internal/inbound_processor_service/domain"
	ratelimitapp "github.com/aradsms/queue_services/internal/ratelimit_service/app"
	ratelimitdomain "github.com/aradsms/queue_services/internal/ratelimit_service/domain"
)

const (
	MaxRequestBodySize = 64 << 10
	SignatureHeader    = "X-Twilio-Signature"
)

var webhookRequestsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "inbound_processor",
		Name:      "webhook_requests_total",
		Help:      "Inbound SMS webhook requests by response class.",
	},
	[]string{"result"}, // accepted, bad_signature, rate_limited, bad_request, error
)

// InboundProcessor applies a verified inbound message.
type InboundProcessor interface {
	Process(ctx context.Context, sms domain.InboundSMS) (app.Outcome, error)
}

type RateChecker interface {
	Check(ctx context.Context, policy ratelimitdomain.Policy, rules ...ratelimitdomain.Rule) (ratelimitdomain.Decision, error)
}

// WebhookLimits bounds inbound traffic per source address and per sender.
type WebhookLimits struct {
	PerIPPerMinute   int
	PerSenderPerHour int
}

func DefaultWebhookLimits() WebhookLimits {
	return WebhookLimits{PerIPPerMinute: 300, PerSenderPerHour: 30}
}

type WebhookHandler struct {
	processor     InboundProcessor
	limiter       RateChecker
	validator     twclient.RequestValidator
	candidateURLs []string
	limits        WebhookLimits
	logger        *slog.Logger
}

// NewWebhookHandler verifies signatures with authToken. publicURLs are the externally
// visible webhook URLs the provider may have signed, tried before the URL rebuilt from the request.
func NewWebhookHandler(processor InboundProcessor, limiter RateChecker, authToken string, publicURLs []string, limits WebhookLimits, logger *slog.Logger) *WebhookHandler {
	var urls []string
	for _, u := range publicURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return &WebhookHandler{
		processor:     processor,
		limiter:       limiter,
		validator:     twclient.NewRequestValidator(authToken),
		candidateURLs: urls,
		limits:        limits,
		logger:        logger.With("component", "inbound_webhook_handler"),
	}
}

// HandleInboundSMS answers 204 for every verified message, including ignored ones.
func (h *WebhookHandler) HandleInboundSMS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		logger.WarnContext(ctx, "Failed to parse inbound webhook form", "error", err)
		webhookRequestsCounter.WithLabelValues("bad_request").Inc()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Malformed form body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(r) {
		logger.WarnContext(ctx, "Rejected inbound webhook with invalid signature",
			"remote_addr", r.RemoteAddr, "signature_present", r.Header.Get(SignatureHeader) != "")
		webhookRequestsCounter.WithLabelValues("bad_signature").Inc()
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	sms := domain.InboundSMSFromForm(r.PostForm)
	if h.limiter != nil {
		decision, err := h.limiter.Check(ctx, ratelimitdomain.FailOpen, h.rules(r, sms)...)
		if err != nil {
			logger.ErrorContext(ctx, "Invalid inbound rate limit rules", "error", err)
		} else if !decision.Allowed {
			webhookRequestsCounter.WithLabelValues("rate_limited").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter/time.Second)))
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}

	outcome, err := h.processor.Process(ctx, sms)
	if err != nil {
		logger.ErrorContext(ctx, "Error processing inbound SMS", "error", err, "provider_message_id", sms.MessageSid)
		webhookRequestsCounter.WithLabelValues("error").Inc()
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	logger.InfoContext(ctx, "Inbound SMS accepted", "provider_message_id", sms.MessageSid, "outcome", outcome)
	webhookRequestsCounter.WithLabelValues("accepted").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) verifySignature(r *http.Request) bool {
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	for _, candidate := range h.candidates(r) {
		if h.validator.Validate(candidate, params, signature) {
			return true
		}
	}
	return false
}

// candidates lists the configured public URLs followed by the URL the request
// arrived on, as seen through any proxy headers.
func (h *WebhookHandler) candidates(r *http.Request) []string {
	out := make([]string, 0, len(h.candidateURLs)+1)
	out = append(out, h.candidateURLs...)

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := firstHeaderValue(r.Header.Get("X-Forwarded-Proto")); p != "" {
		scheme = p
	}
	host := r.Host
	if fh := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); fh != "" {
		host = fh
	}
	rebuilt := (&url.URL{Scheme: scheme, Host: host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}).String()
	for _, c := range out {
		if c == rebuilt {
			return out
		}
	}
	return append(out, rebuilt)
}

func (h *WebhookHandler) rules(r *http.Request, sms domain.InboundSMS) []ratelimitdomain.Rule {
	var rules []ratelimitdomain.Rule
	if h.limits.PerIPPerMinute > 0 {
		rules = append(rules, ratelimitapp.ByIP("sms_inbound", clientIP(r), h.limits.PerIPPerMinute, ratelimitapp.Minute))
	}
	if h.limits.PerSenderPerHour > 0 && sms.From != "" {
		rules = append(rules, ratelimitapp.ByPhone("sms_inbound", sms.From, h.limits.PerSenderPerHour, ratelimitapp.Hour))
	}
	return rules
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func firstHeaderValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
