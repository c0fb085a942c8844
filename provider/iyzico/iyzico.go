package iyzico

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/infra/redact"
	"github.com/mstgnz/paygate/provider"
)

const (
	// API URLs
	apiSandboxURL = "https://sandbox-api.iyzipay.com"
	apiLiveURL    = "https://api.iyzipay.com"

	// Hosted checkout page URLs
	checkoutSandboxURL = "https://sandbox-cpp.iyzipay.com"
	checkoutLiveURL    = "https://cpp.iyzipay.com"

	// API Endpoints
	endpointCheckoutInit   = "/payment/iyzipos/checkoutform/initialize/auth/ecom"
	endpointCheckoutDetail = "/payment/iyzipos/checkoutform/auth/ecom/detail"
	endpointRefund         = "/payment/refund"
	endpointCancel         = "/payment/cancel"
	endpointBinCheck       = "/payment/bin/check"
	endpointInstallment    = "/payment/iyzipos/installment"

	statusSuccess = "success"
	statusFailure = "failure"

	providerName         = "iyzico"
	defaultTimeout       = 60 * time.Second
	defaultTokenLifetime = 1800 * time.Second
)

// BaseURL returns the API base URL for mode
func BaseURL(mode provider.Mode) string {
	if mode == provider.ModeLive {
		return apiLiveURL
	}
	return apiSandboxURL
}

// CheckoutPageURL returns the hosted checkout page base URL for mode
func CheckoutPageURL(mode provider.Mode) string {
	if mode == provider.ModeLive {
		return checkoutLiveURL
	}
	return checkoutSandboxURL
}

// Client talks to the iyzico API. It holds no per-transaction state and is safe for concurrent use.
type Client struct {
	cred     provider.Credential
	settings provider.Settings
	signer   *Signer
	http     *provider.ProviderHTTPClient
	backoff  provider.Backoff
	audit    provider.AuditSink
	now      func() time.Time
}

// Option customises a Client
type Option func(*Client)

// WithAuditSink records every exchange (redacted) to sink
func WithAuditSink(sink provider.AuditSink) Option {
	return func(c *Client) { c.audit = sink }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates an iyzico client. Credential.BaseURL is derived from the mode when empty.
func New(cred provider.Credential, settings provider.Settings, opts ...Option) (*Client, error) {
	if cred.APIKey == "" || cred.SecretKey == "" {
		return nil, errors.New("iyzico: apiKey and secretKey are required")
	}
	if cred.Mode != provider.ModeSandbox && cred.Mode != provider.ModeLive {
		return nil, fmt.Errorf("iyzico: unknown mode %q", cred.Mode)
	}
	if cred.BaseURL == "" {
		cred.BaseURL = BaseURL(cred.Mode)
	}

	timeout := settings.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	backoff := provider.DefaultBackoff
	if settings.MaxAttempts > 0 {
		backoff.Attempts = settings.MaxAttempts
	}
	if settings.BackoffBase > 0 {
		backoff.Base = settings.BackoffBase
	}
	if settings.BackoffMax > 0 {
		backoff.Max = settings.BackoffMax
	}

	c := &Client{
		cred:     cred,
		settings: settings,
		signer:   NewSigner(cred.SecretKey),
		http:     provider.NewProviderHTTPClient(provider.CreateHTTPClientConfig(cred.BaseURL, timeout)),
		backoff:  backoff,
		audit:    settings.Audit,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewGateway adapts New to provider.GatewayFactory
func NewGateway(cred provider.Credential, settings provider.Settings) (provider.Gateway, error) {
	return New(cred, settings)
}

// Name implements provider.Gateway
func (c *Client) Name() string { return providerName }

// Signer exposes the signer bound to this client's secret
func (c *Client) Signer() *Signer { return c.signer }

// envelope carries the fields every iyzico response shares
type envelope struct {
	Status         string `json:"status"`
	ErrorCode      string `json:"errorCode"`
	ErrorMessage   string `json:"errorMessage"`
	ErrorGroup     string `json:"errorGroup"`
	Locale         string `json:"locale"`
	SystemTime     int64  `json:"systemTime"`
	ConversationID string `json:"conversationId"`
}

// header is promoted to every response type embedding envelope
func (e envelope) header() envelope { return e }

func (e envelope) failed() bool {
	return e.Status == statusFailure
}

// serverError is a 5xx answer; the request may or may not have been processed
type serverError struct {
	StatusCode int
}

func (e *serverError) Error() string {
	return fmt.Sprintf("gateway returned HTTP %d", e.StatusCode)
}

// malformedResponseError is an answer that could not be decoded
type malformedResponseError struct {
	StatusCode int
	Err        error
}

func (e *malformedResponseError) Error() string {
	return fmt.Sprintf("malformed gateway response (HTTP %d): %v", e.StatusCode, e.Err)
}

func (e *malformedResponseError) Unwrap() error { return e.Err }

// exchange signs and posts payload to path, then decodes the answer into target.
// target must embed envelope. A failure envelope becomes a *provider.GatewayError.
func (c *Client) exchange(ctx context.Context, op, reference, path string, payload any, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("iyzico: failed to marshal %s request: %w", op, err)
	}

	headers := c.signer.AuthHeaders(c.cred.APIKey, NewRandomKey(), path, body)
	started := c.now()

	logger.Debug("iyzico request", logger.LogContext{
		Provider:  providerName,
		Reference: reference,
		Fields:    map[string]any{"operation": op, "path": path, "payload": redact.JSON(body)},
	})

	resp, err := c.http.PostJSON(ctx, path, headers, body)
	if err != nil {
		c.record(ctx, op, reference, path, body, nil, 0, started, err)
		return err
	}
	c.record(ctx, op, reference, path, body, resp.Body, resp.StatusCode, started, nil)

	if resp.StatusCode >= 500 {
		return &serverError{StatusCode: resp.StatusCode}
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	if err := dec.Decode(target); err != nil {
		if !resp.IsSuccess() {
			return &provider.GatewayError{
				Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
				Message:    "gateway rejected the request",
				HTTPStatus: resp.StatusCode,
			}
		}
		return &malformedResponseError{StatusCode: resp.StatusCode, Err: err}
	}

	env, ok := target.(interface{ header() envelope })
	if !ok {
		return nil
	}
	h := env.header()
	if h.failed() || !resp.IsSuccess() {
		return &provider.GatewayError{
			Code:       orDefault(h.ErrorCode, fmt.Sprintf("HTTP_%d", resp.StatusCode)),
			Message:    orDefault(h.ErrorMessage, ErrorMessage(h.ErrorCode, c.locale(""))),
			HTTPStatus: resp.StatusCode,
		}
	}
	if h.Status != statusSuccess {
		return &malformedResponseError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %q", h.Status)}
	}
	return nil
}

func (c *Client) record(ctx context.Context, op, reference, path string, req, resp []byte, status int, started time.Time, err error) {
	if c.audit == nil {
		return
	}
	entry := provider.ExchangeLog{
		Provider:   providerName,
		Operation:  op,
		Reference:  reference,
		Path:       path,
		Mode:       string(c.cred.Mode),
		StatusCode: status,
		Duration:   c.now().Sub(started),
		Request:    redact.JSON(req),
		Response:   redact.JSON(resp),
		Timestamp:  started.UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	c.audit.RecordExchange(ctx, entry)
}

// retryableRead decides whether an idempotent call should be attempted again
func retryableRead(err error) bool {
	var te *provider.TransportError
	if errors.As(err, &te) {
		return true
	}
	var se *serverError
	return errors.As(err, &se)
}

// callIdempotent runs a read-only exchange under the bounded backoff policy
func (c *Client) callIdempotent(ctx context.Context, op, reference, path string, payload any, target any) error {
	attempt := 0
	return provider.Retry(ctx, c.backoff, retryableRead, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			logger.Warn("retrying iyzico read", logger.LogContext{
				Provider:  providerName,
				Reference: reference,
				Fields:    map[string]any{"operation": op, "attempt": attempt},
			})
		}
		return c.exchange(ctx, op, reference, path, payload, target)
	})
}

// callOnce runs a side-effecting exchange. It is repeated at most once, and only when the
// first attempt provably never reached the gateway. Any other delivery failure is ambiguous.
func (c *Client) callOnce(ctx context.Context, op, reference, path string, payload any, target any) error {
	err := c.exchange(ctx, op, reference, path, payload, target)
	if notSent(err) {
		logger.Warn("iyzico request not delivered, retrying once", logger.LogContext{
			Provider:  providerName,
			Reference: reference,
			Fields:    map[string]any{"operation": op},
		})
		err = c.exchange(ctx, op, reference, path, payload, target)
		if notSent(err) {
			return fmt.Errorf("iyzico: %s: %w: %v", op, provider.ErrGatewayUnreachable, err)
		}
	}
	if err == nil {
		return nil
	}
	if ambiguous(err) {
		logger.Error("iyzico outcome unknown, manual reconciliation required", err, logger.LogContext{
			Provider:  providerName,
			Reference: reference,
			Fields:    map[string]any{"operation": op},
		})
		return &provider.AmbiguousOutcomeError{Operation: op, Reference: reference, Err: err}
	}
	return err
}

func notSent(err error) bool {
	var te *provider.TransportError
	return errors.As(err, &te) && te.NotSent
}

func ambiguous(err error) bool {
	var te *provider.TransportError
	if errors.As(err, &te) {
		return !te.NotSent
	}
	var se *serverError
	if errors.As(err, &se) {
		return true
	}
	var me *malformedResponseError
	return errors.As(err, &me)
}

func (c *Client) locale(requested string) string {
	if requested != "" {
		return MapLocale(requested)
	}
	if c.settings.Locale != "" {
		return MapLocale(c.settings.Locale)
	}
	return defaultLocale
}

// newConversationID returns a short random correlation id for calls not tied to a reference
func newConversationID() string {
	return NewRandomKey()
}

// idempotencyConversationID keeps caller keys usable as conversationId while bounding length
func idempotencyConversationID(key string) string {
	if key == "" {
		return uuid.NewString()
	}
	return key
}
