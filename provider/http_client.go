package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPClientConfig represents configuration for HTTP client
type HTTPClientConfig struct {
	BaseURL        string
	Timeout        time.Duration
	DefaultHeaders map[string]string
}

// HTTPResponse represents a standardized HTTP response
type HTTPResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// IsSuccess reports a 2xx status
func (r *HTTPResponse) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// TransportError wraps a failure where no HTTP response was received.
// NotSent is true only when the request provably never left this process.
type TransportError struct {
	Err     error
	NotSent bool
	Timeout bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProviderHTTPClient provides the outbound HTTP plumbing shared by gateway implementations.
// Retries are deliberately disabled at this layer; each gateway operation owns its retry policy.
type ProviderHTTPClient struct {
	config *HTTPClientConfig
	client *resty.Client
}

// NewProviderHTTPClient creates a new provider HTTP client
func NewProviderHTTPClient(config *HTTPClientConfig) *ProviderHTTPClient {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.Timeout).
		SetRetryCount(0).
		SetHeaders(config.DefaultHeaders)

	return &ProviderHTTPClient{
		config: config,
		client: client,
	}
}

// PostJSON posts an already-encoded JSON body. A non-2xx status is not an error here.
func (c *ProviderHTTPClient) PostJSON(ctx context.Context, path string, headers map[string]string, body []byte) (*HTTPResponse, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(path)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	return &HTTPResponse{
		StatusCode: resp.StatusCode(),
		Headers:    resp.Header(),
		Body:       resp.Body(),
	}, nil
}

// BaseURL returns the configured base URL
func (c *ProviderHTTPClient) BaseURL() string {
	return c.config.BaseURL
}

func classifyTransportError(err error) *TransportError {
	te := &TransportError{Err: err}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		te.NotSent = true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		te.NotSent = true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		te.Timeout = true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		te.Timeout = true
	}

	return te
}

// CreateHTTPClientConfig creates a standard HTTP client configuration for gateways
func CreateHTTPClientConfig(baseURL string, timeout time.Duration) *HTTPClientConfig {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClientConfig{
		BaseURL: baseURL,
		Timeout: timeout,
		DefaultHeaders: map[string]string{
			"Accept":     "application/json",
			"User-Agent": "paygate/1.0",
		},
	}
}
