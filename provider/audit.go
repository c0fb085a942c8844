package provider

import (
	"context"
	"time"
)

// ExchangeLog is one redacted request/response pair with the gateway
type ExchangeLog struct {
	Provider   string        `json:"provider"`
	Operation  string        `json:"operation"`
	Reference  string        `json:"reference,omitempty"`
	Path       string        `json:"path"`
	Mode       string        `json:"mode"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	Request    any           `json:"request,omitempty"`
	Response   any           `json:"response,omitempty"`
	Error      string        `json:"error,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// SecurityEvent records a failed signature check or other security-relevant rejection
type SecurityEvent struct {
	Kind      string         `json:"kind"`
	Provider  string         `json:"provider"`
	Reference string         `json:"reference,omitempty"`
	Source    string         `json:"source,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditSink receives gateway exchanges and security events. Implementations must not block
// the caller for long and must only ever see redacted payloads.
type AuditSink interface {
	RecordExchange(ctx context.Context, entry ExchangeLog)
	RecordSecurityEvent(ctx context.Context, event SecurityEvent)
}
