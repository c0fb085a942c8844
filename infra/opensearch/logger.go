package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/infra/redact"
	"github.com/mstgnz/paygate/provider"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

const shipTimeout = 5 * time.Second

// ExchangeDoc is the indexed form of a gateway exchange
type ExchangeDoc struct {
	Timestamp  time.Time `json:"timestamp"`
	Provider   string    `json:"provider"`
	Operation  string    `json:"operation"`
	Reference  string    `json:"reference,omitempty"`
	Path       string    `json:"path"`
	Mode       string    `json:"mode"`
	StatusCode int       `json:"status_code"`
	DurationMs int64     `json:"duration_ms"`
	Request    any       `json:"request,omitempty"`
	Response   any       `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// SecurityDoc is the indexed form of a security event
type SecurityDoc struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Provider  string         `json:"provider"`
	Reference string         `json:"reference,omitempty"`
	Source    string         `json:"source,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger ships audit trails and system logs to OpenSearch
type Logger struct {
	client *Client
}

// NewLogger creates a new OpenSearch logger
func NewLogger(client *Client) *Logger {
	return &Logger{
		client: client,
	}
}

// RecordExchange indexes a gateway exchange in the background
func (l *Logger) RecordExchange(_ context.Context, entry provider.ExchangeLog) {
	if !l.client.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
		defer cancel()
		if err := l.IndexExchange(ctx, entry); err != nil {
			log.Printf("failed to index exchange %s/%s: %v", entry.Operation, entry.Reference, err)
		}
	}()
}

// RecordSecurityEvent indexes a security event in the background
func (l *Logger) RecordSecurityEvent(_ context.Context, event provider.SecurityEvent) {
	if !l.client.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
		defer cancel()
		if err := l.IndexSecurityEvent(ctx, event); err != nil {
			log.Printf("failed to index security event %s: %v", event.Kind, err)
		}
	}()
}

// IndexExchange writes one exchange document and waits for the result
func (l *Logger) IndexExchange(ctx context.Context, entry provider.ExchangeLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	doc := ExchangeDoc{
		Timestamp:  entry.Timestamp,
		Provider:   entry.Provider,
		Operation:  entry.Operation,
		Reference:  entry.Reference,
		Path:       entry.Path,
		Mode:       entry.Mode,
		StatusCode: entry.StatusCode,
		DurationMs: entry.Duration.Milliseconds(),
		Request:    redact.Value(entry.Request),
		Response:   redact.Value(entry.Response),
		Error:      redact.String(entry.Error),
	}

	return l.index(ctx, l.client.IndexName(IndexExchanges), doc)
}

// IndexSecurityEvent writes one security document and waits for the result
func (l *Logger) IndexSecurityEvent(ctx context.Context, event provider.SecurityEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	doc := SecurityDoc{
		Timestamp: event.Timestamp,
		Kind:      event.Kind,
		Provider:  event.Provider,
		Reference: event.Reference,
		Source:    event.Source,
		Details:   redact.Map(event.Details),
	}

	return l.index(ctx, l.client.IndexName(IndexSecurity), doc)
}

// LogSystemEvent logs a system event to OpenSearch
func (l *Logger) LogSystemEvent(ctx context.Context, entry logger.SystemLog) error {
	if !l.client.IsEnabled() {
		return nil
	}
	return l.index(ctx, l.client.IndexName(IndexSystem), entry)
}

func (l *Logger) index(ctx context.Context, indexName string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	req := opensearchapi.IndexRequest{
		Index: indexName,
		Body:  bytes.NewReader(body),
	}

	res, err := req.Do(ctx, l.client.GetClient())
	if err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch error: %s", res.String())
	}

	return nil
}

// ExchangesForReference returns the newest exchanges recorded for a transaction reference
func (l *Logger) ExchangesForReference(ctx context.Context, reference string) ([]ExchangeDoc, error) {
	query := map[string]any{
		"term": map[string]any{"reference": reference},
	}

	var docs []ExchangeDoc
	if err := l.search(ctx, l.client.IndexName(IndexExchanges), query, 100, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// RecentSecurityEvents returns security events recorded within the last hours
func (l *Logger) RecentSecurityEvents(ctx context.Context, hours int) ([]SecurityDoc, error) {
	query := map[string]any{
		"range": map[string]any{
			"timestamp": map[string]any{
				"gte": fmt.Sprintf("now-%dh", hours),
			},
		},
	}

	var docs []SecurityDoc
	if err := l.search(ctx, l.client.IndexName(IndexSecurity), query, 100, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// search runs query against indexName and decodes every hit's _source into out, which must be a pointer to a slice
func (l *Logger) search(ctx context.Context, indexName string, query map[string]any, size int, out any) error {
	if !l.client.IsEnabled() {
		return fmt.Errorf("logging is disabled")
	}

	searchQuery := map[string]any{
		"query": query,
		"sort": []map[string]any{
			{"timestamp": map[string]string{"order": "desc"}},
		},
		"size": size,
	}

	queryJSON, err := json.Marshal(searchQuery)
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}

	req := opensearchapi.SearchRequest{
		Index: []string{indexName},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, l.client.GetClient())
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch search error: %s", res.String())
	}

	var searchResult struct {
		Hits struct {
			Hits []struct {
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&searchResult); err != nil {
		return fmt.Errorf("failed to decode search results: %w", err)
	}

	sources := make([]json.RawMessage, len(searchResult.Hits.Hits))
	for i, hit := range searchResult.Hits.Hits {
		sources[i] = hit.Source
	}
	joined, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	return json.Unmarshal(joined, out)
}

var (
	_ provider.AuditSink = (*Logger)(nil)
	_ logger.Sink        = (*Logger)(nil)
)
