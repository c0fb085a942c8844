package opensearch

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

const defaultIndexPrefix = "paygate"

// Index kinds written by this package
const (
	IndexExchanges = "exchanges"
	IndexSecurity  = "security"
	IndexSystem    = "system-logs"
)

// ClientConfig configures the OpenSearch connection
type ClientConfig struct {
	URL         string
	Username    string
	Password    string
	IndexPrefix string
	Enabled     bool
	// InsecureTLS skips certificate checks, only meant for local clusters
	InsecureTLS bool
}

// Client wraps the OpenSearch client
type Client struct {
	client  *opensearch.Client
	prefix  string
	enabled bool
}

// NewClient creates a new OpenSearch client
func NewClient(cfg ClientConfig) (*Client, error) {
	opensearchConfig := opensearch.Config{
		Addresses: []string{cfg.URL},
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureTLS, //nolint:gosec
			},
		},
		MaxRetries:    3,
		RetryOnStatus: []int{502, 503, 504, 429},
		RetryBackoff: func(i int) time.Duration {
			return time.Duration(i) * 100 * time.Millisecond
		},
	}

	if cfg.Username != "" && cfg.Password != "" {
		opensearchConfig.Username = cfg.Username
		opensearchConfig.Password = cfg.Password
	}

	client, err := opensearch.NewClient(opensearchConfig)
	if err != nil {
		return nil, fmt.Errorf("opensearch client: %w", err)
	}

	prefix := cfg.IndexPrefix
	if prefix == "" {
		prefix = defaultIndexPrefix
	}

	return &Client{
		client:  client,
		prefix:  prefix,
		enabled: cfg.Enabled,
	}, nil
}

// GetClient returns the underlying OpenSearch client
func (c *Client) GetClient() *opensearch.Client {
	return c.client
}

// IsEnabled returns whether OpenSearch shipping is enabled
func (c *Client) IsEnabled() bool {
	return c.enabled
}

// IndexName returns the full index name for kind
func (c *Client) IndexName(kind string) string {
	return c.prefix + "-" + kind
}

// SetupIndices creates the exchange, security and system indices when missing
func (c *Client) SetupIndices(ctx context.Context) error {
	if !c.enabled {
		return nil
	}

	mappings := map[string]string{
		IndexExchanges: exchangeMapping,
		IndexSecurity:  securityMapping,
		IndexSystem:    systemMapping,
	}

	for kind, mapping := range mappings {
		indexName := c.IndexName(kind)

		exists, err := c.indexExists(ctx, indexName)
		if err != nil {
			return fmt.Errorf("check index %s: %w", indexName, err)
		}
		if exists {
			continue
		}
		if err := c.createIndex(ctx, indexName, mapping); err != nil {
			return fmt.Errorf("create index %s: %w", indexName, err)
		}
		log.Printf("Created OpenSearch index: %s", indexName)
	}

	return nil
}

// Ping checks that the cluster answers
func (c *Client) Ping(ctx context.Context) error {
	res, err := opensearchapi.PingRequest{}.Do(ctx, c.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch ping: %s", res.Status())
	}
	return nil
}

func (c *Client) indexExists(ctx context.Context, indexName string) (bool, error) {
	req := opensearchapi.IndicesExistsRequest{
		Index: []string{indexName},
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()

	return res.StatusCode == http.StatusOK, nil
}

func (c *Client) createIndex(ctx context.Context, indexName, mapping string) error {
	req := opensearchapi.IndicesCreateRequest{
		Index: indexName,
		Body:  strings.NewReader(mapping),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index creation error: %s", res.String())
	}

	return nil
}

const exchangeMapping = `{
	"mappings": {
		"properties": {
			"timestamp":   {"type": "date", "format": "strict_date_optional_time||epoch_millis"},
			"provider":    {"type": "keyword"},
			"operation":   {"type": "keyword"},
			"reference":   {"type": "keyword"},
			"path":        {"type": "keyword"},
			"mode":        {"type": "keyword"},
			"status_code": {"type": "integer"},
			"duration_ms": {"type": "long"},
			"request":     {"type": "object", "enabled": false},
			"response":    {"type": "object", "enabled": false},
			"error":       {"type": "text"}
		}
	},
	"settings": {"number_of_shards": 1, "number_of_replicas": 0}
}`

const securityMapping = `{
	"mappings": {
		"properties": {
			"timestamp": {"type": "date", "format": "strict_date_optional_time||epoch_millis"},
			"kind":      {"type": "keyword"},
			"provider":  {"type": "keyword"},
			"reference": {"type": "keyword"},
			"source":    {"type": "keyword"},
			"details":   {"type": "object", "enabled": false}
		}
	},
	"settings": {"number_of_shards": 1, "number_of_replicas": 0}
}`

const systemMapping = `{
	"mappings": {
		"properties": {
			"timestamp":  {"type": "date", "format": "strict_date_optional_time||epoch_millis"},
			"level":      {"type": "keyword"},
			"message":    {"type": "text"},
			"component":  {"type": "keyword"},
			"reference":  {"type": "keyword"},
			"provider":   {"type": "keyword"},
			"request_id": {"type": "keyword"},
			"error":      {"type": "text"}
		}
	},
	"settings": {"number_of_shards": 1, "number_of_replicas": 0}
}`
