package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// Filter maps metadata field names to operator expressions ($eq, $in,
// $gte, $lte). It is forwarded to the store as-is; this client does not
// interpret filter semantics.
type Filter map[string]interface{}

type Vector struct {
	ID       string                 `json:"id"`
	Values   []float32              `json:"values"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type Match struct {
	ID       string                 `json:"id"`
	Score    float32                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// QueryResult is the soft-failure query envelope. Failed is set instead of
// returning a Go error so read-path callers degrade to "no context found"
// rather than failing the whole request.
type QueryResult struct {
	Matches    []Match `json:"matches"`
	Failed     bool    `json:"failed"`
	ErrMessage string  `json:"err_message,omitempty"`
}

type HealthStatus struct {
	Healthy     bool   `json:"healthy"`
	VectorCount int64  `json:"vector_count"`
	ErrMessage  string `json:"err_message,omitempty"`
}

type Config struct {
	Host      string
	APIKey    string
	Dimension int
	Namespace string
	Timeout   time.Duration
}

// Client is a thin REST wrapper over the vector database. It validates
// vector dimensions before every outbound call and never retries; retry
// responsibility sits with callers, since upserts are idempotent by id.
type Client struct {
	http      *http.Client
	host      string
	apiKey    string
	dims      int
	namespace string
}

func New(cfg Config) (*Client, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, fmt.Errorf("vectorstore: host is required")
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vectorstore: api key is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("vectorstore: dimension must be positive")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		host:      strings.TrimSuffix(host, "/"),
		apiKey:    cfg.APIKey,
		dims:      cfg.Dimension,
		namespace: cfg.Namespace,
	}, nil
}

func (c *Client) Dimension() int {
	return c.dims
}

type upsertRequest struct {
	Vectors   []Vector `json:"vectors"`
	Namespace string   `json:"namespace,omitempty"`
}

type upsertResponse struct {
	UpsertedCount int `json:"upsertedCount"`
}

// Upsert writes vectors and fails hard: write-path callers need to know
// persistence did not happen.
func (c *Client) Upsert(ctx context.Context, vectors []Vector, namespace string) (int, error) {
	if len(vectors) == 0 {
		return 0, nil
	}
	for i, vec := range vectors {
		if len(vec.Values) != c.dims {
			return 0, fmt.Errorf("vectorstore: vector %d (%s) has dimension %d, want %d", i, vec.ID, len(vec.Values), c.dims)
		}
	}
	var out upsertResponse
	if err := c.post(ctx, "/vectors/upsert", upsertRequest{
		Vectors:   vectors,
		Namespace: c.resolveNamespace(namespace),
	}, &out); err != nil {
		return 0, err
	}
	return out.UpsertedCount, nil
}

type queryRequest struct {
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
	Filter          Filter    `json:"filter,omitempty"`
	Namespace       string    `json:"namespace,omitempty"`
}

type queryResponse struct {
	Matches []Match `json:"matches"`
}

// Query runs a nearest-neighbor search. It never returns a Go error: any
// validation, network or non-2xx failure comes back as a QueryResult with
// Failed set and no matches.
func (c *Client) Query(ctx context.Context, vector []float32, topK int, includeMetadata bool, filter Filter, namespace string) QueryResult {
	if len(vector) != c.dims {
		return QueryResult{
			Matches:    []Match{},
			Failed:     true,
			ErrMessage: fmt.Sprintf("query vector has dimension %d, want %d", len(vector), c.dims),
		}
	}
	if topK <= 0 {
		topK = 10
	}
	var out queryResponse
	err := c.post(ctx, "/query", queryRequest{
		Vector:          vector,
		TopK:            topK,
		IncludeMetadata: includeMetadata,
		Filter:          filter,
		Namespace:       c.resolveNamespace(namespace),
	}, &out)
	if err != nil {
		logutil.GetLogger(ctx).Warn("vector query failed, degrading to empty result", zap.Error(err))
		return QueryResult{Matches: []Match{}, Failed: true, ErrMessage: err.Error()}
	}
	if out.Matches == nil {
		out.Matches = []Match{}
	}
	return QueryResult{Matches: out.Matches}
}

type deleteRequest struct {
	IDs       []string `json:"ids"`
	Namespace string   `json:"namespace,omitempty"`
}

// Delete removes vectors by id and fails hard like Upsert.
func (c *Client) Delete(ctx context.Context, ids []string, namespace string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.post(ctx, "/vectors/delete", deleteRequest{
		IDs:       ids,
		Namespace: c.resolveNamespace(namespace),
	}, nil)
}

type indexStatsResponse struct {
	TotalVectorCount int64 `json:"totalVectorCount"`
}

func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	var out indexStatsResponse
	if err := c.post(ctx, "/describe_index_stats", struct{}{}, &out); err != nil {
		return HealthStatus{ErrMessage: err.Error()}
	}
	return HealthStatus{Healthy: true, VectorCount: out.TotalVectorCount}
}

func (c *Client) resolveNamespace(namespace string) string {
	if namespace != "" {
		return namespace
	}
	return c.namespace
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("vectorstore: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("vectorstore: build request: %w", err)
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vectorstore: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vectorstore: %s failed: %s: %s", path, resp.Status, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("vectorstore: decode response: %w", err)
	}
	return nil
}
