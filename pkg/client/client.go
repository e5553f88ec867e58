package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/ledger"
)

// ErrNotFound is returned when the daemon has no such edge.
var ErrNotFound = errors.New("not found")

// Client reads road network state from a roadnet daemon.
type Client struct {
	endpoint   string
	http       *http.Client
	backoff    BackoffStrategy
	maxRetries int
}

// NewClient creates a new roadnet client.
// endpoint defaults to "http://127.0.0.1:8095" if empty.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8095"
	}
	return &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		backoff:    DefaultBackoff(),
		maxRetries: 3,
	}
}

// WithRetries sets how often a request is retried after a network error or
// a 5xx response. 0 disables retries.
func (c *Client) WithRetries(n int, b BackoffStrategy) *Client {
	c.maxRetries = n
	if b != nil {
		c.backoff = b
	}
	return c
}

// statusError is a non-retryable HTTP status.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status: %d", e.code)
}

// getJSON fetches path and decodes the body into out, retrying transient
// failures with backoff.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.backoff.Next(attempt-1)); err != nil {
				return err
			}
		}

		retry, err := c.once(ctx, path, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) once(ctx context.Context, path string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return true, &statusError{code: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return false, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return false, &statusError{code: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return false, nil
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) (Health, error) {
	var h Health
	err := c.getJSON(ctx, "/v1/health", &h)
	return h, err
}

// GetStatus fetches the pipeline status.
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	var s Status
	err := c.getJSON(ctx, "/v1/status", &s)
	return s, err
}

// GetGraph fetches a snapshot of the road graph.
func (c *Client) GetGraph(ctx context.Context) (graph.Graph, error) {
	var g graph.Graph
	err := c.getJSON(ctx, "/v1/graph", &g)
	return g, err
}

// GetEdges lists edges, all of them when status is empty.
func (c *Client) GetEdges(ctx context.Context, status graph.EdgeStatus, limit int) ([]graph.Edge, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/edges"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp EdgesResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Edges, nil
}

// GetEdge fetches one edge. It returns ErrNotFound for unknown keys.
func (c *Client) GetEdge(ctx context.Context, key graph.SpatialKey) (graph.Edge, error) {
	var e graph.Edge
	err := c.getJSON(ctx, "/v1/edges?key="+url.QueryEscape(key.String()), &e)
	return e, err
}

// GetSegments fetches the whole segment table.
func (c *Client) GetSegments(ctx context.Context) (ledger.Table, error) {
	var t ledger.Table
	err := c.getJSON(ctx, "/v1/segments", &t)
	return t, err
}

// GetPartitionSegments fetches the entries recorded for one partition.
func (c *Client) GetPartitionSegments(ctx context.Context, coord ledger.PartitionCoord) ([]ledger.SegmentEntry, error) {
	var entries []ledger.SegmentEntry
	err := c.getJSON(ctx, "/v1/segments?partition="+url.QueryEscape(coord.String()), &entries)
	return entries, err
}

// GetPathSegments fetches the entries recorded for one edge path.
func (c *Client) GetPathSegments(ctx context.Context, key graph.SpatialKey) ([]ledger.SegmentEntry, error) {
	var entries []ledger.SegmentEntry
	err := c.getJSON(ctx, "/v1/segments?path="+url.QueryEscape(key.String()), &entries)
	return entries, err
}
