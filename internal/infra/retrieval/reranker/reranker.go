// Package reranker calls an external cross-encoder/LLM scorer to reorder
// retrieval candidates, guarded by per-attempt timeout/retry and a shared
// circuit breaker, grounded in the HTTP-client idiom of the chat-completion
// client this service also uses for generation.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/yanqian/study-abroad-rag/internal/domain/retrieval"
	"github.com/yanqian/study-abroad-rag/internal/infra/metrics/registry"
)

const (
	DefaultMaxAttempts  = 3
	DefaultTimeout      = 8 * time.Second
	DefaultBaseBackoff  = 500 * time.Millisecond
	DefaultFailureLimit = 5
	DefaultResetSeconds = 30 * time.Second
)

// breakerState is one of closed/open/half_open, per spec §4.5.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Config tunes attempt timeout, retry, and circuit-breaker thresholds.
type Config struct {
	BaseURL         string
	APIKey          string
	Model           string
	MaxAttempts     int
	Timeout         time.Duration
	BaseBackoff     time.Duration
	FailureLimit    int
	ResetSeconds    time.Duration
}

// Client reorders candidates using an external reranker, with retry,
// timeout, and a shared breaker. A single mutex in the breaker protects
// state transitions; failure counts are atomic.
type Client struct {
	cfg        Config
	httpClient *http.Client
	metrics    *registry.Registry

	breaker breaker
}

// New constructs a reranker client, defaulting any non-positive config
// field to the spec's values.
func New(cfg Config, metrics *registry.Registry) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = DefaultFailureLimit
	}
	if cfg.ResetSeconds <= 0 {
		cfg.ResetSeconds = DefaultResetSeconds
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		metrics:    metrics,
		breaker:    breaker{failureLimit: cfg.FailureLimit, resetAfter: cfg.ResetSeconds},
	}
}

type rerankRequest struct {
	Model string   `json:"model"`
	Query string   `json:"query"`
	Docs  []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// Rerank reorders items (already-scored Retrieved candidates) using the
// external reranker. It never returns an error to the caller: every
// failure mode degrades to the identity order per spec §4.5.
func (c *Client) Rerank(ctx context.Context, query string, items []retrieval.Retrieved, language string) []retrieval.Retrieved {
	c.metrics.IncrementCounter("rerank_language::"+language, 1)

	if !c.breaker.admit() {
		c.metrics.IncrementCounter("rerank_fallback::circuit_open", 1)
		c.metrics.IncrementCounter("rerank_circuit::open_skip", 1)
		return items
	}

	reordered, err := c.call(ctx, query, items)
	if err != nil {
		c.breaker.recordFailure()
		if c.breaker.state() == stateOpen {
			c.metrics.IncrementCounter("rerank_circuit::opened", 1)
		}
		c.metrics.IncrementCounter("rerank_fallback::empty_response", 1)
		return items
	}

	wasHalfOpen := c.breaker.recordSuccess()
	if wasHalfOpen {
		c.metrics.IncrementCounter("rerank_circuit::recovered", 1)
	}
	c.metrics.IncrementCounter("rerank_model::"+c.cfg.Model, 1)
	return reordered
}

// call performs the HTTP round trip with retry+backoff, honoring a
// per-attempt timeout derived from the request context.
func (c *Client) call(ctx context.Context, query string, items []retrieval.Retrieved) ([]retrieval.Retrieved, error) {
	docs := make([]string, len(items))
	for i, it := range items {
		docs[i] = it.Text
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		resp, err := c.doRequest(attemptCtx, rerankRequest{Model: c.cfg.Model, Query: query, Docs: docs})
		cancel()
		if err == nil {
			c.metrics.IncrementCounter("rerank_retry::attempt", 1)
			if attempt > 1 {
				c.metrics.IncrementCounter("rerank_retry::success_after_retry", 1)
			}
			return applyScores(items, resp), nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == c.cfg.MaxAttempts {
			break
		}
		c.metrics.IncrementCounter("rerank_retry::attempt", 1)
		backoff := c.cfg.BaseBackoff * time.Duration(1<<uint(attempt-1))
		jitter := time.Duration(float64(backoff) * (0.8 + 0.4*rand.Float64()))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.metrics.IncrementCounter("rerank_retry::exhausted", 1)
	return nil, lastErr
}

func applyScores(items []retrieval.Retrieved, resp rerankResponse) []retrieval.Retrieved {
	if len(resp.Results) == 0 {
		return items
	}
	scored := make(map[int]float64, len(resp.Results))
	for _, r := range resp.Results {
		if r.Index >= 0 && r.Index < len(items) {
			scored[r.Index] = r.Score
		}
	}
	// Scored items, sorted by score desc, followed by unscored items in
	// their pre-rerank relative order — spec's determinism clause.
	var head []retrieval.Retrieved
	var headIdx []int
	for i := range items {
		if _, ok := scored[i]; ok {
			head = append(head, items[i])
			headIdx = append(headIdx, i)
		}
	}
	for a := 0; a < len(head); a++ {
		for b := a + 1; b < len(head); b++ {
			if scored[headIdx[b]] > scored[headIdx[a]] {
				head[a], head[b] = head[b], head[a]
				headIdx[a], headIdx[b] = headIdx[b], headIdx[a]
			}
		}
	}
	for i, h := range head {
		h.Score = scored[headIdx[i]]
		head[i] = h
	}

	var tail []retrieval.Retrieved
	for i := range items {
		if _, ok := scored[i]; !ok {
			tail = append(tail, items[i])
		}
	}
	return append(head, tail...)
}

func (c *Client) doRequest(ctx context.Context, req rerankRequest) (rerankResponse, error) {
	var out rerankResponse
	payload, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return out, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return out, retryableErr{err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return out, retryableErr{err: fmt.Errorf("reranker status %d: %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode >= 300 {
		return out, fmt.Errorf("reranker status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode rerank response: %w", err)
	}
	return out, nil
}

type retryableErr struct{ err error }

func (r retryableErr) Error() string { return r.err.Error() }
func (r retryableErr) Unwrap() error { return r.err }

func isRetryable(err error) bool {
	var re retryableErr
	return errors.As(err, &re)
}
