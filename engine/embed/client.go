// Package embed implements the Embedding Client: maps text to fixed
// dimensional vectors via an HTTP embedding provider, with a process-level
// content-keyed cache, retry/backoff, and request pacing.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iadarshrawat/ticket-rag-ingest/engine/ierr"
	"github.com/iadarshrawat/ticket-rag-ingest/pkg/cache"
	"github.com/iadarshrawat/ticket-rag-ingest/pkg/fn"
	"github.com/iadarshrawat/ticket-rag-ingest/pkg/resilience"
)

const (
	// SafeMaxChars bounds the text sent to the provider. Chosen above the
	// chunker's own MaxChunkChars so a conversation part never triggers it;
	// it acts as a safety net for longer text (an unsplit chunk with a very
	// long description, or text the chunker didn't produce).
	SafeMaxChars   = 7000
	truncationMark = "… [truncated]"

	maxAttempts      = 5
	initialBackoff   = time.Second
	interRequestWait = 20 * time.Millisecond
	requestTimeout   = 60 * time.Second
)

// Vector is a fixed-dimensional embedding.
type Vector []float32

// Client embeds text via an HTTP provider exposing a single /v1/embeddings
// endpoint, the common shape across OpenAI-compatible providers.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	limiter *resilience.Limiter
	breaker *resilience.Breaker
	cache   *cache.Map[string, Vector]
	logger  *slog.Logger
}

// New creates a Client against baseURL using apiKey and model.
func New(baseURL, apiKey, model string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: requestTimeout},
		limiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: 1.0 / interRequestWait.Seconds(), Burst: 1}),
		breaker: resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 3, Timeout: 30 * time.Second}),
		cache:   cache.NewMap[string, Vector](),
		logger:  logger,
	}
}

type embedRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	EncodingFormat string   `json:"encoding_format"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns text's embedding vector, serving from cache when the exact
// truncated text has been embedded before.
func (c *Client) Embed(ctx context.Context, text string) (Vector, error) {
	key := truncate(text)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	// Each exhausted retry budget feeds the breaker; once it opens, the
	// rest of a batch fails fast instead of burning five attempts per text
	// against a provider that is down.
	var vectors []Vector
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var remoteErr error
		vectors, remoteErr = c.embedRemote(ctx, []string{key})
		return remoteErr
	})
	if err != nil {
		return nil, err
	}
	v := vectors[0]
	c.cache.Set(key, v)
	return v, nil
}

// BatchOpts configures EmbedBatch.
type BatchOpts struct {
	BatchSize       int
	InterBatchDelay time.Duration
	OnProgress      func(done, total int)
}

// EmbedBatch embeds texts sequentially in groups of BatchSize, pausing
// InterBatchDelay between groups. A failure anywhere fails the whole
// batch; callers wanting partial progress must pre-partition their input.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, opts BatchOpts) ([]Vector, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	out := make([]Vector, 0, len(texts))

	for start := 0; start < len(texts); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		for _, text := range texts[start:end] {
			v, err := c.Embed(ctx, text)
			if err != nil {
				return nil, fmt.Errorf("embed batch: item %d: %w", len(out), err)
			}
			out = append(out, v)
		}
		if opts.OnProgress != nil {
			opts.OnProgress(len(out), len(texts))
		}
		if end < len(texts) && opts.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(opts.InterBatchDelay):
			}
		}
	}
	return out, nil
}

// EmbedBatchParallel embeds texts concurrently, preserving input order.
// Concurrency is capped at 5 workers regardless of the argument; the
// per-request rate limit still applies, so this trades a little burstiness
// for wall-clock time on large batches. A failure anywhere fails the call.
func (c *Client) EmbedBatchParallel(ctx context.Context, texts []string, workers int) ([]Vector, error) {
	if workers <= 0 || workers > maxParallelWorkers {
		workers = maxParallelWorkers
	}
	results := fn.ParMapResult(texts, workers, func(text string) fn.Result[Vector] {
		return fn.FromPair(c.Embed(ctx, text))
	})
	return fn.Collect(results).Unwrap()
}

const maxParallelWorkers = 5

// ClearCache empties the embedding cache.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

// CacheStats reports the number of cached entries and a conservative
// memory estimate.
type CacheStats struct {
	Entries        int
	EstimatedBytes int64
}

// CacheStats returns the current cache size.
func (c *Client) CacheStats() CacheStats {
	var stats CacheStats
	c.cache.Range(func(key string, v Vector) {
		stats.Entries++
		stats.EstimatedBytes += int64(len(key)) + int64(len(v))*4
	})
	return stats
}

func truncate(text string) string {
	if len(text) <= SafeMaxChars {
		return text
	}
	limit := SafeMaxChars - len(truncationMark)
	if limit < 0 {
		limit = 0
	}
	return strings.TrimSpace(text[:limit]) + truncationMark
}

// embedRemote performs the HTTP call for a batch of already-truncated
// texts, with the retry/backoff policy the embedding provider requires.
func (c *Client) embedRemote(ctx context.Context, texts []string) ([]Vector, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts, EncodingFormat: "float"})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	wait := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var respBody []byte
		var status int
		var retryAfter time.Duration
		var callErr error

		waitErr := c.limiter.CallWait(ctx, func(ctx context.Context) error {
			respBody, status, retryAfter, callErr = c.attempt(ctx, body)
			return callErr
		})
		if waitErr != nil && callErr == nil {
			return nil, waitErr
		}

		if callErr == nil && status == http.StatusOK {
			var parsed embedResponse
			if err := json.Unmarshal(respBody, &parsed); err != nil {
				return nil, fmt.Errorf("embed: decode response: %w", err)
			}
			if len(parsed.Data) != len(texts) {
				return nil, &ierr.PermanentRemoteError{Op: "embed", Err: fmt.Errorf("expected %d vectors, got %d", len(texts), len(parsed.Data))}
			}
			out := make([]Vector, len(parsed.Data))
			for i, d := range parsed.Data {
				out[i] = d.Embedding
			}
			return out, nil
		}

		switch {
		case status == http.StatusTooManyRequests:
			c.logger.Warn("embed: rate limited", "retry_after", retryAfter)
			if err := sleepCtx(ctx, retryAfter); err != nil {
				return nil, err
			}
			continue

		case status == http.StatusNotFound:
			return nil, &ierr.PermanentRemoteError{Op: "embed", StatusCode: status, Body: string(respBody), Err: fmt.Errorf("model not found")}

		case status >= 500 || callErr != nil:
			if attempt == maxAttempts {
				return nil, &ierr.TransientRemoteError{Op: "embed", Attempts: attempt, Err: firstNonNil(callErr, fmt.Errorf("http %d", status))}
			}
			c.logger.Warn("embed: transient failure, retrying", "status", status, "attempt", attempt, "err", callErr)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			wait *= 2
			continue

		default:
			return nil, &ierr.PermanentRemoteError{Op: "embed", StatusCode: status, Body: string(respBody)}
		}
	}
	return nil, &ierr.TransientRemoteError{Op: "embed", Attempts: maxAttempts, Err: fmt.Errorf("retry budget exhausted")}
}

func (c *Client) attempt(ctx context.Context, body []byte) ([]byte, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, 0, err
	}

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return data, resp.StatusCode, retryAfter, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return initialBackoff
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return initialBackoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
