// Package ticketing implements the rate-limited, retrying HTTP client used
// to talk to the ticketing platform's REST API, plus the raw wire types it
// returns. It is the sole owner of authentication, pagination, and the
// retry/backoff policy described for the ticketing API.
package ticketing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/iadarshrawat/ticket-rag-ingest/engine/ierr"
	"github.com/iadarshrawat/ticket-rag-ingest/pkg/cache"
	"golang.org/x/time/rate"
)

const (
	maxAttempts       = 5
	initialBackoff    = time.Second
	defaultTimeout    = 30 * time.Second
	defaultBucketRate = 2.0 // requests/sec
	defaultBucketBurst = 4
)

// interPagePauseOverride lets tests collapse the polite inter-page delay.
// Production code never touches it.
var interPagePauseOverride = time.Second

// Credential binds HTTP Basic auth for the ticketing API: user "<email>/token"
// with the API token as password.
type Credential struct {
	Email  string
	Token  string
	Domain string
}

func (c Credential) basicAuthHeader() string {
	raw := fmt.Sprintf("%s/token:%s", c.Email, c.Token)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// Client performs authenticated REST calls against the ticketing platform
// with per-endpoint rate limiting and retry/backoff.
type Client struct {
	baseURL  string
	cred     Credential
	http     *http.Client
	limiters *cache.Map[string, *rate.Limiter]
	logger   *slog.Logger
}

// New creates a Client bound to cred. baseURL is typically
// "https://<domain>.zendesk.com/api/v2".
func New(baseURL string, cred Credential, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  baseURL,
		cred:     cred,
		http:     &http.Client{Timeout: defaultTimeout},
		limiters: cache.NewMap[string, *rate.Limiter](),
		logger:   logger,
	}
}

// limiterFor returns the token bucket for a logical endpoint bucket,
// creating one with the default rate on first use.
func (c *Client) limiterFor(bucket string) *rate.Limiter {
	if l, ok := c.limiters.Get(bucket); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(defaultBucketRate), defaultBucketBurst)
	c.limiters.Set(bucket, l)
	return l
}

// ErrNotFound signals a 404 response from an existence check (§4.8).
var ErrNotFound = fmt.Errorf("ticketing: resource not found")

// Get issues a GET against path (relative to baseURL) and decodes the JSON
// body into out.
func (c *Client) Get(ctx context.Context, bucket, path string, out any) error {
	body, status, err := c.do(ctx, bucket, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	return json.Unmarshal(body, out)
}

// Post issues a POST of payload against path and decodes the response into
// out (which may be nil to discard the body).
func (c *Client) Post(ctx context.Context, bucket, path string, payload, out any) error {
	return c.writeJSON(ctx, bucket, http.MethodPost, path, payload, out)
}

// Patch issues a PATCH of payload against path and decodes the response
// into out.
func (c *Client) Patch(ctx context.Context, bucket, path string, payload, out any) error {
	return c.writeJSON(ctx, bucket, http.MethodPatch, path, payload, out)
}

func (c *Client) writeJSON(ctx context.Context, bucket, method, path string, payload, out any) error {
	var body []byte
	var err error
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ticketing: marshal request: %w", err)
		}
	}
	respBody, status, err := c.do(ctx, bucket, method, path, body)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// do executes one logical request end-to-end, including the retry and
// rate-limiting policy for the ticketing API. It returns the response body and
// final status code of the attempt that settled the request.
func (c *Client) do(ctx context.Context, bucket, method, path string, body []byte) ([]byte, int, error) {
	url := path
	if len(path) > 0 && path[0] == '/' {
		url = c.baseURL + path
	}

	limiter := c.limiterFor(bucket)
	wait := initialBackoff

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("ticketing: rate limit wait: %w", err)
		}

		respBody, status, retryAfter, err := c.attempt(ctx, method, url, body)
		if err == nil && status < 300 {
			return respBody, status, nil
		}

		switch {
		case status == http.StatusTooManyRequests:
			c.logger.Warn("ticketing: rate limited", "url", url, "retry_after", retryAfter)
			if sleepErr := sleepCtx(ctx, retryAfter); sleepErr != nil {
				return nil, status, sleepErr
			}
			continue

		case status == http.StatusNotFound:
			return respBody, status, nil

		case status >= 500 || err != nil:
			if attempt == maxAttempts {
				return nil, status, &ierr.TransientRemoteError{Op: method + " " + url, Attempts: attempt, Err: firstNonNil(err, fmt.Errorf("http %d", status))}
			}
			c.logger.Warn("ticketing: transient failure, retrying", "url", url, "status", status, "attempt", attempt, "err", err)
			if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
				return nil, status, sleepErr
			}
			wait *= 2
			continue

		default:
			// Other 4xx: fatal, surface immediately with body included.
			return nil, status, &ierr.PermanentRemoteError{Op: method + " " + url, StatusCode: status, Body: string(respBody)}
		}
	}
	return nil, 0, &ierr.TransientRemoteError{Op: method + " " + url, Attempts: maxAttempts, Err: fmt.Errorf("retry budget exhausted")}
}

// attempt performs a single HTTP round trip.
func (c *Client) attempt(ctx context.Context, method, url string, body []byte) ([]byte, int, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Authorization", c.cred.basicAuthHeader())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, resp.StatusCode, 0, readErr
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

// PauseBetweenPages blocks for the polite inter-page delay required by
// the ticketing API before following a next-page cursor.
func PauseBetweenPages(ctx context.Context) error {
	return sleepCtx(ctx, interPagePauseOverride)
}

// noWaitLimiter returns a rate limiter with no effective throttling, for
// tests that want to exercise retry/backoff without also paying the
// production per-endpoint rate limit.
func noWaitLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

// pageResult is what a page-specific extractor hands back to FetchAllPages:
// the items on that page and the URL of the next page, if any.
type pageResult[T any] struct {
	items []T
	next  *string
}

// FetchAllPages walks a cursor-paginated endpoint starting at firstURL,
// calling extract on each raw response body to decode that page's items and
// next-page cursor. Between pages it honors the polite inter-page pause.
//
// Any page failure aborts the walk and propagates the error, which is what
// a registry-style bulk load wants: if the schema can't be loaded in full,
// nothing should proceed. FetchAllPagesTolerant instead truncates the walk
// when a page after the first fails and returns the items collected so far
// without error -- the behavior the Ticket Fetcher needs so a single bad
// page doesn't discard an otherwise-usable run.
func FetchAllPages[T any](ctx context.Context, c *Client, bucket, firstURL string, extract func(body []byte) (pageResult[T], error)) ([]T, error) {
	return fetchAllPages(ctx, c, bucket, firstURL, extract, false)
}

// FetchAllPagesTolerant behaves like FetchAllPages but truncates rather
// than fails when a page after the first cannot be retrieved or parsed.
func FetchAllPagesTolerant[T any](ctx context.Context, c *Client, bucket, firstURL string, extract func(body []byte) (pageResult[T], error)) ([]T, error) {
	return fetchAllPages(ctx, c, bucket, firstURL, extract, true)
}

func fetchAllPages[T any](ctx context.Context, c *Client, bucket, firstURL string, extract func(body []byte) (pageResult[T], error), tolerant bool) ([]T, error) {
	var all []T
	next := &firstURL
	page := 0

	for next != nil {
		page++
		body, status, err := c.do(ctx, bucket, http.MethodGet, *next, nil)
		if err == nil && status == http.StatusNotFound {
			err = ErrNotFound
		}
		if err != nil {
			if tolerant && page > 1 {
				c.logger.Warn("ticketing: truncating pagination after page failure", "bucket", bucket, "page", page, "err", err)
				return all, nil
			}
			return all, err
		}

		result, perr := extract(body)
		if perr != nil {
			if tolerant && page > 1 {
				c.logger.Warn("ticketing: truncating pagination after decode failure", "bucket", bucket, "page", page, "err", perr)
				return all, nil
			}
			return all, fmt.Errorf("ticketing: decode page %d: %w", page, perr)
		}

		all = append(all, result.items...)
		next = result.next
		if next != nil {
			if err := PauseBetweenPages(ctx); err != nil {
				return all, err
			}
		}
	}
	return all, nil
}
