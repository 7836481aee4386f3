package ticketing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iadarshrawat/ticket-rag-ingest/engine/ierr"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New(srv.URL, Credential{Email: "agent@example.com", Token: "tok"}, nil)
	c.http.Timeout = 5 * time.Second
	return c
}

func TestGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got == "" {
			t.Fatal("expected Authorization header")
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"hello": "world"})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	var out map[string]string
	if err := c.Get(context.Background(), "b", "/x.json", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["hello"] != "world" {
		t.Fatalf("unexpected body: %v", out)
	}
}

func TestGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	var out map[string]string
	err := c.Get(context.Background(), "b", "/x.json", &out)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	c.limiters.Set("b", noWaitLimiter())
	start := time.Now()
	var out map[string]string
	if err := c.Get(context.Background(), "b", "/x.json", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	if time.Since(start) < time.Second {
		t.Fatalf("expected backoff delay, elapsed %v", time.Since(start))
	}
}

func TestPermanentErrorOnOther4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("bad field"))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	c.limiters.Set("b", noWaitLimiter())
	var out map[string]string
	err := c.Get(context.Background(), "b", "/x.json", &out)

	var permErr *ierr.PermanentRemoteError
	if !errors.As(err, &permErr) {
		t.Fatalf("expected PermanentRemoteError, got %v", err)
	}
	if permErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", permErr.StatusCode)
	}
}

func TestRetryAfterHonored(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	c.limiters.Set("b", noWaitLimiter())
	start := time.Now()
	var out map[string]string
	if err := c.Get(context.Background(), "b", "/x.json", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("expected to honor Retry-After of 1s, elapsed %v", elapsed)
	}
}

func TestFetchAllPagesWalksCursor(t *testing.T) {
	pages := [][]string{{"a", "b"}, {"c"}}
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := call
		call++
		var next *string
		if idx+1 < len(pages) {
			n := srv2URL(r)
			next = &n
		}
		_ = json.NewEncoder(w).Encode(struct {
			Items []string `json:"items"`
			Next  *string  `json:"next"`
		}{Items: pages[idx], Next: next})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	c.limiters.Set("b", noWaitLimiter())

	extract := func(body []byte) (pageResult[string], error) {
		var env struct {
			Items []string `json:"items"`
			Next  *string  `json:"next"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return pageResult[string]{}, err
		}
		return pageResult[string]{items: env.Items, next: env.Next}, nil
	}

	origPause := interPagePauseOverride
	interPagePauseOverride = 0
	defer func() { interPagePauseOverride = origPause }()

	items, err := FetchAllPages(context.Background(), c, "b", "/first", extract)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items across pages, got %d: %v", len(items), items)
	}
}

func srv2URL(r *http.Request) string {
	return "/next"
}
