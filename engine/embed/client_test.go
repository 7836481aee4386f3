package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmbedCachesByTruncatedText(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := embedResponse{}
		for range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
			}{Embedding: []float32{0.1, 0.2}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "test-model", nil)
	ctx := context.Background()

	v1, err := c.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v2, err := c.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v1) != 2 || len(v2) != 2 {
		t.Fatalf("expected 2-dim vectors, got %v %v", v1, v2)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected cache hit on second call, got %d remote calls", calls.Load())
	}

	stats := c.CacheStats()
	if stats.Entries != 1 {
		t.Fatalf("expected 1 cache entry, got %d", stats.Entries)
	}
	c.ClearCache()
	if c.CacheStats().Entries != 0 {
		t.Fatal("expected cache empty after ClearCache")
	}
}

func TestEmbedTruncatesLongText(t *testing.T) {
	var gotInput string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotInput = req.Input[0]
		_ = json.NewEncoder(w).Encode(embedResponse{Data: []struct {
			Embedding []float32 `json:"embedding"`
		}{{Embedding: []float32{1}}}})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "test-model", nil)
	longText := strings.Repeat("a", SafeMaxChars+500)
	if _, err := c.Embed(context.Background(), longText); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gotInput) > SafeMaxChars {
		t.Fatalf("expected truncated input within %d chars, got %d", SafeMaxChars, len(gotInput))
	}
	if !strings.HasSuffix(gotInput, truncationMark) {
		t.Fatalf("expected truncation marker suffix, got %q", gotInput[len(gotInput)-30:])
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := embedResponse{}
		for _, in := range req.Input {
			dim := float32(len(in))
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
			}{Embedding: []float32{dim}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "test-model", nil)
	texts := []string{"a", "bb", "ccc"}
	vectors, err := c.EmbedBatch(context.Background(), texts, BatchOpts{BatchSize: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}
	for i, text := range texts {
		if vectors[i][0] != float32(len(text)) {
			t.Fatalf("expected order-preserved vector for %q, got %v", text, vectors[i])
		}
	}
}

func TestEmbedRetriesOn429ThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Data: []struct {
			Embedding []float32 `json:"embedding"`
		}{{Embedding: []float32{1}}}})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "test-model", nil)
	start := time.Now()
	v, err := c.Embed(context.Background(), "rate limited once")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls.Load())
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("expected to honor Retry-After of 1s, elapsed %v", elapsed)
	}
	if len(v) != 1 {
		t.Fatalf("expected final vector, got %v", v)
	}
	if c.CacheStats().Entries != 1 {
		t.Fatal("expected cache populated after retry success")
	}
}

func TestEmbedBatchParallelPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := embedResponse{}
		for _, in := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
			}{Embedding: []float32{float32(len(in))}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "test-model", nil)
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff", "ggggggg"}
	vectors, err := c.EmbedBatchParallel(context.Background(), texts, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, text := range texts {
		if vectors[i][0] != float32(len(text)) {
			t.Fatalf("expected order-preserved vector for %q, got %v", text, vectors[i])
		}
	}
}

func TestEmbedModelNotFoundIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "missing-model", nil)
	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error for 404 model not found")
	}
}
