package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iadarshrawat/ticket-rag-ingest/engine/ticketing"
)

func TestWindowValidateRejectsInverted(t *testing.T) {
	w := Window{From: time.Now(), To: time.Now().AddDate(0, 0, -1)}
	if err := w.Validate(time.Now()); err == nil {
		t.Fatal("expected error for inverted window")
	}
}

func TestWindowStraddlesNow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	w := Window{From: now.AddDate(0, 0, -7), To: now}
	if !w.StraddlesNow(now) {
		t.Fatal("expected window ending today to straddle now")
	}
	past := Window{From: now.AddDate(0, 0, -7), To: now.AddDate(0, 0, -1)}
	if past.StraddlesNow(now) {
		t.Fatal("expected window ending yesterday not to straddle now")
	}
}

func TestFetchReturnsTickets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"id": 1, "subject": "a"},
				{"id": 2, "subject": "b"},
			},
			"next_page": nil,
		})
	}))
	defer srv.Close()

	client := ticketing.New(srv.URL, ticketing.Credential{Email: "a@b.com", Token: "t"}, nil)
	f := New(client, nil)

	now := time.Now()
	tickets, err := f.Fetch(context.Background(), Window{From: now.AddDate(0, 0, -7), To: now.AddDate(0, 0, -1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tickets) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(tickets))
	}
}
