package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/iadarshrawat/ticket-rag-ingest/engine/ticketing"
)

// platformFake is an in-memory stand-in for the custom-object endpoints.
type platformFake struct {
	mu            sync.Mutex
	objectTypes   map[string]bool
	fields        map[string]map[string]bool // object key -> field key
	records       map[string]map[string]any  // record id -> patched fields
	recordCounter int
	failCreate    bool
	failPatch     bool
}

func newPlatformFake() *platformFake {
	return &platformFake{
		objectTypes: map[string]bool{},
		fields:      map[string]map[string]bool{},
		records:     map[string]map[string]any{},
	}
}

func (p *platformFake) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /custom_objects/{key}", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		key := r.PathValue("key")
		if !p.objectTypes[key] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"custom_object": map[string]any{"key": key}})
	})

	mux.HandleFunc("POST /custom_objects", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		var body struct {
			CustomObject struct {
				Key string `json:"key"`
			} `json:"custom_object"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if p.objectTypes[body.CustomObject.Key] {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		p.objectTypes[body.CustomObject.Key] = true
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("POST /custom_objects/{key}/fields", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		key := r.PathValue("key")
		var body struct {
			CustomObjectField struct {
				Key string `json:"key"`
			} `json:"custom_object_field"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if p.fields[key] == nil {
			p.fields[key] = map[string]bool{}
		}
		if p.fields[key][body.CustomObjectField.Key] {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		p.fields[key][body.CustomObjectField.Key] = true
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("POST /custom_objects/{key}/records", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.failCreate {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.recordCounter++
		id := fmt.Sprintf("rec-%03d", p.recordCounter)
		p.records[id] = nil
		_ = json.NewEncoder(w).Encode(map[string]any{"custom_object_record": map[string]any{"id": id}})
	})

	mux.HandleFunc("PATCH /custom_objects/{key}/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.failPatch {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id := r.PathValue("id")
		var body struct {
			CustomObjectRecord struct {
				CustomObjectFields map[string]any `json:"custom_object_fields"`
			} `json:"custom_object_record"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		p.records[id] = body.CustomObjectRecord.CustomObjectFields
		_ = json.NewEncoder(w).Encode(map[string]any{"custom_object_record": map[string]any{"id": id}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newRecorder(t *testing.T, p *platformFake) *Recorder {
	t.Helper()
	srv := p.server(t)
	client := ticketing.New(srv.URL, ticketing.Credential{Email: "a@b.com", Token: "t"}, nil)
	return NewRecorder(client, nil)
}

func TestEnsureSchemaCreatesBothObjects(t *testing.T) {
	p := newPlatformFake()
	r := newRecorder(t, p)

	if err := r.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.objectTypes[successObjectKey] || !p.objectTypes[failureObjectKey] {
		t.Fatalf("expected both object types created, got %v", p.objectTypes)
	}
	if len(p.fields[successObjectKey]) != len(successFields) {
		t.Fatalf("expected %d success fields, got %d", len(successFields), len(p.fields[successObjectKey]))
	}
	if len(p.fields[failureObjectKey]) != len(failureFields) {
		t.Fatalf("expected %d failure fields, got %d", len(failureFields), len(p.fields[failureObjectKey]))
	}
}

func TestEnsureSchemaIdempotentOnSecondStartup(t *testing.T) {
	p := newPlatformFake()
	r := newRecorder(t, p)

	if err := r.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("first startup: %v", err)
	}
	// Second startup sees the schema present; the 422s from re-creating
	// every field are absorbed.
	if err := r.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second startup: %v", err)
	}
}

func TestWriteSuccessTwoStep(t *testing.T) {
	p := newPlatformFake()
	r := newRecorder(t, p)

	id := r.Write(context.Background(), Record{
		Kind:        KindSuccess,
		Start:       time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		TicketCount: 12,
		Source:      "zendesk",
		When:        time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC),
	})
	if id == "" {
		t.Fatal("expected a record id")
	}

	fields := p.records[id]
	if fields == nil {
		t.Fatal("expected record to be patched with fields")
	}
	if fields["import_date"] != "2026-08-01" || fields["start_date"] != "2026-07-01" || fields["end_date"] != "2026-07-31" {
		t.Fatalf("unexpected dates: %v", fields)
	}
	if fields["ticket_count"] != float64(12) || fields["source"] != "zendesk" {
		t.Fatalf("unexpected payload: %v", fields)
	}
}

func TestWriteFailureCarriesErrorDetail(t *testing.T) {
	p := newPlatformFake()
	r := newRecorder(t, p)

	id := r.Write(context.Background(), Record{
		Kind:         KindFailure,
		Start:        time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		End:          time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		Source:       "zendesk",
		When:         time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC),
		ErrorMessage: "embed: transient failure after 5 attempts",
		ErrorDetails: "embed batch: item 3: http 503",
	})
	if id == "" {
		t.Fatal("expected a record id")
	}
	fields := p.records[id]
	if fields["error_message"] != "embed: transient failure after 5 attempts" {
		t.Fatalf("unexpected error_message: %v", fields["error_message"])
	}
	if fields["error_date"] != "2026-08-01" {
		t.Fatalf("unexpected error_date: %v", fields["error_date"])
	}
	if _, ok := fields["ticket_count"]; ok {
		t.Fatal("failure record must not carry ticket_count")
	}
}

func TestWriteToleratesCreateFailure(t *testing.T) {
	p := newPlatformFake()
	p.failCreate = true
	r := newRecorder(t, p)

	if id := r.Write(context.Background(), Record{Kind: KindSuccess, Source: "zendesk", When: time.Now()}); id != "" {
		t.Fatalf("expected empty id on create failure, got %q", id)
	}
}

func TestWriteToleratesPatchFailure(t *testing.T) {
	p := newPlatformFake()
	p.failPatch = true
	r := newRecorder(t, p)

	if id := r.Write(context.Background(), Record{Kind: KindSuccess, Source: "zendesk", When: time.Now()}); id != "" {
		t.Fatalf("expected empty id on patch failure, got %q", id)
	}
}

func TestWriteCollapsedSingleStep(t *testing.T) {
	p := newPlatformFake()
	r := newRecorder(t, p)
	r.CollapseWrites = true

	id := r.Write(context.Background(), Record{Kind: KindSuccess, Source: "zendesk", When: time.Now(), TicketCount: 3})
	if id == "" {
		t.Fatal("expected a record id")
	}
	// Collapsed mode never patches, so the stored fields stay nil.
	if p.records[id] != nil {
		t.Fatalf("expected no patch in collapsed mode, got %v", p.records[id])
	}
}
