// Command ingestd exposes the ingestion pipeline over HTTP: POST /ingest
// triggers one run for a date range, plus health and Prometheus metrics
// endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/iadarshrawat/ticket-rag-ingest/engine/audit"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/embed"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/enrich"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/fetch"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/fields"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/ierr"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/orchestrator"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/ticketing"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/vectorstore"
	"github.com/iadarshrawat/ticket-rag-ingest/pkg/metrics"
	"github.com/iadarshrawat/ticket-rag-ingest/pkg/mid"
	"github.com/nats-io/nats.go"
)

var met = metrics.New()

var (
	mRunsTotal      = func(status string) *metrics.Counter { return met.Counter(metrics.WithLabels("ticket_ingest_runs_total", "status", status), "Ingestion runs by terminal status") }
	mTicketsTotal   = met.Counter("ticket_ingest_tickets_total", "Tickets processed across runs")
	mChunksTotal    = met.Counter("ticket_ingest_chunks_total", "Chunks embedded and upserted across runs")
	mRunDuration    = met.Histogram("ticket_ingest_run_duration_seconds", "Wall-clock run duration", []float64{1, 5, 15, 60, 300, 900, 3600})
	mEmbedCacheSize = met.Gauge("ticket_ingest_embed_cache_entries", "Entries in the embedding cache")
	mRunActive      = met.Gauge("ticket_ingest_run_active", "1 while a run is in flight")
)

// Config holds all environment-based configuration.
type Config struct {
	Port string

	TicketingEmail  string
	TicketingToken  string
	TicketingDomain string

	EmbedAPIKey  string
	EmbedBaseURL string
	EmbedModel   string
	VectorDims   int

	QdrantAddr string
	Collection string

	NATSURL    string
	CORSOrigin string
	Source     string
}

func loadConfig() (Config, error) {
	cfg := Config{
		Port:            envOr("PORT", "8080"),
		TicketingEmail:  os.Getenv("TICKETING_EMAIL"),
		TicketingToken:  os.Getenv("TICKETING_API_TOKEN"),
		TicketingDomain: os.Getenv("TICKETING_SUBDOMAIN"),
		EmbedAPIKey:     os.Getenv("EMBEDDING_API_KEY"),
		EmbedBaseURL:    envOr("EMBEDDING_API_URL", "https://api.openai.com"),
		EmbedModel:      envOr("EMBEDDING_MODEL", "text-embedding-3-small"),
		QdrantAddr:      envOr("QDRANT_URL", "localhost:6334"),
		Collection:      envOr("QDRANT_COLLECTION", "tickets"),
		NATSURL:         os.Getenv("NATS_URL"),
		CORSOrigin:      envOr("CORS_ORIGIN", "*"),
		Source:          envOr("INGEST_SOURCE", "zendesk"),
	}
	dims := envOr("VECTOR_DIMS", "1536")
	if _, err := fmt.Sscanf(dims, "%d", &cfg.VectorDims); err != nil || cfg.VectorDims <= 0 {
		return cfg, ierr.NewConfigError("VECTOR_DIMS", fmt.Errorf("invalid dimension %q", dims))
	}
	if cfg.EmbedAPIKey == "" {
		return cfg, ierr.NewConfigError("EMBEDDING_API_KEY", fmt.Errorf("not set"))
	}
	if cfg.QdrantAddr == "" {
		return cfg, ierr.NewConfigError("QDRANT_URL", fmt.Errorf("not set"))
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("startup aborted", "err", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

// service owns the long-lived collaborators and serializes runs: the
// pipeline is single-process, one run at a time.
type service struct {
	cfg      Config
	logger   *slog.Logger
	embedder *embed.Client
	store    *vectorstore.Store
	progress orchestrator.ProgressSink

	mu      sync.Mutex
	running bool
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := vectorstore.New(cfg.QdrantAddr, cfg.Collection)
	if err != nil {
		return err
	}
	defer store.Close()

	// Dimension mismatch is fatal before the server accepts anything.
	if err := store.EnsureIndex(ctx, cfg.VectorDims); err != nil {
		return err
	}

	svc := &service{
		cfg:      cfg,
		logger:   logger,
		embedder: embed.New(cfg.EmbedBaseURL, cfg.EmbedAPIKey, cfg.EmbedModel, logger),
		store:    store,
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn("nats connect failed, progress events disabled", "err", err)
		} else {
			defer nc.Close()
			svc.progress = orchestrator.NewNATSProgress(nc, "", logger)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /metrics", met.Handler())
	mux.HandleFunc("POST /ingest", svc.handleIngest)

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("ingestd"),
	)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("ingestd listening", "port", cfg.Port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ingestRequest struct {
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	Source       string `json:"source,omitempty"`
	RunTimestamp int64  `json:"run_timestamp,omitempty"`
}

func (s *service) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	window, err := parseWindow(req.StartDate, req.EndDate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	// Missing ticketing credentials fail the endpoint cleanly, not the
	// process: the daemon can still serve health and metrics.
	cred, err := s.ticketingCredential()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "an ingestion run is already in flight"})
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	mRunActive.Set(1)
	defer mRunActive.Set(0)

	source := req.Source
	if source == "" {
		source = s.cfg.Source
	}

	tc := ticketing.New(fmt.Sprintf("https://%s.zendesk.com/api/v2", s.cfg.TicketingDomain), cred, s.logger)
	registry := fields.New(tc)
	recorder := audit.NewRecorder(tc, s.logger)
	if err := recorder.EnsureSchema(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	o := orchestrator.New(orchestrator.Deps{
		Fields:   registry,
		Tickets:  fetch.New(tc, s.logger),
		Enricher: enrich.New(tc, registry),
		Embedder: s.embedder,
		Vectors:  s.store,
		Audit:    recorder,
		Progress: s.progress,
		Logger:   s.logger,
	}, orchestrator.Options{Source: source, RunTimestamp: req.RunTimestamp})

	start := time.Now()
	result, runErr := o.Run(r.Context(), window)
	mRunDuration.Since(start)
	mTicketsTotal.Add(int64(result.TicketsProcessed))
	mChunksTotal.Add(int64(result.TotalChunks))
	mEmbedCacheSize.Set(int64(s.embedder.CacheStats().Entries))
	mRunsTotal(result.Status).Inc()

	if runErr != nil {
		status := http.StatusBadGateway
		var cfgErr *ierr.ConfigError
		if errors.As(runErr, &cfgErr) {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]any{"error": runErr.Error(), "result": result})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *service) ticketingCredential() (ticketing.Credential, error) {
	switch {
	case s.cfg.TicketingEmail == "":
		return ticketing.Credential{}, ierr.NewConfigError("TICKETING_EMAIL", fmt.Errorf("not set"))
	case s.cfg.TicketingToken == "":
		return ticketing.Credential{}, ierr.NewConfigError("TICKETING_API_TOKEN", fmt.Errorf("not set"))
	case s.cfg.TicketingDomain == "":
		return ticketing.Credential{}, ierr.NewConfigError("TICKETING_SUBDOMAIN", fmt.Errorf("not set"))
	}
	return ticketing.Credential{Email: s.cfg.TicketingEmail, Token: s.cfg.TicketingToken, Domain: s.cfg.TicketingDomain}, nil
}

func parseWindow(startDate, endDate string) (fetch.Window, error) {
	if startDate == "" || endDate == "" {
		return fetch.Window{}, fmt.Errorf("start_date and end_date are required (YYYY-MM-DD)")
	}
	from, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return fetch.Window{}, fmt.Errorf("parse start_date: %w", err)
	}
	to, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return fetch.Window{}, fmt.Errorf("parse end_date: %w", err)
	}
	return fetch.Window{From: from, To: to}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
