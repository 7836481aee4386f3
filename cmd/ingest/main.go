// Command ingest runs one ingestion pass for a ticket-creation date range
// and prints the structured run result as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
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
	"github.com/nats-io/nats.go"
)

// Config holds all environment-based configuration.
type Config struct {
	TicketingEmail  string
	TicketingToken  string
	TicketingDomain string

	EmbedAPIKey  string
	EmbedBaseURL string
	EmbedModel   string
	VectorDims   int

	QdrantAddr string
	Collection string

	NATSURL string // optional; empty disables progress events
}

func loadConfig() (Config, error) {
	cfg := Config{
		TicketingEmail:  os.Getenv("TICKETING_EMAIL"),
		TicketingToken:  os.Getenv("TICKETING_API_TOKEN"),
		TicketingDomain: os.Getenv("TICKETING_SUBDOMAIN"),
		EmbedAPIKey:     os.Getenv("EMBEDDING_API_KEY"),
		EmbedBaseURL:    envOr("EMBEDDING_API_URL", "https://api.openai.com"),
		EmbedModel:      envOr("EMBEDDING_MODEL", "text-embedding-3-small"),
		QdrantAddr:      envOr("QDRANT_URL", "localhost:6334"),
		Collection:      envOr("QDRANT_COLLECTION", "tickets"),
		NATSURL:         os.Getenv("NATS_URL"),
	}
	dims := envOr("VECTOR_DIMS", "1536")
	if _, err := fmt.Sscanf(dims, "%d", &cfg.VectorDims); err != nil || cfg.VectorDims <= 0 {
		return cfg, ierr.NewConfigError("VECTOR_DIMS", fmt.Errorf("invalid dimension %q", dims))
	}

	// Embedding and vector-store bindings are fatal at startup; ticketing
	// credentials are checked where ingestion actually starts so the
	// error names the missing variable.
	if cfg.EmbedAPIKey == "" {
		return cfg, ierr.NewConfigError("EMBEDDING_API_KEY", fmt.Errorf("not set"))
	}
	if cfg.QdrantAddr == "" {
		return cfg, ierr.NewConfigError("QDRANT_URL", fmt.Errorf("not set"))
	}
	return cfg, nil
}

func (c Config) ticketingCredential() (ticketing.Credential, error) {
	switch {
	case c.TicketingEmail == "":
		return ticketing.Credential{}, ierr.NewConfigError("TICKETING_EMAIL", fmt.Errorf("not set"))
	case c.TicketingToken == "":
		return ticketing.Credential{}, ierr.NewConfigError("TICKETING_API_TOKEN", fmt.Errorf("not set"))
	case c.TicketingDomain == "":
		return ticketing.Credential{}, ierr.NewConfigError("TICKETING_SUBDOMAIN", fmt.Errorf("not set"))
	}
	return ticketing.Credential{Email: c.TicketingEmail, Token: c.TicketingToken, Domain: c.TicketingDomain}, nil
}

func (c Config) ticketingBaseURL() string {
	return fmt.Sprintf("https://%s.zendesk.com/api/v2", c.TicketingDomain)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var (
		startFlag = flag.String("start", "", "range start, YYYY-MM-DD (inclusive)")
		endFlag   = flag.String("end", "", "range end, YYYY-MM-DD (inclusive)")
		source    = flag.String("source", "zendesk", "provenance tag stamped on vectors and audit records")
		runTS     = flag.Int64("timestamp", 0, "run timestamp for vector ids; 0 mints a fresh one")
		fileName  = flag.String("file", "", "optional file-name provenance")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(*startFlag, *endFlag, *source, *runTS, *fileName, logger); err != nil {
		logger.Error("ingestion failed", "err", err)
		os.Exit(1)
	}
}

func run(startFlag, endFlag, source string, runTS int64, fileName string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	window, err := parseWindow(startFlag, endFlag)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cred, err := cfg.ticketingCredential()
	if err != nil {
		return err
	}

	tc := ticketing.New(cfg.ticketingBaseURL(), cred, logger)
	registry := fields.New(tc)
	fetcher := fetch.New(tc, logger)
	enricher := enrich.New(tc, registry)
	embedder := embed.New(cfg.EmbedBaseURL, cfg.EmbedAPIKey, cfg.EmbedModel, logger)
	recorder := audit.NewRecorder(tc, logger)

	store, err := vectorstore.New(cfg.QdrantAddr, cfg.Collection)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureIndex(ctx, cfg.VectorDims); err != nil {
		return err
	}
	if err := recorder.EnsureSchema(ctx); err != nil {
		return err
	}

	deps := orchestrator.Deps{
		Fields:   registry,
		Tickets:  fetcher,
		Enricher: enricher,
		Embedder: embedder,
		Vectors:  store,
		Audit:    recorder,
		Logger:   logger,
	}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn("nats connect failed, progress events disabled", "err", err)
		} else {
			defer nc.Close()
			deps.Progress = orchestrator.NewNATSProgress(nc, "", logger)
		}
	}

	o := orchestrator.New(deps, orchestrator.Options{
		Source:       source,
		RunTimestamp: runTS,
		FileName:     fileName,
	})

	result, runErr := o.Run(ctx, window)
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return runErr
}

func parseWindow(startFlag, endFlag string) (fetch.Window, error) {
	if startFlag == "" || endFlag == "" {
		return fetch.Window{}, fmt.Errorf("both -start and -end are required (YYYY-MM-DD)")
	}
	from, err := time.Parse("2006-01-02", startFlag)
	if err != nil {
		return fetch.Window{}, fmt.Errorf("parse -start: %w", err)
	}
	to, err := time.Parse("2006-01-02", endFlag)
	if err != nil {
		return fetch.Window{}, fmt.Errorf("parse -end: %w", err)
	}
	return fetch.Window{From: from, To: to}, nil
}
