// Package orchestrator ties the ingestion stages into one run: field-map
// warmup, fetch, enrich, chunk, embed, upsert, and a terminal audit write.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/iadarshrawat/ticket-rag-ingest/engine/audit"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/chunk"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/embed"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/enrich"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/fetch"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/ierr"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/ticketing"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/vectorstore"
	"github.com/iadarshrawat/ticket-rag-ingest/pkg/fn"
)

// Phase is one state of the per-run state machine.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseFetchingFields  Phase = "fetching_fields"
	PhaseFetchingTickets Phase = "fetching_tickets"
	PhaseEnriching       Phase = "enriching"
	PhaseChunking        Phase = "chunking"
	PhaseEmbedding       Phase = "embedding"
	PhaseUpserting       Phase = "upserting"
	PhaseAuditing        Phase = "auditing"
	PhaseDone            Phase = "done"
	PhaseFailed          Phase = "failed"
)

// Collaborator interfaces. The concrete engine types satisfy them; tests
// substitute in-memory fakes.
type (
	// FieldLoader warms the form-field registry.
	FieldLoader interface {
		Load(ctx context.Context) error
	}

	// TicketSource streams the raw tickets for a date window.
	TicketSource interface {
		Fetch(ctx context.Context, window fetch.Window) ([]ticketing.Ticket, error)
	}

	// TicketEnricher builds the enriched view of one raw ticket.
	TicketEnricher interface {
		Enrich(ctx context.Context, t ticketing.Ticket) (enrich.Ticket, error)
	}

	// Embedder maps texts to vectors.
	Embedder interface {
		EmbedBatch(ctx context.Context, texts []string, opts embed.BatchOpts) ([]embed.Vector, error)
	}

	// VectorWriter persists vectors.
	VectorWriter interface {
		Upsert(ctx context.Context, records []vectorstore.Record) error
	}

	// AuditSink records a run's terminal state. Returns the record ID, or
	// "" when the write failed (audit failures never fail a run).
	AuditSink interface {
		Write(ctx context.Context, rec audit.Record) string
	}
)

// Deps holds the external collaborators for one Orchestrator.
type Deps struct {
	Fields   FieldLoader
	Tickets  TicketSource
	Enricher TicketEnricher
	Embedder Embedder
	Vectors  VectorWriter
	Audit    AuditSink
	Progress ProgressSink // optional; nil means no progress events
	Logger   *slog.Logger
}

// Options tunes a run. Zero values select the defaults.
type Options struct {
	Source   string // provenance tag stamped on every vector and audit record
	RunTag   string // vector identifier prefix
	FileName string // optional provenance, for file-driven imports

	// RunTimestamp disambiguates replays in vector identifiers. Zero
	// mints a fresh timestamp, so a re-run duplicates rather than
	// overwrites; callers wanting idempotent replay pass the previous
	// run's value.
	RunTimestamp int64

	EnrichConcurrency    int           // default 10
	EnrichBatchPause     time.Duration // default 500ms
	EmbedBatchSize       int           // default 50
	EmbedInterBatchDelay time.Duration // default 2s
}

func (o Options) withDefaults() Options {
	if o.Source == "" {
		o.Source = "ticketing"
	}
	if o.RunTag == "" {
		o.RunTag = o.Source
	}
	if o.EnrichConcurrency <= 0 {
		o.EnrichConcurrency = 10
	}
	if o.EnrichBatchPause <= 0 {
		o.EnrichBatchPause = 500 * time.Millisecond
	}
	if o.EmbedBatchSize <= 0 {
		o.EmbedBatchSize = 50
	}
	if o.EmbedInterBatchDelay <= 0 {
		o.EmbedInterBatchDelay = 2 * time.Second
	}
	return o
}

// Result is the structured payload every terminal state returns.
type Result struct {
	Status           string  `json:"status"`
	TicketsProcessed int     `json:"tickets_processed"`
	TotalChunks      int     `json:"total_chunks"`
	ProcessingTime   float64 `json:"processing_time_seconds"`
	AuditRecordID    string  `json:"audit_record_id,omitempty"`
	StartDate        string  `json:"start_date"`
	EndDate          string  `json:"end_date"`
}

// StatusNoTickets is the Result status for an empty date range.
const StatusNoTickets = "No tickets found in date range"

// Orchestrator runs ingestion passes. Safe for sequential reuse; a single
// Orchestrator must not run two passes concurrently.
type Orchestrator struct {
	deps Deps
	opts Options
}

// New creates an Orchestrator. A nil Logger falls back to slog.Default.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{deps: deps, opts: opts.withDefaults()}
}

// ticketChunks pairs one enriched ticket with its ordered chunks.
type ticketChunks struct {
	ticket enrich.Ticket
	chunks []chunk.Chunk
}

// Run executes one full ingestion pass over window and returns its
// structured result. Per-ticket enrichment failures are absorbed; any
// other phase error transitions to Failed, writes a best-effort failure
// audit record, and is returned alongside the result.
func (o *Orchestrator) Run(ctx context.Context, window fetch.Window) (Result, error) {
	start := time.Now()
	runTS := o.opts.RunTimestamp
	if runTS == 0 {
		runTS = time.Now().Unix()
	}

	o.publish(ctx, Event{Phase: string(PhaseIdle)})

	// Phase: field-map warmup.
	o.transition(ctx, PhaseFetchingFields, Event{Phase: string(PhaseFetchingFields)})
	if r := traced(PhaseFetchingFields, func(ctx context.Context) fn.Result[struct{}] {
		return fn.FromPair(struct{}{}, o.deps.Fields.Load(ctx))
	})(ctx); r.IsErr() {
		_, err := r.Unwrap()
		return o.fail(ctx, window, start, err)
	}

	// Phase: fetch.
	o.transition(ctx, PhaseFetchingTickets, Event{Phase: string(PhaseFetchingTickets)})
	ticketsRes := traced(PhaseFetchingTickets, func(ctx context.Context) fn.Result[[]ticketing.Ticket] {
		return fn.FromPair(o.deps.Tickets.Fetch(ctx, window))
	})(ctx)
	if ticketsRes.IsErr() {
		_, err := ticketsRes.Unwrap()
		return o.fail(ctx, window, start, err)
	}
	tickets, _ := ticketsRes.Unwrap()
	o.deps.Logger.Info("fetched tickets", "count", len(tickets), "window", window)

	if len(tickets) == 0 {
		o.transition(ctx, PhaseAuditing, Event{Phase: string(PhaseAuditing)})
		auditID := o.deps.Audit.Write(ctx, audit.Record{
			Kind:   audit.KindSuccess,
			Start:  window.From,
			End:    window.To,
			Source: o.opts.Source,
			When:   time.Now(),
		})
		o.transition(ctx, PhaseDone, Event{Phase: string(PhaseDone)})
		return o.result(StatusNoTickets, 0, 0, auditID, window, start), nil
	}

	// Phase: enrich, in bounded-concurrency batches. Individual ticket
	// failures are logged and dropped, never fatal.
	o.transition(ctx, PhaseEnriching, Event{Phase: string(PhaseEnriching), Total: len(tickets)})
	enriched, err := o.enrichAll(ctx, tickets)
	if err != nil {
		return o.fail(ctx, window, start, err)
	}
	o.deps.Logger.Info("enriched tickets", "ok", len(enriched), "failed", len(tickets)-len(enriched))

	// Phase: chunk, in the fetcher's emission order.
	o.transition(ctx, PhaseChunking, Event{Phase: string(PhaseChunking), Tickets: len(enriched)})
	chunked := fn.Map(enriched, func(t enrich.Ticket) ticketChunks {
		return ticketChunks{ticket: t, chunks: chunk.Build(t)}
	})
	totalChunks := fn.Reduce(chunked, 0, func(acc int, tc ticketChunks) int { return acc + len(tc.chunks) })

	// Phase: embed.
	o.transition(ctx, PhaseEmbedding, Event{Phase: string(PhaseEmbedding), Total: totalChunks})
	texts := make([]string, 0, totalChunks)
	for _, tc := range chunked {
		for _, c := range tc.chunks {
			texts = append(texts, c.Text)
		}
	}
	vectorsRes := traced(PhaseEmbedding, func(ctx context.Context) fn.Result[[]embed.Vector] {
		return fn.FromPair(o.deps.Embedder.EmbedBatch(ctx, texts, embed.BatchOpts{
			BatchSize:       o.opts.EmbedBatchSize,
			InterBatchDelay: o.opts.EmbedInterBatchDelay,
			OnProgress: func(done, total int) {
				o.publish(ctx, Event{Phase: string(PhaseEmbedding), Done: done, Total: total})
			},
		}))
	})(ctx)
	if vectorsRes.IsErr() {
		_, err := vectorsRes.Unwrap()
		return o.fail(ctx, window, start, err)
	}
	vectors, _ := vectorsRes.Unwrap()

	// Phase: upsert.
	o.transition(ctx, PhaseUpserting, Event{Phase: string(PhaseUpserting), Total: totalChunks})
	records := buildRecords(chunked, vectors, o.opts, runTS)
	if r := traced(PhaseUpserting, func(ctx context.Context) fn.Result[struct{}] {
		return fn.FromPair(struct{}{}, o.deps.Vectors.Upsert(ctx, records))
	})(ctx); r.IsErr() {
		_, err := r.Unwrap()
		return o.fail(ctx, window, start, err)
	}

	// Phase: audit.
	o.transition(ctx, PhaseAuditing, Event{Phase: string(PhaseAuditing)})
	auditID := o.deps.Audit.Write(ctx, audit.Record{
		Kind:        audit.KindSuccess,
		Start:       window.From,
		End:         window.To,
		TicketCount: len(enriched),
		Source:      o.opts.Source,
		When:        time.Now(),
	})

	o.transition(ctx, PhaseDone, Event{Phase: string(PhaseDone), Tickets: len(enriched), Chunks: totalChunks})
	return o.result("completed", len(enriched), totalChunks, auditID, window, start), nil
}

// enrichAll enriches tickets in batches of EnrichConcurrency, pausing
// EnrichBatchPause between batches. Output preserves the input order,
// minus the tickets whose enrichment failed.
func (o *Orchestrator) enrichAll(ctx context.Context, tickets []ticketing.Ticket) ([]enrich.Ticket, error) {
	batches := fn.Chunk(tickets, o.opts.EnrichConcurrency)
	enriched := make([]enrich.Ticket, 0, len(tickets))

	for i, batch := range batches {
		results := fn.ParMapResult(batch, o.opts.EnrichConcurrency, func(t ticketing.Ticket) fn.Result[enrich.Ticket] {
			return fn.FromPair(o.deps.Enricher.Enrich(ctx, t))
		})
		for j, r := range results {
			v, err := r.Unwrap()
			if err != nil {
				perr := &ierr.PartialEnrichmentError{TicketID: fmt.Sprint(batch[j].ID), Err: err}
				o.deps.Logger.Warn("skipping ticket after enrichment failure", "ticket_id", batch[j].ID, "err", perr)
				continue
			}
			enriched = append(enriched, v)
		}
		o.publish(ctx, Event{Phase: string(PhaseEnriching), Done: i*o.opts.EnrichConcurrency + len(batch), Total: len(tickets)})

		if i+1 < len(batches) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.opts.EnrichBatchPause):
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return enriched, nil
}

// buildRecords zips chunks with their vectors into store records. The
// identifier embeds the per-ticket chunk index and the run timestamp, so
// within one run every ID is unique and a replay with the same timestamp
// idempotently overwrites.
func buildRecords(chunked []ticketChunks, vectors []embed.Vector, opts Options, runTS int64) []vectorstore.Record {
	records := make([]vectorstore.Record, 0, len(vectors))
	v := 0
	for _, tc := range chunked {
		for idx, c := range tc.chunks {
			payload := chunkPayload(c.Meta)
			payload["source"] = opts.Source
			payload["import_timestamp"] = runTS
			if opts.FileName != "" {
				payload["file_name"] = opts.FileName
			}
			records = append(records, vectorstore.Record{
				ID:        fmt.Sprintf("%s-ticket-%d-chunk-%d-%d", opts.RunTag, tc.ticket.ID, idx, runTS),
				Embedding: vectors[v],
				Payload:   payload,
			})
			v++
		}
	}
	return records
}

func chunkPayload(m chunk.Meta) map[string]any {
	payload := map[string]any{
		"type":      string(m.Kind),
		"ticket_id": m.TicketID,
		"subject":   m.Subject,
		"tags":      m.Tags,
	}
	if m.TotalParts > 0 {
		payload["part"] = m.PartIndex
		payload["total_parts"] = m.TotalParts
	}
	if m.Kind == chunk.KindCustomFields {
		payload["field_count"] = m.FieldCount
	}
	return payload
}

// fail transitions to Failed, writes a best-effort failure audit record,
// and returns the terminal result plus the causing error.
func (o *Orchestrator) fail(ctx context.Context, window fetch.Window, start time.Time, cause error) (Result, error) {
	o.transition(ctx, PhaseFailed, Event{Phase: string(PhaseFailed), Error: cause.Error()})
	o.deps.Logger.Error("ingestion run failed", "err", cause)

	// The audit write must survive the caller's cancellation; give it a
	// short independent deadline instead.
	auditCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		auditCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}
	auditID := o.deps.Audit.Write(auditCtx, audit.Record{
		Kind:         audit.KindFailure,
		Start:        window.From,
		End:          window.To,
		Source:       o.opts.Source,
		When:         time.Now(),
		ErrorMessage: cause.Error(),
		ErrorDetails: fmt.Sprintf("%+v", cause),
	})
	return o.result("failed", 0, 0, auditID, window, start), cause
}

func (o *Orchestrator) result(status string, tickets, chunks int, auditID string, window fetch.Window, start time.Time) Result {
	elapsed := math.Round(time.Since(start).Seconds()*100) / 100
	if elapsed <= 0 {
		elapsed = 0.01
	}
	return Result{
		Status:           status,
		TicketsProcessed: tickets,
		TotalChunks:      chunks,
		ProcessingTime:   elapsed,
		AuditRecordID:    auditID,
		StartDate:        window.From.Format("2006-01-02"),
		EndDate:          window.To.Format("2006-01-02"),
	}
}

func (o *Orchestrator) transition(ctx context.Context, phase Phase, ev Event) {
	o.deps.Logger.Info("phase transition", "phase", phase)
	o.publish(ctx, ev)
}

func (o *Orchestrator) publish(ctx context.Context, ev Event) {
	if o.deps.Progress == nil {
		return
	}
	o.deps.Progress.Publish(ctx, ev)
}

// traced wraps a phase body in an OTel span via the fn stage combinators.
func traced[T any](phase Phase, body func(context.Context) fn.Result[T]) func(context.Context) fn.Result[T] {
	stage := fn.TracedStage("orchestrator."+string(phase), func(ctx context.Context, _ struct{}) fn.Result[T] {
		return body(ctx)
	})
	return func(ctx context.Context) fn.Result[T] {
		return stage(ctx, struct{}{})
	}
}
