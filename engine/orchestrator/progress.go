package orchestrator

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/iadarshrawat/ticket-rag-ingest/pkg/natsutil"
)

// ProgressSubject is the default NATS subject for run progress events.
const ProgressSubject = "ticket_ingest.progress"

// Event is one progress notification: a phase transition or an in-phase
// count update.
type Event struct {
	Phase   string `json:"phase"`
	Tickets int    `json:"tickets,omitempty"`
	Chunks  int    `json:"chunks,omitempty"`
	Done    int    `json:"done,omitempty"`
	Total   int    `json:"total,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProgressSink receives run progress events. Implementations must not
// block: the pipeline never waits on a subscriber.
type ProgressSink interface {
	Publish(ctx context.Context, ev Event)
}

// NATSProgress publishes progress events to a NATS subject so external
// dashboards can watch a run live. Publish failures are logged and
// dropped.
type NATSProgress struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSProgress creates a sink publishing to subject (ProgressSubject
// when empty) on nc.
func NewNATSProgress(nc *nats.Conn, subject string, logger *slog.Logger) *NATSProgress {
	if subject == "" {
		subject = ProgressSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSProgress{nc: nc, subject: subject, logger: logger}
}

// Publish sends ev as JSON. Never blocks the run on a broker failure.
func (p *NATSProgress) Publish(ctx context.Context, ev Event) {
	if err := natsutil.Publish(ctx, p.nc, p.subject, ev); err != nil {
		p.logger.Warn("progress publish failed", "subject", p.subject, "err", err)
	}
}
