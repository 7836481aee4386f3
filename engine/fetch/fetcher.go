// Package fetch implements the Ticket Fetcher: translating a requested
// date range into the ticketing platform's search query language and
// walking the resulting pages, tolerating a failed page rather than
// discarding an otherwise-usable run.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/iadarshrawat/ticket-rag-ingest/engine/ticketing"
)

// Window is an inclusive ticket-creation date range, both ends given as
// calendar dates (time-of-day is ignored).
type Window struct {
	From time.Time
	To   time.Time
}

// Validate reports whether the window is usable: From must not be after
// To. now is not consulted, so a window ending today or later is accepted;
// StraddlesNow reports that case so callers can warn.
func (w Window) Validate(now time.Time) error {
	if w.From.After(w.To) {
		return fmt.Errorf("fetch: window start %s is after end %s", w.From, w.To)
	}
	return nil
}

// StraddlesNow reports whether To falls on or after now's calendar date,
// meaning the window may miss tickets created later today. Callers should
// log a warning rather than treat this as an error.
func (w Window) StraddlesNow(now time.Time) bool {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return !w.To.Before(today)
}

// query builds the platform search query for tickets created within the
// inclusive window, both bounds inclusive at calendar-date granularity.
func (w Window) query() string {
	from := w.From.Format("2006-01-02")
	to := w.To.Format("2006-01-02")
	return fmt.Sprintf("type:ticket created>=%s created<=%s", from, to)
}

// Fetcher retrieves the set of tickets created within a window.
type Fetcher struct {
	client *ticketing.Client
	logger *slog.Logger
}

// New creates a Fetcher bound to client.
func New(client *ticketing.Client, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, logger: logger}
}

// Fetch returns every ticket created within window, newest first. A page
// that fails after the first truncates the result (with a warning log)
// rather than failing the whole fetch, since a partial ticket set from a
// long-tail search beats no ingestion run at all.
//
// The platform's created>=/created<= predicate is assumed inclusive on
// both ends; a result whose creation time lands outside the window gets a
// warning so operators can spot a server-side boundary surprise.
func (f *Fetcher) Fetch(ctx context.Context, window Window) ([]ticketing.Ticket, error) {
	if err := window.Validate(time.Now()); err != nil {
		return nil, err
	}
	if window.StraddlesNow(time.Now()) {
		f.logger.Warn("window ends today; tickets created later today will be missed", "to", window.To.Format("2006-01-02"))
	}

	tickets, err := f.client.SearchTickets(ctx, window.query(), true)
	if err != nil {
		return nil, err
	}
	f.warnBoundary(tickets, window)
	return tickets, nil
}

func (f *Fetcher) warnBoundary(tickets []ticketing.Ticket, window Window) {
	if len(tickets) == 0 {
		return
	}
	lo := window.From.Truncate(24 * time.Hour)
	hi := window.To.Truncate(24 * time.Hour).Add(24*time.Hour - time.Nanosecond)
	for _, t := range []ticketing.Ticket{tickets[0], tickets[len(tickets)-1]} {
		if t.CreatedAt.Before(lo) || t.CreatedAt.After(hi) {
			f.logger.Warn("ticket creation time outside requested window; search predicate may not be inclusive",
				"ticket_id", t.ID, "created_at", t.CreatedAt, "window", window)
		}
	}
}
