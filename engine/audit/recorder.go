// Package audit writes one structured record per ingestion run into the
// ticketing platform's custom-object store, and bootstraps the two object
// schemas (success and failure) those records live in.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/iadarshrawat/ticket-rag-ingest/engine/ierr"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/ticketing"
)

const (
	successObjectKey = "ticket_import_success"
	failureObjectKey = "ticket_import_failure"

	dateFormat = "2006-01-02"
)

// Kind distinguishes success from failure records.
type Kind int

const (
	KindSuccess Kind = iota
	KindFailure
)

func (k Kind) String() string {
	if k == KindFailure {
		return "Failure"
	}
	return "Success"
}

// Record is one ingestion run's terminal-state audit entry.
type Record struct {
	Kind        Kind
	Start       time.Time // date range start; zero when not applicable
	End         time.Time // date range end; zero when not applicable
	TicketCount int
	Source      string
	When        time.Time // import or error timestamp

	// Failure only.
	ErrorMessage string
	ErrorDetails string
}

// Recorder writes audit records through the ticketing client. The write
// protocol is two-step by platform constraint: create a record carrying
// only a name, then patch in the custom-field payload. CollapseWrites
// switches to a single-step create for deployments whose platform accepts
// field values at creation time.
type Recorder struct {
	client         *ticketing.Client
	logger         *slog.Logger
	CollapseWrites bool
}

// NewRecorder creates a Recorder over client.
func NewRecorder(client *ticketing.Client, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{client: client, logger: logger}
}

type fieldDef struct {
	key   string
	typ   string
	title string
}

var successFields = []fieldDef{
	{"import_date", "date", "Import Date"},
	{"start_date", "date", "Start Date"},
	{"end_date", "date", "End Date"},
	{"ticket_count", "integer", "Ticket Count"},
	{"source", "text", "Source"},
}

var failureFields = []fieldDef{
	{"error_date", "date", "Error Date"},
	{"start_date", "date", "Start Date"},
	{"end_date", "date", "End Date"},
	{"error_message", "text", "Error Message"},
	{"error_details", "text", "Error Details"},
	{"source", "text", "Source"},
}

// EnsureSchema idempotently provisions the success and failure object
// types with their fields. Field creation always runs, absorbing the 422
// the platform returns for fields that already exist, so a schema that
// gained fields in a newer release is completed on the next startup.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if err := r.ensureObject(ctx, successObjectKey, "Ticket Import Success", "Ticket Import Successes", successFields); err != nil {
		return err
	}
	return r.ensureObject(ctx, failureObjectKey, "Ticket Import Failure", "Ticket Import Failures", failureFields)
}

func (r *Recorder) ensureObject(ctx context.Context, key, title, titlePlural string, defs []fieldDef) error {
	exists, err := r.client.ObjectTypeExists(ctx, key)
	if err != nil {
		return fmt.Errorf("audit: check object type %s: %w", key, err)
	}
	if !exists {
		schema := map[string]any{
			"key":              key,
			"title":            title,
			"title_pluralized": titlePlural,
		}
		if err := r.client.CreateObjectType(ctx, schema); err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("audit: create object type %s: %w", key, err)
		}
		r.logger.Info("audit: created custom object type", "key", key)
	}

	for _, d := range defs {
		field := map[string]any{"key": d.key, "type": d.typ, "title": d.title}
		if err := r.client.CreateObjectField(ctx, key, field); err != nil {
			if isAlreadyExists(err) {
				continue
			}
			return fmt.Errorf("audit: create field %s.%s: %w", key, d.key, err)
		}
	}
	return nil
}

// isAlreadyExists reports whether err is the platform's 422 response for a
// resource that already exists.
func isAlreadyExists(err error) bool {
	var permErr *ierr.PermanentRemoteError
	return errors.As(err, &permErr) && permErr.StatusCode == http.StatusUnprocessableEntity
}

// Write records rec and returns the created record's ID, or "" when the
// write failed. Audit writes never fail a run: every failure path logs and
// degrades to "".
func (r *Recorder) Write(ctx context.Context, rec Record) string {
	objectKey := successObjectKey
	if rec.Kind == KindFailure {
		objectKey = failureObjectKey
	}
	name := fmt.Sprintf("Ticket Import %s %s", rec.Kind, rec.When.Format("2006-01-02 15:04:05"))
	fields := rec.fieldPayload()

	if r.CollapseWrites {
		id, err := r.client.CreateObjectRecord(ctx, objectKey, name, fields)
		if err != nil {
			r.logger.Error("audit: record create failed", "object", objectKey, "err", &ierr.AuditWriteError{Stage: "create", Err: err})
			return ""
		}
		return id
	}

	id, err := r.client.CreateObjectRecord(ctx, objectKey, name, nil)
	if err != nil {
		r.logger.Error("audit: record create failed", "object", objectKey, "err", &ierr.AuditWriteError{Stage: "create", Err: err})
		return ""
	}
	if err := r.client.PatchObjectRecord(ctx, objectKey, id, fields); err != nil {
		r.logger.Error("audit: record patch failed", "object", objectKey, "record", id, "err", &ierr.AuditWriteError{Stage: "patch", Err: err})
		return ""
	}
	return id
}

func (rec Record) fieldPayload() map[string]any {
	fields := map[string]any{"source": rec.Source}
	if !rec.Start.IsZero() {
		fields["start_date"] = rec.Start.Format(dateFormat)
	}
	if !rec.End.IsZero() {
		fields["end_date"] = rec.End.Format(dateFormat)
	}
	if rec.Kind == KindFailure {
		fields["error_date"] = rec.When.Format(dateFormat)
		fields["error_message"] = rec.ErrorMessage
		fields["error_details"] = rec.ErrorDetails
		return fields
	}
	fields["import_date"] = rec.When.Format(dateFormat)
	fields["ticket_count"] = rec.TicketCount
	return fields
}
