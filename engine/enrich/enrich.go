// Package enrich implements the Ticket Enricher: for each raw ticket,
// fetches its comment thread, classifies roles, extracts a resolution, and
// projects custom fields through the field registry.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iadarshrawat/ticket-rag-ingest/engine/fields"
	"github.com/iadarshrawat/ticket-rag-ingest/engine/ticketing"
)

// Role is a conversation participant's classified role.
type Role int

const (
	RoleCustomer Role = iota
	RoleAgent
)

func (r Role) String() string {
	if r == RoleAgent {
		return "Agent"
	}
	return "Customer"
}

// Turn is one classified entry in an enriched ticket's conversation.
type Turn struct {
	Role      Role
	Message   string
	Timestamp time.Time
	Public    bool
}

// CustomField is a projected (name, value) entry with its registry-derived
// type metadata.
type CustomField struct {
	Name        string
	Value       any
	Type        string
	Key         string
	Description string
}

// Ticket is the enriched view of a raw ticket, ready for chunking.
type Ticket struct {
	ID           int64
	Subject      string
	Description  string
	Status       string
	Priority     string
	Tags         []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Conversation []Turn
	Resolution   *string
	CustomFields []CustomField
}

// Enricher enriches raw tickets one at a time. Concurrency across tickets
// is the orchestrator's responsibility; this type has no internal
// parallelism.
type Enricher struct {
	client   *ticketing.Client
	registry *fields.Registry
}

// New creates an Enricher bound to client and registry.
func New(client *ticketing.Client, registry *fields.Registry) *Enricher {
	return &Enricher{client: client, registry: registry}
}

// Enrich fetches t's comment thread and builds its enriched view. A
// failure here is the caller's to isolate: it never panics and always
// returns a wrapped error describing which ticket failed.
func (e *Enricher) Enrich(ctx context.Context, t ticketing.Ticket) (Ticket, error) {
	comments, err := e.client.Comments(ctx, t.ID)
	if err != nil {
		return Ticket{}, fmt.Errorf("enrich ticket %d: fetch comments: %w", t.ID, err)
	}

	conversation := make([]Turn, 0, len(comments))
	for _, c := range comments {
		role := RoleAgent
		if c.AuthorID == t.RequesterID {
			role = RoleCustomer
		}
		conversation = append(conversation, Turn{
			Role:      role,
			Message:   c.Body,
			Timestamp: c.CreatedAt,
			Public:    c.Public,
		})
	}

	resolution := extractResolution(conversation)

	customFields, err := e.projectCustomFields(ctx, t.CustomFields)
	if err != nil {
		return Ticket{}, fmt.Errorf("enrich ticket %d: project custom fields: %w", t.ID, err)
	}

	return Ticket{
		ID:           t.ID,
		Subject:      t.Subject,
		Description:  t.Description,
		Status:       t.Status,
		Priority:     t.Priority,
		Tags:         t.Tags,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		Conversation: conversation,
		Resolution:   resolution,
		CustomFields: customFields,
	}, nil
}

// extractResolution returns the last non-empty public Agent message, or
// nil if none exists.
func extractResolution(conversation []Turn) *string {
	for i := len(conversation) - 1; i >= 0; i-- {
		turn := conversation[i]
		if turn.Role != RoleAgent || !turn.Public {
			continue
		}
		if msg := strings.TrimSpace(turn.Message); msg != "" {
			return &msg
		}
	}
	return nil
}

func (e *Enricher) projectCustomFields(ctx context.Context, raw []ticketing.CustomFieldValue) ([]CustomField, error) {
	out := make([]CustomField, 0, len(raw))
	for _, cf := range raw {
		if isEmptyValue(cf.Value) {
			continue
		}
		field, ok, err := e.registry.Lookup(ctx, cf.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, CustomField{
				Name:  fmt.Sprintf("Field_%d", cf.ID),
				Value: cf.Value,
				Type:  "unknown",
			})
			continue
		}
		out = append(out, CustomField{
			Name:        field.Title,
			Value:       cf.Value,
			Type:        field.Kind.String(),
			Key:         field.Key,
			Description: field.Description,
		})
	}
	return out, nil
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}
