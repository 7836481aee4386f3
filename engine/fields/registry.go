// Package fields implements the form-field registry: the single-flight
// loaded map from custom-field ID to its declared type, which the Ticket
// Enricher consults to project each ticket's untyped custom field values
// into typed variants.
package fields

import (
	"context"
	"fmt"

	"github.com/iadarshrawat/ticket-rag-ingest/engine/ticketing"
	"github.com/iadarshrawat/ticket-rag-ingest/pkg/cache"
)

// Kind is the declared type of a custom field, as classified from the
// platform's field-type string.
type Kind int

const (
	KindUnknown Kind = iota
	KindString
	KindNumber
	KindBoolean
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindDate:
		return "date"
	default:
		return "unknown"
	}
}

// Field is a registry entry: a field's human title, classified kind, and
// the platform's optional stable key and description.
type Field struct {
	ID          int64
	Title       string
	Kind        Kind
	Key         string
	Description string
}

// platformKindToKind maps the ticketing platform's field type strings to
// our reduced Kind taxonomy. Types not recognized become KindUnknown
// rather than failing the load: an unrecognized field type should degrade
// the value for that one field, not abort the whole registry.
var platformKindToKind = map[string]Kind{
	"text":              KindString,
	"textarea":          KindString,
	"regexp":             KindString,
	"dropdown":          KindString,
	"tagger":            KindString,
	"multiselect":       KindString,
	"integer":           KindNumber,
	"decimal":           KindNumber,
	"checkbox":          KindBoolean,
	"date":              KindDate,
}

// Registry is the process-lifetime cache of custom field descriptors,
// loaded once on first access.
type Registry struct {
	client *ticketing.Client
	once   cache.Once[map[int64]Field]
}

// New creates a Registry bound to client. Nothing is fetched until the
// first call to Load or Lookup.
func New(client *ticketing.Client) *Registry {
	return &Registry{client: client}
}

// Load forces the registry to populate (or return the already-cached
// result of a previous populate), and is the hook the orchestrator calls
// during its FetchingFields state. A load failure here is fatal to the
// run: enrichment cannot safely proceed against an unknown field schema.
func (r *Registry) Load(ctx context.Context) error {
	_, err := r.load(ctx)
	return err
}

func (r *Registry) load(ctx context.Context) (map[int64]Field, error) {
	return r.once.Get(func() (map[int64]Field, error) {
		descriptors, err := r.client.TicketFields(ctx)
		if err != nil {
			return nil, fmt.Errorf("fields: load registry: %w", err)
		}
		byID := make(map[int64]Field, len(descriptors))
		for _, d := range descriptors {
			f := Field{
				ID:          d.ID,
				Title:       d.Title,
				Kind:        classify(d.Type),
				Description: d.Description,
			}
			if d.Key != nil {
				f.Key = *d.Key
			}
			byID[d.ID] = f
		}
		return byID, nil
	})
}

func classify(platformType string) Kind {
	if k, ok := platformKindToKind[platformType]; ok {
		return k
	}
	return KindUnknown
}

// Lookup returns the Field descriptor for id. The registry must already be
// loaded (via Load) or this blocks to load it lazily. ok is false when id
// is not a known custom field.
func (r *Registry) Lookup(ctx context.Context, id int64) (Field, bool, error) {
	byID, err := r.load(ctx)
	if err != nil {
		return Field{}, false, err
	}
	f, ok := byID[id]
	return f, ok, nil
}

// Len reports how many fields are registered. Used by tests.
func (r *Registry) Len(ctx context.Context) (int, error) {
	byID, err := r.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(byID), nil
}
