package ticketing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

const (
	bucketSearch  = "search"
	bucketComment = "comments"
	bucketFields  = "fields"
	bucketObjects = "custom_object_records"
)

// SearchTickets walks the ticket search endpoint for a caller-built query
// (the Fetcher passes created>=/created<= bounds as YYYY-MM-DD dates),
// newest first. tolerant controls whether a page failure truncates
// (Fetcher) or propagates (anything that cannot tolerate a partial result).
func (c *Client) SearchTickets(ctx context.Context, query string, tolerant bool) ([]Ticket, error) {
	first := "/search.json?query=" + url.QueryEscape(query) + "&sort_by=created_at&sort_order=desc"
	extract := func(body []byte) (pageResult[Ticket], error) {
		var env searchResponse
		if err := json.Unmarshal(body, &env); err != nil {
			return pageResult[Ticket]{}, err
		}
		return pageResult[Ticket]{items: env.Results, next: env.NextPage}, nil
	}
	if tolerant {
		return FetchAllPagesTolerant(ctx, c, bucketSearch, first, extract)
	}
	return FetchAllPages(ctx, c, bucketSearch, first, extract)
}

// Comments fetches the full comment thread for a single ticket. Comment
// threads are not paginated by the platform for tickets of the size this
// pipeline deals with, so this issues a single GET.
func (c *Client) Comments(ctx context.Context, ticketID int64) ([]Comment, error) {
	var env commentsResponse
	path := fmt.Sprintf("/tickets/%d/comments.json", ticketID)
	if err := c.Get(ctx, bucketComment, path, &env); err != nil {
		return nil, err
	}
	return env.Comments, nil
}

// TicketFields loads the full custom-field schema. Loading is not
// tolerant of page failures: a partial schema would silently mistype
// fields for every ticket enriched afterward.
func (c *Client) TicketFields(ctx context.Context) ([]FieldDescriptor, error) {
	extract := func(body []byte) (pageResult[FieldDescriptor], error) {
		var env fieldsResponse
		if err := json.Unmarshal(body, &env); err != nil {
			return pageResult[FieldDescriptor]{}, err
		}
		return pageResult[FieldDescriptor]{items: env.TicketFields, next: env.NextPage}, nil
	}
	return FetchAllPages(ctx, c, bucketFields, "/ticket_fields.json", extract)
}

// CreateObjectRecord creates a custom object record carrying only a
// human-readable name, returning its platform-assigned ID. The platform
// rejects custom-field values on freshly-created object types, so callers
// that need structured fields follow up with PatchObjectRecord. fields may
// be non-nil to attempt a single-step create where the deployment allows it.
func (c *Client) CreateObjectRecord(ctx context.Context, objectType, name string, fields map[string]any) (string, error) {
	path := fmt.Sprintf("/custom_objects/%s/records", objectType)
	req := customObjectRecordEnvelope{CustomObjectRecord: customObjectRecord{Name: name, CustomObjectFields: fields}}
	var resp customObjectRecordEnvelope
	if err := c.Post(ctx, bucketObjects, path, req, &resp); err != nil {
		return "", err
	}
	return resp.CustomObjectRecord.ID, nil
}

// PatchObjectRecord updates fields on an existing custom object record.
func (c *Client) PatchObjectRecord(ctx context.Context, objectType, recordID string, fields map[string]any) error {
	path := fmt.Sprintf("/custom_objects/%s/records/%s", objectType, recordID)
	req := customObjectRecordEnvelope{CustomObjectRecord: customObjectRecord{CustomObjectFields: fields}}
	return c.Patch(ctx, bucketObjects, path, req, nil)
}

// ObjectTypeExists reports whether a custom object type has already been
// provisioned, used by the audit schema bootstrap.
func (c *Client) ObjectTypeExists(ctx context.Context, objectType string) (bool, error) {
	path := fmt.Sprintf("/custom_objects/%s", objectType)
	var out map[string]any
	err := c.Get(ctx, bucketObjects, path, &out)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateObjectType provisions a new custom object type. A 422/already
// exists response is absorbed by the caller (audit schema bootstrap),
// not here, since only the caller knows that's an acceptable outcome.
func (c *Client) CreateObjectType(ctx context.Context, schema map[string]any) error {
	return c.Post(ctx, "custom_objects", "/custom_objects", map[string]any{"custom_object": schema}, nil)
}

// CreateObjectField adds one field to an existing custom object type.
// Returns the raw error on 422 so the caller can decide whether "already
// exists" is acceptable.
func (c *Client) CreateObjectField(ctx context.Context, objectType string, field map[string]any) error {
	path := fmt.Sprintf("/custom_objects/%s/fields", objectType)
	return c.Post(ctx, "custom_objects", path, map[string]any{"custom_object_field": field}, nil)
}
