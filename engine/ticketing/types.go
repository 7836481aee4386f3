package ticketing

import "time"

// Ticket is the raw wire representation of a support ticket as returned by
// the ticketing platform's search endpoint.
type Ticket struct {
	ID           int64              `json:"id"`
	Subject      string             `json:"subject"`
	Description  string             `json:"description"`
	Status       string             `json:"status"`
	Priority     string             `json:"priority"`
	Tags         []string           `json:"tags"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	RequesterID  int64              `json:"requester_id"`
	AssigneeID   int64              `json:"assignee_id"`
	CustomFields []CustomFieldValue `json:"custom_fields"`
}

// CustomFieldValue is a raw (field-id, value) pair attached to a ticket.
// Value is untyped at the transport layer; the Registry supplies its type.
type CustomFieldValue struct {
	ID    int64 `json:"id"`
	Value any   `json:"value"`
}

// Comment is one entry in a ticket's conversation thread.
type Comment struct {
	AuthorID  int64     `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Public    bool      `json:"public"`
}

// FieldDescriptor describes one custom ticket field in the platform's form
// schema.
type FieldDescriptor struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Type        string  `json:"type"`
	Key         *string `json:"key,omitempty"`
	Description string  `json:"description"`
}

type searchResponse struct {
	Results  []Ticket `json:"results"`
	NextPage *string  `json:"next_page"`
}

type commentsResponse struct {
	Comments []Comment `json:"comments"`
}

type fieldsResponse struct {
	TicketFields []FieldDescriptor `json:"ticket_fields"`
	NextPage     *string           `json:"next_page"`
}

type customObjectRecordEnvelope struct {
	CustomObjectRecord customObjectRecord `json:"custom_object_record"`
}

type customObjectRecord struct {
	ID                 string         `json:"id,omitempty"`
	Name               string         `json:"name,omitempty"`
	CustomObjectFields map[string]any `json:"custom_object_fields,omitempty"`
}
