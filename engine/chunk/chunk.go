// Package chunk implements the Chunker: given an enriched ticket, it
// deterministically produces the ordered list of text chunks that the
// embedding stage will turn into vectors.
package chunk

import (
	"fmt"
	"strings"

	"github.com/iadarshrawat/ticket-rag-ingest/engine/enrich"
)

// MaxChunkChars bounds the conversation text of a single chunk: a longer
// conversation is split into parts of at most this many characters, each
// then suffixed with its part marker. At a conservative 4 chars/token ratio
// a part stays around 1250 tokens, comfortably inside any current embedding
// model's input window. The overview, resolution and custom-fields chunks
// are not split or truncated at this length.
const MaxChunkChars = 5000

// Kind identifies which part of a ticket a chunk represents.
type Kind string

const (
	KindOverview     Kind = "overview"
	KindConversation Kind = "conversation"
	KindResolution   Kind = "resolution"
	KindCustomFields Kind = "custom_fields"
)

// Chunk is one unit of embeddable text plus its provenance metadata.
type Chunk struct {
	Text string
	Meta Meta
}

// Meta carries the fields the vector store needs to reconstruct context
// around a chunk without re-reading the source ticket.
type Meta struct {
	Kind        Kind
	TicketID    int64
	Subject     string
	Tags        []string
	PartIndex   int // 1-indexed; 0 when the chunk is not split
	TotalParts  int // 0 when the chunk is not split
	FieldCount  int // only set for KindCustomFields
}

// Build produces the ordered chunk list for an enriched ticket.
func Build(t enrich.Ticket) []Chunk {
	var chunks []Chunk

	chunks = append(chunks, overviewChunk(t))

	if len(t.Conversation) > 0 {
		chunks = append(chunks, conversationChunks(t)...)
	}

	if t.Resolution != nil {
		chunks = append(chunks, resolutionChunk(t))
	}

	if len(t.CustomFields) > 0 {
		chunks = append(chunks, customFieldsChunk(t))
	}

	return chunks
}

func baseMeta(t enrich.Ticket, kind Kind) Meta {
	return Meta{
		Kind:     kind,
		TicketID: t.ID,
		Subject:  t.Subject,
		Tags:     t.Tags,
	}
}

func overviewChunk(t enrich.Ticket) Chunk {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket %d\n", t.ID)
	fmt.Fprintf(&b, "Subject: %s\n", t.Subject)
	fmt.Fprintf(&b, "Description: %s\n", t.Description)
	fmt.Fprintf(&b, "Status: %s\n", t.Status)
	fmt.Fprintf(&b, "Priority: %s\n", t.Priority)
	fmt.Fprintf(&b, "Tags: %s\n", strings.Join(t.Tags, ", "))

	if len(t.CustomFields) > 0 {
		b.WriteString("Custom Fields:\n")
		for _, cf := range t.CustomFields {
			fmt.Fprintf(&b, "%s: %v\n", cf.Name, cf.Value)
		}
	}

	return Chunk{Text: b.String(), Meta: baseMeta(t, KindOverview)}
}

func conversationChunks(t enrich.Ticket) []Chunk {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket %d Conversation:\n", t.ID)
	for i, turn := range t.Conversation {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, turn.Role, turn.Message)
	}
	full := b.String()

	if len(full) <= MaxChunkChars {
		meta := baseMeta(t, KindConversation)
		return []Chunk{{Text: full, Meta: meta}}
	}

	parts := splitFixed(full, MaxChunkChars)
	out := make([]Chunk, 0, len(parts))
	for i, part := range parts {
		meta := baseMeta(t, KindConversation)
		meta.PartIndex = i + 1
		meta.TotalParts = len(parts)
		// The marker carries the ticket id so every part's text stays
		// traceable on its own, while stripping the marker still
		// reassembles the original text exactly.
		text := fmt.Sprintf("%s [Ticket %d, Part %d/%d]", part, t.ID, i+1, len(parts))
		out = append(out, Chunk{Text: text, Meta: meta})
	}
	return out
}

func resolutionChunk(t enrich.Ticket) Chunk {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket %d Resolution\n", t.ID)
	fmt.Fprintf(&b, "Problem: %s\n", t.Description)
	fmt.Fprintf(&b, "Solution: %s\n", *t.Resolution)
	fmt.Fprintf(&b, "Related Tags: %s\n", strings.Join(t.Tags, ", "))
	return Chunk{Text: b.String(), Meta: baseMeta(t, KindResolution)}
}

func customFieldsChunk(t enrich.Ticket) Chunk {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket %d Custom Fields:\n", t.ID)
	for _, cf := range t.CustomFields {
		fmt.Fprintf(&b, "%s (%s): %v\n", cf.Name, cf.Type, cf.Value)
	}
	meta := baseMeta(t, KindCustomFields)
	meta.FieldCount = len(t.CustomFields)
	return Chunk{Text: b.String(), Meta: meta}
}

// splitFixed splits s into consecutive parts of at most size runes,
// preserving order and never dropping content.
func splitFixed(s string, size int) []string {
	runes := []rune(s)
	if len(runes) <= size {
		return []string{s}
	}
	var parts []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[i:end]))
	}
	return parts
}
