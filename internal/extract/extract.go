// Package extract defines the LLM extraction collaborator: rendered
// page content in, structured data matching the caller's fields or
// schema out.
package extract

import (
	"context"
	"encoding/json"
)

// Request carries the content and the extraction target.
// Exactly one of Fields/Schema is set; the validator guarantees it.
type Request struct {
	Content      string
	Title        string
	Fields       []string
	Schema       json.RawMessage
	Instructions string
}

// Result is the structured extraction output.
type Result struct {
	// Data is the extracted JSON object.
	Data json.RawMessage

	// Tokens is the total token usage reported by the model.
	Tokens int64
}

// Extractor extracts structured data from rendered page content.
type Extractor interface {
	Extract(ctx context.Context, req *Request) (*Result, error)
}
