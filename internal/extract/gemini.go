package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Ensure GeminiExtractor implements Extractor at compile time.
var _ Extractor = (*GeminiExtractor)(nil)

// maxContentChars bounds the page content included in the prompt;
// anything past it is boilerplate risk and token waste.
const maxContentChars = 200_000

// GeminiExtractor implements Extractor using Google Gemini.
type GeminiExtractor struct {
	client *genai.Client
	model  string
}

// NewGeminiExtractor creates an extractor using the given client and
// model name.
func NewGeminiExtractor(client *genai.Client, model string) *GeminiExtractor {
	return &GeminiExtractor{client: client, model: model}
}

// Extract asks the model for a JSON object matching the request's
// fields or schema and repairs common formatting slop in the reply.
func (e *GeminiExtractor) Extract(ctx context.Context, req *Request) (*Result, error) {
	prompt := BuildUserPrompt(req)
	config := BuildConfig()

	result, err := e.client.Models.GenerateContent(ctx, e.model,
		[]*genai.Content{{
			Parts: []*genai.Part{{Text: prompt}},
		}},
		config,
	)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("gemini returned nil result")
	}

	data, err := RepairJSON(result.Text())
	if err != nil {
		return nil, fmt.Errorf("model output is not valid JSON: %w", err)
	}

	out := &Result{Data: data}
	if result.UsageMetadata != nil {
		out.Tokens = int64(result.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

// BuildConfig returns the GenerateContentConfig for extraction calls.
func BuildConfig() *genai.GenerateContentConfig {
	temp := float32(0.1)
	return &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{
				Text: "You extract structured data from web page content. Respond with a single JSON object and nothing else. Use null for values not present on the page; never invent data.",
			}},
		},
		Temperature:      &temp,
		ResponseMIMEType: "application/json",
	}
}

// BuildUserPrompt builds the extraction prompt from page content and
// the requested fields or schema.
func BuildUserPrompt(req *Request) string {
	content := req.Content
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
	}

	var sb strings.Builder
	sb.WriteString("<page>\n")
	if req.Title != "" {
		fmt.Fprintf(&sb, "<title>%s</title>\n", req.Title)
	}
	fmt.Fprintf(&sb, "<content>%s</content>\n", content)
	sb.WriteString("</page>\n\n")

	if len(req.Schema) > 0 {
		fmt.Fprintf(&sb, "Extract a JSON object conforming to this JSON Schema:\n%s\n", req.Schema)
	} else {
		fmt.Fprintf(&sb, "Extract a JSON object with exactly these keys: %s\n", strings.Join(req.Fields, ", "))
	}
	if req.Instructions != "" {
		fmt.Fprintf(&sb, "\nAdditional instructions: %s\n", req.Instructions)
	}
	return sb.String()
}

// RepairJSON recovers a JSON object from model output that may be
// wrapped in code fences or surrounded by prose. Returns an error only
// when no parseable object can be found.
func RepairJSON(text string) (json.RawMessage, error) {
	s := strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	if json.Valid([]byte(s)) {
		return json.RawMessage(s), nil
	}

	// Trim to the outermost braces: models sometimes preface the
	// object with prose despite instructions.
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		candidate := s[start : end+1]
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}

	return nil, fmt.Errorf("no JSON object in %d bytes of output", len(text))
}
