// Package validate turns untyped inbound payloads into bounded, typed
// requests. Everything here is pure: no I/O, no clock. Network-level
// checks (SSRF) belong to the guard package and run after validation.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"pagerobot/internal/cron"
)

// Bounds enforced on inbound payloads.
const (
	MaxFields          = 50
	MaxInstructionsLen = 5000
	MaxBatchURLs       = 20
	MaxCookies         = 50
	MinTimeoutMs       = 1000
	MaxTimeoutMs       = 60000
	DefaultTimeoutMs   = 30000
	MinSecretLen       = 16
	MaxSecretLen       = 256
)

// WaitUntil values accepted by the renderer.
const (
	WaitDOMContentLoaded = "domcontentloaded"
	WaitNetworkIdle      = "networkidle0"
)

// ErrNoExtractionTarget is the exact rejection for payloads carrying
// neither fields nor schema, distinct from a malformed fields array.
var ErrNoExtractionTarget = errors.New("Either fields or schema must be provided.")

var cookieNameRe = regexp.MustCompile(`^[a-zA-Z0-9!#$%&'*+\-.^_` + "`" + `|~]+$`)

// Cookie is one browser cookie forwarded to the renderer.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// OptionsPayload is the raw options object as received.
type OptionsPayload struct {
	Screenshot   bool              `json:"screenshot"`
	StoreContent bool              `json:"storeContent"`
	WaitUntil    string            `json:"waitUntil"`
	TimeoutMs    int               `json:"timeoutMs"`
	Proxy        string            `json:"proxy"`
	Headers      map[string]string `json:"headers"`
	Cookies      []Cookie          `json:"cookies"`
}

// Options is the checked, defaulted configuration handed to the job
// manager. Every field is explicit; there is no free-form map.
type Options struct {
	Screenshot   bool              `json:"screenshot"`
	StoreContent bool              `json:"storeContent"`
	WaitUntil    string            `json:"waitUntil"`
	TimeoutMs    int               `json:"timeoutMs"`
	Proxy        string            `json:"proxy,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Cookies      []Cookie          `json:"cookies,omitempty"`
}

// ExtractPayload is the raw POST /v1/extract body.
type ExtractPayload struct {
	URL           string          `json:"url"`
	Fields        []string        `json:"fields"`
	Schema        json.RawMessage `json:"schema"`
	Instructions  string          `json:"instructions"`
	Async         bool            `json:"async"`
	WebhookURL    string          `json:"webhook_url"`
	WebhookSecret string          `json:"webhook_secret"`
	Options       *OptionsPayload `json:"options"`
}

// ExtractRequest is the validated form of ExtractPayload.
type ExtractRequest struct {
	URL           string
	Fields        []string
	Schema        json.RawMessage
	Instructions  string
	Async         bool
	WebhookURL    string
	WebhookSecret string
	Options       Options
}

// BatchPayload is the raw POST /v1/batch body. Every URL becomes an
// async job sharing the same extraction configuration.
type BatchPayload struct {
	URLs          []string        `json:"urls"`
	Fields        []string        `json:"fields"`
	Schema        json.RawMessage `json:"schema"`
	Instructions  string          `json:"instructions"`
	WebhookURL    string          `json:"webhook_url"`
	WebhookSecret string          `json:"webhook_secret"`
	Options       *OptionsPayload `json:"options"`
}

// BatchRequest is the validated form of BatchPayload.
type BatchRequest struct {
	URLs          []string
	Fields        []string
	Schema        json.RawMessage
	Instructions  string
	WebhookURL    string
	WebhookSecret string
	Options       Options
}

// SchedulePayload is the raw POST /v1/schedules body. Pointer fields
// double as the PATCH body, where nil means "leave unchanged".
type SchedulePayload struct {
	URL           string          `json:"url"`
	Cron          string          `json:"cron"`
	Fields        []string        `json:"fields"`
	Schema        json.RawMessage `json:"schema"`
	Instructions  string          `json:"instructions"`
	WebhookURL    string          `json:"webhook_url"`
	WebhookSecret string          `json:"webhook_secret"`
	Options       *OptionsPayload `json:"options"`
}

// ScheduleRequest is the validated form of SchedulePayload.
type ScheduleRequest struct {
	URL           string
	Cron          string
	Fields        []string
	Schema        json.RawMessage
	Instructions  string
	WebhookURL    string
	WebhookSecret string
	Options       Options
}

// WebhookTestPayload is the raw POST /v1/webhook/test body.
type WebhookTestPayload struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// Extract validates the extract payload. First violation wins.
func Extract(p *ExtractPayload) (*ExtractRequest, error) {
	if err := checkTargetURL(p.URL); err != nil {
		return nil, err
	}
	fields, schema, err := checkExtractionTarget(p.Fields, p.Schema)
	if err != nil {
		return nil, err
	}
	if len(p.Instructions) > MaxInstructionsLen {
		return nil, fmt.Errorf("instructions must be at most %d characters", MaxInstructionsLen)
	}
	if p.WebhookURL != "" {
		if err := checkWebhookURL(p.WebhookURL); err != nil {
			return nil, err
		}
	}
	if err := checkSecret(p.WebhookSecret); err != nil {
		return nil, err
	}
	opts, err := checkOptions(p.Options)
	if err != nil {
		return nil, err
	}
	return &ExtractRequest{
		URL:           p.URL,
		Fields:        fields,
		Schema:        schema,
		Instructions:  p.Instructions,
		Async:         p.Async,
		WebhookURL:    p.WebhookURL,
		WebhookSecret: p.WebhookSecret,
		Options:       opts,
	}, nil
}

// Batch validates the batch payload.
func Batch(p *BatchPayload) (*BatchRequest, error) {
	if len(p.URLs) == 0 {
		return nil, errors.New("urls is required")
	}
	if len(p.URLs) > MaxBatchURLs {
		return nil, fmt.Errorf("urls must contain at most %d entries", MaxBatchURLs)
	}
	for _, u := range p.URLs {
		if err := checkTargetURL(u); err != nil {
			return nil, err
		}
	}
	fields, schema, err := checkExtractionTarget(p.Fields, p.Schema)
	if err != nil {
		return nil, err
	}
	if len(p.Instructions) > MaxInstructionsLen {
		return nil, fmt.Errorf("instructions must be at most %d characters", MaxInstructionsLen)
	}
	if p.WebhookURL != "" {
		if err := checkWebhookURL(p.WebhookURL); err != nil {
			return nil, err
		}
	}
	if err := checkSecret(p.WebhookSecret); err != nil {
		return nil, err
	}
	opts, err := checkOptions(p.Options)
	if err != nil {
		return nil, err
	}
	return &BatchRequest{
		URLs:          p.URLs,
		Fields:        fields,
		Schema:        schema,
		Instructions:  p.Instructions,
		WebhookURL:    p.WebhookURL,
		WebhookSecret: p.WebhookSecret,
		Options:       opts,
	}, nil
}

// Schedule validates the schedule payload. Schedules always deliver by
// webhook, so webhook_url is required here.
func Schedule(p *SchedulePayload) (*ScheduleRequest, error) {
	if err := checkTargetURL(p.URL); err != nil {
		return nil, err
	}
	if p.Cron == "" {
		return nil, errors.New("cron is required")
	}
	if _, err := cron.Parse(p.Cron); err != nil {
		return nil, fmt.Errorf("invalid cron expression: %v", err)
	}
	fields, schema, err := checkExtractionTarget(p.Fields, p.Schema)
	if err != nil {
		return nil, err
	}
	if len(p.Instructions) > MaxInstructionsLen {
		return nil, fmt.Errorf("instructions must be at most %d characters", MaxInstructionsLen)
	}
	if p.WebhookURL == "" {
		return nil, errors.New("webhook_url is required")
	}
	if err := checkWebhookURL(p.WebhookURL); err != nil {
		return nil, err
	}
	if err := checkSecret(p.WebhookSecret); err != nil {
		return nil, err
	}
	opts, err := checkOptions(p.Options)
	if err != nil {
		return nil, err
	}
	return &ScheduleRequest{
		URL:           p.URL,
		Cron:          p.Cron,
		Fields:        fields,
		Schema:        schema,
		Instructions:  p.Instructions,
		WebhookURL:    p.WebhookURL,
		WebhookSecret: p.WebhookSecret,
		Options:       opts,
	}, nil
}

// WebhookTest validates the webhook test payload.
func WebhookTest(p *WebhookTestPayload) error {
	if p.URL == "" {
		return errors.New("url is required")
	}
	if err := checkWebhookURL(p.URL); err != nil {
		return err
	}
	return checkSecret(p.Secret)
}

func checkTargetURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errors.New("url must be a valid absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	return nil
}

func checkWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errors.New("webhook_url must be a valid absolute URL")
	}
	if u.Scheme != "https" {
		return errors.New("webhook_url scheme must be https")
	}
	return nil
}

func checkSecret(secret string) error {
	if secret == "" {
		return nil
	}
	if len(secret) < MinSecretLen || len(secret) > MaxSecretLen {
		return fmt.Errorf("webhook_secret must be %d-%d characters", MinSecretLen, MaxSecretLen)
	}
	return nil
}

// checkExtractionTarget enforces the fields/schema exclusivity rule and
// normalizes the fields array: entries are trimmed and blank entries
// dropped before bounds are applied.
func checkExtractionTarget(fields []string, schema json.RawMessage) ([]string, json.RawMessage, error) {
	hasSchema := len(schema) > 0 && string(schema) != "null"
	if fields == nil && !hasSchema {
		return nil, nil, ErrNoExtractionTarget
	}
	if fields != nil && hasSchema {
		return nil, nil, errors.New("provide either fields or schema, not both")
	}

	if hasSchema {
		var obj map[string]any
		if err := json.Unmarshal(schema, &obj); err != nil {
			return nil, nil, errors.New("schema must be a JSON object")
		}
		if _, err := jsonschema.CompileString("request.json", string(schema)); err != nil {
			return nil, nil, fmt.Errorf("schema is not a valid JSON Schema: %v", err)
		}
		return nil, schema, nil
	}

	cleaned := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			cleaned = append(cleaned, f)
		}
	}
	if len(cleaned) == 0 {
		return nil, nil, errors.New("fields must contain at least one non-empty string")
	}
	if len(cleaned) > MaxFields {
		return nil, nil, fmt.Errorf("fields must contain at most %d entries", MaxFields)
	}
	return cleaned, nil, nil
}

func checkOptions(p *OptionsPayload) (Options, error) {
	opts := Options{
		WaitUntil: WaitDOMContentLoaded,
		TimeoutMs: DefaultTimeoutMs,
	}
	if p == nil {
		return opts, nil
	}

	opts.Screenshot = p.Screenshot
	opts.StoreContent = p.StoreContent

	switch p.WaitUntil {
	case "":
	case WaitDOMContentLoaded, WaitNetworkIdle:
		opts.WaitUntil = p.WaitUntil
	default:
		return opts, fmt.Errorf("options.waitUntil must be %q or %q", WaitDOMContentLoaded, WaitNetworkIdle)
	}

	if p.TimeoutMs != 0 {
		if p.TimeoutMs < MinTimeoutMs || p.TimeoutMs > MaxTimeoutMs {
			return opts, fmt.Errorf("options.timeoutMs must be between %d and %d", MinTimeoutMs, MaxTimeoutMs)
		}
		opts.TimeoutMs = p.TimeoutMs
	}

	if p.Proxy != "" {
		u, err := url.Parse(p.Proxy)
		if err != nil || !u.IsAbs() {
			return opts, errors.New("options.proxy must be a valid absolute URL")
		}
		opts.Proxy = p.Proxy
	}

	// Headers are policy-checked (and possibly replaced wholesale) by
	// the guard at dispatch time; here they only pass through.
	opts.Headers = p.Headers

	if len(p.Cookies) > MaxCookies {
		return opts, fmt.Errorf("options.cookies must contain at most %d entries", MaxCookies)
	}
	for _, c := range p.Cookies {
		if c.Name == "" || !cookieNameRe.MatchString(c.Name) {
			return opts, errors.New("options.cookies contains an invalid cookie name")
		}
		if len(c.Value) > 4096 {
			return opts, errors.New("options.cookies contains an oversized cookie value")
		}
	}
	opts.Cookies = p.Cookies

	return opts, nil
}
