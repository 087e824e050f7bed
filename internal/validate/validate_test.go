package validate_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagerobot/internal/validate"
)

func TestExtract(t *testing.T) {
	t.Parallel()

	t.Run("accepts a minimal fields request", func(t *testing.T) {
		t.Parallel()

		req, err := validate.Extract(&validate.ExtractPayload{
			URL:    "https://example.com/product",
			Fields: []string{"title", "price"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"title", "price"}, req.Fields)
		assert.Equal(t, validate.WaitDOMContentLoaded, req.Options.WaitUntil)
		assert.Equal(t, validate.DefaultTimeoutMs, req.Options.TimeoutMs)
	})

	t.Run("missing both fields and schema gets the dedicated message", func(t *testing.T) {
		t.Parallel()

		_, err := validate.Extract(&validate.ExtractPayload{URL: "https://example.com"})
		require.Error(t, err)
		assert.Equal(t, "Either fields or schema must be provided.", err.Error())
	})

	t.Run("fields entries are trimmed and blanks dropped", func(t *testing.T) {
		t.Parallel()

		req, err := validate.Extract(&validate.ExtractPayload{
			URL:    "https://example.com",
			Fields: []string{" title ", "", "  "},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"title"}, req.Fields)
	})

	t.Run("all-blank fields is a shape error, not a missing-target error", func(t *testing.T) {
		t.Parallel()

		_, err := validate.Extract(&validate.ExtractPayload{
			URL:    "https://example.com",
			Fields: []string{"", "   "},
		})
		require.Error(t, err)
		assert.NotEqual(t, validate.ErrNoExtractionTarget.Error(), err.Error())
		assert.Contains(t, err.Error(), "fields")
	})

	t.Run("fields and schema together are rejected", func(t *testing.T) {
		t.Parallel()

		_, err := validate.Extract(&validate.ExtractPayload{
			URL:    "https://example.com",
			Fields: []string{"title"},
			Schema: json.RawMessage(`{"type":"object"}`),
		})
		assert.Error(t, err)
	})

	t.Run("schema must compile as JSON Schema", func(t *testing.T) {
		t.Parallel()

		_, err := validate.Extract(&validate.ExtractPayload{
			URL:    "https://example.com",
			Schema: json.RawMessage(`{"type":"not-a-type"}`),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schema")

		_, err = validate.Extract(&validate.ExtractPayload{
			URL:    "https://example.com",
			Schema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"}}}`),
		})
		assert.NoError(t, err)
	})

	t.Run("url rules", func(t *testing.T) {
		t.Parallel()

		for _, raw := range []string{"", "notaurl", "ftp://example.com", "//missing-scheme.com"} {
			_, err := validate.Extract(&validate.ExtractPayload{URL: raw, Fields: []string{"a"}})
			assert.Error(t, err, raw)
		}
	})

	t.Run("instructions length bound", func(t *testing.T) {
		t.Parallel()

		_, err := validate.Extract(&validate.ExtractPayload{
			URL:          "https://example.com",
			Fields:       []string{"title"},
			Instructions: strings.Repeat("x", validate.MaxInstructionsLen+1),
		})
		assert.Error(t, err)
	})

	t.Run("webhook url must be https and secret bounded", func(t *testing.T) {
		t.Parallel()

		_, err := validate.Extract(&validate.ExtractPayload{
			URL:        "https://example.com",
			Fields:     []string{"title"},
			WebhookURL: "http://example.com/hook",
		})
		assert.Error(t, err)

		_, err = validate.Extract(&validate.ExtractPayload{
			URL:           "https://example.com",
			Fields:        []string{"title"},
			WebhookURL:    "https://example.com/hook",
			WebhookSecret: "short",
		})
		assert.Error(t, err)

		_, err = validate.Extract(&validate.ExtractPayload{
			URL:           "https://example.com",
			Fields:        []string{"title"},
			WebhookURL:    "https://example.com/hook",
			WebhookSecret: "a-long-enough-secret",
		})
		assert.NoError(t, err)
	})

	t.Run("options bounds", func(t *testing.T) {
		t.Parallel()

		_, err := validate.Extract(&validate.ExtractPayload{
			URL:     "https://example.com",
			Fields:  []string{"title"},
			Options: &validate.OptionsPayload{TimeoutMs: 500},
		})
		assert.Error(t, err)

		_, err = validate.Extract(&validate.ExtractPayload{
			URL:     "https://example.com",
			Fields:  []string{"title"},
			Options: &validate.OptionsPayload{WaitUntil: "load"},
		})
		assert.Error(t, err)

		req, err := validate.Extract(&validate.ExtractPayload{
			URL:     "https://example.com",
			Fields:  []string{"title"},
			Options: &validate.OptionsPayload{TimeoutMs: 5000, WaitUntil: validate.WaitNetworkIdle},
		})
		require.NoError(t, err)
		assert.Equal(t, 5000, req.Options.TimeoutMs)
		assert.Equal(t, validate.WaitNetworkIdle, req.Options.WaitUntil)
	})
}

func TestBatch(t *testing.T) {
	t.Parallel()

	t.Run("requires urls and bounds the count", func(t *testing.T) {
		t.Parallel()

		_, err := validate.Batch(&validate.BatchPayload{Fields: []string{"title"}})
		assert.Error(t, err)

		urls := make([]string, validate.MaxBatchURLs+1)
		for i := range urls {
			urls[i] = "https://example.com/page"
		}
		_, err = validate.Batch(&validate.BatchPayload{URLs: urls, Fields: []string{"title"}})
		assert.Error(t, err)
	})

	t.Run("accepts a well-formed batch", func(t *testing.T) {
		t.Parallel()

		req, err := validate.Batch(&validate.BatchPayload{
			URLs:   []string{"https://example.com/a", "https://example.com/b"},
			Fields: []string{"title"},
		})
		require.NoError(t, err)
		assert.Len(t, req.URLs, 2)
	})
}

func TestSchedule(t *testing.T) {
	t.Parallel()

	valid := func() *validate.SchedulePayload {
		return &validate.SchedulePayload{
			URL:        "https://example.com",
			Cron:       "0 9 * * *",
			Fields:     []string{"title"},
			WebhookURL: "https://example.com/hook",
		}
	}

	t.Run("accepts a well-formed schedule", func(t *testing.T) {
		t.Parallel()

		req, err := validate.Schedule(valid())
		require.NoError(t, err)
		assert.Equal(t, "0 9 * * *", req.Cron)
	})

	t.Run("rejects invalid cron at create time", func(t *testing.T) {
		t.Parallel()

		p := valid()
		p.Cron = "99 * * * *"
		_, err := validate.Schedule(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cron")
	})

	t.Run("requires a webhook url", func(t *testing.T) {
		t.Parallel()

		p := valid()
		p.WebhookURL = ""
		_, err := validate.Schedule(p)
		assert.Error(t, err)
	})
}

func TestWebhookTest(t *testing.T) {
	t.Parallel()

	assert.Error(t, validate.WebhookTest(&validate.WebhookTestPayload{}))
	assert.Error(t, validate.WebhookTest(&validate.WebhookTestPayload{URL: "http://example.com/hook"}))
	assert.NoError(t, validate.WebhookTest(&validate.WebhookTestPayload{
		URL:    "https://example.com/hook",
		Secret: "a-long-enough-secret",
	}))
}
