package handlers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"gorm.io/datatypes"

	dbpkg "pagerobot/internal/db"
	"pagerobot/internal/guard"
	"pagerobot/internal/validate"
)

func TestWriteErrorEnvelope(t *testing.T) {
	t.Parallel()

	var ctx fasthttp.RequestCtx
	writeError(&ctx, fasthttp.StatusPaymentRequired, "insufficient_credits", "credit balance is exhausted")

	assert.Equal(t, fasthttp.StatusPaymentRequired, ctx.Response.StatusCode())

	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "insufficient_credits", body.Error.Code)
	assert.Equal(t, "credit balance is exhausted", body.Error.Message)
}

func TestRangeCutoff(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(-24*time.Hour), rangeCutoff("24h", now))
	assert.Equal(t, now.Add(-30*24*time.Hour), rangeCutoff("30d", now))
	assert.Equal(t, now.Add(-7*24*time.Hour), rangeCutoff("7d", now))
	assert.Equal(t, now.Add(-7*24*time.Hour), rangeCutoff("", now), "unknown ranges fall back to 7d")
	assert.Equal(t, now.Add(-7*24*time.Hour), rangeCutoff("1y", now))
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2xx", statusClass(200))
	assert.Equal(t, "2xx", statusClass(202))
	assert.Equal(t, "3xx", statusClass(304))
	assert.Equal(t, "4xx", statusClass(422))
	assert.Equal(t, "5xx", statusClass(500))
}

func TestMergedPayload(t *testing.T) {
	t.Parallel()

	base := &dbpkg.Schedule{
		URL:           "https://example.com/products",
		Cron:          "0 9 * * *",
		Fields:        datatypes.JSON(`["title","price"]`),
		Instructions:  "grab the listing",
		WebhookURL:    "https://hooks.example.com/in",
		WebhookSecret: "0123456789abcdef",
	}

	t.Run("no patch keeps everything", func(t *testing.T) {
		t.Parallel()
		p, err := mergedPayload(base, &schedulePatch{})
		require.NoError(t, err)
		assert.Equal(t, base.URL, p.URL)
		assert.Equal(t, base.Cron, p.Cron)
		assert.Equal(t, []string{"title", "price"}, p.Fields)
		assert.Equal(t, base.Instructions, p.Instructions)
		assert.Equal(t, base.WebhookURL, p.WebhookURL)

		req, err := validate.Schedule(p)
		require.NoError(t, err)
		assert.Equal(t, base.Cron, req.Cron)
	})

	t.Run("cron patch replaces only cron", func(t *testing.T) {
		t.Parallel()
		cron := "*/15 * * * *"
		p, err := mergedPayload(base, &schedulePatch{Cron: &cron})
		require.NoError(t, err)
		assert.Equal(t, cron, p.Cron)
		assert.Equal(t, base.URL, p.URL)
	})

	t.Run("merged form is revalidated", func(t *testing.T) {
		t.Parallel()
		bad := "every tuesday"
		p, err := mergedPayload(base, &schedulePatch{Cron: &bad})
		require.NoError(t, err)
		_, err = validate.Schedule(p)
		assert.Error(t, err)
	})

	t.Run("clearing fields without schema fails validation", func(t *testing.T) {
		t.Parallel()
		empty := []string{}
		p, err := mergedPayload(base, &schedulePatch{Fields: &empty})
		require.NoError(t, err)
		_, err = validate.Schedule(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one non-empty string")
	})

	t.Run("corrupt stored fields reported", func(t *testing.T) {
		t.Parallel()
		broken := &dbpkg.Schedule{URL: base.URL, Cron: base.Cron, Fields: datatypes.JSON(`{not json`)}
		_, err := mergedPayload(broken, &schedulePatch{})
		assert.Error(t, err)
	})
}

func TestApplyPatchRecomputesNextRunOnCronChange(t *testing.T) {
	t.Parallel()

	s := &dbpkg.Schedule{
		URL:           "https://example.com/products",
		Cron:          "0 9 * * *",
		Fields:        datatypes.JSON(`["title"]`),
		WebhookURL:    "https://hooks.example.com/in",
		WebhookSecret: "0123456789abcdef",
		NextRunAt:     time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC),
	}

	cron := "30 6 * * *"
	patch := &schedulePatch{Cron: &cron}
	p, err := mergedPayload(s, patch)
	require.NoError(t, err)
	req, err := validate.Schedule(p)
	require.NoError(t, err)

	require.NoError(t, applyPatch(s, req, patch))
	assert.Equal(t, cron, s.Cron)
	assert.True(t, s.NextRunAt.Before(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)), "next run recomputed from now")
	assert.Equal(t, 30, s.NextRunAt.Minute())
	assert.Equal(t, 6, s.NextRunAt.Hour())
}

func TestApplyPatchPauseKeepsNextRun(t *testing.T) {
	t.Parallel()

	next := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	s := &dbpkg.Schedule{
		URL:           "https://example.com/products",
		Cron:          "0 9 * * *",
		Fields:        datatypes.JSON(`["title"]`),
		WebhookURL:    "https://hooks.example.com/in",
		WebhookSecret: "0123456789abcdef",
		IsActive:      true,
		NextRunAt:     next,
	}

	paused := false
	patch := &schedulePatch{IsActive: &paused}
	p, err := mergedPayload(s, patch)
	require.NoError(t, err)
	req, err := validate.Schedule(p)
	require.NoError(t, err)

	require.NoError(t, applyPatch(s, req, patch))
	assert.False(t, s.IsActive)
	assert.Equal(t, next, s.NextRunAt, "pausing must not reschedule")
}

func TestJobView(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	done := created.Add(3 * time.Second)
	job := &dbpkg.Job{
		ID:          "j-1",
		URL:         "https://example.com",
		Status:      dbpkg.JobCompleted,
		CreatedAt:   created,
		CompletedAt: &done,
		TokenUsage:  1234,
		LatencyMs:   3000,
	}

	v := jobView(job)
	assert.Equal(t, "j-1", v["id"])
	assert.Equal(t, dbpkg.JobCompleted, v["status"])
	assert.Equal(t, "2025-03-01T10:00:00Z", v["created_at"])
	assert.Equal(t, "2025-03-01T10:00:03Z", v["completed_at"])
	assert.NotContains(t, v, "error")
	assert.NotContains(t, v, "schedule_id")
}

func TestExtractHandlerAsyncRequiresKey(t *testing.T) {
	t.Parallel()

	// Anonymous callers may run synchronous extractions, but durable
	// jobs need a ledger identity behind them.
	handler := ExtractHandler(nil, guard.NewURLGuard(false), guard.NewURLGuard(true))

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetBody([]byte(`{"url":"http://93.184.216.34/item","fields":["title"],"async":true}`))

	handler(&ctx)

	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, "missing", body.Error.Code)
	assert.Contains(t, body.Error.Message, "x-api-key")
}
