package handlers

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	dbpkg "pagerobot/internal/db"
	httpctx "pagerobot/internal/http/ctx"
)

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(v)
	ctx.SetBody(body)
}

// writeError emits the error envelope used across the API. Codes
// follow the service taxonomy: bad_request, missing, invalid,
// inactive, insufficient_credits, rate_limited, blocked, not_found,
// server_error.
func writeError(ctx *fasthttp.RequestCtx, status int, code, msg string) {
	writeJSON(ctx, status, map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": msg},
	})
}

// MustKey returns the authenticated API key from context, or sends 401
// and returns (nil, false). Handlers that support the anonymous tier
// read the context directly instead.
func MustKey(ctx *fasthttp.RequestCtx) (*dbpkg.APIKey, bool) {
	key, ok := httpctx.APIKeyFromCtx(ctx)
	if !ok || key == nil {
		writeError(ctx, fasthttp.StatusUnauthorized, "missing", "x-api-key header is required")
		return nil, false
	}
	return key, true
}

// rangeCutoff maps the range query value to a cutoff time.
// Accepted values: 24h, 7d, 30d. Default 7d.
func rangeCutoff(rangeParam string, now time.Time) time.Time {
	switch rangeParam {
	case "24h":
		return now.Add(-24 * time.Hour)
	case "30d":
		return now.Add(-30 * 24 * time.Hour)
	default:
		return now.Add(-7 * 24 * time.Hour)
	}
}

func jobView(job *dbpkg.Job) map[string]any {
	v := map[string]any{
		"id":         job.ID,
		"url":        job.URL,
		"status":     job.Status,
		"async":      job.Async,
		"created_at": job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.CompletedAt != nil {
		v["completed_at"] = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	if job.ScheduleID != "" {
		v["schedule_id"] = job.ScheduleID
	}
	if job.ResultURL != "" {
		v["result_url"] = job.ResultURL
	}
	if job.ErrorMsg != "" {
		v["error"] = job.ErrorMsg
	}
	if job.TokenUsage > 0 {
		v["token_usage"] = job.TokenUsage
	}
	if job.LatencyMs > 0 {
		v["latency_ms"] = job.LatencyMs
	}
	return v
}

func scheduleView(s *dbpkg.Schedule) map[string]any {
	v := map[string]any{
		"id":          s.ID,
		"url":         s.URL,
		"cron":        s.Cron,
		"webhook_url": s.WebhookURL,
		"is_active":   s.IsActive,
		"next_run_at": s.NextRunAt.UTC().Format(time.RFC3339),
		"created_at":  s.CreatedAt.UTC().Format(time.RFC3339),
	}
	if s.LastRunAt != nil {
		v["last_run_at"] = s.LastRunAt.UTC().Format(time.RFC3339)
	}
	if len(s.Fields) > 0 && string(s.Fields) != "null" {
		v["fields"] = json.RawMessage(s.Fields)
	}
	if len(s.Schema) > 0 && string(s.Schema) != "null" {
		v["schema"] = json.RawMessage(s.Schema)
	}
	if s.Instructions != "" {
		v["instructions"] = s.Instructions
	}
	return v
}
