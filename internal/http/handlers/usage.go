package handlers

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "pagerobot/internal/db"
)

// UsageHandler serves GET /v1/usage: totals, a daily series, and the
// most recent rows for the authenticated key.
func UsageHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, ok := MustKey(ctx)
		if !ok {
			return
		}

		cutoff := rangeCutoff(string(ctx.QueryArgs().Peek("range")), time.Now().UTC())

		summary, err := dbpkg.SummarizeUsage(db, key.ID, cutoff)
		if err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not summarize usage")
			return
		}
		series, err := dbpkg.UsageSeries(db, key.ID, cutoff)
		if err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not load usage series")
			return
		}
		recent, err := dbpkg.RecentUsage(db, key.ID, cutoff, 50)
		if err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not load recent usage")
			return
		}

		rows := make([]map[string]any, len(recent))
		for i, r := range recent {
			rows[i] = map[string]any{
				"url":        r.URL,
				"status":     r.Status,
				"tokens":     r.TokenUsage,
				"latency_ms": r.LatencyMs,
				"created_at": r.CreatedAt.UTC().Format(time.RFC3339),
			}
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"success": true,
			"usage": map[string]any{
				"summary":           summary,
				"series":            series,
				"recent":            rows,
				"remaining_credits": key.RemainingCredits,
				"tier":              key.Tier,
			},
		})
	}
}

// UsageExportHandler serves GET /v1/usage/export as CSV, oldest row
// first.
func UsageExportHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, ok := MustKey(ctx)
		if !ok {
			return
		}

		cutoff := rangeCutoff(string(ctx.QueryArgs().Peek("range")), time.Now().UTC())
		rows, err := dbpkg.ExportUsage(db, key.ID, cutoff)
		if err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not export usage")
			return
		}

		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write([]string{"created_at", "url", "status", "token_usage", "latency_ms"})
		for _, r := range rows {
			_ = w.Write([]string{
				r.CreatedAt.UTC().Format(time.RFC3339),
				r.URL,
				r.Status,
				strconv.FormatInt(r.TokenUsage, 10),
				strconv.FormatInt(r.LatencyMs, 10),
			})
		}
		w.Flush()

		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("text/csv")
		ctx.Response.Header.Set("Content-Disposition", `attachment; filename="usage.csv"`)
		ctx.SetBody(buf.Bytes())
	}
}
