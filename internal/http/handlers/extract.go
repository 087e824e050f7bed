package handlers

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/valyala/fasthttp"

	dbpkg "pagerobot/internal/db"
	"pagerobot/internal/guard"
	httpctx "pagerobot/internal/http/ctx"
	"pagerobot/internal/jobs"
	"pagerobot/internal/validate"
)

// IdempotencyHeader lets async callers retry submissions safely.
const IdempotencyHeader = "Idempotency-Key"

// ExtractHandler serves POST /v1/extract: synchronous extraction by
// default, durable async job with async:true. This is the one endpoint
// the anonymous tier can reach: a request the auth middleware admitted
// without a key runs synchronously with no credit ledger involved, but
// may not create durable jobs.
func ExtractHandler(manager *jobs.Manager, targetGuard, webhookGuard *guard.URLGuard) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, _ := httpctx.APIKeyFromCtx(ctx)

		var payload validate.ExtractPayload
		if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}

		req, err := validate.Extract(&payload)
		if err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", err.Error())
			return
		}

		// Network-level checks follow the pure validation: the target
		// must not point into private space, and neither may the
		// webhook endpoint.
		if err := targetGuard.Check(ctx, req.URL); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "url: "+err.Error())
			return
		}
		if req.WebhookURL != "" {
			if err := webhookGuard.Check(ctx, req.WebhookURL); err != nil {
				writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "webhook_url: "+err.Error())
				return
			}
		}

		if req.Async {
			if key == nil {
				writeError(ctx, fasthttp.StatusUnauthorized, "missing", "async extraction requires an x-api-key header")
				return
			}
			idemKey := strings.TrimSpace(string(ctx.Request.Header.Peek(IdempotencyHeader)))
			job, duplicate, err := manager.SubmitAsync(ctx, key, req, idemKey)
			if err != nil {
				writeSubmitError(ctx, err)
				return
			}
			status := fasthttp.StatusAccepted
			if duplicate {
				status = fasthttp.StatusOK
			}
			writeJSON(ctx, status, map[string]any{
				"success": true,
				"job_id":  job.ID,
				"status":  job.Status,
			})
			return
		}

		outcome, err := manager.RunSync(ctx, key, req)
		if err != nil && outcome == nil {
			writeSubmitError(ctx, err)
			return
		}

		if outcome.CacheHit {
			ctx.Response.Header.Set("X-Cache-Hit", "true")
		} else {
			ctx.Response.Header.Set("X-Cache-Hit", "false")
		}

		switch outcome.Job.Status {
		case dbpkg.JobCompleted:
			writeJSON(ctx, fasthttp.StatusOK, map[string]any{
				"success": true,
				"data":    outcome.Data,
				"meta": map[string]any{
					"id":        outcome.Job.ID,
					"latencyMs": outcome.Job.LatencyMs,
					"tokens":    outcome.Job.TokenUsage,
				},
			})
		case dbpkg.JobBlocked:
			writeError(ctx, fasthttp.StatusUnprocessableEntity, "blocked", "target site refused rendering")
		default:
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", outcome.Job.ErrorMsg)
		}
	}
}

func writeSubmitError(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, dbpkg.ErrInsufficientCredits) {
		writeError(ctx, fasthttp.StatusPaymentRequired, "insufficient_credits", "credit balance is exhausted")
		return
	}
	writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "extraction could not be started")
}

// BatchHandler serves POST /v1/batch: every URL becomes an async job.
func BatchHandler(manager *jobs.Manager, targetGuard, webhookGuard *guard.URLGuard) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, ok := MustKey(ctx)
		if !ok {
			return
		}

		var payload validate.BatchPayload
		if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}

		req, err := validate.Batch(&payload)
		if err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", err.Error())
			return
		}

		for _, u := range req.URLs {
			if err := targetGuard.Check(ctx, u); err != nil {
				writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "urls: "+err.Error())
				return
			}
		}
		if req.WebhookURL != "" {
			if err := webhookGuard.Check(ctx, req.WebhookURL); err != nil {
				writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "webhook_url: "+err.Error())
				return
			}
		}

		submitted, err := manager.SubmitBatch(ctx, key, req)
		if err != nil {
			writeSubmitError(ctx, err)
			return
		}

		ids := make([]string, len(submitted))
		for i, job := range submitted {
			ids[i] = job.ID
		}
		writeJSON(ctx, fasthttp.StatusAccepted, map[string]any{
			"success": true,
			"job_ids": ids,
		})
	}
}
