package handlers

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	"pagerobot/internal/validate"
	"pagerobot/internal/webhook"
)

// WebhookTestHandler serves POST /v1/webhook/test. The endpoint signs
// and delivers a synthetic payload through the same dispatcher path as
// real job notifications, but with a single attempt so callers get an
// immediate answer.
func WebhookTestHandler(dispatcher *webhook.Dispatcher) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if _, ok := MustKey(ctx); !ok {
			return
		}

		var payload validate.WebhookTestPayload
		if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "request body must be valid JSON")
			return
		}
		if err := validate.WebhookTest(&payload); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", err.Error())
			return
		}

		probe := &webhook.Payload{
			JobID:     "test",
			Status:    "test",
			Timestamp: time.Now().UTC(),
		}
		if err := dispatcher.Deliver(ctx, payload.URL, payload.Secret, probe); err != nil {
			writeJSON(ctx, fasthttp.StatusOK, map[string]any{
				"success":   true,
				"delivered": false,
				"error":     err.Error(),
			})
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"success": true, "delivered": true})
	}
}
