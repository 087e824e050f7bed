package middleware

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"pagerobot/internal/config"
	httpctx "pagerobot/internal/http/ctx"
)

func TestAPIKeyAuthAnonymous(t *testing.T) {
	t.Parallel()

	newChain := func(t *testing.T, cfg *config.Config, reached *bool) fasthttp.RequestHandler {
		t.Helper()
		limiter := NewKeyedLimiter()
		t.Cleanup(limiter.Stop)
		return APIKeyAuth(nil, cfg, limiter)(func(ctx *fasthttp.RequestCtx) {
			*reached = true
			ctx.SetStatusCode(fasthttp.StatusOK)
		})
	}

	t.Run("admits keyless requests when enabled", func(t *testing.T) {
		t.Parallel()

		var reached bool
		handler := newChain(t, &config.Config{AllowAnonymous: true, AnonymousRPM: 5}, &reached)

		var ctx fasthttp.RequestCtx
		handler(&ctx)

		assert.True(t, reached)
		assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

		// Anonymous requests carry no ledger identity.
		key, ok := httpctx.APIKeyFromCtx(&ctx)
		assert.False(t, ok)
		assert.Nil(t, key)

		// The anonymous bucket is still rate limited and annotated.
		assert.Equal(t, "5", string(ctx.Response.Header.Peek("X-RateLimit-Limit")))
	})

	t.Run("rejects keyless requests when disabled", func(t *testing.T) {
		t.Parallel()

		var reached bool
		handler := newChain(t, &config.Config{AllowAnonymous: false}, &reached)

		var ctx fasthttp.RequestCtx
		handler(&ctx)

		assert.False(t, reached)
		assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

		var body struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
		assert.Equal(t, "missing", body.Error.Code)
	})

	t.Run("throttles the anonymous bucket", func(t *testing.T) {
		t.Parallel()

		var reached bool
		handler := newChain(t, &config.Config{AllowAnonymous: true, AnonymousRPM: 2}, &reached)

		var last int
		for i := 0; i < 3; i++ {
			var ctx fasthttp.RequestCtx
			handler(&ctx)
			last = ctx.Response.StatusCode()
		}
		assert.Equal(t, fasthttp.StatusTooManyRequests, last)
	})
}
