package middleware

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"pagerobot/internal/config"
	dbpkg "pagerobot/internal/db"
	httpctx "pagerobot/internal/http/ctx"
)

// APIKeyHeader authenticates extraction API requests.
const APIKeyHeader = "x-api-key"

func authError(ctx *fasthttp.RequestCtx, status int, code, msg string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": msg},
	})
	ctx.SetBody(body)
}

// APIKeyAuth validates the x-api-key header against hashed keys in the
// database, enforces the key's tier rate limit, and sets the key on
// the request context. Anonymous requests pass only when allowed by
// config, on a dedicated heavily-limited bucket.
func APIKeyAuth(db *gorm.DB, cfg *config.Config, limiter *KeyedLimiter) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			plaintext := strings.TrimSpace(string(ctx.Request.Header.Peek(APIKeyHeader)))
			if plaintext == "" {
				if !cfg.AllowAnonymous {
					authError(ctx, fasthttp.StatusUnauthorized, "missing", "x-api-key header is required")
					return
				}
				bucket := "anon:" + clientIP(ctx)
				if ok := limitAndAnnotate(ctx, limiter, bucket, cfg.AnonymousRPM); !ok {
					return
				}
				next(ctx)
				return
			}

			apiKey, err := dbpkg.LookupKey(db, plaintext)
			if err != nil {
				if err == gorm.ErrRecordNotFound {
					authError(ctx, fasthttp.StatusUnauthorized, "invalid", "API key not recognized")
					return
				}
				authError(ctx, fasthttp.StatusInternalServerError, "server_error", "database error")
				return
			}
			if !apiKey.IsActive {
				authError(ctx, fasthttp.StatusForbidden, "inactive", "API key is deactivated")
				return
			}

			policy := dbpkg.PolicyFor(apiKey.Tier)
			bucket := "key:" + strconv.Itoa(int(apiKey.ID))
			if ok := limitAndAnnotate(ctx, limiter, bucket, policy.RequestsPerMinute); !ok {
				return
			}

			go func(id uint) {
				if err := dbpkg.TouchKey(db, id); err != nil {
					log.Printf("touch key %d: %v", id, err)
				}
			}(apiKey.ID)

			httpctx.SetAPIKey(ctx, apiKey)
			next(ctx)
		}
	}
}

// limitAndAnnotate applies the rate limit and always sets the
// X-RateLimit response headers. Returns false after writing the 429.
func limitAndAnnotate(ctx *fasthttp.RequestCtx, limiter *KeyedLimiter, bucket string, rpm int) bool {
	allowed, remaining := limiter.Allow(bucket, rpm)

	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(rpm))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	reset := time.Now().Truncate(time.Minute).Add(time.Minute).Unix()
	ctx.Response.Header.Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset))

	if !allowed {
		authError(ctx, fasthttp.StatusTooManyRequests, "rate_limited", "rate limit exceeded; retry after the reset")
		return false
	}
	return true
}

func clientIP(ctx *fasthttp.RequestCtx) string {
	return ctx.RemoteIP().String()
}
