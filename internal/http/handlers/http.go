package handlers

import (
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	httpctx "pagerobot/internal/http/ctx"
)

var (
	requestsTotal          *prometheus.CounterVec
	requestDurationBuckets *prometheus.HistogramVec
)

func InitPrometheusMetrics() {
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagerobot",
			Name:      "requests_total",
			Help:      "Total number of API requests.",
		},
		[]string{"route", "method", "status"},
	)
	requestDurationBuckets = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pagerobot",
			Name:      "request_duration_seconds",
			Help:      "Histogram of API request durations in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)
	prometheus.MustRegister(requestsTotal, requestDurationBuckets)
}

// RequestID tags every request with a UUID, echoed back in
// X-Request-Id for log correlation.
func RequestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := uuid.NewString()
		httpctx.SetRequestID(ctx, id)
		ctx.Response.Header.Set("X-Request-Id", id)
		next(ctx)
	}
}

func RequestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		elapsed := time.Since(start)
		id := httpctx.RequestIDFromCtx(ctx)
		log.Printf("%s %s -> %d (%s) ip=%s req=%s", ctx.Method(), ctx.Path(), ctx.Response.StatusCode(), elapsed, ctx.RemoteAddr(), id)

		if requestsTotal != nil {
			route := string(ctx.Path())
			method := string(ctx.Method())
			requestsTotal.WithLabelValues(route, method, statusClass(ctx.Response.StatusCode())).Inc()
			requestDurationBuckets.WithLabelValues(route, method).Observe(elapsed.Seconds())
		}
	}
}

func statusClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// PrometheusHandler exposes the default registry in text format.
func PrometheusHandler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
}

// HealthzHandler reports process liveness.
func HealthzHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	}
}
