package main

import (
	"context"
	"log"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"
	"google.golang.org/genai"

	"pagerobot/internal/blob"
	"pagerobot/internal/config"
	"pagerobot/internal/db"
	"pagerobot/internal/extract"
	"pagerobot/internal/guard"
	"pagerobot/internal/http/handlers"
	appmw "pagerobot/internal/http/middleware"
	"pagerobot/internal/jobs"
	"pagerobot/internal/render"
	"pagerobot/internal/schedule"
	"pagerobot/internal/webhook"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	sqlDB, err := db.Connect(cfg)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	if err := db.EnsureBootstrapAdmin(sqlDB, cfg); err != nil {
		log.Fatalf("failed to ensure bootstrap admin: %v", err)
	}

	db.StartRetentionWorker(sqlDB, cfg.RetentionDays)

	var renderer render.Renderer
	if cfg.RenderServiceURL != "" {
		renderer = render.NewRemoteRenderer(cfg.RenderServiceURL)
		log.Printf("rendering via remote service at %s", cfg.RenderServiceURL)
	} else {
		renderer, err = render.NewRodRenderer()
		if err != nil {
			log.Fatalf("failed to start headless browser: %v", err)
		}
	}
	defer renderer.Close()

	genaiClient, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		log.Fatalf("failed to create genai client: %v", err)
	}
	extractor := extract.NewGeminiExtractor(genaiClient, cfg.GeminiModel)

	blobs, err := blob.NewFSStore(cfg.BlobDir)
	if err != nil {
		log.Fatalf("failed to open blob store: %v", err)
	}

	cache, err := jobs.NewCache(cfg.RedisURL, cfg.CacheTTL)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	if cache == nil {
		log.Printf("result cache disabled (no REDIS_URL)")
	}

	dispatcher := webhook.NewDispatcher(webhook.Config{
		MaxAttempts:  cfg.WebhookMaxAttempts,
		BackoffBase:  cfg.WebhookBackoffBase,
		Timeout:      cfg.WebhookTimeout,
		AllowPrivate: cfg.WebhookAllowPrivate,
	})
	// The test endpoint answers synchronously, so a single attempt.
	testDispatcher := webhook.NewDispatcher(webhook.Config{
		MaxAttempts:  1,
		Timeout:      cfg.WebhookTimeout,
		AllowPrivate: cfg.WebhookAllowPrivate,
	})

	jobs.InitMetrics()
	handlers.InitPrometheusMetrics()

	manager := jobs.NewManager(sqlDB, renderer, extractor, blobs, cache, dispatcher, cfg)

	engine := schedule.NewEngine(sqlDB, manager)
	schedule.StartWorker(engine, cfg.ScheduleTickInterval)

	limiter := appmw.NewKeyedLimiter()
	defer limiter.Stop()

	// Target pages may be plain http; webhook endpoints must be https.
	targetGuard := guard.NewURLGuard(false)
	webhookGuard := guard.NewURLGuard(true)

	auth := appmw.APIKeyAuth(sqlDB, cfg, limiter)
	admin := appmw.AdminAuth(sqlDB)

	r := router.New()

	r.GET("/healthz", handlers.HealthzHandler())
	r.GET("/metrics", handlers.PrometheusHandler())

	r.POST("/v1/extract", auth(handlers.ExtractHandler(manager, targetGuard, webhookGuard)))
	r.POST("/v1/batch", auth(handlers.BatchHandler(manager, targetGuard, webhookGuard)))

	r.GET("/v1/jobs", auth(handlers.ListJobsHandler(sqlDB)))
	r.GET("/v1/jobs/{id}", auth(handlers.GetJobHandler(sqlDB)))
	r.GET("/v1/jobs/{id}/result", auth(handlers.GetJobResultHandler(sqlDB, blobs)))

	r.POST("/v1/schedules", auth(handlers.CreateScheduleHandler(sqlDB, targetGuard, webhookGuard)))
	r.GET("/v1/schedules", auth(handlers.ListSchedulesHandler(sqlDB)))
	r.PATCH("/v1/schedules/{id}", auth(handlers.UpdateScheduleHandler(sqlDB, targetGuard, webhookGuard)))
	r.DELETE("/v1/schedules/{id}", auth(handlers.DeleteScheduleHandler(sqlDB)))

	r.POST("/v1/webhook/test", auth(handlers.WebhookTestHandler(testDispatcher)))

	r.GET("/v1/usage", auth(handlers.UsageHandler(sqlDB)))
	r.GET("/v1/usage/export", auth(handlers.UsageExportHandler(sqlDB)))

	r.POST("/admin/keys", admin(handlers.CreateAPIKeyHandler(sqlDB)))
	r.GET("/admin/keys", admin(handlers.ListAPIKeysHandler(sqlDB)))
	r.POST("/admin/keys/{id}/regenerate", admin(handlers.RegenerateAPIKeyHandler(sqlDB)))
	r.POST("/admin/keys/{id}/deactivate", admin(handlers.DeactivateAPIKeyHandler(sqlDB)))

	handler := handlers.RequestID(handlers.RequestLogger(r.Handler))

	log.Printf("pagerobot listening on %s", cfg.ListenAddr)
	if err := fasthttp.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
