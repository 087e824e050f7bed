// Package jobs owns the extraction job lifecycle: acceptance, credit
// charging, the render-then-extract pipeline, result persistence,
// caching and completion notifications.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"pagerobot/internal/blob"
	"pagerobot/internal/config"
	dbpkg "pagerobot/internal/db"
	"pagerobot/internal/extract"
	"pagerobot/internal/guard"
	"pagerobot/internal/render"
	"pagerobot/internal/validate"
	"pagerobot/internal/webhook"
)

// CostPerRequest is the credit price of one accepted extraction.
const CostPerRequest = 1

// idempotencyTTL is how long a caller-supplied idempotency key pins
// its original job.
const idempotencyTTL = 24 * time.Hour

// batchConcurrency bounds concurrent batch submissions per request.
const batchConcurrency = 5

// Manager coordinates the job state machine and its collaborators.
type Manager struct {
	db        *gorm.DB
	renderer  render.Renderer
	extractor extract.Extractor
	blobs     blob.Store
	cache     *Cache
	hooks     *webhook.Dispatcher
	targets   *guard.URLGuard
	cfg       *config.Config
}

// NewManager wires the job manager.
func NewManager(db *gorm.DB, renderer render.Renderer, extractor extract.Extractor, blobs blob.Store, cache *Cache, hooks *webhook.Dispatcher, cfg *config.Config) *Manager {
	return &Manager{
		db:        db,
		renderer:  renderer,
		extractor: extractor,
		blobs:     blobs,
		cache:     cache,
		hooks:     hooks,
		targets:   guard.NewURLGuard(false),
		cfg:       cfg,
	}
}

// Outcome is what a finished (or cache-served) extraction returns to
// the HTTP layer.
type Outcome struct {
	Job      *dbpkg.Job
	Data     json.RawMessage
	CacheHit bool
}

// runSpec is the extraction configuration in processed form, either
// straight from a validated request or rehydrated from a job row.
type runSpec struct {
	Fields       []string
	Schema       json.RawMessage
	Instructions string
	Options      validate.Options
}

// RunSync executes an extraction within the caller's request lifetime.
// Credits are charged at acceptance, before the state machine begins;
// a cache hit still charges but skips the collaborators entirely. A
// nil key is an anonymous-tier request: no credit ledger row exists,
// so nothing is charged and the rate limiter is the only quota.
func (m *Manager) RunSync(ctx context.Context, key *dbpkg.APIKey, req *validate.ExtractRequest) (*Outcome, error) {
	var keyID uint
	if key != nil {
		if err := dbpkg.DecrementCredits(m.db, key.ID, CostPerRequest); err != nil {
			return nil, err
		}
		keyID = key.ID
	}

	fp := Fingerprint(req.URL, req.Fields, req.Schema, req.Instructions, req.Options)
	if cached, ok := m.cache.Get(ctx, fp); ok {
		job := m.newJob(keyID, "", req.URL, &runSpec{req.Fields, req.Schema, req.Instructions, req.Options}, req.WebhookURL, req.WebhookSecret, false)
		now := time.Now()
		job.Status = dbpkg.JobCompleted
		job.CompletedAt = &now
		job.TokenUsage = cached.Tokens
		job.ResultURL = cached.ResultURL
		if err := m.db.Create(job).Error; err != nil {
			return nil, err
		}
		m.recordUsage(job)
		observeJob(dbpkg.JobCompleted, 0)
		return &Outcome{Job: job, Data: cached.Data, CacheHit: true}, nil
	}

	job := m.newJob(keyID, "", req.URL, &runSpec{req.Fields, req.Schema, req.Instructions, req.Options}, req.WebhookURL, req.WebhookSecret, false)
	job.Status = dbpkg.JobProcessing
	if err := m.db.Create(job).Error; err != nil {
		return nil, err
	}

	// The synchronous path imposes the overall deadline the caller
	// asked for; an overrun surfaces as a failed job even if the
	// collaborator call is still outstanding.
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(req.Options.TimeoutMs)*time.Millisecond)
	defer cancel()

	return m.execute(runCtx, job, &runSpec{req.Fields, req.Schema, req.Instructions, req.Options}, fp)
}

// SubmitAsync accepts an extraction for background processing. When
// idemKey repeats an earlier submission, the original job is returned
// and nothing is charged again.
func (m *Manager) SubmitAsync(ctx context.Context, key *dbpkg.APIKey, req *validate.ExtractRequest, idemKey string) (*dbpkg.Job, bool, error) {
	jobID := uuid.NewString()

	if idemKey != "" {
		existingID, reserved, err := dbpkg.ReserveIdempotencyKey(m.db, key.ID, idemKey, jobID, idempotencyTTL)
		if err != nil {
			return nil, false, err
		}
		if !reserved {
			var existing dbpkg.Job
			if err := m.db.Where("id = ?", existingID).First(&existing).Error; err != nil {
				return nil, false, err
			}
			return &existing, true, nil
		}
	}

	if err := dbpkg.DecrementCredits(m.db, key.ID, CostPerRequest); err != nil {
		if idemKey != "" {
			m.db.Where("key_id = ? AND key = ?", key.ID, idemKey).Delete(&dbpkg.IdempotencyKey{})
		}
		return nil, false, err
	}

	job := m.newJob(key.ID, "", req.URL, &runSpec{req.Fields, req.Schema, req.Instructions, req.Options}, req.WebhookURL, req.WebhookSecret, true)
	job.ID = jobID
	job.Status = dbpkg.JobQueued
	if err := m.db.Create(job).Error; err != nil {
		return nil, false, err
	}

	go m.Process(job.ID)
	return job, false, nil
}

// SubmitBatch turns every URL into an async job sharing the batch's
// extraction configuration. On the first submission error the batch
// reports failure as a whole; jobs accepted before the error are not
// rolled back and keep running with their credits charged.
func (m *Manager) SubmitBatch(ctx context.Context, key *dbpkg.APIKey, req *validate.BatchRequest) ([]*dbpkg.Job, error) {
	jobs := make([]*dbpkg.Job, len(req.URLs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, u := range req.URLs {
		g.Go(func() error {
			single := &validate.ExtractRequest{
				URL:           u,
				Fields:        req.Fields,
				Schema:        req.Schema,
				Instructions:  req.Instructions,
				Async:         true,
				WebhookURL:    req.WebhookURL,
				WebhookSecret: req.WebhookSecret,
				Options:       req.Options,
			}
			job, _, err := m.SubmitAsync(gctx, key, single, "")
			if err != nil {
				return err
			}
			jobs[i] = job
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// RunScheduled creates and processes a job for a schedule firing. The
// schedule's owner key is charged like a direct call; a key out of
// credits skips the run but never pauses the schedule.
func (m *Manager) RunScheduled(sched *dbpkg.Schedule) (*dbpkg.Job, error) {
	spec, err := specFromColumns(sched.Fields, sched.Schema, sched.Instructions, sched.Options)
	if err != nil {
		return nil, fmt.Errorf("schedule %s has unreadable config: %w", sched.ID, err)
	}

	if err := dbpkg.DecrementCredits(m.db, sched.KeyID, CostPerRequest); err != nil {
		return nil, err
	}

	job := m.newJob(sched.KeyID, sched.ID, sched.URL, spec, sched.WebhookURL, sched.WebhookSecret, true)
	job.Status = dbpkg.JobQueued
	if err := m.db.Create(job).Error; err != nil {
		return nil, err
	}

	go m.Process(job.ID)
	return job, nil
}

// Process drives a queued job to a terminal state. Exactly one caller
// wins the queued->processing transition; the rest return quietly.
func (m *Manager) Process(jobID string) {
	var job dbpkg.Job
	if err := m.db.Where("id = ?", jobID).First(&job).Error; err != nil {
		log.Printf("job %s vanished before processing: %v", jobID, err)
		return
	}

	if err := dbpkg.TransitionJob(m.db, job.ID, dbpkg.JobQueued, dbpkg.JobProcessing, nil); err != nil {
		if err != dbpkg.ErrStaleTransition {
			log.Printf("job %s failed to start: %v", job.ID, err)
		}
		return
	}
	job.Status = dbpkg.JobProcessing

	spec, err := specFromColumns(job.Fields, job.Schema, job.Instructions, job.Options)
	if err != nil {
		m.finalize(&job, dbpkg.JobFailed, "stored job configuration is unreadable", nil, 0)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(spec.Options.TimeoutMs)*time.Millisecond+time.Minute)
	defer cancel()

	fp := Fingerprint(job.URL, spec.Fields, spec.Schema, spec.Instructions, spec.Options)
	if _, err := m.execute(ctx, &job, spec, fp); err != nil {
		log.Printf("job %s finished with error: %v", job.ID, err)
	}
}

// execute runs the render-then-extract pipeline for a job already in
// processing state and moves it to a terminal state. The two
// collaborator calls are strictly sequential: extraction needs the
// rendered content.
func (m *Manager) execute(ctx context.Context, job *dbpkg.Job, spec *runSpec, fp string) (*Outcome, error) {
	start := time.Now()

	// DNS may have changed since validation; never fetch into private
	// space.
	if err := m.targets.Check(ctx, job.URL); err != nil {
		return m.fail(job, start, fmt.Sprintf("target rejected: %v", err))
	}

	page, err := m.renderer.Render(ctx, job.URL, render.Options{
		WaitUntil:  spec.Options.WaitUntil,
		Timeout:    time.Duration(spec.Options.TimeoutMs) * time.Millisecond,
		Headers:    guard.SanitizeHeaders(spec.Options.Headers),
		Cookies:    spec.Options.Cookies,
		Screenshot: spec.Options.Screenshot,
	})
	if err != nil {
		return m.fail(job, start, fmt.Sprintf("render failed: %v", err))
	}

	if page.Blocked {
		if m.cfg.RefundBlocked {
			if err := dbpkg.RefundCredits(m.db, job.KeyID, CostPerRequest); err != nil {
				log.Printf("refund for blocked job %s failed: %v", job.ID, err)
			}
		}
		latency := time.Since(start).Milliseconds()
		m.finalize(job, dbpkg.JobBlocked, "target site refused rendering", nil, latency)
		return &Outcome{Job: job}, nil
	}

	result, err := m.extractor.Extract(ctx, &extract.Request{
		Content:      page.Content,
		Title:        page.Title,
		Fields:       spec.Fields,
		Schema:       spec.Schema,
		Instructions: spec.Instructions,
	})
	if err != nil {
		return m.fail(job, start, fmt.Sprintf("extraction failed: %v", err))
	}

	resultURL := ""
	if spec.Options.StoreContent {
		key := "results/" + job.ID + ".json"
		if err := m.blobs.Put(ctx, key, result.Data); err != nil {
			log.Printf("storing result for job %s failed: %v", job.ID, err)
		} else {
			resultURL = key
		}
		if len(page.Screenshot) > 0 {
			if err := m.blobs.Put(ctx, "snapshots/"+job.ID+".png", page.Screenshot); err != nil {
				log.Printf("storing snapshot for job %s failed: %v", job.ID, err)
			}
		}
	}

	latency := time.Since(start).Milliseconds()
	job.TokenUsage = result.Tokens
	job.ResultURL = resultURL
	m.finalize(job, dbpkg.JobCompleted, "", result.Data, latency)

	m.cache.Set(ctx, fp, &CachedResult{Data: result.Data, Tokens: result.Tokens, ResultURL: resultURL})

	return &Outcome{Job: job, Data: result.Data}, nil
}

func (m *Manager) fail(job *dbpkg.Job, start time.Time, msg string) (*Outcome, error) {
	latency := time.Since(start).Milliseconds()
	m.finalize(job, dbpkg.JobFailed, msg, nil, latency)
	return &Outcome{Job: job}, fmt.Errorf("%s", msg)
}

// finalize moves the job to a terminal state, records usage and fires
// the completion webhook. Webhook failures never propagate to the job.
func (m *Manager) finalize(job *dbpkg.Job, status, errMsg string, data json.RawMessage, latencyMs int64) {
	set := map[string]any{
		"error_msg":   errMsg,
		"latency_ms":  latencyMs,
		"token_usage": job.TokenUsage,
		"result_url":  job.ResultURL,
	}
	if err := dbpkg.TransitionJob(m.db, job.ID, job.Status, status, set); err != nil {
		log.Printf("job %s could not reach %s: %v", job.ID, status, err)
		return
	}
	job.Status = status
	job.ErrorMsg = errMsg
	job.LatencyMs = latencyMs

	m.recordUsage(job)
	observeJob(status, latencyMs)

	if job.WebhookURL != "" {
		payload := &webhook.Payload{
			JobID:     job.ID,
			Status:    status,
			Data:      data,
			Error:     errMsg,
			Timestamp: time.Now().UTC(),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := m.hooks.Deliver(ctx, job.WebhookURL, job.WebhookSecret, payload); err != nil {
				observeWebhook("failed")
				log.Printf("webhook for job %s abandoned: %v", job.ID, err)
				return
			}
			observeWebhook("delivered")
		}()
	}
}

func (m *Manager) recordUsage(job *dbpkg.Job) {
	entry := &dbpkg.UsageLog{
		KeyID:      job.KeyID,
		URL:        job.URL,
		Status:     job.Status,
		TokenUsage: job.TokenUsage,
		LatencyMs:  job.LatencyMs,
	}
	if err := dbpkg.RecordUsage(m.db, entry); err != nil {
		log.Printf("usage log for job %s failed: %v", job.ID, err)
	}
}

// newJob builds a job row carrying the full extraction configuration.
func (m *Manager) newJob(keyID uint, scheduleID, url string, spec *runSpec, webhookURL, webhookSecret string, async bool) *dbpkg.Job {
	fieldsJSON, _ := json.Marshal(spec.Fields)
	optsJSON, _ := json.Marshal(spec.Options)
	return &dbpkg.Job{
		ID:            uuid.NewString(),
		KeyID:         keyID,
		ScheduleID:    scheduleID,
		URL:           url,
		Async:         async,
		Fields:        fieldsJSON,
		Schema:        []byte(spec.Schema),
		Instructions:  spec.Instructions,
		Options:       optsJSON,
		WebhookURL:    webhookURL,
		WebhookSecret: webhookSecret,
	}
}

// specFromColumns rehydrates the extraction configuration stored on a
// job or schedule row.
func specFromColumns(fields, schema []byte, instructions string, options []byte) (*runSpec, error) {
	spec := &runSpec{Instructions: instructions}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &spec.Fields); err != nil {
			return nil, fmt.Errorf("fields column: %w", err)
		}
	}
	if len(schema) > 0 && string(schema) != "null" {
		spec.Schema = json.RawMessage(schema)
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &spec.Options); err != nil {
			return nil, fmt.Errorf("options column: %w", err)
		}
	}
	if spec.Options.TimeoutMs == 0 {
		spec.Options.TimeoutMs = validate.DefaultTimeoutMs
	}
	return spec, nil
}
