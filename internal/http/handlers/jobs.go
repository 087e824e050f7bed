package handlers

import (
	"strconv"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"pagerobot/internal/blob"
	dbpkg "pagerobot/internal/db"
)

// ListJobsHandler serves GET /v1/jobs.
func ListJobsHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, ok := MustKey(ctx)
		if !ok {
			return
		}

		limit := 0
		if raw := string(ctx.QueryArgs().Peek("limit")); raw != "" {
			limit, _ = strconv.Atoi(raw)
		}

		jobs, err := dbpkg.ListJobs(db, key.ID, limit)
		if err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not list jobs")
			return
		}

		views := make([]map[string]any, len(jobs))
		for i := range jobs {
			views[i] = jobView(&jobs[i])
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"success": true, "jobs": views})
	}
}

// GetJobHandler serves GET /v1/jobs/{id}.
func GetJobHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, ok := MustKey(ctx)
		if !ok {
			return
		}

		id, _ := ctx.UserValue("id").(string)
		job, err := dbpkg.FindJob(db, key.ID, id)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				writeError(ctx, fasthttp.StatusNotFound, "not_found", "job not found")
				return
			}
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not load job")
			return
		}

		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"success": true, "job": jobView(job)})
	}
}

// GetJobResultHandler serves GET /v1/jobs/{id}/result, returning the
// raw stored result from the blob store.
func GetJobResultHandler(db *gorm.DB, blobs blob.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, ok := MustKey(ctx)
		if !ok {
			return
		}

		id, _ := ctx.UserValue("id").(string)
		job, err := dbpkg.FindJob(db, key.ID, id)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				writeError(ctx, fasthttp.StatusNotFound, "not_found", "job not found")
				return
			}
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not load job")
			return
		}

		if job.ResultURL == "" {
			writeError(ctx, fasthttp.StatusNotFound, "not_found", "job has no stored result")
			return
		}

		data, err := blobs.Get(ctx, job.ResultURL)
		if err != nil {
			writeError(ctx, fasthttp.StatusNotFound, "not_found", "stored result is no longer available")
			return
		}

		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(data)
	}
}
