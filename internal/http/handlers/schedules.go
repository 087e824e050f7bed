package handlers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	dbpkg "pagerobot/internal/db"
	"pagerobot/internal/guard"
	"pagerobot/internal/schedule"
	"pagerobot/internal/validate"
)

// CreateScheduleHandler serves POST /v1/schedules.
func CreateScheduleHandler(db *gorm.DB, targetGuard, webhookGuard *guard.URLGuard) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, ok := MustKey(ctx)
		if !ok {
			return
		}

		var payload validate.SchedulePayload
		if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "request body must be valid JSON")
			return
		}
		req, err := validate.Schedule(&payload)
		if err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", err.Error())
			return
		}
		if err := targetGuard.Check(ctx, req.URL); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", err.Error())
			return
		}
		if err := webhookGuard.Check(ctx, req.WebhookURL); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", err.Error())
			return
		}

		s, err := scheduleRow(key.ID, req)
		if err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not encode schedule")
			return
		}
		if err := db.Create(s).Error; err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not create schedule")
			return
		}
		writeJSON(ctx, fasthttp.StatusCreated, map[string]any{"success": true, "schedule": scheduleView(s)})
	}
}

// ListSchedulesHandler serves GET /v1/schedules.
func ListSchedulesHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, ok := MustKey(ctx)
		if !ok {
			return
		}
		schedules, err := dbpkg.ListSchedules(db, key.ID)
		if err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not list schedules")
			return
		}
		views := make([]map[string]any, len(schedules))
		for i := range schedules {
			views[i] = scheduleView(&schedules[i])
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"success": true, "schedules": views})
	}
}

// schedulePatch is the PATCH /v1/schedules/{id} body. Nil means leave
// the field unchanged; the merged result is re-validated as a whole.
type schedulePatch struct {
	URL           *string                  `json:"url"`
	Cron          *string                  `json:"cron"`
	Fields        *[]string                `json:"fields"`
	Schema        json.RawMessage          `json:"schema"`
	Instructions  *string                  `json:"instructions"`
	WebhookURL    *string                  `json:"webhook_url"`
	WebhookSecret *string                  `json:"webhook_secret"`
	Options       *validate.OptionsPayload `json:"options"`
	IsActive      *bool                    `json:"is_active"`
}

// UpdateScheduleHandler serves PATCH /v1/schedules/{id}. Partial
// updates merge into the stored schedule and the merged form must pass
// the same validation as a create.
func UpdateScheduleHandler(db *gorm.DB, targetGuard, webhookGuard *guard.URLGuard) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, ok := MustKey(ctx)
		if !ok {
			return
		}

		id, _ := ctx.UserValue("id").(string)
		s, err := dbpkg.FindSchedule(db, key.ID, id)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				writeError(ctx, fasthttp.StatusNotFound, "not_found", "schedule not found")
				return
			}
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not load schedule")
			return
		}

		var patch schedulePatch
		if err := json.Unmarshal(ctx.PostBody(), &patch); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "request body must be valid JSON")
			return
		}

		merged, err := mergedPayload(s, &patch)
		if err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", err.Error())
			return
		}
		req, err := validate.Schedule(merged)
		if err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", err.Error())
			return
		}
		if patch.URL != nil {
			if err := targetGuard.Check(ctx, req.URL); err != nil {
				writeError(ctx, fasthttp.StatusBadRequest, "bad_request", err.Error())
				return
			}
		}
		if patch.WebhookURL != nil {
			if err := webhookGuard.Check(ctx, req.WebhookURL); err != nil {
				writeError(ctx, fasthttp.StatusBadRequest, "bad_request", err.Error())
				return
			}
		}

		if err := applyPatch(s, req, &patch); err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not encode schedule")
			return
		}
		if err := db.Save(s).Error; err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not update schedule")
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"success": true, "schedule": scheduleView(s)})
	}
}

// DeleteScheduleHandler serves DELETE /v1/schedules/{id}.
func DeleteScheduleHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, ok := MustKey(ctx)
		if !ok {
			return
		}
		id, _ := ctx.UserValue("id").(string)
		res := db.Where("id = ? AND key_id = ?", id, key.ID).Delete(&dbpkg.Schedule{})
		if res.Error != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not delete schedule")
			return
		}
		if res.RowsAffected == 0 {
			writeError(ctx, fasthttp.StatusNotFound, "not_found", "schedule not found")
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"success": true})
	}
}

func scheduleRow(keyID uint, req *validate.ScheduleRequest) (*dbpkg.Schedule, error) {
	fields, err := json.Marshal(req.Fields)
	if err != nil {
		return nil, err
	}
	opts, err := json.Marshal(req.Options)
	if err != nil {
		return nil, err
	}
	s := &dbpkg.Schedule{
		ID:            uuid.NewString(),
		KeyID:         keyID,
		URL:           req.URL,
		Cron:          req.Cron,
		Fields:        datatypes.JSON(fields),
		Instructions:  req.Instructions,
		Options:       datatypes.JSON(opts),
		WebhookURL:    req.WebhookURL,
		WebhookSecret: req.WebhookSecret,
		IsActive:      true,
		NextRunAt:     schedule.NextRun(req.Cron, time.Now().UTC()),
	}
	if len(req.Schema) > 0 {
		s.Schema = datatypes.JSON(req.Schema)
	}
	return s, nil
}

// mergedPayload overlays a patch onto the stored schedule, producing a
// full payload for re-validation.
func mergedPayload(s *dbpkg.Schedule, patch *schedulePatch) (*validate.SchedulePayload, error) {
	p := &validate.SchedulePayload{
		URL:           s.URL,
		Cron:          s.Cron,
		Instructions:  s.Instructions,
		WebhookURL:    s.WebhookURL,
		WebhookSecret: s.WebhookSecret,
	}
	if len(s.Fields) > 0 && string(s.Fields) != "null" {
		if err := json.Unmarshal(s.Fields, &p.Fields); err != nil {
			return nil, err
		}
	}
	if len(s.Schema) > 0 && string(s.Schema) != "null" {
		p.Schema = json.RawMessage(s.Schema)
	}
	if len(s.Options) > 0 && string(s.Options) != "null" {
		if err := json.Unmarshal(s.Options, &p.Options); err != nil {
			return nil, err
		}
	}

	if patch.URL != nil {
		p.URL = *patch.URL
	}
	if patch.Cron != nil {
		p.Cron = *patch.Cron
	}
	if patch.Fields != nil {
		p.Fields = *patch.Fields
	}
	if len(patch.Schema) > 0 {
		p.Schema = patch.Schema
	}
	if patch.Instructions != nil {
		p.Instructions = *patch.Instructions
	}
	if patch.WebhookURL != nil {
		p.WebhookURL = *patch.WebhookURL
	}
	if patch.WebhookSecret != nil {
		p.WebhookSecret = *patch.WebhookSecret
	}
	if patch.Options != nil {
		p.Options = patch.Options
	}
	return p, nil
}

func applyPatch(s *dbpkg.Schedule, req *validate.ScheduleRequest, patch *schedulePatch) error {
	fields, err := json.Marshal(req.Fields)
	if err != nil {
		return err
	}
	opts, err := json.Marshal(req.Options)
	if err != nil {
		return err
	}
	cronChanged := req.Cron != s.Cron

	s.URL = req.URL
	s.Cron = req.Cron
	s.Fields = datatypes.JSON(fields)
	s.Instructions = req.Instructions
	s.Options = datatypes.JSON(opts)
	s.WebhookURL = req.WebhookURL
	s.WebhookSecret = req.WebhookSecret
	if len(req.Schema) > 0 {
		s.Schema = datatypes.JSON(req.Schema)
	} else {
		s.Schema = nil
	}
	if patch.IsActive != nil {
		s.IsActive = *patch.IsActive
	}
	if cronChanged {
		s.NextRunAt = schedule.NextRun(s.Cron, time.Now().UTC())
	}
	return nil
}
