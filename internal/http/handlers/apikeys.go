package handlers

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "pagerobot/internal/db"
	httpctx "pagerobot/internal/http/ctx"
)

func mustAdmin(ctx *fasthttp.RequestCtx) (*dbpkg.User, bool) {
	user, ok := httpctx.AdminUserFromCtx(ctx)
	if !ok || user == nil {
		writeError(ctx, fasthttp.StatusUnauthorized, "missing", "admin authentication required")
		return nil, false
	}
	return user, true
}

func keyView(k *dbpkg.APIKey) map[string]any {
	v := map[string]any{
		"id":                k.ID,
		"name":              k.Name,
		"prefix":            k.Prefix,
		"tier":              k.Tier,
		"remaining_credits": k.RemainingCredits,
		"is_active":         k.IsActive,
		"created_at":        k.CreatedAt.UTC().Format(time.RFC3339),
	}
	if k.LastUsedAt != nil {
		v["last_used_at"] = k.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return v
}

// CreateAPIKeyHandler serves POST /admin/keys. The response carries the
// plaintext key; it is never retrievable again.
func CreateAPIKeyHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		admin, ok := mustAdmin(ctx)
		if !ok {
			return
		}

		var body struct {
			Name string `json:"name"`
			Tier string `json:"tier"`
		}
		if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "request body must be valid JSON")
			return
		}
		if body.Name == "" {
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "name is required")
			return
		}
		if body.Tier == "" {
			body.Tier = dbpkg.TierFree
		}
		switch body.Tier {
		case dbpkg.TierFree, dbpkg.TierStarter, dbpkg.TierPro, dbpkg.TierInternal:
		default:
			writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "unknown tier")
			return
		}

		plaintext, err := dbpkg.GenerateKey()
		if err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not generate key")
			return
		}

		key := &dbpkg.APIKey{
			OwnerID:          admin.ID,
			Name:             body.Name,
			Hash:             dbpkg.HashKey(plaintext),
			Prefix:           dbpkg.KeyPrefix(plaintext),
			Tier:             body.Tier,
			RemainingCredits: dbpkg.PolicyFor(body.Tier).MonthlyCredits,
			IsActive:         true,
		}
		if err := db.Create(key).Error; err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not create key")
			return
		}

		view := keyView(key)
		view["key"] = plaintext
		writeJSON(ctx, fasthttp.StatusCreated, map[string]any{"success": true, "api_key": view})
	}
}

// ListAPIKeysHandler serves GET /admin/keys.
func ListAPIKeysHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if _, ok := mustAdmin(ctx); !ok {
			return
		}
		var keys []dbpkg.APIKey
		if err := db.Order("created_at DESC").Find(&keys).Error; err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not list keys")
			return
		}
		views := make([]map[string]any, len(keys))
		for i := range keys {
			views[i] = keyView(&keys[i])
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"success": true, "api_keys": views})
	}
}

func adminKeyID(ctx *fasthttp.RequestCtx) (uint, bool) {
	raw, _ := ctx.UserValue("id").(string)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "invalid key id")
		return 0, false
	}
	return uint(id), true
}

// RegenerateAPIKeyHandler serves POST /admin/keys/{id}/regenerate. The
// old plaintext stops working immediately.
func RegenerateAPIKeyHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if _, ok := mustAdmin(ctx); !ok {
			return
		}
		id, ok := adminKeyID(ctx)
		if !ok {
			return
		}

		var key dbpkg.APIKey
		if err := db.First(&key, id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				writeError(ctx, fasthttp.StatusNotFound, "not_found", "key not found")
				return
			}
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not load key")
			return
		}

		plaintext, err := dbpkg.GenerateKey()
		if err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not generate key")
			return
		}
		key.Hash = dbpkg.HashKey(plaintext)
		key.Prefix = dbpkg.KeyPrefix(plaintext)
		if err := db.Save(&key).Error; err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not update key")
			return
		}

		view := keyView(&key)
		view["key"] = plaintext
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"success": true, "api_key": view})
	}
}

// DeactivateAPIKeyHandler serves POST /admin/keys/{id}/deactivate.
// Keys are deactivated, never deleted, so usage history stays
// attributable.
func DeactivateAPIKeyHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if _, ok := mustAdmin(ctx); !ok {
			return
		}
		id, ok := adminKeyID(ctx)
		if !ok {
			return
		}

		res := db.Model(&dbpkg.APIKey{}).Where("id = ?", id).Update("is_active", false)
		if res.Error != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "server_error", "could not deactivate key")
			return
		}
		if res.RowsAffected == 0 {
			writeError(ctx, fasthttp.StatusNotFound, "not_found", "key not found")
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"success": true})
	}
}
