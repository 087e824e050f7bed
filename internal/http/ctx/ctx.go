package ctx

import (
	"github.com/valyala/fasthttp"

	dbpkg "pagerobot/internal/db"
)

const (
	APIKeyKey    = "apiKey"
	RequestIDKey = "requestID"
	AdminUserKey = "adminUser"
)

func SetAPIKey(ctx *fasthttp.RequestCtx, apiKey *dbpkg.APIKey) {
	ctx.SetUserValue(APIKeyKey, apiKey)
}

func APIKeyFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.APIKey, bool) {
	v := ctx.UserValue(APIKeyKey)
	if v == nil {
		return nil, false
	}
	ak, ok := v.(*dbpkg.APIKey)
	return ak, ok
}

func SetRequestID(ctx *fasthttp.RequestCtx, id string) {
	ctx.SetUserValue(RequestIDKey, id)
}

func RequestIDFromCtx(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue(RequestIDKey).(string); ok {
		return v
	}
	return ""
}

func SetAdminUser(ctx *fasthttp.RequestCtx, user *dbpkg.User) {
	ctx.SetUserValue(AdminUserKey, user)
}

func AdminUserFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.User, bool) {
	v := ctx.UserValue(AdminUserKey)
	if v == nil {
		return nil, false
	}
	u, ok := v.(*dbpkg.User)
	return u, ok
}
