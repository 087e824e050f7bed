package middleware

import (
	"bytes"
	"encoding/base64"
	"strings"

	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	dbpkg "pagerobot/internal/db"
	httpctx "pagerobot/internal/http/ctx"
)

// AdminAuth guards the key-management endpoints with HTTP Basic
// credentials checked against the users table.
func AdminAuth(db *gorm.DB) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			username, password, ok := basicCredentials(ctx)
			if !ok {
				ctx.Response.Header.Set("WWW-Authenticate", `Basic realm="pagerobot admin"`)
				authError(ctx, fasthttp.StatusUnauthorized, "missing", "admin credentials required")
				return
			}

			var user dbpkg.User
			if err := db.Where("username = ?", username).First(&user).Error; err != nil {
				authError(ctx, fasthttp.StatusUnauthorized, "invalid", "admin credentials rejected")
				return
			}
			if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
				authError(ctx, fasthttp.StatusUnauthorized, "invalid", "admin credentials rejected")
				return
			}
			if !user.IsAdmin {
				authError(ctx, fasthttp.StatusForbidden, "inactive", "account is not an admin")
				return
			}

			httpctx.SetAdminUser(ctx, &user)
			next(ctx)
		}
	}
}

func basicCredentials(ctx *fasthttp.RequestCtx) (username, password string, ok bool) {
	auth := ctx.Request.Header.Peek("Authorization")
	const prefix = "Basic "
	if !bytes.HasPrefix(auth, []byte(prefix)) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(string(auth[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	return username, password, true
}
