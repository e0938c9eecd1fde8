package middleware

import (
	"bytes"
	"strings"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "devlabs/internal/db"
	httpctx "devlabs/internal/http/ctx"
)

// BearerAuth validates Bearer tokens against user API tokens in the database.
func BearerAuth(db *gorm.DB) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			auth := ctx.Request.Header.Peek("Authorization")
			if len(auth) == 0 {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("missing Authorization header")
				return
			}

			const prefix = "Bearer "
			if !bytes.HasPrefix(auth, []byte(prefix)) {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("invalid Authorization header")
				return
			}

			token := strings.TrimSpace(string(auth[len(prefix):]))
			if token == "" {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("empty bearer token")
				return
			}

			var user dbpkg.User
			if err := db.Where("api_token = ?", token).First(&user).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					ctx.SetStatusCode(fasthttp.StatusUnauthorized)
					ctx.SetBodyString("invalid API token")
					return
				}
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("database error")
				return
			}

			httpctx.SetUser(ctx, &user)
			next(ctx)
		}
	}
}

// AdminOnly rejects authenticated non-admin users. Must run inside
// BearerAuth.
func AdminOnly(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		user, ok := httpctx.UserFromCtx(ctx)
		if !ok {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			ctx.SetBodyString("unauthorized")
			return
		}
		if !user.IsAdmin {
			ctx.SetStatusCode(fasthttp.StatusForbidden)
			ctx.SetBodyString("admin access required")
			return
		}
		next(ctx)
	}
}
