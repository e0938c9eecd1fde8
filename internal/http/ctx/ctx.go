package ctx

import (
	"github.com/valyala/fasthttp"

	dbpkg "devlabs/internal/db"
)

const userKey = "user"

// SetUser stashes the authenticated user on the request context.
func SetUser(ctx *fasthttp.RequestCtx, user *dbpkg.User) {
	ctx.SetUserValue(userKey, user)
}

// UserFromCtx returns the authenticated user, if any.
func UserFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.User, bool) {
	v := ctx.UserValue(userKey)
	if v == nil {
		return nil, false
	}
	u, ok := v.(*dbpkg.User)
	return u, ok && u != nil
}
