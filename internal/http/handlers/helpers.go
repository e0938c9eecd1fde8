package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/valyala/fasthttp"

	dbpkg "devlabs/internal/db"
	httpctx "devlabs/internal/http/ctx"
	"devlabs/internal/image"
	"devlabs/internal/labs"
	"devlabs/internal/portainer"
	"devlabs/internal/ports"
)

// MustUser returns the current user from context, or sends 401 and returns (nil, false).
func MustUser(ctx *fasthttp.RequestCtx) (*dbpkg.User, bool) {
	user, ok := httpctx.UserFromCtx(ctx)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		ctx.SetBodyString("unauthorized")
		return nil, false
	}
	return user, true
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString("encoding error")
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the lifecycle error taxonomy to HTTP statuses. The
// mapping goes by sentinel, never by message text.
func writeError(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusInternalServerError
	switch {
	case errors.Is(err, labs.ErrQuotaExceeded),
		errors.Is(err, labs.ErrCapacityExceeded),
		errors.Is(err, ports.ErrExhausted):
		status = fasthttp.StatusConflict
	case errors.Is(err, image.ErrNotAllowed),
		errors.Is(err, labs.ErrInvalidExtension):
		status = fasthttp.StatusBadRequest
	case errors.Is(err, labs.ErrNotFound):
		status = fasthttp.StatusNotFound
	case errors.Is(err, portainer.ErrUnreachable):
		status = fasthttp.StatusBadGateway
	case errors.Is(err, portainer.ErrNotConfigured),
		errors.Is(err, labs.ErrConfigIncomplete),
		errors.Is(err, image.ErrNoImages):
		log.Printf("http: configuration error: %v", err)
		writeJSON(ctx, fasthttp.StatusInternalServerError, errorBody{Error: "service misconfigured"})
		return
	}
	if status == fasthttp.StatusInternalServerError {
		log.Printf("http: internal error: %v", err)
		writeJSON(ctx, status, errorBody{Error: "internal error"})
		return
	}
	writeJSON(ctx, status, errorBody{Error: err.Error()})
}

// RequestLogger returns fasthttp middleware that logs method, path, status, duration.
func RequestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		log.Printf("%s %s -> %d (%s) ip=%s", ctx.Method(), ctx.Path(), ctx.Response.StatusCode(), time.Since(start), ctx.RemoteAddr())
	}
}

// labID parses the {id} path segment.
func labID(ctx *fasthttp.RequestCtx) (uint, bool) {
	s, _ := ctx.UserValue("id").(string)
	var id uint
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		id = id*10 + uint(r-'0')
	}
	return id, id > 0
}
