package handlers

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"devlabs/internal/labs"
)

type createLabRequest struct {
	Image string `json:"image"`
}

// CreateLab provisions a new lab for the authenticated user. Stack
// creation can take minutes while the image pulls; fasthttp runs each
// request in its own goroutine, so a slow create does not stall others.
func CreateLab(m *labs.Manager) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		user, ok := MustUser(ctx)
		if !ok {
			return
		}

		var req createLabRequest
		if body := ctx.PostBody(); len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				ctx.SetStatusCode(fasthttp.StatusBadRequest)
				ctx.SetBodyString("invalid JSON body")
				return
			}
		}

		conn, err := m.Create(ctx, labs.CreateRequest{
			UserID:         user.ID,
			Email:          user.Email,
			RequestedImage: req.Image,
			IsAdmin:        user.IsAdmin,
		})
		if err != nil {
			writeError(ctx, err)
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, conn)
	}
}

// MyLabs lists the caller's active labs.
func MyLabs(m *labs.Manager) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		user, ok := MustUser(ctx)
		if !ok {
			return
		}
		list, err := m.ListForUser(ctx, user.ID)
		if err != nil {
			writeError(ctx, err)
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, list)
	}
}

// DeleteLab cancels one of the caller's labs, tearing down the stack
// best-effort first. A stack that is already gone, or refuses to go,
// never blocks the cancellation: the row is the source of truth.
func DeleteLab(m *labs.Manager) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		user, ok := MustUser(ctx)
		if !ok {
			return
		}
		id, ok := labID(ctx)
		if !ok {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString("invalid lab id")
			return
		}

		lab, err := m.Find(ctx, id, user.ID, user.IsAdmin)
		if err != nil {
			writeError(ctx, err)
			return
		}
		m.Teardown(lab)

		if err := m.Delete(ctx, id, user.ID, user.IsAdmin); err != nil {
			writeError(ctx, err)
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"success": true})
	}
}

// LabStats reports capacity for the dashboard's availability banner.
func LabStats(m *labs.Manager) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		stats, err := m.Stats(ctx)
		if err != nil {
			writeError(ctx, err)
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, stats)
	}
}

// LabImages returns the image allow-list.
func LabImages(m *labs.Manager) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"images": m.Images()})
	}
}
