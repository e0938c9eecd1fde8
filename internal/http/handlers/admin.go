package handlers

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	dbpkg "devlabs/internal/db"
	"devlabs/internal/labs"
)

// AllLabs lists every lab of every user, canceled ones included.
func AllLabs(m *labs.Manager) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		list, err := m.ListAll(ctx)
		if err != nil {
			writeError(ctx, err)
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, list)
	}
}

// UserStats reports per-user lab usage.
func UserStats(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		stats, err := store.UserStats(ctx)
		if err != nil {
			writeError(ctx, err)
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, stats)
	}
}

// AdminDeleteLab cancels any user's lab. Same best-effort teardown
// semantics as the user-facing delete.
func AdminDeleteLab(m *labs.Manager) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		admin, ok := MustUser(ctx)
		if !ok {
			return
		}
		id, ok := labID(ctx)
		if !ok {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString("invalid lab id")
			return
		}

		lab, err := m.Find(ctx, id, admin.ID, true)
		if err != nil {
			writeError(ctx, err)
			return
		}
		m.Teardown(lab)

		if err := m.Delete(ctx, id, admin.ID, true); err != nil {
			writeError(ctx, err)
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"success": true})
	}
}

type extendRequest struct {
	Hours int `json:"hours"`
}

// ExtendLab pushes a lab's expiry forward by a positive hour count.
func ExtendLab(m *labs.Manager) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		admin, ok := MustUser(ctx)
		if !ok {
			return
		}
		id, ok := labID(ctx)
		if !ok {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString("invalid lab id")
			return
		}

		var req extendRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString("invalid JSON body")
			return
		}

		if err := m.Extend(ctx, id, admin.ID, req.Hours); err != nil {
			writeError(ctx, err)
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"success": true})
	}
}

type createUserRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

// CreateUser registers a platform account and issues its API token.
func CreateUser(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req createUserRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString("invalid JSON body")
			return
		}

		req.Email = strings.TrimSpace(req.Email)
		if req.Email == "" || !strings.Contains(req.Email, "@") || req.Password == "" {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString("email and password are required")
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetBodyString("hashing error")
			return
		}

		user := &dbpkg.User{
			Email:        req.Email,
			Name:         req.Name,
			PasswordHash: string(hash),
			APIToken:     uuid.NewString(),
			IsAdmin:      req.IsAdmin,
		}
		if err := db.Create(user).Error; err != nil {
			ctx.SetStatusCode(fasthttp.StatusConflict)
			ctx.SetBodyString("user already exists")
			return
		}

		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"id":    user.ID,
			"email": user.Email,
			"token": user.APIToken,
		})
	}
}
