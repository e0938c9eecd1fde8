package handlers

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	dbpkg "devlabs/internal/db"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token   string `json:"token"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
}

// Login exchanges email+password for the user's API token. The token
// goes into the Authorization header of later requests; there are no
// session cookies.
func Login(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req loginRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString("invalid JSON body")
			return
		}

		var user dbpkg.User
		if err := db.Where("email = ?", req.Email).First(&user).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("invalid email or password")
				return
			}
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetBodyString("database error")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			ctx.SetBodyString("invalid email or password")
			return
		}

		if err := dbpkg.TouchLastLogin(db, user.ID); err != nil {
			// Not worth failing the login over.
			ctx.Logger().Printf("last_login update failed: %v", err)
		}

		writeJSON(ctx, fasthttp.StatusOK, loginResponse{
			Token:   user.APIToken,
			Name:    user.Name,
			Email:   user.Email,
			IsAdmin: user.IsAdmin,
		})
	}
}
