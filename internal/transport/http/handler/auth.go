package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relaychat/internal/app"
	"relaychat/internal/config"
	"relaychat/internal/model"
	"relaychat/internal/transport/http/middleware"
	"relaychat/internal/transport/http/response"
)

type AuthHandler struct {
	authService *app.AuthService
	cfg         *config.Config
}

type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Email    string `json:"email" binding:"required,email,max=128"`
	Password string `json:"password" binding:"required,min=8,max=128"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Password string `json:"password" binding:"required,min=8,max=128"`
}

func NewAuthHandler(authService *app.AuthService, cfg *config.Config) *AuthHandler {
	return &AuthHandler{authService: authService, cfg: cfg}
}

// Status tells the client which auth mode this deployment runs, so it
// can decide between login UI, access-token prompt or anonymous use.
func (h *AuthHandler) Status(c *gin.Context) {
	response.OK(c, gin.H{
		"configured":   h.cfg.Auth.Configured(),
		"access_token": h.cfg.Auth.AccessToken != "",
	})
}

func (h *AuthHandler) Register(c *gin.Context) {
	if !h.cfg.Auth.Configured() {
		response.Fail(c, http.StatusServiceUnavailable, "authentication is not configured on this server")
		return
	}

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	result, err := h.authService.Register(c.Request.Context(), app.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, authPayload(result))
}

func (h *AuthHandler) Login(c *gin.Context) {
	if !h.cfg.Auth.Configured() {
		response.Fail(c, http.StatusServiceUnavailable, "authentication is not configured on this server")
		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	result, err := h.authService.Login(c.Request.Context(), app.LoginInput{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, authPayload(result))
}

func (h *AuthHandler) Me(c *gin.Context) {
	identity := middleware.GetIdentity(c)
	if !identity.Authenticated {
		response.Fail(c, http.StatusUnauthorized, "not authenticated")
		return
	}

	user, err := h.authService.GetUserByID(c.Request.Context(), identity.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if user == nil {
		response.Fail(c, http.StatusUnauthorized, "user not found")
		return
	}
	response.OK(c, userPayload(user))
}

func authPayload(result *app.AuthResult) gin.H {
	return gin.H{
		"token": result.Token,
		"user":  userPayload(result.User),
	}
}

func userPayload(user *model.User) gin.H {
	return gin.H{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"tier":     user.Tier,
	}
}
