package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relaychat/internal/app"
	"relaychat/internal/transport/http/middleware"
	"relaychat/internal/transport/http/response"
)

type PromptHandler struct {
	store *app.StoreService
}

type SavePromptRequest struct {
	ID      string `json:"id" binding:"max=36"`
	Name    string `json:"name" binding:"required,max=256"`
	Content string `json:"content" binding:"required"`
}

func NewPromptHandler(store *app.StoreService) *PromptHandler {
	return &PromptHandler{store: store}
}

func (h *PromptHandler) SavePrompt(c *gin.Context) {
	var req SavePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	identity := middleware.GetIdentity(c)
	view, err := h.store.SavePrompt(c.Request.Context(), app.SavePromptInput{
		UserID:  identity.UserID,
		ID:      req.ID,
		Name:    req.Name,
		Content: req.Content,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, view)
}

func (h *PromptHandler) ListPrompts(c *gin.Context) {
	identity := middleware.GetIdentity(c)
	prompts, err := h.store.ListPrompts(c.Request.Context(), identity.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"prompts": prompts})
}

func (h *PromptHandler) DeletePrompt(c *gin.Context) {
	identity := middleware.GetIdentity(c)
	if err := h.store.DeletePrompt(c.Request.Context(), identity.UserID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"deleted_prompt_id": c.Param("id")})
}
