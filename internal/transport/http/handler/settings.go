package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relaychat/internal/app"
	"relaychat/internal/transport/http/middleware"
	"relaychat/internal/transport/http/response"
)

type SettingsHandler struct {
	store *app.StoreService
}

type SaveSettingsRequest struct {
	SelectedModel      string   `json:"selected_model" binding:"max=64"`
	SystemPrompt       string   `json:"system_prompt"`
	Temperature        float64  `json:"temperature" binding:"gte=0,lte=2"`
	TopP               float64  `json:"top_p" binding:"gte=0,lte=1"`
	LastSelectedChatID *string  `json:"last_selected_chat_id"`
}

func NewSettingsHandler(store *app.StoreService) *SettingsHandler {
	return &SettingsHandler{store: store}
}

// GetSettings returns null data for users who never saved preferences;
// the client keeps its local defaults in that case.
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	identity := middleware.GetIdentity(c)
	prefs, err := h.store.GetPreferences(c.Request.Context(), identity.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"settings": prefs})
}

func (h *SettingsHandler) SaveSettings(c *gin.Context) {
	var req SaveSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	identity := middleware.GetIdentity(c)
	err := h.store.SavePreferences(c.Request.Context(), app.SavePreferencesInput{
		UserID:             identity.UserID,
		SelectedModel:      req.SelectedModel,
		SystemPrompt:       req.SystemPrompt,
		Temperature:        req.Temperature,
		TopP:               req.TopP,
		LastSelectedChatID: req.LastSelectedChatID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"saved": true})
}
