package handler

import (
	"github.com/gin-gonic/gin"

	"relaychat/internal/app"
	"relaychat/internal/transport/http/middleware"
	"relaychat/internal/transport/http/response"
)

type SyncHandler struct {
	store *app.StoreService
}

func NewSyncHandler(store *app.StoreService) *SyncHandler {
	return &SyncHandler{store: store}
}

// Snapshot returns the user's complete server-side state in one read:
// chat metadata, folders, prompts and preferences. Message bodies are
// fetched separately through the bulk endpoint.
func (h *SyncHandler) Snapshot(c *gin.Context) {
	identity := middleware.GetIdentity(c)
	snapshot, err := h.store.Snapshot(c.Request.Context(), identity.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, snapshot)
}
