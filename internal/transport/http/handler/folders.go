package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relaychat/internal/app"
	"relaychat/internal/transport/http/middleware"
	"relaychat/internal/transport/http/response"
)

type FolderHandler struct {
	store *app.StoreService
}

type SaveFolderRequest struct {
	ID       string `json:"id" binding:"required,max=36"`
	Name     string `json:"name" binding:"required,max=256"`
	Position *int   `json:"position"`
}

type UpdateFolderRequest struct {
	Name     string `json:"name" binding:"required,max=256"`
	Position *int   `json:"position"`
}

func NewFolderHandler(store *app.StoreService) *FolderHandler {
	return &FolderHandler{store: store}
}

func (h *FolderHandler) SaveFolder(c *gin.Context) {
	var req SaveFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	identity := middleware.GetIdentity(c)
	view, err := h.store.SaveFolder(c.Request.Context(), app.SaveFolderInput{
		UserID:   identity.UserID,
		ID:       req.ID,
		Name:     req.Name,
		Position: req.Position,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, view)
}

// UpdateFolder renames or repositions an existing folder. Same upsert
// underneath as SaveFolder, with the id taken from the path.
func (h *FolderHandler) UpdateFolder(c *gin.Context) {
	var req UpdateFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	identity := middleware.GetIdentity(c)
	view, err := h.store.SaveFolder(c.Request.Context(), app.SaveFolderInput{
		UserID:   identity.UserID,
		ID:       c.Param("id"),
		Name:     req.Name,
		Position: req.Position,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, view)
}

func (h *FolderHandler) ListFolders(c *gin.Context) {
	identity := middleware.GetIdentity(c)
	folders, err := h.store.ListFolders(c.Request.Context(), identity.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"folders": folders})
}

func (h *FolderHandler) DeleteFolder(c *gin.Context) {
	identity := middleware.GetIdentity(c)
	if err := h.store.DeleteFolder(c.Request.Context(), identity.UserID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"deleted_folder_id": c.Param("id")})
}
