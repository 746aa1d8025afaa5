package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relaychat/internal/app"
	"relaychat/internal/transport/http/middleware"
	"relaychat/internal/transport/http/response"
)

type ChatStoreHandler struct {
	store *app.StoreService
}

type FolderHintRequest struct {
	ID       string `json:"id" binding:"required,max=36"`
	Name     string `json:"name" binding:"required,max=256"`
	Position *int   `json:"position"`
}

type SaveChatRequest struct {
	ID              string             `json:"id" binding:"required,max=36"`
	Name            string             `json:"name" binding:"max=256"`
	Model           string             `json:"model" binding:"required,max=64"`
	SystemPrompt    string             `json:"system_prompt"`
	FolderID        *string            `json:"folder_id"`
	Folder          *FolderHintRequest `json:"folder"`
	ParentChatID    *string            `json:"parent_chat_id"`
	BranchedAtIndex *int               `json:"branched_at_index"`
}

type SaveMessageRequest struct {
	ID         string `json:"id" binding:"required,max=36"`
	Role       string `json:"role" binding:"required"`
	Content    string `json:"content"`
	Position   *int   `json:"position" binding:"required"`
	TokenCount *int   `json:"token_count"`
}

type SaveMessagesRequest struct {
	Messages []SaveMessageRequest `json:"messages" binding:"required,min=1"`
}

type BulkMessagesRequest struct {
	ChatIDs []string `json:"chat_ids" binding:"required,min=1,max=500"`
}

type UpdateChatRequest struct {
	Name         *string `json:"name"`
	Model        *string `json:"model"`
	SystemPrompt *string `json:"system_prompt"`
	// An explicit empty string moves the chat back to the root.
	FolderID *string `json:"folder_id"`
}

func NewChatStoreHandler(store *app.StoreService) *ChatStoreHandler {
	return &ChatStoreHandler{store: store}
}

func (h *ChatStoreHandler) SaveChat(c *gin.Context) {
	var req SaveChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	identity := middleware.GetIdentity(c)
	input := app.SaveChatInput{
		UserID:          identity.UserID,
		ID:              req.ID,
		Name:            req.Name,
		ModelID:         req.Model,
		SystemPrompt:    req.SystemPrompt,
		FolderID:        req.FolderID,
		ParentChatID:    req.ParentChatID,
		BranchedAtIndex: req.BranchedAtIndex,
	}
	if req.Folder != nil {
		input.FolderHint = &app.FolderHint{
			ID:       req.Folder.ID,
			Name:     req.Folder.Name,
			Position: req.Folder.Position,
		}
	}

	view, err := h.store.SaveChat(c.Request.Context(), input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, view)
}

func (h *ChatStoreHandler) ListChats(c *gin.Context) {
	identity := middleware.GetIdentity(c)
	chats, err := h.store.LoadChats(c.Request.Context(), identity.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"chats": chats})
}

func (h *ChatStoreHandler) GetMessages(c *gin.Context) {
	identity := middleware.GetIdentity(c)
	messages, err := h.store.LoadChatMessages(c.Request.Context(), identity.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"messages": messages})
}

func (h *ChatStoreHandler) SaveMessages(c *gin.Context) {
	var req SaveMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	identity := middleware.GetIdentity(c)
	input := app.SaveMessagesInput{
		UserID: identity.UserID,
		ChatID: c.Param("id"),
	}
	for _, m := range req.Messages {
		position := -1
		if m.Position != nil {
			position = *m.Position
		}
		input.Messages = append(input.Messages, app.MessageInput{
			ID:         m.ID,
			Role:       m.Role,
			Content:    m.Content,
			Position:   position,
			TokenCount: m.TokenCount,
		})
	}

	result, err := h.store.SaveMessages(c.Request.Context(), input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// BulkMessages serves the login-time hydration read: every requested
// chat's messages in one response.
func (h *ChatStoreHandler) BulkMessages(c *gin.Context) {
	var req BulkMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	identity := middleware.GetIdentity(c)
	messages, err := h.store.LoadBulkChatMessages(c.Request.Context(), identity.UserID, req.ChatIDs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"messages": messages})
}

func (h *ChatStoreHandler) UpdateChat(c *gin.Context) {
	var req UpdateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	identity := middleware.GetIdentity(c)
	err := h.store.UpdateChat(c.Request.Context(), app.UpdateChatInput{
		UserID:       identity.UserID,
		ID:           c.Param("id"),
		Name:         req.Name,
		ModelID:      req.Model,
		SystemPrompt: req.SystemPrompt,
		FolderID:     req.FolderID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"updated": true})
}

func (h *ChatStoreHandler) DeleteChat(c *gin.Context) {
	identity := middleware.GetIdentity(c)
	if err := h.store.DeleteChat(c.Request.Context(), identity.UserID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"deleted_chat_id": c.Param("id")})
}
