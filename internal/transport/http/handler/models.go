package handler

import (
	"github.com/gin-gonic/gin"

	"relaychat/internal/catalog"
	"relaychat/internal/transport/http/middleware"
	"relaychat/internal/transport/http/response"
)

type ModelsHandler struct {
	catalog *catalog.Catalog
}

func NewModelsHandler(cat *catalog.Catalog) *ModelsHandler {
	return &ModelsHandler{catalog: cat}
}

// List returns only the models the caller's tier can use; anonymous
// callers see the permissionless set.
func (h *ModelsHandler) List(c *gin.Context) {
	identity := middleware.GetIdentity(c)
	response.OK(c, gin.H{
		"tier":   identity.Tier,
		"models": h.catalog.ForTier(identity.Tier),
	})
}
