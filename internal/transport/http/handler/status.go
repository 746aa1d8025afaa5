package handler

import (
	"github.com/gin-gonic/gin"

	"relaychat/internal/ratelimit"
	"relaychat/internal/transport/http/middleware"
	"relaychat/internal/transport/http/response"
)

type RateLimitHandler struct {
	limiter *ratelimit.Limiter
}

func NewRateLimitHandler(limiter *ratelimit.Limiter) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter}
}

func (h *RateLimitHandler) Status(c *gin.Context) {
	identity := middleware.GetIdentity(c)
	status, err := h.limiter.Status(c.Request.Context(), identity.RateKey)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, status)
}
