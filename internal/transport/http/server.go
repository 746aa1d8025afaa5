package http

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"relaychat/internal/bootstrap"
	"relaychat/internal/config"
	"relaychat/internal/transport/http/handler"
	"relaychat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(corsConfig(app.Config)))
	router.Use(middleware.AccessGate(app.Config))

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	authHandler := handler.NewAuthHandler(app.AuthService, app.Config)
	completionHandler := handler.NewCompletionHandler(app.CompletionService)
	modelsHandler := handler.NewModelsHandler(app.Catalog)
	rateLimitHandler := handler.NewRateLimitHandler(app.Limiter)
	chatsHandler := handler.NewChatStoreHandler(app.StoreService)
	folderHandler := handler.NewFolderHandler(app.StoreService)
	promptHandler := handler.NewPromptHandler(app.StoreService)
	settingsHandler := handler.NewSettingsHandler(app.StoreService)
	syncHandler := handler.NewSyncHandler(app.StoreService)

	v1 := router.Group("/api/v1")

	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/status", authHandler.Status)
	authGroup.GET("/me", middleware.RequireAuth(app.Config), authHandler.Me)

	// Completion and discovery endpoints work for anonymous callers
	// too; the identity middleware only decides the rate-limit scope.
	open := v1.Group("", middleware.OptionalAuth(app.Config))
	open.POST("/chat", completionHandler.Chat)
	open.GET("/models", modelsHandler.List)
	open.GET("/rate-limit/status", rateLimitHandler.Status)

	authed := v1.Group("", middleware.RequireAuth(app.Config))

	chats := authed.Group("/chats")
	chats.GET("", chatsHandler.ListChats)
	chats.POST("", chatsHandler.SaveChat)
	chats.PATCH("/:id", chatsHandler.UpdateChat)
	chats.DELETE("/:id", chatsHandler.DeleteChat)
	chats.GET("/:id/messages", chatsHandler.GetMessages)
	chats.POST("/:id/messages", chatsHandler.SaveMessages)
	chats.POST("/messages/bulk", chatsHandler.BulkMessages)

	folders := authed.Group("/folders")
	folders.GET("", folderHandler.ListFolders)
	folders.POST("", folderHandler.SaveFolder)
	folders.PATCH("/:id", folderHandler.UpdateFolder)
	folders.DELETE("/:id", folderHandler.DeleteFolder)

	prompts := authed.Group("/prompts")
	prompts.GET("", promptHandler.ListPrompts)
	prompts.POST("", promptHandler.SavePrompt)
	prompts.DELETE("/:id", promptHandler.DeletePrompt)

	authed.GET("/user/settings", settingsHandler.GetSettings)
	authed.POST("/user/settings", settingsHandler.SaveSettings)

	authed.GET("/sync/snapshot", syncHandler.Snapshot)

	return router
}

func corsConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.DefaultConfig()
	if len(cfg.App.CORSOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.App.CORSOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", middleware.AccessTokenHeader)
	// Browsers need the retry hint from rate-limited responses.
	corsCfg.ExposeHeaders = []string{"reset-time"}
	return corsCfg
}
