package http

import (
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"ragchat/internal/bootstrap"
	"ragchat/internal/transport/http/handler"
	"ragchat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery(), middleware.RequestID())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	index := filepath.Join(app.Config.App.WebRoot, "index.html")
	if _, err := os.Stat(index); err == nil {
		router.StaticFile("/", index)
	}

	authHandler := handler.NewAuthHandler(app.Auth)
	knowledgeHandler := handler.NewKnowledgeHandler(app.Knowledge)
	historyHandler := handler.NewHistoryHandler(app.History)

	api := router.Group("/api")
	authGroup := api.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)

	owned := api.Group("")
	owned.Use(middleware.Identity(app.Config.Auth.JWTSecret, app.Config.Auth.Required))
	owned.GET("/auth/me", authHandler.Me)
	owned.POST("/upload", knowledgeHandler.Upload)
	owned.POST("/ask", knowledgeHandler.Ask)
	owned.GET("/documents", knowledgeHandler.ListDocuments)
	owned.DELETE("/documents/:name", knowledgeHandler.DeleteDocument)
	owned.POST("/refresh", knowledgeHandler.Refresh)
	owned.POST("/crawl", knowledgeHandler.Crawl)
	owned.GET("/schedule", knowledgeHandler.Schedule)
	owned.GET("/history", historyHandler.Get)
	owned.DELETE("/history", historyHandler.Clear)

	return router
}
