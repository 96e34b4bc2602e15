package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/ragbox/internal/middleware"
)

type RouterDeps struct {
	Documents *DocumentHandler
	Search    *SearchHandler
	System    *SystemHandler
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.POST("/documents", deps.Documents.Create)
	api.POST("/documents/upload", deps.Documents.Upload)
	api.GET("/documents", deps.Documents.List)
	api.GET("/documents/:id", deps.Documents.Get)
	api.DELETE("/documents/:id", deps.Documents.Delete)

	searchGroup := api.Group("")
	searchGroup.Use(middleware.RateLimit(200 * time.Millisecond))
	searchGroup.POST("/search", deps.Search.Search)
	searchGroup.POST("/chat/context", deps.Search.Context)

	api.GET("/system/health", deps.System.Health)
	api.GET("/system/cache/stats", deps.System.CacheStats)
	api.POST("/system/cache/clear", deps.System.ClearCache)
}
