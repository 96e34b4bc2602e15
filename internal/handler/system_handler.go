package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/ragbox/internal/pkg/response"
	"github.com/xxxsen/ragbox/internal/service"
)

type SystemHandler struct {
	rag *service.RAGService
}

func NewSystemHandler(rag *service.RAGService) *SystemHandler {
	return &SystemHandler{rag: rag}
}

func (h *SystemHandler) CacheStats(c *gin.Context) {
	response.Success(c, h.rag.CacheStats())
}

func (h *SystemHandler) ClearCache(c *gin.Context) {
	count := h.rag.ClearCache()
	response.Success(c, gin.H{"cleared": count})
}

func (h *SystemHandler) Health(c *gin.Context) {
	response.Success(c, h.rag.Health(c.Request.Context()))
}
