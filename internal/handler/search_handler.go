package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/ragbox/internal/pkg/errcode"
	"github.com/xxxsen/ragbox/internal/pkg/response"
	"github.com/xxxsen/ragbox/internal/service"
	"github.com/xxxsen/ragbox/internal/vectorstore"
)

type SearchHandler struct {
	rag *service.RAGService
}

func NewSearchHandler(rag *service.RAGService) *SearchHandler {
	return &SearchHandler{rag: rag}
}

type searchRequest struct {
	Query  string                 `json:"query"`
	TopK   int                    `json:"top_k"`
	Filter map[string]interface{} `json:"filter"`
}

func (h *SearchHandler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	res, err := h.rag.Search(c.Request.Context(), req.Query, req.TopK, vectorstore.Filter(req.Filter))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

type contextRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// Context returns the grounding text for a chat answer; an empty string
// means "no context found" and is not an error.
func (h *SearchHandler) Context(c *gin.Context) {
	var req contextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	text, err := h.rag.RetrieveContext(c.Request.Context(), req.Query, req.TopK)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"context": text})
}
